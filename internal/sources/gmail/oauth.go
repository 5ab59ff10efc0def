package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"

	"activity-sync/internal/auth"
)

const Provider = "gmail"

// Session exchanges a long-lived refresh token for an access token on
// every Authenticate. Gmail never issues challenges.
type Session struct {
	auth.Machine
	oauth   *oauth2.Config
	refresh string
	client  *http.Client
}

// NewSession builds a session. client, when non-nil, is used for the token
// endpoint.
func NewSession(oauth *oauth2.Config, refreshToken string, client *http.Client) *Session {
	return &Session{
		Machine: auth.NewMachine(Provider),
		oauth:   oauth,
		refresh: refreshToken,
		client:  client,
	}
}

func (s *Session) Authenticate(ctx context.Context) (*auth.Challenge, error) {
	s.Reset()
	if s.refresh == "" {
		return nil, auth.Malformed(Provider, "load refresh token", "refresh_token", nil)
	}

	if s.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)
	}
	token, err := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: s.refresh}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return nil, auth.Rejected(Provider, "refresh token", re.Response.StatusCode, re.Body)
		}
		if isMissingAccessToken(err) {
			return nil, auth.Malformed(Provider, "refresh token", "access_token", nil)
		}
		return nil, &auth.AuthError{Provider: Provider, Step: "refresh token", Err: err}
	}
	if token.AccessToken == "" {
		return nil, auth.Malformed(Provider, "refresh token", "access_token", nil)
	}

	s.Authenticated(auth.Credential{BearerToken: token.AccessToken})
	return nil, nil
}

// golang.org/x/oauth2 (checked against v0.34.0, internal/token.go) reports a
// 200 response without an access token as an untyped error rather than a
// RetrieveError. If that text changes the failure degrades to a generic
// AuthError, which still fails the provider.
const missingAccessTokenText = "server response missing access_token"

func isMissingAccessToken(err error) bool {
	return strings.Contains(err.Error(), missingAccessTokenText)
}

func (s *Session) SubmitChallenge(ctx context.Context, code string) error {
	_, err := s.TakeChallenge()
	return err
}

// LoadOAuthConfig reads the OAuth client file downloaded from the Google
// Cloud console.
func LoadOAuthConfig(credentialsPath string) (*oauth2.Config, error) {
	credBytes, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	config, err := google.ConfigFromJSON(credBytes, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}
	return config, nil
}

// LoadRefreshToken reads the refresh token saved by OAuthFlow.
func LoadRefreshToken(tokenPath string) (string, error) {
	token, err := tokenFromFile(tokenPath)
	if err != nil {
		return "", fmt.Errorf("unable to read token file (run 'activity-sync oauth gmail' to authenticate): %w", err)
	}
	if token.RefreshToken == "" {
		return "", fmt.Errorf("token file %s has no refresh token", tokenPath)
	}
	return token.RefreshToken, nil
}

func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	token := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(token)
	return token, err
}

func saveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	return json.NewEncoder(f).Encode(token)
}

// OAuthFlow runs the interactive consent flow and stores the resulting
// token. It is called from the CLI when setting up the mailbox.
func OAuthFlow(ctx context.Context, credentialsPath, tokenPath, listenAddr string) error {
	config, err := LoadOAuthConfig(credentialsPath)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen for callback: %w", err)
	}

	codeChan := make(chan string, 1)
	errChan := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" {
			errChan <- fmt.Errorf("no code in callback")
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		codeChan <- code
		fmt.Fprintf(w, "Authorization successful! You can close this window.")
	})

	server := &http.Server{Handler: mux}
	go func() {
		if err := server.Serve(ln); err != http.ErrServerClosed {
			errChan <- err
		}
	}()
	defer server.Shutdown(context.Background())

	config.RedirectURL = fmt.Sprintf("http://%s/callback", ln.Addr().String())
	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	fmt.Printf("Open this URL in your browser to authorize:\n\n%s\n\n", authURL)
	fmt.Println("Waiting for authorization...")

	var code string
	select {
	case code = <-codeChan:
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	token, err := config.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("unable to exchange code for token: %w", err)
	}

	if err := saveToken(tokenPath, token); err != nil {
		return fmt.Errorf("unable to save token: %w", err)
	}

	fmt.Printf("Token saved to %s\n", tokenPath)
	return nil
}
