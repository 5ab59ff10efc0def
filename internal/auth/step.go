package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// BrowserUserAgent mimics the headers the providers' own web apps send.
const BrowserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0 Safari/537.36"

// NoRedirectClient returns a client that hands 3xx responses back to the
// caller so handshakes can read Location and Set-Cookie themselves.
func NoRedirectClient(base *http.Client) *http.Client {
	c := *base
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &c
}

// Step sends one handshake request, merges its cookies into jar, and
// returns the response with its body fully read. 4xx/5xx responses become
// AuthErrors wrapping ErrRejected with the body preserved.
func Step(ctx context.Context, client *http.Client, jar *CookieJar, provider, step string, req *http.Request) (*http.Response, []byte, error) {
	req = req.WithContext(ctx)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", BrowserUserAgent)
	}
	if jar != nil {
		jar.Apply(req)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, &AuthError{Provider: provider, Step: step, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &AuthError{Provider: provider, Step: step, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if jar != nil {
		jar.Merge(resp)
	}

	if resp.StatusCode >= 400 {
		return resp, body, Rejected(provider, step, resp.StatusCode, body)
	}
	return resp, body, nil
}

// FormRequest builds a urlencoded POST.
func FormRequest(target string, form url.Values) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}
