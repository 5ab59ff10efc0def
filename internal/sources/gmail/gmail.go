// Package gmail reads call and text notifications (as forwarded by Google
// Voice) out of a Gmail mailbox, and reads verification codes that other
// providers email during login.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"activity-sync/internal/auth"
	activitysync "activity-sync/internal/sync"
)

// Mailbox builds Gmail API clients from the session's current access token.
// It is shared by every gmail job and by the code reader.
type Mailbox struct {
	session auth.Session
	base    *http.Client
	opts    []option.ClientOption

	mu    sync.Mutex
	svc   *gmail.Service
	token string
}

// NewMailbox creates a mailbox. Extra options are appended after the HTTP
// client, which lets tests point the service at a fake endpoint.
func NewMailbox(session auth.Session, base *http.Client, opts ...option.ClientOption) *Mailbox {
	if base == nil {
		base = http.DefaultClient
	}
	return &Mailbox{session: session, base: base, opts: opts}
}

func (m *Mailbox) service(ctx context.Context) (*gmail.Service, error) {
	cred := m.session.Credential()
	if cred.BearerToken == "" {
		return nil, errors.New("gmail session is not authenticated")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.svc != nil && m.token == cred.BearerToken {
		return m.svc, nil
	}

	client := &http.Client{
		Timeout: m.base.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.BearerToken, TokenType: "Bearer"}),
			Base:   m.base.Transport,
		},
	}
	opts := append([]option.ClientOption{option.WithHTTPClient(client)}, m.opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}
	m.svc, m.token = svc, cred.BearerToken
	return svc, nil
}

// List returns one page of message stubs matching query.
func (m *Mailbox) List(ctx context.Context, query string, pageSize int64, pageToken string) (*gmail.ListMessagesResponse, error) {
	svc, err := m.service(ctx)
	if err != nil {
		return nil, err
	}
	req := svc.Users.Messages.List("me").Q(query).MaxResults(pageSize)
	if pageToken != "" {
		req = req.PageToken(pageToken)
	}
	return req.Context(ctx).Do()
}

// Get fetches the full message.
func (m *Mailbox) Get(ctx context.Context, id string) (*gmail.Message, error) {
	svc, err := m.service(ctx)
	if err != nil {
		return nil, err
	}
	return svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
}

// LabelSource pages through a label, newest first, using Gmail page tokens.
type LabelSource struct {
	mailbox  *Mailbox
	label    string
	pageSize int64
}

func NewLabelSource(mailbox *Mailbox, label string, pageSize int) *LabelSource {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &LabelSource{mailbox: mailbox, label: label, pageSize: int64(pageSize)}
}

func (s *LabelSource) FetchPage(ctx context.Context, cursor activitysync.Cursor) (activitysync.Page[*gmail.Message], error) {
	var token string
	switch c := cursor.(type) {
	case nil:
	case activitysync.TokenCursor:
		token = string(c)
	default:
		return activitysync.Page[*gmail.Message]{}, fmt.Errorf("unexpected cursor %s", activitysync.CursorKey(cursor))
	}

	resp, err := s.mailbox.List(ctx, labelQuery(s.label), s.pageSize, token)
	if err != nil {
		return activitysync.Page[*gmail.Message]{}, err
	}

	page := activitysync.Page[*gmail.Message]{Items: resp.Messages}
	if resp.NextPageToken != "" {
		page.Next = activitysync.TokenCursor(resp.NextPageToken)
	}
	return page, nil
}

func labelQuery(label string) string {
	if strings.ContainsAny(label, " \"") {
		return fmt.Sprintf("label:%q", label)
	}
	return "label:" + label
}

// fetchInWindow loads the full message and classifies it against the
// window. full is nil when the message is out of window.
func fetchInWindow(ctx context.Context, mailbox *Mailbox, stub *gmail.Message, window activitysync.Window) (*gmail.Message, activitysync.Result, error) {
	full, err := mailbox.Get(ctx, stub.Id)
	if err != nil {
		return nil, activitysync.Skip(), fmt.Errorf("get message %s: %w", stub.Id, err)
	}
	if window.VerdictFor(internalDate(full)) == activitysync.OutOfWindow {
		return nil, activitysync.Stale(), nil
	}
	return full, activitysync.Skip(), nil
}

func internalDate(msg *gmail.Message) time.Time {
	return time.UnixMilli(msg.InternalDate).UTC()
}

func headers(msg *gmail.Message) map[string]string {
	h := make(map[string]string)
	if msg.Payload == nil {
		return h
	}
	for _, kv := range msg.Payload.Headers {
		h[strings.ToLower(kv.Name)] = kv.Value
	}
	return h
}

// extractBody returns the plain text body, converting HTML when that is all
// the message has.
func extractBody(payload *gmail.MessagePart) string {
	if payload == nil {
		return ""
	}
	if text := findPart(payload, "text/plain"); text != "" {
		return strings.TrimSpace(text)
	}
	if html := findPart(payload, "text/html"); html != "" {
		return htmlToText(html)
	}
	return ""
}

// findPart walks nested multiparts for the first part of mimeType.
func findPart(part *gmail.MessagePart, mimeType string) string {
	if part.Filename == "" && part.MimeType == mimeType && part.Body != nil && part.Body.Data != "" {
		return decodeData(part.Body.Data)
	}
	for _, child := range part.Parts {
		if body := findPart(child, mimeType); body != "" {
			return body
		}
	}
	return ""
}

func decodeData(data string) string {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		b, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return ""
		}
	}
	return string(b)
}

func htmlToText(html string) string {
	md, err := htmltomarkdown.ConvertString(html)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(md)
}

func parseEmailAddress(addr string) string {
	// Handle "Name <email@example.com>" format
	if start := strings.Index(addr, "<"); start != -1 {
		if end := strings.Index(addr, ">"); end != -1 {
			return strings.TrimSpace(addr[start+1 : end])
		}
	}
	return strings.TrimSpace(addr)
}

func displayName(addr string) string {
	if start := strings.Index(addr, "<"); start > 0 {
		return strings.Trim(strings.TrimSpace(addr[:start]), `"`)
	}
	return ""
}
