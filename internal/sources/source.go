// Package sources holds helpers shared by the provider adapters: JSON
// fetching with diagnostic errors, phone normalization, and blocklists.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"activity-sync/internal/auth"
)

// StatusError is a provider call that returned a non-2xx status.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// DoJSON sends req and decodes a JSON response into out. A nil out
// discards the body.
func DoJSON(ctx context.Context, client *http.Client, req *http.Request, out interface{}) error {
	req = req.WithContext(ctx)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", auth.BrowserUserAgent)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: req.Method, URL: req.URL.Path, StatusCode: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

// NormalizePhone reduces a phone number to E.164 form, assuming US numbers
// when no country code is present. It returns "" for anything that is not
// a dialable number (short codes included).
func NormalizePhone(phone string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)

	if len(digits) == 10 {
		return "+1" + digits
	}
	if len(digits) == 11 && digits[0] == '1' {
		return "+" + digits
	}
	if len(digits) > 10 {
		return "+" + digits
	}

	return ""
}

// Blocklist drops records from automated senders.
type Blocklist struct {
	phones map[string]bool
	raw    []string
	names  []string
}

func NewBlocklist(phones, names []string) *Blocklist {
	b := &Blocklist{phones: make(map[string]bool), names: names}
	for _, p := range phones {
		if n := NormalizePhone(p); n != "" {
			b.phones[n] = true
		} else {
			b.raw = append(b.raw, strings.TrimPrefix(p, "+"))
		}
	}
	return b
}

// BlocksPhone matches normalized numbers exactly and short codes by digits.
func (b *Blocklist) BlocksPhone(phone string) bool {
	if b == nil {
		return false
	}
	if n := NormalizePhone(phone); n != "" && b.phones[n] {
		return true
	}
	for _, short := range b.raw {
		if short != "" && strings.Trim(phone, "+ ") == short {
			return true
		}
	}
	return false
}

func (b *Blocklist) BlocksName(name string) bool {
	if b == nil {
		return false
	}
	for _, blocked := range b.names {
		if strings.EqualFold(strings.TrimSpace(name), blocked) {
			return true
		}
	}
	return false
}
