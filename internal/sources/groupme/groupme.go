// Package groupme syncs group chat messages using a personal access token.
package groupme

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"activity-sync/internal/api"
	"activity-sync/internal/auth"
	"activity-sync/internal/sources"
	activitysync "activity-sync/internal/sync"
)

const (
	Provider = "groupme"
	pageSize = 100
)

type Message struct {
	ID          string       `json:"id"`
	GroupID     string       `json:"group_id"`
	CreatedAt   int64        `json:"created_at"`
	UserID      string       `json:"user_id"`
	SenderID    string       `json:"sender_id"`
	SenderType  string       `json:"sender_type"`
	Name        string       `json:"name"`
	Text        string       `json:"text"`
	System      bool         `json:"system"`
	Attachments []attachment `json:"attachments"`
}

type attachment struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type messagesResponse struct {
	Response struct {
		Count    int       `json:"count"`
		Messages []Message `json:"messages"`
	} `json:"response"`
}

func NewSession(token string) *auth.StaticSession {
	return auth.NewStaticSession(Provider, auth.Credential{BearerToken: token}, nil)
}

// GroupSource pages backwards through one group with before_id.
type GroupSource struct {
	session auth.Session
	client  *http.Client
	baseURL string
	groupID string
}

func NewGroupSource(session auth.Session, client *http.Client, baseURL, groupID string) *GroupSource {
	return &GroupSource{session: session, client: client, baseURL: baseURL, groupID: groupID}
}

func (s *GroupSource) FetchPage(ctx context.Context, cursor activitysync.Cursor) (activitysync.Page[Message], error) {
	q := url.Values{"limit": {strconv.Itoa(pageSize)}}
	switch c := cursor.(type) {
	case nil:
	case activitysync.BeforeIDCursor:
		q.Set("before_id", string(c))
	default:
		return activitysync.Page[Message]{}, fmt.Errorf("unexpected cursor %s", activitysync.CursorKey(cursor))
	}

	target := fmt.Sprintf("%s/v3/groups/%s/messages?%s", s.baseURL, url.PathEscape(s.groupID), q.Encode())
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return activitysync.Page[Message]{}, err
	}
	req.Header.Set("X-Access-Token", s.session.Credential().BearerToken)

	var resp messagesResponse
	if err := sources.DoJSON(ctx, s.client, req, &resp); err != nil {
		var se *sources.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotModified {
			// GroupMe answers 304 once before_id runs past the oldest message.
			return activitysync.Page[Message]{}, nil
		}
		return activitysync.Page[Message]{}, err
	}

	msgs := resp.Response.Messages
	page := activitysync.Page[Message]{Items: msgs}
	if len(msgs) == pageSize {
		page.Next = activitysync.BeforeIDCursor(msgs[len(msgs)-1].ID)
	}
	return page, nil
}

// Processor skips system notices, bot posts, and our own messages.
type Processor struct {
	selfID string
}

func NewProcessor(selfID string) *Processor {
	return &Processor{selfID: selfID}
}

func (p *Processor) Process(ctx context.Context, m Message, window activitysync.Window) (activitysync.Result, error) {
	at := time.Unix(m.CreatedAt, 0).UTC()
	if window.VerdictFor(at) == activitysync.OutOfWindow {
		return activitysync.Stale(), nil
	}
	if m.System || m.SenderType != "user" {
		return activitysync.Skip(), nil
	}
	if p.selfID != "" && (m.SenderID == p.selfID || m.UserID == p.selfID) {
		return activitysync.Skip(), nil
	}

	var urls []string
	for _, a := range m.Attachments {
		if a.URL != "" {
			urls = append(urls, a.URL)
		}
	}

	return activitysync.Mapped(api.ChatMessage{
		ChatMessageID:  m.ID,
		OccurredDate:   at,
		GroupID:        m.GroupID,
		SenderID:       m.SenderID,
		SenderName:     m.Name,
		Text:           m.Text,
		AttachmentURLs: urls,
	}), nil
}

// NewProvider registers one chat_messages job per group.
func NewProvider(session *auth.StaticSession, client *http.Client, baseURL, selfID string, groupIDs []string, job activitysync.JobConfig) activitysync.Provider {
	job.Provider, job.RecordType = Provider, api.RecordTypeChatMessage
	processor := NewProcessor(selfID)

	p := activitysync.Provider{Session: session}
	for _, id := range groupIDs {
		p.Jobs = append(p.Jobs, activitysync.NewJob[Message](NewGroupSource(session, client, baseURL, id), processor, job))
	}
	return p
}
