// Package lyft syncs completed rides using a session cookie copied from a
// logged-in browser.
package lyft

import (
	"context"
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

const Provider = "lyft"

type location struct {
	Address string `json:"address"`
}

type money struct {
	Amount   int64  `json:"amount"` // cents
	Currency string `json:"currency"`
}

type Ride struct {
	RideID          string   `json:"ride_id"`
	Status          string   `json:"status"`
	RequestedAtMs   int64    `json:"requested_at_ms"`
	Pickup          location `json:"pickup"`
	Dropoff         location `json:"dropoff"`
	DistanceMiles   float64  `json:"distance_miles"`
	DurationSeconds int      `json:"duration_seconds"`
	TotalMoney      money    `json:"total_money"`
}

type ridesResponse struct {
	Data    []Ride `json:"data"`
	HasMore bool   `json:"has_more"`
}

// NewSession primes the copied cookie against the refresh endpoint; Lyft
// rotates part of the cookie set on every refresh.
func NewSession(client *http.Client, baseURL, cookie string) *auth.StaticSession {
	prime := func(ctx context.Context, cred auth.Credential) (auth.Credential, error) {
		jar := auth.ParseCookieHeader(cred.Cookies)
		req, err := http.NewRequest(http.MethodGet, baseURL+"/api/auth/refresh", nil)
		if err != nil {
			return auth.Credential{}, err
		}
		resp, body, err := auth.Step(ctx, auth.NoRedirectClient(client), jar, Provider, "refresh session", req)
		if err != nil {
			return auth.Credential{}, err
		}
		if resp.StatusCode != http.StatusOK {
			return auth.Credential{}, auth.Rejected(Provider, "refresh session", resp.StatusCode, body)
		}
		return auth.Credential{Cookies: jar.Header()}, nil
	}
	return auth.NewStaticSession(Provider, auth.Credential{Cookies: cookie}, prime)
}

// RideSource pages with skip/limit offsets.
type RideSource struct {
	session  auth.Session
	client   *http.Client
	baseURL  string
	pageSize int
}

func NewRideSource(session auth.Session, client *http.Client, baseURL string, pageSize int) *RideSource {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &RideSource{session: session, client: client, baseURL: baseURL, pageSize: pageSize}
}

func (s *RideSource) FetchPage(ctx context.Context, cursor activitysync.Cursor) (activitysync.Page[Ride], error) {
	skip := 0
	switch c := cursor.(type) {
	case nil:
	case activitysync.OffsetCursor:
		skip = int(c)
	default:
		return activitysync.Page[Ride]{}, fmt.Errorf("unexpected cursor %s", activitysync.CursorKey(cursor))
	}

	q := url.Values{"skip": {strconv.Itoa(skip)}, "limit": {strconv.Itoa(s.pageSize)}}
	req, err := http.NewRequest(http.MethodGet, s.baseURL+"/api/passenger_rides?"+q.Encode(), nil)
	if err != nil {
		return activitysync.Page[Ride]{}, err
	}
	req.Header.Set("Cookie", s.session.Credential().Cookies)

	var resp ridesResponse
	if err := sources.DoJSON(ctx, s.client, req, &resp); err != nil {
		return activitysync.Page[Ride]{}, err
	}

	page := activitysync.Page[Ride]{Items: resp.Data}
	if resp.HasMore && len(resp.Data) > 0 {
		page.Next = activitysync.OffsetCursor(skip + len(resp.Data))
	}
	return page, nil
}

func Process(ctx context.Context, r Ride, window activitysync.Window) (activitysync.Result, error) {
	at := time.UnixMilli(r.RequestedAtMs).UTC()
	if window.VerdictFor(at) == activitysync.OutOfWindow {
		return activitysync.Stale(), nil
	}
	if r.Status == "canceled" {
		return activitysync.Skip(), nil
	}

	return activitysync.Mapped(api.Ride{
		RideID:          r.RideID,
		OccurredDate:    at,
		Provider:        Provider,
		PickupAddress:   r.Pickup.Address,
		DropoffAddress:  r.Dropoff.Address,
		DistanceMiles:   r.DistanceMiles,
		DurationSeconds: r.DurationSeconds,
		Amount:          float64(r.TotalMoney.Amount) / 100,
		Currency:        r.TotalMoney.Currency,
	}), nil
}

func NewProvider(session *auth.StaticSession, client *http.Client, baseURL string, pageSize int, job activitysync.JobConfig) activitysync.Provider {
	job.Provider, job.RecordType = Provider, api.RecordTypeRide
	return activitysync.Provider{
		Session: session,
		Jobs: []activitysync.Job{
			activitysync.NewJob[Ride](NewRideSource(session, client, baseURL, pageSize), activitysync.ProcessorFunc[Ride](Process), job),
		},
	}
}
