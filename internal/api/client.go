package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) HealthCheck(ctx context.Context) error {
	resp, err := c.get(ctx, "/api/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

type BatchUpsertRequest struct {
	RecordType RecordType `json:"record_type"`
	Records    []Record   `json:"records"`
}

type BatchUpsertResponse struct {
	Inserted int          `json:"inserted"`
	Updated  int          `json:"updated"`
	Errors   []BatchError `json:"errors"`
}

type BatchError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// BatchUpsert posts one batch of records of a single type.
func (c *Client) BatchUpsert(ctx context.Context, recordType RecordType, records []Record) (*BatchUpsertResponse, error) {
	body, err := json.Marshal(BatchUpsertRequest{RecordType: recordType, Records: records})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.BatchUpsertRaw(ctx, recordType, body)
}

// BatchUpsertRaw posts an already-encoded BatchUpsertRequest. The spool
// replays batches through here without decoding them back into records.
func (c *Client) BatchUpsertRaw(ctx context.Context, recordType RecordType, body []byte) (*BatchUpsertResponse, error) {
	resp, err := c.post(ctx, fmt.Sprintf("/api/%s/batch", recordType), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("batch upsert failed: %d - %s", resp.StatusCode, string(bodyBytes))
	}

	var result BatchUpsertResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &result, nil
}

// Save submits a batch and treats per-record rejections as non-fatal.
func (c *Client) Save(ctx context.Context, recordType RecordType, records []Record) error {
	result, err := c.BatchUpsert(ctx, recordType, records)
	if err != nil {
		return err
	}
	logBatchResult(recordType, result)
	return nil
}

// SaveRaw is Save for a pre-encoded request body.
func (c *Client) SaveRaw(ctx context.Context, recordType RecordType, body []byte) error {
	result, err := c.BatchUpsertRaw(ctx, recordType, body)
	if err != nil {
		return err
	}
	logBatchResult(recordType, result)
	return nil
}

func logBatchResult(recordType RecordType, result *BatchUpsertResponse) {
	evt := log.Debug()
	if len(result.Errors) > 0 {
		evt = log.Warn().Interface("rejected", result.Errors)
	}
	evt.
		Str("record_type", string(recordType)).
		Int("inserted", result.Inserted).
		Int("updated", result.Updated).
		Int("errors", len(result.Errors)).
		Msg("Batch upserted")
}

// RefreshCache asks the backend to rebuild its aggregates once all
// providers have been synced.
func (c *Client) RefreshCache(ctx context.Context) error {
	resp, err := c.post(ctx, "/api/cache/refresh", []byte("{}"))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("cache refresh failed: %d - %s", resp.StatusCode, string(bodyBytes))
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	return c.httpClient.Do(req)
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(req)
}
