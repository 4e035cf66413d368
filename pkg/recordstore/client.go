// Package recordstore is the HTTP client for the remote record store.
//
// The store is an external service (typically a spreadsheet-backed web app)
// that records chat messages and locations and answers free-text queries.
// Its wire contract is fixed:
//
//	POST {"message": "..."} or {"sender": "...", "message": "..."}
//	POST {"latitude": 1.0, "longitude": 2.0}
//	GET  ?query=<lower-cased text>  → {"response": "..."}
//
// The client never retries; callers decide what a failure means.
package recordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds every outbound call when no timeout is configured.
const DefaultTimeout = 15 * time.Second

// maxBody caps how much of a response body is read.
const maxBody = 1 << 20

// Client is an HTTP client for the remote record store.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the store at baseURL. A non-positive timeout
// falls back to DefaultTimeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// messageRecord is the record-message request body.
type messageRecord struct {
	Sender  string `json:"sender,omitempty"`
	Message string `json:"message"`
}

// locationRecord is the record-location request body.
type locationRecord struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// QueryResult is the store's answer to a query.
type QueryResult struct {
	// Response is empty when the store had nothing to say.
	Response string
}

// RecordMessage stores a chat message. sender is omitted from the record when empty.
func (c *Client) RecordMessage(ctx context.Context, sender, body string) error {
	return c.post(ctx, "record_message", messageRecord{Sender: sender, Message: body})
}

// RecordLocation stores a shared location.
func (c *Client) RecordLocation(ctx context.Context, lat, lon float64) error {
	return c.post(ctx, "record_location", locationRecord{Latitude: lat, Longitude: lon})
}

// Query asks the store to answer text. The caller is responsible for any
// normalisation (the relay lower-cases the text before calling).
func (c *Client) Query(ctx context.Context, text string) (QueryResult, error) {
	const op = "query"

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return QueryResult{}, &Error{Kind: KindUnreachable, Op: op, Err: fmt.Errorf("parse store URL: %w", err)}
	}
	q := u.Query()
	q.Set("query", text)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return QueryResult{}, &Error{Kind: KindUnreachable, Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req, op)
	if err != nil {
		return QueryResult{}, err
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return QueryResult{}, &Error{Kind: KindMalformedResponse, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}

	raw, ok := payload["response"]
	if !ok || string(raw) == "null" {
		return QueryResult{}, nil
	}
	var result QueryResult
	if err := json.Unmarshal(raw, &result.Response); err != nil {
		return QueryResult{}, &Error{Kind: KindMalformedResponse, Op: op, Err: fmt.Errorf("response field is not a string: %w", err)}
	}
	return result, nil
}

// post sends a JSON record. The store answers with a JSON acknowledgement,
// which is only logged; a non-JSON answer is reported as malformed.
func (c *Client) post(ctx context.Context, op string, record any) error {
	reqBytes, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(reqBytes))
	if err != nil {
		return &Error{Kind: KindUnreachable, Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req, op)
	if err != nil {
		return err
	}

	if len(bytes.TrimSpace(body)) > 0 && !json.Valid(body) {
		return &Error{Kind: KindMalformedResponse, Op: op, Err: fmt.Errorf("non-JSON acknowledgement: %s", truncate(string(body), 120))}
	}
	slog.Debug("store record saved", "op", op, "ack", truncate(string(body), 200))
	return nil
}

// do executes req and returns the body of a 2xx response.
func (c *Client) do(req *http.Request, op string) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindUnreachable, Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, &Error{Kind: KindUnreachable, Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Kind:       KindUnreachable,
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("store returned %d: %s", resp.StatusCode, truncate(string(body), 120)),
		}
	}
	return body, nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
