// Package backend provides the streaming HTTP client for the local
// inference daemon's generate endpoint.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrUnavailable indicates the daemon could not be reached at all
// (connection refused, DNS failure, cancelled dial).
var ErrUnavailable = errors.New("inference backend unavailable")

// StatusError is returned when the daemon accepted the connection but
// rejected the generation request. The full error body is captured; there is
// a single downstream dependency, so the failure is surfaced, never retried.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("inference backend returned status %d: %s", e.StatusCode, e.Body)
}

// TokenStream yields fully decoded text fragments from an in-flight
// generation. Next blocks until the daemon delivers more bytes, the stream
// ends (io.EOF), or ctx is cancelled. Close must always be called.
type TokenStream interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// Client issues streaming generation requests.
type Client struct {
	host       string
	httpClient *http.Client
}

// NewClient creates a client for the daemon at host, e.g.
// "http://localhost:11434". The client carries no request timeout:
// generation streams are open-ended and are bounded by the request context
// instead.
func NewClient(host string) *Client {
	return &Client{
		host:       strings.TrimRight(host, "/"),
		httpClient: &http.Client{},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// BeginGeneration opens a streaming generation request. The returned stream
// is bound to ctx: cancelling it unblocks pending reads and tears the
// connection down.
func (c *Client) BeginGeneration(ctx context.Context, model, prompt string) (TokenStream, error) {
	payload, err := json.Marshal(generateRequest{Model: model, Prompt: prompt, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if closeErr := resp.Body.Close(); closeErr != nil {
			body = append(body, []byte(fmt.Sprintf(" (close: %v)", closeErr))...)
		}
		if readErr != nil {
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: fmt.Sprintf("unreadable error body: %v", readErr)}
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	return newStream(resp.Body), nil
}
