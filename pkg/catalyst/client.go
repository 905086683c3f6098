// Package catalyst is a Go client for the catalyst HTTP API.
package catalyst

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"catalyst/internal/domain"
)

// Re-exported wire types.
type (
	ScoredItem      = domain.ScoredItem
	Outcome         = domain.Outcome
	ManagedPosition = domain.ManagedPosition
	ClosedPosition  = domain.ClosedPosition
	Account         = domain.Account
)

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("catalyst: %d %s: %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("catalyst: %d: %s", e.StatusCode, e.Message)
}

// Client provides a Go SDK for interacting with the catalyst server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new catalyst API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SubmitItem posts a scored item and returns the pipeline outcome.
func (c *Client) SubmitItem(ctx context.Context, item ScoredItem) (Outcome, error) {
	var out Outcome
	err := c.do(ctx, http.MethodPost, "/api/items", item, &out)
	return out, err
}

// ListPositions returns all active positions.
func (c *Client) ListPositions(ctx context.Context) ([]ManagedPosition, error) {
	var out []ManagedPosition
	err := c.do(ctx, http.MethodGet, "/api/positions", nil, &out)
	return out, err
}

// ListClosed returns up to limit recent closed positions. A limit of zero
// uses the server default.
func (c *Client) ListClosed(ctx context.Context, limit int) ([]ClosedPosition, error) {
	path := "/api/positions/closed"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []ClosedPosition
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// ClosePosition asks the server to close the position for ticker.
func (c *Client) ClosePosition(ctx context.Context, ticker string) (ClosedPosition, error) {
	var out ClosedPosition
	err := c.do(ctx, http.MethodPost, "/api/positions/"+url.PathEscape(ticker)+"/close", nil, &out)
	return out, err
}

// GetAccount returns the broker account snapshot.
func (c *Client) GetAccount(ctx context.Context) (Account, error) {
	var out Account
	err := c.do(ctx, http.MethodGet, "/api/account", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var e struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil {
			apiErr.Message, apiErr.Kind = e.Error, e.Kind
		} else {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
