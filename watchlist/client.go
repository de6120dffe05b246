// Package watchlist matches vessel reports against curated lists of
// vessels of interest, synchronized from an external HTTP provider.
package watchlist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/darkfleet/fleetd/config"
)

// Client talks to the watchlist provider. Transport failures and 5xx
// responses are retried with exponential backoff.
type Client struct {
	baseURL         string
	vesselsEndpoint string
	listsEndpoint   string
	authType        string
	authToken       string
	retryAttempts   int
	retryDelay      time.Duration

	http   *http.Client
	logger *slog.Logger
}

func NewClient(cfg config.WatchlistAPIConfig) *Client {
	return &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		vesselsEndpoint: cfg.VesselsEndpoint,
		listsEndpoint:   cfg.ListsEndpoint,
		authType:        strings.ToLower(cfg.Auth.Type),
		authToken:       cfg.Auth.Token,
		retryAttempts:   cfg.RetryAttempts,
		retryDelay:      time.Duration(cfg.RetryDelay) * time.Millisecond,
		http: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Millisecond,
		},
		logger: slog.With("component", "watchlist-api"),
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "fleetd/1.0")
	req.Header.Set("Accept", "application/json")

	switch c.authType {
	case "bearer":
		if c.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.authToken)
		}
	case "apikey":
		if c.authToken != "" {
			req.Header.Set("X-API-Key", c.authToken)
		}
	case "basic":
		if c.authToken != "" {
			req.Header.Set("Authorization", "Basic "+c.authToken)
		}
	}
}

// fetchEndpoint GETs a JSON array with retries. 4xx responses are not
// retried; the provider will not change its mind.
func (c *Client) fetchEndpoint(ctx context.Context, endpoint string) ([]map[string]any, error) {
	url := c.baseURL + endpoint

	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay << (attempt - 1)
			if delay > 10*time.Second {
				delay = 10 * time.Second
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		data, retryable, err := c.fetchOnce(ctx, url)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		c.logger.Debug("Fetch failed, retrying", "url", url, "attempt", attempt+1, "error", err)
	}

	return nil, fmt.Errorf("fetch %s: %w", url, lastErr)
}

func (c *Client) fetchOnce(ctx context.Context, url string) (data []map[string]any, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, resp.StatusCode >= 500, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}

	if err := json.Unmarshal(body, &data); err != nil {
		return nil, false, fmt.Errorf("expected JSON array: %w", err)
	}
	return data, false, nil
}

func (c *Client) FetchVessels(ctx context.Context) ([]map[string]any, error) {
	return c.fetchEndpoint(ctx, c.vesselsEndpoint)
}

func (c *Client) FetchLists(ctx context.Context) ([]map[string]any, error) {
	return c.fetchEndpoint(ctx, c.listsEndpoint)
}

// FetchAll retrieves vessels and lists concurrently; the first error
// wins.
func (c *Client) FetchAll(ctx context.Context) (vessels, lists []map[string]any, err error) {
	type result struct {
		data []map[string]any
		err  error
	}

	vesselCh := make(chan result, 1)
	listCh := make(chan result, 1)

	go func() {
		data, err := c.FetchVessels(ctx)
		vesselCh <- result{data, err}
	}()
	go func() {
		data, err := c.FetchLists(ctx)
		listCh <- result{data, err}
	}()

	v := <-vesselCh
	l := <-listCh

	if v.err != nil {
		return nil, nil, v.err
	}
	if l.err != nil {
		return nil, nil, l.err
	}
	return v.data, l.data, nil
}

// UpdateVesselByIMO pushes a partial update of last-known attributes
// back to the provider. Single attempt; callers treat failures as
// advisory.
func (c *Client) UpdateVesselByIMO(ctx context.Context, imo string, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/vessels/update-by-imo/%s", c.baseURL, imo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// TestConnection probes both endpoints once and reports what it saw.
func (c *Client) TestConnection(ctx context.Context) map[string]any {
	result := map[string]any{"success": false}

	vessels, _, vErr := c.fetchOnce(ctx, c.baseURL+c.vesselsEndpoint)
	lists, _, lErr := c.fetchOnce(ctx, c.baseURL+c.listsEndpoint)

	result["vessels"] = map[string]any{"ok": vErr == nil, "count": len(vessels)}
	result["lists"] = map[string]any{"ok": lErr == nil, "count": len(lists)}
	result["success"] = vErr == nil && lErr == nil
	if vErr != nil {
		result["error"] = vErr.Error()
	} else if lErr != nil {
		result["error"] = lErr.Error()
	}
	return result
}
