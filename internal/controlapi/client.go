// Package controlapi issues REST calls against a running router's control
// API: latency probes of a named proxy and active-proxy selection within a
// group.
package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const selectTimeout = 5 * time.Second

// Client is a stateless set of helpers bound to one router's API base URL.
type Client struct {
	apiBase string
	http    *http.Client
}

// New builds a Client against apiBase (e.g. "http://127.0.0.1:19090").
func New(apiBase string) *Client {
	return &Client{
		apiBase: apiBase,
		http:    &http.Client{},
	}
}

// TestLatency issues GET /proxies/{name}/delay?url=&timeout= and returns the
// delay in milliseconds, or nil if the status isn't 200, the delay field is
// missing/zero, or any transport error occurs. The caller is responsible
// for bounding ctx to timeout_ms/1000 + 5s, per the watchdog contract.
func (c *Client) TestLatency(ctx context.Context, name, probeURL string, timeoutMs int) *float64 {
	u := fmt.Sprintf("%s/proxies/%s/delay?url=%s&timeout=%d",
		c.apiBase, url.PathEscape(name), url.QueryEscape(probeURL), timeoutMs)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var body struct {
		Delay float64 `json:"delay"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil
	}
	if body.Delay == 0 {
		return nil
	}
	return &body.Delay
}

// SelectNode issues PUT /proxies/test-group with body {"name": name} and a
// 5s total timeout. It returns true iff the router responds with 200 or
// 204; any other outcome (including transport errors) returns false without
// raising.
func (c *Client) SelectNode(ctx context.Context, name string) bool {
	ctx, cancel := context.WithTimeout(ctx, selectTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return false
	}

	u := c.apiBase + "/proxies/test-group"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent
}

// WatchdogTimeout computes the caller's hard timeout for one latency round:
// timeout_ms/1000 + 5s.
func WatchdogTimeout(timeoutMs int) time.Duration {
	return time.Duration(timeoutMs)*time.Millisecond + 5*time.Second
}
