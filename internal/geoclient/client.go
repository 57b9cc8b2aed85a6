// Package geoclient fetches exit-IP geolocation metadata for alive nodes
// through a single shared router instance, under a strict per-request rate
// cap.
package geoclient

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/resinat/resinprobe/internal/controlapi"
	"github.com/resinat/resinprobe/internal/metrics"
	"github.com/resinat/resinprobe/internal/upstream"
)

const (
	minIssueGap  = 1400 * time.Millisecond
	fetchTimeout = 15 * time.Second
)

// geoURL is a var, not a const, so tests can redirect it to a local
// httptest.Server without touching the real geolocation service.
var geoURL = "http://ip-api.com/json?fields=status,country,countryCode,city,isp,query"

// Client runs the Geo phase against one shared router.
type Client struct {
	api     *controlapi.Client
	http    *http.Client
	limiter *rate.Limiter

	// broken is set when the SOCKS5 transport could not be built. fetchOne
	// refuses to issue any request in this state rather than falling back
	// to a direct, unproxied client — a geo request that bypasses the
	// router would report the test host's own IP as the node's exit IP.
	broken bool
}

// New builds a Client bound to a router's control API and SOCKS5 URL. The
// limiter enforces a minimum 1.4s gap between successive request
// issuances (burst 1 means only one token is ever banked, so Wait blocks
// callers to exactly that cadence) — below the 45 req/min free-tier cap,
// measured on the monotonic clock used internally by rate.Limiter.
func New(apiBase, socks5URL string) *Client {
	client, err := upstream.SOCKS5Client(socks5URL, 1)
	broken := err != nil
	if broken {
		// A malformed SOCKS5 URL means the router itself is broken. Every
		// fetch is treated as a non-fatal geo failure (fetchOne refuses to
		// run), never as a direct, unproxied request.
		client = &http.Client{Timeout: fetchTimeout}
	} else {
		client.Timeout = fetchTimeout
	}
	return &Client{
		api:     controlapi.New(apiBase),
		http:    client,
		limiter: rate.NewLimiter(rate.Every(minIssueGap), 1),
		broken:  broken,
	}
}

// Run switches the active proxy to each alive node in turn and fetches its
// exit-IP metadata. Geolocation failure is non-fatal: ApplyGeo is simply
// skipped, leaving the four exit fields nil.
func (c *Client) Run(ctx context.Context, nodes map[string]*metrics.NodeMetrics, progress func(name string)) error {
	for name, nm := range nodes {
		if !nm.IsAlive {
			continue
		}
		c.fetchOne(ctx, name, nm)
		progress(name)
	}
	log.Printf("[geo] phase complete: %d candidate nodes", len(nodes))
	return nil
}

func (c *Client) fetchOne(ctx context.Context, name string, nm *metrics.NodeMetrics) {
	if c.broken {
		return
	}

	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	if err := c.limiter.Wait(fctx); err != nil {
		return
	}

	if !c.api.SelectNode(fctx, name) {
		return
	}

	req, err := http.NewRequestWithContext(fctx, http.MethodGet, geoURL, nil)
	if err != nil {
		return
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return
	}

	var body struct {
		Status      string `json:"status"`
		Country     string `json:"country"`
		CountryCode string `json:"countryCode"`
		City        string `json:"city"`
		ISP         string `json:"isp"`
		Query       string `json:"query"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return
	}
	if body.Status != "success" {
		return
	}

	nm.ApplyGeo(body.Query, body.CountryCode, body.City, body.ISP)
}
