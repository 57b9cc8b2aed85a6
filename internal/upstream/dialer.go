// Package upstream builds HTTP clients that tunnel every connection through
// a router's SOCKS5 port. Both the Speed Worker Pool and the Geolocation
// Client need one such client per router instance they own.
package upstream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/proxy"
)

// SOCKS5Client builds an *http.Client whose transport dials every
// connection through socks5URL (e.g. "socks5://127.0.0.1:17890"). idleConns
// sizes the idle-connection pool so a caller running that many parallel
// requests can keep all of them warm across repeated GETs.
func SOCKS5Client(socks5URL string, idleConns int) (*http.Client, error) {
	u, err := url.Parse(socks5URL)
	if err != nil {
		return nil, fmt.Errorf("upstream: parse socks5 url %q: %w", socks5URL, err)
	}

	dialer, err := proxy.SOCKS5("tcp", u.Host, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("upstream: build socks5 dialer: %w", err)
	}

	// Use the context-aware interface if available (golang.org/x/net/proxy
	// implements it since Go 1.15); fall back to the blocking Dial
	// otherwise.
	type contextDialer interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	}
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if cd, ok := dialer.(contextDialer); ok {
			return cd.DialContext(ctx, network, addr)
		}
		return dialer.Dial(network, addr)
	}

	transport := &http.Transport{
		DialContext:         dial,
		MaxIdleConns:        idleConns,
		MaxIdleConnsPerHost: idleConns,
	}
	return &http.Client{Transport: transport}, nil
}
