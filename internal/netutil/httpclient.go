package netutil

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"time"
)

const defaultUserAgent = "dvpnd/1.0"

// NewHTTPClient builds a plain HTTP client for pool/payment/fallback API
// calls, with a TLS floor of 1.2 and no keepalive reuse across rotations
// (each call is short-lived and infrequent, unlike a proxy data path).
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DisableKeepAlives: true,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// GetOptions controls Get's request behavior.
type GetOptions struct {
	// RequireStatusOK enforces HTTP 200; otherwise any status is accepted
	// and left for the caller to interpret.
	RequireStatusOK bool
	// UserAgent overrides the request User-Agent when non-empty.
	UserAgent string
}

// Get issues an HTTP GET and returns the body along with the TLS handshake
// latency, used as a proxy for upstream reachability when probing.
func Get(ctx context.Context, client *http.Client, url string, opts GetOptions) ([]byte, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	req.Header.Set("User-Agent", userAgent)

	var start time.Time
	var latency time.Duration
	trace := &httptrace.ClientTrace{
		TLSHandshakeStart: func() { start = time.Now() },
		TLSHandshakeDone: func(_ tls.ConnectionState, err error) {
			if err == nil {
				latency = time.Since(start)
			}
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(ctx, trace))

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if opts.RequireStatusOK && resp.StatusCode != http.StatusOK {
		return nil, latency, fmt.Errorf("netutil: unexpected status %d from %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, latency, err
	}

	return body, latency, nil
}

// MeasureDatagram sends one single-zero-byte datagram to addr and returns
// the elapsed time until the write completes, without waiting for a reply.
// This is a deliberately crude reachability proxy: it measures local
// send-path latency only, not round-trip time, matching the fire-and-forget
// probe a UDP-based tunnel peer exposes no application-level echo for.
func MeasureDatagram(ctx context.Context, network, addr string, timeout time.Duration) (time.Duration, error) {
	d := net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	if _, err := conn.Write([]byte{0}); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}
