// Package bandwidth implements the concurrent allocation ledger with a
// fixed fraction-per-connection grant policy.
package bandwidth

import (
	"net/http"
	"sync"
	"time"

	"github.com/dvpn-native/dvpnd/internal/netutil"
)

// Allocator is a mutex-protected mapping from connection id to granted
// Mbps. No fairness: first-come, first-served by design.
type Allocator struct {
	mu               sync.Mutex
	totalMbps        float64
	fractionPerConn  float64
	active           map[string]float64
}

// NewAllocator creates an Allocator with the given cap and
// fraction-per-connection, clamped the same way the original does:
// totalMbps floored at 0.1, fraction clamped to [0.01, 1.0].
func NewAllocator(totalMbps, fractionPerConn float64) *Allocator {
	if totalMbps < 0.1 {
		totalMbps = 0.1
	}
	if fractionPerConn > 1.0 {
		fractionPerConn = 1.0
	}
	if fractionPerConn < 0.01 {
		fractionPerConn = 0.01
	}
	return &Allocator{
		totalMbps:       totalMbps,
		fractionPerConn: fractionPerConn,
		active:          make(map[string]float64),
	}
}

// Open computes requested = cap*fraction, remaining = max(cap-sum,0),
// stores and returns min(requested, remaining).
func (a *Allocator) Open(connectionID string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	requested := a.totalMbps * a.fractionPerConn
	var sum float64
	for _, v := range a.active {
		sum += v
	}
	remaining := a.totalMbps - sum
	if remaining < 0 {
		remaining = 0
	}
	granted := requested
	if remaining < granted {
		granted = remaining
	}
	a.active[connectionID] = granted
	return granted
}

// Close deletes the entry if present; it is a no-op for an unknown id.
func (a *Allocator) Close(connectionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.active, connectionID)
}

// ActiveCount returns the number of currently open grants.
func (a *Allocator) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

// Sum returns the sum of all currently granted Mbps.
func (a *Allocator) Sum() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var sum float64
	for _, v := range a.active {
		sum += v
	}
	return sum
}

// TotalMbps returns the allocator's configured cap.
func (a *Allocator) TotalMbps() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalMbps
}

// MeasureThroughputMbps measures achievable download throughput against
// testURL for sampleSeconds, used at startup when BANDWIDTH_TOTAL_MBPS is
// not configured (cap <= 0).
func MeasureThroughputMbps(client *http.Client, testURL string, sampleSeconds int) (float64, error) {
	start := time.Now()
	deadline := time.Duration(sampleSeconds) * time.Second

	resp, err := client.Get(testURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var total int64
	buf := make([]byte, 64*1024)
	for time.Since(start) < deadline {
		n, err := resp.Body.Read(buf)
		total += int64(n)
		if err != nil {
			break
		}
	}

	elapsed := time.Since(start).Seconds()
	if elapsed < 0.001 {
		elapsed = 0.001
	}
	bitsPerSecond := float64(total*8) / elapsed
	return bitsPerSecond / 1_000_000, nil
}

// MeasureOrDefault runs MeasureThroughputMbps and falls back to 100.0 Mbps
// if the measurement fails, per spec's documented default.
func MeasureOrDefault(timeout time.Duration, testURL string, sampleSeconds int) float64 {
	client := netutil.NewHTTPClient(timeout)
	mbps, err := MeasureThroughputMbps(client, testURL, sampleSeconds)
	if err != nil || mbps <= 0 {
		return 100.0
	}
	return mbps
}
