// Package selection implements the fastest-of-sample peer selection policy:
// self-filtering, non-public-endpoint rejection, rotation ordering, and a
// latency probe over a bounded random sample.
package selection

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/netip"
	"sort"
	"time"

	"github.com/dvpn-native/dvpnd/internal/provider"
)

// NoNonSelfProvidersError signals that every candidate was removed by the
// self-filter — the supervisor's specific cue to pivot to provider-standby.
// Rejected breaks down how many candidates were dropped for each reason.
type NoNonSelfProvidersError struct {
	Rejected map[RejectionReason]int
}

func (e *NoNonSelfProvidersError) Error() string {
	return fmt.Sprintf("no non-self providers available (rejected: %v)", e.Rejected)
}

// NoReachableProviderError signals that every sampled candidate failed the
// latency probe.
type NoReachableProviderError struct {
	Sampled int
}

func (e *NoReachableProviderError) Error() string {
	return fmt.Sprintf("no reachable provider among %d sampled candidates", e.Sampled)
}

// RejectionReason tags why a candidate was dropped, for logging.
type RejectionReason string

const (
	RejectSelf         RejectionReason = "self"
	RejectSelfIP       RejectionReason = "self_ip"
	RejectNonPublicIP  RejectionReason = "non_public_ip"
)

// LatencyProbe measures reachability latency for a host:port pair, returning
// an error if the candidate is unreachable.
type LatencyProbe func(ctx context.Context, host string, port int) (time.Duration, error)

// Options configures one Select call.
type Options struct {
	SelfID       string
	SelfPublicIP string
	SelfLocalIP  string
	PreviousID   string
	SampleSize   int
	ProbeTimeout time.Duration

	// Cache, when set, moves candidates recently found unreachable behind
	// the others before sampling and is updated on every probe failure. It
	// never removes a candidate, but it can change which candidates fall
	// inside the sample; with Cache nil every candidate is sampled exactly
	// as if none had ever been marked unreachable.
	Cache *UnreachableCache
}

// Select runs the full policy against providers and returns the chosen one.
func Select(ctx context.Context, providers []provider.Provider, opts Options, probe LatencyProbe) (provider.Provider, error) {
	filtered := make([]provider.Provider, 0, len(providers))
	rejected := make(map[RejectionReason]int)
	for _, p := range providers {
		if opts.SelfID != "" && p.ID == opts.SelfID {
			rejected[RejectSelf]++
			continue
		}
		host, _, err := provider.SplitHostPort(p.Endpoint)
		if err != nil {
			continue
		}
		if (opts.SelfPublicIP != "" && host == opts.SelfPublicIP) || (opts.SelfLocalIP != "" && host == opts.SelfLocalIP) {
			rejected[RejectSelfIP]++
			continue
		}
		if addr, err := netip.ParseAddr(host); err == nil {
			if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
				rejected[RejectNonPublicIP]++
				continue
			}
		}
		filtered = append(filtered, p)
	}

	if len(filtered) == 0 {
		return provider.Provider{}, &NoNonSelfProvidersError{Rejected: rejected}
	}

	ordered, err := rotationOrder(filtered, opts.PreviousID)
	if err != nil {
		return provider.Provider{}, err
	}
	if opts.Cache != nil {
		ordered = deprioritizeUnreachable(ordered, opts.Cache)
	}

	k := opts.SampleSize
	if k < 1 {
		k = 1
	}
	if k > len(ordered) {
		k = len(ordered)
	}
	sample := ordered[:k]

	type candidate struct {
		p       provider.Provider
		latency time.Duration
	}
	reachable := make([]candidate, 0, len(sample))
	for _, p := range sample {
		host, port, err := provider.SplitHostPort(p.Endpoint)
		if err != nil {
			continue
		}
		latency, err := probe(ctx, host, port)
		if err != nil {
			if opts.Cache != nil {
				opts.Cache.MarkUnreachable(p.ID)
			}
			continue
		}
		reachable = append(reachable, candidate{p: p, latency: latency})
	}

	if len(reachable) == 0 {
		return provider.Provider{}, &NoReachableProviderError{Sampled: len(sample)}
	}

	sort.SliceStable(reachable, func(i, j int) bool {
		return reachable[i].latency < reachable[j].latency
	})

	return reachable[0].p, nil
}

// rotationOrder shuffles candidates with a cryptographic RNG, then moves the
// previous provider id (if present in the list) to the tail.
func rotationOrder(providers []provider.Provider, previousID string) ([]provider.Provider, error) {
	shuffled := make([]provider.Provider, len(providers))
	copy(shuffled, providers)

	for i := len(shuffled) - 1; i > 0; i-- {
		j, err := cryptoRandInt(i + 1)
		if err != nil {
			return nil, fmt.Errorf("selection: shuffle: %w", err)
		}
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}

	if previousID == "" {
		return shuffled, nil
	}
	idx := -1
	for i, p := range shuffled {
		if p.ID == previousID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return shuffled, nil
	}
	prev := shuffled[idx]
	out := make([]provider.Provider, 0, len(shuffled))
	out = append(out, shuffled[:idx]...)
	out = append(out, shuffled[idx+1:]...)
	out = append(out, prev)
	return out, nil
}

// deprioritizeUnreachable moves candidates cache marks as recently
// unreachable to the tail, preserving relative order within each group, so
// the bounded sample prefers candidates that have not just failed a probe.
func deprioritizeUnreachable(ordered []provider.Provider, cache *UnreachableCache) []provider.Provider {
	fresh := make([]provider.Provider, 0, len(ordered))
	stale := make([]provider.Provider, 0, len(ordered))
	for _, p := range ordered {
		if cache.IsRecentlyUnreachable(p.ID) {
			stale = append(stale, p)
		} else {
			fresh = append(fresh, p)
		}
	}
	return append(fresh, stale...)
}

// cryptoRandInt returns a uniform random integer in [0, n) using
// crypto/rand: unlinkability of the selected peer matters for rotation
// ordering, unlike the jittered math/rand/v2-based scan loops elsewhere.
func cryptoRandInt(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	max := big.NewInt(int64(n))
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}
