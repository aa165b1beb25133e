// Package poolclient talks to the HTTPS pool service: fetching providers,
// approving leases, registering the local node, pruning, and polling claims.
package poolclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dvpn-native/dvpnd/internal/netutil"
	"github.com/dvpn-native/dvpnd/internal/provider"
)

// PoolError wraps any pool transport/parse failure with the operation name.
type PoolError struct {
	Op  string
	Err error
}

func (e *PoolError) Error() string {
	return fmt.Sprintf("pool: %s: %v", e.Op, e.Err)
}

func (e *PoolError) Unwrap() error { return e.Err }

// Client is a pool HTTPS client. A single instance is safe for concurrent
// use; SetToken may be called from the supervisor loop while requests are
// in flight.
type Client struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient builds a Client against baseURL with the given per-call timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    netutil.NewHTTPClient(timeout),
	}
}

// SetToken updates the token attached to subsequent requests as
// X-DVPN-Token. Safe for concurrent use.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// FetchProviders GETs the pool root and returns providers whose health is
// absent or "ok". Validation is deliberately not performed here, and
// provider.Validate is not called on these records later either: the
// selection stage only filters them by self id, self IP and address class.
func (c *Client) FetchProviders(ctx context.Context) ([]provider.Provider, error) {
	var raw []provider.Provider
	if err := c.doJSON(ctx, http.MethodGet, "", nil, &raw); err != nil {
		return nil, &PoolError{Op: "fetch_providers", Err: err}
	}

	out := make([]provider.Provider, 0, len(raw))
	for _, p := range raw {
		if p.Health == "" || p.Health == "ok" {
			out = append(out, p)
		}
	}
	return out, nil
}

// approveRequest is the /approve payload; lease fields are forwarded
// verbatim when present on the chosen provider.
type approveRequest struct {
	ProviderID string `json:"provider_id"`
	Token      string `json:"token"`
	Approved   bool   `json:"approved"`
	ClientIP   string `json:"client_ip,omitempty"`
	LeaseNonce string `json:"lease_nonce,omitempty"`
	LeaseExp   int64  `json:"lease_exp,omitempty"`
	LeaseSig   string `json:"lease_sig,omitempty"`
}

// Approve POSTs /approve for the chosen provider. Response body is not
// interpreted.
func (c *Client) Approve(ctx context.Context, p provider.Provider, token string) error {
	req := approveRequest{
		ProviderID: p.ID,
		Token:      token,
		Approved:   true,
		ClientIP:   p.ClientIP,
		LeaseNonce: p.LeaseNonce,
		LeaseExp:   p.LeaseExp,
		LeaseSig:   p.LeaseSig,
	}
	if err := c.doJSON(ctx, http.MethodPost, "/approve", req, nil); err != nil {
		return &PoolError{Op: "approve", Err: err}
	}
	return nil
}

type registerRequest struct {
	ID         string            `json:"id"`
	Endpoint   string            `json:"endpoint"`
	PublicKey  string            `json:"public_key"`
	AllowedIPs string            `json:"allowed_ips"`
	Metadata   map[string]string `json:"metadata"`
}

// RegisterNode POSTs /register advertising the local host as a provider.
func (c *Client) RegisterNode(ctx context.Context, id, endpoint, publicKey, allowedIPs string, metadata map[string]string) error {
	if metadata == nil {
		metadata = map[string]string{}
	}
	req := registerRequest{
		ID:         id,
		Endpoint:   endpoint,
		PublicKey:  publicKey,
		AllowedIPs: allowedIPs,
		Metadata:   metadata,
	}
	if err := c.doJSON(ctx, http.MethodPost, "/register", req, nil); err != nil {
		return &PoolError{Op: "register_node", Err: err}
	}
	return nil
}

// PruneResult is the /prune response body.
type PruneResult struct {
	Removed   int `json:"removed"`
	Remaining int `json:"remaining"`
}

// PruneDeadEndpoints POSTs an empty body to /prune.
func (c *Client) PruneDeadEndpoints(ctx context.Context) (PruneResult, error) {
	var result PruneResult
	if err := c.doJSON(ctx, http.MethodPost, "/prune", struct{}{}, &result); err != nil {
		return PruneResult{}, &PoolError{Op: "prune_dead_endpoints", Err: err}
	}
	return result, nil
}

// Claim mirrors the PoolClaim data model: an inbound peer installation
// request for a provider-role node.
type Claim struct {
	LeaseNonce      string `json:"lease_nonce"`
	ClientIP        string `json:"client_ip"`
	ClientPublicKey string `json:"client_public_key"`
}

type nextClaimRequest struct {
	ProviderID string `json:"provider_id"`
}

type nextClaimResponse struct {
	OK    bool   `json:"ok"`
	Claim *Claim `json:"claim"`
}

// FetchNextClaim POSTs /claim/next and returns the embedded claim only when
// ok is true and claim is present.
func (c *Client) FetchNextClaim(ctx context.Context, providerID string) (*Claim, error) {
	var resp nextClaimResponse
	if err := c.doJSON(ctx, http.MethodPost, "/claim/next", nextClaimRequest{ProviderID: providerID}, &resp); err != nil {
		return nil, &PoolError{Op: "fetch_next_claim", Err: err}
	}
	if !resp.OK || resp.Claim == nil {
		return nil, nil
	}
	return resp.Claim, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	url := c.baseURL + path

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.currentToken(); token != "" {
		req.Header.Set("X-DVPN-Token", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s %s", resp.StatusCode, method, url)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
