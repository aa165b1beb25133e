// Package payment implements the entitlement predicate against a remote
// payment verifier.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dvpn-native/dvpnd/internal/netutil"
)

// Required plan terms the entitlement predicate checks the verifier's
// response against.
const (
	RequiredWallet         = "1MUss4jmaRJ2sMtS9gyZqeRw8WrhWTsrxn"
	RequiredPriceUSD       = 9.99
	RequiredPlanInterval   = "monthly"
)

// Verifier checks payment entitlement and brokers checkout sessions.
type Verifier struct {
	verifyURL string
	http      *http.Client

	mu    sync.RWMutex
	token string
}

// NewVerifier builds a Verifier against verifyURL using token for the
// entitlement check's own payload (not an HTTP header, per the wire format).
func NewVerifier(verifyURL, token string, timeout time.Duration) *Verifier {
	return &Verifier{
		verifyURL: strings.TrimRight(verifyURL, "/"),
		token:     token,
		http:      netutil.NewHTTPClient(timeout),
	}
}

// SetToken updates the token attached to subsequent entitlement checks and
// checkout calls. Safe for concurrent use, mirroring poolclient.Client's
// SetToken: the supervisor loop refreshes it from its own token store on
// every tick while IsActive may be in flight.
func (v *Verifier) SetToken(token string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.token = token
}

func (v *Verifier) currentToken() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.token
}

type statusResponse struct {
	Active    bool   `json:"active"`
	Wallet    string `json:"wallet"`
	Interval  string `json:"interval"`
	AmountUSD any    `json:"amount_usd"`
}

// IsActive returns true iff the verifier confirms active, wallet ==
// RequiredWallet, interval == RequiredPlanInterval, and amount_usd >=
// RequiredPriceUSD. Any transport or parse failure is treated as inactive.
func (v *Verifier) IsActive(ctx context.Context, scopeID string) bool {
	payload := map[string]any{
		"token":               v.currentToken(),
		"provider_id":         scopeID,
		"required_wallet":     RequiredWallet,
		"required_price_usd":  RequiredPriceUSD,
		"required_interval":   RequiredPlanInterval,
	}

	var resp statusResponse
	if err := v.post(ctx, v.verifyURL, payload, &resp); err != nil {
		return false
	}

	amount, ok := toFloat(resp.AmountUSD)
	if !ok {
		amount = 0
	}

	return resp.Active &&
		resp.Wallet == RequiredWallet &&
		resp.Interval == RequiredPlanInterval &&
		amount >= RequiredPriceUSD
}

// BeginCheckout POSTs /checkout/start and returns the verifier's response
// body verbatim, to be passed through to the control surface.
func (v *Verifier) BeginCheckout(ctx context.Context, userID string) (map[string]any, error) {
	payload := map[string]any{
		"user_id":             userID,
		"required_wallet":     RequiredWallet,
		"required_price_usd":  RequiredPriceUSD,
		"required_interval":   RequiredPlanInterval,
	}
	var out map[string]any
	if err := v.post(ctx, v.verifyURL+"/checkout/start", payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PollCheckout POSTs /checkout/status for a previously started session.
func (v *Verifier) PollCheckout(ctx context.Context, sessionID string) (map[string]any, error) {
	payload := map[string]any{
		"session_id":          sessionID,
		"required_wallet":     RequiredWallet,
		"required_price_usd":  RequiredPriceUSD,
		"required_interval":   RequiredPlanInterval,
	}
	var out map[string]any
	if err := v.post(ctx, v.verifyURL+"/checkout/status", payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (v *Verifier) post(ctx context.Context, url string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "dvpnd/1.0")

	resp, err := v.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return "payment: unexpected status " + strconv.Itoa(e.code)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
