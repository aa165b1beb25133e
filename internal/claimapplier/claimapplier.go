// Package claimapplier polls the pool for inbound peer-lease claims against
// the local node's provider role and installs them on the running
// WireGuard interface, exactly once per lease nonce.
package claimapplier

import (
	"context"
	"fmt"
	"log"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/dvpn-native/dvpnd/internal/poolclient"
	"github.com/dvpn-native/dvpnd/internal/statestore"
	"github.com/dvpn-native/dvpnd/internal/tunnel"
)

const peerKeepaliveSeconds = 25

// Applier fetches and applies the next pending claim for the local node.
type Applier struct {
	pool          *poolclient.Client
	driver        tunnel.TunnelDriver
	ledger        *statestore.Ledger
	handled       *xsync.Map[string, struct{}]
	interfaceName string
	providerID    string

	warnedMissingWG bool
}

// New builds an Applier. ledger may be nil, in which case idempotence is
// tracked only in memory for the process lifetime.
func New(pool *poolclient.Client, driver tunnel.TunnelDriver, ledger *statestore.Ledger, interfaceName, providerID string) *Applier {
	return &Applier{
		pool:          pool,
		driver:        driver,
		ledger:        ledger,
		handled:       xsync.NewMap[string, struct{}](),
		interfaceName: interfaceName,
		providerID:    providerID,
	}
}

// PollOnce fetches the next claim, if any, and applies it. A missing wg
// binary is treated as a graceful skip, not an error, matching the
// tunnel/SOCKS opaque-binary treatment elsewhere in this daemon.
func (a *Applier) PollOnce(ctx context.Context) error {
	if !a.driver.Available() {
		if !a.warnedMissingWG {
			log.Println("claimapplier: wg command missing, skipping claim polling")
			a.warnedMissingWG = true
		}
		return nil
	}

	claim, err := a.pool.FetchNextClaim(ctx, a.providerID)
	if err != nil {
		return fmt.Errorf("claimapplier: fetch next claim: %w", err)
	}
	if claim == nil {
		return nil
	}

	if claim.LeaseNonce == "" || claim.ClientPublicKey == "" || claim.ClientIP == "" {
		log.Printf("claimapplier: ignoring claim with missing required fields: %+v", claim)
		return nil
	}

	already, err := a.alreadyHandled(claim.LeaseNonce)
	if err != nil {
		return fmt.Errorf("claimapplier: check handled: %w", err)
	}
	if already {
		return nil
	}

	allowedIPs := claim.ClientIP + "/32"
	if err := a.driver.AddPeer(ctx, a.interfaceName, claim.ClientPublicKey, allowedIPs, peerKeepaliveSeconds); err != nil {
		return fmt.Errorf("claimapplier: add peer: %w", err)
	}

	return a.markHandled(claim.LeaseNonce)
}

func (a *Applier) alreadyHandled(leaseNonce string) (bool, error) {
	if _, loaded := a.handled.Load(leaseNonce); loaded {
		return true, nil
	}
	if a.ledger == nil {
		return false, nil
	}
	return a.ledger.HasHandledClaim(leaseNonce)
}

func (a *Applier) markHandled(leaseNonce string) error {
	a.handled.Store(leaseNonce, struct{}{})
	if a.ledger == nil {
		return nil
	}
	return a.ledger.MarkClaimHandled(leaseNonce, a.providerID)
}
