package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dvpn-native/dvpnd/internal/bandwidth"
	"github.com/dvpn-native/dvpnd/internal/claimapplier"
	"github.com/dvpn-native/dvpnd/internal/config"
	"github.com/dvpn-native/dvpnd/internal/fallback"
	"github.com/dvpn-native/dvpnd/internal/metrics"
	"github.com/dvpn-native/dvpnd/internal/payment"
	"github.com/dvpn-native/dvpnd/internal/poolclient"
	"github.com/dvpn-native/dvpnd/internal/provider"
	"github.com/dvpn-native/dvpnd/internal/selection"
	"github.com/dvpn-native/dvpnd/internal/tunnel"
)

type fakeTunnelDriver struct {
	mu            sync.Mutex
	available     bool
	upCalls       []tunnel.ClientConfig
	upServerCalls []tunnel.ServerConfig
	downCalls     int
	addPeers      []string
	upErr         error
}

func (f *fakeTunnelDriver) Up(ctx context.Context, cfg tunnel.ClientConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upCalls = append(f.upCalls, cfg)
	return f.upErr
}

func (f *fakeTunnelDriver) UpServer(ctx context.Context, cfg tunnel.ServerConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upServerCalls = append(f.upServerCalls, cfg)
	return nil
}

func (f *fakeTunnelDriver) Down(ctx context.Context, iface string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downCalls++
	return nil
}

func (f *fakeTunnelDriver) LatestHandshakes(ctx context.Context, iface string) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.upCalls) == 0 {
		return nil, nil
	}
	last := f.upCalls[len(f.upCalls)-1]
	return map[string]int64{last.PeerPublicKey: 1700000000}, nil
}

func (f *fakeTunnelDriver) AddPeer(ctx context.Context, iface, pubkey, allowedIPs string, keepalive int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addPeers = append(f.addPeers, pubkey)
	return nil
}

func (f *fakeTunnelDriver) Available() bool { return f.available }

func (f *fakeTunnelDriver) upCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upCalls)
}

func (f *fakeTunnelDriver) downCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downCalls
}

type fakeSocksDriver struct {
	available bool
	alive     bool
}

func (f *fakeSocksDriver) Start() error     { f.alive = true; return nil }
func (f *fakeSocksDriver) Stop() error      { f.alive = false; return nil }
func (f *fakeSocksDriver) Alive() bool      { return f.alive }
func (f *fakeSocksDriver) Available() bool  { return f.available }

func newTestRuntimeConfig() *atomic.Pointer[config.RuntimeConfig] {
	rc := config.NewDefaultRuntimeConfig()
	rc.RetryInterval = config.Duration(10 * time.Millisecond)
	rc.MeshSampleSize = 3
	rc.ConnectTimeout = config.Duration(200 * time.Millisecond)
	ptr := &atomic.Pointer[config.RuntimeConfig]{}
	ptr.Store(rc)
	return ptr
}

func newActivePaymentServer(t *testing.T, active bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"active":     active,
			"wallet":     payment.RequiredWallet,
			"interval":   payment.RequiredPlanInterval,
			"amount_usd": payment.RequiredPriceUSD,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

type poolCalls struct {
	mu            sync.Mutex
	approveCount  int
	claimNextHits int
}

func newPoolServer(t *testing.T, providers []provider.Provider, claim map[string]any) (*poolclient.Client, *poolCalls) {
	t.Helper()
	calls := &poolCalls{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "":
			json.NewEncoder(w).Encode(providers)
		case "/approve":
			calls.mu.Lock()
			calls.approveCount++
			calls.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]any{})
		case "/register":
			json.NewEncoder(w).Encode(map[string]any{})
		case "/prune":
			json.NewEncoder(w).Encode(map[string]any{"removed": 0, "remaining": len(providers)})
		case "/claim/next":
			calls.mu.Lock()
			calls.claimNextHits++
			hit := calls.claimNextHits
			calls.mu.Unlock()
			if hit == 1 && claim != nil {
				json.NewEncoder(w).Encode(map[string]any{"ok": true, "claim": claim})
			} else {
				json.NewEncoder(w).Encode(map[string]any{"ok": false})
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return poolclient.NewClient(srv.URL, time.Second), calls
}

func baseConfig() Config {
	return Config{
		NodeID:              "self-node",
		UserID:              "user-1",
		InterfaceName:       "wg0",
		EnableWireguard:     true,
		WGPrivateKey:        "priv",
		WGPersistentKeepalive: 25,
		WGProviderAddress:   "10.66.0.1/24",
		EnableSocks:         false,
		NodeRegisterEnabled: false,
	}
}

func TestRunConnection_HappyPath(t *testing.T) {
	driver := &fakeTunnelDriver{available: true}
	socks := &fakeSocksDriver{}
	pool, calls := newPoolServer(t, nil, nil)
	pay := payment.NewVerifier(newActivePaymentServer(t, true).URL, "tok", time.Second)

	deps := Deps{
		Pool:         pool,
		Payment:      pay,
		TunnelDriver: driver,
		SocksDriver:  socks,
		Ledger:       bandwidth.NewAllocator(100, 0.5),
		Metrics:      metrics.NewRegistry(),
		Fallback:     fallback.NewProvisioner(false, "", "", 0, false),
	}
	s := New(deps, baseConfig(), newTestRuntimeConfig())

	chosen := provider.Provider{ID: "a", Endpoint: "8.8.8.8:51820", PublicKey: "AAAA", AllowedIPs: "0.0.0.0/0"}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.runConnection(context.Background(), s.runtimeCfg.Load(), chosen, "pool")
	}()

	time.Sleep(100 * time.Millisecond)
	close(s.stopCh)

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runConnection did not return after stop")
	}

	if driver.upCallCount() != 1 {
		t.Errorf("expected exactly one tunnel Up call, got %d", driver.upCallCount())
	}
	if calls.approveCount != 1 {
		t.Errorf("expected exactly one approve call, got %d", calls.approveCount)
	}
	if driver.downCallCount() == 0 {
		t.Error("expected tunnel Down to be called during steady-loop teardown")
	}
	if got := s.deps.Ledger.Sum(); got != 0 {
		t.Errorf("expected ledger closed after teardown, sum = %v", got)
	}
}

func TestChoosePoolProvider_SelfFilterPivotsToStandby(t *testing.T) {
	driver := &fakeTunnelDriver{available: true}
	socks := &fakeSocksDriver{}
	providers := []provider.Provider{{ID: "self-node", Endpoint: "1.1.1.1:51820", PublicKey: "AAAA", AllowedIPs: "0.0.0.0/0"}}
	pool, _ := newPoolServer(t, providers, nil)
	pay := payment.NewVerifier(newActivePaymentServer(t, true).URL, "tok", time.Second)

	deps := Deps{
		Pool:         pool,
		Payment:      pay,
		TunnelDriver: driver,
		SocksDriver:  socks,
		Ledger:       bandwidth.NewAllocator(100, 0.5),
		Metrics:      metrics.NewRegistry(),
		Fallback:     fallback.NewProvisioner(false, "", "", 0, false),
	}
	s := New(deps, baseConfig(), newTestRuntimeConfig())

	_, _, err := s.choosePoolProvider(context.Background(), s.runtimeCfg.Load())
	if _, ok := err.(*selection.NoNonSelfProvidersError); !ok {
		t.Fatalf("expected NoNonSelfProvidersError, got %v (%T)", err, err)
	}
}

func TestHandleProviderStandby_PollsClaimOnceAndNeverApproves(t *testing.T) {
	driver := &fakeTunnelDriver{available: true}
	socks := &fakeSocksDriver{}
	claim := map[string]any{"lease_nonce": "n1", "client_ip": "10.0.0.5", "client_public_key": "peerkey"}
	pool, calls := newPoolServer(t, nil, claim)
	pay := payment.NewVerifier(newActivePaymentServer(t, true).URL, "tok", time.Second)

	deps := Deps{
		Pool:         pool,
		Payment:      pay,
		TunnelDriver: driver,
		SocksDriver:  socks,
		Ledger:       bandwidth.NewAllocator(100, 0.5),
		Metrics:      metrics.NewRegistry(),
		Fallback:     fallback.NewProvisioner(false, "", "", 0, false),
	}
	cfg := baseConfig()
	deps.ClaimApplier = claimapplier.New(pool, driver, nil, cfg.InterfaceName, cfg.NodeID)
	s := New(deps, cfg, newTestRuntimeConfig())

	done := make(chan struct{})
	go func() {
		s.handleProviderStandby(context.Background())
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	close(s.stopCh)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleProviderStandby did not return after stop")
	}

	if len(driver.upServerCalls) != 1 {
		t.Errorf("expected exactly one server-mode bring-up, got %d", len(driver.upServerCalls))
	}
	if calls.claimNextHits != 1 {
		t.Errorf("expected exactly one claim poll, got %d", calls.claimNextHits)
	}
	if calls.approveCount != 0 {
		t.Error("expected no approve calls in provider-standby mode")
	}
}

func TestTick_PaymentInactiveEntersPaymentBlocked(t *testing.T) {
	driver := &fakeTunnelDriver{available: true}
	socks := &fakeSocksDriver{}
	pool, _ := newPoolServer(t, nil, nil)
	pay := payment.NewVerifier(newActivePaymentServer(t, false).URL, "tok", time.Second)

	deps := Deps{
		Pool:         pool,
		Payment:      pay,
		TunnelDriver: driver,
		SocksDriver:  socks,
		Ledger:       bandwidth.NewAllocator(100, 0.5),
		Metrics:      metrics.NewRegistry(),
		Fallback:     fallback.NewProvisioner(false, "", "", 0, false),
	}
	s := New(deps, baseConfig(), newTestRuntimeConfig())

	s.tick(context.Background())

	status := s.Status(context.Background())
	if status["phase"] != string(PhasePaymentBlocked) {
		t.Errorf("expected phase %q, got %v", PhasePaymentBlocked, status["phase"])
	}
}

func TestStop_TearsDownSynchronously(t *testing.T) {
	driver := &fakeTunnelDriver{available: true}
	socks := &fakeSocksDriver{available: true, alive: true}
	pool, _ := newPoolServer(t, nil, nil)
	pay := payment.NewVerifier(newActivePaymentServer(t, true).URL, "tok", time.Second)

	deps := Deps{
		Pool:         pool,
		Payment:      pay,
		TunnelDriver: driver,
		SocksDriver:  socks,
		Ledger:       bandwidth.NewAllocator(100, 0.5),
		Metrics:      metrics.NewRegistry(),
		Fallback:     fallback.NewProvisioner(false, "", "", 0, false),
	}
	s := New(deps, baseConfig(), newTestRuntimeConfig())

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if socks.Alive() {
		t.Error("expected socks stopped")
	}
	if driver.downCallCount() == 0 {
		t.Error("expected tunnel Down called")
	}
	status := s.Status(context.Background())
	if status["desired_connected"] != false {
		t.Error("expected desired_connected false after Stop")
	}
}
