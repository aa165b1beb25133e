// Package supervisor implements the connection supervisor's driver loop: the
// phase machine that gates connectivity on payment entitlement, selects a
// provider from the pool, brings the tunnel up, verifies its handshake, and
// rotates on a jittered schedule or on fault. It also implements the
// control.Actions surface the HTTP control plane drives.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dvpn-native/dvpnd/internal/auditlog"
	"github.com/dvpn-native/dvpnd/internal/bandwidth"
	"github.com/dvpn-native/dvpnd/internal/claimapplier"
	"github.com/dvpn-native/dvpnd/internal/config"
	"github.com/dvpn-native/dvpnd/internal/fallback"
	"github.com/dvpn-native/dvpnd/internal/metrics"
	"github.com/dvpn-native/dvpnd/internal/netenv"
	"github.com/dvpn-native/dvpnd/internal/netutil"
	"github.com/dvpn-native/dvpnd/internal/payment"
	"github.com/dvpn-native/dvpnd/internal/poolclient"
	"github.com/dvpn-native/dvpnd/internal/provider"
	"github.com/dvpn-native/dvpnd/internal/scheduler"
	"github.com/dvpn-native/dvpnd/internal/secretstore"
	"github.com/dvpn-native/dvpnd/internal/selection"
	"github.com/dvpn-native/dvpnd/internal/statestore"
	"github.com/dvpn-native/dvpnd/internal/tunnel"
)

// advertisedAllowedIPs is what this node, when acting as a provider,
// advertises to the pool as routable through it.
const advertisedAllowedIPs = "0.0.0.0/0,::/0"

// Deps bundles the supervisor's collaborators. StateLedger and Audit may be
// nil; every other field is required.
type Deps struct {
	Pool         *poolclient.Client
	Payment      *payment.Verifier
	TunnelDriver tunnel.TunnelDriver
	SocksDriver  tunnel.SocksDriver
	Ledger       *bandwidth.Allocator
	Metrics      *metrics.Registry
	ClaimApplier *claimapplier.Applier
	SecretStore  *secretstore.Store
	Fallback     *fallback.Provisioner
	StateLedger  *statestore.Ledger
	Audit        *auditlog.Logger
}

// Config holds the supervisor's fixed, non-hot-reloadable settings. Hot
// knobs (rotation interval, sample size, timeouts, retry delay) live in the
// RuntimeConfig pointer passed to New and are re-read every tick. The
// bandwidth cap is fixed when Deps.Ledger is built.
type Config struct {
	NodeID string
	UserID string

	InterfaceName string

	EnableWireguard     bool
	WGPrivateKey        string
	WGAddress           string
	WGDNS               string
	WGPersistentKeepalive int
	WGProviderAddress   string

	EnableSocks bool

	NodeRegisterEnabled bool
	NodePublicEndpoint  string
	NodePort            int
	AutoNetworkConfig   bool
	UPnPEnabled         bool
}

// Supervisor is the single-producer state machine driving tunnel and SOCKS
// lifecycle. The loop goroutine drives connect, rotation and fault handling.
// The HTTP control surface sets flags and reads snapshots, except that Stop,
// Exit and enabling the killswitch tear the tunnel, SOCKS process and ledger
// entry down synchronously on the caller's goroutine.
type Supervisor struct {
	deps Deps
	cfg  Config

	runtimeCfg *atomic.Pointer[config.RuntimeConfig]

	stopCh   chan struct{}
	stopOnce sync.Once

	logs *logRing

	mu                        sync.Mutex
	running                   bool
	desiredConnected          bool
	killswitchEnabled         bool
	startOnBoot               bool
	phase                     Phase
	lastProviderID            string
	token                     string
	poolPrunedOnce            bool
	nodeRegisteredOnce        bool
	providerServerReady       bool
	providerForwardingApplied bool
	lastPoolEvent             string
	lastConnectionEvent       string
	netInfo                   netenv.Info

	unreachable *selection.UnreachableCache
}

// New builds a Supervisor ready to Run. The initial payment token is loaded
// from deps.SecretStore, if set.
func New(deps Deps, cfg Config, runtimeCfg *atomic.Pointer[config.RuntimeConfig]) *Supervisor {
	s := &Supervisor{
		deps:             deps,
		cfg:              cfg,
		runtimeCfg:       runtimeCfg,
		stopCh:           make(chan struct{}),
		logs:             newLogRing(),
		running:          true,
		desiredConnected: true,
		phase:            PhaseIdle,
	}
	if deps.SecretStore != nil {
		if token, err := deps.SecretStore.Load(); err == nil {
			s.token = token
		}
	}
	if cache, err := selection.NewUnreachableCache(128, 2*time.Minute); err == nil {
		s.unreachable = cache
	} else {
		log.Printf("supervisor: unreachable cache init failed: %v", err)
	}
	return s
}

// Run executes the driver loop until Exit is called. It returns once the
// loop observes running == false.
func (s *Supervisor) Run(ctx context.Context) {
	for s.isRunning() {
		s.tick(ctx)
	}
	s.setPhase(PhaseStopped)
}

func (s *Supervisor) tick(ctx context.Context) {
	cfg := s.runtimeCfg.Load()

	if !s.desiredConnectedFlag() || s.killswitchFlag() {
		scheduler.Sleep(time.Second, s.stopCh)
		return
	}

	s.deps.Pool.SetToken(s.currentToken())
	s.deps.Payment.SetToken(s.currentToken())
	if !s.deps.Payment.IsActive(ctx, "pool-access") {
		s.setPhase(PhasePaymentBlocked)
		s.log("payment entitlement inactive for pool-access, blocking connectivity")
		s.teardownConnection(ctx)
		scheduler.Sleep(time.Duration(cfg.RetryInterval), s.stopCh)
		return
	}

	s.maybeRegisterNode(ctx, cfg)
	s.maybePrunePoolOnStartup(ctx)

	s.maybeStartSocks()
	s.setPhase(PhaseControlPlane)

	chosen, source, err := s.choosePoolProvider(ctx, cfg)
	if err != nil {
		if _, ok := err.(*selection.NoNonSelfProvidersError); ok {
			s.log(fmt.Sprintf("pivoting to provider standby: %v", err))
			s.handleProviderStandby(ctx)
			return
		}
		s.handleConnectFailure(err, cfg)
		return
	}

	if err := s.runConnection(ctx, cfg, chosen, source); err != nil {
		s.handleConnectFailure(err, cfg)
	}
}

// choosePoolProvider implements step 6: fetch, apply the selection policy,
// and fall back to the external provisioner on any error other than
// NoNonSelfProviders (which the caller treats as a standby-pivot signal).
func (s *Supervisor) choosePoolProvider(ctx context.Context, cfg *config.RuntimeConfig) (provider.Provider, string, error) {
	providers, err := s.deps.Pool.FetchProviders(ctx)
	if err != nil {
		return s.fallbackProvision(ctx)
	}

	selfPublic, selfLocal := s.selfIPs()
	chosen, err := selection.Select(ctx, providers, selection.Options{
		SelfID:       s.cfg.NodeID,
		SelfPublicIP: selfPublic,
		SelfLocalIP:  selfLocal,
		PreviousID:   s.lastProviderIDSnapshot(),
		SampleSize:   cfg.MeshSampleSize,
		ProbeTimeout: time.Duration(cfg.ConnectTimeout),
		Cache:        s.unreachable,
	}, s.latencyProbe)
	if err != nil {
		if _, ok := err.(*selection.NoNonSelfProvidersError); ok {
			return provider.Provider{}, "", err
		}
		return s.fallbackProvision(ctx)
	}
	s.setLastPoolEvent(fmt.Sprintf("selected %s (fp=%s)", chosen.ID, selection.FingerprintOf(chosen).Hex()))
	return chosen, "pool", nil
}

func (s *Supervisor) fallbackProvision(ctx context.Context) (provider.Provider, string, error) {
	s.deps.Metrics.Inc(metrics.FallbackAttemptTotal, 1)
	if s.deps.Fallback == nil {
		return provider.Provider{}, "", fmt.Errorf("supervisor: no fallback provisioner configured")
	}
	p, err := s.deps.Fallback.Provision(ctx, s.currentToken(), s.cfg.UserID)
	if err != nil {
		return provider.Provider{}, "", fmt.Errorf("supervisor: fallback provisioning: %w", err)
	}
	s.setLastPoolEvent(fmt.Sprintf("fallback provisioned %s", p.ID))
	return p, "fallback", nil
}

// runConnection implements steps 7-13: secondary payment check, approval,
// token persistence, ledger reservation, tunnel bring-up, handshake
// verification, and the steady loop.
func (s *Supervisor) runConnection(ctx context.Context, cfg *config.RuntimeConfig, chosen provider.Provider, source string) error {
	if !s.deps.Payment.IsActive(ctx, chosen.ID) {
		return &PaymentInactiveError{ScopeID: chosen.ID}
	}

	if source == "pool" {
		if err := s.deps.Pool.Approve(ctx, chosen, s.currentToken()); err != nil {
			return err
		}
	}

	s.persistToken()

	s.setLastProviderID(chosen.ID)
	granted := s.deps.Ledger.Open(chosen.ID)
	s.deps.Metrics.SetGauge(metrics.LastGrantedMbps, granted)
	s.deps.Metrics.SetGauge(metrics.ActiveConnections, float64(s.deps.Ledger.ActiveCount()))
	s.deps.Metrics.SetGauge(metrics.BandwidthTotalMbps, s.deps.Ledger.TotalMbps())

	if s.cfg.EnableWireguard && s.deps.TunnelDriver.Available() {
		if err := s.deps.TunnelDriver.Down(ctx, s.cfg.InterfaceName); err != nil {
			s.log(fmt.Sprintf("tunnel teardown before bring-up: %v", err))
		}

		clientCfg := s.renderClientConfig(chosen)
		if err := s.deps.TunnelDriver.Up(ctx, clientCfg); err != nil {
			s.deps.Ledger.Close(chosen.ID)
			return fmt.Errorf("supervisor: tunnel up: %w", err)
		}
		s.setPhase(PhaseTunnelUp)

		if err := tunnel.VerifyHandshake(ctx, s.deps.TunnelDriver, s.cfg.InterfaceName, chosen.PublicKey, 20*time.Second); err != nil {
			s.deps.TunnelDriver.Down(ctx, s.cfg.InterfaceName)
			s.deps.Ledger.Close(chosen.ID)
			return err
		}
		s.setPhase(PhaseHandshakeConfirmed)
		s.setPhase(PhaseTrafficVerified)
		s.deps.Metrics.Inc(metrics.ConnectSuccessTotal, 1)
		s.setLastConnectionEvent(fmt.Sprintf("traffic_verified:%s", chosen.ID))
		s.audit("connect_success", map[string]any{"provider_id": chosen.ID, "source": source})
		s.snapshotCounters()
	}

	rotateAt, err := scheduler.NextRotationDeadline(time.Now(), time.Duration(cfg.EndpointRotateInterval), time.Duration(cfg.EndpointRotateJitter))
	if err != nil {
		s.deps.Ledger.Close(chosen.ID)
		s.deps.TunnelDriver.Down(ctx, s.cfg.InterfaceName)
		return err
	}

	result := s.steadyLoop(rotateAt)
	switch result.kind {
	case steadyRotate:
		s.setPhase(PhaseRotating)
		s.log("rotation deadline reached, tearing down for reselection")
		s.deps.Ledger.Close(chosen.ID)
		s.deps.TunnelDriver.Down(ctx, s.cfg.InterfaceName)
		return nil
	case steadyFault:
		s.deps.Ledger.Close(chosen.ID)
		s.deps.TunnelDriver.Down(ctx, s.cfg.InterfaceName)
		return result.err
	default: // steadyStopped
		s.deps.Ledger.Close(chosen.ID)
		s.deps.TunnelDriver.Down(ctx, s.cfg.InterfaceName)
		return nil
	}
}

type steadyKind int

const (
	steadyStopped steadyKind = iota
	steadyRotate
	steadyFault
)

type steadyResult struct {
	kind steadyKind
	err  error
}

// steadyLoop implements step 13: a 10-second liveness/rotation watcher,
// returning a result variant instead of raising an exception, per the
// {Steady, Rotate, Fault(err)} design.
func (s *Supervisor) steadyLoop(rotateAt time.Time) steadyResult {
	result := steadyResult{kind: steadyStopped}
	scheduler.Tick(10*time.Second, s.stopCh, func() bool {
		if !s.isRunning() || !s.desiredConnectedFlag() {
			return false
		}
		if s.cfg.EnableSocks && s.deps.SocksDriver.Available() && !s.deps.SocksDriver.Alive() {
			result = steadyResult{kind: steadyFault, err: &tunnel.SocksDiedError{}}
			return false
		}
		if !time.Now().Before(rotateAt) {
			result = steadyResult{kind: steadyRotate}
			return false
		}
		return true
	})
	return result
}

func (s *Supervisor) handleConnectFailure(err error, cfg *config.RuntimeConfig) {
	s.deps.Metrics.Inc(metrics.ConnectFailureTotal, 1)
	s.log(fmt.Sprintf("connect failure: %v", err))
	s.setPhase(PhaseError)
	s.setLastConnectionEvent(fmt.Sprintf("error:%v", err))
	s.audit("connect_failure", map[string]any{"error": err.Error()})
	s.snapshotCounters()
	scheduler.Sleep(time.Duration(cfg.RetryInterval), s.stopCh)
}

// snapshotCounters best-effort persists the metrics registry's counters so a
// restart resumes totals instead of zeroing them. A nil StateLedger (no
// STATE_DB_PATH configured) makes this a no-op.
func (s *Supervisor) snapshotCounters() {
	if s.deps.StateLedger == nil {
		return
	}
	if err := s.deps.StateLedger.SnapshotCounters(s.deps.Metrics.Snapshot()); err != nil {
		s.log(fmt.Sprintf("counters snapshot failed: %v", err))
	}
}

// handleProviderStandby implements step 6c: enable provider-side forwarding,
// bring up the server-mode tunnel, poll one claim, and sleep.
func (s *Supervisor) handleProviderStandby(ctx context.Context) {
	s.setPhase(PhaseProviderStandby)

	if !s.providerForwardingAppliedFlag() {
		if netenv.EnableIPForwarding(ctx) {
			s.setProviderForwardingApplied(true)
		} else {
			s.log("provider standby: failed to enable ip forwarding")
		}
	}

	if !s.providerServerReadyFlag() && s.cfg.EnableWireguard && s.deps.TunnelDriver.Available() {
		serverCfg := tunnel.ServerConfig{
			InterfaceName: s.cfg.InterfaceName,
			PrivateKey:    s.cfg.WGPrivateKey,
			Address:       s.cfg.WGProviderAddress,
			ListenPort:    s.cfg.NodePort,
			DNS:           s.cfg.WGDNS,
		}
		if err := s.deps.TunnelDriver.UpServer(ctx, serverCfg); err != nil {
			s.log(fmt.Sprintf("provider standby: server bring-up failed: %v", err))
		} else {
			s.setProviderServerReady(true)
		}
	}

	if s.deps.ClaimApplier != nil {
		if err := s.deps.ClaimApplier.PollOnce(ctx); err != nil {
			s.log(fmt.Sprintf("claim applier: %v", err))
		}
	}

	scheduler.Sleep(3*time.Second, s.stopCh)
}

// maybeRegisterNode implements step 3: a one-shot, idempotent advertisement
// of this node as a provider.
func (s *Supervisor) maybeRegisterNode(ctx context.Context, cfg *config.RuntimeConfig) {
	if !s.cfg.NodeRegisterEnabled || s.nodeRegisteredOnceFlag() {
		return
	}

	pubKey, ok := netenv.DerivePublicKey(ctx, s.cfg.WGPrivateKey)
	if !ok {
		s.log("node register: failed to derive public key from private key, skipping")
		return
	}

	var info netenv.Info
	if s.cfg.AutoNetworkConfig {
		info = netenv.AutoNetworkConfig(ctx, s.cfg.UPnPEnabled, s.cfg.NodePort, time.Duration(cfg.ConnectTimeout))
		s.setNetInfo(info)
	}

	endpoint := s.cfg.NodePublicEndpoint
	if endpoint == "" {
		if info.PublicIP == "" {
			s.log("node register: no NODE_PUBLIC_ENDPOINT configured and no public IP detected, skipping")
			return
		}
		endpoint = net.JoinHostPort(info.PublicIP, strconv.Itoa(s.cfg.NodePort))
	}

	metadata := map[string]string{
		"cgnat_suspected": strconv.FormatBool(info.CGNATSuspected),
		"upnp_mapped":     strconv.FormatBool(info.UPnPMapped),
	}

	if err := s.deps.Pool.RegisterNode(ctx, s.cfg.NodeID, endpoint, pubKey, advertisedAllowedIPs, metadata); err != nil {
		s.deps.Metrics.Inc(metrics.NodeRegisterFailureTotal, 1)
		s.log(fmt.Sprintf("node register failed: %v", err))
		return
	}
	s.deps.Metrics.Inc(metrics.NodeRegisterSuccessTotal, 1)
	s.setNodeRegisteredOnce(true)
}

// maybePrunePoolOnStartup implements step 4: a one-shot best-effort prune.
func (s *Supervisor) maybePrunePoolOnStartup(ctx context.Context) {
	if s.poolPrunedOnceFlag() {
		return
	}
	result, err := s.deps.Pool.PruneDeadEndpoints(ctx)
	if err != nil {
		s.log(fmt.Sprintf("pool prune failed: %v", err))
	} else {
		s.log(fmt.Sprintf("pool prune: removed=%d remaining=%d", result.Removed, result.Remaining))
	}
	s.setPoolPrunedOnce(true)
}

func (s *Supervisor) maybeStartSocks() {
	if !s.cfg.EnableSocks || !s.deps.SocksDriver.Available() || s.deps.SocksDriver.Alive() {
		return
	}
	if err := s.deps.SocksDriver.Start(); err != nil {
		s.log(fmt.Sprintf("socks start failed: %v", err))
	}
}

func (s *Supervisor) renderClientConfig(chosen provider.Provider) tunnel.ClientConfig {
	address := chosen.ClientIP
	if address == "" {
		address = s.cfg.WGAddress
	}
	return tunnel.ClientConfig{
		InterfaceName:       s.cfg.InterfaceName,
		PrivateKey:          s.cfg.WGPrivateKey,
		Address:             address,
		ListenPort:          s.cfg.NodePort,
		DNS:                 s.cfg.WGDNS,
		PeerPublicKey:       chosen.PublicKey,
		Endpoint:            chosen.Endpoint,
		AllowedIPs:          chosen.AllowedIPs,
		PersistentKeepalive: s.cfg.WGPersistentKeepalive,
	}
}

func (s *Supervisor) persistToken() {
	token := s.currentToken()
	if config.IsWeakToken(token) {
		s.log("persisted token scored weak by strength estimator")
	}
	if s.deps.SecretStore == nil {
		return
	}
	if err := s.deps.SecretStore.Save(token); err != nil {
		s.log(fmt.Sprintf("token persist failed: %v", err))
	}
}

// teardownConnection tears down the tunnel, SOCKS, and provider forwarding.
// Used by the payment gate (step 2) and by Stop/Exit/killswitch-enable.
func (s *Supervisor) teardownConnection(ctx context.Context) {
	if id := s.lastProviderIDSnapshot(); id != "" {
		s.deps.Ledger.Close(id)
	}
	if err := s.deps.TunnelDriver.Down(ctx, s.cfg.InterfaceName); err != nil {
		s.log(fmt.Sprintf("tunnel teardown: %v", err))
	}
	if err := s.deps.SocksDriver.Stop(); err != nil {
		s.log(fmt.Sprintf("socks teardown: %v", err))
	}
	if s.providerForwardingAppliedFlag() {
		netenv.DisableIPForwarding(ctx)
		s.setProviderForwardingApplied(false)
	}
	s.setProviderServerReady(false)
}

// latencyProbe adapts netutil.MeasureDatagram to selection.LatencyProbe.
func (s *Supervisor) latencyProbe(ctx context.Context, host string, port int) (time.Duration, error) {
	cfg := s.runtimeCfg.Load()
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return netutil.MeasureDatagram(ctx, "udp", addr, time.Duration(cfg.ConnectTimeout))
}

func (s *Supervisor) selfIPs() (publicIP, localIP string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.netInfo.PublicIP, s.netInfo.LocalIP
}

func (s *Supervisor) log(line string) {
	log.Println("supervisor: " + line)
	s.logs.Add(line)
}

func (s *Supervisor) audit(event string, fields map[string]any) {
	if s.deps.Audit != nil {
		s.deps.Audit.Event(event, fields)
	}
}

// --- flag and field accessors, all mutex-guarded ---

func (s *Supervisor) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Supervisor) desiredConnectedFlag() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desiredConnected
}

func (s *Supervisor) killswitchFlag() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killswitchEnabled
}

func (s *Supervisor) currentToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Supervisor) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Supervisor) setLastProviderID(id string) {
	s.mu.Lock()
	s.lastProviderID = id
	s.mu.Unlock()
}

func (s *Supervisor) lastProviderIDSnapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProviderID
}

func (s *Supervisor) setLastPoolEvent(e string) {
	s.mu.Lock()
	s.lastPoolEvent = e
	s.mu.Unlock()
}

func (s *Supervisor) setLastConnectionEvent(e string) {
	s.mu.Lock()
	s.lastConnectionEvent = e
	s.mu.Unlock()
}

func (s *Supervisor) setNetInfo(info netenv.Info) {
	s.mu.Lock()
	s.netInfo = info
	s.mu.Unlock()
}

func (s *Supervisor) poolPrunedOnceFlag() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poolPrunedOnce
}

func (s *Supervisor) setPoolPrunedOnce(v bool) {
	s.mu.Lock()
	s.poolPrunedOnce = v
	s.mu.Unlock()
}

func (s *Supervisor) nodeRegisteredOnceFlag() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeRegisteredOnce
}

func (s *Supervisor) setNodeRegisteredOnce(v bool) {
	s.mu.Lock()
	s.nodeRegisteredOnce = v
	s.mu.Unlock()
}

func (s *Supervisor) providerServerReadyFlag() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providerServerReady
}

func (s *Supervisor) setProviderServerReady(v bool) {
	s.mu.Lock()
	s.providerServerReady = v
	s.mu.Unlock()
}

func (s *Supervisor) providerForwardingAppliedFlag() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providerForwardingApplied
}

func (s *Supervisor) setProviderForwardingApplied(v bool) {
	s.mu.Lock()
	s.providerForwardingApplied = v
	s.mu.Unlock()
}

// --- control.Actions ---

// Start sets desired_connected, observed by the loop at its next checkpoint.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.killswitchEnabled {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: killswitch enabled, start refused")
	}
	s.desiredConnected = true
	s.running = true
	s.mu.Unlock()
	s.audit("start", nil)
	return nil
}

// Stop clears desired_connected and synchronously tears down the tunnel,
// SOCKS process, and provider forwarding, so the caller observes a
// quiesced daemon on return.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.desiredConnected = false
	s.mu.Unlock()
	s.teardownConnection(ctx)
	s.setPhase(PhaseStopped)
	s.audit("stop", nil)
	return nil
}

// Restart stops then starts the supervisor.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.setPhase(PhaseRestarting)
	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.Start(ctx)
}

// SetKillSwitch toggles the killswitch. Enabling it forces desired_connected
// false and synchronously tears down any live connection; disabling it only
// clears the flag, leaving reconnection to the next loop tick.
func (s *Supervisor) SetKillSwitch(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	s.killswitchEnabled = enabled
	if enabled {
		s.desiredConnected = false
	}
	s.mu.Unlock()

	if enabled {
		s.teardownConnection(ctx)
	}
	s.audit("killswitch", map[string]any{"enabled": enabled})
	return nil
}

// SetStartOnBoot records the flag surfaced on GET /status. Registering with
// the host OS's startup manager is out of this daemon's scope.
func (s *Supervisor) SetStartOnBoot(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	s.startOnBoot = enabled
	s.mu.Unlock()
	return nil
}

// BeginPayment starts a checkout session and returns the verifier's body
// verbatim.
func (s *Supervisor) BeginPayment(ctx context.Context) (map[string]any, error) {
	return s.deps.Payment.BeginCheckout(ctx, s.cfg.UserID)
}

// Status returns a snapshot for GET /status.
func (s *Supervisor) Status(ctx context.Context) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"phase":              string(s.phase),
		"pool_event":         s.lastPoolEvent,
		"connection_event":   s.lastConnectionEvent,
		"desired_connected":  s.desiredConnected,
		"killswitch_enabled": s.killswitchEnabled,
		"start_on_boot":      s.startOnBoot,
	}
}

// RecentLogs returns up to the last 80 log lines.
func (s *Supervisor) RecentLogs() []string {
	return s.logs.Snapshot()
}

// Exit drops running, waking any suspended sleep within one tick, and
// performs the same synchronous teardown as Stop.
func (s *Supervisor) Exit(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		s.log(fmt.Sprintf("exit: teardown error: %v", err))
	}
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.unreachable != nil {
		s.unreachable.Close()
	}
	s.audit("exit", nil)
	return nil
}
