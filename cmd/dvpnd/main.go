// Command dvpnd is the connection supervisor daemon: it holds one WireGuard
// tunnel up against a payment-gated peer pool, forwards local SOCKS traffic
// through it, optionally advertises this host as a peer for others, and
// exposes a loopback HTTP control surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/dvpn-native/dvpnd/internal/auditlog"
	"github.com/dvpn-native/dvpnd/internal/bandwidth"
	"github.com/dvpn-native/dvpnd/internal/claimapplier"
	"github.com/dvpn-native/dvpnd/internal/config"
	"github.com/dvpn-native/dvpnd/internal/control"
	"github.com/dvpn-native/dvpnd/internal/fallback"
	"github.com/dvpn-native/dvpnd/internal/metrics"
	"github.com/dvpn-native/dvpnd/internal/netutil"
	"github.com/dvpn-native/dvpnd/internal/payment"
	"github.com/dvpn-native/dvpnd/internal/poolclient"
	"github.com/dvpn-native/dvpnd/internal/scanloop"
	"github.com/dvpn-native/dvpnd/internal/secretstore"
	"github.com/dvpn-native/dvpnd/internal/statestore"
	"github.com/dvpn-native/dvpnd/internal/supervisor"
	"github.com/dvpn-native/dvpnd/internal/tunnel"
)

func main() {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		fatalf("%v", err)
	}

	if envCfg.NodeID == "" {
		envCfg.NodeID = uuid.NewString()
		log.Printf("NODE_ID not set, generated %s for this run", envCfg.NodeID)
	}

	runtimeCfg := &atomic.Pointer[config.RuntimeConfig]{}
	runtimeCfg.Store(config.FromEnv(envCfg))
	log.Println("Runtime config loaded from environment")
	log.Printf("Upstream domains: pool=%s payment=%s bandwidth_test=%s",
		netutil.ExtractDomain(envCfg.PoolURL),
		netutil.ExtractDomain(envCfg.PaymentAPIURL),
		netutil.ExtractDomain(envCfg.BandwidthTestURL))

	var stateLedger *statestore.Ledger
	if envCfg.StateDBPath != "" {
		stateLedger, err = statestore.NewLedger(envCfg.StateDBPath)
		if err != nil {
			fatalf("open state ledger: %v", err)
		}
		defer stateLedger.Close()
		log.Println("State ledger opened and migrated")
	}

	metricsReg := metrics.NewRegistry()
	if stateLedger != nil {
		counters, err := stateLedger.LoadCounters()
		if err != nil {
			log.Printf("Warning: load persisted counters: %v", err)
		} else {
			for name, value := range counters {
				metricsReg.Inc(name, value)
			}
			log.Printf("Restored %d persisted counters", len(counters))
		}
	}

	var audit *auditlog.Logger
	if envCfg.AuditEnabled {
		audit = auditlog.NewStdout(true)
	}

	secrets := secretstore.New(envCfg.SecretTokenPath)
	savedToken, err := secrets.Load()
	if err != nil {
		savedToken = ""
	}

	connectTimeout := time.Duration(envCfg.ConnectTimeoutSeconds) * time.Second
	pool := poolclient.NewClient(envCfg.PoolURL, connectTimeout)
	verifier := payment.NewVerifier(envCfg.PaymentAPIURL, savedToken, connectTimeout)

	bwTotal := envCfg.BandwidthTotalMbps
	if bwTotal <= 0 {
		bwTotal = bandwidth.MeasureOrDefault(connectTimeout, envCfg.BandwidthTestURL, envCfg.BandwidthSampleSeconds)
		log.Printf("BANDWIDTH_TOTAL_MBPS not set, measured %.1f Mbps", bwTotal)
		rc := *runtimeCfg.Load()
		rc.BandwidthTotalMbps = bwTotal
		runtimeCfg.Store(&rc)
	}
	ledger := bandwidth.NewAllocator(bwTotal, runtimeCfg.Load().BandwidthFraction)

	tunnelDriver := tunnel.NewExecTunnelDriver(envCfg.WGConfigPath)
	socksDriver := tunnel.NewExecSocksDriver(envCfg.DantedTemplatePath, envCfg.DantedConfigPath, envCfg.SocksPort)

	claimApplier := claimapplier.New(pool, tunnelDriver, stateLedger, "wg0", envCfg.NodeID)

	fallbackProvisioner := fallback.NewProvisioner(
		envCfg.FallbackOrchestratorURL != "",
		envCfg.FallbackScriptPath,
		envCfg.FallbackOrchestratorURL,
		connectTimeout,
		envCfg.AllowPrivateEndpoints,
	)

	sup := supervisor.New(
		supervisor.Deps{
			Pool:         pool,
			Payment:      verifier,
			TunnelDriver: tunnelDriver,
			SocksDriver:  socksDriver,
			Ledger:       ledger,
			Metrics:      metricsReg,
			ClaimApplier: claimApplier,
			SecretStore:  secrets,
			Fallback:     fallbackProvisioner,
			StateLedger:  stateLedger,
			Audit:        audit,
		},
		supervisor.Config{
			NodeID:                envCfg.NodeID,
			UserID:                envCfg.UserID,
			InterfaceName:         "wg0",
			EnableWireguard:       envCfg.EnableWireguard,
			WGPrivateKey:          envCfg.WGPrivateKey,
			WGAddress:             envCfg.WGAddress,
			WGDNS:                 envCfg.WGDNS,
			WGPersistentKeepalive: envCfg.WGPersistentKeepalive,
			WGProviderAddress:     envCfg.WGProviderAddress,
			EnableSocks:           envCfg.EnableSocks,
			NodeRegisterEnabled:   envCfg.NodeRegisterEnabled,
			NodePublicEndpoint:    envCfg.NodePublicEndpoint,
			NodePort:              envCfg.NodePort,
			AutoNetworkConfig:     envCfg.AutoNetworkConfig,
			UPnPEnabled:           envCfg.UPnPEnabled,
		},
		runtimeCfg,
	)
	log.Println("Supervisor constructed")

	// Clock-scheduled maintenance, distinct from the supervisor's own
	// one-shot startup prune: a dead-endpoint sweep every 30 minutes keeps
	// the pool listing clean even across long-lived steady connections that
	// never hit the retry path.
	maintenanceCron := cron.New()
	if _, err := maintenanceCron.AddFunc("@every 30m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		if result, err := pool.PruneDeadEndpoints(ctx); err != nil {
			log.Printf("Scheduled pool prune failed: %v", err)
		} else {
			log.Printf("Scheduled pool prune: removed=%d remaining=%d", result.Removed, result.Remaining)
		}
	}); err != nil {
		fatalf("schedule maintenance cron: %v", err)
	}
	maintenanceCron.Start()
	defer maintenanceCron.Stop()
	log.Println("Maintenance cron started (pool prune every 30m)")

	bwStopCh := make(chan struct{})
	if envCfg.BandwidthTotalMbps <= 0 {
		go scanloop.Run(bwStopCh, 10*time.Minute, 2*time.Minute, func() {
			mbps := bandwidth.MeasureOrDefault(connectTimeout, envCfg.BandwidthTestURL, envCfg.BandwidthSampleSeconds)
			rc := *runtimeCfg.Load()
			rc.BandwidthTotalMbps = mbps
			runtimeCfg.Store(&rc)
			metricsReg.SetGauge(metrics.BandwidthTotalMbps, mbps)
			log.Printf("Re-measured bandwidth: %.1f Mbps", mbps)
		})
		log.Println("Bandwidth re-measurement loop started")
	}
	defer close(bwStopCh)

	go sup.Run(context.Background())
	log.Println("Supervisor loop started")

	controlSrv := control.NewServer(envCfg.ControlHost, envCfg.ControlPort, sup, metricsReg)
	serverErrCh := make(chan error, 1)
	go func() {
		log.Printf("Control surface starting on %s:%d", envCfg.ControlHost, envCfg.ControlPort)
		err := controlSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("control server: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runtimeErr error
	select {
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
	case err := <-serverErrCh:
		runtimeErr = err
		log.Printf("Received server runtime error (%v), shutting down...", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sup.Exit(ctx); err != nil {
		log.Printf("Supervisor exit error: %v", err)
	}
	log.Println("Supervisor stopped")

	if err := controlSrv.Shutdown(ctx); err != nil {
		log.Printf("Control server shutdown error: %v", err)
	}
	log.Println("Control server stopped")

	if runtimeErr != nil {
		fatalf("runtime error: %v", runtimeErr)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(1)
}
