// Package tunnel wraps the external wg, wg-quick, and danted binaries
// behind small driver interfaces. The cryptography and SOCKS protocol
// themselves are out of scope: this package only starts, stops, and
// verifies those opaque processes.
package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ClientConfig describes the WireGuard interface to bring up against a
// single chosen provider, rendered per spec §6's client template.
type ClientConfig struct {
	InterfaceName       string
	PrivateKey          string
	Address             string // provider.client_ip or WG_ADDRESS
	ListenPort          int
	DNS                 string // omitted from the rendered config when blank
	PeerPublicKey       string
	Endpoint            string
	AllowedIPs          string
	PersistentKeepalive int
}

// ServerConfig describes the WireGuard interface brought up in
// provider-standby mode: a bare [Interface] stanza with no static peer.
// Peers are installed afterward, one at a time, by the claim applier.
type ServerConfig struct {
	InterfaceName string
	PrivateKey    string
	Address       string // WG_PROVIDER_ADDRESS, default 10.66.0.1/24
	ListenPort    int
	DNS           string
}

// TunnelDriver starts, stops, and verifies a WireGuard interface.
type TunnelDriver interface {
	// Up renders cfg to WGConfigPath and runs wg-quick up.
	Up(ctx context.Context, cfg ClientConfig) error
	// UpServer renders a server-mode (peerless) config and runs wg-quick up.
	UpServer(ctx context.Context, cfg ServerConfig) error
	// Down runs wg-quick down, tolerating an interface that is already gone.
	Down(ctx context.Context, interfaceName string) error
	// LatestHandshakes returns the peer-pubkey -> unix-timestamp pairs
	// reported by `wg show <iface> latest-handshakes`.
	LatestHandshakes(ctx context.Context, interfaceName string) (map[string]int64, error)
	// AddPeer installs an additional peer on a running interface without a
	// full interface teardown, used by the claim applier.
	AddPeer(ctx context.Context, interfaceName, publicKey, allowedIPs string, keepaliveSeconds int) error
	// Available reports whether the underlying binaries are present.
	Available() bool
}

// ExecTunnelDriver is the real, subprocess-backed TunnelDriver.
type ExecTunnelDriver struct {
	ConfigPath string
}

// NewExecTunnelDriver builds an ExecTunnelDriver rendering configs at
// configPath.
func NewExecTunnelDriver(configPath string) *ExecTunnelDriver {
	return &ExecTunnelDriver{ConfigPath: configPath}
}

// Available reports whether both wg and wg-quick are on PATH.
func (d *ExecTunnelDriver) Available() bool {
	_, wgErr := exec.LookPath("wg")
	_, wgQuickErr := exec.LookPath("wg-quick")
	return wgErr == nil && wgQuickErr == nil
}

func renderWGConfig(cfg ClientConfig) string {
	keepalive := cfg.PersistentKeepalive
	if keepalive <= 0 {
		keepalive = 25
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\nPrivateKey = %s\n", cfg.PrivateKey)
	if cfg.Address != "" {
		fmt.Fprintf(&b, "Address = %s\n", cfg.Address)
	}
	if cfg.ListenPort > 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", cfg.ListenPort)
	}
	if cfg.DNS != "" {
		fmt.Fprintf(&b, "DNS = %s\n", cfg.DNS)
	}
	fmt.Fprintf(&b, "\n[Peer]\nPublicKey = %s\nAllowedIPs = %s\nEndpoint = %s\nPersistentKeepalive = %d\n",
		cfg.PeerPublicKey, cfg.AllowedIPs, cfg.Endpoint, keepalive)
	return b.String()
}

func renderWGServerConfig(cfg ServerConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\nPrivateKey = %s\n", cfg.PrivateKey)
	if cfg.Address != "" {
		fmt.Fprintf(&b, "Address = %s\n", cfg.Address)
	}
	if cfg.ListenPort > 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", cfg.ListenPort)
	}
	if cfg.DNS != "" {
		fmt.Fprintf(&b, "DNS = %s\n", cfg.DNS)
	}
	return b.String()
}

// Up writes the rendered config to ConfigPath and runs wg-quick up against
// it. Any previously running interface of the same name must be torn down
// by the caller first.
func (d *ExecTunnelDriver) Up(ctx context.Context, cfg ClientConfig) error {
	if err := os.MkdirAll(filepath.Dir(d.ConfigPath), 0o700); err != nil {
		return fmt.Errorf("tunnel: create config directory: %w", err)
	}
	if err := os.WriteFile(d.ConfigPath, []byte(renderWGConfig(cfg)), 0o600); err != nil {
		return fmt.Errorf("tunnel: write config: %w", err)
	}

	wgQuick, err := exec.LookPath("wg-quick")
	if err != nil {
		return fmt.Errorf("tunnel: wg-quick not found: %w", err)
	}

	cmd := exec.CommandContext(ctx, wgQuick, "up", d.ConfigPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tunnel: wg-quick up failed: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// UpServer writes a peerless server-mode config and runs wg-quick up
// against it, entered when the mesh has no non-self public provider.
func (d *ExecTunnelDriver) UpServer(ctx context.Context, cfg ServerConfig) error {
	if err := os.MkdirAll(filepath.Dir(d.ConfigPath), 0o700); err != nil {
		return fmt.Errorf("tunnel: create config directory: %w", err)
	}
	if err := os.WriteFile(d.ConfigPath, []byte(renderWGServerConfig(cfg)), 0o600); err != nil {
		return fmt.Errorf("tunnel: write server config: %w", err)
	}

	wgQuick, err := exec.LookPath("wg-quick")
	if err != nil {
		return fmt.Errorf("tunnel: wg-quick not found: %w", err)
	}

	cmd := exec.CommandContext(ctx, wgQuick, "up", d.ConfigPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tunnel: wg-quick up (server mode) failed: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Down runs wg-quick down. A nonexistent interface is not an error.
func (d *ExecTunnelDriver) Down(ctx context.Context, interfaceName string) error {
	wgQuick, err := exec.LookPath("wg-quick")
	if err != nil {
		return fmt.Errorf("tunnel: wg-quick not found: %w", err)
	}

	cmd := exec.CommandContext(ctx, wgQuick, "down", d.ConfigPath)
	out, err := cmd.CombinedOutput()
	if err != nil && !strings.Contains(strings.ToLower(string(out)), "is not a wireguard interface") {
		return fmt.Errorf("tunnel: wg-quick down failed: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// LatestHandshakes runs `wg show <iface> latest-handshakes` and parses its
// "<pubkey> <unix-ts>" line format.
func (d *ExecTunnelDriver) LatestHandshakes(ctx context.Context, interfaceName string) (map[string]int64, error) {
	wg, err := exec.LookPath("wg")
	if err != nil {
		return nil, fmt.Errorf("tunnel: wg not found: %w", err)
	}

	cmd := exec.CommandContext(ctx, wg, "show", interfaceName, "latest-handshakes")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("tunnel: wg show failed: %w", err)
	}

	handshakes := make(map[string]int64)
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		ts, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		handshakes[fields[0]] = ts
	}
	return handshakes, nil
}

// AddPeer runs `wg set <iface> peer <pubkey> allowed-ips <cidrs> persistent-keepalive <n>`.
func (d *ExecTunnelDriver) AddPeer(ctx context.Context, interfaceName, publicKey, allowedIPs string, keepaliveSeconds int) error {
	wg, err := exec.LookPath("wg")
	if err != nil {
		return fmt.Errorf("tunnel: wg not found: %w", err)
	}

	cmd := exec.CommandContext(ctx, wg, "set", interfaceName,
		"peer", publicKey,
		"allowed-ips", allowedIPs,
		"persistent-keepalive", strconv.Itoa(keepaliveSeconds),
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tunnel: wg set peer failed: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// VerifyHandshake polls LatestHandshakes once per second up to deadline,
// returning nil as soon as peerPublicKey reports a positive timestamp.
func VerifyHandshake(ctx context.Context, driver TunnelDriver, interfaceName, peerPublicKey string, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		handshakes, err := driver.LatestHandshakes(ctx, interfaceName)
		if err == nil {
			if ts, ok := handshakes[peerPublicKey]; ok && ts > 0 {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return &HandshakeNotConfirmedError{PublicKey: peerPublicKey}
		case <-ticker.C:
		}
	}
}

// HandshakeNotConfirmedError is returned when VerifyHandshake's deadline
// elapses without a positive handshake timestamp for the peer.
type HandshakeNotConfirmedError struct {
	PublicKey string
}

func (e *HandshakeNotConfirmedError) Error() string {
	return fmt.Sprintf("tunnel: handshake not confirmed for peer %s", e.PublicKey)
}
