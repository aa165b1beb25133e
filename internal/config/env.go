// Package config handles environment-based configuration loading and runtime config models.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Feature gates
	EnableWireguard bool
	EnableSocks     bool

	// Tunnel/SOCKS rendering
	WGConfigPath          string
	DantedConfigPath      string
	DantedTemplatePath    string
	WGPrivateKey          string
	WGAddress             string
	WGDNS                 string
	WGPersistentKeepalive int
	WGProviderAddress     string
	SocksPort             int

	// Upstream endpoints
	PoolURL                 string
	PaymentAPIURL           string
	FallbackOrchestratorURL string
	FallbackScriptPath      string

	// Timeouts and scheduling
	ConnectTimeoutSeconds       int
	RetrySeconds                int
	EndpointRotateSeconds       int
	EndpointRotateJitterSeconds int
	MeshSampleSize              int

	// Bandwidth
	BandwidthTotalMbps      float64
	BandwidthTestURL        string
	BandwidthSampleSeconds  int

	// Provider-side advertisement
	AutoNetworkConfig   bool
	UPnPEnabled         bool
	NodeRegisterEnabled bool
	NodePublicEndpoint  string
	NodePort            int
	NodeID              string
	UserID              string

	// Control surface
	ControlHost string
	ControlPort int

	// Validator escape hatch
	AllowPrivateEndpoints bool

	// Observability
	LogStdout    bool
	AuditEnabled bool

	// Persistence
	SecretTokenPath string
	StateDBPath     string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any value is invalid. All variables are optional and
// fall back to defaults appropriate for a single-node deployment.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Feature gates ---
	cfg.EnableWireguard = envBool("ENABLE_WIREGUARD", true)
	cfg.EnableSocks = envBool("ENABLE_SOCKS", true)

	// --- Tunnel/SOCKS rendering ---
	cfg.WGConfigPath = envStr("WG_CONFIG_PATH", "/etc/wireguard/wg0.conf")
	cfg.DantedConfigPath = envStr("DANTED_CONFIG_PATH", "/etc/danted.conf")
	cfg.DantedTemplatePath = envStr("DANTED_TEMPLATE_PATH", "/etc/danted.conf.tmpl")
	cfg.WGPrivateKey = envStr("WG_PRIVATE_KEY", "")
	cfg.WGAddress = envStr("WG_ADDRESS", "")
	cfg.WGDNS = envStr("WG_DNS", "")
	cfg.WGPersistentKeepalive = envInt("WG_PERSISTENT_KEEPALIVE", 25, &errs)
	cfg.WGProviderAddress = envStr("WG_PROVIDER_ADDRESS", "10.66.0.1/24")
	cfg.SocksPort = envInt("SOCKS_PORT", 1080, &errs)

	// --- Upstream endpoints ---
	cfg.PoolURL = envStr("POOL_URL", "https://pool.dvpn.example/api")
	cfg.PaymentAPIURL = envStr("PAYMENT_API_URL", "https://payment.dvpn.example/api")
	cfg.FallbackOrchestratorURL = envStr("FALLBACK_ORCHESTRATOR_URL", "")
	cfg.FallbackScriptPath = envStr("FALLBACK_SCRIPT_PATH", "")

	// --- Timeouts and scheduling ---
	cfg.ConnectTimeoutSeconds = envInt("CONNECT_TIMEOUT_SECONDS", 10, &errs)
	cfg.RetrySeconds = envInt("RETRY_SECONDS", 5, &errs)
	cfg.EndpointRotateSeconds = envInt("ENDPOINT_ROTATE_SECONDS", 1800, &errs)
	cfg.EndpointRotateJitterSeconds = envInt("ENDPOINT_ROTATE_JITTER_SECONDS", 300, &errs)
	cfg.MeshSampleSize = envInt("MESH_SAMPLE_SIZE", 3, &errs)

	// --- Bandwidth ---
	cfg.BandwidthTotalMbps = envFloat("BANDWIDTH_TOTAL_MBPS", 0, &errs)
	cfg.BandwidthTestURL = envStr("BANDWIDTH_TEST_URL", "https://speed.dvpn.example/100mb.bin")
	cfg.BandwidthSampleSeconds = envInt("BANDWIDTH_SAMPLE_SECONDS", 4, &errs)

	// --- Provider-side advertisement ---
	cfg.AutoNetworkConfig = envBool("AUTO_NETWORK_CONFIG", true)
	cfg.UPnPEnabled = envBool("UPNP_ENABLED", true)
	cfg.NodeRegisterEnabled = envBool("NODE_REGISTER_ENABLED", false)
	cfg.NodePublicEndpoint = envStr("NODE_PUBLIC_ENDPOINT", "")
	cfg.NodePort = envInt("NODE_PORT", 51820, &errs)
	cfg.NodeID = envStr("NODE_ID", "")
	cfg.UserID = envStr("USER_ID", "")

	// --- Control surface ---
	cfg.ControlHost = envStr("CONTROL_HOST", "127.0.0.1")
	cfg.ControlPort = envInt("CONTROL_PORT", 8787, &errs)

	// --- Validator escape hatch ---
	cfg.AllowPrivateEndpoints = envBool("ALLOW_PRIVATE_ENDPOINTS", false)

	// --- Observability ---
	cfg.LogStdout = envBool("LOG_STDOUT", true)
	cfg.AuditEnabled = envBool("AUDIT_ENABLED", false)

	// --- Persistence ---
	cfg.SecretTokenPath = envStr("SECRET_TOKEN_PATH", "/var/lib/dvpnd/token.json")
	cfg.StateDBPath = envStr("STATE_DB_PATH", "/var/lib/dvpnd/state.db")

	// --- Validation ---
	validatePositive("CONNECT_TIMEOUT_SECONDS", cfg.ConnectTimeoutSeconds, &errs)
	validatePositive("RETRY_SECONDS", cfg.RetrySeconds, &errs)
	validatePositive("ENDPOINT_ROTATE_SECONDS", cfg.EndpointRotateSeconds, &errs)
	if cfg.EndpointRotateJitterSeconds < 0 {
		errs = append(errs, "ENDPOINT_ROTATE_JITTER_SECONDS: must not be negative")
	}
	validatePositive("MESH_SAMPLE_SIZE", cfg.MeshSampleSize, &errs)
	validatePositive("BANDWIDTH_SAMPLE_SECONDS", cfg.BandwidthSampleSeconds, &errs)
	if cfg.WGPersistentKeepalive < 0 {
		errs = append(errs, "WG_PERSISTENT_KEEPALIVE: must not be negative")
	}
	if cfg.EnableWireguard && cfg.WGPrivateKey == "" {
		errs = append(errs, "WG_PRIVATE_KEY: required when ENABLE_WIREGUARD is true")
	}
	if cfg.BandwidthTotalMbps < 0 {
		errs = append(errs, "BANDWIDTH_TOTAL_MBPS: must not be negative")
	}
	validatePort("NODE_PORT", cfg.NodePort, &errs)
	validatePort("CONTROL_PORT", cfg.ControlPort, &errs)
	validatePort("SOCKS_PORT", cfg.SocksPort, &errs)

	validateUpstreamURL("POOL_URL", cfg.PoolURL, cfg.AllowPrivateEndpoints, &errs)
	validateUpstreamURL("PAYMENT_API_URL", cfg.PaymentAPIURL, cfg.AllowPrivateEndpoints, &errs)
	if cfg.FallbackOrchestratorURL != "" {
		validateUpstreamURL("FALLBACK_ORCHESTRATOR_URL", cfg.FallbackOrchestratorURL, cfg.AllowPrivateEndpoints, &errs)
	}
	if cfg.NodeRegisterEnabled && cfg.NodeID == "" {
		errs = append(errs, "NODE_ID: required when NODE_REGISTER_ENABLED is true")
	}
	if cfg.NodeRegisterEnabled && cfg.UserID == "" {
		errs = append(errs, "USER_ID: required when NODE_REGISTER_ENABLED is true")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// validateUpstreamURL requires https:// unless the host is loopback or the
// escape hatch is set. Of the upstream clients, only fallback.Provision
// checks the scheme again itself; the pool and payment clients dial
// whatever URL they are given.
func validateUpstreamURL(name, raw string, allowPrivate bool, errs *[]string) {
	u, err := url.Parse(raw)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid URL %q: %v", name, raw, err))
		return
	}
	if u.Scheme != "https" {
		host := u.Hostname()
		if allowPrivate || host == "localhost" || host == "127.0.0.1" || host == "::1" {
			return
		}
		*errs = append(*errs, fmt.Sprintf("%s: must be HTTPS (got %q), unless loopback or ALLOW_PRIVATE_ENDPOINTS=true", name, raw))
	}
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envFloat(key string, defaultVal float64, errs *[]string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid float %q", key, v))
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
