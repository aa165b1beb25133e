package config

import (
	"strings"
	"testing"
)

func TestLoadEnvConfig_Defaults(t *testing.T) {
	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertEqual(t, "EnableWireguard", cfg.EnableWireguard, true)
	assertEqual(t, "EnableSocks", cfg.EnableSocks, true)
	assertEqual(t, "WGConfigPath", cfg.WGConfigPath, "/etc/wireguard/wg0.conf")
	assertEqual(t, "ConnectTimeoutSeconds", cfg.ConnectTimeoutSeconds, 10)
	assertEqual(t, "RetrySeconds", cfg.RetrySeconds, 5)
	assertEqual(t, "EndpointRotateSeconds", cfg.EndpointRotateSeconds, 1800)
	assertEqual(t, "EndpointRotateJitterSeconds", cfg.EndpointRotateJitterSeconds, 300)
	assertEqual(t, "MeshSampleSize", cfg.MeshSampleSize, 3)
	assertEqual(t, "BandwidthTotalMbps", cfg.BandwidthTotalMbps, 0.0)
	assertEqual(t, "BandwidthSampleSeconds", cfg.BandwidthSampleSeconds, 4)
	assertEqual(t, "AutoNetworkConfig", cfg.AutoNetworkConfig, true)
	assertEqual(t, "UPnPEnabled", cfg.UPnPEnabled, true)
	assertEqual(t, "NodeRegisterEnabled", cfg.NodeRegisterEnabled, false)
	assertEqual(t, "NodePort", cfg.NodePort, 51820)
	assertEqual(t, "ControlHost", cfg.ControlHost, "127.0.0.1")
	assertEqual(t, "ControlPort", cfg.ControlPort, 8787)
	assertEqual(t, "AllowPrivateEndpoints", cfg.AllowPrivateEndpoints, false)
	assertEqual(t, "LogStdout", cfg.LogStdout, true)
	assertEqual(t, "AuditEnabled", cfg.AuditEnabled, false)
	assertEqual(t, "SocksPort", cfg.SocksPort, 1080)
}

func TestLoadEnvConfig_EnvOverrides(t *testing.T) {
	t.Setenv("ENABLE_SOCKS", "false")
	t.Setenv("CONNECT_TIMEOUT_SECONDS", "20")
	t.Setenv("RETRY_SECONDS", "15")
	t.Setenv("ENDPOINT_ROTATE_SECONDS", "30")
	t.Setenv("ENDPOINT_ROTATE_JITTER_SECONDS", "0")
	t.Setenv("MESH_SAMPLE_SIZE", "5")
	t.Setenv("BANDWIDTH_TOTAL_MBPS", "250.5")
	t.Setenv("CONTROL_PORT", "9999")
	t.Setenv("NODE_REGISTER_ENABLED", "true")
	t.Setenv("NODE_ID", "node-1")
	t.Setenv("USER_ID", "user-1")

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertEqual(t, "EnableSocks", cfg.EnableSocks, false)
	assertEqual(t, "ConnectTimeoutSeconds", cfg.ConnectTimeoutSeconds, 20)
	assertEqual(t, "RetrySeconds", cfg.RetrySeconds, 15)
	assertEqual(t, "EndpointRotateSeconds", cfg.EndpointRotateSeconds, 30)
	assertEqual(t, "EndpointRotateJitterSeconds", cfg.EndpointRotateJitterSeconds, 0)
	assertEqual(t, "MeshSampleSize", cfg.MeshSampleSize, 5)
	assertEqual(t, "BandwidthTotalMbps", cfg.BandwidthTotalMbps, 250.5)
	assertEqual(t, "ControlPort", cfg.ControlPort, 9999)
	assertEqual(t, "NodeID", cfg.NodeID, "node-1")
	assertEqual(t, "UserID", cfg.UserID, "user-1")
}

func TestLoadEnvConfig_SocksPortOverride(t *testing.T) {
	t.Setenv("SOCKS_PORT", "1081")

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertEqual(t, "SocksPort", cfg.SocksPort, 1081)
}

func TestLoadEnvConfig_InvalidPort(t *testing.T) {
	t.Setenv("CONTROL_PORT", "99999")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error for port out of range")
	}
	assertContains(t, err.Error(), "CONTROL_PORT")
}

func TestLoadEnvConfig_InvalidPortNotNumber(t *testing.T) {
	t.Setenv("NODE_PORT", "abc")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error for non-numeric port")
	}
	assertContains(t, err.Error(), "NODE_PORT")
}

func TestLoadEnvConfig_NegativeValue(t *testing.T) {
	t.Setenv("MESH_SAMPLE_SIZE", "-5")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error for negative value")
	}
	assertContains(t, err.Error(), "MESH_SAMPLE_SIZE")
}

func TestLoadEnvConfig_NegativeJitterRejected(t *testing.T) {
	t.Setenv("ENDPOINT_ROTATE_JITTER_SECONDS", "-1")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error for negative jitter")
	}
	assertContains(t, err.Error(), "ENDPOINT_ROTATE_JITTER_SECONDS")
}

func TestLoadEnvConfig_NodeRegisterRequiresIDs(t *testing.T) {
	t.Setenv("NODE_REGISTER_ENABLED", "true")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error when node registration enabled without NODE_ID/USER_ID")
	}
	assertContains(t, err.Error(), "NODE_ID")
	assertContains(t, err.Error(), "USER_ID")
}

func TestLoadEnvConfig_PoolURLMustBeHTTPS(t *testing.T) {
	t.Setenv("POOL_URL", "http://pool.dvpn.example/api")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error for non-HTTPS POOL_URL")
	}
	assertContains(t, err.Error(), "POOL_URL")
}

func TestLoadEnvConfig_LoopbackAllowsPlainHTTP(t *testing.T) {
	t.Setenv("POOL_URL", "http://127.0.0.1:9000/api")

	_, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error for loopback POOL_URL: %v", err)
	}
}

func TestLoadEnvConfig_AllowPrivateEndpointsEscapeHatch(t *testing.T) {
	t.Setenv("ALLOW_PRIVATE_ENDPOINTS", "true")
	t.Setenv("PAYMENT_API_URL", "http://10.0.0.5:8080/api")

	_, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error with ALLOW_PRIVATE_ENDPOINTS set: %v", err)
	}
}

// --- test helpers ---

func assertEqual[T comparable](t *testing.T, name string, got, want T) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %v, want %v", name, got, want)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
