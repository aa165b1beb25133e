// Package fallback provisions a replacement provider by invoking an
// operator-supplied external script when the mesh has no reachable
// candidate.
package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/dvpn-native/dvpnd/internal/provider"
)

// ErrDisabled is returned when provisioning is attempted while disabled.
var ErrDisabled = errors.New("fallback: provisioning disabled")

// Provisioner shells out to ScriptPath, which must print a single JSON
// object describing a provider on stdout.
type Provisioner struct {
	Enabled         bool
	ScriptPath      string
	OrchestratorURL string
	Timeout         time.Duration
	AllowPrivate    bool
}

// NewProvisioner builds a Provisioner. timeout defaults to 30s if zero.
func NewProvisioner(enabled bool, scriptPath, orchestratorURL string, timeout time.Duration, allowPrivate bool) *Provisioner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Provisioner{
		Enabled:         enabled,
		ScriptPath:      scriptPath,
		OrchestratorURL: orchestratorURL,
		Timeout:         timeout,
		AllowPrivate:    allowPrivate,
	}
}

type scriptOutput struct {
	ID         string `json:"id"`
	Endpoint   string `json:"endpoint"`
	PublicKey  string `json:"public_key"`
	AllowedIPs string `json:"allowed_ips"`
}

// Provision runs the configured script with PAYMENT_TOKEN, USER_ID, and
// FALLBACK_ORCHESTRATOR_URL in its environment, parses its stdout as a
// single JSON provider descriptor, and validates the result before
// returning it.
func (p *Provisioner) Provision(ctx context.Context, paymentToken, userID string) (provider.Provider, error) {
	if !p.Enabled {
		return provider.Provider{}, ErrDisabled
	}
	if !p.AllowPrivate && !strings.HasPrefix(p.OrchestratorURL, "https://") {
		localHTTP := strings.HasPrefix(p.OrchestratorURL, "http://127.0.0.1") || strings.HasPrefix(p.OrchestratorURL, "http://localhost")
		if !localHTTP {
			return provider.Provider{}, fmt.Errorf("fallback: orchestrator URL must use https://")
		}
	}
	if _, err := os.Stat(p.ScriptPath); err != nil {
		return provider.Provider{}, fmt.Errorf("fallback: script missing: %s", p.ScriptPath)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, p.ScriptPath)
	cmd.Env = append(os.Environ(),
		"PAYMENT_TOKEN="+paymentToken,
		"USER_ID="+userID,
		"FALLBACK_ORCHESTRATOR_URL="+p.OrchestratorURL,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return provider.Provider{}, fmt.Errorf("fallback: script failed: %w (stderr: %s)", err, stderr.String())
	}

	var out scriptOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return provider.Provider{}, fmt.Errorf("fallback: script output not valid JSON: %w", err)
	}
	if out.AllowedIPs == "" {
		out.AllowedIPs = "0.0.0.0/0,::/0"
	}

	candidate := provider.Provider{
		ID:         out.ID,
		Endpoint:   out.Endpoint,
		PublicKey:  out.PublicKey,
		AllowedIPs: out.AllowedIPs,
	}
	if err := provider.Validate(&candidate, provider.ValidateOptions{AllowPrivateEndpoints: p.AllowPrivate}); err != nil {
		return provider.Provider{}, fmt.Errorf("fallback: provisioned provider failed validation: %w", err)
	}
	return candidate, nil
}
