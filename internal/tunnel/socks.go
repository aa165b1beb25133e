package tunnel

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// SocksDriver starts, stops, and health-checks the local SOCKS forwarder.
type SocksDriver interface {
	Start() error
	Stop() error
	Alive() bool
	Available() bool
}

// ExecSocksDriver wraps danted, rendering its config from a template with
// ${SOCKS_PORT} substituted.
type ExecSocksDriver struct {
	TemplatePath string
	ConfigPath   string
	Port         int

	mu      sync.Mutex
	cmd     *exec.Cmd
	running bool
}

// NewExecSocksDriver builds an ExecSocksDriver.
func NewExecSocksDriver(templatePath, configPath string, port int) *ExecSocksDriver {
	return &ExecSocksDriver{TemplatePath: templatePath, ConfigPath: configPath, Port: port}
}

// Available reports whether danted is on PATH.
func (d *ExecSocksDriver) Available() bool {
	_, err := exec.LookPath("danted")
	return err == nil
}

// Start renders the template and launches danted as a background process.
// A goroutine reaps the process and flips the running flag when it exits,
// so a later Alive() call observes the death without blocking.
func (d *ExecSocksDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}

	tmpl, err := os.ReadFile(d.TemplatePath)
	if err != nil {
		return fmt.Errorf("tunnel: read danted template: %w", err)
	}
	rendered := strings.ReplaceAll(string(tmpl), "${SOCKS_PORT}", strconv.Itoa(d.Port))
	if err := os.WriteFile(d.ConfigPath, []byte(rendered), 0o600); err != nil {
		return fmt.Errorf("tunnel: write danted config: %w", err)
	}

	danted, err := exec.LookPath("danted")
	if err != nil {
		return fmt.Errorf("tunnel: danted not found: %w", err)
	}

	cmd := exec.Command(danted, "-f", d.ConfigPath)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("tunnel: danted start failed: %w", err)
	}
	d.cmd = cmd
	d.running = true

	go func() {
		cmd.Wait()
		d.mu.Lock()
		if d.cmd == cmd {
			d.running = false
		}
		d.mu.Unlock()
	}()

	return nil
}

// Stop terminates the running danted process, if any.
func (d *ExecSocksDriver) Stop() error {
	d.mu.Lock()
	cmd := d.cmd
	running := d.running
	d.mu.Unlock()

	if cmd == nil || !running {
		return nil
	}

	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("tunnel: danted stop failed: %w", err)
	}
	return nil
}

// Alive reports whether the danted subprocess is still running. A
// SocksDiedError is the caller's signal to treat this as a connection
// fault during the steady loop's 10-second liveness tick.
func (d *ExecSocksDriver) Alive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// SocksDiedError signals that the SOCKS subprocess has exited unexpectedly.
type SocksDiedError struct{}

func (e *SocksDiedError) Error() string { return "tunnel: socks process died" }
