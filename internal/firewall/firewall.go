// Package firewall manages the optional iptables rules that admit UDP
// broadcast traffic to the gateway's port.
//
// The rules are a best-effort side effect: every failure here is logged
// and swallowed, because the relay must start and stop regardless of
// firewall outcome (including running without the privilege to touch
// iptables at all).
package firewall

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/postalsys/bcastgw/internal/logging"
)

// commandTimeout bounds a single iptables invocation.
const commandTimeout = 10 * time.Second

// Runner executes an external command. Swapped out in tests.
type Runner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Config holds firewall configuration.
type Config struct {
	// Enabled toggles rule management entirely.
	Enabled bool

	// UDPPort is the port the rules admit.
	UDPPort int

	// Interface restricts the rules to one interface, or "any".
	Interface string

	// Logger for logging.
	Logger *slog.Logger
}

// Manager installs and removes the iptables rules.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	runner Runner

	// privileged reports whether the process may modify iptables.
	// Replaceable in tests.
	privileged func() bool
}

// NewManager creates a firewall manager.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Manager{
		cfg:        cfg,
		logger:     logger.With(slog.String(logging.KeyComponent, "firewall")),
		runner:     execRunner,
		privileged: func() bool { return os.Geteuid() == 0 },
	}
}

// rules returns the iptables argument vectors for the given action
// ("-I" to insert, "-D" to delete).
func (m *Manager) rules(action string) [][]string {
	port := fmt.Sprintf("%d", m.cfg.UDPPort)

	var iface []string
	if m.cfg.Interface != "" && m.cfg.Interface != "any" {
		iface = []string{"-i", m.cfg.Interface}
	}

	var out [][]string
	for _, chain := range []string{"INPUT", "FORWARD"} {
		args := []string{action, chain}
		args = append(args, iface...)
		args = append(args, "-p", "udp", "--dport", port, "-j", "ACCEPT")
		out = append(out, args)
	}
	return out
}

// Setup installs the accept rules. It must be called before the gateway
// binds its sockets and never returns an error: without privilege it
// no-ops with a warning, and per-rule failures are logged.
func (m *Manager) Setup(ctx context.Context) {
	if !m.cfg.Enabled {
		return
	}
	if !m.privileged() {
		m.logger.Warn("not running as root, cannot configure iptables")
		return
	}

	for _, args := range m.rules("-I") {
		cctx, cancel := context.WithTimeout(ctx, commandTimeout)
		err := m.runner(cctx, "iptables", args...)
		cancel()
		if err != nil {
			m.logger.Error("failed to add firewall rule",
				logging.KeyRule, strings.Join(args, " "),
				logging.KeyError, err)
			continue
		}
		m.logger.Info("added firewall rule", logging.KeyRule, strings.Join(args, " "))
	}
}

// Teardown removes the accept rules after the gateway's sockets close.
// Missing rules are fine; removal failures are only debug-logged.
func (m *Manager) Teardown(ctx context.Context) {
	if !m.cfg.Enabled {
		return
	}
	if !m.privileged() {
		m.logger.Warn("not running as root, cannot clean up iptables")
		return
	}

	for _, args := range m.rules("-D") {
		cctx, cancel := context.WithTimeout(ctx, commandTimeout)
		err := m.runner(cctx, "iptables", args...)
		cancel()
		if err != nil {
			m.logger.Debug("could not remove firewall rule",
				logging.KeyRule, strings.Join(args, " "),
				logging.KeyError, err)
			continue
		}
		m.logger.Info("removed firewall rule", logging.KeyRule, strings.Join(args, " "))
	}
}
