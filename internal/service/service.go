// Package service manages the gateway's systemd unit. Firewall rule
// management ties the gateway to Linux, so only systemd is supported.
package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

const systemdUnitPath = "/etc/systemd/system"

// Config holds configuration for installing the service.
type Config struct {
	// Name is the systemd service name.
	Name string

	// Description is the service description.
	Description string

	// ConfigPath is the absolute path to the gateway config file.
	ConfigPath string

	// WorkingDir is the working directory for the service.
	WorkingDir string
}

// DefaultConfig returns a default service configuration for the given
// config file path.
func DefaultConfig(configPath string) Config {
	absPath, _ := filepath.Abs(configPath)

	return Config{
		Name:        "bcastgw",
		Description: "UDP broadcast to TCP gateway",
		ConfigPath:  absPath,
		WorkingDir:  filepath.Dir(absPath),
	}
}

// IsSupported reports whether service installation works on this platform.
func IsSupported() bool {
	return runtime.GOOS == "linux"
}

// IsRoot reports whether the process can manage systemd units.
func IsRoot() bool {
	return os.Getuid() == 0
}

// IsInstalled checks if the service unit exists.
func IsInstalled(serviceName string) bool {
	_, err := os.Stat(unitPath(serviceName))
	return err == nil
}

// Install writes the systemd unit, then enables and starts the service.
func Install(cfg Config) error {
	if !IsSupported() {
		return fmt.Errorf("service installation requires Linux with systemd")
	}
	if !IsRoot() {
		return fmt.Errorf("must run as root to install service")
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	path := unitPath(cfg.Name)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("service %s is already installed at %s", cfg.Name, path)
	}

	unit := generateSystemdUnit(cfg, execPath)
	if err := os.WriteFile(path, []byte(unit), 0644); err != nil {
		return fmt.Errorf("failed to write systemd unit file: %w", err)
	}
	fmt.Printf("Created systemd unit: %s\n", path)

	if output, err := runCommand("systemctl", "daemon-reload"); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to reload systemd: %s: %w", output, err)
	}
	if output, err := runCommand("systemctl", "enable", cfg.Name); err != nil {
		return fmt.Errorf("failed to enable service: %s: %w", output, err)
	}
	fmt.Printf("Enabled service: %s\n", cfg.Name)

	if output, err := runCommand("systemctl", "start", cfg.Name); err != nil {
		return fmt.Errorf("failed to start service: %s: %w", output, err)
	}
	fmt.Printf("Started service: %s\n", cfg.Name)

	return nil
}

// Uninstall stops and disables the service and removes its unit file.
func Uninstall(serviceName string) error {
	if !IsSupported() {
		return fmt.Errorf("service management requires Linux with systemd")
	}
	if !IsRoot() {
		return fmt.Errorf("must run as root to uninstall service")
	}

	path := unitPath(serviceName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("service %s is not installed", serviceName)
	}

	if output, err := runCommand("systemctl", "stop", serviceName); err != nil {
		if !strings.Contains(output, "not loaded") {
			fmt.Printf("Note: could not stop service: %s\n", strings.TrimSpace(output))
		}
	} else {
		fmt.Printf("Stopped service: %s\n", serviceName)
	}

	if output, err := runCommand("systemctl", "disable", serviceName); err != nil {
		if !strings.Contains(output, "not loaded") {
			fmt.Printf("Note: could not disable service: %s\n", strings.TrimSpace(output))
		}
	} else {
		fmt.Printf("Disabled service: %s\n", serviceName)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove systemd unit file: %w", err)
	}
	fmt.Printf("Removed systemd unit: %s\n", path)

	if _, err := runCommand("systemctl", "daemon-reload"); err != nil {
		fmt.Println("Note: failed to reload systemd daemon")
	}
	runCommand("systemctl", "reset-failed", serviceName)

	return nil
}

// Status returns the service's systemd activity state.
func Status(serviceName string) (string, error) {
	if !IsSupported() {
		return "", fmt.Errorf("service management requires Linux with systemd")
	}

	output, err := runCommand("systemctl", "is-active", serviceName)
	status := strings.TrimSpace(output)

	if err != nil {
		if status == "inactive" || status == "unknown" || status == "failed" {
			return status, nil
		}
		return "", fmt.Errorf("failed to get service status: %w", err)
	}

	return status, nil
}

func unitPath(serviceName string) string {
	return filepath.Join(systemdUnitPath, serviceName+".service")
}

func runCommand(name string, args ...string) (string, error) {
	output, err := exec.Command(name, args...).CombinedOutput()
	return string(output), err
}

// generateSystemdUnit generates the unit file. The service runs as root:
// firewall management needs it and the UDP port may be privileged.
func generateSystemdUnit(cfg Config, execPath string) string {
	return fmt.Sprintf(`[Unit]
Description=%s
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s run -c %s
WorkingDirectory=%s
Restart=on-failure
RestartSec=5
TimeoutStopSec=30

NoNewPrivileges=false
PrivateTmp=true

StandardOutput=journal
StandardError=journal
SyslogIdentifier=%s

[Install]
WantedBy=multi-user.target
`, cfg.Description, execPath, cfg.ConfigPath, cfg.WorkingDir, cfg.Name)
}
