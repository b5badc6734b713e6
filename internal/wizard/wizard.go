// Package wizard provides an interactive setup wizard for the broadcast
// gateway.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/bcastgw/internal/config"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	configPath, err := w.askConfigPath()
	if err != nil {
		return nil, err
	}

	udpPort, bindAddress, err := w.askUDPListener()
	if err != nil {
		return nil, err
	}

	tcpCfg, err := w.askTCPEgress()
	if err != nil {
		return nil, err
	}

	fwCfg, err := w.askFirewall()
	if err != nil {
		return nil, err
	}

	logLevel, healthEnabled, healthAddr, err := w.askAdvancedOptions()
	if err != nil {
		return nil, err
	}

	cfg := w.buildConfig(udpPort, bindAddress, tcpCfg, fwCfg, logLevel, healthEnabled, healthAddr)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := w.writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	w.printSummary(configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  ____   ____    _    ____ _____ ______        __
 | __ ) / ___|  / \  / ___|_   _/ ___\ \      / /
 |  _ \| |     / _ \ \___ \ | || |  _ \ \ /\ / /
 | |_) | |___ / ___ \ ___) || || |_| | \ V  V /
 |____/ \____/_/   \_\____/ |_| \____|  \_/\_/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  UDP Broadcast to TCP Gateway - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askConfigPath() (string, error) {
	configPath := "./config.yaml"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure where the gateway configuration is written."),

			huh.NewInput().
				Title("Config File Path").
				Placeholder("./config.yaml").
				Value(&configPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return "", err
	}
	return configPath, nil
}

func (w *Wizard) askUDPListener() (port int, bindAddress string, err error) {
	portStr := "50222"
	bindAddress = "0.0.0.0"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("UDP Listener").
				Description("Configure the UDP port the gateway receives broadcast\ndatagrams on. The port is opened with address reuse so other\nprograms on this host can keep listening too."),

			huh.NewInput().
				Title("UDP Port").
				Description("Port to listen for broadcast datagrams").
				Placeholder("50222").
				Value(&portStr).
				Validate(validatePort),

			huh.NewInput().
				Title("Bind Address").
				Description("Local address to bind (0.0.0.0 for all interfaces)").
				Placeholder("0.0.0.0").
				Value(&bindAddress).
				Validate(validateIP),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return 0, "", err
	}

	port, _ = strconv.Atoi(portStr)
	return port, bindAddress, nil
}

func (w *Wizard) askTCPEgress() (config.TCPConfig, error) {
	cfg := config.Default().TCP
	portStr := strconv.Itoa(cfg.Port)
	delayStr := cfg.ReconnectDelay.String()

	modeForm := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("TCP Egress").
				Description("Choose how datagrams leave the gateway."),

			huh.NewSelect[string]().
				Title("Mode").
				Options(
					huh.NewOption("Connect (forward framed datagrams to one TCP server)", config.ModeConnect),
					huh.NewOption("Serve (accept TCP clients and fan raw datagrams out)", config.ModeServe),
				).
				Value(&cfg.Mode),
		),
	).WithTheme(w.theme)

	if err := modeForm.Run(); err != nil {
		return cfg, err
	}

	if cfg.Mode == config.ModeConnect {
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Target Host").
					Description("Hostname or IP of the TCP server").
					Placeholder("relay.example.com").
					Value(&cfg.Host).
					Validate(validateHost),

				huh.NewInput().
					Title("Target Port").
					Placeholder(portStr).
					Value(&portStr).
					Validate(validatePort),

				huh.NewInput().
					Title("Reconnect Delay").
					Description("Fixed interval between connect attempts (e.g. 5s)").
					Placeholder(delayStr).
					Value(&delayStr).
					Validate(validateDuration),
			),
		).WithTheme(w.theme)

		if err := form.Run(); err != nil {
			return cfg, err
		}
		cfg.ReconnectDelay, _ = time.ParseDuration(delayStr)
	} else {
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Listen Port").
					Description("TCP port to accept clients on").
					Placeholder(portStr).
					Value(&portStr).
					Validate(validatePort),
			),
		).WithTheme(w.theme)

		if err := form.Run(); err != nil {
			return cfg, err
		}
	}

	cfg.Port, _ = strconv.Atoi(portStr)
	return cfg, nil
}

func (w *Wizard) askFirewall() (config.FirewallConfig, error) {
	cfg := config.Default().Firewall

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Firewall").
				Description("The gateway can insert iptables rules admitting the UDP\nport on startup and remove them on shutdown. Requires root."),

			huh.NewConfirm().
				Title("Manage iptables rules?").
				Value(&cfg.Enabled),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return cfg, err
	}

	if cfg.Enabled {
		ifaceForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Interface").
					Description("Restrict rules to one interface, or \"any\"").
					Placeholder("any").
					Value(&cfg.Interface).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("interface is required (use \"any\" for all)")
						}
						return nil
					}),
			),
		).WithTheme(w.theme)

		if err := ifaceForm.Run(); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

func (w *Wizard) askAdvancedOptions() (logLevel string, healthEnabled bool, healthAddr string, err error) {
	logLevel = "info"
	healthAddr = ":8080"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&logLevel),

			huh.NewConfirm().
				Title("Enable health/metrics endpoint?").
				Description("HTTP endpoint for monitoring (/healthz, /status, /metrics)").
				Value(&healthEnabled),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return
	}

	if healthEnabled {
		addrForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Health Listen Address").
					Placeholder(":8080").
					Value(&healthAddr).
					Validate(validateListenAddr),
			),
		).WithTheme(w.theme)

		if err = addrForm.Run(); err != nil {
			return
		}
	}

	return
}

func (w *Wizard) buildConfig(
	udpPort int, bindAddress string,
	tcpCfg config.TCPConfig,
	fwCfg config.FirewallConfig,
	logLevel string, healthEnabled bool, healthAddr string,
) *config.Config {
	cfg := config.Default()

	cfg.Log.Level = logLevel
	cfg.UDP.Port = udpPort
	cfg.UDP.BindAddress = bindAddress
	cfg.TCP = tcpCfg
	cfg.Firewall = fwCfg
	cfg.Health.Enabled = healthEnabled
	if healthEnabled {
		cfg.Health.Address = healthAddr
	}

	return cfg
}

func (w *Wizard) writeConfig(cfg *config.Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# Broadcast Gateway Configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  UDP listener: %s\n", cfg.UDPListenAddr())
	if cfg.TCP.Mode == config.ModeConnect {
		fmt.Printf("  TCP target:   %s (reconnect every %s)\n", cfg.TCPAddr(), cfg.TCP.ReconnectDelay)
	} else {
		fmt.Printf("  TCP listener: %s\n", cfg.TCPAddr())
	}
	if cfg.Firewall.Enabled {
		fmt.Printf("  Firewall:     iptables rules on %s\n", cfg.Firewall.Interface)
	}
	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/healthz\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the gateway:")
	fmt.Printf("    bcastgw run -c %s\n", configPath)
	fmt.Println()
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validatePort(s string) error {
	port, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("port must be a number")
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

func validateIP(s string) error {
	if net.ParseIP(s) == nil {
		return fmt.Errorf("not a valid IP address")
	}
	return nil
}

func validateHost(s string) error {
	if s == "" {
		return fmt.Errorf("host is required")
	}
	if strings.ContainsAny(s, ": /") {
		return fmt.Errorf("host must be a bare hostname or IP, without port")
	}
	return nil
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("not a valid duration (e.g. 5s, 500ms)")
	}
	if d <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	return nil
}

func validateListenAddr(s string) error {
	if s == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid address format (use host:port or :port)")
	}
	return nil
}
