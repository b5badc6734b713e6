// Package main provides the CLI entry point for the broadcast gateway.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/bcastgw/internal/config"
	"github.com/postalsys/bcastgw/internal/gateway"
	"github.com/postalsys/bcastgw/internal/logging"
	"github.com/postalsys/bcastgw/internal/service"
	"github.com/postalsys/bcastgw/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bcastgw",
		Short: "bcastgw - UDP broadcast to TCP gateway",
		Long: `bcastgw relays UDP broadcast datagrams onto TCP, preserving each
datagram's boundary.

In connect mode it maintains a single persistent connection to a TCP
server and forwards every datagram as a length-prefixed frame,
reconnecting at a fixed interval when the server is unreachable. In
serve mode it accepts TCP clients and fans each datagram out to all
of them unframed, one write per datagram.`,
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(wizardCmd())
	rootCmd.AddCommand(exampleConfigCmd())
	rootCmd.AddCommand(serviceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		configPath        string
		udpPort           int
		bindAddress       string
		mode              string
		tcpHost           string
		tcpPort           int
		reconnectDelay    time.Duration
		enableFirewall    bool
		firewallInterface string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway",
		Long:  "Start the gateway with the specified configuration. Flags override config file values.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			// Flag overrides, applied only when explicitly set.
			if cmd.Flags().Changed("udp-port") {
				cfg.UDP.Port = udpPort
			}
			if cmd.Flags().Changed("bind-address") {
				cfg.UDP.BindAddress = bindAddress
			}
			if cmd.Flags().Changed("mode") {
				cfg.TCP.Mode = mode
			}
			if cmd.Flags().Changed("tcp-host") {
				cfg.TCP.Host = tcpHost
			}
			if cmd.Flags().Changed("tcp-port") {
				cfg.TCP.Port = tcpPort
			}
			if cmd.Flags().Changed("reconnect-delay") {
				cfg.TCP.ReconnectDelay = reconnectDelay
			}
			if cmd.Flags().Changed("enable-firewall") {
				cfg.Firewall.Enabled = enableFirewall
			}
			if cmd.Flags().Changed("firewall-interface") {
				cfg.Firewall.Interface = firewallInterface
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			version.Version = Version
			prometheus.MustRegister(versioncollector.NewCollector("bcastgw"))

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			g := gateway.New(cfg, logger)
			if err := g.Start(); err != nil {
				return fmt.Errorf("failed to start gateway: %w", err)
			}

			fmt.Printf("Gateway running: udp %s -> tcp %s (%s mode)\n",
				cfg.UDPListenAddr(), cfg.TCPAddr(), cfg.TCP.Mode)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			g.Stop()
			fmt.Println("Gateway stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().IntVar(&udpPort, "udp-port", 0, "UDP port to listen on")
	cmd.Flags().StringVar(&bindAddress, "bind-address", "", "Local address to bind")
	cmd.Flags().StringVar(&mode, "mode", "", "TCP egress mode: connect or serve")
	cmd.Flags().StringVar(&tcpHost, "tcp-host", "", "TCP target host (connect mode)")
	cmd.Flags().IntVar(&tcpPort, "tcp-port", 0, "TCP target or listen port")
	cmd.Flags().DurationVar(&reconnectDelay, "reconnect-delay", 0, "Fixed interval between connect attempts")
	cmd.Flags().BoolVar(&enableFirewall, "enable-firewall", false, "Manage iptables rules for the UDP port")
	cmd.Flags().StringVar(&firewallInterface, "firewall-interface", "", "Restrict firewall rules to one interface")

	return cmd
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist so the gateway can run on flags alone.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("failed to load config: %w", err)
}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup wizard",
		Long:  "Generate a gateway configuration file interactively.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("wizard requires an interactive terminal")
			}

			if _, err := wizard.New().Run(); err != nil {
				return fmt.Errorf("wizard failed: %w", err)
			}
			return nil
		},
	}
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the systemd service",
		Long:  "Install, remove, or inspect the gateway's systemd unit.",
	}

	var configPath string

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install and start the systemd service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(configPath); err != nil {
				return fmt.Errorf("refusing to install with a broken config: %w", err)
			}
			return service.Install(service.DefaultConfig(configPath))
		},
	}
	installCmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the systemd service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return service.Uninstall("bcastgw")
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the systemd service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !service.IsInstalled("bcastgw") {
				fmt.Println("Service is not installed.")
				return nil
			}
			status, err := service.Status("bcastgw")
			if err != nil {
				return err
			}
			fmt.Printf("Service status: %s\n", status)
			return nil
		},
	}

	cmd.AddCommand(installCmd)
	cmd.AddCommand(uninstallCmd)
	cmd.AddCommand(statusCmd)

	return cmd
}

func exampleConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "example-config",
		Short: "Print an example configuration",
		Long:  "Print a complete configuration file with default values to stdout.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			cfg.TCP.Host = "relay.example.com"

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}

			fmt.Print("# Broadcast Gateway Configuration\n\n")
			fmt.Print(string(data))
			return nil
		},
	}
}
