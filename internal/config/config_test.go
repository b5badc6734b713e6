package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %s, want info", cfg.Log.Level)
	}
	if cfg.UDP.Port != 50222 {
		t.Errorf("UDP.Port = %d, want 50222", cfg.UDP.Port)
	}
	if cfg.UDP.BindAddress != "0.0.0.0" {
		t.Errorf("UDP.BindAddress = %s, want 0.0.0.0", cfg.UDP.BindAddress)
	}
	if cfg.TCP.Mode != ModeConnect {
		t.Errorf("TCP.Mode = %s, want connect", cfg.TCP.Mode)
	}
	if cfg.TCP.ReconnectDelay != 5*time.Second {
		t.Errorf("TCP.ReconnectDelay = %v, want 5s", cfg.TCP.ReconnectDelay)
	}
	if cfg.TCP.ProbeInterval != 10*time.Second {
		t.Errorf("TCP.ProbeInterval = %v, want 10s", cfg.TCP.ProbeInterval)
	}
	if cfg.Firewall.Interface != "any" {
		t.Errorf("Firewall.Interface = %s, want any", cfg.Firewall.Interface)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
log:
  level: debug
  format: json

udp:
  port: 50222
  bind_address: "192.168.1.10"

tcp:
  mode: connect
  host: "10.0.0.5"
  port: 9000
  reconnect_delay: 2s
  probe_interval: 3s

firewall:
  enabled: true
  interface: eth0

health:
  enabled: true
  address: ":9090"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
	if cfg.UDP.BindAddress != "192.168.1.10" {
		t.Errorf("UDP.BindAddress = %s, want 192.168.1.10", cfg.UDP.BindAddress)
	}
	if cfg.TCP.Host != "10.0.0.5" {
		t.Errorf("TCP.Host = %s, want 10.0.0.5", cfg.TCP.Host)
	}
	if cfg.TCP.ReconnectDelay != 2*time.Second {
		t.Errorf("TCP.ReconnectDelay = %v, want 2s", cfg.TCP.ReconnectDelay)
	}
	if !cfg.Firewall.Enabled {
		t.Error("Firewall.Enabled = false, want true")
	}
	if cfg.Firewall.Interface != "eth0" {
		t.Errorf("Firewall.Interface = %s, want eth0", cfg.Firewall.Interface)
	}
	if cfg.TCPAddr() != "10.0.0.5:9000" {
		t.Errorf("TCPAddr() = %s, want 10.0.0.5:9000", cfg.TCPAddr())
	}
	if cfg.UDPListenAddr() != "192.168.1.10:50222" {
		t.Errorf("UDPListenAddr() = %s, want 192.168.1.10:50222", cfg.UDPListenAddr())
	}
}

func TestParse_ServeMode(t *testing.T) {
	cfg, err := Parse([]byte(`
tcp:
  mode: serve
  port: 8888
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.TCP.Mode != ModeServe {
		t.Errorf("TCP.Mode = %s, want serve", cfg.TCP.Mode)
	}
	// Serve mode listens on the bind address, not on a target host.
	if cfg.TCPAddr() != "0.0.0.0:8888" {
		t.Errorf("TCPAddr() = %s, want 0.0.0.0:8888", cfg.TCPAddr())
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	os.Setenv("BCASTGW_TEST_HOST", "172.16.0.99")
	defer os.Unsetenv("BCASTGW_TEST_HOST")

	cfg, err := Parse([]byte(`
tcp:
  mode: connect
  host: "${BCASTGW_TEST_HOST}"
  port: ${BCASTGW_TEST_PORT:-7777}
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.TCP.Host != "172.16.0.99" {
		t.Errorf("TCP.Host = %s, want 172.16.0.99", cfg.TCP.Host)
	}
	if cfg.TCP.Port != 7777 {
		t.Errorf("TCP.Port = %d, want 7777 (env default)", cfg.TCP.Port)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: "invalid log.level",
		},
		{
			name:    "udp port out of range",
			mutate:  func(c *Config) { c.UDP.Port = 70000 },
			wantErr: "udp.port",
		},
		{
			name:    "bad bind address",
			mutate:  func(c *Config) { c.UDP.BindAddress = "not-an-ip" },
			wantErr: "udp.bind_address",
		},
		{
			name:    "connect mode without host",
			mutate:  func(c *Config) { c.TCP.Mode = ModeConnect; c.TCP.Host = "" },
			wantErr: "tcp.host is required",
		},
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.TCP.Mode = "broadcast" },
			wantErr: "invalid tcp.mode",
		},
		{
			name:    "zero reconnect delay",
			mutate:  func(c *Config) { c.TCP.Host = "h"; c.TCP.ReconnectDelay = 0 },
			wantErr: "reconnect_delay",
		},
		{
			name:    "health enabled without address",
			mutate:  func(c *Config) { c.TCP.Host = "h"; c.Health.Enabled = true; c.Health.Address = "" },
			wantErr: "health.address",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.TCP.Host = "example.org" // satisfy connect mode unless overridden
			tc.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() error = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
tcp:
  mode: connect
  host: "gateway.local"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.TCP.Host != "gateway.local" {
		t.Errorf("TCP.Host = %s, want gateway.local", cfg.TCP.Host)
	}
	// Unset fields keep their defaults.
	if cfg.UDP.Port != 50222 {
		t.Errorf("UDP.Port = %d, want default 50222", cfg.UDP.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load of missing file succeeded, want error")
	}
}
