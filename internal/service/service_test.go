package service

import (
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("./config.yaml")

	if cfg.Name != "bcastgw" {
		t.Errorf("Name = %q, want bcastgw", cfg.Name)
	}
	if !strings.HasSuffix(cfg.ConfigPath, "config.yaml") {
		t.Errorf("ConfigPath = %q, want absolute path to config.yaml", cfg.ConfigPath)
	}
	if !strings.HasPrefix(cfg.ConfigPath, "/") {
		t.Errorf("ConfigPath = %q, want absolute path", cfg.ConfigPath)
	}
	if cfg.WorkingDir == "" {
		t.Error("WorkingDir is empty")
	}
}

func TestGenerateSystemdUnit(t *testing.T) {
	cfg := Config{
		Name:        "bcastgw",
		Description: "UDP broadcast to TCP gateway",
		ConfigPath:  "/etc/bcastgw/config.yaml",
		WorkingDir:  "/etc/bcastgw",
	}

	unit := generateSystemdUnit(cfg, "/usr/local/bin/bcastgw")

	for _, want := range []string{
		"Description=UDP broadcast to TCP gateway",
		"ExecStart=/usr/local/bin/bcastgw run -c /etc/bcastgw/config.yaml",
		"WorkingDirectory=/etc/bcastgw",
		"Restart=on-failure",
		"SyslogIdentifier=bcastgw",
		"WantedBy=multi-user.target",
	} {
		if !strings.Contains(unit, want) {
			t.Errorf("unit file missing %q", want)
		}
	}
}

func TestUnitPath(t *testing.T) {
	got := unitPath("bcastgw")
	want := "/etc/systemd/system/bcastgw.service"
	if got != want {
		t.Errorf("unitPath = %q, want %q", got, want)
	}
}
