package firewall

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// recordingRunner captures every command instead of executing it.
type recordingRunner struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recordingRunner) run(ctx context.Context, name string, args ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name+" "+strings.Join(args, " "))
	return r.err
}

func newTestManager(cfg Config, privileged bool) (*Manager, *recordingRunner) {
	m := NewManager(cfg)
	rec := &recordingRunner{}
	m.runner = rec.run
	m.privileged = func() bool { return privileged }
	return m, rec
}

func TestRules_AnyInterface(t *testing.T) {
	m := NewManager(Config{Enabled: true, UDPPort: 50222, Interface: "any"})

	got := m.rules("-I")
	want := [][]string{
		{"-I", "INPUT", "-p", "udp", "--dport", "50222", "-j", "ACCEPT"},
		{"-I", "FORWARD", "-p", "udp", "--dport", "50222", "-j", "ACCEPT"},
	}
	if len(got) != len(want) {
		t.Fatalf("rule count = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if strings.Join(got[i], " ") != strings.Join(want[i], " ") {
			t.Errorf("rule %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRules_SpecificInterface(t *testing.T) {
	m := NewManager(Config{Enabled: true, UDPPort: 9999, Interface: "eth0"})

	for _, rule := range m.rules("-D") {
		joined := strings.Join(rule, " ")
		if !strings.Contains(joined, "-i eth0") {
			t.Errorf("rule %q missing interface filter", joined)
		}
		if !strings.Contains(joined, "--dport 9999") {
			t.Errorf("rule %q missing port", joined)
		}
	}
}

func TestSetup_RunsBothRules(t *testing.T) {
	m, rec := newTestManager(Config{Enabled: true, UDPPort: 50222, Interface: "any"}, true)

	m.Setup(context.Background())

	if len(rec.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(rec.calls))
	}
	if !strings.HasPrefix(rec.calls[0], "iptables -I INPUT") {
		t.Errorf("first call = %q, want iptables -I INPUT ...", rec.calls[0])
	}
	if !strings.HasPrefix(rec.calls[1], "iptables -I FORWARD") {
		t.Errorf("second call = %q, want iptables -I FORWARD ...", rec.calls[1])
	}
}

func TestSetup_Disabled(t *testing.T) {
	m, rec := newTestManager(Config{Enabled: false, UDPPort: 50222}, true)

	m.Setup(context.Background())
	m.Teardown(context.Background())

	if len(rec.calls) != 0 {
		t.Errorf("disabled manager ran %d commands, want 0", len(rec.calls))
	}
}

func TestSetup_Unprivileged(t *testing.T) {
	m, rec := newTestManager(Config{Enabled: true, UDPPort: 50222, Interface: "any"}, false)

	// Without privilege, setup and teardown are warnings, not actions.
	m.Setup(context.Background())
	m.Teardown(context.Background())

	if len(rec.calls) != 0 {
		t.Errorf("unprivileged manager ran %d commands, want 0", len(rec.calls))
	}
}

func TestSetup_FailuresAreSwallowed(t *testing.T) {
	m, rec := newTestManager(Config{Enabled: true, UDPPort: 50222, Interface: "any"}, true)
	rec.err = errors.New("iptables: permission denied")

	// Must not panic and must attempt every rule despite failures.
	m.Setup(context.Background())
	m.Teardown(context.Background())

	if len(rec.calls) != 4 {
		t.Errorf("calls = %d, want 4 (2 setup + 2 teardown)", len(rec.calls))
	}
}
