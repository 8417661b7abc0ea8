package remote

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Fimeg/systemsdashboard/internal/device"
	"github.com/Fimeg/systemsdashboard/internal/errs"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingExecutor remembers which hosts it was asked to run on.
type recordingExecutor struct {
	name  string
	hosts []string
	err   error
}

func (r *recordingExecutor) Run(_ context.Context, host, command string) (string, error) {
	r.hosts = append(r.hosts, host)
	if r.err != nil {
		return "", r.err
	}
	return r.name + ":" + command, nil
}

func TestDispatcherPicksExecutor(t *testing.T) {
	local := &recordingExecutor{name: "local"}
	ssh := &recordingExecutor{name: "ssh"}
	win := &recordingExecutor{name: "winrm"}
	commands := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_remote_commands_total"}, []string{"transport", "outcome"})
	d := NewDispatcher(discardLogger(), local, ssh, win, commands)

	tests := []struct {
		host      string
		transport device.Transport
		want      string
	}{
		{"localhost", device.TransportSSH, "local:uptime"},
		{"", device.TransportWinRM, "local:uptime"},
		{"10.0.0.9", device.TransportSSH, "ssh:uptime"},
		{"10.0.0.9", "", "ssh:uptime"},
		{"win01", device.TransportWinRM, "winrm:uptime"},
	}
	for _, tt := range tests {
		got, err := d.Run(context.Background(), tt.host, tt.transport, "uptime")
		if err != nil {
			t.Fatalf("%s/%s: %v", tt.host, tt.transport, err)
		}
		if got != tt.want {
			t.Errorf("%s/%s: got %q, want %q", tt.host, tt.transport, got, tt.want)
		}
	}
	if got := testutil.ToFloat64(commands.WithLabelValues("ssh", "ok")); got != 2 {
		t.Errorf("expected 2 ssh commands counted, got %v", got)
	}
}

func TestDispatcherWithoutWinRM(t *testing.T) {
	d := NewDispatcher(discardLogger(), &recordingExecutor{}, &recordingExecutor{}, nil, nil)
	_, err := d.Run(context.Background(), "win01", device.TransportWinRM, "hostname")
	if !errs.Is(err, errs.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLocalRun(t *testing.T) {
	l := NewLocal(5 * time.Second)

	out, err := l.Run(context.Background(), device.Localhost, "printf '  hello\\n'")
	if err != nil {
		t.Fatal(err)
	}
	if out != "hello" {
		t.Errorf("expected trimmed output, got %q", out)
	}

	_, err = l.Run(context.Background(), device.Localhost, "echo nope >&2; exit 3")
	if err == nil || !strings.Contains(err.Error(), "status 3") || !strings.Contains(err.Error(), "nope") {
		t.Errorf("expected exit status error with stderr, got %v", err)
	}
	if errs.KindOf(err) != errs.KindInternal {
		t.Errorf("expected internal kind, got %s", errs.KindOf(err))
	}
}

func TestLocalTimeout(t *testing.T) {
	l := NewLocal(100 * time.Millisecond)
	_, err := l.Run(context.Background(), device.Localhost, "sleep 5")
	if !errs.Is(err, errs.KindConnectivity) {
		t.Fatalf("expected connectivity error on timeout, got %v", err)
	}
}

func TestProbeCommands(t *testing.T) {
	if got := ProbeCommand(device.TransportSSH, ProbeCPU); got != "top -bn1 | grep 'Cpu(s)'" {
		t.Errorf("unexpected posix cpu probe %q", got)
	}
	if got := ProbeCommand(device.TransportWinRM, ProbeMemory); !strings.Contains(got, "Win32_OperatingSystem") {
		t.Errorf("unexpected powershell memory probe %q", got)
	}
	for _, p := range Probes {
		if ProbeCommand(device.TransportSSH, p) == "" || ProbeCommand(device.TransportWinRM, p) == "" {
			t.Errorf("missing command for probe %s", p)
		}
	}
}

func TestLXCInfoCommandQuotes(t *testing.T) {
	got := LXCInfoCommand("web'01")
	want := `lxc-info -n 'web'\''01' -s && lxc-info -n 'web'\''01' -S && lxc-info -n 'web'\''01' -p`
	if got != want {
		t.Errorf("got %q\nwant %q", got, want)
	}
}

func TestSSHResolve(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config")
	cfg := "Host pve\n  HostName 10.0.0.5\n  Port 2222\n  User root\n  IdentityFile ~/.ssh/pve_key\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	s := NewSSH(discardLogger(), SSHOptions{User: "monitor", ConfigFile: cfgPath})

	tests := []struct {
		host string
		want sshTarget
	}{
		{"nas.lan", sshTarget{hostname: "nas.lan", port: "22", user: "monitor"}},
		{"admin@nas.lan:2200", sshTarget{hostname: "nas.lan", port: "2200", user: "admin"}},
		{"pve", sshTarget{hostname: "10.0.0.5", port: "2222", user: "root", identityFile: filepath.Join(homeDir(), ".ssh", "pve_key")}},
		{"ops@pve", sshTarget{hostname: "10.0.0.5", port: "2222", user: "ops", identityFile: filepath.Join(homeDir(), ".ssh", "pve_key")}},
	}
	for _, tt := range tests {
		if got := s.resolve(tt.host); got != tt.want {
			t.Errorf("resolve(%q) = %+v, want %+v", tt.host, got, tt.want)
		}
	}
}

func TestSSHWithoutKeysIsAuthentication(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SSH_AUTH_SOCK", "")

	s := NewSSH(discardLogger(), SSHOptions{ConfigFile: filepath.Join(t.TempDir(), "missing")})
	_, err := s.Run(context.Background(), "10.255.255.1", "uptime")
	if !errs.Is(err, errs.KindAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if s.Size() != 0 {
		t.Errorf("expected empty pool, got %d", s.Size())
	}
}

func TestSSHReusesAgentConnection(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	sock := filepath.Join(t.TempDir(), "agent.sock")
	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	defer l.Close()
	t.Setenv("SSH_AUTH_SOCK", sock)

	var accepted atomic.Int32
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			defer conn.Close()
		}
	}()

	s := NewSSH(discardLogger(), SSHOptions{ConfigFile: filepath.Join(t.TempDir(), "missing")})
	for range 20 {
		cfg, err := s.clientConfig(sshTarget{hostname: "10.0.0.5", port: "22", user: "root"})
		if err != nil {
			t.Fatal(err)
		}
		if len(cfg.Auth) != 1 {
			t.Fatalf("expected agent auth only, got %d methods", len(cfg.Auth))
		}
	}

	time.Sleep(20 * time.Millisecond)
	if got := accepted.Load(); got != 1 {
		t.Errorf("expected one agent connection for 20 configs, got %d", got)
	}

	s.Close()
	if s.agentConn != nil {
		t.Error("expected agent connection closed")
	}
}
