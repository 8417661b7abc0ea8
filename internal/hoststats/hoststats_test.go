package hoststats

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeSysfs(t *testing.T, root, path, content string) {
	t.Helper()
	full := filepath.Join(root, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPowerReadsSysfs(t *testing.T) {
	root := t.TempDir()
	writeSysfs(t, root, governorPath, "powersave")
	writeSysfs(t, root, powerLimitPath, "28000000")
	writeSysfs(t, root, "/sys/class/power_supply/BAT0/capacity", "87")
	writeSysfs(t, root, "/sys/class/power_supply/BAT0/status", "Discharging")
	writeSysfs(t, root, "/sys/class/power_supply/BAT0/energy_now", "30000000")
	writeSysfs(t, root, "/sys/class/power_supply/BAT0/power_now", "10000000")

	p := New(discardLogger(), Options{SysfsRoot: root})
	got, err := p.Power(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if got.Governor != "powersave" {
		t.Errorf("expected governor powersave, got %q", got.Governor)
	}
	if got.TDP == nil || *got.TDP != 28 {
		t.Errorf("expected TDP 28W, got %v", got.TDP)
	}
	want := Battery{Present: true, Percent: 87, Charging: false, TimeRemaining: "3h 0m"}
	if got.Battery != want {
		t.Errorf("expected battery %+v, got %+v", want, got.Battery)
	}
}

func TestPowerMissingSysfs(t *testing.T) {
	p := New(discardLogger(), Options{SysfsRoot: t.TempDir()})
	got, err := p.Power(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got.Governor != "unknown" || got.TDP != nil || got.Battery.Present {
		t.Errorf("expected empty power info, got %+v", got)
	}
	if got.Battery.TimeRemaining != "Unknown" {
		t.Errorf("expected Unknown battery time, got %q", got.Battery.TimeRemaining)
	}
}

func TestPowerIsCached(t *testing.T) {
	root := t.TempDir()
	writeSysfs(t, root, governorPath, "performance")

	p := New(discardLogger(), Options{SysfsRoot: root, PowerTTL: time.Minute})
	first, _ := p.Power(context.Background())

	writeSysfs(t, root, governorPath, "powersave")
	second, _ := p.Power(context.Background())

	if first.Governor != "performance" || second.Governor != "performance" {
		t.Errorf("expected cached governor, got %q then %q", first.Governor, second.Governor)
	}
}

func TestRateSampler(t *testing.T) {
	s := newRateSampler()
	start := time.Unix(1700000000, 0)

	if rx, tx := s.rate("eth0", start, 1000, 500); rx != 0 || tx != 0 {
		t.Errorf("first sample should yield zero rates, got %v %v", rx, tx)
	}
	rx, tx := s.rate("eth0", start.Add(2*time.Second), 3000, 1500)
	if rx != 1000 || tx != 500 {
		t.Errorf("expected 1000/500 per second, got %v/%v", rx, tx)
	}
	if rx, _ := s.rate("eth0", start.Add(3*time.Second), 10, 1500); rx != 0 {
		t.Errorf("counter reset should yield zero, got %v", rx)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"uptime", FormatUptime(3*3600 + 25*60 + 59), "3h 25m"},
		{"uptime zero", FormatUptime(0), "0h 0m"},
		{"minutes", FormatMinutes(135), "2h 15m"},
		{"minutes unknown", FormatMinutes(-1), "Unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestTopByCPU(t *testing.T) {
	list := make([]Process, 0, 15)
	for i := 0; i < 15; i++ {
		list = append(list, Process{PID: int32(i), CPU: float64(i)})
	}
	top := topByCPU(list, topProcesses)
	if len(top) != 10 {
		t.Fatalf("expected 10 processes, got %d", len(top))
	}
	if top[0].PID != 14 || top[9].PID != 5 {
		t.Errorf("unexpected ordering: first %d last %d", top[0].PID, top[9].PID)
	}
}

func TestFirstIPv4(t *testing.T) {
	if got := firstIPv4([]string{"fe80::1/64", "192.168.1.20/24"}); got != "192.168.1.20" {
		t.Errorf("expected 192.168.1.20, got %q", got)
	}
	if got := firstIPv4([]string{"::1/128"}); got != "" {
		t.Errorf("expected no address, got %q", got)
	}
}
