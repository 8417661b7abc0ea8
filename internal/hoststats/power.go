package hoststats

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	governorPath    = "/sys/devices/system/cpu/cpu0/cpufreq/scaling_governor"
	powerLimitPath  = "/sys/class/powercap/intel-rapl/intel-rapl:0/constraint_0_power_limit_uw"
	powerSupplyPath = "/sys/class/power_supply"
)

// Power describes the CPU power policy and battery state.
type Power struct {
	Governor string   `json:"governor"`
	TDP      *float64 `json:"tdp"` // watts, nil when the platform does not expose it
	Battery  Battery  `json:"battery"`
}

type Battery struct {
	Present       bool    `json:"hasBattery"`
	Percent       float64 `json:"percent"`
	Charging      bool    `json:"isCharging"`
	TimeRemaining string  `json:"timeRemaining"`
}

// Power returns the governor, package power limit and battery state. Reads
// are cached for the configured power TTL.
func (p *Provider) Power(ctx context.Context) (Power, error) {
	e, err := p.power.GetOrCompute(ctx, "power", func(context.Context) (Power, error) {
		return p.readPower(), nil
	})
	return e.Value, err
}

func (p *Provider) readPower() Power {
	out := Power{Governor: "unknown"}

	if gov, err := p.readSysfs(governorPath); err == nil && gov != "" {
		out.Governor = gov
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		p.logger.Debug("Governor unreadable", "error", err)
	}

	if raw, err := p.readSysfs(powerLimitPath); err == nil {
		if uw, err := strconv.ParseFloat(raw, 64); err == nil {
			watts := round2(uw / 1e6)
			out.TDP = &watts
		}
	}

	out.Battery = p.readBattery()
	return out
}

func (p *Provider) readBattery() Battery {
	dir := filepath.Join(p.sysfsRoot, powerSupplyPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Battery{TimeRemaining: "Unknown"}
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "BAT") {
			continue
		}
		base := filepath.Join(powerSupplyPath, e.Name())
		b := Battery{Present: true, TimeRemaining: "Unknown"}
		if v, err := p.readSysfs(filepath.Join(base, "capacity")); err == nil {
			b.Percent, _ = strconv.ParseFloat(v, 64)
		}
		status, _ := p.readSysfs(filepath.Join(base, "status"))
		b.Charging = status == "Charging"

		energy, errE := p.readSysfsFloat(filepath.Join(base, "energy_now"))
		rate, errR := p.readSysfsFloat(filepath.Join(base, "power_now"))
		if status == "Discharging" && errE == nil && errR == nil && rate > 0 {
			b.TimeRemaining = FormatMinutes(energy / rate * 60)
		}
		return b
	}
	return Battery{TimeRemaining: "Unknown"}
}

func (p *Provider) readSysfs(path string) (string, error) {
	data, err := os.ReadFile(filepath.Join(p.sysfsRoot, path))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (p *Provider) readSysfsFloat(path string) (float64, error) {
	raw, err := p.readSysfs(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(raw, 64)
}
