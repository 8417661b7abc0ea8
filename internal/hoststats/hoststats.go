// Package hoststats reads telemetry for the machine running the service.
//
// Basic returns the compact cpu/memory/disk/network view used for host
// devices; Snapshot returns the full payload served on /metrics. Both are
// built on gopsutil.
package hoststats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/Fimeg/systemsdashboard/internal/cache"
)

// cpuSampleInterval bounds how long a usage sample blocks.
const cpuSampleInterval = 200 * time.Millisecond

// Basic is the host-device envelope body.
type Basic struct {
	CPU     CPUUsage     `json:"cpu"`
	Memory  Memory       `json:"memory"`
	Disk    []Filesystem `json:"disk"`
	Network []Interface  `json:"network"`
}

type CPUUsage struct {
	Usage   float64   `json:"usage"`
	Cores   int       `json:"cores"`
	Load    []float64 `json:"load"`
	LoadAvg LoadAvg   `json:"loadAvg"`
}

type LoadAvg struct {
	One     float64 `json:"1m"`
	Five    float64 `json:"5m"`
	Fifteen float64 `json:"15m"`
}

type Memory struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Free        uint64  `json:"free"`
	Available   uint64  `json:"available"`
	UsedPercent float64 `json:"usedPercent"`
	SwapTotal   uint64  `json:"swapTotal"`
	SwapUsed    uint64  `json:"swapUsed"`
}

type Filesystem struct {
	Device      string  `json:"device"`
	Mount       string  `json:"mount"`
	Type        string  `json:"type"`
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"usedPercent"`
}

type Interface struct {
	Name      string   `json:"name"`
	Addresses []string `json:"addresses,omitempty"`
	MAC       string   `json:"mac,omitempty"`
	Up        bool     `json:"up"`
	BytesRecv uint64   `json:"bytesRecv"`
	BytesSent uint64   `json:"bytesSent"`
	RxPerSec  float64  `json:"rxPerSec"`
	TxPerSec  float64  `json:"txPerSec"`
}

// Provider collects host telemetry. The zero value is not usable; call New.
type Provider struct {
	logger    *slog.Logger
	sysfsRoot string
	power     *cache.TTL[Power]
	netRates  *rateSampler
	diskRates *rateSampler
	now       func() time.Time
}

// Options configures a Provider.
type Options struct {
	// SysfsRoot is prefixed to /sys paths. Empty means the real filesystem.
	SysfsRoot string
	// PowerTTL is the freshness window for governor and power-limit reads.
	PowerTTL time.Duration
	// CacheOptions are passed to the power cache.
	CacheOptions []cache.Option
}

// New creates a Provider.
func New(logger *slog.Logger, opts Options) *Provider {
	if opts.PowerTTL <= 0 {
		opts.PowerTTL = 5 * time.Second
	}
	return &Provider{
		logger:    logger.With("component", "hoststats"),
		sysfsRoot: opts.SysfsRoot,
		power:     cache.New[Power]("power", opts.PowerTTL, opts.CacheOptions...),
		netRates:  newRateSampler(),
		diskRates: newRateSampler(),
		now:       time.Now,
	}
}

// Basic returns cpu, memory, disk and network figures for the local host.
func (p *Provider) Basic(ctx context.Context) (Basic, error) {
	var out Basic

	usage, err := p.cpuUsage(ctx)
	if err != nil {
		return Basic{}, fmt.Errorf("cpu usage: %w", err)
	}
	out.CPU = usage

	m, err := p.memory(ctx)
	if err != nil {
		return Basic{}, fmt.Errorf("memory: %w", err)
	}
	out.Memory = m

	out.Disk, err = p.filesystems(ctx)
	if err != nil {
		return Basic{}, fmt.Errorf("filesystems: %w", err)
	}

	out.Network, err = p.interfaces(ctx)
	if err != nil {
		return Basic{}, fmt.Errorf("network: %w", err)
	}
	return out, nil
}

func (p *Provider) cpuUsage(ctx context.Context) (CPUUsage, error) {
	perCore, err := cpu.PercentWithContext(ctx, cpuSampleInterval, true)
	if err != nil {
		return CPUUsage{}, err
	}
	var total float64
	for _, v := range perCore {
		total += v
	}
	usage := CPUUsage{Cores: len(perCore), Load: perCore}
	if len(perCore) > 0 {
		usage.Usage = round2(total / float64(len(perCore)))
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		usage.LoadAvg = LoadAvg{One: avg.Load1, Five: avg.Load5, Fifteen: avg.Load15}
	} else {
		p.logger.Debug("Load average unavailable", "error", err)
	}
	return usage, nil
}

func (p *Provider) memory(ctx context.Context) (Memory, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Memory{}, err
	}
	out := Memory{
		Total:       vm.Total,
		Used:        vm.Used,
		Free:        vm.Free,
		Available:   vm.Available,
		UsedPercent: round2(vm.UsedPercent),
	}
	if swap, err := mem.SwapMemoryWithContext(ctx); err == nil {
		out.SwapTotal = swap.Total
		out.SwapUsed = swap.Used
	}
	return out, nil
}

func (p *Provider) filesystems(ctx context.Context) ([]Filesystem, error) {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]Filesystem, 0, len(parts))
	for _, part := range parts {
		u, err := disk.UsageWithContext(ctx, part.Mountpoint)
		if err != nil || u.Total == 0 {
			continue
		}
		out = append(out, Filesystem{
			Device:      part.Device,
			Mount:       part.Mountpoint,
			Type:        part.Fstype,
			Total:       u.Total,
			Used:        u.Used,
			Free:        u.Free,
			UsedPercent: round2(u.UsedPercent),
		})
	}
	return out, nil
}

func (p *Provider) interfaces(ctx context.Context) ([]Interface, error) {
	counters, err := psnet.IOCountersWithContext(ctx, true)
	if err != nil {
		return nil, err
	}
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]psnet.InterfaceStat, len(ifaces))
	for _, iface := range ifaces {
		byName[iface.Name] = iface
	}

	now := p.now()
	out := make([]Interface, 0, len(counters))
	for _, c := range counters {
		rx, tx := p.netRates.rate(c.Name, now, c.BytesRecv, c.BytesSent)
		iface := Interface{
			Name:      c.Name,
			BytesRecv: c.BytesRecv,
			BytesSent: c.BytesSent,
			RxPerSec:  round2(rx),
			TxPerSec:  round2(tx),
		}
		if stat, ok := byName[c.Name]; ok {
			iface.MAC = stat.HardwareAddr
			for _, flag := range stat.Flags {
				if flag == "up" {
					iface.Up = true
				}
			}
			for _, addr := range stat.Addrs {
				iface.Addresses = append(iface.Addresses, addr.Addr)
			}
		}
		out = append(out, iface)
	}
	return out, nil
}
