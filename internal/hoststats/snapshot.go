package hoststats

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/process"
)

const topProcesses = 10

// Snapshot is the full local-host payload.
type Snapshot struct {
	Time      TimeInfo     `json:"time"`
	CPU       CPUInfo      `json:"cpu"`
	Memory    Memory       `json:"memory"`
	Storage   []Filesystem `json:"storage"`
	IO        DiskIO       `json:"io"`
	Network   NetworkInfo  `json:"network"`
	Processes Processes    `json:"processes"`
	Power     Power        `json:"power"`
	System    SystemInfo   `json:"system"`
}

type TimeInfo struct {
	Current  int64  `json:"current"` // unix millis
	Uptime   string `json:"uptime"`
	Timezone string `json:"timezone"`
}

type CPUInfo struct {
	Manufacturer  string    `json:"manufacturer"`
	Brand         string    `json:"brand"`
	Speed         float64   `json:"speed"` // GHz
	Cores         int       `json:"cores"`
	PhysicalCores int       `json:"physicalCores"`
	Usage         float64   `json:"usage"`
	Temperature   *float64  `json:"temperature"`
	Load          []float64 `json:"load"`
}

type DiskIO struct {
	ReadBytes   uint64  `json:"readBytes"`
	WriteBytes  uint64  `json:"writeBytes"`
	ReadPerSec  float64 `json:"readPerSec"`
	WritePerSec float64 `json:"writePerSec"`
	ReadOps     uint64  `json:"readOps"`
	WriteOps    uint64  `json:"writeOps"`
}

type NetworkInfo struct {
	Interfaces []Interface `json:"interfaces"`
	Primary    string      `json:"primary"`
	IP         string      `json:"ip"`
	RxPerSec   float64     `json:"rxPerSec"`
	TxPerSec   float64     `json:"txPerSec"`
}

type Processes struct {
	All      int       `json:"all"`
	Running  int       `json:"running"`
	Blocked  int       `json:"blocked"`
	Sleeping int       `json:"sleeping"`
	List     []Process `json:"list"`
}

type Process struct {
	PID    int32   `json:"pid"`
	Name   string  `json:"name"`
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"mem"`
}

type SystemInfo struct {
	Hostname string  `json:"hostname"`
	Platform string  `json:"platform"`
	Distro   string  `json:"distro"`
	Release  string  `json:"release"`
	Kernel   string  `json:"kernel"`
	Arch     string  `json:"arch"`
	LoadAvg  LoadAvg `json:"loadAvg"`
}

// Snapshot gathers the full payload. Sub-collections that fail are logged
// and left empty; only a failing cpu or memory read fails the snapshot.
func (p *Provider) Snapshot(ctx context.Context) (*Snapshot, error) {
	now := p.now()
	snap := &Snapshot{
		Time: TimeInfo{Current: now.UnixMilli(), Timezone: now.Location().String()},
	}

	usage, err := p.cpuUsage(ctx)
	if err != nil {
		return nil, fmt.Errorf("cpu usage: %w", err)
	}
	snap.CPU = p.cpuInfo(ctx, usage)

	if snap.Memory, err = p.memory(ctx); err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}

	if snap.Storage, err = p.filesystems(ctx); err != nil {
		p.logger.Warn("Filesystem usage unavailable", "error", err)
	}
	snap.IO = p.diskIO(ctx)
	snap.Network = p.network(ctx)
	snap.Processes = p.processes(ctx)

	if snap.Power, err = p.Power(ctx); err != nil {
		p.logger.Warn("Power probe failed", "error", err)
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		snap.Time.Uptime = FormatUptime(info.Uptime)
		snap.System = SystemInfo{
			Hostname: info.Hostname,
			Platform: info.OS,
			Distro:   info.Platform,
			Release:  info.PlatformVersion,
			Kernel:   info.KernelVersion,
			Arch:     info.KernelArch,
			LoadAvg:  usage.LoadAvg,
		}
	} else {
		p.logger.Warn("Host info unavailable", "error", err)
	}
	return snap, nil
}

func (p *Provider) cpuInfo(ctx context.Context, usage CPUUsage) CPUInfo {
	out := CPUInfo{Cores: usage.Cores, Usage: usage.Usage, Load: usage.Load}

	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		out.Manufacturer = infos[0].VendorID
		out.Brand = strings.TrimSpace(infos[0].ModelName)
		out.Speed = round2(infos[0].Mhz / 1000)
	}
	if n, err := cpu.CountsWithContext(ctx, false); err == nil {
		out.PhysicalCores = n
	}
	out.Temperature = p.cpuTemperature(ctx)
	return out
}

// cpuTemperature returns the hottest package or core sensor, if any.
func (p *Provider) cpuTemperature(ctx context.Context) *float64 {
	temps, err := host.SensorsTemperaturesWithContext(ctx)
	if err != nil && len(temps) == 0 {
		return nil
	}
	var best float64
	found := false
	for _, t := range temps {
		key := strings.ToLower(t.SensorKey)
		if !strings.Contains(key, "coretemp") && !strings.Contains(key, "k10temp") && !strings.Contains(key, "package") {
			continue
		}
		if !found || t.Temperature > best {
			best, found = t.Temperature, true
		}
	}
	if !found {
		return nil
	}
	best = round2(best)
	return &best
}

func (p *Provider) diskIO(ctx context.Context) DiskIO {
	counters, err := disk.IOCountersWithContext(ctx)
	if err != nil {
		p.logger.Debug("Disk IO counters unavailable", "error", err)
		return DiskIO{}
	}
	var out DiskIO
	for _, c := range counters {
		out.ReadBytes += c.ReadBytes
		out.WriteBytes += c.WriteBytes
		out.ReadOps += c.ReadCount
		out.WriteOps += c.WriteCount
	}
	r, w := p.diskRates.rate("total", p.now(), out.ReadBytes, out.WriteBytes)
	out.ReadPerSec, out.WritePerSec = round2(r), round2(w)
	return out
}

func (p *Provider) network(ctx context.Context) NetworkInfo {
	ifaces, err := p.interfaces(ctx)
	if err != nil {
		p.logger.Warn("Network interfaces unavailable", "error", err)
		return NetworkInfo{}
	}
	out := NetworkInfo{Interfaces: ifaces}
	for _, iface := range ifaces {
		if iface.Name == "lo" || !iface.Up {
			continue
		}
		out.RxPerSec += iface.RxPerSec
		out.TxPerSec += iface.TxPerSec
		if out.Primary == "" {
			if ip := firstIPv4(iface.Addresses); ip != "" {
				out.Primary, out.IP = iface.Name, ip
			}
		}
	}
	out.RxPerSec, out.TxPerSec = round2(out.RxPerSec), round2(out.TxPerSec)
	return out
}

func firstIPv4(addrs []string) string {
	for _, a := range addrs {
		ip, _, _ := strings.Cut(a, "/")
		if strings.Count(ip, ".") == 3 {
			return ip
		}
	}
	return ""
}

func (p *Provider) processes(ctx context.Context) Processes {
	var out Processes
	if misc, err := load.MiscWithContext(ctx); err == nil {
		out.All = misc.ProcsTotal
		out.Running = misc.ProcsRunning
		out.Blocked = misc.ProcsBlocked
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		p.logger.Warn("Process list unavailable", "error", err)
		return out
	}
	if out.All == 0 {
		out.All = len(procs)
	}

	list := make([]Process, 0, len(procs))
	for _, proc := range procs {
		if status, err := proc.StatusWithContext(ctx); err == nil && len(status) > 0 && status[0] == process.Sleep {
			out.Sleeping++
		}
		cpuPct, err := proc.CPUPercentWithContext(ctx)
		if err != nil {
			continue
		}
		name, _ := proc.NameWithContext(ctx)
		memPct, _ := proc.MemoryPercentWithContext(ctx)
		list = append(list, Process{
			PID:    proc.Pid,
			Name:   name,
			CPU:    round2(cpuPct),
			Memory: round2(float64(memPct)),
		})
	}
	out.List = topByCPU(list, topProcesses)
	return out
}

func topByCPU(list []Process, n int) []Process {
	sort.SliceStable(list, func(i, j int) bool { return list[i].CPU > list[j].CPU })
	if len(list) > n {
		list = list[:n]
	}
	return list
}
