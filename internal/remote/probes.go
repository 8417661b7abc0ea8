package remote

import (
	"fmt"

	"github.com/Fimeg/systemsdashboard/internal/device"
)

// Probe names one of the four VM measurements.
type Probe string

const (
	ProbeCPU     Probe = "cpu"
	ProbeMemory  Probe = "memory"
	ProbeDisk    Probe = "disk"
	ProbeNetwork Probe = "network"
)

// Probes lists the VM probes in envelope order.
var Probes = []Probe{ProbeCPU, ProbeMemory, ProbeDisk, ProbeNetwork}

var posixProbes = map[Probe]string{
	ProbeCPU:     "top -bn1 | grep 'Cpu(s)'",
	ProbeMemory:  "free -m",
	ProbeDisk:    "df -h",
	ProbeNetwork: "netstat -i",
}

var powershellProbes = map[Probe]string{
	ProbeCPU:     "Get-CimInstance Win32_Processor | Measure-Object -Property LoadPercentage -Average | Select-Object -ExpandProperty Average",
	ProbeMemory:  "Get-CimInstance Win32_OperatingSystem | Select-Object TotalVisibleMemorySize,FreePhysicalMemory | ConvertTo-Json",
	ProbeDisk:    "Get-CimInstance Win32_LogicalDisk -Filter 'DriveType=3' | Select-Object DeviceID,Size,FreeSpace | ConvertTo-Json",
	ProbeNetwork: "Get-NetAdapterStatistics | Select-Object Name,ReceivedBytes,SentBytes | ConvertTo-Json",
}

// ProbeCommand returns the command measuring p over transport.
func ProbeCommand(transport device.Transport, p Probe) string {
	if transport == device.TransportWinRM {
		return powershellProbes[p]
	}
	return posixProbes[p]
}

// LXCInfoCommand returns the combined state, stats and pid query for a
// container.
func LXCInfoCommand(name string) string {
	q := shellQuote(name)
	return fmt.Sprintf("lxc-info -n %s -s && lxc-info -n %s -S && lxc-info -n %s -p", q, q, q)
}

const (
	DockerPSCommand    = `docker ps -a --format "{{json .}}"`
	DockerStatsCommand = `docker stats --no-stream --format "{{json .}}"`
)

// shellQuote single-quotes s for POSIX shells.
func shellQuote(s string) string {
	out := []byte{'\''}
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, `'\''`...)
			continue
		}
		out = append(out, s[i])
	}
	return string(append(out, '\''))
}
