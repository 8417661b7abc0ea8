// Package remote executes probe commands on the local machine, over SSH, or
// over WinRM, and classifies their failures.
package remote

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Fimeg/systemsdashboard/internal/device"
	"github.com/Fimeg/systemsdashboard/internal/errs"
)

// Executor runs one command on host and returns its trimmed stdout.
type Executor interface {
	Run(ctx context.Context, host, command string) (string, error)
}

// Dispatcher picks an Executor per call: localhost runs locally, the WinRM
// transport runs over WinRM, everything else runs over SSH.
type Dispatcher struct {
	local    Executor
	ssh      Executor
	winrm    Executor
	logger   *slog.Logger
	commands *prometheus.CounterVec
}

// NewDispatcher wires the three executors. winrm may be nil when no WinRM
// credentials are configured; WinRM targets then fail with a validation
// error.
func NewDispatcher(logger *slog.Logger, local, ssh, winrm Executor, commands *prometheus.CounterVec) *Dispatcher {
	return &Dispatcher{
		local:    local,
		ssh:      ssh,
		winrm:    winrm,
		logger:   logger.With("component", "remote"),
		commands: commands,
	}
}

// Run executes command on host through the executor matching transport.
func (d *Dispatcher) Run(ctx context.Context, host string, transport device.Transport, command string) (string, error) {
	name, exec := d.pick(host, transport)
	if exec == nil {
		return "", errs.Validation("No %s executor configured for %s", name, host)
	}

	out, err := exec.Run(ctx, host, command)
	outcome := "ok"
	if err != nil {
		outcome = string(errs.KindOf(err))
		d.logger.Debug("Command failed", "host", host, "transport", name, "error", err)
	}
	if d.commands != nil {
		d.commands.WithLabelValues(name, outcome).Inc()
	}
	return out, err
}

func (d *Dispatcher) pick(host string, transport device.Transport) (string, Executor) {
	switch {
	case host == "" || host == device.Localhost:
		return "local", d.local
	case transport == device.TransportWinRM:
		return "winrm", d.winrm
	default:
		return "ssh", d.ssh
	}
}
