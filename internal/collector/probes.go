package collector

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Fimeg/systemsdashboard/internal/device"
	"github.com/Fimeg/systemsdashboard/internal/errs"
	"github.com/Fimeg/systemsdashboard/internal/remote"
)

// probes runs the cpu, memory, disk and network probes concurrently and
// returns their raw output tagged with kind.
func (r *Router) probes(ctx context.Context, kind device.Kind, host string, transport device.Transport) (Envelope, error) {
	results := make([]string, len(remote.Probes))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range remote.Probes {
		g.Go(func() error {
			out, err := r.runner.Run(gctx, host, transport, remote.ProbeCommand(transport, p))
			if err != nil {
				return errs.WithOp(fmt.Sprintf("%s %s probe", host, p), err)
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &ProbeOutput{
		Type:    kind,
		CPU:     results[0],
		Memory:  results[1],
		Disk:    results[2],
		Network: results[3],
	}, nil
}

func (r *Router) container(ctx context.Context, t device.ContainerTarget) (Envelope, error) {
	out, err := r.runner.Run(ctx, t.Address, device.TransportSSH, remote.LXCInfoCommand(t.Name))
	if err != nil {
		return nil, errs.WithOp("container "+t.Name, err)
	}
	return &ContainerInfo{Type: device.KindContainer, Name: t.Name, Info: ParseKeyValues(out)}, nil
}

func (r *Router) containerHost(ctx context.Context, t device.ContainerHostTarget) (Envelope, error) {
	var ps, stats string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		ps, err = r.runner.Run(gctx, t.Address, device.TransportSSH, remote.DockerPSCommand)
		return errs.WithOp(t.Address+" docker ps", err)
	})
	g.Go(func() (err error) {
		stats, err = r.runner.Run(gctx, t.Address, device.TransportSSH, remote.DockerStatsCommand)
		return errs.WithOp(t.Address+" docker stats", err)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	containers, err := ParseJSONLines(ps)
	if err != nil {
		return nil, errs.WithOp(t.Address+" docker ps", err)
	}
	statLines, err := ParseJSONLines(stats)
	if err != nil {
		return nil, errs.WithOp(t.Address+" docker stats", err)
	}
	return &ContainerHostInfo{Type: device.KindContainerHost, Containers: containers, Stats: statLines}, nil
}

// ParseKeyValues parses "Key: value" lines. Lines without a colon are
// skipped and a repeated key keeps its first value.
func ParseKeyValues(s string) map[string]string {
	out := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, seen := out[key]; !seen {
			out[key] = strings.TrimSpace(value)
		}
	}
	return out
}

// ParseJSONLines parses one JSON document per non-blank line. Blank output
// yields an empty list; any invalid line fails the whole parse.
func ParseJSONLines(s string) ([]json.RawMessage, error) {
	out := []json.RawMessage{}
	for i, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !json.Valid([]byte(line)) {
			return nil, &errs.Error{
				Kind:    errs.KindInternal,
				Message: fmt.Sprintf("line %d is not valid JSON: %.80q", i+1, line),
			}
		}
		out = append(out, json.RawMessage(line))
	}
	return out, nil
}
