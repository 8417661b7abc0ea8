package client

import (
	"context"
	"errors"
	"io"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/Fimeg/systemsdashboard/internal/api"
	"github.com/Fimeg/systemsdashboard/internal/auth"
	"github.com/Fimeg/systemsdashboard/internal/collector"
	"github.com/Fimeg/systemsdashboard/internal/device"
	"github.com/Fimeg/systemsdashboard/internal/errs"
	"github.com/Fimeg/systemsdashboard/internal/hoststats"
	"github.com/Fimeg/systemsdashboard/internal/poller"
	"github.com/Fimeg/systemsdashboard/internal/store"
)

// fakeCollector answers by device type and records descriptors.
type fakeCollector struct {
	mu   sync.Mutex
	seen []device.Descriptor
	err  error
}

func (f *fakeCollector) Collect(_ context.Context, d *device.Descriptor) (collector.Envelope, error) {
	f.mu.Lock()
	f.seen = append(f.seen, *d)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	kind, _ := device.ParseKind(d.Type)
	switch {
	case kind == device.KindCluster && d.Node == "":
		return &collector.ClusterOverview{Type: kind, Nodes: nil, Resources: []collector.NodeResources{}}, nil
	case kind == device.KindVM:
		return &collector.ProbeOutput{Type: kind, CPU: "7.5"}, nil
	default:
		return &collector.ContainerHostInfo{Type: kind}, nil
	}
}

func (f *fakeCollector) last() device.Descriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[len(f.seen)-1]
}

func (f *fakeCollector) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakeSnapshots struct{}

func (fakeSnapshots) Snapshot(context.Context) (*hoststats.Snapshot, error) {
	return &hoststats.Snapshot{Time: hoststats.TimeInfo{Current: 42, Uptime: "3h 4m"}}, nil
}

func setup(t *testing.T) (*Client, *fakeCollector, *store.Devices) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fc := &fakeCollector{}
	srv := httptest.NewServer(api.NewRouter(api.Dependencies{
		Collector:   fc,
		Snapshots:   fakeSnapshots{},
		SnapshotTTL: time.Second,
		Logger:      logger,
	}))
	t.Cleanup(srv.Close)

	devices := store.NewDevices(store.NewMemory())
	c := New(logger, devices, Options{BaseURL: srv.URL + "/", Timeout: 5 * time.Second})
	return c, fc, devices
}

func TestClusterID(t *testing.T) {
	tests := map[string]string{
		"https://pve.lan:8006": "cluster-pve-lan-8006",
		"http://10.0.0.2":      "cluster-10-0-0-2",
		"pve":                  "cluster-pve",
	}
	for in, want := range tests {
		if got := ClusterID(in); got != want {
			t.Errorf("ClusterID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAddClusterStoresDeviceAndAuth(t *testing.T) {
	c, fc, devices := setup(t)
	ctx := context.Background()

	creds := &auth.Credentials{Username: "alice", Password: "secret"}
	res, err := c.AddDevice(ctx, device.Descriptor{Name: "pve", Type: "cluster", Address: "pve.lan:8006", Credentials: creds})
	if err != nil {
		t.Fatal(err)
	}
	if res.Device.ID != "cluster-pve-lan-8006" || res.Metrics == nil {
		t.Errorf("unexpected add result %+v", res)
	}

	sent := fc.last()
	if sent.Address != "https://pve.lan:8006" || sent.Credentials == nil || sent.Credentials.Username != "alice" {
		t.Errorf("unexpected descriptor at server %+v", sent)
	}

	stored, err := devices.Load(ctx, "cluster-pve-lan-8006")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Credentials != nil || stored.Name != "pve" {
		t.Errorf("unexpected stored descriptor %+v", stored)
	}
	header, err := devices.Auth(ctx, "cluster-pve-lan-8006")
	if err != nil || header != auth.Header(creds) {
		t.Errorf("expected stored header, got %q, %v", header, err)
	}
}

func TestAddDeviceUsesServerID(t *testing.T) {
	c, _, devices := setup(t)
	ctx := context.Background()

	res, err := c.AddDevice(ctx, device.Descriptor{Type: "vm", Address: "10.0.0.5"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := devices.Load(ctx, res.Device.ID); err != nil {
		t.Errorf("expected device stored under server id %q: %v", res.Device.ID, err)
	}
	if _, err := devices.Auth(ctx, res.Device.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected no auth entry without credentials, got %v", err)
	}
}

func TestTestConnectionDoesNotStore(t *testing.T) {
	c, fc, devices := setup(t)
	ctx := context.Background()

	res, err := c.TestConnection(ctx, device.Descriptor{ID: "vm-9", Type: "vm", Address: "10.0.0.9"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Message != "Device connection successful" || res.Metrics != nil {
		t.Errorf("unexpected test result %+v", res)
	}
	if !fc.last().Test {
		t.Error("expected test flag sent to server")
	}
	if list, _ := devices.List(ctx); len(list) != 0 {
		t.Errorf("test connection must not store, got %+v", list)
	}
}

func TestAddDeviceFailureKind(t *testing.T) {
	c, fc, _ := setup(t)
	fc.fail(errs.Authentication("invalid credentials or server unreachable", nil))

	_, err := c.AddDevice(context.Background(), device.Descriptor{Type: "cluster", Address: "pve.lan", Credentials: &auth.Credentials{Username: "alice", Password: "wrong"}})
	if !errs.Is(err, errs.KindAuthentication) {
		t.Errorf("expected authentication error, got %v", err)
	}
}

func TestFetchDeviceClearsAuthOnRejection(t *testing.T) {
	c, fc, devices := setup(t)
	ctx := context.Background()

	desc := device.Descriptor{ID: "cluster-pve", Type: "cluster", Address: "https://pve"}
	if err := devices.Save(ctx, desc, "PVEAPIToken=monitor@pve!dash=old"); err != nil {
		t.Fatal(err)
	}

	if _, err := c.FetchDevice(ctx, "cluster-pve", ""); err != nil {
		t.Fatal(err)
	}
	if sent := fc.last(); sent.Credentials == nil || sent.Credentials.TokenSecret != "old" {
		t.Errorf("expected stored header forwarded, got %+v", sent.Credentials)
	}

	fc.fail(errs.Authentication("invalid credentials or server unreachable", nil))
	_, err := c.FetchDevice(ctx, "cluster-pve", "pve1")
	if !errs.Is(err, errs.KindAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if _, err := devices.Auth(ctx, "cluster-pve"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected auth cleared, got %v", err)
	}

	_, err = c.FetchDevice(ctx, "cluster-pve", "pve1")
	if !errs.Is(err, errs.KindAuthentication) {
		t.Errorf("expected missing auth to fail locally, got %v", err)
	}
}

func TestFetchDeviceConnectivityKeepsAuth(t *testing.T) {
	c, fc, devices := setup(t)
	ctx := context.Background()
	devices.Save(ctx, device.Descriptor{ID: "cluster-pve", Type: "cluster", Address: "https://pve"}, "PVEAPIToken=a=b")

	fc.fail(errs.Connectivity("request failed", context.DeadlineExceeded))
	if _, err := c.FetchDevice(ctx, "cluster-pve", ""); !errs.Is(err, errs.KindConnectivity) {
		t.Errorf("expected connectivity error, got %v", err)
	}
	if _, err := devices.Auth(ctx, "cluster-pve"); err != nil {
		t.Errorf("auth must survive connectivity failures, got %v", err)
	}
}

func TestFetchUnknownDevice(t *testing.T) {
	c, _, _ := setup(t)
	_, err := c.FetchDevice(context.Background(), "ghost", "")
	if !errs.Is(err, errs.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestFetchDecorates(t *testing.T) {
	c, _, devices := setup(t)
	ctx := context.Background()
	c.now = func() time.Time { return time.UnixMilli(1000) }
	devices.Save(ctx, device.Descriptor{ID: "vm-1", Name: "build", Type: "vm", Address: "10.0.0.5"}, "")

	data, err := c.Fetch(ctx, poller.Target{Device: device.Descriptor{ID: "vm-1", Name: "build", Type: "vm", Address: "10.0.0.5"}})
	if err != nil {
		t.Fatal(err)
	}
	if data["cpu"] != "7.5" {
		t.Errorf("envelope fields lost: %v", data)
	}
	tm := data["time"].(map[string]any)
	if tm["uptime"] != "N/A" || tm["current"] != int64(1000) {
		t.Errorf("unexpected time %v", tm)
	}
	sys := data["system"].(map[string]any)
	if sys["hostname"] != "build" || sys["type"] != "vm" || sys["address"] != "10.0.0.5" {
		t.Errorf("unexpected system %v", sys)
	}

	local, err := c.Fetch(ctx, poller.Local())
	if err != nil {
		t.Fatal(err)
	}
	if local["time"].(map[string]any)["uptime"] != "3h 4m" {
		t.Errorf("local snapshot should pass through undecorated, got %v", local["time"])
	}
}

func TestDecorateOverview(t *testing.T) {
	target := poller.Target{Device: device.Descriptor{Name: "pve", Type: "cluster", Address: "https://pve"}}
	out := Decorate(map[string]any{"type": "cluster", "nodes": []any{}, "system": map[string]any{"hostname": "x"}}, target, 5)

	sys := out["system"].(map[string]any)
	if sys["hostname"] != "pve" {
		t.Errorf("overview identity should come from the device, got %v", sys)
	}
	if _, ok := sys["node"]; ok {
		t.Error("overview system must not carry a node")
	}
}

func TestDecorateKeepsOwnSystemFields(t *testing.T) {
	target := poller.Target{Device: device.Descriptor{Name: "box", Type: "host", Address: "10.0.0.1"}, Node: ""}
	in := map[string]any{"uptime": "5h 0m", "system": map[string]any{"hostname": "real-name", "arch": "x64"}}
	out := Decorate(in, target, 5)

	if out["time"].(map[string]any)["uptime"] != "5h 0m" {
		t.Error("expected envelope uptime kept")
	}
	sys := out["system"].(map[string]any)
	if sys["hostname"] != "real-name" || sys["arch"] != "x64" || sys["address"] != "10.0.0.1" {
		t.Errorf("unexpected merged system %v", sys)
	}
	if _, mutated := in["time"]; mutated {
		t.Error("input envelope must not be modified")
	}
}

func TestRemoveDevice(t *testing.T) {
	c, _, devices := setup(t)
	ctx := context.Background()
	devices.Save(ctx, device.Descriptor{ID: "vm-1", Type: "vm", Address: "10.0.0.5"}, "Basic abc")

	if err := c.RemoveDevice(ctx, poller.LocalID); !errs.Is(err, errs.KindValidation) {
		t.Errorf("expected local removal refused, got %v", err)
	}
	if err := c.RemoveDevice(ctx, "vm-1"); err != nil {
		t.Fatal(err)
	}
	if list, _ := c.Devices(ctx); len(list) != 0 {
		t.Errorf("expected no devices, got %+v", list)
	}
}

func TestAddDeviceRejectsReservedID(t *testing.T) {
	c, fc, _ := setup(t)
	_, err := c.AddDevice(context.Background(), device.Descriptor{ID: "nas_auth", Type: "host", Address: "10.0.0.9"})
	if !errs.Is(err, errs.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.seen) != 0 {
		t.Error("reserved id must be rejected before contacting the server")
	}
}

type failingTransport struct{ err error }

func (f failingTransport) RoundTrip(*http.Request) (*http.Response, error) { return nil, f.err }

func TestTransportErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errs.Kind
	}{
		{"descriptor exhaustion", fmt.Errorf("dial tcp: socket: %w", syscall.EMFILE), errs.KindExhausted},
		{"connection refused", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), errs.KindConnectivity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			c := New(logger, store.NewDevices(store.NewMemory()), Options{
				BaseURL:    "http://dashboard.invalid",
				HTTPClient: &http.Client{Transport: failingTransport{err: tt.err}},
			})
			_, err := c.FetchSystem(context.Background())
			if got := errs.KindOf(err); got != tt.want {
				t.Errorf("expected %q, got %q (%v)", tt.want, got, err)
			}
		})
	}
}
