package poller

import (
	"context"
	"time"

	"github.com/Fimeg/systemsdashboard/internal/device"
)

// LocalID is the device id of the machine running the service.
const LocalID = "local"

// Target is the device being watched, plus the cluster node when one is
// selected.
type Target struct {
	Device device.Descriptor
	Node   string
}

// Local returns the target for the local system.
func Local() Target {
	return Target{Device: device.Descriptor{
		ID:      LocalID,
		Name:    "Local System",
		Type:    string(device.KindHost),
		Address: device.Localhost,
	}}
}

// IsZero reports whether no target has been selected.
func (t Target) IsZero() bool {
	return t.Device.ID == "" && t.Device.Type == ""
}

// IsLocal reports whether t is the local system.
func (t Target) IsLocal() bool {
	return t.Device.ID == LocalID
}

// AwaitsNode reports whether t is a cluster without a selected node.
func (t Target) AwaitsNode() bool {
	kind, _ := device.ParseKind(t.Device.Type)
	return kind == device.KindCluster && t.Node == ""
}

// Fetcher retrieves one decorated envelope for a target.
type Fetcher interface {
	Fetch(ctx context.Context, t Target) (map[string]any, error)
}

// Placeholder is the identity-only envelope shown for a cluster until a node
// is selected.
func Placeholder(t Target, now time.Time) map[string]any {
	return map[string]any{
		"type": string(device.KindCluster),
		"time": map[string]any{
			"current": now.UnixMilli(),
			"uptime":  "N/A",
		},
		"system": map[string]any{
			"hostname": t.Device.Name,
			"type":     t.Device.Type,
			"address":  t.Device.Address,
		},
	}
}
