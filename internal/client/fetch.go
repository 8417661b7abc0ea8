package client

import (
	"context"
	"maps"

	"github.com/Fimeg/systemsdashboard/internal/poller"
)

// Fetch implements poller.Fetcher. The local system returns the raw
// snapshot; device envelopes are decorated for display.
func (c *Client) Fetch(ctx context.Context, t poller.Target) (map[string]any, error) {
	if t.IsLocal() {
		return c.FetchSystem(ctx)
	}
	data, err := c.FetchDevice(ctx, t.Device.ID, t.Node)
	if err != nil {
		return nil, err
	}
	return Decorate(data, t, c.now().UnixMilli()), nil
}

// Decorate adds time and system identity to a device envelope. Cluster
// overviews (envelopes listing nodes) keep only identity fields; other
// envelopes keep their own uptime and system fields, which win over the
// identity defaults.
func Decorate(data map[string]any, t poller.Target, nowMillis int64) map[string]any {
	out := maps.Clone(data)
	if out == nil {
		out = map[string]any{}
	}

	if _, overview := data["nodes"]; overview {
		out["time"] = map[string]any{"current": nowMillis, "uptime": "N/A"}
		out["system"] = map[string]any{
			"hostname": t.Device.Name,
			"type":     t.Device.Type,
			"address":  t.Device.Address,
		}
		return out
	}

	uptime, ok := data["uptime"]
	if !ok || uptime == nil || uptime == "" {
		uptime = "N/A"
	}
	out["time"] = map[string]any{"current": nowMillis, "uptime": uptime}

	system := map[string]any{
		"hostname": t.Device.Name,
		"type":     t.Device.Type,
		"address":  t.Device.Address,
		"node":     t.Node,
	}
	if own, ok := data["system"].(map[string]any); ok {
		maps.Copy(system, own)
	}
	out["system"] = system
	return out
}
