package collector

import (
	"encoding/json"

	"github.com/Fimeg/systemsdashboard/internal/device"
	"github.com/Fimeg/systemsdashboard/internal/hoststats"
	"github.com/Fimeg/systemsdashboard/internal/pve"
)

// Envelope is a normalized, type-tagged metrics result. Envelopes are not
// modified after Collect returns them.
type Envelope interface {
	Kind() device.Kind
}

// ClusterOverview is returned for a cluster target without a node.
type ClusterOverview struct {
	Type      device.Kind     `json:"type"`
	Nodes     []pve.Node      `json:"nodes"`
	Resources []NodeResources `json:"resources"`
}

// NodeResources is one node's inventory. A failed node keeps empty
// inventories and reports the failure in Error.
type NodeResources struct {
	Node       string      `json:"node"`
	VMs        []pve.Guest `json:"vms"`
	Containers []pve.Guest `json:"containers"`
	Error      string      `json:"error,omitempty"`
}

// ClusterNode is returned for a cluster target narrowed to one node.
type ClusterNode struct {
	Type       device.Kind     `json:"type"`
	Node       string          `json:"node"`
	Status     json.RawMessage `json:"status"`
	RRDData    json.RawMessage `json:"rrddata"`
	VMs        []pve.Guest     `json:"vms"`
	Containers []pve.Guest     `json:"containers"`
}

// ProbeOutput carries the raw text of the four probes run on a VM or remote
// host.
type ProbeOutput struct {
	Type    device.Kind `json:"type"`
	CPU     string      `json:"cpu"`
	Memory  string      `json:"memory"`
	Disk    string      `json:"disk"`
	Network string      `json:"network"`
}

// ContainerInfo is the parsed key/value output of the LXC probe.
type ContainerInfo struct {
	Type device.Kind       `json:"type"`
	Name string            `json:"name"`
	Info map[string]string `json:"info"`
}

// ContainerHostInfo lists containers and their stats, one JSON object per
// runtime output line.
type ContainerHostInfo struct {
	Type       device.Kind       `json:"type"`
	Containers []json.RawMessage `json:"containers"`
	Stats      []json.RawMessage `json:"stats"`
}

// HostInfo is structured telemetry for the local host.
type HostInfo struct {
	Type device.Kind `json:"type"`
	hoststats.Basic
}

func (e *ClusterOverview) Kind() device.Kind   { return e.Type }
func (e *ClusterNode) Kind() device.Kind       { return e.Type }
func (e *ProbeOutput) Kind() device.Kind       { return e.Type }
func (e *ContainerInfo) Kind() device.Kind     { return e.Type }
func (e *ContainerHostInfo) Kind() device.Kind { return e.Type }
func (e *HostInfo) Kind() device.Kind          { return e.Type }
