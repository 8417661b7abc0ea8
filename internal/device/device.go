// Package device defines monitoring targets. Raw descriptors arrive loosely
// typed over HTTP and are parsed once into a closed set of Target variants.
package device

import (
	"fmt"
	"strings"

	"github.com/Fimeg/systemsdashboard/internal/auth"
)

// Kind is the device type tag. It also tags the metrics envelope.
type Kind string

const (
	KindHost          Kind = "host"
	KindCluster       Kind = "cluster"
	KindVM            Kind = "vm"
	KindContainer     Kind = "container"
	KindContainerHost Kind = "container-host"
)

// Localhost is the address of the machine running the service.
const Localhost = "localhost"

// Transport selects how commands reach a remote VM.
type Transport string

const (
	TransportSSH   Transport = "ssh"
	TransportWinRM Transport = "winrm"
)

var kindAliases = map[string]Kind{
	"host":           KindHost,
	"cluster":        KindCluster,
	"proxmox":        KindCluster,
	"vm":             KindVM,
	"container":      KindContainer,
	"lxc":            KindContainer,
	"container-host": KindContainerHost,
	"docker":         KindContainerHost,
}

// ParseKind maps a wire value, including legacy aliases, to a Kind.
func ParseKind(s string) (Kind, bool) {
	k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]
	return k, ok
}

// Descriptor is the loosely typed device description accepted over HTTP.
type Descriptor struct {
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name,omitempty"`
	Type        string            `json:"type" validate:"required"`
	Address     string            `json:"address,omitempty"`
	Node        string            `json:"node,omitempty"`
	Transport   string            `json:"transport,omitempty" validate:"omitempty,oneof=ssh winrm"`
	Container   string            `json:"container,omitempty"`
	Credentials *auth.Credentials `json:"credentials,omitempty"`
	Test        bool              `json:"test,omitempty"`
}

// Target is a validated monitoring target. The set of implementations is
// closed: HostTarget, ClusterTarget, VMTarget, ContainerTarget and
// ContainerHostTarget.
type Target interface {
	Kind() Kind
	target()
}

// HostTarget is a host addressed directly. An empty or "localhost" address is
// the machine running the service; any other address is probed remotely.
type HostTarget struct {
	Address string
}

// IsLocal reports whether the target is the machine running the service.
func (h HostTarget) IsLocal() bool {
	return h.Address == "" || h.Address == Localhost
}

// ClusterTarget is a cluster-management API endpoint, optionally narrowed to
// one node.
type ClusterTarget struct {
	Address     string // always carries a scheme
	Node        string
	Credentials auth.Credentials
}

// VMTarget is a remote machine reached through command execution.
type VMTarget struct {
	Address   string
	Transport Transport
}

// ContainerTarget is an LXC container probed on its host.
type ContainerTarget struct {
	Address string
	Name    string
}

// ContainerHostTarget is a machine running a container runtime.
type ContainerHostTarget struct {
	Address string
}

func (HostTarget) Kind() Kind          { return KindHost }
func (ClusterTarget) Kind() Kind       { return KindCluster }
func (VMTarget) Kind() Kind            { return KindVM }
func (ContainerTarget) Kind() Kind     { return KindContainer }
func (ContainerHostTarget) Kind() Kind { return KindContainerHost }

func (HostTarget) target()          {}
func (ClusterTarget) target()       {}
func (VMTarget) target()            {}
func (ContainerTarget) target()     {}
func (ContainerHostTarget) target() {}

// Key identifies the cached session for this target: address plus identity.
func (c ClusterTarget) Key() string {
	return c.Address + "-" + c.Credentials.Identity()
}

// String describes the target for logs.
func (c ClusterTarget) String() string {
	if c.Node == "" {
		return c.Address
	}
	return fmt.Sprintf("%s node %s", c.Address, c.Node)
}

// NormalizeAddress prefixes addr with https:// unless it already names a
// scheme.
func NormalizeAddress(addr string) string {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "https://" + addr
}
