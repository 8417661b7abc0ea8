// Package pve talks to the cluster-management API. Manager owns
// authenticated sessions; Client issues read-only calls through one of them.
package pve

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Fimeg/systemsdashboard/internal/errs"
)

const apiPrefix = "/api2/json"

// Client is an authenticated session bound to one address and identity.
// It is safe for concurrent use.
type Client struct {
	key        string
	address    string
	http       *http.Client
	authHeader string // Authorization value for token sessions
	ticket     string // PVEAuthCookie value for password sessions
}

// Key returns the session cache key.
func (c *Client) Key() string { return c.key }

// Address returns the normalized API address.
func (c *Client) Address() string { return c.address }

// Node is one entry of the node list.
type Node struct {
	Node    string  `json:"node"`
	Status  string  `json:"status,omitempty"`
	CPU     float64 `json:"cpu,omitempty"`
	MaxCPU  int     `json:"maxcpu,omitempty"`
	Mem     uint64  `json:"mem,omitempty"`
	MaxMem  uint64  `json:"maxmem,omitempty"`
	Disk    uint64  `json:"disk,omitempty"`
	MaxDisk uint64  `json:"maxdisk,omitempty"`
	Uptime  uint64  `json:"uptime,omitempty"`
}

// Guest is a VM or container entry of a node inventory.
type Guest struct {
	VMID    json.Number `json:"vmid"`
	Name    string      `json:"name,omitempty"`
	Status  string      `json:"status,omitempty"`
	CPU     float64     `json:"cpu,omitempty"`
	CPUs    float64     `json:"cpus,omitempty"`
	Mem     uint64      `json:"mem,omitempty"`
	MaxMem  uint64      `json:"maxmem,omitempty"`
	Disk    uint64      `json:"disk,omitempty"`
	MaxDisk uint64      `json:"maxdisk,omitempty"`
	NetIn   uint64      `json:"netin,omitempty"`
	NetOut  uint64      `json:"netout,omitempty"`
	Uptime  uint64      `json:"uptime,omitempty"`
}

// Nodes lists cluster nodes.
func (c *Client) Nodes(ctx context.Context) ([]Node, error) {
	var nodes []Node
	if err := c.get(ctx, "/nodes", &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// VMs lists the qemu guests on node.
func (c *Client) VMs(ctx context.Context, node string) ([]Guest, error) {
	var guests []Guest
	err := c.get(ctx, "/nodes/"+url.PathEscape(node)+"/qemu", &guests)
	return guests, err
}

// Containers lists the lxc guests on node.
func (c *Client) Containers(ctx context.Context, node string) ([]Guest, error) {
	var guests []Guest
	err := c.get(ctx, "/nodes/"+url.PathEscape(node)+"/lxc", &guests)
	return guests, err
}

// NodeStatus returns the raw status document of node.
func (c *Client) NodeStatus(ctx context.Context, node string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.get(ctx, "/nodes/"+url.PathEscape(node)+"/status", &raw)
	return raw, err
}

// NodeRRD returns the last hour of round-robin samples for node.
func (c *Client) NodeRRD(ctx context.Context, node string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.get(ctx, "/nodes/"+url.PathEscape(node)+"/rrddata?timeframe=hour", &raw)
	return raw, err
}

// Version probes the session.
func (c *Client) Version(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.get(ctx, "/version", &raw)
	return raw, err
}

// envelope is the API's response wrapper.
type envelope struct {
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.address+apiPrefix+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	c.authorize(req)
	return errs.WithOp(strings.TrimPrefix(path, "/"), c.do(req, out))
}

func (c *Client) authorize(req *http.Request) {
	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}
	if c.ticket != "" {
		req.Header.Set("Cookie", "PVEAuthCookie="+c.ticket)
	}
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if errs.KindOf(err) == errs.KindExhausted {
			return &errs.Error{Kind: errs.KindExhausted, Message: "request failed", Err: err}
		}
		return errs.Connectivity("request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return errs.Connectivity("failed to read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return statusError(resp, body)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = env.Data
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

// statusError maps a non-200 response to the taxonomy, preferring the
// message the API returned.
func statusError(resp *http.Response, body []byte) error {
	msg := remoteMessage(resp, body)
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errs.Authentication(msg, nil)
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return errs.Connectivity(msg, nil)
	default:
		return errs.New(errs.KindInternal, msg)
	}
}

func remoteMessage(resp *http.Response, body []byte) string {
	var env envelope
	if json.Unmarshal(body, &env) == nil && env.Message != "" {
		return strings.TrimSpace(env.Message)
	}
	// The API puts its reason in the status line, e.g. "401 No ticket".
	if _, reason, ok := strings.Cut(resp.Status, " "); ok && reason != "" {
		return reason
	}
	return http.StatusText(resp.StatusCode)
}
