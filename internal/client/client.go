// Package client is the consumer side of the dashboard API. It keeps device
// entries in a store, attaches their stored authorization, and decorates
// envelopes for display.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/Fimeg/systemsdashboard/internal/auth"
	"github.com/Fimeg/systemsdashboard/internal/device"
	"github.com/Fimeg/systemsdashboard/internal/errs"
	"github.com/Fimeg/systemsdashboard/internal/poller"
	"github.com/Fimeg/systemsdashboard/internal/store"
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the dashboard API on behalf of one consumer.
type Client struct {
	base    string
	http    *http.Client
	devices *store.Devices
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a client that persists device entries in devices.
func New(logger *slog.Logger, devices *store.Devices, opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		http:    hc,
		devices: devices,
		logger:  logger.With("component", "client"),
		now:     time.Now,
	}
}

// DeviceSummary is the device echoed by the server after registration.
type DeviceSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Type    string `json:"type"`
	Address string `json:"address,omitempty"`
}

// AddResult is the decoded body of a successful POST /devices.
type AddResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Device  DeviceSummary  `json:"device"`
	Metrics map[string]any `json:"metrics,omitempty"`
}

// failure covers both error bodies the server writes.
type failure struct {
	Error   string    `json:"error"`
	Message string    `json:"message"`
	Kind    errs.Kind `json:"kind"`
}

var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9]`)

// ClusterID derives the stable id of a cluster from its address.
func ClusterID(address string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(address, "https://"), "http://")
	return "cluster-" + nonAlphanumeric.ReplaceAllString(host, "-")
}

// FetchSystem reads the local host snapshot.
func (c *Client) FetchSystem(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/metrics", "", nil, &out); err != nil {
		return nil, errs.WithOp("fetch system data", err)
	}
	return out, nil
}

// FetchDevice reads metrics for a stored device. Cluster devices need stored
// authorization; an authentication failure from the server clears it.
func (c *Client) FetchDevice(ctx context.Context, id, node string) (map[string]any, error) {
	d, err := c.devices.Load(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.Validation("Device configuration not found. Please reconfigure the device.")
		}
		return nil, err
	}
	if d.Address == "" {
		return nil, errs.Validation("Device address is not configured")
	}

	header, err := c.devices.Auth(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if kind, _ := device.ParseKind(d.Type); kind == device.KindCluster && header == "" {
		return nil, errs.Authentication("Device authentication not found. Please reconfigure the device.", nil)
	}

	q := url.Values{}
	q.Set("type", d.Type)
	q.Set("address", d.Address)
	for key, v := range map[string]string{
		"node":      node,
		"name":      d.Name,
		"transport": d.Transport,
		"container": d.Container,
	} {
		if v != "" {
			q.Set(key, v)
		}
	}

	var out map[string]any
	path := "/devices/" + url.PathEscape(id) + "/metrics?" + q.Encode()
	err = c.do(ctx, http.MethodGet, path, header, nil, &out)
	if errs.Is(err, errs.KindAuthentication) && header != "" {
		if clearErr := c.devices.ClearAuth(ctx, id); clearErr != nil {
			c.logger.Warn("Failed to clear stored auth", "id", id, "error", clearErr)
		} else {
			c.logger.Info("Cleared stored auth after rejection", "id", id)
		}
	}
	if err != nil {
		return nil, errs.WithOp("fetch device metrics", err)
	}
	return out, nil
}

// AddDevice registers d with the server and stores it with its derived
// authorization.
func (c *Client) AddDevice(ctx context.Context, d device.Descriptor) (*AddResult, error) {
	if id := c.prepare(d).ID; id != "" {
		if err := store.ValidateID(id); err != nil {
			return nil, errs.WithOp("add device", err)
		}
	}
	res, header, err := c.register(ctx, d, false)
	if err != nil {
		return nil, errs.WithOp("add device", err)
	}

	stored := c.prepare(d)
	stored.ID = res.Device.ID
	if stored.Name == "" {
		stored.Name = res.Device.Name
	}
	if err := c.devices.Save(ctx, stored, header); err != nil {
		return nil, fmt.Errorf("failed to store device %s: %w", stored.ID, err)
	}
	c.logger.Info("Device added", "id", stored.ID, "type", stored.Type)
	return res, nil
}

// TestConnection asks the server to collect d once without storing it.
func (c *Client) TestConnection(ctx context.Context, d device.Descriptor) (*AddResult, error) {
	res, _, err := c.register(ctx, d, true)
	if err != nil {
		return nil, errs.WithOp("connection test", err)
	}
	return res, nil
}

// RemoveDevice forgets a stored device. The local system cannot be removed.
func (c *Client) RemoveDevice(ctx context.Context, id string) error {
	if id == poller.LocalID {
		return errs.Validation("The local system cannot be removed")
	}
	return c.devices.Remove(ctx, id)
}

// Devices lists stored devices.
func (c *Client) Devices(ctx context.Context) ([]device.Descriptor, error) {
	return c.devices.List(ctx)
}

func (c *Client) register(ctx context.Context, d device.Descriptor, test bool) (*AddResult, string, error) {
	header := ""
	if d.Credentials != nil {
		header = auth.Header(d.Credentials)
	}
	body := c.prepare(d)
	body.Credentials = nil
	body.Test = test

	var res AddResult
	if err := c.do(ctx, http.MethodPost, "/devices", header, body, &res); err != nil {
		return nil, "", err
	}
	return &res, header, nil
}

// prepare normalizes cluster addresses and assigns their stable id.
func (c *Client) prepare(d device.Descriptor) device.Descriptor {
	if kind, _ := device.ParseKind(d.Type); kind == device.KindCluster && d.Address != "" {
		d.Address = device.NormalizeAddress(d.Address)
		d.ID = ClusterID(d.Address)
	}
	return d
}

func (c *Client) do(ctx context.Context, method, path, authHeader string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Descriptor exhaustion stays distinct from an unreachable server.
		kind := errs.KindConnectivity
		if errs.Is(err, errs.KindExhausted) {
			kind = errs.KindExhausted
		}
		return &errs.Error{Kind: kind, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var f failure
		json.NewDecoder(resp.Body).Decode(&f)
		msg := f.Message
		if msg == "" {
			msg = f.Error
		}
		if msg == "" {
			msg = resp.Status
		}
		kind := errs.KindInternal
		if f.Kind != "" {
			kind = errs.ParseKind(string(f.Kind))
		}
		return errs.New(kind, msg)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
