package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Fimeg/systemsdashboard/internal/auth"
	"github.com/Fimeg/systemsdashboard/internal/collector"
	"github.com/Fimeg/systemsdashboard/internal/device"
	"github.com/Fimeg/systemsdashboard/internal/errs"
)

// DeviceHandler handles device registration and per-device metrics
type DeviceHandler struct {
	collector Collector
	now       func() time.Time
	logger    *slog.Logger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(c Collector, now func() time.Time, logger *slog.Logger) *DeviceHandler {
	return &DeviceHandler{
		collector: c,
		now:       now,
		logger:    logger.With("component", "device_handler"),
	}
}

// DeviceSummary is the device echoed back after registration.
type DeviceSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Type    string `json:"type"`
	Address string `json:"address,omitempty"`
}

// AddResponse is the body of POST /devices.
type AddResponse struct {
	Success bool               `json:"success"`
	Message string             `json:"message"`
	Kind    errs.Kind          `json:"kind,omitempty"`
	Device  *DeviceSummary     `json:"device,omitempty"`
	Metrics collector.Envelope `json:"metrics,omitempty"`
}

// Add handles POST /devices. The descriptor is collected once; with test set
// the metrics are dropped from the response.
func (h *DeviceHandler) Add(w http.ResponseWriter, r *http.Request) {
	d, err := decodeJSON[device.Descriptor](r)
	if err != nil {
		h.reject(w, err)
		return
	}
	if creds := auth.Extract(r.Header.Get("Authorization")); creds != nil {
		d.Credentials = creds
	}

	env, err := h.collector.Collect(r.Context(), &d)
	if err != nil {
		h.logger.Warn("Device connection failed", "type", d.Type, "address", d.Address, "error", err)
		h.reject(w, err)
		return
	}

	resp := AddResponse{
		Success: true,
		Message: "Device added successfully",
		Device:  h.summary(&d),
		Metrics: env,
	}
	if d.Test {
		resp.Message = "Device connection successful"
		resp.Metrics = nil
	}
	sendJSON(w, http.StatusOK, resp)
}

// Metrics handles GET /devices/{id}/metrics. The descriptor is rebuilt from
// query parameters and the Authorization header.
func (h *DeviceHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	d := device.Descriptor{
		ID:        chi.URLParam(r, "id"),
		Type:      q.Get("type"),
		Address:   q.Get("address"),
		Node:      q.Get("node"),
		Name:      q.Get("name"),
		Transport: q.Get("transport"),
		Container: q.Get("container"),
	}

	d.Credentials = auth.Extract(r.Header.Get("Authorization"))
	if kind, _ := device.ParseKind(d.Type); kind == device.KindCluster && d.Credentials == nil {
		sendError(w, http.StatusInternalServerError, errs.Authentication("Authentication required for cluster devices", nil))
		return
	}

	env, err := h.collector.Collect(r.Context(), &d)
	if err != nil {
		h.logger.Warn("Device metrics failed", "id", d.ID, "type", d.Type, "error", err)
		sendError(w, http.StatusInternalServerError, err)
		return
	}
	sendJSON(w, http.StatusOK, env)
}

func (h *DeviceHandler) reject(w http.ResponseWriter, err error) {
	sendJSON(w, http.StatusBadRequest, AddResponse{
		Success: false,
		Message: err.Error(),
		Kind:    errs.KindOf(err),
	})
}

// summary echoes d with a generated id and the canonical type name
func (h *DeviceHandler) summary(d *device.Descriptor) *DeviceSummary {
	kind, ok := device.ParseKind(d.Type)
	typ := d.Type
	if ok {
		typ = string(kind)
	}
	id := d.ID
	if id == "" {
		id = fmt.Sprintf("%s-%d", typ, h.now().UnixMilli())
	}
	return &DeviceSummary{ID: id, Name: d.Name, Type: typ, Address: d.Address}
}
