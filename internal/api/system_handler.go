package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Fimeg/systemsdashboard/internal/cache"
	"github.com/Fimeg/systemsdashboard/internal/errs"
)

const snapshotKey = "local"

// SystemHandler serves the local host snapshot
type SystemHandler struct {
	snapshots Snapshotter
	cache     *cache.TTL[[]byte]
	logger    *slog.Logger
}

// NewSystemHandler creates a new system handler. The encoded snapshot is
// cached, so reads inside the TTL return identical bytes.
func NewSystemHandler(s Snapshotter, c *cache.TTL[[]byte], logger *slog.Logger) *SystemHandler {
	return &SystemHandler{
		snapshots: s,
		cache:     c,
		logger:    logger.With("component", "system_handler"),
	}
}

// Metrics handles GET /metrics
func (h *SystemHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	entry, err := h.cache.GetOrCompute(r.Context(), snapshotKey, h.encode)
	if err != nil {
		h.logger.Error("Failed to collect system metrics", "error", err)
		sendJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: "Failed to fetch system metrics",
			Kind:  errs.KindOf(err),
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(entry.Value)
}

func (h *SystemHandler) encode(ctx context.Context) ([]byte, error) {
	snap, err := h.snapshots.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(snap)
}
