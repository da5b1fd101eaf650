package handler

import (
	"net/http"
	"time"
)

// StatusInfo is what the status endpoint reports about the running process.
type StatusInfo interface {
	ChainID() uint64
	LastRefresh() time.Time
}

// StatusHandler serves the backend status (mode, network, refresh progress).
type StatusHandler struct {
	Mode          string
	StartedAt     time.Time
	TrackedPools  int
	RefreshPeriod time.Duration
	info          StatusInfo
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, trackedPools int, refreshPeriod time.Duration, info StatusInfo) *StatusHandler {
	return &StatusHandler{
		Mode:          mode,
		StartedAt:     time.Now().UTC(),
		TrackedPools:  trackedPools,
		RefreshPeriod: refreshPeriod,
		info:          info,
	}
}

// GetStatus responds with the current mode, chain and last refresh time.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	var last any
	if t := h.info.LastRefresh(); !t.IsZero() {
		last = t.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":             h.Mode,
		"chain_id":         h.info.ChainID(),
		"tracked_pools":    h.TrackedPools,
		"refresh_interval": h.RefreshPeriod.String(),
		"last_refresh":     last,
		"uptime_seconds":   int64(time.Since(h.StartedAt).Seconds()),
	})
}
