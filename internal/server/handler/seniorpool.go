package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/poolsight/internal/ledger"
	"github.com/alanyoungcy/poolsight/internal/service"
)

// SeniorPoolService defines the methods that the senior pool handler requires.
type SeniorPoolService interface {
	SeniorPool(ctx context.Context) (service.SeniorPoolSnapshot, error)
	RefreshSeniorPool(ctx context.Context) (service.SeniorPoolSnapshot, error)
}

// SeniorPoolHandler serves the pool-wide senior pool view.
type SeniorPoolHandler struct {
	pool   SeniorPoolService
	logger *slog.Logger
}

// NewSeniorPoolHandler creates a SeniorPoolHandler.
func NewSeniorPoolHandler(pool SeniorPoolService, logger *slog.Logger) *SeniorPoolHandler {
	return &SeniorPoolHandler{pool: pool, logger: logHandler(logger, "senior_pool")}
}

// GetSeniorPool returns the latest senior pool snapshot.
// GET /api/senior-pool[?refresh=true]
func (h *SeniorPoolHandler) GetSeniorPool(w http.ResponseWriter, r *http.Request) {
	snap, err := latest(r.Context(), wantsRefresh(r), h.pool.RefreshSeniorPool, h.pool.SeniorPool)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to load senior pool", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type poolBalanceResponse struct {
	Cutoff  string `json:"cutoff"`
	Value   uint64 `json:"value"`
	Balance string `json:"balance"`
}

// GetBalance reconstructs the pool's net deposits strictly before a block
// or a unix timestamp.
// GET /api/senior-pool/balance?block=N | ?time=T
func (h *SeniorPoolHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		cutoff ledger.Cutoff
		unit   string
		raw    string
	)
	switch {
	case q.Get("block") != "" && q.Get("time") != "":
		writeError(w, http.StatusBadRequest, "pass either block or time, not both")
		return
	case q.Get("block") != "":
		unit, raw = "block", q.Get("block")
	case q.Get("time") != "":
		unit, raw = "time", q.Get("time")
	default:
		writeError(w, http.StatusBadRequest, "block or time query parameter required")
		return
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+unit+" "+raw)
		return
	}
	if unit == "block" {
		cutoff = ledger.BeforeBlock(n)
	} else {
		cutoff = ledger.BeforeTime(n)
	}

	snap, err := h.pool.SeniorPool(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to load senior pool", err)
		return
	}
	writeJSON(w, http.StatusOK, poolBalanceResponse{
		Cutoff:  unit,
		Value:   n,
		Balance: snap.PoolBalanceAsOf(cutoff).String(),
	})
}
