package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/poolsight/internal/service"
)

// PoolService defines the methods that the tranched pool handler requires.
type PoolService interface {
	Pools(ctx context.Context) ([]service.TranchedPoolSnapshot, error)
	TranchedPool(ctx context.Context, address string) (service.TranchedPoolSnapshot, error)
	RefreshTranchedPool(ctx context.Context, address string) (service.TranchedPoolSnapshot, error)
}

// PoolHandler serves tranched pool endpoints.
type PoolHandler struct {
	pools  PoolService
	logger *slog.Logger
}

// NewPoolHandler creates a PoolHandler.
func NewPoolHandler(pools PoolService, logger *slog.Logger) *PoolHandler {
	return &PoolHandler{pools: pools, logger: logHandler(logger, "pool")}
}

type listPoolsResponse struct {
	Pools []service.TranchedPoolSnapshot `json:"pools"`
}

// ListPools returns every configured tranched pool.
// GET /api/pools
func (h *PoolHandler) ListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := h.pools.Pools(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to list pools", err)
		return
	}
	if pools == nil {
		pools = []service.TranchedPoolSnapshot{}
	}
	writeJSON(w, http.StatusOK, listPoolsResponse{Pools: pools})
}

// GetPool returns one tranched pool.
// GET /api/pools/{address}[?refresh=true]
func (h *PoolHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	snap, err := h.load(r, addr.Hex())
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to load pool", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type capacityResponse struct {
	Address           string          `json:"address"`
	MaxCapacity       decimal.Decimal `json:"maxCapacity"`
	RemainingCapacity decimal.Decimal `json:"remainingCapacity"`
}

// GetCapacity returns how much more the pool can accept up to max.
// GET /api/pools/{address}/capacity?max=X
func (h *PoolHandler) GetCapacity(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	raw := r.URL.Query().Get("max")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "max query parameter required")
		return
	}
	maxCapacity, err := decimal.NewFromString(raw)
	if err != nil || maxCapacity.IsNegative() {
		writeError(w, http.StatusBadRequest, "invalid max "+raw)
		return
	}

	snap, err := h.load(r, addr.Hex())
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to load pool", err)
		return
	}
	writeJSON(w, http.StatusOK, capacityResponse{
		Address:           addr.Hex(),
		MaxCapacity:       maxCapacity,
		RemainingCapacity: snap.RemainingCapacity(maxCapacity),
	})
}

func (h *PoolHandler) load(r *http.Request, address string) (service.TranchedPoolSnapshot, error) {
	return latest(r.Context(), wantsRefresh(r),
		func(ctx context.Context) (service.TranchedPoolSnapshot, error) {
			return h.pools.RefreshTranchedPool(ctx, address)
		},
		func(ctx context.Context) (service.TranchedPoolSnapshot, error) {
			return h.pools.TranchedPool(ctx, address)
		},
	)
}
