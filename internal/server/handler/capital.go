package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/poolsight/internal/service"
)

// CapitalProviderService defines the methods that the capital provider
// handler requires.
type CapitalProviderService interface {
	CapitalProvider(ctx context.Context, address string) (service.CapitalProviderSnapshot, error)
	RefreshCapitalProvider(ctx context.Context, address string) (service.CapitalProviderSnapshot, error)
}

// CapitalProviderHandler serves lender positions.
type CapitalProviderHandler struct {
	providers CapitalProviderService
	logger    *slog.Logger
}

// NewCapitalProviderHandler creates a CapitalProviderHandler.
func NewCapitalProviderHandler(providers CapitalProviderService, logger *slog.Logger) *CapitalProviderHandler {
	return &CapitalProviderHandler{providers: providers, logger: logHandler(logger, "capital_provider")}
}

// GetCapitalProvider returns a lender's senior pool position and history.
// GET /api/capital-providers/{address}[?refresh=true]
func (h *CapitalProviderHandler) GetCapitalProvider(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	address := addr.Hex()
	snap, err := latest(r.Context(), wantsRefresh(r),
		func(ctx context.Context) (service.CapitalProviderSnapshot, error) {
			return h.providers.RefreshCapitalProvider(ctx, address)
		},
		func(ctx context.Context) (service.CapitalProviderSnapshot, error) {
			return h.providers.CapitalProvider(ctx, address)
		},
	)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to load capital provider", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
