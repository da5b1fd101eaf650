package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/poolsight/internal/ledger"
	"github.com/alanyoungcy/poolsight/internal/service"
)

// BorrowerService defines the methods that the borrower handler requires.
type BorrowerService interface {
	Borrower(ctx context.Context, address string) (service.BorrowerSnapshot, error)
	RefreshBorrower(ctx context.Context, address string) (service.BorrowerSnapshot, error)
	Decimals(ctx context.Context) (ledger.Decimals, error)
}

// BorrowerHandler serves borrower credit line endpoints.
type BorrowerHandler struct {
	borrowers BorrowerService
	logger    *slog.Logger
}

// NewBorrowerHandler creates a BorrowerHandler.
func NewBorrowerHandler(borrowers BorrowerService, logger *slog.Logger) *BorrowerHandler {
	return &BorrowerHandler{borrowers: borrowers, logger: logHandler(logger, "borrower")}
}

// GetCreditLines returns the borrower's credit lines and activity.
// GET /api/borrowers/{address}/credit-lines[?refresh=true]
func (h *BorrowerHandler) GetCreditLines(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	snap, err := h.load(r, addr.Hex())
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to load credit lines", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type splitPaymentRequest struct {
	Amount string `json:"amount"`
}

type splitPaymentResponse struct {
	Addresses []string          `json:"addresses"`
	Amounts   []decimal.Decimal `json:"amounts"`
	// AtomicAmounts are the amounts in the payment token's smallest unit.
	AtomicAmounts []string        `json:"atomicAmounts"`
	Total         decimal.Decimal `json:"total"`
}

// SplitPayment allocates a payment across the borrower's credit lines,
// earliest due first. Nothing is submitted on chain.
// POST /api/borrowers/{address}/split-payment
func (h *BorrowerHandler) SplitPayment(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	var req splitPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.IsNegative() {
		writeError(w, http.StatusBadRequest, "amount must be a non-negative decimal")
		return
	}

	snap, err := h.load(r, addr.Hex())
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to load credit lines", err)
		return
	}
	dec, err := h.borrowers.Decimals(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to read token decimals", err)
		return
	}

	split := snap.CreditLines.SplitPayment(amount)
	atomic := split.AtomicAmounts(dec.Amount)
	resp := splitPaymentResponse{
		Addresses:     split.Addresses,
		Amounts:       split.Amounts,
		AtomicAmounts: make([]string, len(atomic)),
		Total:         split.Total(),
	}
	for i, a := range atomic {
		resp.AtomicAmounts[i] = a.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *BorrowerHandler) load(r *http.Request, address string) (service.BorrowerSnapshot, error) {
	return latest(r.Context(), wantsRefresh(r),
		func(ctx context.Context) (service.BorrowerSnapshot, error) {
			return h.borrowers.RefreshBorrower(ctx, address)
		},
		func(ctx context.Context) (service.BorrowerSnapshot, error) {
			return h.borrowers.Borrower(ctx, address)
		},
	)
}
