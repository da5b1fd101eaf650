package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/poolsight/internal/domain"
	"github.com/alanyoungcy/poolsight/internal/service"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps a tracker error to a response and logs it.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, msg string, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}

	attrs := []any{slog.String("error", err.Error())}
	var ce *domain.ComputeError
	if errors.As(err, &ce) {
		attrs = append(attrs,
			slog.String("entity", ce.Entity),
			slog.String("address", ce.Address),
			slog.String("op", ce.Op),
		)
	}
	logger.ErrorContext(r.Context(), "handler: "+msg, attrs...)
	writeError(w, status, msg)
}

// addressParam reads the {address} path value. It writes a 400 and returns
// false when the value is not a non-zero hex address.
func addressParam(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := r.PathValue("address")
	addr, ok := service.ParseAddress(raw)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address "+raw)
		return common.Address{}, false
	}
	return addr, true
}

// wantsRefresh reports whether the caller asked for a recomputation instead
// of the last applied snapshot.
func wantsRefresh(r *http.Request) bool {
	v := r.URL.Query().Get("refresh")
	return v == "1" || v == "true"
}

// latest returns a fresh snapshot when requested, falling back to the last
// applied one if a newer refresh superseded this request.
func latest[T any](ctx context.Context, fresh bool, refresh, get func(context.Context) (T, error)) (T, error) {
	if !fresh {
		return get(ctx)
	}
	v, err := refresh(ctx)
	if errors.Is(err, domain.ErrStaleRefresh) {
		return get(ctx)
	}
	return v, err
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
