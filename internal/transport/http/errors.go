package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cwrk-planet/room-hub/internal/domain"
	"github.com/cwrk-planet/room-hub/pkg/logger"
)

// ToHTTP maps a domain error to a status code.
func ToHTTP(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrCapacity),
		errors.Is(err, domain.ErrState),
		errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write json response failed", slog.Any("err", err))
	}
}

// writeError logs server-side failures and hides their details from the client.
func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := ToHTTP(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("handler."+op+":", slog.Any("err", err))
		msg = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Code: domain.Code(err)})
}
