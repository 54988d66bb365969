package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"curvance/native/fees"
	"curvance/native/locker"
	"curvance/native/market"
	"curvance/native/messaging"
	"curvance/native/oracle"
	"curvance/native/vecve"
)

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Warn("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message, RequestID: RequestID(r.Context())})
}

// statusFor maps module errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, oracle.ErrNotSupported):
		return http.StatusNotFound
	case errors.Is(err, oracle.ErrUnauthorized),
		errors.Is(err, messaging.ErrUnauthorized),
		errors.Is(err, locker.ErrUnauthorized),
		errors.Is(err, vecve.ErrUnauthorized),
		errors.Is(err, fees.ErrUnauthorized),
		errors.Is(err, market.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, messaging.ErrMessageHashIsAlreadyDelivered):
		return http.StatusConflict
	case errors.Is(err, oracle.ErrInvalidParameter),
		errors.Is(err, messaging.ErrInvalidMessage),
		errors.Is(err, messaging.ErrUnsupportedChain),
		errors.Is(err, messaging.ErrUnknownKind):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeModuleError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Default().Error("request failed", "path", r.URL.Path, "requestId", RequestID(r.Context()), "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), RequestID: RequestID(r.Context())})
}

// formatWad renders an 18-decimal fixed-point value as a decimal string.
func formatWad(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v.ToBig(), -18).String()
}

func formatInt(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
