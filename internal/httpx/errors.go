package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ariefcatur/go-checkout-reservations/internal/checkout"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResp struct {
	Error   string               `json:"error"`
	Message string               `json:"message,omitempty"`
	Field   string               `json:"field,omitempty"`
	Reason  string               `json:"reason,omitempty"`
	Items   []checkout.Shortfall `json:"items,omitempty"`
}

// writeError maps checkout errors to status codes. Anything unrecognised is a
// 500 and gets logged.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		ve *checkout.ValidationError
		su *checkout.StockUnavailableError
		ce *checkout.CouponError
		ge *checkout.GatewayError
		fc *checkout.FinalizeConflictError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid_request", Message: ve.Message, Field: ve.Field})
	case errors.As(err, &su):
		writeJSON(w, http.StatusConflict, errorResp{Error: "stock_unavailable", Message: su.Error(), Items: su.Items})
	case errors.As(err, &ce):
		writeJSON(w, http.StatusUnprocessableEntity, errorResp{Error: "coupon_rejected", Message: ce.Message, Reason: string(ce.Reason)})
	case errors.As(err, &ge):
		logger.Error("payment gateway", slog.String("op", ge.Op), slog.String("error", ge.Err.Error()))
		writeJSON(w, http.StatusBadGateway, errorResp{Error: "gateway_error", Message: "payment gateway unavailable"})
	case errors.As(err, &fc):
		writeJSON(w, http.StatusConflict, errorResp{Error: "already_finalized", Message: fc.Error(), Reason: string(fc.Kept)})
	case errors.Is(err, checkout.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResp{Error: "not_found", Message: err.Error()})
	case errors.Is(err, checkout.ErrExpired):
		writeJSON(w, http.StatusNotFound, errorResp{Error: "expired", Message: err.Error()})
	case errors.Is(err, checkout.ErrItemNotFound), errors.Is(err, checkout.ErrProductNotFound):
		writeJSON(w, http.StatusNotFound, errorResp{Error: "not_found", Message: err.Error()})
	case errors.Is(err, checkout.ErrOwnership):
		writeJSON(w, http.StatusForbidden, errorResp{Error: "forbidden", Message: err.Error()})
	case errors.Is(err, checkout.ErrTotalsLocked), errors.Is(err, checkout.ErrNotLocked),
		errors.Is(err, checkout.ErrSessionClosed), errors.Is(err, checkout.ErrVersionConflict):
		writeJSON(w, http.StatusConflict, errorResp{Error: "conflict", Message: err.Error()})
	case errors.Is(err, checkout.ErrInvalidSignature):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid_signature", Message: err.Error()})
	default:
		logger.Error("request failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "internal_error"})
	}
}
