package checkout

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ariefcatur/go-checkout-reservations/internal/coupon"
)

var (
	ErrNotFound         = errors.New("checkout session not found")
	ErrOwnership        = errors.New("checkout session belongs to another shopper")
	ErrExpired          = errors.New("checkout session has expired")
	ErrSessionClosed    = errors.New("checkout session is no longer active")
	ErrVersionConflict  = errors.New("checkout session was modified concurrently")
	ErrTotalsLocked     = errors.New("totals are locked for payment")
	ErrNotLocked        = errors.New("totals are not locked")
	ErrItemNotFound     = errors.New("item not in checkout session")
	ErrProductNotFound  = errors.New("product size not found")
	ErrInvalidSignature = errors.New("payment signature mismatch")
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalidf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Shortfall is requested vs. available for one (product, size).
type Shortfall struct {
	ProductID string `json:"product_id"`
	Size      string `json:"size"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

type StockUnavailableError struct {
	Items []Shortfall
}

func (e *StockUnavailableError) Error() string {
	parts := make([]string, 0, len(e.Items))
	for _, s := range e.Items {
		parts = append(parts, fmt.Sprintf("%s/%s requested %d available %d", s.ProductID, s.Size, s.Requested, s.Available))
	}
	return "stock unavailable: " + strings.Join(parts, "; ")
}

type CouponError struct {
	Code    string
	Reason  coupon.Reason
	Message string
}

func (e *CouponError) Error() string {
	return fmt.Sprintf("coupon %s rejected: %s", e.Code, e.Message)
}

type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string { return "payment gateway " + e.Op + ": " + e.Err.Error() }
func (e *GatewayError) Unwrap() error { return e.Err }

// FinalizeConflictError means a different terminal outcome was already durable.
// Kept is what stays; Attempted was discarded.
type FinalizeConflictError struct {
	SessionID string
	Kept      Status
	Attempted Status
}

func (e *FinalizeConflictError) Error() string {
	return fmt.Sprintf("session %s already %s, ignoring %s", e.SessionID, e.Kept, e.Attempted)
}
