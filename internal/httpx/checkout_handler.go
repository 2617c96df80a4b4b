package httpx

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-checkout-reservations/internal/checkout"
)

const (
	HeaderUserID  = "X-User-Id"
	HeaderGuestID = "X-Guest-Id"
)

// Limiter counts attempts per key within a window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type CheckoutHandler struct {
	Manager *checkout.Manager
	// CouponLimiter throttles coupon attempts per owner. Nil disables it.
	CouponLimiter Limiter
	Logger        *slog.Logger
}

type createSessionReq struct {
	Type  checkout.Kind          `json:"type"`
	Items []checkout.ItemRequest `json:"items"`
}

type updateItemReq struct {
	ProductID string `json:"product_id"`
	Size      string `json:"size"`
	Quantity  int    `json:"quantity"`
}

type couponReq struct {
	Code string `json:"code"`
}

type verifyPaymentReq struct {
	GatewayOrderID string `json:"gateway_order_id"`
	PaymentID      string `json:"payment_id"`
	Signature      string `json:"signature"`
}

type sessionResp struct {
	*checkout.Session
	Totals checkout.Totals `json:"totals"`
}

type couponRemovedResp struct {
	Code    string `json:"code"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type updateItemResp struct {
	sessionResp
	CouponRemoved *couponRemovedResp `json:"coupon_removed,omitempty"`
}

type availabilityResp struct {
	ProductID string `json:"product_id"`
	Size      string `json:"size"`
	Available int    `json:"available"`
}

func (h *CheckoutHandler) Register(r chi.Router) {
	r.Route("/checkout/sessions", func(r chi.Router) {
		r.Post("/", h.createSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getSession)
			r.Patch("/items", h.updateItem)
			r.Post("/coupon", h.applyCoupon)
			r.Delete("/coupon", h.removeCoupon)
			r.Post("/close", h.closeSession)
			r.Post("/lock", h.lockTotals)
			r.Delete("/lock", h.unlockTotals)
			r.Post("/extend", h.extend)
			r.Post("/payment", h.beginPayment)
			r.Post("/payment/verify", h.verifyPayment)
		})
	})
	r.Get("/availability/{productId}/{size}", h.availability)
}

func (h *CheckoutHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// actor reads the shopper identity set by the auth layer in front of us.
func actor(r *http.Request) checkout.Owner {
	if uid := r.Header.Get(HeaderUserID); uid != "" {
		return checkout.Owner{UserID: uid}
	}
	return checkout.Owner{GuestTrackingID: r.Header.Get(HeaderGuestID)}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid_json", Message: err.Error()})
		return false
	}
	return true
}

func respondSession(w http.ResponseWriter, code int, s *checkout.Session) {
	writeJSON(w, code, sessionResp{Session: s, Totals: s.CalculateTotals()})
}

func (h *CheckoutHandler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionReq
	if !decode(w, r, &req) {
		return
	}
	s, err := h.Manager.CreateSession(r.Context(), req.Type, req.Items, actor(r))
	if err != nil {
		writeError(w, h.logger(), err)
		return
	}
	respondSession(w, http.StatusCreated, s)
}

func (h *CheckoutHandler) getSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.Manager.GetSession(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		writeError(w, h.logger(), err)
		return
	}
	respondSession(w, http.StatusOK, s)
}

func (h *CheckoutHandler) updateItem(w http.ResponseWriter, r *http.Request) {
	var req updateItemReq
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Manager.UpdateItemQuantity(r.Context(), chi.URLParam(r, "id"), actor(r), req.ProductID, req.Size, req.Quantity)
	if err != nil {
		writeError(w, h.logger(), err)
		return
	}
	resp := updateItemResp{sessionResp: sessionResp{Session: res.Session, Totals: res.Totals}}
	if d := res.DroppedCoupon; d != nil {
		resp.CouponRemoved = &couponRemovedResp{Code: d.Code, Reason: string(d.Reason), Message: d.Message}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *CheckoutHandler) applyCoupon(w http.ResponseWriter, r *http.Request) {
	var req couponReq
	if !decode(w, r, &req) {
		return
	}
	who := actor(r)
	if h.CouponLimiter != nil && who.Valid() {
		ok, err := h.CouponLimiter.Allow(r.Context(), who.Key())
		if err != nil {
			h.logger().Warn("coupon rate limiter", slog.String("error", err.Error()))
		} else if !ok {
			writeJSON(w, http.StatusTooManyRequests, errorResp{Error: "rate_limited", Message: "too many coupon attempts, try again later"})
			return
		}
	}
	totals, err := h.Manager.ApplyCoupon(r.Context(), chi.URLParam(r, "id"), who, req.Code)
	if err != nil {
		writeError(w, h.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func (h *CheckoutHandler) removeCoupon(w http.ResponseWriter, r *http.Request) {
	totals, err := h.Manager.RemoveCoupon(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		writeError(w, h.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func (h *CheckoutHandler) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Manager.CloseSession(r.Context(), chi.URLParam(r, "id"), actor(r)); err != nil {
		writeError(w, h.logger(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CheckoutHandler) lockTotals(w http.ResponseWriter, r *http.Request) {
	locked, err := h.Manager.LockForPayment(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		writeError(w, h.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, locked)
}

func (h *CheckoutHandler) unlockTotals(w http.ResponseWriter, r *http.Request) {
	s, err := h.Manager.UnlockTotals(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		writeError(w, h.logger(), err)
		return
	}
	respondSession(w, http.StatusOK, s)
}

func (h *CheckoutHandler) extend(w http.ResponseWriter, r *http.Request) {
	s, err := h.Manager.ExtendForPayment(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		writeError(w, h.logger(), err)
		return
	}
	respondSession(w, http.StatusOK, s)
}

func (h *CheckoutHandler) beginPayment(w http.ResponseWriter, r *http.Request) {
	po, err := h.Manager.BeginPayment(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		writeError(w, h.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, po)
}

func (h *CheckoutHandler) verifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyPaymentReq
	if !decode(w, r, &req) {
		return
	}
	s, err := h.Manager.VerifyPayment(r.Context(), chi.URLParam(r, "id"), actor(r), req.GatewayOrderID, req.PaymentID, req.Signature)
	if err != nil {
		writeError(w, h.logger(), err)
		return
	}
	respondSession(w, http.StatusOK, s)
}

func (h *CheckoutHandler) availability(w http.ResponseWriter, r *http.Request) {
	productID, size := chi.URLParam(r, "productId"), chi.URLParam(r, "size")
	n, err := h.Manager.Availability(r.Context(), productID, size)
	if err != nil {
		writeError(w, h.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, availabilityResp{ProductID: productID, Size: size, Available: n})
}
