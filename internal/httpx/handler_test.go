package httpx

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-checkout-reservations/internal/checkout"
	"github.com/ariefcatur/go-checkout-reservations/internal/checkout/checkouttest"
	"github.com/ariefcatur/go-checkout-reservations/internal/gateway"
	"github.com/ariefcatur/go-checkout-reservations/internal/metrics"
	"github.com/ariefcatur/go-checkout-reservations/internal/payments"
	"github.com/ariefcatur/go-checkout-reservations/internal/redisx"
)

const webhookSecret = "whsec_test"

type testAPI struct {
	h      *checkouttest.Harness
	router *chi.Mux
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	h := checkouttest.New(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()

	r := NewRouter(metrics.NewServerMetrics(reg, "api"), reg)
	(&CheckoutHandler{
		Manager:       h.Manager,
		CouponLimiter: &redisx.RateLimiter{RDB: h.Redis, Scope: "coupon", Limit: 3, Window: time.Minute},
		Logger:        logger,
	}).Register(r)
	(&WebhookHandler{
		Verifier: gateway.New(gateway.Config{WebhookSecret: webhookSecret}, logger),
		Payments: &payments.Service{
			Checkout: h.Manager,
			Dedup:    &redisx.Dedup{RDB: h.Redis, Service: "test"},
			Logger:   logger,
		},
		Logger: logger,
	}).Register(r)
	return &testAPI{h: h, router: r}
}

func (a *testAPI) do(method, path string, body any, who checkout.Owner) *httptest.ResponseRecorder {
	var rd io.Reader = http.NoBody
	if b, ok := body.([]byte); ok {
		rd = bytes.NewReader(b)
	} else if body != nil {
		buf, _ := json.Marshal(body)
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rd)
	if who.UserID != "" {
		req.Header.Set(HeaderUserID, who.UserID)
	}
	if who.GuestTrackingID != "" {
		req.Header.Set(HeaderGuestID, who.GuestTrackingID)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

type sessionBody struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	GatewayOrderID string          `json:"gateway_order_id"`
	Items          []checkout.Item `json:"items"`
	Totals         checkout.Totals `json:"totals"`
	CouponRemoved  *struct {
		Code   string `json:"code"`
		Reason string `json:"reason"`
	} `json:"coupon_removed"`
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

var (
	alice = checkout.Owner{UserID: "alice"}
	bob   = checkout.Owner{UserID: "bob"}
)

func (a *testAPI) createSession(t *testing.T, qty int, who checkout.Owner) sessionBody {
	t.Helper()
	rec := a.do(http.MethodPost, "/checkout/sessions", map[string]any{
		"type":  "cart",
		"items": []map[string]any{{"product_id": "p1", "size": "M", "quantity": qty}},
	}, who)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[sessionBody](t, rec)
}

func TestCreateAndGetSession(t *testing.T) {
	a := newTestAPI(t)
	s := a.createSession(t, 2, alice)
	assert.Equal(t, "active", s.Status)
	assert.True(t, s.Totals.FinalTotal.Equal(decimal.NewFromInt(1000)))

	rec := a.do(http.MethodGet, "/checkout/sessions/"+s.ID, nil, alice)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, s.ID, decodeBody[sessionBody](t, rec).ID)

	assert.Equal(t, http.StatusForbidden, a.do(http.MethodGet, "/checkout/sessions/"+s.ID, nil, bob).Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/checkout/sessions/nope", nil, alice).Code)

	rec = a.do(http.MethodGet, "/availability/p1/M", nil, checkout.Owner{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[availabilityResp](t, rec).Available)
}

func TestCreateSession_Errors(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(http.MethodPost, "/checkout/sessions", map[string]any{
		"type":  "cart",
		"items": []map[string]any{{"product_id": "p1", "size": "M", "quantity": 4}},
	}, alice)
	require.Equal(t, http.StatusConflict, rec.Code)
	er := decodeBody[errorResp](t, rec)
	assert.Equal(t, "stock_unavailable", er.Error)
	require.Len(t, er.Items, 1)
	assert.Equal(t, 3, er.Items[0].Available)

	rec = a.do(http.MethodPost, "/checkout/sessions", []byte("{"), alice)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPost, "/checkout/sessions", map[string]any{
		"type":  "cart",
		"items": []map[string]any{{"product_id": "p1", "size": "M", "quantity": 1}},
	}, checkout.Owner{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "owner", decodeBody[errorResp](t, rec).Field)
}

func TestApplyCoupon_RejectsAndRateLimits(t *testing.T) {
	a := newTestAPI(t)
	s := a.createSession(t, 2, alice)
	path := "/checkout/sessions/" + s.ID + "/coupon"

	rec := a.do(http.MethodPost, path, couponReq{Code: "SAVE10"}, alice)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[checkout.Totals](t, rec).FinalTotal.Equal(decimal.NewFromInt(920)))

	rec = a.do(http.MethodPost, path, couponReq{Code: "NOPE"}, alice)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "not_found", decodeBody[errorResp](t, rec).Reason)

	assert.Equal(t, http.StatusUnprocessableEntity, a.do(http.MethodPost, path, couponReq{Code: "NOPE"}, alice).Code)
	assert.Equal(t, http.StatusTooManyRequests, a.do(http.MethodPost, path, couponReq{Code: "SAVE10"}, alice).Code)

	rec = a.do(http.MethodDelete, path, nil, alice)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[checkout.Totals](t, rec).DiscountAmount.IsZero())
}

func TestUpdateItem_ReportsRemovedCoupon(t *testing.T) {
	a := newTestAPI(t)
	s := a.createSession(t, 2, alice)
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, "/checkout/sessions/"+s.ID+"/coupon", couponReq{Code: "BIGSPEND"}, alice).Code)

	rec := a.do(http.MethodPatch, "/checkout/sessions/"+s.ID+"/items", updateItemReq{ProductID: "p1", Size: "M", Quantity: 1}, alice)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody[sessionBody](t, rec)
	require.NotNil(t, body.CouponRemoved)
	assert.Equal(t, "BIGSPEND", body.CouponRemoved.Code)
	assert.Equal(t, "below_minimum_order", body.CouponRemoved.Reason)
	assert.True(t, body.Totals.FinalTotal.Equal(decimal.NewFromInt(500)))

	rec = a.do(http.MethodPatch, "/checkout/sessions/"+s.ID+"/items", updateItemReq{ProductID: "p9", Size: "M", Quantity: 1}, alice)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPaymentFlow(t *testing.T) {
	a := newTestAPI(t)
	s := a.createSession(t, 2, alice)
	base := "/checkout/sessions/" + s.ID

	require.Equal(t, http.StatusOK, a.do(http.MethodPost, base+"/lock", nil, alice).Code)
	assert.Equal(t, http.StatusConflict, a.do(http.MethodPost, base+"/coupon", couponReq{Code: "SAVE10"}, alice).Code)

	rec := a.do(http.MethodPost, base+"/payment", nil, alice)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	po := decodeBody[checkout.PaymentOrder](t, rec)
	assert.Equal(t, "order_1", po.GatewayOrderID)
	assert.Equal(t, int64(100000), po.AmountMinor)

	rec = a.do(http.MethodPost, base+"/payment/verify", verifyPaymentReq{GatewayOrderID: po.GatewayOrderID, PaymentID: "pay_1", Signature: "bad"}, alice)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_signature", decodeBody[errorResp](t, rec).Error)

	rec = a.do(http.MethodPost, base+"/payment/verify", verifyPaymentReq{
		GatewayOrderID: po.GatewayOrderID, PaymentID: "pay_1", Signature: a.h.Gateway.Sign(po.GatewayOrderID, "pay_1"),
	}, alice)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "completed", decodeBody[sessionBody](t, rec).Status)

	rec = a.do(http.MethodGet, "/availability/p1/M", nil, checkout.Owner{})
	assert.Equal(t, 1, decodeBody[availabilityResp](t, rec).Available)
	assert.Equal(t, http.StatusConflict, a.do(http.MethodPost, base+"/lock", nil, alice).Code)
}

func TestUnlockAndExtend(t *testing.T) {
	a := newTestAPI(t)
	s := a.createSession(t, 1, alice)
	base := "/checkout/sessions/" + s.ID

	assert.Equal(t, http.StatusConflict, a.do(http.MethodDelete, base+"/lock", nil, alice).Code)
	require.Equal(t, http.StatusOK, a.do(http.MethodPost, base+"/lock", nil, alice).Code)
	require.Equal(t, http.StatusOK, a.do(http.MethodDelete, base+"/lock", nil, alice).Code)

	a.h.Clock.Advance(12 * time.Minute)
	rec := a.do(http.MethodPost, base+"/extend", nil, alice)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		ExpiresAt time.Time `json:"expires_at"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.ExpiresAt.Equal(checkouttest.T0.Add(42*time.Minute)))
}

func TestCloseSession(t *testing.T) {
	a := newTestAPI(t)
	s := a.createSession(t, 2, alice)
	base := "/checkout/sessions/" + s.ID

	assert.Equal(t, http.StatusForbidden, a.do(http.MethodPost, base+"/close", nil, bob).Code)
	assert.Equal(t, http.StatusNoContent, a.do(http.MethodPost, base+"/close", nil, alice).Code)
	assert.Equal(t, http.StatusNoContent, a.do(http.MethodPost, base+"/close", nil, alice).Code)

	rec := a.do(http.MethodGet, base, nil, alice)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decodeBody[sessionBody](t, rec).Status)
	assert.Equal(t, http.StatusConflict, a.do(http.MethodPost, base+"/payment", nil, alice).Code)
}

func TestExpiredSessionIsGone(t *testing.T) {
	a := newTestAPI(t)
	s := a.createSession(t, 2, alice)

	a.h.Clock.Advance(16 * time.Minute)
	rec := a.do(http.MethodGet, "/checkout/sessions/"+s.ID, nil, alice)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "expired", decodeBody[errorResp](t, rec).Error)

	rec = a.do(http.MethodGet, "/availability/p1/M", nil, checkout.Owner{})
	assert.Equal(t, 3, decodeBody[availabilityResp](t, rec).Available)
}

func webhookBody(event, paymentID, orderID string) []byte {
	b, _ := json.Marshal(map[string]any{
		"event": event,
		"payload": map[string]any{"payment": map[string]any{"entity": map[string]any{
			"id": paymentID, "order_id": orderID, "amount": 50000, "currency": "INR", "status": "captured",
		}}},
	})
	return b
}

func (a *testAPI) webhook(body []byte, signature, eventID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
	req.Header.Set(HeaderSignature, signature)
	if eventID != "" {
		req.Header.Set(HeaderEventID, eventID)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func TestPaymentWebhook(t *testing.T) {
	a := newTestAPI(t)
	s := a.createSession(t, 1, alice)
	rec := a.do(http.MethodPost, "/checkout/sessions/"+s.ID+"/payment", nil, alice)
	require.Equal(t, http.StatusOK, rec.Code)
	po := decodeBody[checkout.PaymentOrder](t, rec)

	body := webhookBody(checkout.PaymentCaptured, "pay_1", po.GatewayOrderID)
	assert.Equal(t, http.StatusUnauthorized, a.webhook(body, "forged", "evt_1").Code)

	sig := gateway.Sign([]byte(webhookSecret), body)
	rec = a.webhook(body, sig, "evt_1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "processed", decodeBody[map[string]string](t, rec)["status"])

	rec = a.webhook(body, sig, "evt_1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decodeBody[map[string]string](t, rec)["status"])

	rec = a.do(http.MethodGet, "/checkout/sessions/"+s.ID, nil, alice)
	assert.Equal(t, "completed", decodeBody[sessionBody](t, rec).Status)

	bad := []byte(`{"payload":{}}`)
	assert.Equal(t, http.StatusBadRequest, a.webhook(bad, gateway.Sign([]byte(webhookSecret), bad), "").Code)
}

func TestPaymentWebhook_AcknowledgedWhenNotApplied(t *testing.T) {
	a := newTestAPI(t)
	a.h.Mini.Close()

	body := webhookBody(checkout.PaymentCaptured, "pay_1", "order_1")
	rec := a.webhook(body, gateway.Sign([]byte(webhookSecret), body), "evt_1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "failed", decodeBody[map[string]string](t, rec)["status"])
}

func TestHealthAndMetrics(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(http.MethodGet, "/healthz", nil, checkout.Owner{})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	a.do(http.MethodGet, "/availability/p1/M", nil, checkout.Owner{})
	rec = a.do(http.MethodGet, "/metrics", nil, checkout.Owner{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `checkout_api_http_requests_total{handler="GET /availability/{productId}/{size}",status="200"} 1`)
}
