package httpx

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-checkout-reservations/internal/checkout"
	"github.com/ariefcatur/go-checkout-reservations/internal/gateway"
	"github.com/ariefcatur/go-checkout-reservations/internal/payments"
)

const (
	HeaderSignature = "X-Gateway-Signature"
	HeaderEventID   = "X-Gateway-Event-Id"
)

const maxWebhookBody = 1 << 20

type WebhookVerifier interface {
	VerifyWebhook(body []byte, signature string) bool
}

type WebhookHandler struct {
	Verifier WebhookVerifier
	Payments *payments.Service
	Logger   *slog.Logger
}

func (h *WebhookHandler) Register(r chi.Router) {
	r.Post("/webhooks/payment", h.receive)
}

// receive acknowledges every authentic, well-formed notification with 200.
// Retries happen on our side through the retry topic, never by redelivery.
func (h *WebhookHandler) receive(w http.ResponseWriter, r *http.Request) {
	log := h.Logger
	if log == nil {
		log = slog.Default()
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid_body"})
		return
	}
	if !h.Verifier.VerifyWebhook(body, r.Header.Get(HeaderSignature)) {
		log.Warn("webhook signature mismatch", slog.String("remote", r.RemoteAddr))
		writeJSON(w, http.StatusUnauthorized, errorResp{Error: "invalid_signature"})
		return
	}
	wh, err := gateway.ParseWebhook(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid_json", Message: err.Error()})
		return
	}

	p := wh.Payment()
	ev := checkout.PaymentEvent{
		EventID:        r.Header.Get(HeaderEventID),
		Type:           wh.Event,
		GatewayOrderID: p.OrderID,
		PaymentID:      p.ID,
		FailureReason:  p.ErrorDescription,
	}
	if ev.EventID == "" && p.ID != "" {
		ev.EventID = wh.Event + ":" + p.ID
	}

	res, err := h.Payments.Ingest(r.Context(), ev)
	if err != nil {
		log.Error("webhook acknowledged but not applied",
			slog.String("event_id", ev.EventID),
			slog.String("gateway_order_id", ev.GatewayOrderID),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(res)})
}
