package checkout

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/ariefcatur/go-checkout-reservations/internal/kafka"
)

const (
	EventSessionCreated   = "CheckoutSessionCreated"
	EventSessionFinalized = "CheckoutSessionFinalized"
	EventPaymentWebhook   = "PaymentWebhookReceived"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // session_id
	Payload       json.RawMessage `json:"payload"`
}

type ItemQty struct {
	ProductID string `json:"product_id"`
	Size      string `json:"size"`
	Qty       int    `json:"qty"`
}

type SessionCreatedPayload struct {
	SessionID string    `json:"session_id"`
	Kind      Kind      `json:"kind"`
	OwnerKey  string    `json:"owner_key"`
	Items     []ItemQty `json:"items"`
	ExpiresAt time.Time `json:"expires_at"`
}

type SessionFinalizedPayload struct {
	SessionID        string    `json:"session_id"`
	Status           Status    `json:"status"`
	PaymentReference string    `json:"payment_reference,omitempty"`
	FinalizedAt      time.Time `json:"finalized_at"`
}

// PaymentEvent is a gateway notification reduced to what finalize needs. It
// is also the payload of the webhook retry topic.
type PaymentEvent struct {
	EventID        string `json:"event_id"`
	Type           string `json:"type"`
	GatewayOrderID string `json:"gateway_order_id"`
	PaymentID      string `json:"payment_id"`
	FailureReason  string `json:"failure_reason,omitempty"`
}

const (
	PaymentCaptured = "payment.captured"
	PaymentFailed   = "payment.failed"
	OrderPaid       = "order.paid"
)

func NewEnvelope(eventType, producer, correlationID string, payload any) Envelope {
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: correlationID,
		Payload:       kafkax.MustMarshal(payload),
	}
}

// Headers are the routing headers consumers filter on.
func (e Envelope) Headers() []kafkago.Header {
	return []kafkago.Header{
		{Key: "x-event-type", Value: []byte(e.EventType)},
		{Key: "x-event-version", Value: []byte("1")},
	}
}

func itemQtys(items []Item) []ItemQty {
	out := make([]ItemQty, 0, len(items))
	for _, it := range items {
		out = append(out, ItemQty{ProductID: it.ProductID, Size: it.Size, Qty: it.Quantity})
	}
	return out
}
