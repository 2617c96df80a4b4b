package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Webhook is the subset of a gateway notification that checkout reads.
type Webhook struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity PaymentEntity `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

type PaymentEntity struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func ParseWebhook(body []byte) (*Webhook, error) {
	var w Webhook
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	if w.Event == "" {
		return nil, errors.New("decode webhook: missing event")
	}
	return &w, nil
}

func (w *Webhook) Payment() PaymentEntity { return w.Payload.Payment.Entity }
