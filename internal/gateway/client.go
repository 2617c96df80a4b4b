package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker/v2"
)

type Config struct {
	BaseURL       string
	KeyID         string
	KeySecret     string
	WebhookSecret string
	Timeout       time.Duration
}

// APIError is a non-2xx answer from the gateway.
type APIError struct {
	Status      int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway status %d: %s %s", e.Status, e.Code, e.Description)
}

type errorBody struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

type createOrderRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Client talks to the payment gateway's REST API. Order creation runs
// behind a circuit breaker; signature checks are local.
type Client struct {
	http          *resty.Client
	cb            *gobreaker.CircuitBreaker[string]
	keySecret     []byte
	webhookSecret []byte
}

func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetBasicAuth(cfg.KeyID, cfg.KeySecret).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")

	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
		// a rejected request is the caller's problem, not an outage
		IsSuccessful: func(err error) bool {
			var ae *APIError
			return err == nil || (errors.As(err, &ae) && ae.Status < 500)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return &Client{
		http:          rc,
		cb:            cb,
		keySecret:     []byte(cfg.KeySecret),
		webhookSecret: []byte(cfg.WebhookSecret),
	}
}

// CreateOrder registers a payment of amountMinor (paise, cents) and returns
// the gateway's order id.
func (c *Client) CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (string, error) {
	return c.cb.Execute(func() (string, error) {
		var (
			out  orderResponse
			fail errorBody
		)
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(createOrderRequest{Amount: amountMinor, Currency: currency, Receipt: receipt}).
			SetResult(&out).
			SetError(&fail).
			Post("/v1/orders")
		if err != nil {
			return "", fmt.Errorf("create order: %w", err)
		}
		if resp.IsError() {
			return "", &APIError{Status: resp.StatusCode(), Code: fail.Error.Code, Description: fail.Error.Description}
		}
		if out.ID == "" {
			return "", errors.New("create order: empty order id")
		}
		return out.ID, nil
	})
}

// VerifySignature checks the signature the checkout widget hands back after
// payment: hex HMAC-SHA256 of "orderID|paymentID" keyed by the API secret.
func (c *Client) VerifySignature(orderID, paymentID, signature string) bool {
	return verify(c.keySecret, []byte(orderID+"|"+paymentID), signature)
}

// VerifyWebhook checks a webhook body against its signature header.
func (c *Client) VerifyWebhook(body []byte, signature string) bool {
	return verify(c.webhookSecret, body, signature)
}

func Sign(secret, msg []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

func verify(secret, msg []byte, signature string) bool {
	if len(secret) == 0 || signature == "" {
		return false
	}
	want := Sign(secret, msg)
	return hmac.Equal([]byte(want), []byte(signature))
}
