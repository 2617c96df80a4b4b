package payments

import (
	"context"
	"errors"
	"log/slog"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-checkout-reservations/internal/checkout"
	kafkax "github.com/ariefcatur/go-checkout-reservations/internal/kafka"
	"github.com/ariefcatur/go-checkout-reservations/internal/metrics"
)

// Finalizer applies a payment notification to its checkout session.
type Finalizer interface {
	HandlePaymentEvent(ctx context.Context, ev checkout.PaymentEvent) error
}

type Deduper interface {
	Claim(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

// Result is what happened to one notification.
type Result string

const (
	ResultProcessed    Result = "processed"
	ResultDuplicate    Result = "duplicate"
	ResultUnknownOrder Result = "unknown_order"
	ResultQueued       Result = "queued"
	ResultFailed       Result = "failed"
	ResultRetried      Result = "retried"
	ResultDropped      Result = "dropped"
)

// Service processes gateway payment notifications exactly once per event id.
// Notifications that fail are parked on the retry topic and re-driven by the
// worker through HandleRetry.
type Service struct {
	Checkout    Finalizer
	Dedup       Deduper
	Producer    checkout.Publisher
	Metrics     *metrics.Checkout
	Logger      *slog.Logger
	MaxAttempts int
	ServiceName string
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Service) maxAttempts() int {
	if s.MaxAttempts <= 0 {
		return 5
	}
	return s.MaxAttempts
}

// Ingest handles a verified notification. It only returns an error when the
// event could neither be applied nor queued for retry.
func (s *Service) Ingest(ctx context.Context, ev checkout.PaymentEvent) (Result, error) {
	res, err := s.ingest(ctx, ev)
	s.Metrics.Webhook(string(res))
	return res, err
}

func (s *Service) ingest(ctx context.Context, ev checkout.PaymentEvent) (Result, error) {
	log := s.logger().With(
		slog.String("event_id", ev.EventID),
		slog.String("type", ev.Type),
		slog.String("gateway_order_id", ev.GatewayOrderID),
	)

	if ev.EventID != "" && s.Dedup != nil {
		claimed, err := s.Dedup.Claim(ctx, ev.EventID)
		switch {
		case err != nil:
			// proceed unclaimed; finalize tolerates repeats
			log.Warn("webhook dedup unavailable", slog.String("error", err.Error()))
		case !claimed:
			return ResultDuplicate, nil
		}
	}

	err := s.Checkout.HandlePaymentEvent(ctx, ev)
	switch {
	case err == nil:
		return ResultProcessed, nil
	case errors.Is(err, checkout.ErrNotFound):
		log.Warn("webhook for unknown order")
		return ResultUnknownOrder, nil
	}

	log.Error("webhook processing failed", slog.String("error", err.Error()))
	if s.Producer != nil {
		s.publishRetry(ev, 1)
		return ResultQueued, nil
	}
	if ev.EventID != "" && s.Dedup != nil {
		if ferr := s.Dedup.Forget(context.WithoutCancel(ctx), ev.EventID); ferr != nil {
			log.Error("release webhook claim", slog.String("error", ferr.Error()))
		}
	}
	return ResultFailed, err
}

// HandleRetry is the consumer handler for the retry topic. It never returns an
// error for a well-formed message: a failed attempt is re-queued with the next
// attempt number until MaxAttempts, then dropped with an error log.
func (s *Service) HandleRetry(ctx context.Context, m kafkago.Message) error {
	var env checkout.Envelope
	if err := kafkax.UnmarshalEnvelope(m.Value, &env); err != nil {
		return err
	}
	if env.EventType != checkout.EventPaymentWebhook {
		return nil
	}
	ev, err := kafkax.UnwrapPayload[checkout.PaymentEvent](env.Payload)
	if err != nil {
		return err
	}

	attempt := kafkax.Attempt(m)
	log := s.logger().With(
		slog.String("event_id", ev.EventID),
		slog.String("gateway_order_id", ev.GatewayOrderID),
		slog.Int("attempt", attempt),
	)

	err = s.Checkout.HandlePaymentEvent(ctx, ev)
	switch {
	case err == nil:
		s.Metrics.Webhook(string(ResultRetried))
		log.Info("webhook retry succeeded")
		return nil
	case errors.Is(err, checkout.ErrNotFound):
		s.Metrics.Webhook(string(ResultUnknownOrder))
		log.Warn("webhook retry for unknown order")
		return nil
	case attempt >= s.maxAttempts():
		s.Metrics.Webhook(string(ResultDropped))
		log.Error("webhook retries exhausted", slog.String("error", err.Error()))
		return nil
	}

	log.Warn("webhook retry failed", slog.String("error", err.Error()))
	s.publishRetry(ev, attempt+1)
	return nil
}

func (s *Service) publishRetry(ev checkout.PaymentEvent, attempt int) {
	env := checkout.NewEnvelope(checkout.EventPaymentWebhook, s.ServiceName, ev.GatewayOrderID, ev)
	s.Producer.Publish(checkout.TopicWebhookRetry, checkout.PartitionKey(ev.GatewayOrderID),
		kafkax.MustMarshal(env), kafkax.WithAttempt(env.Headers(), attempt)...)
}
