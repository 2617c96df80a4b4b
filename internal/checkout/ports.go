package checkout

import (
	"context"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-checkout-reservations/internal/coupon"
	"github.com/ariefcatur/go-checkout-reservations/internal/reservation"
)

// Ledger is the durable record of stock holds. Every method that changes
// holds must be a single atomic operation in the backing store.
type Ledger interface {
	// Reserve writes a hold only if the stock left for (product, size) covers
	// req.Qty, checked and written in one step. Fails with *StockUnavailableError.
	// req.SoldQty is a lower bound; a ledger must also count sales it has
	// already seen committed.
	Reserve(ctx context.Context, req reservation.Request, now time.Time) (*reservation.Reservation, error)
	// Adjust moves the session's active hold on (product, size) to req.Qty.
	// Growing it is a compare-and-reserve on the difference.
	Adjust(ctx context.Context, req reservation.Request, now time.Time) error
	// ReleaseForSession moves every active hold of the session to status.
	// Calling it again is a no-op.
	ReleaseForSession(ctx context.Context, sessionID string, status reservation.Status, now time.Time) (int, error)
	// ExtendForSession pushes expiry of the session's active holds to until,
	// or fails with ErrExpired if any of them already lapsed.
	ExtendForSession(ctx context.Context, sessionID string, until, now time.Time) error
	HeldQty(ctx context.Context, productID, size string, now time.Time) (int, error)
	ForSession(ctx context.Context, sessionID string) ([]reservation.Reservation, error)
	// MarkCommitted stops completed holds from counting once the catalog
	// recorded the sale.
	MarkCommitted(ctx context.Context, sessionID string, now time.Time) error
	PendingCommits(ctx context.Context, limit int) ([]string, error)
}

type SessionStore interface {
	// Create stores a new session and sets its Version.
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// Update writes s if the stored version still equals s.Version and the
	// session is active and not lapsed at s.UpdatedAt. s.Version is bumped on
	// success.
	Update(ctx context.Context, s *Session) error
	// UpdateItems is Update plus moving the session's hold on (req.ProductID,
	// req.Size) to req.Qty, as one step: either both are written or neither.
	// Growing the hold fails with *StockUnavailableError.
	UpdateItems(ctx context.Context, s *Session, req reservation.Request) error
	// Extend moves the session and its active holds to until in one step.
	// Fails with ErrExpired if the session lapsed before now.
	Extend(ctx context.Context, s *Session, until, now time.Time) error
	// Terminate moves an active session to status and its holds to the
	// matching reservation status in one step. The first terminal status
	// written wins: applied is false and kept names the existing status when
	// the session was already terminal. A lapsed active session is written as
	// expired first.
	Terminate(ctx context.Context, id string, status Status, paymentRef string, now time.Time) (kept Status, applied bool, err error)
	FindByGatewayOrder(ctx context.Context, gatewayOrderID string) (string, error)
	// Due lists active sessions whose expiry is at or before now.
	Due(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type Catalog interface {
	GetSizeInfo(ctx context.Context, productID, size string) (*SizeInfo, error)
	// CommitSale records qty as sold for the session. Repeating it for the
	// same session and (product, size) has no further effect.
	CommitSale(ctx context.Context, sessionID, productID, size string, qty int) error
}

type CouponService interface {
	ValidateAndCalculate(ctx context.Context, code, ownerKey string, items []coupon.Item) (*coupon.Result, error)
	RecordUsage(ctx context.Context, couponID, ownerKey, sessionID string) error
}

type PaymentGateway interface {
	CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (string, error)
	VerifySignature(orderID, paymentID, signature string) bool
}

type Publisher interface {
	Publish(topic string, key, value []byte, headers ...kafkago.Header)
}
