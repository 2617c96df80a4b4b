package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	kafkax "github.com/ariefcatur/go-checkout-reservations/internal/kafka"
	"github.com/ariefcatur/go-checkout-reservations/internal/metrics"
	"github.com/ariefcatur/go-checkout-reservations/internal/reservation"
)

type Config struct {
	SessionTTL       time.Duration
	PaymentExtension time.Duration
	PaymentLowWater  time.Duration
	Currency         string
	MaxItems         int
	MaxQuantity      int
	Producer         string
}

func (c Config) withDefaults() Config {
	if c.SessionTTL <= 0 {
		c.SessionTTL = 15 * time.Minute
	}
	if c.PaymentExtension <= 0 {
		c.PaymentExtension = 30 * time.Minute
	}
	if c.PaymentLowWater <= 0 {
		c.PaymentLowWater = 5 * time.Minute
	}
	if c.Currency == "" {
		c.Currency = "INR"
	}
	if c.MaxItems <= 0 {
		c.MaxItems = 50
	}
	if c.MaxQuantity <= 0 {
		c.MaxQuantity = 10
	}
	if c.Producer == "" {
		c.Producer = "checkout-api"
	}
	return c
}

// Deps are the collaborators of a Manager. Gateway, Events and Metrics may be nil.
type Deps struct {
	Store   SessionStore
	Ledger  Ledger
	Catalog Catalog
	Coupons CouponService
	Gateway PaymentGateway
	Events  Publisher
	Metrics *metrics.Checkout
	Logger  *slog.Logger
	Now     func() time.Time
}

// Manager owns the checkout session lifecycle: creation with stock holds,
// coupon application, totals locking, payment hand-off and the single terminal
// transition that releases or completes the holds.
type Manager struct {
	store   SessionStore
	ledger  Ledger
	catalog Catalog
	coupons CouponService
	gateway PaymentGateway
	events  Publisher
	metrics *metrics.Checkout
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
	cfg     Config
}

func NewManager(d Deps, cfg Config) *Manager {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Manager{
		store:   d.Store,
		ledger:  d.Ledger,
		catalog: d.Catalog,
		coupons: d.Coupons,
		gateway: d.Gateway,
		events:  d.Events,
		metrics: d.Metrics,
		logger:  d.Logger,
		tracer:  otel.Tracer("checkout"),
		now:     func() time.Time { return d.Now().UTC() },
		cfg:     cfg.withDefaults(),
	}
}

func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) startSpan(ctx context.Context, name, sessionID string) (context.Context, trace.Span) {
	ctx, span := m.tracer.Start(ctx, name)
	if sessionID != "" {
		span.SetAttributes(attribute.String("checkout.session_id", sessionID))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CreateSession snapshots catalog prices for the requested items, reserves
// stock for each of them and stores an active session. Either every item is
// reserved and the session exists, or nothing is held.
func (m *Manager) CreateSession(ctx context.Context, kind Kind, reqs []ItemRequest, owner Owner) (s *Session, err error) {
	ctx, span := m.startSpan(ctx, "checkout.CreateSession", "")
	defer func() { endSpan(span, err) }()

	if err := m.validateCreate(kind, reqs, owner); err != nil {
		return nil, err
	}

	now := m.now()
	items := make([]Item, 0, len(reqs))
	infos := make([]*SizeInfo, 0, len(reqs))
	var short []Shortfall
	for _, r := range reqs {
		info, err := m.catalog.GetSizeInfo(ctx, r.ProductID, r.Size)
		if err != nil {
			return nil, fmt.Errorf("size info %s/%s: %w", r.ProductID, r.Size, err)
		}
		held, err := m.ledger.HeldQty(ctx, r.ProductID, r.Size, now)
		if err != nil {
			return nil, fmt.Errorf("held qty %s/%s: %w", r.ProductID, r.Size, err)
		}
		if avail := reservation.Available(info.ConfiguredQty, info.SoldQty, held); avail < r.Quantity {
			short = append(short, Shortfall{ProductID: r.ProductID, Size: r.Size, Requested: r.Quantity, Available: avail})
		}
		infos = append(infos, info)
		items = append(items, Item{
			ProductID:  r.ProductID,
			Size:       r.Size,
			Quantity:   r.Quantity,
			UnitPrice:  info.Price,
			Name:       info.Name,
			Image:      info.Image,
			Slug:       info.Slug,
			CategoryID: info.CategoryID,
			OnSale:     info.OnSale,
		})
	}
	if len(short) > 0 {
		m.metrics.StockRejected()
		return nil, &StockUnavailableError{Items: short}
	}

	s = &Session{
		ID:        uuid.NewString(),
		Kind:      kind,
		Items:     items,
		Owner:     owner,
		Currency:  m.cfg.Currency,
		Status:    StatusActive,
		ExpiresAt: now.Add(m.cfg.SessionTTL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	span.SetAttributes(attribute.String("checkout.session_id", s.ID))

	for i, it := range items {
		_, err := m.ledger.Reserve(ctx, reservation.Request{
			ID:            uuid.NewString(),
			SessionID:     s.ID,
			ProductID:     it.ProductID,
			Size:          it.Size,
			Qty:           it.Quantity,
			ConfiguredQty: infos[i].ConfiguredQty,
			SoldQty:       infos[i].SoldQty,
			ExpiresAt:     s.ExpiresAt,
		}, now)
		if err != nil {
			m.rollbackHolds(ctx, s.ID, "reserve failed")
			var su *StockUnavailableError
			if errors.As(err, &su) {
				m.metrics.StockRejected()
				return nil, err
			}
			return nil, fmt.Errorf("reserve %s/%s: %w", it.ProductID, it.Size, err)
		}
	}

	if err := m.store.Create(ctx, s); err != nil {
		m.rollbackHolds(ctx, s.ID, "store session failed")
		return nil, fmt.Errorf("create session: %w", err)
	}

	m.metrics.SessionCreated(string(kind))
	m.publish(TopicSessionCreated, EventSessionCreated, s.ID, SessionCreatedPayload{
		SessionID: s.ID,
		Kind:      s.Kind,
		OwnerKey:  s.Owner.Key(),
		Items:     itemQtys(s.Items),
		ExpiresAt: s.ExpiresAt,
	})
	m.logger.Info("checkout session created",
		slog.String("session_id", s.ID),
		slog.String("kind", string(kind)),
		slog.Int("items", len(items)),
		slog.Time("expires_at", s.ExpiresAt),
	)
	return s, nil
}

func (m *Manager) validateCreate(kind Kind, reqs []ItemRequest, owner Owner) error {
	if !kind.Valid() {
		return invalidf("type", "must be %q or %q", KindBuyNow, KindCart)
	}
	if !owner.Valid() {
		return invalidf("owner", "exactly one of user id or guest tracking id is required")
	}
	if len(reqs) == 0 {
		return invalidf("items", "at least one item is required")
	}
	if kind == KindBuyNow && len(reqs) != 1 {
		return invalidf("items", "buy now takes exactly one item")
	}
	if len(reqs) > m.cfg.MaxItems {
		return invalidf("items", "at most %d items", m.cfg.MaxItems)
	}
	seen := make(map[string]bool, len(reqs))
	for i, r := range reqs {
		if r.ProductID == "" || r.Size == "" {
			return invalidf(fmt.Sprintf("items[%d]", i), "product id and size are required")
		}
		if r.Quantity < 1 || r.Quantity > m.cfg.MaxQuantity {
			return invalidf(fmt.Sprintf("items[%d].quantity", i), "must be between 1 and %d", m.cfg.MaxQuantity)
		}
		k := reservation.Key(r.ProductID, r.Size)
		if seen[k] {
			return invalidf(fmt.Sprintf("items[%d]", i), "duplicate product size %s", k)
		}
		seen[k] = true
	}
	return nil
}

// rollbackHolds releases whatever a failed creation managed to reserve. It
// runs even if the caller's context is already cancelled.
func (m *Manager) rollbackHolds(ctx context.Context, sessionID, reason string) {
	n, err := m.ledger.ReleaseForSession(context.WithoutCancel(ctx), sessionID, reservation.StatusReleased, m.now())
	if err != nil {
		m.logger.Error("rollback reservations",
			slog.String("session_id", sessionID),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.Warn("rolled back reservations",
		slog.String("session_id", sessionID),
		slog.String("reason", reason),
		slog.Int("released", n),
	)
}

// GetSession returns the session if actor owns it. A session that lapsed is
// written through as expired and reported as ErrExpired.
func (m *Manager) GetSession(ctx context.Context, id string, actor Owner) (*Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status == StatusExpired {
		return nil, ErrExpired
	}
	if s.ExpiredAt(m.now()) {
		m.expireLazily(ctx, s.ID)
		return nil, ErrExpired
	}
	if !s.Owner.Matches(actor) {
		return nil, ErrOwnership
	}
	return s, nil
}

// loadActive loads a session the actor may mutate.
func (m *Manager) loadActive(ctx context.Context, id string, actor Owner) (*Session, error) {
	s, err := m.GetSession(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusActive {
		return nil, ErrSessionClosed
	}
	return s, nil
}

func (m *Manager) expireLazily(ctx context.Context, id string) {
	if _, err := m.terminate(ctx, id, StatusExpired, ""); err != nil {
		var fc *FinalizeConflictError
		if !errors.As(err, &fc) {
			m.logger.Error("lazy expiry", slog.String("session_id", id), slog.String("error", err.Error()))
		}
	}
}

// QuantityChange is the result of UpdateItemQuantity. DroppedCoupon is set
// when the applied coupon stopped qualifying and was removed.
type QuantityChange struct {
	Session       *Session
	Totals        Totals
	DroppedCoupon *CouponError
}

// UpdateItemQuantity changes one item's quantity, moving its stock hold with
// it in the same write, and re-runs the applied coupon against the new items.
// A concurrent change to the session fails it with ErrVersionConflict and
// leaves both the session and the hold as the other change wrote them.
func (m *Manager) UpdateItemQuantity(ctx context.Context, id string, actor Owner, productID, size string, qty int) (res *QuantityChange, err error) {
	ctx, span := m.startSpan(ctx, "checkout.UpdateItemQuantity", id)
	defer func() { endSpan(span, err) }()

	if qty < 1 || qty > m.cfg.MaxQuantity {
		return nil, invalidf("quantity", "must be between 1 and %d", m.cfg.MaxQuantity)
	}
	s, err := m.loadActive(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if s.LockedTotals != nil {
		return nil, ErrTotalsLocked
	}
	idx := s.findItem(productID, size)
	if idx < 0 {
		return nil, ErrItemNotFound
	}
	prev := s.Items[idx].Quantity
	if prev == qty {
		return &QuantityChange{Session: s, Totals: s.CalculateTotals()}, nil
	}

	next := *s
	next.Items = append([]Item(nil), s.Items...)
	next.Items[idx].Quantity = qty

	var dropped *CouponError
	if s.AppliedCoupon != nil {
		applied, cerr, err := m.evaluateCoupon(ctx, &next, s.AppliedCoupon.Code)
		if err != nil {
			return nil, err
		}
		next.AppliedCoupon, dropped = applied, cerr
	}

	info, err := m.catalog.GetSizeInfo(ctx, productID, size)
	if err != nil {
		return nil, fmt.Errorf("size info %s/%s: %w", productID, size, err)
	}
	now := m.now()
	next.ValidatedAt = &now
	next.UpdatedAt = now
	err = m.store.UpdateItems(ctx, &next, reservation.Request{
		SessionID:     s.ID,
		ProductID:     productID,
		Size:          size,
		Qty:           qty,
		ConfiguredQty: info.ConfiguredQty,
		SoldQty:       info.SoldQty,
		ExpiresAt:     s.ExpiresAt,
	})
	if err != nil {
		var su *StockUnavailableError
		if errors.As(err, &su) {
			m.metrics.StockRejected()
		}
		if errors.Is(err, ErrExpired) {
			m.expireLazily(ctx, s.ID)
		}
		return nil, err
	}
	if dropped != nil {
		m.logger.Info("coupon removed after quantity change",
			slog.String("session_id", s.ID),
			slog.String("code", dropped.Code),
			slog.String("reason", string(dropped.Reason)),
		)
	}
	return &QuantityChange{Session: &next, Totals: next.CalculateTotals(), DroppedCoupon: dropped}, nil
}

// evaluateCoupon runs the validator for s's items. A rule failure is returned
// as a *CouponError with a nil coupon, never as err.
func (m *Manager) evaluateCoupon(ctx context.Context, s *Session, code string) (*AppliedCoupon, *CouponError, error) {
	res, err := m.coupons.ValidateAndCalculate(ctx, code, s.Owner.Key(), s.couponItems())
	if err != nil {
		return nil, nil, fmt.Errorf("validate coupon: %w", err)
	}
	if !res.Valid {
		return nil, &CouponError{Code: code, Reason: res.Reason, Message: res.Message}, nil
	}
	c, d := res.Coupon, res.Discount
	return &AppliedCoupon{
		CouponID:         c.ID,
		Code:             c.Code,
		Type:             c.Type,
		Value:            c.Value,
		DiscountAmount:   d.DiscountAmount,
		ShippingDiscount: d.ShippingDiscount,
		ItemDiscounts:    d.ItemDiscounts,
		EligibleItems:    d.EligibleItems,
		AppliedAt:        m.now(),
	}, nil, nil
}

// ApplyCoupon validates code against the session's items and stores the
// resulting discount, replacing any coupon already applied.
func (m *Manager) ApplyCoupon(ctx context.Context, id string, actor Owner, code string) (t Totals, err error) {
	ctx, span := m.startSpan(ctx, "checkout.ApplyCoupon", id)
	defer func() { endSpan(span, err) }()

	s, err := m.loadActive(ctx, id, actor)
	if err != nil {
		return Totals{}, err
	}
	if s.LockedTotals != nil {
		return Totals{}, ErrTotalsLocked
	}
	applied, cerr, err := m.evaluateCoupon(ctx, s, code)
	if err != nil {
		return Totals{}, err
	}
	if cerr != nil {
		m.metrics.CouponRejected(string(cerr.Reason))
		return Totals{}, cerr
	}
	now := m.now()
	s.AppliedCoupon = applied
	s.ValidatedAt = &now
	s.UpdatedAt = now
	if err := m.store.Update(ctx, s); err != nil {
		return Totals{}, err
	}
	m.logger.Info("coupon applied",
		slog.String("session_id", s.ID),
		slog.String("code", applied.Code),
		slog.String("discount", applied.DiscountAmount.StringFixed(2)),
	)
	return s.CalculateTotals(), nil
}

func (m *Manager) RemoveCoupon(ctx context.Context, id string, actor Owner) (Totals, error) {
	s, err := m.loadActive(ctx, id, actor)
	if err != nil {
		return Totals{}, err
	}
	if s.LockedTotals != nil {
		return Totals{}, ErrTotalsLocked
	}
	if s.AppliedCoupon == nil {
		return s.CalculateTotals(), nil
	}
	s.AppliedCoupon = nil
	s.UpdatedAt = m.now()
	if err := m.store.Update(ctx, s); err != nil {
		return Totals{}, err
	}
	return s.CalculateTotals(), nil
}

// CloseSession cancels the session and releases its holds. Closing a session
// that already reached any terminal state is a no-op.
func (m *Manager) CloseSession(ctx context.Context, id string, actor Owner) error {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !s.Owner.Matches(actor) {
		return ErrOwnership
	}
	if s.Status.IsTerminal() {
		return nil
	}
	_, err = m.terminate(ctx, id, StatusCancelled, "")
	var fc *FinalizeConflictError
	if errors.As(err, &fc) {
		return nil
	}
	return err
}

// LockForPayment freezes the current totals. Locking again returns the
// existing lock as long as the totals still agree with it.
func (m *Manager) LockForPayment(ctx context.Context, id string, actor Owner) (*LockedTotals, error) {
	s, err := m.loadActive(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	return m.lockTotals(ctx, s)
}

func (m *Manager) lockTotals(ctx context.Context, s *Session) (*LockedTotals, error) {
	totals := s.CalculateTotals()
	if s.LockedTotals != nil {
		if s.LockedTotals.Totals.Equal(totals) {
			return s.LockedTotals, nil
		}
		return nil, ErrTotalsLocked
	}
	now := m.now()
	s.LockedTotals = &LockedTotals{Totals: totals, LockedAt: now}
	s.UpdatedAt = now
	if err := m.store.Update(ctx, s); err != nil {
		return nil, err
	}
	return s.LockedTotals, nil
}

// UnlockTotals drops the lock and any gateway order created for it.
func (m *Manager) UnlockTotals(ctx context.Context, id string, actor Owner) (*Session, error) {
	s, err := m.loadActive(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if s.LockedTotals == nil {
		return nil, ErrNotLocked
	}
	s.LockedTotals = nil
	s.GatewayOrderID = ""
	s.PaymentInitiatedAt = nil
	s.UpdatedAt = m.now()
	if err := m.store.Update(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// ExtendForPayment pushes the session and its holds out by the payment window
// when less than the low-water mark is left. Otherwise it changes nothing.
func (m *Manager) ExtendForPayment(ctx context.Context, id string, actor Owner) (*Session, error) {
	s, err := m.loadActive(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if err := m.extendForPayment(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) extendForPayment(ctx context.Context, s *Session) error {
	now := m.now()
	if s.ExpiresAt.Sub(now) >= m.cfg.PaymentLowWater {
		return nil
	}
	until := now.Add(m.cfg.PaymentExtension)
	if err := m.store.Extend(ctx, s, until, now); err != nil {
		if errors.Is(err, ErrExpired) {
			m.expireLazily(ctx, s.ID)
		}
		return err
	}
	m.logger.Info("session extended for payment",
		slog.String("session_id", s.ID),
		slog.Time("expires_at", until),
	)
	return nil
}

// PaymentOrder is what the client needs to open the gateway's payment flow.
type PaymentOrder struct {
	SessionID      string       `json:"session_id"`
	GatewayOrderID string       `json:"gateway_order_id"`
	Totals         LockedTotals `json:"totals"`
	AmountMinor    int64        `json:"amount_minor"`
	Currency       string       `json:"currency"`
	ExpiresAt      time.Time    `json:"expires_at"`
}

// BeginPayment locks totals, extends the hold window and creates the gateway
// order for the locked amount. Calling it again returns the same order.
func (m *Manager) BeginPayment(ctx context.Context, id string, actor Owner) (po *PaymentOrder, err error) {
	ctx, span := m.startSpan(ctx, "checkout.BeginPayment", id)
	defer func() { endSpan(span, err) }()

	if m.gateway == nil {
		return nil, &GatewayError{Op: "create order", Err: errors.New("gateway not configured")}
	}
	s, err := m.loadActive(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	locked, err := m.lockTotals(ctx, s)
	if err != nil {
		return nil, err
	}
	if err := m.extendForPayment(ctx, s); err != nil {
		return nil, err
	}
	amount := locked.FinalTotal.Shift(2).Round(0).IntPart()
	order := func() *PaymentOrder {
		return &PaymentOrder{
			SessionID:      s.ID,
			GatewayOrderID: s.GatewayOrderID,
			Totals:         *locked,
			AmountMinor:    amount,
			Currency:       s.Currency,
			ExpiresAt:      s.ExpiresAt,
		}
	}
	if s.GatewayOrderID != "" {
		return order(), nil
	}
	if amount <= 0 {
		return nil, invalidf("total", "nothing to pay")
	}

	orderID, err := m.gateway.CreateOrder(ctx, amount, s.Currency, s.ID)
	if err != nil {
		return nil, &GatewayError{Op: "create order", Err: err}
	}
	now := m.now()
	s.GatewayOrderID = orderID
	s.PaymentInitiatedAt = &now
	s.UpdatedAt = now
	if err := m.store.Update(ctx, s); err != nil {
		return nil, err
	}
	m.logger.Info("payment started",
		slog.String("session_id", s.ID),
		slog.String("gateway_order_id", orderID),
		slog.Int64("amount_minor", amount),
	)
	return order(), nil
}

// VerifyPayment checks the client-reported payment against the session's
// gateway order and completes the session.
func (m *Manager) VerifyPayment(ctx context.Context, id string, actor Owner, orderID, paymentID, signature string) (*Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.Owner.Matches(actor) {
		return nil, ErrOwnership
	}
	if s.GatewayOrderID == "" || s.GatewayOrderID != orderID {
		return nil, invalidf("gateway_order_id", "does not belong to this session")
	}
	if paymentID == "" {
		return nil, invalidf("payment_id", "is required")
	}
	if m.gateway == nil || !m.gateway.VerifySignature(orderID, paymentID, signature) {
		return nil, ErrInvalidSignature
	}
	if err := m.Finalize(ctx, id, StatusCompleted, paymentID); err != nil {
		return nil, err
	}
	return m.store.Get(ctx, id)
}

// Finalize records the session's terminal outcome. The first outcome written
// wins: repeating it is a no-op and a different one returns
// *FinalizeConflictError without touching state.
func (m *Manager) Finalize(ctx context.Context, id string, outcome Status, paymentRef string) (err error) {
	ctx, span := m.startSpan(ctx, "checkout.Finalize", id)
	span.SetAttributes(attribute.String("checkout.outcome", string(outcome)))
	defer func() { endSpan(span, err) }()

	if !outcome.IsTerminal() {
		return invalidf("status", "%q is not a terminal status", outcome)
	}
	_, err = m.terminate(ctx, id, outcome, paymentRef)
	return err
}

// terminate writes the terminal transition and runs what follows it. It
// returns true when this call applied the transition.
func (m *Manager) terminate(ctx context.Context, id string, outcome Status, paymentRef string) (bool, error) {
	now := m.now()
	kept, applied, err := m.store.Terminate(ctx, id, outcome, paymentRef, now)
	if err != nil {
		return false, fmt.Errorf("terminate %s: %w", id, err)
	}
	if !applied {
		if kept == outcome {
			return false, nil
		}
		m.metrics.FinalizeConflict()
		m.logger.Warn("finalize conflict",
			slog.String("session_id", id),
			slog.String("kept", string(kept)),
			slog.String("attempted", string(outcome)),
		)
		return false, &FinalizeConflictError{SessionID: id, Kept: kept, Attempted: outcome}
	}

	m.metrics.Finalized(string(outcome))
	m.logger.Info("session finalized",
		slog.String("session_id", id),
		slog.String("status", string(outcome)),
		slog.String("payment_reference", paymentRef),
	)
	if outcome == StatusCompleted {
		if err := m.commitSale(ctx, id); err != nil {
			// the sweep retries; completed holds keep counting meanwhile
			m.logger.Error("commit sale", slog.String("session_id", id), slog.String("error", err.Error()))
		}
	}
	m.publish(TopicSessionFinalized, EventSessionFinalized, id, SessionFinalizedPayload{
		SessionID:        id,
		Status:           outcome,
		PaymentReference: paymentRef,
		FinalizedAt:      now,
	})
	return true, nil
}

// commitSale hands a completed session's quantities to the catalog, records
// coupon usage and then lets the completed holds stop counting.
func (m *Manager) commitSale(ctx context.Context, id string) error {
	ctx = context.WithoutCancel(ctx)
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	for _, it := range s.Items {
		if err := m.catalog.CommitSale(ctx, s.ID, it.ProductID, it.Size, it.Quantity); err != nil {
			return fmt.Errorf("commit %s/%s: %w", it.ProductID, it.Size, err)
		}
	}
	if s.AppliedCoupon != nil {
		if err := m.coupons.RecordUsage(ctx, s.AppliedCoupon.CouponID, s.Owner.Key(), s.ID); err != nil {
			return fmt.Errorf("record coupon usage: %w", err)
		}
	}
	return m.ledger.MarkCommitted(ctx, s.ID, m.now())
}

// ExpireDue finalizes up to limit lapsed sessions as expired. Availability
// never depends on this running.
func (m *Manager) ExpireDue(ctx context.Context, limit int) (int, error) {
	ids, err := m.store.Due(ctx, m.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("due sessions: %w", err)
	}
	n := 0
	for _, id := range ids {
		applied, err := m.terminate(ctx, id, StatusExpired, "")
		var fc *FinalizeConflictError
		if err != nil && !errors.As(err, &fc) {
			m.logger.Error("expire session", slog.String("session_id", id), slog.String("error", err.Error()))
			continue
		}
		if applied {
			n++
		}
	}
	m.metrics.Expired(n)
	return n, nil
}

// RetryCommits re-runs the catalog hand-off for completed sessions whose sale
// was not committed yet.
func (m *Manager) RetryCommits(ctx context.Context, limit int) (int, error) {
	ids, err := m.ledger.PendingCommits(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("pending commits: %w", err)
	}
	n := 0
	for _, id := range ids {
		if err := m.commitSale(ctx, id); err != nil {
			m.logger.Error("retry commit sale", slog.String("session_id", id), slog.String("error", err.Error()))
			continue
		}
		n++
	}
	return n, nil
}

// HandlePaymentEvent applies a gateway notification. A returned error means
// the event may succeed on retry.
func (m *Manager) HandlePaymentEvent(ctx context.Context, ev PaymentEvent) error {
	switch ev.Type {
	case PaymentCaptured, OrderPaid:
	case PaymentFailed:
		m.logger.Info("payment failed",
			slog.String("gateway_order_id", ev.GatewayOrderID),
			slog.String("payment_id", ev.PaymentID),
			slog.String("reason", ev.FailureReason),
		)
		return nil
	default:
		m.logger.Debug("ignoring payment event", slog.String("type", ev.Type))
		return nil
	}

	id, err := m.store.FindByGatewayOrder(ctx, ev.GatewayOrderID)
	if err != nil {
		return fmt.Errorf("session for order %s: %w", ev.GatewayOrderID, err)
	}
	err = m.Finalize(ctx, id, StatusCompleted, ev.PaymentID)
	var fc *FinalizeConflictError
	if errors.As(err, &fc) {
		// money moved for a session that no longer holds stock
		m.logger.Error("captured payment on closed session",
			slog.String("session_id", id),
			slog.String("status", string(fc.Kept)),
			slog.String("payment_id", ev.PaymentID),
		)
		return nil
	}
	return err
}

// Availability is the sellable quantity of (productID, size) right now.
func (m *Manager) Availability(ctx context.Context, productID, size string) (int, error) {
	info, err := m.catalog.GetSizeInfo(ctx, productID, size)
	if err != nil {
		return 0, err
	}
	held, err := m.ledger.HeldQty(ctx, productID, size, m.now())
	if err != nil {
		return 0, err
	}
	return reservation.Available(info.ConfiguredQty, info.SoldQty, held), nil
}

func (m *Manager) publish(topic, eventType, sessionID string, payload any) {
	if m.events == nil {
		return
	}
	env := NewEnvelope(eventType, m.cfg.Producer, sessionID, payload)
	m.events.Publish(topic, PartitionKey(sessionID), kafkax.MustMarshal(env), env.Headers()...)
}
