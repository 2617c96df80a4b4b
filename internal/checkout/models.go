package checkout

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-checkout-reservations/internal/coupon"
)

// Owner is exactly one of an authenticated user or a guest tracking id.
type Owner struct {
	UserID          string `json:"user_id,omitempty"`
	GuestTrackingID string `json:"guest_tracking_id,omitempty"`
}

func (o Owner) Valid() bool {
	return (o.UserID == "") != (o.GuestTrackingID == "")
}

// Key scopes per-owner coupon limits and rate limits.
func (o Owner) Key() string {
	if o.UserID != "" {
		return "user:" + o.UserID
	}
	return "guest:" + o.GuestTrackingID
}

// Matches reports whether actor may act on a session owned by o.
func (o Owner) Matches(actor Owner) bool {
	if o.UserID != "" {
		return actor.UserID == o.UserID
	}
	return o.GuestTrackingID != "" && actor.GuestTrackingID == o.GuestTrackingID
}

// Item is a line of the session with the catalog data captured at creation.
type Item struct {
	ProductID  string          `json:"product_id"`
	Size       string          `json:"size"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Name       string          `json:"name"`
	Image      string          `json:"image,omitempty"`
	Slug       string          `json:"slug,omitempty"`
	CategoryID string          `json:"category_id,omitempty"`
	OnSale     bool            `json:"on_sale,omitempty"`
}

func (it Item) LineTotal() decimal.Decimal {
	return it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))
}

type AppliedCoupon struct {
	CouponID         string                `json:"coupon_id"`
	Code             string                `json:"code"`
	Type             coupon.Type           `json:"type"`
	Value            decimal.Decimal       `json:"value"`
	DiscountAmount   decimal.Decimal       `json:"discount_amount"`
	ShippingDiscount decimal.Decimal       `json:"shipping_discount"`
	ItemDiscounts    []coupon.ItemDiscount `json:"item_discounts,omitempty"`
	EligibleItems    []coupon.ItemRef      `json:"eligible_items,omitempty"`
	AppliedAt        time.Time             `json:"applied_at"`
}

type Totals struct {
	Subtotal         decimal.Decimal `json:"subtotal"`
	DiscountAmount   decimal.Decimal `json:"discount_amount"`
	ShippingDiscount decimal.Decimal `json:"shipping_discount"`
	FinalTotal       decimal.Decimal `json:"final_total"`
}

func (t Totals) Equal(o Totals) bool {
	return t.Subtotal.Equal(o.Subtotal) &&
		t.DiscountAmount.Equal(o.DiscountAmount) &&
		t.ShippingDiscount.Equal(o.ShippingDiscount) &&
		t.FinalTotal.Equal(o.FinalTotal)
}

type LockedTotals struct {
	Totals
	LockedAt time.Time `json:"locked_at"`
}

type Session struct {
	ID                 string         `json:"id"`
	Kind               Kind           `json:"kind"`
	Items              []Item         `json:"items"`
	Owner              Owner          `json:"owner"`
	Currency           string         `json:"currency"`
	AppliedCoupon      *AppliedCoupon `json:"applied_coupon,omitempty"`
	Status             Status         `json:"status"`
	ExpiresAt          time.Time      `json:"expires_at"`
	LockedTotals       *LockedTotals  `json:"locked_totals,omitempty"`
	ValidatedAt        *time.Time     `json:"validated_at,omitempty"`
	PaymentInitiatedAt *time.Time     `json:"payment_initiated_at,omitempty"`
	GatewayOrderID     string         `json:"gateway_order_id,omitempty"`
	PaymentReference   string         `json:"payment_reference,omitempty"`
	FinalizedAt        *time.Time     `json:"finalized_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	// Version guards every read-modify-write of the session.
	Version int64 `json:"version"`
}

// CalculateTotals derives the price breakdown from Items and AppliedCoupon only.
func (s *Session) CalculateTotals() Totals {
	subtotal := decimal.Zero
	for _, it := range s.Items {
		subtotal = subtotal.Add(it.LineTotal())
	}
	discount, shipping := decimal.Zero, decimal.Zero
	if s.AppliedCoupon != nil {
		discount = s.AppliedCoupon.DiscountAmount
		shipping = s.AppliedCoupon.ShippingDiscount
	}
	final := subtotal.Sub(discount).Sub(shipping)
	if final.IsNegative() {
		final = decimal.Zero
	}
	return Totals{
		Subtotal:         subtotal.Round(2),
		DiscountAmount:   discount.Round(2),
		ShippingDiscount: shipping.Round(2),
		FinalTotal:       final.Round(2),
	}
}

// ExpiredAt reports lazy expiry: an active session past ExpiresAt is already gone.
func (s *Session) ExpiredAt(now time.Time) bool {
	return s.Status == StatusActive && !now.Before(s.ExpiresAt)
}

// EffectiveStatus is Status with lazy expiry applied.
func (s *Session) EffectiveStatus(now time.Time) Status {
	if s.ExpiredAt(now) {
		return StatusExpired
	}
	return s.Status
}

func (s *Session) findItem(productID, size string) int {
	for i, it := range s.Items {
		if it.ProductID == productID && it.Size == size {
			return i
		}
	}
	return -1
}

func (s *Session) couponItems() []coupon.Item {
	out := make([]coupon.Item, 0, len(s.Items))
	for _, it := range s.Items {
		out = append(out, coupon.Item{
			ProductID:  it.ProductID,
			Size:       it.Size,
			CategoryID: it.CategoryID,
			Price:      it.UnitPrice,
			Quantity:   it.Quantity,
			OnSale:     it.OnSale,
		})
	}
	return out
}

// ItemRequest is what a client asks for; prices come from the catalog.
type ItemRequest struct {
	ProductID string `json:"product_id"`
	Size      string `json:"size"`
	Quantity  int    `json:"quantity"`
}

// SizeInfo is the catalog's view of one purchasable (product, size).
type SizeInfo struct {
	ConfiguredQty int
	SoldQty       int
	Price         decimal.Decimal
	Name          string
	Image         string
	Slug          string
	CategoryID    string
	OnSale        bool
}
