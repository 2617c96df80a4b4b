package coupon

import (
	"time"

	"github.com/shopspring/decimal"
)

type Type string

const (
	TypePercentage Type = "percentage"
	TypeFixed      Type = "fixed"
	TypeShipping   Type = "shipping"
)

type Coupon struct {
	ID          string          `json:"id"`
	Code        string          `json:"code"`
	Type        Type            `json:"type"`
	Value       decimal.Decimal `json:"value"`
	Description string          `json:"description"`
	// MaxDiscount caps percentage coupons; zero means uncapped.
	MaxDiscount   decimal.Decimal `json:"max_discount"`
	MinOrderValue decimal.Decimal `json:"min_order_value"`
	Active        bool            `json:"active"`
	StartsAt      *time.Time      `json:"starts_at,omitempty"`
	EndsAt        *time.Time      `json:"ends_at,omitempty"`
	// Zero limits mean unlimited.
	UsageLimit        int      `json:"usage_limit"`
	PerOwnerLimit     int      `json:"per_owner_limit"`
	IncludeProducts   []string `json:"include_products,omitempty"`
	ExcludeProducts   []string `json:"exclude_products,omitempty"`
	IncludeCategories []string `json:"include_categories,omitempty"`
	ExcludeCategories []string `json:"exclude_categories,omitempty"`
	// Stackable coupons may also discount items that are already on sale.
	Stackable bool `json:"stackable"`
}

type Item struct {
	ProductID  string
	Size       string
	CategoryID string
	Price      decimal.Decimal
	Quantity   int
	OnSale     bool
}

func (it Item) LineTotal() decimal.Decimal {
	return it.Price.Mul(decimal.NewFromInt(int64(it.Quantity)))
}

type ItemRef struct {
	ProductID string `json:"product_id"`
	Size      string `json:"size"`
}

type ItemDiscount struct {
	ItemRef
	Amount decimal.Decimal `json:"amount"`
}

type Discount struct {
	DiscountAmount   decimal.Decimal `json:"discount_amount"`
	ShippingDiscount decimal.Decimal `json:"shipping_discount"`
	ItemDiscounts    []ItemDiscount  `json:"item_discounts,omitempty"`
	EligibleItems    []ItemRef       `json:"eligible_items,omitempty"`
}

type Reason string

const (
	ReasonNotFound        Reason = "not_found"
	ReasonInactive        Reason = "inactive"
	ReasonNotStarted      Reason = "not_started"
	ReasonEnded           Reason = "ended"
	ReasonUsageLimit      Reason = "usage_limit_reached"
	ReasonOwnerUsageLimit Reason = "owner_usage_limit_reached"
	ReasonBelowMinimum    Reason = "below_minimum_order"
	ReasonNoEligibleItems Reason = "no_eligible_items"
	ReasonNotStackable    Reason = "not_stackable"
)

// Result is either valid with Coupon and Discount set, or invalid with Reason.
type Result struct {
	Valid    bool
	Reason   Reason
	Message  string
	Coupon   *Coupon
	Discount *Discount
}

func invalid(r Reason, msg string) *Result {
	return &Result{Valid: false, Reason: r, Message: msg}
}
