package coupon

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("coupon not found")

// Repository stores coupon definitions and their usage.
type Repository interface {
	GetByCode(ctx context.Context, code string) (*Coupon, error)
	UsageCount(ctx context.Context, couponID string) (int, error)
	OwnerUsageCount(ctx context.Context, couponID, ownerKey string) (int, error)
	RecordUsage(ctx context.Context, couponID, ownerKey, sessionID string) error
}

// Validator checks a code against a set of items. It keeps no session state;
// callers re-run it whenever the items change.
type Validator struct {
	repo Repository
	now  func() time.Time
}

func NewValidator(repo Repository, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{repo: repo, now: now}
}

func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidateAndCalculate applies the eligibility rules in order: active/date
// window, global usage, per-owner usage, minimum order over eligible items,
// include/exclude lists, stacking. ownerKey may be empty for anonymous checks.
// An error is returned only for repository failures; rule failures come back as
// an invalid Result.
func (v *Validator) ValidateAndCalculate(ctx context.Context, code, ownerKey string, items []Item) (*Result, error) {
	code = NormalizeCode(code)
	if code == "" {
		return invalid(ReasonNotFound, "coupon code is required"), nil
	}
	c, err := v.repo.GetByCode(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return invalid(ReasonNotFound, "coupon not found"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get coupon: %w", err)
	}

	now := v.now()
	if !c.Active {
		return invalid(ReasonInactive, "coupon is not active"), nil
	}
	if c.StartsAt != nil && now.Before(*c.StartsAt) {
		return invalid(ReasonNotStarted, "coupon is not valid yet"), nil
	}
	if c.EndsAt != nil && !now.Before(*c.EndsAt) {
		return invalid(ReasonEnded, "coupon has expired"), nil
	}

	if c.UsageLimit > 0 {
		used, err := v.repo.UsageCount(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("coupon usage: %w", err)
		}
		if used >= c.UsageLimit {
			return invalid(ReasonUsageLimit, "coupon usage limit reached"), nil
		}
	}
	if c.PerOwnerLimit > 0 && ownerKey != "" {
		used, err := v.repo.OwnerUsageCount(ctx, c.ID, ownerKey)
		if err != nil {
			return nil, fmt.Errorf("coupon owner usage: %w", err)
		}
		if used >= c.PerOwnerLimit {
			return invalid(ReasonOwnerUsageLimit, "you have already used this coupon"), nil
		}
	}

	listed := make([]Item, 0, len(items))
	for _, it := range items {
		if c.matchesLists(it) {
			listed = append(listed, it)
		}
	}
	eligible := make([]Item, 0, len(listed))
	for _, it := range listed {
		if it.OnSale && !c.Stackable {
			continue
		}
		eligible = append(eligible, it)
	}

	eligibleSubtotal := decimal.Zero
	for _, it := range eligible {
		eligibleSubtotal = eligibleSubtotal.Add(it.LineTotal())
	}
	if c.MinOrderValue.IsPositive() && eligibleSubtotal.LessThan(c.MinOrderValue) {
		return invalid(ReasonBelowMinimum,
			fmt.Sprintf("minimum order value of %s on eligible items not met", c.MinOrderValue.StringFixed(2))), nil
	}
	if len(listed) == 0 {
		return invalid(ReasonNoEligibleItems, "coupon does not apply to these items"), nil
	}
	if len(eligible) == 0 {
		return invalid(ReasonNotStackable, "coupon cannot be combined with sale prices"), nil
	}

	d := c.calculate(eligible, eligibleSubtotal)
	return &Result{Valid: true, Coupon: c, Discount: d}, nil
}

// RecordUsage counts one redemption of couponID for ownerKey.
func (v *Validator) RecordUsage(ctx context.Context, couponID, ownerKey, sessionID string) error {
	return v.repo.RecordUsage(ctx, couponID, ownerKey, sessionID)
}

func (c *Coupon) matchesLists(it Item) bool {
	if slices.Contains(c.ExcludeProducts, it.ProductID) {
		return false
	}
	if it.CategoryID != "" && slices.Contains(c.ExcludeCategories, it.CategoryID) {
		return false
	}
	if len(c.IncludeProducts) == 0 && len(c.IncludeCategories) == 0 {
		return true
	}
	return slices.Contains(c.IncludeProducts, it.ProductID) ||
		(it.CategoryID != "" && slices.Contains(c.IncludeCategories, it.CategoryID))
}

func (c *Coupon) calculate(eligible []Item, eligibleSubtotal decimal.Decimal) *Discount {
	d := &Discount{
		DiscountAmount:   decimal.Zero,
		ShippingDiscount: decimal.Zero,
		EligibleItems:    make([]ItemRef, 0, len(eligible)),
	}
	for _, it := range eligible {
		d.EligibleItems = append(d.EligibleItems, ItemRef{ProductID: it.ProductID, Size: it.Size})
	}

	switch c.Type {
	case TypePercentage:
		amt := eligibleSubtotal.Mul(c.Value).Div(decimal.NewFromInt(100))
		if c.MaxDiscount.IsPositive() && amt.GreaterThan(c.MaxDiscount) {
			amt = c.MaxDiscount
		}
		d.DiscountAmount = amt.Round(2)
	case TypeFixed:
		d.DiscountAmount = decimal.Min(c.Value, eligibleSubtotal).Round(2)
	case TypeShipping:
		d.ShippingDiscount = c.Value.Round(2)
		return d
	}
	d.ItemDiscounts = spread(d.DiscountAmount, eligible, eligibleSubtotal)
	return d
}

// spread splits amount across items pro rata to their line totals. The last
// item absorbs rounding so the parts always sum to amount.
func spread(amount decimal.Decimal, items []Item, subtotal decimal.Decimal) []ItemDiscount {
	if !amount.IsPositive() || !subtotal.IsPositive() {
		return nil
	}
	out := make([]ItemDiscount, 0, len(items))
	remaining := amount
	for i, it := range items {
		share := remaining
		if i < len(items)-1 {
			share = amount.Mul(it.LineTotal()).Div(subtotal).Round(2)
			remaining = remaining.Sub(share)
		}
		out = append(out, ItemDiscount{
			ItemRef: ItemRef{ProductID: it.ProductID, Size: it.Size},
			Amount:  share,
		})
	}
	return out
}
