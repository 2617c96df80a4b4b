package checkout

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCalculateTotals(t *testing.T) {
	s := &Session{Items: []Item{
		{ProductID: "p1", Size: "M", Quantity: 2, UnitPrice: decimal.RequireFromString("199.99")},
		{ProductID: "p2", Size: "L", Quantity: 1, UnitPrice: decimal.RequireFromString("50")},
	}}
	got := s.CalculateTotals()
	assert.Equal(t, "449.98", got.Subtotal.StringFixed(2))
	assert.True(t, got.DiscountAmount.IsZero())
	assert.Equal(t, "449.98", got.FinalTotal.StringFixed(2))

	s.AppliedCoupon = &AppliedCoupon{
		DiscountAmount:   decimal.RequireFromString("45"),
		ShippingDiscount: decimal.RequireFromString("4.98"),
	}
	got = s.CalculateTotals()
	assert.Equal(t, "400.00", got.FinalTotal.StringFixed(2))

	s.AppliedCoupon.DiscountAmount = decimal.RequireFromString("1000")
	assert.True(t, s.CalculateTotals().FinalTotal.IsZero())
}

func TestTotalsEqual(t *testing.T) {
	a := Totals{Subtotal: decimal.RequireFromString("10.0"), FinalTotal: decimal.RequireFromString("10")}
	b := Totals{Subtotal: decimal.RequireFromString("10"), FinalTotal: decimal.RequireFromString("10.00")}
	assert.True(t, a.Equal(b))
	b.FinalTotal = decimal.RequireFromString("9.99")
	assert.False(t, a.Equal(b))
}

func TestEffectiveStatus(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	s := &Session{Status: StatusActive, ExpiresAt: now.Add(time.Minute)}

	assert.Equal(t, StatusActive, s.EffectiveStatus(now))
	assert.Equal(t, StatusExpired, s.EffectiveStatus(now.Add(time.Minute)))

	s.Status = StatusCompleted
	assert.Equal(t, StatusCompleted, s.EffectiveStatus(now.Add(time.Hour)))
}

func TestOwner(t *testing.T) {
	user := Owner{UserID: "u1"}
	g := Owner{GuestTrackingID: "g1"}

	assert.True(t, user.Valid())
	assert.True(t, g.Valid())
	assert.False(t, Owner{}.Valid())
	assert.False(t, Owner{UserID: "u1", GuestTrackingID: "g1"}.Valid())

	assert.Equal(t, "user:u1", user.Key())
	assert.Equal(t, "guest:g1", g.Key())

	assert.True(t, user.Matches(Owner{UserID: "u1"}))
	assert.False(t, user.Matches(Owner{UserID: "u2"}))
	assert.False(t, user.Matches(Owner{GuestTrackingID: "u1"}))
	assert.True(t, g.Matches(Owner{GuestTrackingID: "g1"}))
	assert.False(t, g.Matches(Owner{}))
}

func TestTransitions(t *testing.T) {
	assert.True(t, CanTransition(StatusActive, StatusCompleted))
	assert.True(t, CanTransition(StatusActive, StatusExpired))
	assert.True(t, CanTransition(StatusActive, StatusCancelled))
	assert.False(t, CanTransition(StatusCompleted, StatusExpired))
	assert.False(t, CanTransition(StatusExpired, StatusCompleted))
	assert.False(t, CanTransition(StatusActive, StatusActive))

	assert.Equal(t, "released", string(StatusCancelled.ReservationStatus()))
	assert.Equal(t, "completed", string(StatusCompleted.ReservationStatus()))
	assert.Equal(t, "expired", string(StatusExpired.ReservationStatus()))
}
