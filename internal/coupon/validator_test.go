package coupon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	coupons    map[string]*Coupon
	usage      map[string]int
	ownerUsage map[string]int
	err        error
}

func newFakeRepo(cs ...*Coupon) *fakeRepo {
	r := &fakeRepo{coupons: map[string]*Coupon{}, usage: map[string]int{}, ownerUsage: map[string]int{}}
	for _, c := range cs {
		r.coupons[c.Code] = c
	}
	return r
}

func (r *fakeRepo) GetByCode(_ context.Context, code string) (*Coupon, error) {
	if r.err != nil {
		return nil, r.err
	}
	c, ok := r.coupons[code]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (r *fakeRepo) UsageCount(_ context.Context, id string) (int, error) { return r.usage[id], nil }

func (r *fakeRepo) OwnerUsageCount(_ context.Context, id, owner string) (int, error) {
	return r.ownerUsage[id+"|"+owner], nil
}

func (r *fakeRepo) RecordUsage(_ context.Context, id, owner, _ string) error {
	r.usage[id]++
	r.ownerUsage[id+"|"+owner]++
	return nil
}

var fixedNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func save10() *Coupon {
	return &Coupon{
		ID: "c-save10", Code: "SAVE10", Type: TypePercentage, Value: dec("10"),
		MaxDiscount: dec("80"), Active: true,
	}
}

func validator(repo Repository) *Validator {
	return NewValidator(repo, func() time.Time { return fixedNow })
}

func TestValidate_PercentageCapped(t *testing.T) {
	v := validator(newFakeRepo(save10()))
	items := []Item{{ProductID: "p1", Size: "M", Price: dec("500"), Quantity: 2}}

	res, err := v.ValidateAndCalculate(context.Background(), " save10 ", "user:u1", items)
	require.NoError(t, err)
	require.True(t, res.Valid)
	assert.Equal(t, "80", res.Discount.DiscountAmount.String())
	assert.True(t, res.Discount.ShippingDiscount.IsZero())
	require.Len(t, res.Discount.ItemDiscounts, 1)
	assert.Equal(t, "80", res.Discount.ItemDiscounts[0].Amount.String())

	items[0].Quantity = 1
	res, err = v.ValidateAndCalculate(context.Background(), "SAVE10", "user:u1", items)
	require.NoError(t, err)
	assert.Equal(t, "50", res.Discount.DiscountAmount.String())
}

func TestValidate_FixedCappedAtEligibleAmount(t *testing.T) {
	c := &Coupon{ID: "c2", Code: "FLAT500", Type: TypeFixed, Value: dec("500"), Active: true,
		IncludeCategories: []string{"shoes"}}
	v := validator(newFakeRepo(c))
	items := []Item{
		{ProductID: "p1", Size: "9", CategoryID: "shoes", Price: dec("300"), Quantity: 1},
		{ProductID: "p2", Size: "M", CategoryID: "shirts", Price: dec("1000"), Quantity: 1},
	}

	res, err := v.ValidateAndCalculate(context.Background(), "FLAT500", "", items)
	require.NoError(t, err)
	require.True(t, res.Valid)
	assert.Equal(t, "300", res.Discount.DiscountAmount.String())
	assert.Equal(t, []ItemRef{{ProductID: "p1", Size: "9"}}, res.Discount.EligibleItems)
}

func TestValidate_ShippingCredit(t *testing.T) {
	c := &Coupon{ID: "c3", Code: "FREESHIP", Type: TypeShipping, Value: dec("49"), Active: true}
	v := validator(newFakeRepo(c))

	res, err := v.ValidateAndCalculate(context.Background(), "FREESHIP", "", []Item{{ProductID: "p", Size: "S", Price: dec("10"), Quantity: 1}})
	require.NoError(t, err)
	require.True(t, res.Valid)
	assert.True(t, res.Discount.DiscountAmount.IsZero())
	assert.Equal(t, "49", res.Discount.ShippingDiscount.String())
	assert.Empty(t, res.Discount.ItemDiscounts)
}

func TestValidate_ItemDiscountsSumToTotal(t *testing.T) {
	c := &Coupon{ID: "c4", Code: "THIRD", Type: TypeFixed, Value: dec("100"), Active: true}
	v := validator(newFakeRepo(c))
	items := []Item{
		{ProductID: "a", Size: "S", Price: dec("10"), Quantity: 1},
		{ProductID: "b", Size: "S", Price: dec("10"), Quantity: 1},
		{ProductID: "c", Size: "S", Price: dec("10"), Quantity: 1},
	}

	res, err := v.ValidateAndCalculate(context.Background(), "THIRD", "", items)
	require.NoError(t, err)
	require.Len(t, res.Discount.ItemDiscounts, 3)
	sum := decimal.Zero
	for _, d := range res.Discount.ItemDiscounts {
		sum = sum.Add(d.Amount)
	}
	assert.Equal(t, "30", sum.String())
	assert.Equal(t, "10", res.Discount.ItemDiscounts[0].Amount.String())
}

func TestValidate_RejectionReasons(t *testing.T) {
	past := fixedNow.Add(-time.Hour)
	future := fixedNow.Add(time.Hour)
	item := Item{ProductID: "p1", Size: "M", CategoryID: "shirts", Price: dec("100"), Quantity: 1}

	cases := []struct {
		name   string
		coupon *Coupon
		setup  func(r *fakeRepo)
		items  []Item
		want   Reason
	}{
		{"inactive", &Coupon{ID: "x", Code: "X", Type: TypeFixed, Value: dec("1")}, nil, []Item{item}, ReasonInactive},
		{"not started", &Coupon{ID: "x", Code: "X", Type: TypeFixed, Value: dec("1"), Active: true, StartsAt: &future}, nil, []Item{item}, ReasonNotStarted},
		{"ended", &Coupon{ID: "x", Code: "X", Type: TypeFixed, Value: dec("1"), Active: true, EndsAt: &past}, nil, []Item{item}, ReasonEnded},
		{"global limit", &Coupon{ID: "x", Code: "X", Type: TypeFixed, Value: dec("1"), Active: true, UsageLimit: 2},
			func(r *fakeRepo) { r.usage["x"] = 2 }, []Item{item}, ReasonUsageLimit},
		{"owner limit", &Coupon{ID: "x", Code: "X", Type: TypeFixed, Value: dec("1"), Active: true, PerOwnerLimit: 1},
			func(r *fakeRepo) { r.ownerUsage["x|user:u1"] = 1 }, []Item{item}, ReasonOwnerUsageLimit},
		{"below minimum", &Coupon{ID: "x", Code: "X", Type: TypeFixed, Value: dec("1"), Active: true, MinOrderValue: dec("150")},
			nil, []Item{item}, ReasonBelowMinimum},
		{"excluded product", &Coupon{ID: "x", Code: "X", Type: TypeFixed, Value: dec("1"), Active: true, ExcludeProducts: []string{"p1"}},
			nil, []Item{item}, ReasonNoEligibleItems},
		{"category not included", &Coupon{ID: "x", Code: "X", Type: TypeFixed, Value: dec("1"), Active: true, IncludeCategories: []string{"shoes"}},
			nil, []Item{item}, ReasonNoEligibleItems},
		{"sale items only", &Coupon{ID: "x", Code: "X", Type: TypeFixed, Value: dec("1"), Active: true},
			nil, []Item{{ProductID: "p1", Size: "M", Price: dec("100"), Quantity: 1, OnSale: true}}, ReasonNotStackable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newFakeRepo(tc.coupon)
			if tc.setup != nil {
				tc.setup(repo)
			}
			res, err := validator(repo).ValidateAndCalculate(context.Background(), "X", "user:u1", tc.items)
			require.NoError(t, err)
			assert.False(t, res.Valid)
			assert.Equal(t, tc.want, res.Reason)
			assert.NotEmpty(t, res.Message)
		})
	}
}

func TestValidate_StackableCouponCoversSaleItems(t *testing.T) {
	c := &Coupon{ID: "x", Code: "X", Type: TypePercentage, Value: dec("10"), Active: true, Stackable: true}
	v := validator(newFakeRepo(c))

	res, err := v.ValidateAndCalculate(context.Background(), "X", "", []Item{{ProductID: "p1", Size: "M", Price: dec("100"), Quantity: 1, OnSale: true}})
	require.NoError(t, err)
	require.True(t, res.Valid)
	assert.Equal(t, "10", res.Discount.DiscountAmount.String())
}

func TestValidate_UnknownCode(t *testing.T) {
	v := validator(newFakeRepo())
	res, err := v.ValidateAndCalculate(context.Background(), "NOPE", "", nil)
	require.NoError(t, err)
	assert.Equal(t, ReasonNotFound, res.Reason)
}

func TestValidate_RepositoryError(t *testing.T) {
	repo := newFakeRepo()
	repo.err = errors.New("db down")
	_, err := validator(repo).ValidateAndCalculate(context.Background(), "X", "", nil)
	assert.ErrorContains(t, err, "db down")
}

func TestRecordUsage_CountsTowardLimits(t *testing.T) {
	c := &Coupon{ID: "x", Code: "ONCE", Type: TypeFixed, Value: dec("5"), Active: true, PerOwnerLimit: 1}
	repo := newFakeRepo(c)
	v := validator(repo)
	items := []Item{{ProductID: "p1", Size: "M", Price: dec("100"), Quantity: 1}}

	require.NoError(t, v.RecordUsage(context.Background(), "x", "guest:g1", "s1"))

	res, err := v.ValidateAndCalculate(context.Background(), "ONCE", "guest:g1", items)
	require.NoError(t, err)
	assert.Equal(t, ReasonOwnerUsageLimit, res.Reason)

	res, err = v.ValidateAndCalculate(context.Background(), "ONCE", "guest:g2", items)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}
