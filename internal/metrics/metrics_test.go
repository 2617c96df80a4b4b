package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counter sums every series of the named family.
func counter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}

func TestCheckout_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCheckout(reg)

	m.SessionCreated("cart")
	m.SessionCreated("buy_now")
	m.Finalized("completed")
	m.FinalizeConflict()
	m.Expired(3)
	m.Expired(0)
	m.CouponRejected("ended")

	assert.Equal(t, 2.0, counter(t, reg, "checkout_sessions_created_total"))
	assert.Equal(t, 1.0, counter(t, reg, "checkout_sessions_finalized_total"))
	assert.Equal(t, 1.0, counter(t, reg, "checkout_finalize_conflicts_total"))
	assert.Equal(t, 3.0, counter(t, reg, "checkout_sweep_expired_total"))
	assert.Equal(t, 1.0, counter(t, reg, "checkout_coupon_rejections_total"))
	assert.Equal(t, 0.0, counter(t, reg, "checkout_stock_rejections_total"))
}

func TestCheckout_NilIsNoop(t *testing.T) {
	var m *Checkout
	assert.NotPanics(t, func() {
		m.SessionCreated("buy_now")
		m.StockRejected()
		m.Finalized("expired")
		m.FinalizeConflict()
		m.Expired(1)
		m.CouponRejected("not_found")
		m.Webhook("ok")
	})
}
