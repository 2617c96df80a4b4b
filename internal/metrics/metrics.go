package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "checkout"

type ServerMetrics struct {
	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec
}

func NewServerMetrics(reg prometheus.Registerer, service string) *ServerMetrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: service,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"handler", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: service,
		Name:      "http_request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"handler"})

	reg.MustRegister(requests, latency)
	return &ServerMetrics{Requests: requests, LatencyMS: latency}
}

// Checkout counts session outcomes. A nil *Checkout records nothing.
type Checkout struct {
	sessions        *prometheus.CounterVec
	stockRejections prometheus.Counter
	finalized       *prometheus.CounterVec
	conflicts       prometheus.Counter
	expired         prometheus.Counter
	coupons         *prometheus.CounterVec
	webhooks        *prometheus.CounterVec
}

func NewCheckout(reg prometheus.Registerer) *Checkout {
	m := &Checkout{
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_created_total",
			Help: "Checkout sessions created, by kind.",
		}, []string{"kind"}),
		stockRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "stock_rejections_total",
			Help: "Session creations or quantity changes refused for lack of stock.",
		}),
		finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_finalized_total",
			Help: "Terminal transitions written, by outcome.",
		}, []string{"outcome"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "finalize_conflicts_total",
			Help: "Finalize calls that lost to a different terminal outcome.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweep_expired_total",
			Help: "Sessions expired by the background sweep.",
		}),
		coupons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "coupon_rejections_total",
			Help: "Coupon applications refused, by reason.",
		}, []string{"reason"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "webhooks_total",
			Help: "Payment webhooks received, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.sessions, m.stockRejections, m.finalized, m.conflicts, m.expired, m.coupons, m.webhooks)
	return m
}

func (m *Checkout) SessionCreated(kind string) {
	if m != nil {
		m.sessions.WithLabelValues(kind).Inc()
	}
}

func (m *Checkout) StockRejected() {
	if m != nil {
		m.stockRejections.Inc()
	}
}

func (m *Checkout) Finalized(outcome string) {
	if m != nil {
		m.finalized.WithLabelValues(outcome).Inc()
	}
}

func (m *Checkout) FinalizeConflict() {
	if m != nil {
		m.conflicts.Inc()
	}
}

func (m *Checkout) Expired(n int) {
	if m != nil && n > 0 {
		m.expired.Add(float64(n))
	}
}

func (m *Checkout) CouponRejected(reason string) {
	if m != nil {
		m.coupons.WithLabelValues(reason).Inc()
	}
}

func (m *Checkout) Webhook(result string) {
	if m != nil {
		m.webhooks.WithLabelValues(result).Inc()
	}
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
