// Package checkouttest provides in-memory collaborators and a Redis-backed
// Manager for tests of checkout and its callers.
package checkouttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-checkout-reservations/internal/checkout"
	"github.com/ariefcatur/go-checkout-reservations/internal/coupon"
	"github.com/ariefcatur/go-checkout-reservations/internal/gateway"
	"github.com/ariefcatur/go-checkout-reservations/internal/reservation"
)

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(t time.Time) *Clock { return &Clock{now: t} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Catalog is an in-memory catalog. CommitErr, when set, fails CommitSale.
type Catalog struct {
	mu        sync.Mutex
	sizes     map[string]checkout.SizeInfo
	commits   map[string]bool
	afterRead func()
	CommitErr error
}

func NewCatalog() *Catalog {
	return &Catalog{sizes: map[string]checkout.SizeInfo{}, commits: map[string]bool{}}
}

func (c *Catalog) Add(productID, size string, info checkout.SizeInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sizes[reservation.Key(productID, size)] = info
}

func (c *Catalog) GetSizeInfo(_ context.Context, productID, size string) (*checkout.SizeInfo, error) {
	c.mu.Lock()
	info, ok := c.sizes[reservation.Key(productID, size)]
	fn := c.afterRead
	c.afterRead = nil
	c.mu.Unlock()
	if !ok {
		return nil, checkout.ErrProductNotFound
	}
	if fn != nil {
		fn()
	}
	return &info, nil
}

// AfterNextRead runs fn once, after the next GetSizeInfo took its snapshot
// and before that snapshot is returned.
func (c *Catalog) AfterNextRead(fn func()) {
	c.mu.Lock()
	c.afterRead = fn
	c.mu.Unlock()
}

func (c *Catalog) CommitSale(_ context.Context, sessionID, productID, size string, qty int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CommitErr != nil {
		return c.CommitErr
	}
	k := sessionID + "|" + reservation.Key(productID, size)
	if c.commits[k] {
		return nil
	}
	info, ok := c.sizes[reservation.Key(productID, size)]
	if !ok {
		return checkout.ErrProductNotFound
	}
	info.SoldQty += qty
	c.sizes[reservation.Key(productID, size)] = info
	c.commits[k] = true
	return nil
}

func (c *Catalog) Sold(productID, size string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sizes[reservation.Key(productID, size)].SoldQty
}

func (c *Catalog) SetCommitErr(err error) {
	c.mu.Lock()
	c.CommitErr = err
	c.mu.Unlock()
}

// Coupons is an in-memory coupon.Repository.
type Coupons struct {
	mu      sync.Mutex
	coupons map[string]*coupon.Coupon
	usages  map[string][2]string // session -> coupon id, owner key
}

func NewCoupons(cs ...*coupon.Coupon) *Coupons {
	r := &Coupons{coupons: map[string]*coupon.Coupon{}, usages: map[string][2]string{}}
	for _, c := range cs {
		r.coupons[c.Code] = c
	}
	return r
}

func (r *Coupons) GetByCode(_ context.Context, code string) (*coupon.Coupon, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.coupons[code]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	return c, nil
}

func (r *Coupons) UsageCount(_ context.Context, couponID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, u := range r.usages {
		if u[0] == couponID {
			n++
		}
	}
	return n, nil
}

func (r *Coupons) OwnerUsageCount(_ context.Context, couponID, ownerKey string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, u := range r.usages {
		if u[0] == couponID && u[1] == ownerKey {
			n++
		}
	}
	return n, nil
}

func (r *Coupons) RecordUsage(_ context.Context, couponID, ownerKey, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.usages[sessionID]; !ok {
		r.usages[sessionID] = [2]string{couponID, ownerKey}
	}
	return nil
}

// Gateway issues sequential order ids and signs with Secret.
type Gateway struct {
	mu     sync.Mutex
	Secret string
	Err    error
	Orders []Order
}

type Order struct {
	ID          string
	AmountMinor int64
	Currency    string
	Receipt     string
}

func (g *Gateway) CreateOrder(_ context.Context, amountMinor int64, currency, receipt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return "", g.Err
	}
	id := fmt.Sprintf("order_%d", len(g.Orders)+1)
	g.Orders = append(g.Orders, Order{ID: id, AmountMinor: amountMinor, Currency: currency, Receipt: receipt})
	return id, nil
}

func (g *Gateway) VerifySignature(orderID, paymentID, signature string) bool {
	return signature != "" && signature == g.Sign(orderID, paymentID)
}

func (g *Gateway) Sign(orderID, paymentID string) string {
	return gateway.Sign([]byte(g.Secret), []byte(orderID+"|"+paymentID))
}

func (g *Gateway) OrderCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Orders)
}

// Publisher records published messages.
type Publisher struct {
	mu       sync.Mutex
	Messages []kafkago.Message
}

func (p *Publisher) Publish(topic string, key, value []byte, headers ...kafkago.Header) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Messages = append(p.Messages, kafkago.Message{Topic: topic, Key: key, Value: value, Headers: headers})
}

func (p *Publisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.Messages))
	for _, m := range p.Messages {
		out = append(out, m.Topic)
	}
	return out
}
