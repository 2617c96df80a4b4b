package redisx

import (
	"fmt"
	"time"
)

const (
	// Session: hash checkout:session:{id} -> doc, version, status, expires_at, payment_ref, finalized_at, gateway_order_id
	KeySession = "checkout:session:%s"

	// Reservation ids of a session: set checkout:session:{id}:reservations
	KeySessionReservations = "checkout:session:%s:reservations"

	// Reservation: hash checkout:reservation:{id}
	KeyReservation = "checkout:reservation:%s"

	// Reservation ids that may still hold (product, size): set checkout:holds:{product}:{size}
	KeyHolds = "checkout:holds:%s:%s"

	// Sold units the ledger has seen committed: checkout:sold:{product}:{size}
	KeySold = "checkout:sold:%s:%s"

	// Active sessions by expiry: zset score = expires_at (ms)
	KeySessionExpiry = "checkout:sessions:expiry"

	// Completed sessions whose sale is not committed to the catalog yet
	KeyPendingCommits = "checkout:commits:pending"

	// Gateway order -> session: checkout:gateway_order:{order_id}
	KeyGatewayOrder = "checkout:gateway_order:%s"

	// Dedup event processing: dedup:{service}:{id}
	KeyDedup = "dedup:%s:%s"

	// Fixed-window counter: ratelimit:{scope}:{key}
	KeyRateLimit = "ratelimit:%s:%s"
)

// reservationPrefix is KeyReservation without its id, for Lua scripts that
// walk reservation ids.
const reservationPrefix = "checkout:reservation:"

// soldPrefix is KeySold without product and size.
const soldPrefix = "checkout:sold:"

var (
	TTLDedup = 48 * time.Hour
)

func sessionKey(id string) string             { return fmt.Sprintf(KeySession, id) }
func sessionReservationsKey(id string) string { return fmt.Sprintf(KeySessionReservations, id) }
func reservationKey(id string) string         { return fmt.Sprintf(KeyReservation, id) }
func holdsKey(productID, size string) string  { return fmt.Sprintf(KeyHolds, productID, size) }
func soldKey(productID, size string) string   { return fmt.Sprintf(KeySold, productID, size) }
func gatewayOrderKey(id string) string        { return fmt.Sprintf(KeyGatewayOrder, id) }
