package reservation

import "time"

// Available is configured - sold - held, floored at zero.
func Available(configuredQty, soldQty, heldQty int) int {
	n := configuredQty - soldQty - heldQty
	if n < 0 {
		return 0
	}
	return n
}

// HeldQty sums the quantity of reservations for (productID, size) that still
// hold stock at now. Expiry is evaluated here, not by whoever last wrote Status.
func HeldQty(rs []Reservation, productID, size string, now time.Time) int {
	held := 0
	for _, r := range rs {
		if r.ProductID != productID || r.Size != size {
			continue
		}
		if r.Holds(now) {
			held += r.Qty
		}
	}
	return held
}

// Key identifies a (product, size) stock bucket.
func Key(productID, size string) string {
	return productID + ":" + size
}
