package checkout

import "github.com/ariefcatur/go-checkout-reservations/internal/reservation"

type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// Only active sessions move, and only to a terminal state. active -> active
// (payment extension) is a write on the session, not a status change.
var validNext = map[Status]map[Status]bool{
	StatusActive:    {StatusCancelled: true, StatusCompleted: true, StatusExpired: true},
	StatusCancelled: {},
	StatusCompleted: {},
	StatusExpired:   {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusExpired
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// ReservationStatus is what a session's reservations become when the session
// reaches s.
func (s Status) ReservationStatus() reservation.Status {
	switch s {
	case StatusCompleted:
		return reservation.StatusCompleted
	case StatusExpired:
		return reservation.StatusExpired
	case StatusCancelled:
		return reservation.StatusReleased
	}
	return reservation.StatusActive
}

type Kind string

const (
	KindBuyNow Kind = "buy_now"
	KindCart   Kind = "cart"
)

func (k Kind) Valid() bool { return k == KindBuyNow || k == KindCart }
