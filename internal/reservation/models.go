package reservation

import "time"

type Status string

const (
	StatusActive    Status = "active"
	StatusReleased  Status = "released"
	StatusExpired   Status = "expired"
	StatusCompleted Status = "completed"
)

func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusExpired || s == StatusCompleted
}

// Reservation is a time-bounded hold on stock for one checkout session.
// Rows are never deleted; terminal rows stay for audit.
type Reservation struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	ProductID   string     `json:"product_id"`
	Size        string     `json:"size"`
	Qty         int        `json:"qty"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CommittedAt *time.Time `json:"committed_at,omitempty"`
}

// Holds reports whether r still counts against availability at now.
// Active rows count until they lapse. Completed rows keep counting until the
// sale has been committed to the catalog, so the hand-off never frees stock early.
func (r Reservation) Holds(now time.Time) bool {
	switch r.Status {
	case StatusActive:
		return now.Before(r.ExpiresAt)
	case StatusCompleted:
		return r.CommittedAt == nil
	}
	return false
}

// Request describes one compare-and-reserve attempt.
type Request struct {
	ID            string
	SessionID     string
	ProductID     string
	Size          string
	Qty           int
	ConfiguredQty int
	SoldQty       int
	ExpiresAt     time.Time
}
