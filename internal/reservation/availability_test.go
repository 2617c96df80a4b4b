package reservation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAvailable_FloorsAtZero(t *testing.T) {
	assert.Equal(t, 3, Available(5, 2, 0))
	assert.Equal(t, 0, Available(5, 2, 3))
	assert.Equal(t, 0, Available(5, 4, 3))
	assert.Equal(t, 0, Available(0, 0, 0))
}

func TestHeldQty_ExcludesLapsedActiveRows(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	committed := now.Add(-time.Minute)

	rs := []Reservation{
		{ProductID: "p1", Size: "M", Qty: 2, Status: StatusActive, ExpiresAt: now.Add(time.Minute)},
		// past expiry but nobody rewrote the status yet
		{ProductID: "p1", Size: "M", Qty: 5, Status: StatusActive, ExpiresAt: now},
		{ProductID: "p1", Size: "M", Qty: 1, Status: StatusReleased, ExpiresAt: now.Add(time.Hour)},
		{ProductID: "p1", Size: "M", Qty: 4, Status: StatusCompleted, ExpiresAt: now.Add(-time.Hour)},
		{ProductID: "p1", Size: "M", Qty: 7, Status: StatusCompleted, CommittedAt: &committed},
		{ProductID: "p1", Size: "L", Qty: 9, Status: StatusActive, ExpiresAt: now.Add(time.Hour)},
	}

	assert.Equal(t, 6, HeldQty(rs, "p1", "M", now))
	assert.Equal(t, 9, HeldQty(rs, "p1", "L", now))
	assert.Equal(t, 0, HeldQty(rs, "p2", "M", now))
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusActive.IsTerminal())
	for _, s := range []Status{StatusReleased, StatusExpired, StatusCompleted} {
		assert.True(t, s.IsTerminal(), s)
	}
}
