package clock

import (
	"testing"
	"time"

	"flowmesh/pkg/types"

	"github.com/stretchr/testify/assert"
)

func TestTumbling_AssignWindow(t *testing.T) {
	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewTumbling(start, 10*time.Second, nil)

	id, ok := a.AssignWindow(start.Add(4 * time.Second))
	assert.True(t, ok)
	assert.Equal(t, types.WindowID(0), id)

	id, ok = a.AssignWindow(start.Add(12 * time.Second))
	assert.True(t, ok)
	assert.Equal(t, types.WindowID(1), id)

	// P5: boundary timestamp exactly at a window edge belongs to the new window.
	id, ok = a.AssignWindow(start.Add(10 * time.Second))
	assert.True(t, ok)
	assert.Equal(t, types.WindowID(1), id)
}

func TestTumbling_DropsBeforeStartAt(t *testing.T) {
	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewTumbling(start, 10*time.Second, nil)

	_, ok := a.AssignWindow(start.Add(-time.Second))
	assert.False(t, ok)
}

func TestEligible_ClosesAtWatermarkBoundary(t *testing.T) {
	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewTumbling(start, 10*time.Second, nil)
	c := NewTestingClock(start)

	assert.False(t, Eligible(a, c, 0))

	c.Advance(9 * time.Second)
	assert.False(t, Eligible(a, c, 0))

	c.Advance(time.Second)
	assert.True(t, Eligible(a, c, 0), "window 0 closes once watermark reaches start_at+length")
}
