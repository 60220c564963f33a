package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type countingEvaluator struct {
	mu    sync.Mutex
	calls map[int64]int
	last  map[int64]time.Time
}

func (c *countingEvaluator) Evaluate(_ context.Context, userID int64, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[userID]++
	c.last[userID] = at
	return nil
}

func TestTrackerCollapsesBursts(t *testing.T) {
	ev := &countingEvaluator{calls: map[int64]int{}, last: map[int64]time.Time{}}
	tr := NewTracker(ev, time.Hour, zerolog.Nop())

	for i := 0; i < 5; i++ {
		tr.Track(1, "cart.update")
	}
	tr.Track(2, "cart.add")
	assert.Equal(t, 2, tr.Pending())

	tr.Flush()
	assert.Equal(t, 0, tr.Pending())
	assert.Equal(t, 1, ev.calls[1])
	assert.Equal(t, 1, ev.calls[2])
}

func TestTrackerFiresAfterDebounce(t *testing.T) {
	ev := &countingEvaluator{calls: map[int64]int{}, last: map[int64]time.Time{}}
	tr := NewTracker(ev, 20*time.Millisecond, zerolog.Nop())
	tr.Track(7, "cart.add")

	assert.Eventually(t, func() bool {
		ev.mu.Lock()
		defer ev.mu.Unlock()
		return ev.calls[7] == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, tr.Pending())
}

func TestTrackerIgnoresAfterClose(t *testing.T) {
	ev := &countingEvaluator{calls: map[int64]int{}, last: map[int64]time.Time{}}
	tr := NewTracker(ev, time.Hour, zerolog.Nop())
	tr.Close()
	tr.Track(1, "cart.add")
	assert.Equal(t, 0, tr.Pending())
}
