package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Evaluator 防抖结束后执行的评估。
type Evaluator interface {
	Evaluate(ctx context.Context, userID int64, at time.Time) error
}

type pending struct {
	timer  *time.Timer
	at     time.Time
	reason string
}

// Tracker 按用户防抖购物车活动：窗口内的连续改动合并为一次评估。
// 状态只在本进程内存中，多实例部署时各实例各自防抖。
type Tracker struct {
	eval     Evaluator
	debounce time.Duration
	timeout  time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[int64]*pending
	closed  bool
	wg      sync.WaitGroup
}

func NewTracker(eval Evaluator, debounce time.Duration, log zerolog.Logger) *Tracker {
	return &Tracker{
		eval:     eval,
		debounce: debounce,
		timeout:  10 * time.Second,
		log:      log.With().Str("component", "tracker").Logger(),
		pending:  make(map[int64]*pending),
	}
}

// Track 记录一次购物车活动。
func (t *Tracker) Track(userID int64, reason string) {
	now := time.Now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if p, ok := t.pending[userID]; ok {
		p.at = now
		p.reason = reason
		p.timer.Reset(t.debounce)
		return
	}
	p := &pending{at: now, reason: reason}
	t.wg.Add(1)
	p.timer = time.AfterFunc(t.debounce, func() { t.fire(userID) })
	t.pending[userID] = p
}

func (t *Tracker) fire(userID int64) {
	t.mu.Lock()
	p, ok := t.pending[userID]
	if ok {
		delete(t.pending, userID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	defer t.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := t.eval.Evaluate(ctx, userID, p.at); err != nil {
		t.log.Error().Err(err).Int64("user_id", userID).Str("reason", p.reason).Msg("activity evaluation failed")
	}
}

// Pending 等待评估的用户数。
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Flush 立即执行所有挂起的评估并等待完成。
func (t *Tracker) Flush() {
	t.mu.Lock()
	ids := make([]int64, 0, len(t.pending))
	for id, p := range t.pending {
		if p.timer.Stop() {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()
	for _, id := range ids {
		t.fire(id)
	}
	t.wg.Wait()
}

// Close 停止接收新活动并执行剩余评估。
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.Flush()
}
