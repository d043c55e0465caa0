// Package budget implements the global byte-admission control over
// in-flight batch bytes and the bounded send-window semaphore guarding
// concurrent outbound writes.
package budget

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// WarnThreshold is the utilization fraction at which the orchestrator
// should emit a throttled warning event.
const WarnThreshold = 0.85

// ByteBudget is a mutex-protected admission counter with a hard limit.
type ByteBudget struct {
	mu      sync.Mutex
	current int64
	limit   int64

	warnLimiter *rate.Limiter
}

// NewByteBudget returns a budget with the given hard byte limit. Warning
// events for high utilization are throttled to at most one per 5 seconds.
func NewByteBudget(limit int64) *ByteBudget {
	return &ByteBudget{
		limit:       limit,
		warnLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Reserve atomically admits n bytes if doing so would not exceed the
// limit, returning whether admission succeeded.
func (b *ByteBudget) Reserve(n int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current+n > b.limit {
		return false
	}
	b.current += n
	return true
}

// Release returns n bytes to the budget, saturating at 0.
func (b *ByteBudget) Release(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current -= n
	if b.current < 0 {
		b.current = 0
	}
}

// Utilization returns current/limit.
func (b *ByteBudget) Utilization() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit <= 0 {
		return 0
	}
	return float64(b.current) / float64(b.limit)
}

// ShouldWarn reports whether utilization has crossed WarnThreshold and a
// warning hasn't been emitted in the last 5 seconds; it consumes the
// throttle token when returning true.
func (b *ByteBudget) ShouldWarn() bool {
	if b.Utilization() < WarnThreshold {
		return false
	}
	return b.warnLimiter.Allow()
}

// SendWindow is a bounded counting semaphore guarding concurrent outbound
// writes.
type SendWindow struct {
	slots chan struct{}
}

// NewSendWindow returns a SendWindow with the given concurrency cap.
func NewSendWindow(max int) *SendWindow {
	if max <= 0 {
		max = 1
	}
	return &SendWindow{slots: make(chan struct{}, max)}
}

// Acquire blocks until a slot is free, the context is cancelled, or
// timeout elapses (0 means no timeout beyond ctx).
func (w *SendWindow) Acquire(ctx context.Context, timeout time.Duration) bool {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case w.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// Release frees a slot previously acquired.
func (w *SendWindow) Release() {
	select {
	case <-w.slots:
	default:
	}
}
