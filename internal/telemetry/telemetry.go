// Package telemetry runs the periodic snapshot -> filter chain -> event
// buffer -> publish pipeline that sits downstream of the metrics
// collector, collapsing what were several near-duplicate coordinators in
// the original implementation into one canonical component.
package telemetry

import (
	"context"
	"sync"
	"time"

	"tunnelcore/internal/metrics"
)

// DefaultBufferCapacity bounds the published-event backlog.
const DefaultBufferCapacity = 256

// Filter inspects (and may redact or reject) a snapshot before it is
// buffered and published. Returning ok=false drops the snapshot entirely.
type Filter func(metrics.MetricsSnapshot) (metrics.MetricsSnapshot, bool)

// Subscriber receives every snapshot that survives the filter chain.
type Subscriber interface {
	Publish(metrics.MetricsSnapshot)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(metrics.MetricsSnapshot)

func (f SubscriberFunc) Publish(s metrics.MetricsSnapshot) { f(s) }

// snapshotSource is whatever the bus polls on its timer; *metrics.Store
// does not fit (it is append-only), so the bus is driven by a pull
// function instead of a concrete collector type.
type snapshotSource func() (metrics.MetricsSnapshot, bool)

// Bus periodically pulls a snapshot, runs it through the registered
// filter chain in order, appends surviving snapshots to a bounded ring,
// and fans them out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	filters     []Filter
	subscribers []Subscriber
	buffer      []metrics.MetricsSnapshot
	bufferCap   int

	interval time.Duration
	source   snapshotSource
}

// New returns a Bus polling source every interval (DefaultBufferCapacity
// when bufferCap is 0).
func New(interval time.Duration, bufferCap int, source snapshotSource) *Bus {
	if interval <= 0 {
		interval = time.Second
	}
	if bufferCap <= 0 {
		bufferCap = DefaultBufferCapacity
	}
	return &Bus{interval: interval, bufferCap: bufferCap, source: source}
}

// NewFromStore builds a Bus that polls store for its most recent
// snapshot each tick.
func NewFromStore(interval time.Duration, bufferCap int, store *metrics.Store) *Bus {
	return New(interval, bufferCap, func() (metrics.MetricsSnapshot, bool) {
		all, err := store.All()
		if err != nil || len(all) == 0 {
			return metrics.MetricsSnapshot{}, false
		}
		return all[len(all)-1], true
	})
}

// AddFilter registers f to run, in registration order, on every polled
// snapshot.
func (b *Bus) AddFilter(f Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filters = append(b.filters, f)
}

// Subscribe registers s to receive every snapshot that survives the
// filter chain.
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, s)
}

// Run polls and publishes on interval until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	t := time.NewTicker(b.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			b.Tick()
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one poll/filter/buffer/publish cycle without waiting for the
// ticker; exported so callers (and tests) can drive the bus deterministically.
func (b *Bus) Tick() {
	if b.source == nil {
		return
	}
	snap, ok := b.source()
	if !ok {
		return
	}

	b.mu.RLock()
	filters := append([]Filter(nil), b.filters...)
	subs := append([]Subscriber(nil), b.subscribers...)
	b.mu.RUnlock()

	for _, f := range filters {
		snap, ok = f(snap)
		if !ok {
			return
		}
	}

	b.mu.Lock()
	b.buffer = append(b.buffer, snap)
	if len(b.buffer) > b.bufferCap {
		b.buffer = b.buffer[len(b.buffer)-b.bufferCap:]
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Publish(snap)
	}
}

// Buffered returns the most recent limit (or all, if fewer) published
// snapshots, oldest first.
func (b *Bus) Buffered(limit int) []metrics.MetricsSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 || limit > len(b.buffer) {
		limit = len(b.buffer)
	}
	start := len(b.buffer) - limit
	out := make([]metrics.MetricsSnapshot, limit)
	copy(out, b.buffer[start:])
	return out
}

// ErrorCountFilter drops snapshots with no reported errors, useful when a
// subscriber only cares about failure telemetry.
func ErrorCountFilter() Filter {
	return func(s metrics.MetricsSnapshot) (metrics.MetricsSnapshot, bool) {
		return s, len(s.Errors) > 0
	}
}
