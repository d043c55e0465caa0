package telemetry

import (
	"testing"
	"time"

	"tunnelcore/internal/metrics"
)

func TestBusFiltersAndPublishes(t *testing.T) {
	n := 0
	source := func() (metrics.MetricsSnapshot, bool) {
		n++
		return metrics.MetricsSnapshot{OutboundPackets: uint64(n)}, true
	}
	b := New(time.Hour, 4, source)

	var got []metrics.MetricsSnapshot
	b.Subscribe(SubscriberFunc(func(s metrics.MetricsSnapshot) {
		got = append(got, s)
	}))

	b.Tick()
	b.Tick()

	if len(got) != 2 {
		t.Fatalf("expected 2 published snapshots, got %d", len(got))
	}
	if got[0].OutboundPackets != 1 || got[1].OutboundPackets != 2 {
		t.Fatalf("unexpected snapshot sequence: %+v", got)
	}
}

func TestBusFilterRejectsSnapshot(t *testing.T) {
	source := func() (metrics.MetricsSnapshot, bool) {
		return metrics.MetricsSnapshot{}, true
	}
	b := New(time.Hour, 4, source)
	b.AddFilter(ErrorCountFilter())

	called := false
	b.Subscribe(SubscriberFunc(func(metrics.MetricsSnapshot) { called = true }))
	b.Tick()

	if called {
		t.Fatalf("expected error-count filter to drop an error-free snapshot")
	}
}

func TestBusBufferIsBoundedAndOrdered(t *testing.T) {
	n := uint64(0)
	source := func() (metrics.MetricsSnapshot, bool) {
		n++
		return metrics.MetricsSnapshot{OutboundPackets: n}, true
	}
	b := New(time.Hour, 2, source)

	for i := 0; i < 5; i++ {
		b.Tick()
	}

	buffered := b.Buffered(10)
	if len(buffered) != 2 {
		t.Fatalf("expected buffer capped at 2, got %d", len(buffered))
	}
	if buffered[0].OutboundPackets != 4 || buffered[1].OutboundPackets != 5 {
		t.Fatalf("expected last two ticks retained in order, got %+v", buffered)
	}
}
