package flowtrack

import (
	"net/netip"
	"testing"
	"time"
)

func testKey() Key {
	return Key{
		SrcAddr: netip.MustParseAddr("10.0.0.1"),
		SrcPort: 1234,
		DstAddr: netip.MustParseAddr("93.184.216.34"),
		DstPort: 443,
	}
}

func TestFlowAndBurstIdentity(t *testing.T) {
	tr := New(500*time.Millisecond, 100*time.Millisecond, 0)
	k := testKey()
	base := time.Unix(1, 0)

	f0, b0 := tr.Record(k, base)
	f1, b1 := tr.Record(k, base.Add(150*time.Millisecond))
	f2, b2 := tr.Record(k, base.Add(time.Second))

	if f0 != f1 {
		t.Fatalf("expected same flow id within TTL, got %d vs %d", f0, f1)
	}
	if b1 != b0+1 {
		t.Fatalf("expected burst id to increment after gap > threshold, got %d -> %d", b0, b1)
	}
	if f2 == f0 {
		t.Fatalf("expected new flow id after TTL expiry, got same id %d", f2)
	}
	if b2 != 0 {
		t.Fatalf("expected new flow to start at burst 0, got %d", b2)
	}
}

func TestFlowCapEvictsLRU(t *testing.T) {
	tr := New(time.Hour, time.Hour, 2)
	base := time.Unix(1, 0)

	k1 := Key{SrcPort: 1, DstPort: 1}
	k2 := Key{SrcPort: 2, DstPort: 2}
	k3 := Key{SrcPort: 3, DstPort: 3}

	f1, _ := tr.Record(k1, base)
	tr.Record(k2, base.Add(time.Second))
	tr.Record(k3, base.Add(2*time.Second)) // should evict k1 (LRU)

	f1Again, b := tr.Record(k1, base.Add(3*time.Second))
	if f1Again == f1 {
		t.Fatalf("expected k1 to have been evicted and reassigned a new flow id")
	}
	if b != 0 {
		t.Fatalf("expected reassigned flow to start at burst 0")
	}
}

func TestBurstTrackerAccumulates(t *testing.T) {
	bt := NewBurstTracker()
	base := time.Unix(1, 0)

	m1 := bt.Record(1, 0, base, 100)
	m2 := bt.Record(1, 0, base.Add(10*time.Millisecond), 200)

	if m1.Packets != 1 || m1.Bytes != 100 {
		t.Fatalf("unexpected first metrics: %+v", m1)
	}
	if m2.Packets != 2 || m2.Bytes != 300 {
		t.Fatalf("unexpected second metrics: %+v", m2)
	}
	if m2.InterArrivalNsSum != (10 * time.Millisecond).Nanoseconds() {
		t.Fatalf("unexpected inter-arrival sum: %d", m2.InterArrivalNsSum)
	}

	m3 := bt.Record(1, 1, base.Add(time.Second), 50)
	if m3.Packets != 1 || m3.Bytes != 50 {
		t.Fatalf("expected new burst to reset counters, got %+v", m3)
	}
}
