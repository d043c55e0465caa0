package metrics

import (
	"testing"
	"time"
)

type capturingSink struct {
	snaps []MetricsSnapshot
}

func (c *capturingSink) Accept(s MetricsSnapshot) {
	c.snaps = append(c.snaps, s)
}

func TestCollectorReportsOnceDirtyPastInterval(t *testing.T) {
	sink := &capturingSink{}
	c := New(10*time.Millisecond, sink)
	now := time.Unix(100, 0)
	c.now = func() time.Time { return now }
	c.lastReport = now

	c.RecordPacket(Outbound, 100)
	if len(sink.snaps) != 0 {
		t.Fatalf("expected no report before interval elapses, got %d", len(sink.snaps))
	}

	now = now.Add(20 * time.Millisecond)
	c.RecordPacket(Outbound, 50)
	if len(sink.snaps) != 1 {
		t.Fatalf("expected exactly one report after interval elapses, got %d", len(sink.snaps))
	}
	if sink.snaps[0].OutboundPackets != 2 || sink.snaps[0].OutboundBytes != 150 {
		t.Fatalf("unexpected snapshot contents: %+v", sink.snaps[0])
	}

	c.RecordPacket(Outbound, 1)
	if len(sink.snaps) != 1 {
		t.Fatalf("expected no further report until dirty again past interval, got %d", len(sink.snaps))
	}
}

func TestRingBufferCapacityAndOrder(t *testing.T) {
	r := NewRing(5)
	for i := uint64(1); i <= 7; i++ {
		r.Append(PacketSample{FlowID: i})
	}
	got := r.Snapshot(3)
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	want := []uint64{5, 6, 7}
	for i, s := range got {
		if s.FlowID != want[i] {
			t.Fatalf("position %d: expected flow id %d, got %d", i, want[i], s.FlowID)
		}
	}
}

func TestRingBufferSnapshotAllWhenUnderLimit(t *testing.T) {
	r := NewRing(5)
	r.Append(PacketSample{FlowID: 1})
	r.Append(PacketSample{FlowID: 2})
	got := r.Snapshot(10)
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
}

func TestStoreRejectsOversizeSnapshot(t *testing.T) {
	s := NewStore(10, 256)
	oversized := MetricsSnapshot{Errors: []string{string(make([]byte, 512))}}
	if err := s.Append(oversized); err == nil {
		t.Fatalf("expected oversized snapshot to be rejected")
	}
	if s.Count() != 0 {
		t.Fatalf("expected store to remain empty, got count=%d", s.Count())
	}
}

func TestStoreEvictsOverCapacity(t *testing.T) {
	s := NewStore(2, 0)
	for i := 0; i < 3; i++ {
		if err := s.Append(MetricsSnapshot{OutboundPackets: uint64(i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if s.Count() != 2 {
		t.Fatalf("expected store capped at 2 snapshots, got %d", s.Count())
	}
	all, err := s.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if all[0].OutboundPackets != 1 || all[1].OutboundPackets != 2 {
		t.Fatalf("expected oldest snapshot evicted, got %+v", all)
	}
}

func TestStoreEncodeLoadRoundTrip(t *testing.T) {
	s := NewStore(10, 0)
	_ = s.Append(MetricsSnapshot{OutboundPackets: 10})
	_ = s.Append(MetricsSnapshot{InboundPackets: 20})

	loaded, err := LoadFrames(s.Encode())
	if err != nil {
		t.Fatalf("LoadFrames: %v", err)
	}
	if len(loaded) != 2 || loaded[0].OutboundPackets != 10 || loaded[1].InboundPackets != 20 {
		t.Fatalf("unexpected round trip result: %+v", loaded)
	}
}

func TestStoreLoadFramesStopsAtIncompleteTrailer(t *testing.T) {
	s := NewStore(10, 0)
	_ = s.Append(MetricsSnapshot{OutboundPackets: 1})
	encoded := s.Encode()
	truncated := append(encoded, 0x00, 0x00, 0x00, 0xFF) // header claiming more than available

	loaded, err := LoadFrames(truncated)
	if err != nil {
		t.Fatalf("LoadFrames: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected only the complete leading frame, got %d", len(loaded))
	}
}
