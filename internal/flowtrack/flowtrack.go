// Package flowtrack assigns 5-tuple flow identity and burst identity to
// observed packets, reaping expired flows lazily and under an LRU cap.
package flowtrack

import (
	"container/list"
	"net/netip"
	"sync"
	"time"

	"tunnelcore/internal/clock"
	"tunnelcore/internal/packet"
)

// Key is the 5-tuple identifying a flow.
type Key struct {
	IPVersion packet.IPVersion
	Transport packet.Transport
	SrcAddr   netip.Addr
	SrcPort   uint16
	DstAddr   netip.Addr
	DstPort   uint16
}

type entry struct {
	key       Key
	flowID    uint64
	burstID   uint64
	firstSeen time.Time
	lastSeen  time.Time
	elem      *list.Element // position in the LRU list
}

// BurstMetrics is a burst's running roll-up as it stands after the most
// recently recorded packet.
type BurstMetrics struct {
	Packets          uint64
	Bytes            uint64
	InterArrivalNsSum int64
}

type burstState struct {
	packets           uint64
	bytes             uint64
	interArrivalNsSum int64
	lastPacket        time.Time
}

// Tracker implements flow/burst identity per spec §4.4.
type Tracker struct {
	mu   sync.Mutex
	ids  *clock.IDAllocator
	flowTTL        time.Duration
	burstThreshold time.Duration
	maxFlows       int

	byKey map[Key]*entry
	lru   *list.List // front = most recently seen
}

// New returns a Tracker with the given TTL, burst threshold, and flow cap.
func New(flowTTL, burstThreshold time.Duration, maxTrackedFlows int) *Tracker {
	return &Tracker{
		ids:            clock.NewIDAllocator(),
		flowTTL:        flowTTL,
		burstThreshold: burstThreshold,
		maxFlows:       maxTrackedFlows,
		byKey:          make(map[Key]*entry),
		lru:            list.New(),
	}
}

// Record assigns (flow_id, burst_id) to the observation at timestamp ts,
// per the identity rules in spec §4.4.
func (t *Tracker) Record(key Key, ts time.Time) (flowID, burstID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byKey[key]
	if !ok || ts.Sub(e.lastSeen) > t.flowTTL {
		if ok {
			t.removeLocked(e)
		}
		t.evictIfFullLocked()
		flowID = t.ids.Next()
		e = &entry{key: key, flowID: flowID, burstID: 0, firstSeen: ts, lastSeen: ts}
		e.elem = t.lru.PushFront(e)
		t.byKey[key] = e
		return e.flowID, e.burstID
	}

	if ts.Sub(e.lastSeen) > t.burstThreshold {
		e.burstID++
	}
	e.lastSeen = ts
	t.lru.MoveToFront(e.elem)
	return e.flowID, e.burstID
}

func (t *Tracker) evictIfFullLocked() {
	if t.maxFlows <= 0 || len(t.byKey) < t.maxFlows {
		return
	}
	back := t.lru.Back()
	if back == nil {
		return
	}
	t.removeLocked(back.Value.(*entry))
}

func (t *Tracker) removeLocked(e *entry) {
	t.lru.Remove(e.elem)
	delete(t.byKey, e.key)
}

// BurstTracker accumulates per-burst packet/byte counters and
// inter-arrival time. Only the current burst of each flow is kept; its
// state is dropped once the flow moves to a new burst_id.
type BurstTracker struct {
	mu    sync.Mutex
	state map[uint64]map[uint64]*burstState // flowID -> burstID -> state
}

// NewBurstTracker returns an empty BurstTracker.
func NewBurstTracker() *BurstTracker {
	return &BurstTracker{state: make(map[uint64]map[uint64]*burstState)}
}

// Record folds one packet observation into its burst's running metrics
// and returns the metrics as they stand after this packet.
func (b *BurstTracker) Record(flowID, burstID uint64, ts time.Time, length int) BurstMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	byBurst, ok := b.state[flowID]
	if !ok {
		byBurst = make(map[uint64]*burstState)
		b.state[flowID] = byBurst
	}
	// A new burst_id for this flow means the previous burst state is done;
	// keep only the current burst to bound memory.
	st, ok := byBurst[burstID]
	if !ok {
		for k := range byBurst {
			if k != burstID {
				delete(byBurst, k)
			}
		}
		st = &burstState{}
		byBurst[burstID] = st
	}

	if !st.lastPacket.IsZero() {
		st.interArrivalNsSum += ts.Sub(st.lastPacket).Nanoseconds()
	}
	st.packets++
	st.bytes += uint64(length)
	st.lastPacket = ts

	return BurstMetrics{Packets: st.packets, Bytes: st.bytes, InterArrivalNsSum: st.interArrivalNsSum}
}
