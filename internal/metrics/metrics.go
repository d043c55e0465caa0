// Package metrics implements the core's counters, periodic snapshotting,
// bounded ring buffer, and durable framed snapshot store.
package metrics

import (
	"sync"
	"time"

	"tunnelcore/internal/packet"
)

// Direction distinguishes outbound (host -> network) from inbound traffic.
type Direction uint8

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// DefaultMaxErrorEvents caps the error strings carried in one snapshot.
const DefaultMaxErrorEvents = 32

// PacketSample is one ring-buffer entry per spec §4.3.
type PacketSample struct {
	Timestamp time.Time
	Direction Direction
	IPVersion packet.IPVersion
	Transport packet.Transport
	Length    int
	FlowID    uint64
	BurstID   uint64
	SrcPort   uint16
	DstPort   uint16
	DNSQuery  string
	HasDNSQuery bool
}

// MetricsSnapshot is a point-in-time roll-up emitted by the collector.
type MetricsSnapshot struct {
	CapturedAt   time.Time
	OutboundPackets uint64
	OutboundBytes   uint64
	InboundPackets  uint64
	InboundBytes    uint64
	ActiveTCP    int64
	ActiveUDP    int64
	Errors       []string
}

// Sink receives a snapshot whenever the collector's reporting interval
// elapses and the counters are dirty.
type Sink interface {
	Accept(MetricsSnapshot)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(MetricsSnapshot)

func (f SinkFunc) Accept(s MetricsSnapshot) { f(s) }

// Collector accumulates direction/byte counters and active-connection
// deltas under a single lock, emitting a MetricsSnapshot to an optional
// sink once per reporting interval while dirty.
type Collector struct {
	mu sync.Mutex

	interval       time.Duration
	maxErrorEvents int
	sink           Sink
	now            func() time.Time

	lastReport time.Time
	dirty      bool

	outboundPackets uint64
	outboundBytes   uint64
	inboundPackets  uint64
	inboundBytes    uint64
	activeTCP       int64
	activeUDP       int64
	errors          []string
}

// New returns a Collector reporting to sink (which may be nil) at most
// once per interval.
func New(interval time.Duration, sink Sink) *Collector {
	if interval <= 0 {
		interval = time.Second
	}
	return &Collector{
		interval:       interval,
		maxErrorEvents: DefaultMaxErrorEvents,
		sink:           sink,
		now:            time.Now,
		lastReport:     time.Now(),
	}
}

// RecordPacket folds one packet observation into the running counters
// for dir and maybe emits a snapshot.
func (c *Collector) RecordPacket(dir Direction, n int) {
	c.RecordBatch(dir, 1, n)
}

// RecordBatch folds a whole batch's packet count and byte total into
// the running counters for dir and maybe emits a snapshot.
func (c *Collector) RecordBatch(dir Direction, packets int, totalBytes int) {
	c.mu.Lock()
	if dir == Outbound {
		c.outboundPackets += uint64(packets)
		c.outboundBytes += uint64(totalBytes)
	} else {
		c.inboundPackets += uint64(packets)
		c.inboundBytes += uint64(totalBytes)
	}
	c.dirty = true
	snap, ok := c.maybeReportLocked()
	c.mu.Unlock()
	c.report(snap, ok)
}

// RecordConnectionDelta adjusts the active TCP/UDP connection gauges.
func (c *Collector) RecordConnectionDelta(tcpDelta, udpDelta int64) {
	c.mu.Lock()
	c.activeTCP += tcpDelta
	c.activeUDP += udpDelta
	c.dirty = true
	snap, ok := c.maybeReportLocked()
	c.mu.Unlock()
	c.report(snap, ok)
}

// RecordError appends an error string, bounded at maxErrorEvents (oldest
// dropped first).
func (c *Collector) RecordError(msg string) {
	c.mu.Lock()
	c.errors = append(c.errors, msg)
	if len(c.errors) > c.maxErrorEvents {
		c.errors = c.errors[len(c.errors)-c.maxErrorEvents:]
	}
	c.dirty = true
	snap, ok := c.maybeReportLocked()
	c.mu.Unlock()
	c.report(snap, ok)
}

// Peek returns the running counters as they stand right now, without
// resetting them or consuming the dirty flag — for callers (e.g. an
// RPC status handler) that want the latest totals between report ticks.
func (c *Collector) Peek() MetricsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return MetricsSnapshot{
		CapturedAt:      c.now(),
		OutboundPackets: c.outboundPackets,
		OutboundBytes:   c.outboundBytes,
		InboundPackets:  c.inboundPackets,
		InboundBytes:    c.inboundBytes,
		ActiveTCP:       c.activeTCP,
		ActiveUDP:       c.activeUDP,
		Errors:          append([]string(nil), c.errors...),
	}
}

// Tick runs one report check without a counter update. Nothing in the core
// calls it on a timer; apart from explicit Tick calls, reports are emitted
// only from the Record* methods.
func (c *Collector) Tick() {
	c.mu.Lock()
	snap, ok := c.maybeReportLocked()
	c.mu.Unlock()
	c.report(snap, ok)
}

func (c *Collector) report(snap MetricsSnapshot, ok bool) {
	if ok && c.sink != nil {
		c.sink.Accept(snap)
	}
}

// maybeReportLocked must be called with c.mu held. It resets the dirty
// counters and returns the snapshot to report, if the interval elapsed.
func (c *Collector) maybeReportLocked() (MetricsSnapshot, bool) {
	now := c.now()
	if !c.dirty || now.Sub(c.lastReport) < c.interval {
		return MetricsSnapshot{}, false
	}
	snap := MetricsSnapshot{
		CapturedAt:      now,
		OutboundPackets: c.outboundPackets,
		OutboundBytes:   c.outboundBytes,
		InboundPackets:  c.inboundPackets,
		InboundBytes:    c.inboundBytes,
		ActiveTCP:       c.activeTCP,
		ActiveUDP:       c.activeUDP,
		Errors:          append([]string(nil), c.errors...),
	}
	c.lastReport = now
	c.dirty = false
	c.outboundPackets, c.outboundBytes = 0, 0
	c.inboundPackets, c.inboundBytes = 0, 0
	c.errors = nil
	return snap, true
}
