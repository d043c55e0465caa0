// Package tunnel wires the read loop, parser, policy/shaper, and
// engine together: the orchestrator (spec §4.9) that owns the tunnel's
// lifecycle and enforces backpressure between the host and the engine.
package tunnel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tunnelcore/internal/budget"
	"tunnelcore/internal/config"
	"tunnelcore/internal/connset"
	"tunnelcore/internal/engine"
	"tunnelcore/internal/flowtrack"
	"tunnelcore/internal/hostio"
	"tunnelcore/internal/hosttrack"
	"tunnelcore/internal/logging"
	"tunnelcore/internal/metrics"
	"tunnelcore/internal/packet"
	"tunnelcore/internal/policy"
	"tunnelcore/internal/shaper"
)

const (
	backoffBase    = time.Millisecond
	backoffCeiling = 5 * time.Millisecond
	maxConsecutiveEmptyReads = 16
)

// PacketTap observes every outbound/inbound packet before policy is
// applied, regardless of whether it is later dropped.
type PacketTap func(dir metrics.Direction, payload []byte, proto packet.Transport)

// Config bundles the orchestrator's wiring and tunables.
type Config struct {
	HostIO       hostio.HostIO
	Engine       engine.Engine
	Metrics      *metrics.Collector
	HostTracker  *hosttrack.Tracker
	PolicyStore  *policy.Store
	ByteBudget   *budget.ByteBudget
	SendWindow   *budget.SendWindow
	FlowTracker  *flowtrack.Tracker
	BurstTracker *flowtrack.BurstTracker

	MTU              int
	PerFlowBytes     int
	PacketBatchLimit int

	Tap    PacketTap
	Events EventSink
	Logger *logging.Logger

	Now func() time.Time
}

type packetBatch struct {
	payloads   [][]byte
	families   []packet.IPVersion
	totalBytes int
}

// Adapter is the tunnel orchestrator.
type Adapter struct {
	cfg Config

	outboundShaper *shaper.Shaper
	inboundShaper  *shaper.Shaper
	connTable      *connset.Table

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	outboundCh chan packetBatch
	inboundCh  chan packetBatch

	mu                    sync.Mutex
	consecutiveEmptyReads int
	engineHandler         func(b []byte, hint packet.FamilyHint)
}

// New builds an Adapter. The connection table's callbacks are wired to
// cfg.Engine immediately; Start begins the read loop and consumers.
func New(cfg Config) *Adapter {
	if cfg.PacketBatchLimit <= 0 {
		cfg.PacketBatchLimit = 64
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	a := &Adapter{
		cfg:            cfg,
		outboundShaper: shaper.New(0, 0),
		inboundShaper:  shaper.New(0, 0),
	}
	a.connTable = connset.New(cfg.MTU, cfg.PerFlowBytes, cfg.SendWindow, connset.Callbacks{
		OnDialResult: cfg.Engine.OnDialResult,
		OnTCPReceive: cfg.Engine.OnTCPReceive,
		OnUDPReceive: cfg.Engine.OnUDPReceive,
		OnTCPClose:   cfg.Engine.OnTCPClose,
		OnUDPClose:   cfg.Engine.OnUDPClose,
	})
	return a
}

// Start publishes willStart, builds the bounded outbound/inbound
// pipelines, and starts the engine.
func (a *Adapter) Start(ctx context.Context) error {
	a.publish(EventWillStart, "")

	a.ctx, a.cancel = context.WithCancel(ctx)
	a.outboundCh = make(chan packetBatch, a.cfg.PacketBatchLimit)
	a.inboundCh = make(chan packetBatch, a.cfg.PacketBatchLimit)

	a.wg.Add(2)
	go a.outboundConsumerLoop()
	go a.inboundConsumerLoop()

	return a.cfg.Engine.Start(engine.Callbacks{
		StartPacketReadLoop: func(handler func(b []byte, hint packet.FamilyHint)) {
			a.mu.Lock()
			a.engineHandler = handler
			a.mu.Unlock()
			a.wg.Add(1)
			go a.readLoop()
		},
		EmitPackets: a.enqueueInbound,
		MakeTCPConnection: func(endpoint string) (uint64, error) {
			return a.dial(connset.KindTCP, endpoint), nil
		},
		MakeUDPConnection: func(endpoint string) (uint64, error) {
			return a.dial(connset.KindUDP, endpoint), nil
		},
		WriteToHandle: func(handle uint64, b []byte) error {
			return a.connTable.Write(a.ctx, handle, append([]byte(nil), b...))
		},
	})
}

// PolicyStore returns the adapter's policy store, so callers can rebuild
// its rule set (e.g. on configuration reload) without restarting the
// tunnel.
func (a *Adapter) PolicyStore() *policy.Store {
	return a.cfg.PolicyStore
}

func (a *Adapter) dial(kind connset.Kind, endpoint string) uint64 {
	a.cfg.Logger.Debugf(config.BreadcrumbFFI, "ffi", "dial kind=%d endpoint=%s", kind, endpoint)
	dialFn := func(ctx context.Context) (connset.PhysicalConn, error) {
		if kind == connset.KindTCP {
			return a.cfg.HostIO.MakeTCPConnection(ctx, endpoint)
		}
		return a.cfg.HostIO.MakeUDPConnection(ctx, endpoint, "")
	}
	return a.connTable.Dial(a.ctx, kind, dialFn)
}

// Stop cancels all tasks, waits for consumers to drain, releases
// reserved bytes, stops the engine, and publishes didStop.
func (a *Adapter) Stop() {
	a.cancel()
	a.connTable.Stop()
	a.cfg.Engine.Stop()
	a.wg.Wait()

	// Only outbound batches ever reserved budget (readLoop reserves on
	// the host->engine leg); inbound batches are drained but never
	// released against the budget, or bytes_reserved == bytes_released
	// would be violated on shutdown.
	a.drainAndRelease(a.outboundCh, true)
	a.drainAndRelease(a.inboundCh, false)

	a.publish(EventDidStop, "")
}

func (a *Adapter) drainAndRelease(ch chan packetBatch, reserved bool) {
	for {
		select {
		case b := <-ch:
			if reserved && a.cfg.ByteBudget != nil && b.totalBytes > 0 {
				a.cfg.ByteBudget.Release(int64(b.totalBytes))
			}
		default:
			return
		}
	}
}

func (a *Adapter) publish(kind EventKind, msg string) {
	if a.cfg.Events == nil {
		return
	}
	a.cfg.Events.Publish(Event{Kind: kind, Message: msg, At: a.cfg.Now()})
}

// readLoop pulls batches from the host, admits them against the byte
// budget, and enqueues them for the outbound consumer.
func (a *Adapter) readLoop() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}

		payloads, families, err := a.cfg.HostIO.ReadPackets(a.ctx)
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.publish(EventDidFail, fmt.Sprintf("read_packets: %v", err))
			continue
		}

		totalBytes := 0
		for _, p := range payloads {
			totalBytes += len(p)
		}

		if len(payloads) == 0 || totalBytes == 0 {
			if !a.sleepBackoff() {
				return
			}
			continue
		}
		a.mu.Lock()
		a.consecutiveEmptyReads = 0
		a.mu.Unlock()

		if a.cfg.ByteBudget != nil && !a.cfg.ByteBudget.Reserve(int64(totalBytes)) {
			a.publish(EventDidFail, "packet budget exhausted")
			continue
		}
		if a.cfg.ByteBudget != nil && a.cfg.ByteBudget.ShouldWarn() {
			a.cfg.Logger.Warnf(config.BreadcrumbPoll, "poll", "packet budget utilization %.2f at or above %.2f", a.cfg.ByteBudget.Utilization(), budget.WarnThreshold)
		}

		batch := packetBatch{payloads: payloads, families: families, totalBytes: totalBytes}
		select {
		case a.outboundCh <- batch:
		case <-a.ctx.Done():
			if a.cfg.ByteBudget != nil {
				a.cfg.ByteBudget.Release(int64(totalBytes))
			}
			return
		}
	}
}

func (a *Adapter) sleepBackoff() bool {
	a.mu.Lock()
	if a.consecutiveEmptyReads < maxConsecutiveEmptyReads {
		a.consecutiveEmptyReads++
	}
	n := a.consecutiveEmptyReads
	a.mu.Unlock()

	shift := n - 1
	if shift > 4 {
		shift = 4
	}
	if shift < 0 {
		shift = 0
	}
	d := backoffBase * time.Duration(1<<uint(shift))
	if d > backoffCeiling {
		d = backoffCeiling
	}
	if n == maxConsecutiveEmptyReads {
		a.cfg.Logger.Debugf(config.BreadcrumbPoll, "poll", "read loop backoff at ceiling: empty_reads=%d delay=%s", n, d)
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-a.ctx.Done():
		return false
	}
}

func (a *Adapter) enqueueInbound(payloads [][]byte, families []packet.IPVersion) {
	totalBytes := 0
	for _, p := range payloads {
		totalBytes += len(p)
	}
	batch := packetBatch{payloads: payloads, families: families, totalBytes: totalBytes}
	select {
	case a.inboundCh <- batch:
	case <-a.ctx.Done():
	}
}

func (a *Adapter) outboundConsumerLoop() {
	defer a.wg.Done()
	for {
		select {
		case batch := <-a.outboundCh:
			a.processOutbound(batch)
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *Adapter) inboundConsumerLoop() {
	defer a.wg.Done()
	for {
		select {
		case batch := <-a.inboundCh:
			a.processInbound(batch)
		case <-a.ctx.Done():
			return
		}
	}
}

// processOutbound implements spec §4.9's outbound consumer steps.
func (a *Adapter) processOutbound(batch packetBatch) {
	released := false
	release := func() {
		if !released && a.cfg.ByteBudget != nil {
			a.cfg.ByteBudget.Release(int64(batch.totalBytes))
		}
		released = true
	}
	defer release()

	if a.cfg.Metrics != nil {
		a.cfg.Metrics.RecordBatch(metrics.Outbound, len(batch.payloads), batch.totalBytes)
	}

	now := a.cfg.Now()
	type decision struct {
		payload []byte
		hint    packet.FamilyHint
		blocked bool
		delay   time.Duration
	}
	decisions := make([]decision, 0, len(batch.payloads))
	maxDelay := time.Duration(0)

	for i, payload := range batch.payloads {
		hint := packet.FamilyUnknown
		if i < len(batch.families) {
			if batch.families[i] == packet.IPv6 {
				hint = packet.FamilyIPv6
			} else {
				hint = packet.FamilyIPv4
			}
		}

		m, ok := packet.Parse(payload, hint)
		var proto packet.Transport
		if ok {
			proto = m.Transport
		}
		if a.cfg.Tap != nil {
			a.cfg.Tap(metrics.Outbound, payload, proto)
		}
		if ok && a.cfg.HostTracker != nil {
			a.cfg.HostTracker.IngestTLS(m, now)
		}
		if ok && a.cfg.FlowTracker != nil {
			fk := flowtrack.Key{IPVersion: m.IPVersion, Transport: m.Transport, SrcAddr: m.SrcAddr, SrcPort: m.SrcPort, DstAddr: m.DstAddr, DstPort: m.DstPort}
			flowID, burstID := a.cfg.FlowTracker.Record(fk, now)
			a.cfg.Logger.Debugf(config.BreadcrumbFlow, "flow", "outbound flow=%d burst=%d bytes=%d", flowID, burstID, len(payload))
			if a.cfg.BurstTracker != nil {
				a.cfg.BurstTracker.Record(flowID, burstID, now, len(payload))
			}
		}

		d := decision{payload: payload, hint: hint}
		if ok {
			host := ""
			if a.cfg.HostTracker != nil {
				host, _ = a.cfg.HostTracker.Lookup(m.DstAddr, now)
			}
			if a.cfg.PolicyStore != nil {
				key := policy.Key{Host: host, IP: m.DstAddr, Port: m.DstPort, Proto: protoOf(m.Transport)}
				act := a.cfg.PolicyStore.Lookup(key)
				switch act.Kind {
				case policy.ActionBlock:
					d.blocked = true
					if a.cfg.Metrics != nil {
						a.cfg.Metrics.RecordError(fmt.Sprintf("Blocked %s host %s", protoLabel(m.Transport), host))
					}
				case policy.ActionShape:
					delay := a.outboundShaper.Reserve(host, act.Shape, len(payload))
					d.delay = delay
					if delay > maxDelay {
						maxDelay = delay
					}
				}
			}
		}
		decisions = append(decisions, d)
	}

	if maxDelay > 0 {
		t := time.NewTimer(maxDelay)
		select {
		case <-t.C:
		case <-a.ctx.Done():
			t.Stop()
			return
		}
	}

	a.mu.Lock()
	handler := a.engineHandler
	a.mu.Unlock()
	if handler == nil {
		return
	}
	for _, d := range decisions {
		if d.blocked {
			continue
		}
		handler(d.payload, d.hint)
	}
}

// processInbound implements spec §4.9's inbound consumer: symmetric to
// outbound, but feeds DNS attribution, applies the inbound shaper, and
// delivers via host.write_packets.
func (a *Adapter) processInbound(batch packetBatch) {
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.RecordBatch(metrics.Inbound, len(batch.payloads), batch.totalBytes)
	}

	now := a.cfg.Now()
	maxDelay := time.Duration(0)

	for i, payload := range batch.payloads {
		hint := packet.FamilyUnknown
		if i < len(batch.families) {
			if batch.families[i] == packet.IPv6 {
				hint = packet.FamilyIPv6
			} else {
				hint = packet.FamilyIPv4
			}
		}
		m, ok := packet.Parse(payload, hint)
		var proto packet.Transport
		if ok {
			proto = m.Transport
		}
		if a.cfg.Tap != nil {
			a.cfg.Tap(metrics.Inbound, payload, proto)
		}
		if !ok {
			continue
		}
		if a.cfg.HostTracker != nil {
			a.cfg.HostTracker.IngestDNS(m, now)
			if m.IsDNS() && m.HasDNSQuery {
				a.cfg.Logger.Debugf(config.BreadcrumbDNS, "dns", "ingested query=%q answers=%d", m.DNSQueryName, len(m.DNSAnswers))
			}
		}
		if a.cfg.FlowTracker != nil {
			fk := flowtrack.Key{IPVersion: m.IPVersion, Transport: m.Transport, SrcAddr: m.SrcAddr, SrcPort: m.SrcPort, DstAddr: m.DstAddr, DstPort: m.DstPort}
			flowID, burstID := a.cfg.FlowTracker.Record(fk, now)
			a.cfg.Logger.Debugf(config.BreadcrumbFlow, "flow", "inbound flow=%d burst=%d bytes=%d", flowID, burstID, len(payload))
			if a.cfg.BurstTracker != nil {
				a.cfg.BurstTracker.Record(flowID, burstID, now, len(payload))
			}
		}
		if a.cfg.PolicyStore != nil {
			host := ""
			if a.cfg.HostTracker != nil {
				host, _ = a.cfg.HostTracker.Lookup(m.SrcAddr, now)
			}
			key := policy.Key{Host: host, IP: m.SrcAddr, Port: m.SrcPort, Proto: protoOf(m.Transport)}
			act := a.cfg.PolicyStore.Lookup(key)
			if act.Kind == policy.ActionShape {
				delay := a.inboundShaper.Reserve(host, act.Shape, len(payload))
				if delay > maxDelay {
					maxDelay = delay
				}
			}
		}
	}

	if maxDelay > 0 {
		t := time.NewTimer(maxDelay)
		select {
		case <-t.C:
		case <-a.ctx.Done():
			t.Stop()
			return
		}
	}

	if a.cfg.HostIO != nil {
		_ = a.cfg.HostIO.WritePackets(batch.payloads, batch.families)
	}
}

func protoOf(t packet.Transport) policy.Proto {
	if t == packet.TransportUDP {
		return policy.ProtoUDP
	}
	return policy.ProtoTCP
}

func protoLabel(t packet.Transport) string {
	switch t {
	case packet.TransportTCP:
		return "tcp"
	case packet.TransportUDP:
		return "udp"
	default:
		return "other"
	}
}
