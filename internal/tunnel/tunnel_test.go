package tunnel

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"tunnelcore/internal/budget"
	"tunnelcore/internal/engine"
	"tunnelcore/internal/flowtrack"
	"tunnelcore/internal/hosttrack"
	"tunnelcore/internal/metrics"
	"tunnelcore/internal/packet"
	"tunnelcore/internal/policy"
)

// recordingEngine is a minimal engine.Engine double that reflects every
// outbound packet straight back as inbound, mirroring engine.NoOp but
// letting the test observe handler registration directly.
type recordingEngine struct {
	mu      sync.Mutex
	cb      engine.Callbacks
	started bool
	stopped bool
	seen    [][]byte
}

func (e *recordingEngine) Start(cb engine.Callbacks) error {
	e.mu.Lock()
	e.cb = cb
	e.started = true
	e.mu.Unlock()
	cb.StartPacketReadLoop(e.handle)
	return nil
}

func (e *recordingEngine) handle(b []byte, hint packet.FamilyHint) {
	e.mu.Lock()
	e.seen = append(e.seen, append([]byte(nil), b...))
	cb := e.cb
	e.mu.Unlock()
	cb.EmitPackets([][]byte{b}, []packet.IPVersion{packet.IPv4})
}

func (e *recordingEngine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
}

func (e *recordingEngine) HandlePacket(b []byte, hint packet.FamilyHint) {}
func (e *recordingEngine) OnTCPReceive(handle uint64, b []byte)         {}
func (e *recordingEngine) OnUDPReceive(handle uint64, b []byte)         {}
func (e *recordingEngine) OnDialResult(handle uint64, success bool, reason string) {}
func (e *recordingEngine) OnTCPClose(handle uint64) {}
func (e *recordingEngine) OnUDPClose(handle uint64) {}
func (e *recordingEngine) RecordDNS(host string, addrs []netip.Addr, ttl time.Duration) {}

type fakeHostIO struct {
	mu      sync.Mutex
	inbox   chan [][]byte
	written [][]byte
}

func newFakeHostIO() *fakeHostIO {
	return &fakeHostIO{inbox: make(chan [][]byte, 4)}
}

func (h *fakeHostIO) inject(payloads [][]byte) { h.inbox <- payloads }

func (h *fakeHostIO) ReadPackets(ctx context.Context) ([][]byte, []packet.IPVersion, error) {
	select {
	case p := <-h.inbox:
		families := make([]packet.IPVersion, len(p))
		for i := range families {
			families[i] = packet.IPv4
		}
		return p, families, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (h *fakeHostIO) WritePackets(payloads [][]byte, families []packet.IPVersion) error {
	h.mu.Lock()
	h.written = append(h.written, payloads...)
	h.mu.Unlock()
	return nil
}

func minimalIPv4UDP(srcPort, dstPort uint16, payload []byte) []byte {
	total := 20 + 8 + len(payload)
	b := make([]byte, total)
	b[0] = 0x45
	b[2] = byte(total >> 8)
	b[3] = byte(total)
	b[9] = 17 // UDP
	b[12], b[13], b[14], b[15] = 10, 0, 0, 1
	b[16], b[17], b[18], b[19] = 10, 0, 0, 2
	udp := b[20:]
	udp[0] = byte(srcPort >> 8)
	udp[1] = byte(srcPort)
	udp[2] = byte(dstPort >> 8)
	udp[3] = byte(dstPort)
	udpLen := 8 + len(payload)
	udp[4] = byte(udpLen >> 8)
	udp[5] = byte(udpLen)
	copy(udp[8:], payload)
	return b
}

func newTestAdapter(t *testing.T, eng engine.Engine, hostIO *fakeHostIO) *Adapter {
	t.Helper()
	return New(Config{
		HostIO:           hostIO,
		Engine:           eng,
		Metrics:          metrics.New(time.Millisecond, nil),
		HostTracker:      hosttrack.New(0),
		PolicyStore:      policy.NewStore(),
		ByteBudget:       budget.NewByteBudget(1 << 20),
		SendWindow:       budget.NewSendWindow(4),
		FlowTracker:      flowtrack.New(time.Minute, time.Second, 128),
		BurstTracker:     flowtrack.NewBurstTracker(),
		MTU:              1500,
		PerFlowBytes:     1500,
		PacketBatchLimit: 8,
	})
}

func TestAdapterReflectsPacketThroughEngineRoundTrip(t *testing.T) {
	eng := &recordingEngine{}
	hostIO := newFakeHostIO()
	a := newTestAdapter(t, eng, hostIO)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	pkt := minimalIPv4UDP(1234, 53, []byte("hi"))
	hostIO.inject([][]byte{pkt})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hostIO.mu.Lock()
		n := len(hostIO.written)
		hostIO.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected packet to round-trip back to host, got none")
}

func TestAdapterBlockPolicyDropsPacket(t *testing.T) {
	eng := &recordingEngine{}
	hostIO := newFakeHostIO()
	a := newTestAdapter(t, eng, hostIO)
	a.cfg.PolicyStore.Build([]policy.HostRule{
		policy.BlockedHostRule("10.0.0.2"),
	}, nil)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	pkt := minimalIPv4UDP(1234, 53, []byte("hi"))
	hostIO.inject([][]byte{pkt})

	time.Sleep(100 * time.Millisecond)
	eng.mu.Lock()
	seen := len(eng.seen)
	eng.mu.Unlock()
	if seen != 0 {
		t.Fatalf("expected blocked packet never to reach the engine, got %d", seen)
	}
}

func TestAdapterStopIsIdempotentAndDrains(t *testing.T) {
	eng := &recordingEngine{}
	hostIO := newFakeHostIO()
	a := newTestAdapter(t, eng, hostIO)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	a.Stop()
	a.Stop() // a second Stop must be a harmless no-op

	if u := a.cfg.ByteBudget.Utilization(); u != 0 {
		t.Fatalf("expected byte budget fully released after Stop, got utilization %f", u)
	}

	eng.mu.Lock()
	stopped := eng.stopped
	eng.mu.Unlock()
	if !stopped {
		t.Fatalf("expected engine.Stop to have been called")
	}
}
