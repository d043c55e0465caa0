package engine

import (
	"net/netip"
	"sync"
	"time"

	"tunnelcore/internal/packet"
)

// NoOp reflects every outbound packet straight back through
// EmitPackets, used as a fallback terminator that forwards nothing
// anywhere real.
type NoOp struct {
	mu sync.Mutex
	cb Callbacks
}

// NewNoOp returns an idle NoOp engine.
func NewNoOp() *NoOp {
	return &NoOp{}
}

func (e *NoOp) Start(cb Callbacks) error {
	e.mu.Lock()
	e.cb = cb
	e.mu.Unlock()
	if cb.StartPacketReadLoop != nil {
		cb.StartPacketReadLoop(e.HandlePacket)
	}
	return nil
}

func (e *NoOp) Stop() {
	e.mu.Lock()
	e.cb = Callbacks{}
	e.mu.Unlock()
}

func (e *NoOp) HandlePacket(b []byte, hint packet.FamilyHint) {
	e.mu.Lock()
	cb := e.cb
	e.mu.Unlock()
	if cb.EmitPackets == nil {
		return
	}
	m, ok := packet.Parse(b, hint)
	family := packet.IPv4
	if ok {
		family = m.IPVersion
	}
	cb.EmitPackets([][]byte{b}, []packet.IPVersion{family})
}

func (e *NoOp) OnTCPReceive(uint64, []byte)                             {}
func (e *NoOp) OnUDPReceive(uint64, []byte)                             {}
func (e *NoOp) OnDialResult(uint64, bool, string)                       {}
func (e *NoOp) OnTCPClose(uint64)                                       {}
func (e *NoOp) OnUDPClose(uint64)                                       {}
func (e *NoOp) RecordDNS(string, []netip.Addr, time.Duration)           {}
