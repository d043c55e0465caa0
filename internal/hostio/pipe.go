package hostio

import (
	"context"
	"net"
	"sync"

	"tunnelcore/internal/config"
	"tunnelcore/internal/connset"
	"tunnelcore/internal/packet"
)

type pipeBatch struct {
	payloads [][]byte
	families []packet.IPVersion
}

// PipeHostIO is an in-process HostIO for tests and the demo binary: an
// operator feeds outbound packets via Inject, and outbound connections
// dial real sockets through the standard library (the core has no
// virtual-interface driver of its own to exercise here).
type PipeHostIO struct {
	mu       sync.Mutex
	inbox    chan pipeBatch
	written  []pipeBatch
	settings config.Provider
	dialer   net.Dialer
}

// NewPipeHostIO returns a PipeHostIO with a bounded inbox of the given
// capacity.
func NewPipeHostIO(inboxCapacity int) *PipeHostIO {
	if inboxCapacity <= 0 {
		inboxCapacity = 16
	}
	return &PipeHostIO{inbox: make(chan pipeBatch, inboxCapacity)}
}

// Inject enqueues a batch of outbound IP datagrams as if read from the
// virtual interface.
func (p *PipeHostIO) Inject(payloads [][]byte, families []packet.IPVersion) {
	p.inbox <- pipeBatch{payloads: payloads, families: families}
}

func (p *PipeHostIO) ReadPackets(ctx context.Context) ([][]byte, []packet.IPVersion, error) {
	select {
	case b := <-p.inbox:
		return b.payloads, b.families, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (p *PipeHostIO) WritePackets(payloads [][]byte, families []packet.IPVersion) error {
	p.mu.Lock()
	p.written = append(p.written, pipeBatch{payloads: payloads, families: families})
	p.mu.Unlock()
	return nil
}

// Written returns every payload handed to WritePackets so far, flattened
// across batches in call order, for test assertions.
func (p *PipeHostIO) Written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out [][]byte
	for _, b := range p.written {
		out = append(out, b.payloads...)
	}
	return out
}

func (p *PipeHostIO) MakeTCPConnection(ctx context.Context, endpoint string) (connset.PhysicalConn, error) {
	conn, err := p.dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, err
	}
	return wrapNetConn(conn), nil
}

func (p *PipeHostIO) MakeUDPConnection(ctx context.Context, endpoint string, local string) (connset.PhysicalConn, error) {
	d := p.dialer
	if local != "" {
		laddr, err := net.ResolveUDPAddr("udp", local)
		if err != nil {
			return nil, err
		}
		d.LocalAddr = laddr
	}
	conn, err := d.DialContext(ctx, "udp", endpoint)
	if err != nil {
		return nil, err
	}
	return wrapNetConn(conn), nil
}

func (p *PipeHostIO) SetNetworkSettings(_ context.Context, settings config.Provider) error {
	p.mu.Lock()
	p.settings = settings
	p.mu.Unlock()
	return nil
}

// Settings returns the last settings applied via SetNetworkSettings.
func (p *PipeHostIO) Settings() config.Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}
