// Package engine defines the pluggable TCP/UDP terminator contract the
// orchestrator drives, plus the NoOp reflector and a gVisor-backed
// tun2socks-style terminator.
package engine

import (
	"net/netip"
	"time"

	"tunnelcore/internal/packet"
)

// Callbacks is the set of hooks an Engine is handed at Start and uses
// to talk back to the orchestrator.
type Callbacks struct {
	// StartPacketReadLoop registers handler to be invoked with raw
	// outbound IP datagrams as the orchestrator's read loop drains them.
	StartPacketReadLoop func(handler func(b []byte, hint packet.FamilyHint))

	// EmitPackets delivers inbound IP datagrams (engine -> host) for
	// the given families, one entry per payload.
	EmitPackets func(payloads [][]byte, families []packet.IPVersion)

	// MakeTCPConnection and MakeUDPConnection open an outbound
	// connection to endpoint (host:port) and return its handle in the
	// managed connection table. Dial completion is reported
	// asynchronously via OnDialResult.
	MakeTCPConnection func(endpoint string) (handle uint64, err error)
	MakeUDPConnection func(endpoint string) (handle uint64, err error)

	// WriteToHandle forwards bytes the engine terminated locally (e.g.
	// the device's outbound TCP stream) to the physical connection
	// behind handle. Not part of the abstract contract's named hooks,
	// but required for any terminator that actually moves bytes.
	WriteToHandle func(handle uint64, b []byte) error
}

// Engine is the abstract TCP/UDP terminator contract consumed by the
// orchestrator (spec §4.8). The core ships NoOp and a gVisor-based
// Netstack implementation; any conforming terminator may be substituted.
type Engine interface {
	// Start wires callbacks and begins accepting packets. It must be
	// safe to call Stop at any point afterward, including mid-Start.
	Start(cb Callbacks) error

	// Stop is idempotent and releases all resources.
	Stop()

	// HandlePacket feeds one raw IP datagram read from the host.
	HandlePacket(b []byte, hint packet.FamilyHint)

	// OnTCPReceive and OnUDPReceive deliver inbound bytes read from a
	// physical connection previously opened via Make*Connection.
	OnTCPReceive(handle uint64, b []byte)
	OnUDPReceive(handle uint64, b []byte)

	// OnDialResult, OnTCPClose, OnUDPClose report connection-table
	// lifecycle events back to the engine.
	OnDialResult(handle uint64, success bool, reason string)
	OnTCPClose(handle uint64)
	OnUDPClose(handle uint64)

	// RecordDNS is an optional hint the engine may emit when it
	// performs its own name resolution; engines that never resolve
	// names on their own may implement it as a no-op.
	RecordDNS(host string, addrs []netip.Addr, ttl time.Duration)
}
