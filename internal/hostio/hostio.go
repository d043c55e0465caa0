// Package hostio defines the contract the core consumes from the host
// VPN framework: reading/writing tunneled IP datagrams, opening
// physical-interface sockets that bypass the virtual interface, and
// applying network settings once at start.
package hostio

import (
	"context"

	"tunnelcore/internal/config"
	"tunnelcore/internal/connset"
	"tunnelcore/internal/packet"
)

// HostIO is the host-supplied interface consumed by the provider
// controller and orchestrator (spec §6 "Host VPN interface").
type HostIO interface {
	// ReadPackets delivers the next batch of outbound IP datagrams read
	// from the virtual interface, blocking until at least one is
	// available or ctx is cancelled.
	ReadPackets(ctx context.Context) (payloads [][]byte, families []packet.IPVersion, err error)

	// WritePackets synchronously enqueues inbound IP datagrams for
	// delivery to the virtual interface.
	WritePackets(payloads [][]byte, families []packet.IPVersion) error

	// MakeTCPConnection and MakeUDPConnection open a physical-interface
	// socket to endpoint, bypassing the virtual interface entirely.
	MakeTCPConnection(ctx context.Context, endpoint string) (connset.PhysicalConn, error)
	MakeUDPConnection(ctx context.Context, endpoint string, local string) (connset.PhysicalConn, error)

	// SetNetworkSettings applies the provider's interface configuration
	// once, at start.
	SetNetworkSettings(ctx context.Context, p config.Provider) error
}
