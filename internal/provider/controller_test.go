package provider

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"tunnelcore/internal/config"
	"tunnelcore/internal/connset"
	"tunnelcore/internal/engine"
	"tunnelcore/internal/packet"
)

type fakeEngine struct{}

func (e *fakeEngine) Start(cb engine.Callbacks) error {
	cb.StartPacketReadLoop(func(b []byte, hint packet.FamilyHint) {})
	return nil
}
func (e *fakeEngine) Stop()                                             {}
func (e *fakeEngine) HandlePacket(b []byte, hint packet.FamilyHint)      {}
func (e *fakeEngine) OnTCPReceive(handle uint64, b []byte)               {}
func (e *fakeEngine) OnUDPReceive(handle uint64, b []byte)               {}
func (e *fakeEngine) OnDialResult(handle uint64, ok bool, reason string) {}
func (e *fakeEngine) OnTCPClose(handle uint64)                           {}
func (e *fakeEngine) OnUDPClose(handle uint64)                           {}
func (e *fakeEngine) RecordDNS(host string, addrs []netip.Addr, ttl time.Duration) {}

type fakeHostIO struct {
	blocked chan struct{}
	applied config.Provider
}

func newFakeHostIO() *fakeHostIO { return &fakeHostIO{blocked: make(chan struct{})} }

func (h *fakeHostIO) ReadPackets(ctx context.Context) ([][]byte, []packet.IPVersion, error) {
	<-ctx.Done()
	return nil, nil, ctx.Err()
}
func (h *fakeHostIO) WritePackets(payloads [][]byte, families []packet.IPVersion) error {
	return nil
}
func (h *fakeHostIO) MakeTCPConnection(ctx context.Context, endpoint string) (connset.PhysicalConn, error) {
	return nil, context.Canceled
}
func (h *fakeHostIO) MakeUDPConnection(ctx context.Context, endpoint, local string) (connset.PhysicalConn, error) {
	return nil, context.Canceled
}
func (h *fakeHostIO) SetNetworkSettings(ctx context.Context, p config.Provider) error {
	h.applied = p
	return nil
}

func validConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Provider.IPv4.Address = "10.0.0.2"
	cfg.Provider.IPv4.SubnetMask = "255.255.255.0"
	cfg.ApplyDefaults()
	return cfg
}

func TestControllerStartAppliesSettingsAndConnects(t *testing.T) {
	hostIO := newFakeHostIO()
	ctrl := NewController(hostIO, &fakeEngine{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.Start(ctx, validConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ctrl.Stop()

	if hostIO.applied.IPv4.Address != "10.0.0.2" {
		t.Fatalf("expected network settings applied, got %+v", hostIO.applied)
	}
	if ctrl.Snapshot().State != stateConnected {
		t.Fatalf("expected connected state, got %+v", ctrl.Snapshot())
	}
}

func TestControllerStartRejectsInvalidConfig(t *testing.T) {
	ctrl := NewController(newFakeHostIO(), &fakeEngine{})
	err := ctrl.Start(context.Background(), &config.Config{})
	if err == nil {
		t.Fatalf("expected invalid configuration to be rejected")
	}
	if ctrl.Snapshot().State != stateDisconnected {
		t.Fatalf("expected disconnected state after rejection, got %+v", ctrl.Snapshot())
	}
}

func TestControllerStartTwiceFails(t *testing.T) {
	hostIO := newFakeHostIO()
	ctrl := NewController(hostIO, &fakeEngine{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.Start(ctx, validConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ctrl.Stop()

	if err := ctrl.Start(ctx, validConfig()); err == nil {
		t.Fatalf("expected second Start to fail while already connected")
	}
}

func TestControllerStopReturnsToDisconnected(t *testing.T) {
	hostIO := newFakeHostIO()
	ctrl := NewController(hostIO, &fakeEngine{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.Start(ctx, validConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctrl.Stop()

	if ctrl.Snapshot().State != stateDisconnected {
		t.Fatalf("expected disconnected after Stop, got %+v", ctrl.Snapshot())
	}
}
