package hostio

import (
	"context"
	"testing"
	"time"

	"tunnelcore/internal/config"
	"tunnelcore/internal/packet"
)

func TestPipeHostIOInjectAndRead(t *testing.T) {
	p := NewPipeHostIO(4)
	p.Inject([][]byte{{1, 2, 3}}, []packet.IPVersion{packet.IPv4})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	payloads, families, err := p.ReadPackets(ctx)
	if err != nil {
		t.Fatalf("ReadPackets: %v", err)
	}
	if len(payloads) != 1 || len(families) != 1 {
		t.Fatalf("unexpected read result: %+v %+v", payloads, families)
	}
}

func TestPipeHostIOReadRespectsCancellation(t *testing.T) {
	p := NewPipeHostIO(4)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, _, err := p.ReadPackets(ctx); err == nil {
		t.Fatalf("expected cancellation error when inbox stays empty")
	}
}

func TestPipeHostIOWritePackets(t *testing.T) {
	p := NewPipeHostIO(4)
	if err := p.WritePackets([][]byte{{9, 9}}, []packet.IPVersion{packet.IPv4}); err != nil {
		t.Fatalf("WritePackets: %v", err)
	}
	got := p.Written()
	if len(got) != 1 || got[0][0] != 9 {
		t.Fatalf("unexpected written batches: %+v", got)
	}
}

func TestPipeHostIOSetNetworkSettings(t *testing.T) {
	p := NewPipeHostIO(4)
	settings := config.Provider{MTU: 1500}
	settings.IPv4.Address = "10.0.0.2"
	if err := p.SetNetworkSettings(context.Background(), settings); err != nil {
		t.Fatalf("SetNetworkSettings: %v", err)
	}
	if p.Settings().IPv4.Address != "10.0.0.2" {
		t.Fatalf("expected settings to be recorded")
	}
}
