package packet

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func synthesizeUDP(t *testing.T, src, dst string, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(src),
		DstIP:    net.ParseIP(dst),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	_ = udp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

func synthesizeTCP(t *testing.T, src, dst string, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(src),
		DstIP:    net.ParseIP(dst),
	}
	tcp := &layers.TCP{SrcPort: layers.TCPPort(srcPort), DstPort: layers.TCPPort(dstPort), SYN: true, Window: 65535, DataOffset: 5}
	_ = tcp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

func TestParseIPv4UDP(t *testing.T) {
	raw := synthesizeUDP(t, "192.0.2.10", "1.1.1.1", 12345, 53, nil)
	m, ok := Parse(raw, FamilyIPv4)
	if !ok {
		t.Fatalf("parse failed")
	}
	if m.IPVersion != IPv4 || m.Transport != TransportUDP {
		t.Fatalf("unexpected metadata: %+v", m)
	}
	if m.SrcAddr.String() != "192.0.2.10" || m.DstAddr.String() != "1.1.1.1" {
		t.Fatalf("unexpected addrs: %+v", m)
	}
	if m.DstPort != 53 {
		t.Fatalf("expected dst port 53, got %d", m.DstPort)
	}
}

func TestParseIPv4TCP(t *testing.T) {
	raw := synthesizeTCP(t, "10.0.0.2", "93.184.216.34", 55000, 443, nil)
	m, ok := Parse(raw, FamilyIPv4)
	if !ok {
		t.Fatalf("parse failed")
	}
	if m.Transport != TransportTCP || m.DstPort != 443 {
		t.Fatalf("unexpected metadata: %+v", m)
	}
}

func TestParseRejectsTruncated(t *testing.T) {
	raw := synthesizeTCP(t, "10.0.0.2", "93.184.216.34", 55000, 443, nil)
	if _, ok := Parse(raw[:10], FamilyIPv4); ok {
		t.Fatalf("expected truncated packet to be rejected")
	}
}

func TestParseRejectsBadVersion(t *testing.T) {
	raw := []byte{0x00, 0x00, 0x00, 0x00}
	if _, ok := Parse(raw, FamilyUnknown); ok {
		t.Fatalf("expected bad version nibble to be rejected")
	}
}

func TestParseIdempotent(t *testing.T) {
	raw := synthesizeUDP(t, "192.0.2.10", "1.1.1.1", 12345, 53, []byte("hello"))
	m1, ok1 := Parse(raw, FamilyIPv4)
	m2, ok2 := Parse(raw, FamilyIPv4)
	if !ok1 || !ok2 {
		t.Fatalf("expected both parses to succeed")
	}
	if m1.SrcAddr != m2.SrcAddr || m1.DstPort != m2.DstPort || m1.Transport != m2.Transport {
		t.Fatalf("parse is not idempotent: %+v vs %+v", m1, m2)
	}
}

func TestParseIPv6(t *testing.T) {
	ip := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolUDP,
		HopLimit:   64,
		SrcIP:      net.ParseIP("2001:db8::1"),
		DstIP:      net.ParseIP("2001:db8::2"),
	}
	udp := &layers.UDP{SrcPort: 9999, DstPort: 53}
	_ = udp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp); err != nil {
		t.Fatalf("serialize: %v", err)
	}

	m, ok := Parse(buf.Bytes(), FamilyIPv6)
	if !ok {
		t.Fatalf("parse failed")
	}
	if m.IPVersion != IPv6 || m.Transport != TransportUDP {
		t.Fatalf("unexpected metadata: %+v", m)
	}
}
