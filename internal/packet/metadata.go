// Package packet decodes raw IP datagrams into read-only PacketMetadata
// without copying the underlying buffer. Parsing is best-effort and
// side-effect-free: a malformed or unsupported packet yields an absent
// result rather than an error, and upstream treats that as "forward, but
// do not attribute or shape."
package packet

import "net/netip"

// IPVersion distinguishes the two supported IP families.
type IPVersion uint8

const (
	IPv4 IPVersion = 4
	IPv6 IPVersion = 6
)

// Transport identifies the decoded transport-layer protocol.
type Transport uint8

const (
	TransportOther Transport = iota
	TransportTCP
	TransportUDP
)

// DNSAnswer is one resource record collapsed out of a DNS response.
type DNSAnswer struct {
	Host string
	Addrs []netip.Addr
	TTLSeconds uint32
}

// Metadata is the immutable, read-only output of a single parse call. It
// is never mutated after construction and may be shared across readers.
type Metadata struct {
	IPVersion IPVersion
	Transport Transport

	SrcAddr netip.Addr
	DstAddr netip.Addr

	SrcPort uint16
	DstPort uint16
	HasPorts bool

	Length int

	DNSQueryName string
	HasDNSQuery  bool

	DNSAnswers []DNSAnswer

	TLSSNI    string
	HasTLSSNI bool
}

// IsDNS reports whether this packet looks like a DNS exchange worth
// attributing (UDP with src or dst port 53).
func (m *Metadata) IsDNS() bool {
	return m.Transport == TransportUDP && m.HasPorts && (m.SrcPort == 53 || m.DstPort == 53)
}
