package packet

import "net/netip"

// FamilyHint lets the caller tell Parse which family to expect when the
// transport framing doesn't carry one (mirrors the host's parallel
// protocol-family array in §6).
type FamilyHint uint8

const (
	FamilyUnknown FamilyHint = iota
	FamilyIPv4
	FamilyIPv6
)

// Parse decodes an IP datagram into Metadata. It returns (nil, false) when
// the version nibble is neither 4 nor 6, the header/length fields are
// inconsistent with the buffer, or a required header is truncated. It
// never panics and never allocates beyond the returned Metadata.
func Parse(b []byte, hint FamilyHint) (*Metadata, bool) {
	if len(b) < 1 {
		return nil, false
	}
	version := b[0] >> 4
	switch version {
	case 4:
		return parseIPv4(b)
	case 6:
		return parseIPv6(b)
	default:
		return nil, false
	}
}

func parseIPv4(b []byte) (*Metadata, bool) {
	if len(b) < 20 {
		return nil, false
	}
	ihl := int(b[0]&0x0f) * 4
	if ihl < 20 || len(b) < ihl {
		return nil, false
	}
	totalLen := int(b[2])<<8 | int(b[3])
	if totalLen > len(b) {
		return nil, false
	}
	proto := b[9]
	src, ok := netip.AddrFromSlice(b[12:16])
	if !ok {
		return nil, false
	}
	dst, ok := netip.AddrFromSlice(b[16:20])
	if !ok {
		return nil, false
	}

	m := &Metadata{
		IPVersion: IPv4,
		SrcAddr:   src,
		DstAddr:   dst,
		Length:    totalLen,
	}

	payload := b[ihl:totalLen]
	return finishTransport(m, proto, payload)
}

func parseIPv6(b []byte) (*Metadata, bool) {
	const headerLen = 40
	if len(b) < headerLen {
		return nil, false
	}
	payloadLen := int(b[4])<<8 | int(b[5])
	nextHeader := b[6]
	if headerLen+payloadLen > len(b) {
		return nil, false
	}
	src, ok := netip.AddrFromSlice(b[8:24])
	if !ok {
		return nil, false
	}
	dst, ok := netip.AddrFromSlice(b[24:40])
	if !ok {
		return nil, false
	}

	m := &Metadata{
		IPVersion: IPv6,
		SrcAddr:   src,
		DstAddr:   dst,
		Length:    headerLen + payloadLen,
	}

	// Extension headers are not followed; transport is "other" unless the
	// very next header is TCP or UDP.
	payload := b[headerLen : headerLen+payloadLen]
	return finishTransport(m, nextHeader, payload)
}

const (
	protoTCP = 6
	protoUDP = 17
)

func finishTransport(m *Metadata, proto byte, payload []byte) (*Metadata, bool) {
	switch proto {
	case protoTCP:
		m.Transport = TransportTCP
		if !parseTCP(m, payload) {
			return nil, false
		}
	case protoUDP:
		m.Transport = TransportUDP
		if !parseUDP(m, payload) {
			return nil, false
		}
	default:
		m.Transport = TransportOther
	}
	return m, true
}

func parseTCP(m *Metadata, b []byte) bool {
	if len(b) < 20 {
		return false
	}
	dataOff := int(b[12]>>4) * 4
	if dataOff < 20 || dataOff > len(b) {
		return false
	}
	m.SrcPort = uint16(b[0])<<8 | uint16(b[1])
	m.DstPort = uint16(b[2])<<8 | uint16(b[3])
	m.HasPorts = true

	if sni, ok := parseTLSClientHelloSNI(b[dataOff:]); ok {
		m.TLSSNI = sni
		m.HasTLSSNI = true
	}
	return true
}

func parseUDP(m *Metadata, b []byte) bool {
	if len(b) < 8 {
		return false
	}
	m.SrcPort = uint16(b[0])<<8 | uint16(b[1])
	m.DstPort = uint16(b[2])<<8 | uint16(b[3])
	m.HasPorts = true

	udpLen := int(b[4])<<8 | int(b[5])
	if udpLen < 8 || udpLen > len(b) {
		udpLen = len(b)
	}
	payload := b[8:udpLen]

	if m.SrcPort == 53 || m.DstPort == 53 {
		if query, answers, ok := parseDNS(payload); ok {
			if query != "" {
				m.DNSQueryName = query
				m.HasDNSQuery = true
			}
			m.DNSAnswers = answers
		}
	}
	return true
}
