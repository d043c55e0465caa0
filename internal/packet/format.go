package packet

import "net/netip"

// FormatAddr renders addr in its canonical textual form: dotted-decimal
// for IPv4, RFC 5952 compressed form for IPv6 — the same canonicalization
// net.IP.String()/inet_ntop produce, via the stdlib netip package rather
// than a hand-rolled formatter.
func FormatAddr(addr netip.Addr) string {
	return addr.String()
}
