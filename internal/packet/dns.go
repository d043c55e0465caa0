package packet

import (
	"net/netip"
	"strings"
)

const (
	dnsTypeA     = 1
	dnsTypeCNAME = 5
	dnsTypeAAAA  = 28
)

// parseDNS decodes a DNS message, returning the canonical question name
// (for attribution) and any A/AAAA/CNAME answer records. CNAME chains
// collapse to the first matching question name, else the first question,
// per the spec's chosen canonicalization rule.
func parseDNS(b []byte) (question string, answers []DNSAnswer, ok bool) {
	r := newBoundedReader(b)
	if r.remaining() < 12 {
		return "", nil, false
	}
	_, _ = r.u16() // ID
	flags, okf := r.u16()
	if !okf {
		return "", nil, false
	}
	qdCount, ok1 := r.u16()
	anCount, ok2 := r.u16()
	_, ok3 := r.u16() // NSCOUNT
	_, ok4 := r.u16() // ARCOUNT
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return "", nil, false
	}
	isResponse := flags&0x8000 != 0

	questions := make([]string, 0, qdCount)
	for i := 0; i < int(qdCount); i++ {
		name, ok := readDNSName(b, r)
		if !ok {
			return "", nil, false
		}
		if !r.skip(4) { // QTYPE + QCLASS
			return "", nil, false
		}
		questions = append(questions, name)
	}

	firstQuestion := ""
	if len(questions) > 0 {
		firstQuestion = questions[0]
	}
	question = firstQuestion

	if !isResponse || anCount == 0 {
		return question, nil, true
	}

	// canonicalName tracks the question the current answer chain resolves
	// to, defaulting to "first matching question name, else first question".
	canonical := map[string]string{}
	for _, q := range questions {
		canonical[q] = q
	}

	out := make([]DNSAnswer, 0, anCount)
	for i := 0; i < int(anCount); i++ {
		name, ok := readDNSName(b, r)
		if !ok {
			return question, out, true
		}
		rtype, ok1 := r.u16()
		_, ok2 := r.u16() // CLASS
		ttl, ok3 := r.u32()
		rdlen, ok4 := r.u16()
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return question, out, true
		}
		rdata, ok := r.take(int(rdlen))
		if !ok {
			return question, out, true
		}

		owner := name
		if canon, found := canonical[name]; found {
			owner = canon
		} else if firstQuestion != "" {
			owner = firstQuestion
		}

		switch rtype {
		case dnsTypeA:
			if len(rdata) == 4 {
				addr := netip.AddrFrom4([4]byte(rdata))
				out = append(out, DNSAnswer{Host: owner, Addrs: []netip.Addr{addr}, TTLSeconds: ttl})
			}
		case dnsTypeAAAA:
			if len(rdata) == 16 {
				addr := netip.AddrFrom16([16]byte(rdata))
				out = append(out, DNSAnswer{Host: owner, Addrs: []netip.Addr{addr}, TTLSeconds: ttl})
			}
		case dnsTypeCNAME:
			rdReader := &boundedReader{b: b, off: r.off - int(rdlen)}
			target, ok := readDNSName(b, rdReader)
			if ok {
				canonical[target] = owner
			}
		}
	}

	return question, out, true
}

// readDNSName decodes a (possibly compressed) domain name starting at the
// reader's current position, advancing the reader past the name as it
// appears in the message (not past any pointer target). Pointer loops are
// rejected via a bounded set of visited offsets.
func readDNSName(msg []byte, r *boundedReader) (string, bool) {
	var labels []string
	visited := make(map[int]bool)
	cur := r
	jumped := false

	for {
		if cur.remaining() == 0 {
			return "", false
		}
		lenByte, ok := cur.peek(1)
		if !ok {
			return "", false
		}
		l := lenByte[0]

		if l == 0 {
			cur.skip(1)
			break
		}

		if l&0xc0 == 0xc0 {
			// compression pointer: 14-bit offset
			ptrBytes, ok := cur.take(2)
			if !ok {
				return "", false
			}
			target := int(ptrBytes[0]&0x3f)<<8 | int(ptrBytes[1])
			if visited[target] {
				return "", false // pointer loop
			}
			visited[target] = true
			if len(visited) > 128 {
				return "", false
			}
			next, ok := cur.atOffset(target)
			if !ok {
				return "", false
			}
			if !jumped {
				r.off = cur.off
				jumped = true
			}
			cur = next
			continue
		}

		if l&0xc0 != 0 {
			return "", false
		}

		cur.skip(1)
		label, ok := cur.take(int(l))
		if !ok {
			return "", false
		}
		labels = append(labels, string(label))

		if len(labels) > 127 {
			return "", false
		}
	}

	if !jumped {
		r.off = cur.off
	}

	return strings.Join(labels, "."), true
}
