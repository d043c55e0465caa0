package packet

const (
	tlsRecordTypeHandshake = 0x16
	tlsHandshakeClientHello = 0x01
	tlsExtensionServerName  = 0x0000
)

// parseTLSClientHelloSNI looks for a TLS ClientHello record at the start
// of a TCP payload and extracts the SNI (server_name) extension when
// present. Malformed records return (_, false) rather than erroring —
// parsing here is opportunistic attribution, not protocol validation.
func parseTLSClientHelloSNI(b []byte) (string, bool) {
	if len(b) < 5 || b[0] != tlsRecordTypeHandshake {
		return "", false
	}
	recordLen := int(b[3])<<8 | int(b[4])
	r := newBoundedReader(b)
	if !r.skip(5) {
		return "", false
	}
	body, ok := r.peek(recordLen)
	if !ok {
		// tolerate a record that claims more than one TLS record's worth
		// of TCP segment; fall back to whatever is actually present.
		body, ok = r.peek(r.remaining())
		if !ok {
			return "", false
		}
	}

	hr := newBoundedReader(body)
	hsType, ok := hr.u8()
	if !ok || hsType != tlsHandshakeClientHello {
		return "", false
	}
	hsLenBytes, ok := hr.take(3)
	if !ok {
		return "", false
	}
	hsLen := int(hsLenBytes[0])<<16 | int(hsLenBytes[1])<<8 | int(hsLenBytes[2])
	chBody, ok := hr.peek(hsLen)
	if !ok {
		chBody, ok = hr.peek(hr.remaining())
		if !ok {
			return "", false
		}
	}

	cr := newBoundedReader(chBody)
	if !cr.skip(2) { // client_version
		return "", false
	}
	if !cr.skip(32) { // random
		return "", false
	}
	sessionIDLen, ok := cr.u8()
	if !ok || !cr.skip(int(sessionIDLen)) {
		return "", false
	}
	cipherSuitesLen, ok := cr.u16()
	if !ok || !cr.skip(int(cipherSuitesLen)) {
		return "", false
	}
	compMethodsLen, ok := cr.u8()
	if !ok || !cr.skip(int(compMethodsLen)) {
		return "", false
	}
	if cr.remaining() < 2 {
		// no extensions: not an error, just no SNI present.
		return "", false
	}
	extsLen, ok := cr.u16()
	if !ok {
		return "", false
	}
	extsBody, ok := cr.take(int(extsLen))
	if !ok {
		extsBody, ok = cr.take(cr.remaining())
		if !ok {
			return "", false
		}
	}

	er := newBoundedReader(extsBody)
	for er.remaining() >= 4 {
		extType, ok1 := er.u16()
		extLen, ok2 := er.u16()
		if !ok1 || !ok2 {
			return "", false
		}
		extData, ok := er.take(int(extLen))
		if !ok {
			return "", false
		}
		if extType == tlsExtensionServerName {
			return parseServerNameExtension(extData)
		}
	}

	return "", false
}

func parseServerNameExtension(b []byte) (string, bool) {
	r := newBoundedReader(b)
	listLen, ok := r.u16()
	if !ok {
		return "", false
	}
	list, ok := r.take(int(listLen))
	if !ok {
		list, ok = r.take(r.remaining())
		if !ok {
			return "", false
		}
	}
	lr := newBoundedReader(list)
	for lr.remaining() >= 3 {
		nameType, ok1 := lr.u8()
		nameLen, ok2 := lr.u16()
		if !ok1 || !ok2 {
			return "", false
		}
		name, ok := lr.take(int(nameLen))
		if !ok {
			return "", false
		}
		if nameType == 0x00 { // host_name
			return string(name), true
		}
	}
	return "", false
}
