package core

// Message is a parsed Diameter packet: header plus an ordered AVP list.
// Order is preserved end to end because Route-Record semantics (and,
// generally, AVP ordering rules for grouped/repeated AVPs) depend on it.
type Message struct {
	Header
	AVPs []AVP
}

// ParseMessage parses a complete Diameter packet from b. b must contain
// at least header.Length bytes; ParseMessage never reads past
// header.Length.
//
// Errors:
//   - ErrTruncated if len(b) < 20, or less than the header's declared
//     Length: the caller should buffer more bytes and retry.
//   - ErrInvalidPacket for a bad version, an inconsistent length, or any
//     AVP whose length overflows the packet boundary.
func ParseMessage(b []byte) (Message, error) {
	if len(b) < HeaderLen {
		return Message{}, ErrTruncated
	}

	h, err := parseHeader(b)
	if err != nil {
		return Message{}, err
	}
	if len(b) < int(h.Length) {
		return Message{}, ErrTruncated
	}

	body := b[HeaderLen:h.Length]
	avps := make([]AVP, 0, 8)
	for len(body) > 0 {
		a, n, err := parseAVP(body)
		if err != nil {
			return Message{}, err
		}
		avps = append(avps, a)
		body = body[n:]
	}

	return Message{Header: h, AVPs: avps}, nil
}

// Serialize encodes m back to wire bytes, recomputing Header.Length from
// the actual serialized size (the caller does not need to keep Length in
// sync by hand).
func (m Message) Serialize() []byte {
	buf := make([]byte, HeaderLen, HeaderLen+64)
	for _, a := range m.AVPs {
		buf = a.serialize(buf)
	}
	m.Header.Length = uint32(len(buf))
	m.Header.serialize(buf[:HeaderLen])
	return buf
}

// GetAVP returns the first AVP with the given code (and, if vendorId is
// non-zero, matching vendor id), and whether one was found.
func (m Message) GetAVP(code uint32, vendorId uint32) (AVP, bool) {
	for _, a := range m.AVPs {
		if a.Code == code && a.VendorId == vendorId {
			return a, true
		}
	}
	return AVP{}, false
}

// GetAllAVP returns every AVP with the given code and vendor id, in
// order.
func (m Message) GetAllAVP(code uint32, vendorId uint32) []AVP {
	var out []AVP
	for _, a := range m.AVPs {
		if a.Code == code && a.VendorId == vendorId {
			out = append(out, a)
		}
	}
	return out
}

// WithAVPs returns a copy of m with AVPs replaced; used by the routing
// engine, which must never mutate the message it was handed.
func (m Message) WithAVPs(avps []AVP) Message {
	m.AVPs = avps
	return m
}

// Copy returns a deep-enough copy of m suitable for mutation by the
// manipulation engine: the AVP slice and each AVP's Data are copied, so
// mutating the copy never aliases the original.
func (m Message) Copy() Message {
	avps := make([]AVP, len(m.AVPs))
	for i, a := range m.AVPs {
		a.Data = append([]byte(nil), a.Data...)
		avps[i] = a
	}
	return Message{Header: m.Header, AVPs: avps}
}

// NewAnswer builds the header of an answer to req: same command code,
// application id, hop-by-hop and end-to-end ids, Request flag cleared.
// transaction.TimeoutAnswer does not use it: it builds timeout answers
// from the stored transaction Context, since the request is gone.
func NewAnswer(req Message) Message {
	h := req.Header
	h.Flags &^= FlagRequest
	h.Length = HeaderLen
	return Message{Header: h}
}
