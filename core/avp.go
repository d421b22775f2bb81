package core

// AVP flag bits (RFC 6733 §4.1).
const (
	AVPFlagVendor    uint8 = 0x80
	AVPFlagMandatory uint8 = 0x40
	AVPFlagProtected uint8 = 0x20
)

// Well-known AVP codes referenced directly by the routing engine and
// peer FSM; everything else is resolved through the dictionary.
const (
	AVPResultCode        uint32 = 268
	AVPOriginHost        uint32 = 264
	AVPOriginRealm       uint32 = 296
	AVPDestinationHost   uint32 = 293
	AVPDestinationRealm  uint32 = 283
	AVPRouteRecord       uint32 = 282
	AVPHostIPAddress     uint32 = 257
	AVPVendorId          uint32 = 266
	AVPProductName       uint32 = 269
	AVPOriginStateId     uint32 = 278
	AVPFirmwareRevision  uint32 = 267
	AVPAuthApplicationId uint32 = 258
	AVPAcctApplicationId uint32 = 259
	AVPSessionId         uint32 = 263
	AVPDisconnectCause   uint32 = 273
	AVPErrorMessage      uint32 = 281
)

// AVP is the wire-level representation of a Diameter Attribute-Value
// Pair: a code, its flags, and opaque data. Typed interpretation of Data
// is the dictionary's job (see dictionary.go), not the codec's: the
// codec never needs a dictionary to parse or serialize correctly, which
// keeps round-tripping total and unknown codes transparent.
type AVP struct {
	Code      uint32
	Vendor    bool
	Mandatory bool
	Protected bool
	VendorId  uint32
	Data      []byte
}

// headerLen returns 12 if the Vendor flag is set (code, flags+length,
// vendor_id) or 8 otherwise (code, flags+length).
func (a AVP) headerLen() int {
	if a.Vendor {
		return 12
	}
	return 8
}

// wireLen is the AVP length field value: header + data, excluding padding.
func (a AVP) wireLen() int {
	return a.headerLen() + len(a.Data)
}

// paddedLen is the number of octets this AVP occupies on the wire,
// including zero padding to the next 4-octet boundary.
func (a AVP) paddedLen() int {
	l := a.wireLen()
	if rem := l % 4; rem != 0 {
		l += 4 - rem
	}
	return l
}

// parseAVP decodes one AVP starting at offset 0 of b. It returns the
// decoded AVP and the number of bytes consumed, including padding. b may
// extend past this AVP; only the declared length (plus padding) is
// consumed.
func parseAVP(b []byte) (AVP, int, error) {
	if len(b) < 8 {
		return AVP{}, 0, ErrInvalidPacket
	}

	var a AVP
	a.Code = be32(b[0:4])
	flags := b[4]
	a.Vendor = flags&AVPFlagVendor != 0
	a.Mandatory = flags&AVPFlagMandatory != 0
	a.Protected = flags&AVPFlagProtected != 0
	length := int(get24(b[5:8]))

	minLen := 8
	if a.Vendor {
		minLen = 12
	}
	if length < minLen || length > len(b) {
		return AVP{}, 0, ErrInvalidPacket
	}

	pos := 8
	if a.Vendor {
		if len(b) < 12 {
			return AVP{}, 0, ErrInvalidPacket
		}
		a.VendorId = be32(b[8:12])
		pos = 12
	}

	a.Data = append([]byte(nil), b[pos:length]...)

	consumed := length
	if rem := consumed % 4; rem != 0 {
		consumed += 4 - rem
	}
	if consumed > len(b) {
		return AVP{}, 0, ErrInvalidPacket
	}

	return a, consumed, nil
}

// serialize appends the wire encoding of a (header, vendor id if
// present, data, zero padding) to dst and returns the extended slice.
func (a AVP) serialize(dst []byte) []byte {
	var flags uint8
	if a.Vendor {
		flags |= AVPFlagVendor
	}
	if a.Mandatory {
		flags |= AVPFlagMandatory
	}
	if a.Protected {
		flags |= AVPFlagProtected
	}

	header := make([]byte, a.headerLen())
	putBe32(header[0:4], a.Code)
	header[4] = flags
	put24(header[5:8], uint32(a.wireLen()))
	if a.Vendor {
		putBe32(header[8:12], a.VendorId)
	}

	dst = append(dst, header...)
	dst = append(dst, a.Data...)

	if pad := a.paddedLen() - a.wireLen(); pad > 0 {
		var zeros [4]byte
		dst = append(dst, zeros[:pad]...)
	}

	return dst
}
