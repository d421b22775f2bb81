package core

import "errors"

// ErrTruncated means the supplied byte slice is shorter than the header
// declares; the caller should buffer more bytes and retry parsing, not
// treat this as a malformed packet.
var ErrTruncated = errors.New("core: truncated diameter packet")

// ErrInvalidPacket means the bytes cannot possibly be a well-formed
// Diameter packet (bad version, inconsistent lengths, overflow).
var ErrInvalidPacket = errors.New("core: invalid diameter packet")

// ErrUnknownCode names the condition of an AVP code with no built-in or
// overlay entry. Dictionary.Lookup reports that condition as a false ok
// result and does not return this error. It is not a parse error:
// unknown AVPs are carried through the pipeline as opaque octet strings.
var ErrUnknownCode = errors.New("core: unknown avp code")

// ErrInvalidLength is returned when parsing a fixed-width AVP data type
// (32/64 bit integers, floats, addresses) against data of the wrong size.
var ErrInvalidLength = errors.New("core: invalid avp data length")

// ErrInvalidUtf8 is returned when parsing a UTF8String-typed AVP whose
// data is not valid UTF-8.
var ErrInvalidUtf8 = errors.New("core: invalid utf8 avp data")
