package core

import (
	"bytes"
	"testing"
)

func sampleMessage() Message {
	return Message{
		Header: Header{
			Version:       1,
			Flags:         FlagRequest | FlagProxiable,
			CommandCode:   272,
			ApplicationId: 4,
			HopByHopId:    0x11223344,
			EndToEndId:    0xDEADBEEF,
		},
		AVPs: []AVP{
			{Code: AVPOriginHost, Mandatory: true, Data: []byte("client.example.com")},
			{Code: AVPOriginRealm, Mandatory: true, Data: []byte("example.com")},
			{Code: AVPResultCode, Mandatory: true, Data: []byte{0, 0, 7, 0xD1}},
			{Code: 9999, Vendor: true, VendorId: 10415, Data: []byte{1, 2, 3}},
		},
	}
}

func TestRoundTripCodec(t *testing.T) {
	msg := sampleMessage()
	wire := msg.Serialize()

	parsed, err := ParseMessage(wire)
	if err != nil {
		t.Fatalf("ParseMessage: %v", err)
	}

	if parsed.Version != msg.Version || parsed.Flags != msg.Flags ||
		parsed.CommandCode != msg.CommandCode || parsed.ApplicationId != msg.ApplicationId ||
		parsed.HopByHopId != msg.HopByHopId || parsed.EndToEndId != msg.EndToEndId {
		t.Fatalf("header mismatch after round trip: got %+v, want %+v", parsed.Header, msg.Header)
	}

	if len(parsed.AVPs) != len(msg.AVPs) {
		t.Fatalf("avp count mismatch: got %d, want %d", len(parsed.AVPs), len(msg.AVPs))
	}
	for i := range msg.AVPs {
		want, got := msg.AVPs[i], parsed.AVPs[i]
		if want.Code != got.Code || want.Vendor != got.Vendor || want.VendorId != got.VendorId ||
			!bytes.Equal(want.Data, got.Data) {
			t.Fatalf("avp %d mismatch: got %+v, want %+v", i, got, want)
		}
	}

	// Re-serializing the parsed structure must reproduce byte-identical
	// wire data (modulo nothing — there is no padding ambiguity here
	// since Data never includes padding).
	if !bytes.Equal(parsed.Serialize(), wire) {
		t.Fatalf("re-serialization did not reproduce the original wire bytes")
	}
}

func TestParseMessageTruncated(t *testing.T) {
	msg := sampleMessage()
	wire := msg.Serialize()

	if _, err := ParseMessage(wire[:10]); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated for short header, got %v", err)
	}
	if _, err := ParseMessage(wire[:len(wire)-1]); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated for short body, got %v", err)
	}
}

func TestParseMessageInvalidVersion(t *testing.T) {
	msg := sampleMessage()
	wire := msg.Serialize()
	wire[0] = 2
	if _, err := ParseMessage(wire); err != ErrInvalidPacket {
		t.Fatalf("expected ErrInvalidPacket for bad version, got %v", err)
	}
}

func TestAVPPadding(t *testing.T) {
	a := AVP{Code: AVPOriginHost, Data: []byte("abc")} // 8 + 3 = 11, pads to 12
	if got, want := a.paddedLen(), 12; got != want {
		t.Fatalf("paddedLen = %d, want %d", got, want)
	}

	var buf []byte
	buf = a.serialize(buf)
	if len(buf) != 12 {
		t.Fatalf("serialized length = %d, want 12", len(buf))
	}
	if !bytes.Equal(buf[8:11], []byte("abc")) {
		t.Fatalf("data not preserved")
	}
	if !bytes.Equal(buf[11:12], []byte{0}) {
		t.Fatalf("padding byte not zero")
	}
}

func TestGetAVP(t *testing.T) {
	msg := sampleMessage()
	a, ok := msg.GetAVP(AVPResultCode, 0)
	if !ok {
		t.Fatal("Result-Code not found")
	}
	if !bytes.Equal(a.Data, []byte{0, 0, 7, 0xD1}) {
		t.Fatalf("unexpected Result-Code data %v", a.Data)
	}

	if _, ok := msg.GetAVP(123456, 0); ok {
		t.Fatal("unexpected AVP found for unused code")
	}
}
