package core

import "testing"

func TestBuiltinLookup(t *testing.T) {
	d := BuiltinDictionary()

	item, ok := d.Lookup(AVPOriginHost, 0)
	if !ok {
		t.Fatal("Origin-Host not found")
	}
	if item.Name != "Origin-Host" || item.Type != DiamIdent {
		t.Fatalf("unexpected item %+v", item)
	}

	if _, ok := d.Lookup(999999, 0); ok {
		t.Fatal("unexpected lookup success for unknown code")
	}
}

func TestParseValueResultCode(t *testing.T) {
	d := BuiltinDictionary()
	item, _ := d.Lookup(AVPResultCode, 0)

	v, err := ParseValue(item, []byte{0x00, 0x00, 0x07, 0xD1})
	if err != nil {
		t.Fatalf("ParseValue: %v", err)
	}
	if v.(int64) != 2001 {
		t.Fatalf("got %v, want 2001", v)
	}
}

func TestParseValueInvalidLength(t *testing.T) {
	d := BuiltinDictionary()
	item, _ := d.Lookup(AVPResultCode, 0)

	if _, err := ParseValue(item, []byte{0x01}); err != ErrInvalidLength {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
}

func TestOverlayXMLBuiltinWins(t *testing.T) {
	const doc = `<dictionary>
		<avp name="Origin-Host" code="264" type="OctetString"/>
		<avp name="Custom-Vendor-AVP" code="9001" type="Unsigned32" vendor-id="10415"/>
	</dictionary>`

	overlay, err := LoadOverlay([]byte(doc))
	if err != nil {
		t.Fatalf("LoadOverlay: %v", err)
	}

	merged := Merge(BuiltinDictionary(), overlay)

	// Built-in wins the conflicting definition of Origin-Host.
	item, ok := merged.Lookup(AVPOriginHost, 0)
	if !ok || item.Type != DiamIdent {
		t.Fatalf("expected built-in Origin-Host (DiamIdent) to win, got %+v", item)
	}

	// The overlay-only AVP is still resolvable.
	custom, ok := merged.Lookup(9001, 10415)
	if !ok || custom.Name != "Custom-Vendor-AVP" || custom.Type != Unsigned32 {
		t.Fatalf("expected overlay AVP to be present, got %+v ok=%v", custom, ok)
	}
}

func TestEncodeValueRoundTrip(t *testing.T) {
	d := BuiltinDictionary()
	item, _ := d.Lookup(AVPResultCode, 0)

	data, err := EncodeValue(item, 2001)
	if err != nil {
		t.Fatalf("EncodeValue: %v", err)
	}
	v, err := ParseValue(item, data)
	if err != nil {
		t.Fatalf("ParseValue: %v", err)
	}
	if v.(int64) != 2001 {
		t.Fatalf("got %v, want 2001", v)
	}
}
