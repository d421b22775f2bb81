package core

import (
	"encoding/xml"
	"fmt"
)

// xmlDictionary and xmlAVP follow a helper-struct-then-build-maps idiom,
// adapted to this overlay's XML shape:
//
//	<dictionary>
//	  <avp name="X" code="N" type="T" vendor-id="V"/>
//	  ...
//	</dictionary>
type xmlDictionary struct {
	XMLName xml.Name `xml:"dictionary"`
	AVPs    []xmlAVP `xml:"avp"`
}

type xmlAVP struct {
	Name     string `xml:"name,attr"`
	Code     uint32 `xml:"code,attr"`
	Type     string `xml:"type,attr"`
	VendorId uint32 `xml:"vendor-id,attr"`
}

var xmlTypeNames = map[string]DataType{
	"OctetString":    OctetString,
	"UTF8String":     UTF8String,
	"DiamIdent":      DiamIdent,
	"DiameterIdentity": DiamIdent,
	"DiameterURI":    DiameterURI,
	"Unsigned32":     Unsigned32,
	"Unsigned64":     Unsigned64,
	"Integer32":      Integer32,
	"Integer64":      Integer64,
	"Float32":        Float32Type,
	"Float64":        Float64Type,
	"Grouped":        Grouped,
	"Enumerated":     Enumerated,
	"Time":           TimeType,
	"Address":        Address,
	"IPFilterRule":   IPFilterRule,
}

// LoadOverlay parses an XML dynamic dictionary document into a
// Dictionary. It performs no merging: combine the result with
// BuiltinDictionary via Merge, which gives the built-in catalog
// precedence on any conflicting (vendor id, code) or name.
func LoadOverlay(data []byte) (*Dictionary, error) {
	var doc xmlDictionary
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("core: parsing dictionary overlay: %w", err)
	}

	d := newDictionary()
	for _, a := range doc.AVPs {
		t, ok := xmlTypeNames[a.Type]
		if !ok {
			return nil, fmt.Errorf("core: dictionary overlay: unknown avp type %q for avp %q", a.Type, a.Name)
		}
		d.add(&DictItem{
			VendorId: a.VendorId,
			Code:     a.Code,
			Name:     a.Name,
			Type:     t,
		})
	}

	return d, nil
}
