// Package xmldoc prepares raw manifest documents for encoding/xml, which
// accepts only UTF-8 without a byte order mark.
package xmldoc

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"
)

// Decode re-encodes a possibly UTF-16 document as UTF-8 and drops any
// byte order mark.
func Decode(doc []byte) []byte {
	switch {
	case len(doc) >= 2 && doc[0] == 0xFF && doc[1] == 0xFE:
		return utf16ToUTF8(doc[2:], binary.LittleEndian)
	case len(doc) >= 2 && doc[0] == 0xFE && doc[1] == 0xFF:
		return utf16ToUTF8(doc[2:], binary.BigEndian)
	default:
		return bytes.TrimPrefix(doc, []byte{0xEF, 0xBB, 0xBF})
	}
}

func utf16ToUTF8(doc []byte, order binary.ByteOrder) []byte {
	units := make([]uint16, 0, len(doc)/2)
	for i := 0; i+1 < len(doc); i += 2 {
		units = append(units, order.Uint16(doc[i:]))
	}
	out := []byte(string(utf16.Decode(units)))
	// the declaration still names the old encoding
	if bytes.HasPrefix(out, []byte("<?xml")) {
		if end := bytes.Index(out, []byte("?>")); end >= 0 {
			out = out[end+2:]
		}
	}
	return out
}
