package coding

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Data coding values the gateway distinguishes.
const (
	DefaultCoding byte = 0x00
	ASCIICoding   byte = 0x01
	UCS2Coding    byte = 0x08
)

var ucs2 = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// Decode turns a short message body into text. UCS-2 bodies are decoded as
// UTF-16BE; everything else is read as UTF-8, with invalid sequences replaced.
func Decode(data []byte, dataCoding byte) string {
	if isUCS2(dataCoding) {
		out, _, err := transform.Bytes(ucs2.NewDecoder(), data)
		if err == nil {
			return string(out)
		}
	}
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), string(utf8.RuneError))
}

// isUCS2 also accepts the uncompressed GSM 03.38 general group value that
// carries a message class with the UCS-2 alphabet (0x18).
func isUCS2(dataCoding byte) bool {
	return dataCoding&0xC0 == 0 && dataCoding&0x2C == UCS2Coding
}
