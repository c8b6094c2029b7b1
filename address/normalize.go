package address

import (
	"regexp"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// Type-of-number values used by the normalizer.
const (
	TONUnknown       byte = 0x00
	TONInternational byte = 0x01
	TONNational      byte = 0x02
	TONAlphanumeric  byte = 0x05
)

var separators = regexp.MustCompile(`[\s\-()]`)

// NormalizeToE164 canonicalizes a destination address. Alphanumeric addresses
// pass through untouched. Numbers that fail validation come back cleaned and
// with a leading '+' as a best effort; this never fails.
func NormalizeToE164(addr string, ton byte) string {
	if ton == TONAlphanumeric {
		return addr
	}

	cleaned := separators.ReplaceAllString(addr, "")
	if ton == TONInternational && !strings.HasPrefix(cleaned, "+") {
		cleaned = "+" + cleaned
	}

	if strings.HasPrefix(cleaned, "+") {
		if e164, ok := parseE164(cleaned); ok {
			return e164
		}
		return cleaned
	}

	candidate := "+" + cleaned
	if e164, ok := parseE164(candidate); ok {
		return e164
	}
	return candidate
}

func parseE164(number string) (string, bool) {
	num, err := phonenumbers.Parse(number, "")
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return "", false
	}
	return phonenumbers.Format(num, phonenumbers.E164), true
}

// Region returns the ISO country code for an E.164 number, or "".
func Region(e164 string) string {
	num, err := phonenumbers.Parse(e164, "")
	if err != nil {
		return ""
	}
	return phonenumbers.GetRegionCodeForNumber(num)
}

// Mask hides the last four digits of a number for logging.
func Mask(number string) string {
	if len(number) <= 6 {
		return number
	}
	return number[:len(number)-4] + "****"
}
