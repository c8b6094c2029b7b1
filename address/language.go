package address

// countryLanguage maps ISO country codes to the delivery API's language codes.
var countryLanguage = map[string]string{
	"US": "en", "GB": "en", "CA": "en", "AU": "en", "NZ": "en", "IE": "en",
	"FR": "fr",
	"DE": "de", "AT": "de",
	"ES": "es", "MX": "es",
	"IT": "it",
	"PT": "pt", "BR": "pt",
	"NL": "nl", "BE": "nl",
	"PL": "pl",
	"SE": "sv",
	"NO": "no",
	"DK": "da",
	"FI": "fi",
	"RO": "ro", "MD": "ro",
	"BG": "bg",
	"UA": "uk",
	"RU": "ru", "KZ": "ru", "BY": "ru",
	"TR": "tr",
	"JP": "ja",
	"KR": "kr",
	"CN": "zh", "HK": "zh", "TW": "zh",
	"ID": "in",
	"MY": "ms",
	"VN": "vi",
	"TH": "en",
	"IS": "is",
}

// ResolveLanguage picks the message language. An explicit client default
// other than "en" always wins; otherwise the destination country decides.
func ResolveLanguage(clientDefault, e164 string) string {
	if clientDefault != "" && clientDefault != "en" {
		return clientDefault
	}
	if lang, ok := countryLanguage[Region(e164)]; ok {
		return lang
	}
	if clientDefault != "" {
		return clientDefault
	}
	return "en"
}
