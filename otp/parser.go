package otp

import (
	"errors"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"otp-smpp-gateway/smpp/coding"
)

var (
	ErrEmptyMessage = errors.New("otp: empty message")
	ErrNoCode       = errors.New("otp: no code found")
)

// FallbackSender is used when neither the message nor the client names one.
const FallbackSender = "OTP"

const maxSenderLen = 16

var (
	bareCode   = regexp.MustCompile(`^\d{4,10}$`)
	separators = regexp.MustCompile(`[-\s]`)

	defaultPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:code|pin|otp|token|password|passcode|verify|verification)[:\s\-is]+(\d[\d\-\s]{2,9}\d)`),
		regexp.MustCompile(`\b(\d{4,10})\b`),
	}

	// compiled custom patterns; nil marks a pattern that failed to compile
	customPatterns sync.Map
)

// ExtractCode decodes a short message body and pulls the one-time code out
// of it. Custom patterns run before the built-in ones and are matched
// case-insensitively; patterns that do not compile are skipped.
func ExtractCode(raw []byte, dataCoding byte, patterns []string) (string, error) {
	return ExtractCodeFromText(coding.Decode(raw, dataCoding), patterns)
}

func ExtractCodeFromText(text string, patterns []string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrEmptyMessage
	}

	if bareCode.MatchString(trimmed) {
		return trimmed, nil
	}

	stripped := separators.ReplaceAllString(trimmed, "")
	if bareCode.MatchString(stripped) && utf8.RuneCountInString(trimmed) <= 15 {
		return stripped, nil
	}

	for _, re := range compile(patterns) {
		if code := capture(re, trimmed); code != "" {
			return code, nil
		}
	}
	for _, re := range defaultPatterns {
		if code := capture(re, trimmed); code != "" {
			return code, nil
		}
	}
	return "", ErrNoCode
}

// capture returns the first group of re's leftmost match. A pattern without
// a group, or whose group matched nothing, yields no code.
func capture(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if len(m) < 2 || m[1] == "" {
		return ""
	}
	return separators.ReplaceAllString(m[1], "")
}

func compile(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if v, ok := customPatterns.Load(p); ok {
			if re := v.(*regexp.Regexp); re != nil {
				out = append(out, re)
			}
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			re = nil
		}
		customPatterns.Store(p, re)
		if re != nil {
			out = append(out, re)
		}
	}
	return out
}

// ResolveSender picks the sender identity passed to the delivery API.
// Alphanumeric sources are used directly, cut to 16 characters; numeric
// sources defer to the client's default sender, then the raw source, then
// FallbackSender.
func ResolveSender(source string, ton byte, defaultSender string) string {
	if ton == 0x05 && source != "" {
		if utf8.RuneCountInString(source) > maxSenderLen {
			return string([]rune(source)[:maxSenderLen])
		}
		return source
	}
	if defaultSender != "" {
		return defaultSender
	}
	if source != "" {
		return source
	}
	return FallbackSender
}
