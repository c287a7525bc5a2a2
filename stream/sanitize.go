package stream

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

const truncatedSuffix = "\n[Output truncated...]\n"

// StripANSI removes CSI escape sequences such as colour codes.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

func isControl(r rune) bool {
	return r < 0x20 || (r >= 0x7f && r <= 0x9f)
}

// FilterControl drops control characters except newline, tab and
// carriage return.
func FilterControl(s string) string {
	return strings.Map(func(r rune) rune {
		if isControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return -1
		}
		return r
	}, s)
}

// SanitizeOutput prepares raw terminal output for a client.
func SanitizeOutput(s string) string {
	return FilterControl(StripANSI(s))
}

// SanitizeInput drops control characters except newline and tab and caps
// the result at max runes. A max of zero disables the cap.
func SanitizeInput(s string, max int) string {
	clean := strings.Map(func(r rune) rune {
		if isControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
	if max > 0 && utf8.RuneCountInString(clean) > max {
		clean = string([]rune(clean)[:max])
	}
	return clean
}

// TruncateMessage caps a single outbound message at max bytes.
func TruncateMessage(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return strings.ToValidUTF8(s[:max], "") + truncatedSuffix
}
