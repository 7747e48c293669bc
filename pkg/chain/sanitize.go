package chain

import (
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxHintLen bounds sanitized error hints.
const MaxHintLen = 200

var (
	urlPattern = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://[^\s"']+`)
	hexKey     = regexp.MustCompile(`\b(0x)?[0-9a-fA-F]{64}\b`)
)

// SanitizeError renders err for callers and audit rows: URL credentials and
// query strings are stripped, 32-byte hex strings and the given secrets are
// redacted, and the result is truncated to at most MaxHintLen bytes on a rune boundary.
func SanitizeError(err error, secrets ...string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, s := range secrets {
		if s != "" {
			msg = strings.ReplaceAll(msg, s, "[redacted]")
		}
	}
	msg = urlPattern.ReplaceAllStringFunc(msg, stripURL)
	msg = hexKey.ReplaceAllString(msg, "[redacted]")
	msg = strings.Join(strings.Fields(msg), " ")
	return truncate(msg, MaxHintLen)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func stripURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[url]"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
