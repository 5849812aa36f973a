// Package security scrubs credential material out of text that leaves the
// process boundary: provider error messages become reminder text, bus
// payloads, and log lines, and none of those may carry a token.
package security

import (
	"regexp"
	"strings"
)

var (
	secretKeyExpr        = `(?:password|passwd|secret|pat|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern      = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	jsonSecretPattern    = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	authorizationPattern = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerTokenPattern   = regexp.MustCompile(`(?i)\b(?:bearer|basic)\s+[A-Za-z0-9._~+/=-]{8,}`)
	urlUserInfoPattern   = regexp.MustCompile(`(?i)(https?://)[^\s/@]+:[^\s/@]+@`)
)

// RedactMessage scrubs secrets from a message while keeping it readable.
// Non-secret text passes through unchanged.
func RedactMessage(input string) string {
	if input == "" {
		return ""
	}
	out := jsonSecretPattern.ReplaceAllString(input, `${1}"[REDACTED]"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return "[REDACTED]"
		}
		return match[:idx+1] + " [REDACTED]"
	})
	out = authorizationPattern.ReplaceAllString(out, `${1}[REDACTED]`)
	out = bearerTokenPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	out = urlUserInfoPattern.ReplaceAllString(out, `${1}[REDACTED]@`)
	return out
}

// RedactError is RedactMessage for error values; nil yields "".
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return RedactMessage(err.Error())
}
