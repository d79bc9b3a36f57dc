package stepflow

import (
	"regexp"
	"strings"
)

type secretPattern struct {
	re   *regexp.Regexp
	repl string
}

var secretPatterns = []secretPattern{
	{
		re:   regexp.MustCompile(`sk-[A-Za-z0-9_\-]{8,}`),
		repl: redactedValue,
	},
	{
		re:   regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=\-]{8,}`),
		repl: "Bearer " + redactedValue,
	},
	{
		re: regexp.MustCompile(
			`(?i)(api[_-]?key|secret|token|password)(["']?\s*[:=]\s*["']?)[^\s"'&,}]+`,
		),
		repl: "${1}${2}" + redactedValue,
	},
	{
		re:   regexp.MustCompile(`(?i)(authorization:\s*)[^\r\n]+`),
		repl: "${1}" + redactedValue,
	},
}

// Redact scrubs secrets out of text that is about to leave the engine. The
// literal secret from creds goes first, then anything shaped like a common
// API key or auth header.
func Redact(text string, creds *Credentials) string {
	if text == "" {
		return text
	}
	if creds != nil && creds.APIKey != "" {
		text = strings.ReplaceAll(text, creds.APIKey, redactedValue)
	}
	for _, p := range secretPatterns {
		text = p.re.ReplaceAllString(text, p.repl)
	}
	return text
}

// RedactError returns the redacted message of err, or "" for nil.
func RedactError(err error, creds *Credentials) string {
	if err == nil {
		return ""
	}
	return Redact(err.Error(), creds)
}
