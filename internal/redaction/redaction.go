// Package redaction masks credential material before it reaches logs or
// terminal output.
package redaction

import (
	"regexp"
	"strings"
)

// sensitivePatterns are applied in order by Redact.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`pk_[a-zA-Z0-9]+\.sk_[a-zA-Z0-9]+`),                // vendor keys
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]*`), // JWTs
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._~+/=-]+`),                  // Authorization values
	regexp.MustCompile(`(?i)(refresh|access)_token["']?\s*[:=]\s*["']?[^\s"',}]+`),
	regexp.MustCompile(`(?i)x-api-key["']?\s*[:=]\s*["']?[^\s"',}]+`),
}

const replacement = "[REDACTED]"

// Redact replaces built-in secret patterns, then every literal in secrets,
// with [REDACTED].
func Redact(text string, secrets ...string) string {
	for _, re := range sensitivePatterns {
		text = re.ReplaceAllString(text, replacement)
	}
	for _, s := range secrets {
		if len(s) < 4 {
			continue
		}
		text = strings.ReplaceAll(text, s, replacement)
	}
	return text
}

// MaskVendorKey shows the public part and hides the secret:
// pk_abcd1234.sk_**** . Input that is not a vendor key is masked whole.
func MaskVendorKey(key string) string {
	idx := strings.Index(key, ".sk_")
	if !strings.HasPrefix(key, "pk_") || idx < 0 {
		return MaskToken(key)
	}
	return key[:idx] + ".sk_****"
}

// MaskToken keeps the first and last four characters of long tokens.
func MaskToken(tok string) string {
	switch {
	case tok == "":
		return ""
	case len(tok) <= 12:
		return "****"
	default:
		return tok[:4] + "…" + tok[len(tok)-4:]
	}
}
