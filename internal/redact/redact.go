// Package redact masks secrets before they are persisted to history or
// written to logs (spec §7): "any text returned by the agent or surfaced
// in logs must be passed through a pattern-based redactor that masks
// tokens, API keys, authorization headers, and bearer secrets".
package redact

import (
	"log/slog"
	"regexp"
)

const mask = "[REDACTED]"

// Each pattern below targets one secret shape; patterns run in sequence
// so an overlapping match (e.g. a bearer token inside an Authorization
// header line) is still fully masked.
var (
	authHeaderPattern = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerPattern     = regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._\-]+`)
	basicAuthPattern  = regexp.MustCompile(`(?i)\bBasic\s+[A-Za-z0-9+/=]+`)
	apiKeyPattern     = regexp.MustCompile(`\b(?:sk|pk|rk)[_-][A-Za-z0-9]{16,}\b`)
	genericTokenKV    = regexp.MustCompile(`(?i)\b(api[_-]?key|token|secret|password)\s*[:=]\s*\S+`)
)

// Text applies the full redaction pipeline to content, returning the
// masked result. Safe to call on text with nothing to redact.
func Text(content string) string {
	if content == "" {
		return content
	}
	original := content

	content = authHeaderPattern.ReplaceAllString(content, "${1}"+mask)
	content = bearerPattern.ReplaceAllString(content, "Bearer "+mask)
	content = basicAuthPattern.ReplaceAllString(content, "Basic "+mask)
	content = apiKeyPattern.ReplaceAllString(content, mask)
	content = genericTokenKV.ReplaceAllString(content, "${1}="+mask)

	if content != original {
		slog.Debug("redacted sensitive content", "original_len", len(original), "redacted_len", len(content))
	}
	return content
}
