package logging

import (
	"regexp"
)

const (
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
)

var (
	// Pattern to match bearer auth and Tableau credentials tokens
	// Matches: "Bearer <token>" and "X-Tableau-Auth: <token>"
	tokenPattern = regexp.MustCompile(`(?i)(bearer|x-tableau-auth:?)\s+[A-Za-z0-9\-_.|=]+`)

	// Pattern to match secrets in key=value or JSON key:value form
	secretPattern = regexp.MustCompile(`(?i)(api[_-]?key|apikey|personalaccesstokensecret|password|pwd|pass)["']?\s*[:=]\s*["']?[^;&"'\s]+`)

	// Pattern to match connection string credentials (user:pass@host format)
	connStringPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@[^/\s]+`)
)

// SanitizeError sanitizes error messages that might contain sensitive data.
// Errors bubbling up from the Tableau REST client or an LLM provider can echo
// request bodies that carry credentials.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return Sanitize(err.Error())
}

// Sanitize removes tokens, secrets and inline credentials from s.
// Use this before logging any upstream response body or URL.
func Sanitize(s string) string {
	if s == "" {
		return ""
	}

	sanitized := tokenPattern.ReplaceAllString(s, "${1} "+RedactedText)
	sanitized = secretPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)

	return sanitized
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
