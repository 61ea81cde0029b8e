// Package redact scrubs sensitive information from strings before they are
// persisted as failure reasons or published in progress events. Adapter
// errors routinely embed request URLs, connection strings and API keys;
// none of that belongs in durable item state.
package redact

import "regexp"

// Redaction placeholders
const (
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
	RedactedURLPlaceholder        = "[REDACTED_URL]"
)

// Precompiled regex patterns
var (
	// Database and service connection strings with inline credentials
	connStringRegex = regexp.MustCompile(`(?i)(postgres|postgresql|mysql|redis|amqp)://[^@\s]+@`)

	// Passwords in key=value or key: value form
	passwordRegex = regexp.MustCompile(`(?i)(password|passwd|pwd)([=:\s]['"]?)[^'"&\s]{3,}`)

	// API keys, tokens and secrets
	apiKeyRegex = regexp.MustCompile(
		`(?i)(api[_-]?key|token|secret|bearer)(['"\s:=]+)[A-Za-z0-9_\-.~+/]{8,}`,
	)

	// Full request URLs, including any query string
	urlRegex = regexp.MustCompile(`https?://[^\s'"]+`)

	patternPlaceholders = []struct {
		pattern     *regexp.Regexp
		placeholder string
	}{
		{connStringRegex, RedactedCredentialPlaceholder + "@"},
		{passwordRegex, "$1$2" + RedactedCredentialPlaceholder},
		{apiKeyRegex, "$1$2" + RedactedKeyPlaceholder},
		{urlRegex, RedactedURLPlaceholder},
	}
)

// String redacts sensitive information from the input string.
func String(input string) string {
	if input == "" {
		return input
	}

	result := input
	for _, p := range patternPlaceholders {
		result = p.pattern.ReplaceAllString(result, p.placeholder)
	}
	return result
}

// Error redacts sensitive information from an error's Error() output.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
