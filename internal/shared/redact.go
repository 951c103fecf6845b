package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret-bearing material in log/event/error strings.
// Accounts are referenced by vault_ref everywhere; these patterns are the
// backstop for secrets that leak through tool output or provider errors.
var secretPatterns = []*regexp.Regexp{
	// key=value style assignments with key-like prefixes.
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|access[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Anthropic/OpenAI style keys.
	regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_\-]{20,}`),
	// Google API keys.
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	// AWS access key ids.
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	// UUID-shaped tokens behind auth-ish prefixes.
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
}

// Redact replaces secret-bearing patterns in the input with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// Keep the key prefix when the pattern captured one.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// SensitiveKey reports whether a map/attr key name looks secret-bearing.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "credential", "bearer"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// RedactMap returns a copy of m with sensitive keys replaced by [REDACTED]
// and all string values run through Redact. Used before tool arguments are
// logged or persisted into event payloads.
func RedactMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if SensitiveKey(k) {
			out[k] = redactedPlaceholder
			continue
		}
		out[k] = Redact(v)
	}
	return out
}
