// Package scrub redacts secret values and secret-looking patterns from any
// text destined for logs or audit metadata.
package scrub

import (
	"regexp"
	"strings"
	"sync"
)

// Marker replaces every redacted secret.
const Marker = "[REDACTED]"

// DefaultMinSecretLength is the minimum length for a known secret to be
// scrubbed. Shorter strings are too likely to collide with ordinary text.
const DefaultMinSecretLength = 8

// secretPatterns matches common secret-bearing shapes in log/event/error
// strings. Order matters: vendor prefixes before the generic hex fallback,
// sk-ant- before the plain sk- prefix.
var secretPatterns = []*regexp.Regexp{
	// Generic key=value credential pairs.
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|token|secret|password|passwd|pwd|auth|credential)["']?\s*[=:]\s*["']?[\w\-.]+["']?`),
	// Bearer tokens in Authorization headers.
	regexp.MustCompile(`Bearer\s+[\w\-.]+`),
	// Anthropic, then OpenAI.
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9\-]+`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
	// GitHub.
	regexp.MustCompile(`ghp_[a-zA-Z0-9]{36}`),
	regexp.MustCompile(`github_pat_[a-zA-Z0-9_]{22,}`),
	regexp.MustCompile(`gho_[a-zA-Z0-9]{36}`),
	// AWS.
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`(?i)aws[_-]?secret[_-]?access[_-]?key\s*[=:]\s*[\w/+]+`),
	// Google.
	regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`),
	// Slack.
	regexp.MustCompile(`xox[baprs]-[0-9a-zA-Z\-]+`),
	// Telegram bot tokens.
	regexp.MustCompile(`\d{8,10}:[a-zA-Z0-9_\-]{35}`),
	// Long bare hex strings (potential keys or hashes used as tokens).
	regexp.MustCompile(`\b[a-fA-F0-9]{32,}\b`),
	// Base64 values assigned to secret-looking keys.
	regexp.MustCompile(`(?i)(key|token|secret|password)\s*[=:]\s*["']?[A-Za-z0-9+/]{40,}={0,2}["']?`),
	// Connection strings with embedded credentials.
	regexp.MustCompile(`(?i)(postgres|mysql|mongodb|redis)://\S+`),
	// PEM private key headers.
	regexp.MustCompile(`-----BEGIN[A-Z ]+PRIVATE KEY-----`),
}

// secretKeyTokens flags metadata keys whose values are always redacted whole.
var secretKeyTokens = []string{
	"password", "passwd", "pwd", "secret", "token", "api_key",
	"apikey", "auth", "credential", "private_key", "access_key",
}

// Scrubber redacts known secret literals and pattern matches. Literals are
// replaced before patterns run so a later pattern can never match a fragment
// of a partially redacted secret.
type Scrubber struct {
	mu     sync.RWMutex
	minLen int
	known  []string
}

// New creates a Scrubber. minSecretLength <= 0 uses DefaultMinSecretLength.
func New(minSecretLength int) *Scrubber {
	if minSecretLength <= 0 {
		minSecretLength = DefaultMinSecretLength
	}
	return &Scrubber{minLen: minSecretLength}
}

// AddSecret registers a known secret value for exact-match scrubbing.
// Values shorter than the minimum length are ignored.
func (s *Scrubber) AddSecret(secret string) {
	if len(secret) < s.minLen {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.known {
		if existing == secret {
			return
		}
	}
	s.known = append(s.known, secret)
}

// Scrub replaces known secrets and pattern matches with the marker.
func (s *Scrubber) Scrub(text string) string {
	if text == "" {
		return text
	}
	result := text

	s.mu.RLock()
	for _, secret := range s.known {
		result = strings.ReplaceAll(result, secret, Marker)
	}
	s.mu.RUnlock()

	for _, pat := range secretPatterns {
		result = pat.ReplaceAllString(result, Marker)
	}
	return result
}

// ScrubMap returns a copy of data with secret-keyed values fully redacted,
// string values scrubbed, and nested maps and slices handled recursively.
func (s *Scrubber) ScrubMap(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	result := make(map[string]any, len(data))
	for key, value := range data {
		if IsSecretKey(key) {
			result[key] = Marker
			continue
		}
		result[key] = s.scrubValue(value)
	}
	return result
}

func (s *Scrubber) scrubValue(value any) any {
	switch v := value.(type) {
	case string:
		return s.Scrub(v)
	case map[string]any:
		return s.ScrubMap(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = s.scrubValue(item)
		}
		return out
	default:
		return value
	}
}

// IsSecretKey reports whether a key name looks like it holds a secret.
func IsSecretKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range secretKeyTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}
