// Package cachepolicy computes the options hash, per-source TTL/max-stale
// windows, and the subject_key cacheability guard shared by the Analysis
// Cache and Local KV Cache. Grounded verbatim on
// original_source/server/analyze/cache_policy.py.
package cachepolicy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/elonfeng/dinq-analyze-sub001/internal/config"
)

// ignoredOptionKeys are UI/preflight/internal-meta flags that do not affect
// analysis semantics and must be excluded from the options hash.
var ignoredOptionKeys = map[string]bool{
	"freeform":         true,
	"_requested_cards": true,
	"client_trace":     true,
	"force_refresh":    true,
}

// NormalizeRunOptions strips non-semantic flags from options.
func NormalizeRunOptions(options map[string]any) map[string]any {
	cleaned := map[string]any{}
	for k, v := range options {
		key := strings.TrimSpace(k)
		if key == "" || ignoredOptionKeys[key] {
			continue
		}
		cleaned[key] = v
	}
	return cleaned
}

// OptionsHash computes the canonical sorted-keys SHA-256 hash over the
// semantically relevant options.
func OptionsHash(options map[string]any) (string, error) {
	cleaned := NormalizeRunOptions(options)
	raw, err := canonicalJSON(cleaned)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON serializes v with sorted map keys and no extra whitespace,
// matching Python's json.dumps(..., sort_keys=True, separators=(",", ":")).
func canonicalJSON(v map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		b.Write(keyJSON)
		b.WriteByte(':')
		valJSON, err := json.Marshal(v[k])
		if err != nil {
			return nil, err
		}
		b.Write(valJSON)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

var builtinTTLSeconds = map[string]int{
	"SCHOLAR":     3 * 24 * 3600,
	"LINKEDIN":    7 * 24 * 3600,
	"GITHUB":      6 * 3600,
	"TWITTER":     24 * 3600,
	"OPENREVIEW":  7 * 24 * 3600,
	"HUGGINGFACE": 24 * 3600,
	"YOUTUBE":     24 * 3600,
}

const defaultTTLSeconds = 24 * 3600

// CacheTTL returns the full-report cache TTL for source, honoring
// ANALYZECORE_CACHE_TTL_SECONDS_<SOURCE> then ANALYZECORE_CACHE_TTL_SECONDS.
func CacheTTL(source string) time.Duration {
	src := strings.ToUpper(strings.TrimSpace(source))
	builtin, ok := builtinTTLSeconds[src]
	if !ok {
		builtin = defaultTTLSeconds
	}
	global := config.Int("ANALYZECORE_CACHE_TTL_SECONDS", builtin, 0, 30*24*3600)
	seconds := config.Int("ANALYZECORE_CACHE_TTL_SECONDS_"+src, global, 0, 30*24*3600)
	return time.Duration(seconds) * time.Second
}

const defaultMaxStaleSeconds = 7 * 24 * 3600

// MaxStale returns the window during which an expired row may still be
// served as stale, for source.
func MaxStale(source string) time.Duration {
	src := strings.ToUpper(strings.TrimSpace(source))
	global := config.Int("ANALYZECORE_CACHE_MAX_STALE_SECONDS", defaultMaxStaleSeconds, 0, 90*24*3600)
	seconds := config.Int("ANALYZECORE_CACHE_MAX_STALE_SECONDS_"+src, global, 0, 90*24*3600)
	return time.Duration(seconds) * time.Second
}

// IsCacheableSubject reports whether a subject_key is stable enough to
// read/write the durable and local caches, per source (spec §4.4).
func IsCacheableSubject(source, subjectKey string) bool {
	src := strings.ToLower(strings.TrimSpace(source))
	key := strings.TrimSpace(subjectKey)
	if src == "" || key == "" {
		return false
	}
	switch src {
	case "scholar":
		return strings.HasPrefix(key, "id:")
	case "github":
		return strings.HasPrefix(key, "login:")
	case "linkedin":
		return strings.HasPrefix(key, "url:")
	default:
		return true
	}
}
