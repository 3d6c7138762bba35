// Package config reads the engine's environment-driven knobs (spec §6),
// grounded on the teacher's scattered _read_int_env/_read_bool_env helpers
// (original_source/server/analyze/cache_policy.py) but collected into one
// typed surface instead of ad hoc lookups scattered through the codebase.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Int reads an integer env var, clamped to [min, max], falling back to def
// when unset or unparsable.
func Int(name string, def, min, max int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return clamp(def, min, max)
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return clamp(def, min, max)
	}
	return clamp(v, min, max)
}

// Bool reads a boolean env var (1/true/yes accepted as true).
func Bool(name string, def bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	if raw == "" {
		return def
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// Duration reads a duration expressed in seconds via an int env var.
func Duration(name string, defSeconds, minSeconds, maxSeconds int) time.Duration {
	return time.Duration(Int(name, defSeconds, minSeconds, maxSeconds)) * time.Second
}

// String reads a string env var, returning def if unset.
func String(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
