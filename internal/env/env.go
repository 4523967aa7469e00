package env

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// String returns the trimmed environment variable or fallback when unset.
func String(key, fallback string) string {
	_ = Ensure()
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

// Duration parses a time duration from environment or returns fallback.
// Bare integers are read as seconds so field operators can write
// PHOTO_CAPTURE_SETTLE=8 without a unit.
func Duration(key string, fallback time.Duration) time.Duration {
	_ = Ensure()
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(val); err == nil && parsed >= 0 {
		return parsed
	}
	if secs, err := strconv.Atoi(val); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// Int returns an integer environment variable or fallback when invalid.
func Int(key string, fallback int) int {
	_ = Ensure()
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// Uint64 returns an unsigned integer environment variable or fallback.
func Uint64(key string, fallback uint64) uint64 {
	_ = Ensure()
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

// Bool parses a boolean environment variable.
func Bool(key string, fallback bool) bool {
	_ = Ensure()
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		lower := strings.ToLower(val)
		if lower == "1" || lower == "true" || lower == "yes" {
			return true
		}
		if lower == "0" || lower == "false" || lower == "no" {
			return false
		}
	}
	return fallback
}

// List splits a comma separated environment variable, dropping blanks.
func List(key string, fallback []string) []string {
	_ = Ensure()
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
