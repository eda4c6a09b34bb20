package util

import (
	"log/slog"
	"os"
	"strings"
)

// ParseBoolEnv reads a boolean environment variable, used for feature
// toggles like the backup scheduler. Recognizes true/1/yes/on and
// false/0/no/off in any case; unset or unrecognized values fall back to
// defaultValue.
func ParseBoolEnv(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		slog.Warn("ParseBoolEnv: unrecognized boolean value, falling back to default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
}
