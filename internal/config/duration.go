package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string ("90s", "5m"). An empty
// value is 0; negative values are rejected. path names the field in errors,
// for example "dispatch.send_timeout".
func ParseDurationField(path, raw string) (time.Duration, error) {
	return parseDuration(path, raw, 0)
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return parseDuration(path, raw, def)
}

func parseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: must not be negative, got %s", path, d)
	case d == 0:
		return def, nil
	}
	return d, nil
}
