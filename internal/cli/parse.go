package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kilupskalvis/revec/internal/models"
)

// parseVector parses a comma separated list of floats.
func parseVector(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	vec := make([]float32, 0, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %d %q: %w", i, p, err)
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}

// parseValue interprets a command-line value as bool, number or string.
// Quote a value to force a string: key='"true"'.
func parseValue(s string) any {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// parsePairs splits key=value arguments, keeping their order.
func parsePairs(pairs []string) ([]string, []any, error) {
	keys := make([]string, 0, len(pairs))
	values := make([]any, 0, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, nil, fmt.Errorf("expected key=value, got %q", p)
		}
		keys = append(keys, k)
		values = append(values, parseValue(v))
	}
	return keys, values, nil
}

// parseMetadata builds metadata from key=value arguments in the given order.
func parseMetadata(pairs []string) (models.Metadata, error) {
	keys, values, err := parsePairs(pairs)
	if err != nil {
		return models.Metadata{}, err
	}
	var m models.Metadata
	for i, k := range keys {
		if err := m.Set(k, values[i]); err != nil {
			return models.Metadata{}, err
		}
	}
	return m, nil
}

// parseFilter builds an exact-match filter from key=value arguments.
func parseFilter(pairs []string) (models.Filter, error) {
	keys, values, err := parsePairs(pairs)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	f := make(models.Filter, len(keys))
	for i, k := range keys {
		f[k] = values[i]
	}
	return f, nil
}

// parseTime accepts RFC 3339 timestamps, dates and Unix seconds.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0), nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q (want RFC 3339, YYYY-MM-DD or Unix seconds)", s)
}

// parseRevision parses a positive revision number.
func parseRevision(s string) (int64, error) {
	rev, err := strconv.ParseInt(s, 10, 64)
	if err != nil || rev < 1 {
		return 0, fmt.Errorf("invalid revision %q", s)
	}
	return rev, nil
}
