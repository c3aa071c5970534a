package config

import "time"

// Typed lookups for free-form option maps such as workers.options. Each
// returns def when the key is missing or holds an incompatible type.

// GetString returns a string option
func GetString(opts map[string]any, key, def string) string {
	if s, ok := opts[key].(string); ok {
		return s
	}
	return def
}

// GetInt returns an integer option. JSON numbers arrive as float64.
func GetInt(opts map[string]any, key string, def int) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// GetBool returns a boolean option
func GetBool(opts map[string]any, key string, def bool) bool {
	if b, ok := opts[key].(bool); ok {
		return b
	}
	return def
}

// GetDuration returns a duration option given as a string like "5s" or as
// integer nanoseconds
func GetDuration(opts map[string]any, key string, def time.Duration) time.Duration {
	v, ok := opts[key]
	if !ok {
		return def
	}
	d, err := parseDuration(v)
	if err != nil {
		return def
	}
	return d.Std()
}
