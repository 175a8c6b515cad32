package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// envValue returns the trimmed value of key, or "" when unset.
func envValue(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// envParse parses key with parse and keeps def when the variable is unset,
// unparsable or rejected by valid.
func envParse[T any](key string, def T, parse func(string) (T, error), valid func(T) bool) T {
	v := envValue(key)
	if v == "" {
		return def
	}
	out, err := parse(v)
	if err != nil || (valid != nil && !valid(out)) {
		return def
	}
	return out
}

// EnvString reads a string env var with a default.
func EnvString(key, def string) string {
	if v := envValue(key); v != "" {
		return v
	}
	return def
}

// EnvBool reads a bool env var with a default.
func EnvBool(key string, def bool) bool {
	return envParse(key, def, strconv.ParseBool, nil)
}

// EnvInt reads a positive int env var with a default.
func EnvInt(key string, def int) int {
	return envParse(key, def, strconv.Atoi, func(n int) bool { return n > 0 })
}

// EnvInt32 reads a non-negative int32 env var with a default.
func EnvInt32(key string, def int32) int32 {
	parse := func(s string) (int32, error) {
		n, err := strconv.ParseInt(s, 10, 32)
		return int32(n), err
	}
	return envParse(key, def, parse, func(n int32) bool { return n >= 0 })
}

// EnvDuration reads a positive duration env var with a default.
func EnvDuration(key string, def time.Duration) time.Duration {
	return envParse(key, def, time.ParseDuration, func(d time.Duration) bool { return d > 0 })
}

// EnvList reads a comma-separated env var with a default. Empty entries are dropped.
func EnvList(key string, def []string) []string {
	var out []string
	for _, part := range strings.Split(envValue(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
