package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Env reads typed settings from a lookup function. Malformed or
// out-of-range values fall back to the default.
type Env struct {
	lookup func(string) (string, bool)
}

// OSEnv reads the process environment.
func OSEnv() Env { return Env{lookup: os.LookupEnv} }

// MapEnv reads from m. Used by tests and tooling.
func MapEnv(m map[string]string) Env {
	return Env{lookup: func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}}
}

func (e Env) raw(key string) string {
	if e.lookup == nil {
		return ""
	}
	v, _ := e.lookup(key)
	return strings.TrimSpace(v)
}

// String reads a string with a default.
func (e Env) String(key, def string) string {
	if v := e.raw(key); v != "" {
		return v
	}
	return def
}

// Bool reads a bool with a default.
func (e Env) Bool(key string, def bool) bool {
	v := e.raw(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Int reads a positive int with a default.
func (e Env) Int(key string, def int) int {
	v := e.raw(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// Int32 reads a non-negative int32 with a default.
func (e Env) Int32(key string, def int32) int32 {
	v := e.raw(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n < 0 {
		return def
	}
	return int32(n)
}

// Duration reads a positive duration with a default.
func (e Env) Duration(key string, def time.Duration) time.Duration {
	v := e.raw(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// List reads a comma-separated list, dropping empty items.
// An unset or blank variable yields def.
func (e Env) List(key string, def []string) []string {
	v := e.raw(key)
	if v == "" {
		return append([]string(nil), def...)
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
