package hooks

import (
	"errors"
	"strings"
	"sync"
)

var registry sync.Map

// ErrDuplicateHook indicates a format already has hooks registered.
var ErrDuplicateHook = errors.New("hook already registered")

// Register stores hooks for the given format key.
func Register(format string, hooks Hooks) error {
	key := normalizeKey(format)
	if key == "" {
		return errors.New("format key required")
	}
	if _, loaded := registry.LoadOrStore(key, hooks); loaded {
		return ErrDuplicateHook
	}
	return nil
}

// MustRegister panics on registration failure.
func MustRegister(format string, hooks Hooks) {
	if err := Register(format, hooks); err != nil {
		panic(err)
	}
}

// Fetch retrieves hooks associated with a format key.
func Fetch(format string) (Hooks, bool) {
	key := normalizeKey(format)
	if key == "" {
		return Hooks{}, false
	}
	if value, ok := registry.Load(key); ok {
		if hooks, ok := value.(Hooks); ok {
			return hooks, true
		}
	}
	return Hooks{}, false
}

// Status returns hook registration status for a format key.
func Status(format string) string {
	if _, ok := Fetch(format); ok {
		return "registered"
	}
	return "missing"
}

// Snapshot returns status for a list of format keys.
func Snapshot(keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		if normalized := normalizeKey(key); normalized != "" {
			out[normalized] = Status(normalized)
		}
	}
	return out
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
