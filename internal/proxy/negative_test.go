package proxy

import (
	"fmt"
	"testing"
	"time"
)

func TestNegativeCacheSweepsExpiredEntries(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cache := newNegativeCache(time.Minute, func() time.Time { return now })

	for i := 0; i < 10000; i++ {
		cache.remember(fmt.Sprintf("npm:/missing-%d", i))
	}
	if got := cache.size(); got != 10000 {
		t.Fatalf("expected 10000 entries, got %d", got)
	}

	now = now.Add(time.Hour)
	cache.remember("npm:/fresh")
	if got := cache.size(); got != 1 {
		t.Fatalf("expired entries should be swept, %d remain", got)
	}
	if !cache.hit("npm:/fresh") {
		t.Fatalf("fresh entry should still hit")
	}
	if cache.hit("npm:/missing-1") {
		t.Fatalf("expired entry should not hit")
	}
}

func TestNegativeCacheSweepKeepsLiveEntries(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cache := newNegativeCache(time.Minute, func() time.Time { return now })

	cache.remember("old")
	now = now.Add(30 * time.Second)
	cache.remember("young")
	now = now.Add(45 * time.Second)
	cache.remember("newest")

	if cache.hit("old") {
		t.Fatalf("old entry expired")
	}
	if !cache.hit("young") || !cache.hit("newest") {
		t.Fatalf("live entries must survive the sweep")
	}
}
