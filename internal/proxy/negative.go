package proxy

import (
	"sync"
	"time"
)

// negativeCache 记录上游确认不存在的 key，窗口期内重复请求不再访问上游。
// remember 每隔一个 ttl 顺带清扫一次过期条目，避免大量一次性 404 路径无限堆积。
type negativeCache struct {
	ttl     time.Duration
	now     func() time.Time
	entries sync.Map

	sweepMu   sync.Mutex
	nextSweep time.Time
}

func newNegativeCache(ttl time.Duration, now func() time.Time) *negativeCache {
	return &negativeCache{ttl: ttl, now: now}
}

func (n *negativeCache) remember(key string) {
	if n.ttl <= 0 {
		return
	}
	now := n.now()
	n.sweep(now)
	n.entries.Store(key, now.Add(n.ttl))
}

func (n *negativeCache) hit(key string) bool {
	if n.ttl <= 0 {
		return false
	}
	value, ok := n.entries.Load(key)
	if !ok {
		return false
	}
	if n.now().Before(value.(time.Time)) {
		return true
	}
	n.entries.CompareAndDelete(key, value)
	return false
}

func (n *negativeCache) forget(key string) {
	n.entries.Delete(key)
}

// sweep 删除所有已过期条目；距上次清扫不足一个 ttl 时直接返回。
func (n *negativeCache) sweep(now time.Time) {
	n.sweepMu.Lock()
	if now.Before(n.nextSweep) {
		n.sweepMu.Unlock()
		return
	}
	n.nextSweep = now.Add(n.ttl)
	n.sweepMu.Unlock()

	n.entries.Range(func(key, value any) bool {
		if !now.Before(value.(time.Time)) {
			n.entries.CompareAndDelete(key, value)
		}
		return true
	})
}

func (n *negativeCache) size() int {
	count := 0
	n.entries.Range(func(any, any) bool {
		count++
		return true
	})
	return count
}
