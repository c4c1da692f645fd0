package proxy

import (
	"net/http"
	"time"

	"github.com/any-hub/any-repo/internal/content"
	"github.com/any-hub/any-repo/internal/hubmodule"
)

// isFresh 判断缓存副本在当前策略下是否可以直接返回：不可变类型永远新鲜，
// 索引类型在 CachedAt + TTL 之前新鲜。
func isFresh(strategy hubmodule.CacheStrategyProfile, kind hubmodule.AssetKind, attrs content.Attributes, now time.Time) bool {
	policy := strategy.Policy(kind)
	if !policy.Cacheable {
		return false
	}
	if policy.Immutable {
		return true
	}
	if attrs.CachedAt.IsZero() || policy.MaxAge <= 0 {
		return false
	}
	return now.Before(attrs.CachedAt.Add(policy.MaxAge))
}

// conditionalHeaders 按校验模式为再验证请求附加 If-None-Match / If-Modified-Since。
func conditionalHeaders(mode hubmodule.ValidationMode, attrs content.Attributes) http.Header {
	header := http.Header{}
	switch mode {
	case hubmodule.ValidationModeETag:
		if attrs.ETag != "" {
			header.Set("If-None-Match", attrs.ETag)
		} else if attrs.LastModified != "" {
			header.Set("If-Modified-Since", attrs.LastModified)
		}
	case hubmodule.ValidationModeLastModified:
		if attrs.LastModified != "" {
			header.Set("If-Modified-Since", attrs.LastModified)
		}
	}
	return header
}
