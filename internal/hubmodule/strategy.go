package hubmodule

import "time"

// DefaultIndexTTL 是索引类内容在未配置时的最大缓存时长。
const DefaultIndexTTL = 30 * time.Minute

// StrategyOptions 描述来自仓库配置的 override。
type StrategyOptions struct {
	TTLOverride        time.Duration
	ValidationOverride ValidationMode
}

// ResolveStrategy 将模块的默认策略与仓库级覆盖合并。
func ResolveStrategy(meta ModuleMetadata, opts StrategyOptions) CacheStrategyProfile {
	strategy := meta.CacheStrategy
	if opts.TTLOverride > 0 {
		strategy.IndexTTL = opts.TTLOverride
	}
	if opts.ValidationOverride != "" {
		strategy.ValidationMode = opts.ValidationOverride
	}
	return normalizeStrategy(strategy)
}

func normalizeStrategy(profile CacheStrategyProfile) CacheStrategyProfile {
	if profile.IndexTTL <= 0 {
		profile.IndexTTL = DefaultIndexTTL
	}
	if profile.ValidationMode == "" {
		profile.ValidationMode = ValidationModeETag
	}
	if profile.DiskLayout == "" {
		profile.DiskLayout = "raw_path"
	}
	return profile
}
