package config

import (
	"time"

	"github.com/any-hub/any-repo/internal/hubmodule"
)

// EffectiveIndexTTL 返回特定仓库生效的索引 TTL，未覆盖时回退至全局值。
func (c *Config) EffectiveIndexTTL(r RepositoryConfig) time.Duration {
	if r.IndexTTL.DurationValue() > 0 {
		return r.IndexTTL.DurationValue()
	}
	return c.Global.IndexTTL.DurationValue()
}

// StrategyFor 将仓库配置与格式模块元数据合并为最终缓存策略。
func (c *Config) StrategyFor(r RepositoryConfig, meta hubmodule.ModuleMetadata) hubmodule.CacheStrategyProfile {
	return hubmodule.ResolveStrategy(meta, r.StrategyOverrides(c.EffectiveIndexTTL(r)))
}
