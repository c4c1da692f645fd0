// Package pypi 聚焦 PyPI simple index 模块：根索引、按名索引、分发包与签名。
package pypi

import (
	"time"

	"github.com/any-hub/any-repo/internal/hubmodule"
)

const pypiDefaultTTL = 15 * time.Minute

// pypi 模块负责 simple index + 分发包的策略声明，默认使用 Last-Modified 校验。
func init() {
	hubmodule.MustRegister(hubmodule.ModuleMetadata{
		Key:            "pypi",
		Description:    "PyPI simple index module with proxy-relative link rewriting",
		MigrationState: hubmodule.MigrationStateGA,
		SupportedKinds: hubmodule.AllKinds(),
		CacheStrategy: hubmodule.CacheStrategyProfile{
			IndexTTL:       pypiDefaultTTL,
			ValidationMode: hubmodule.ValidationModeLastModified,
			DiskLayout:     "raw_path",
		},
		Browse: hubmodule.BrowsePlugins{
			Identity: identity,
		},
	})
}
