// Package npm 描述 npm Registry 模块的默认策略与注册逻辑：packument 按名索引、tarball 与搜索。
package npm

import (
	"time"

	"github.com/any-hub/any-repo/internal/hubmodule"
)

const npmDefaultTTL = 30 * time.Minute

// npm 模块没有根索引，packument 视为按名索引，tarball 不可变。
func init() {
	hubmodule.MustRegister(hubmodule.ModuleMetadata{
		Key:            "npm",
		Description:    "NPM proxy module with packument rewriting and group overlay merge",
		MigrationState: hubmodule.MigrationStateGA,
		SupportedKinds: []hubmodule.AssetKind{
			hubmodule.KindPackageIndex,
			hubmodule.KindPackage,
			hubmodule.KindSearch,
		},
		CacheStrategy: hubmodule.CacheStrategyProfile{
			IndexTTL:       npmDefaultTTL,
			ValidationMode: hubmodule.ValidationModeETag,
			DiskLayout:     "raw_path",
		},
	})
}
