// Package maven 描述 Maven 2 布局仓库：maven-metadata.xml 为按名索引，构件与校验文件不可变。
package maven

import (
	"time"

	"github.com/any-hub/any-repo/internal/hubmodule"
)

const mavenDefaultTTL = 30 * time.Minute

func init() {
	hubmodule.MustRegister(hubmodule.ModuleMetadata{
		Key:            "maven",
		Description:    "Maven 2 layout proxy with metadata validation",
		MigrationState: hubmodule.MigrationStateGA,
		SupportedKinds: []hubmodule.AssetKind{
			hubmodule.KindPackageIndex,
			hubmodule.KindPackage,
			hubmodule.KindSignature,
		},
		CacheStrategy: hubmodule.CacheStrategyProfile{
			IndexTTL:       mavenDefaultTTL,
			ValidationMode: hubmodule.ValidationModeLastModified,
			DiskLayout:     "raw_path",
		},
		Browse: hubmodule.BrowsePlugins{
			Less: versionAwareLess,
		},
	})
}
