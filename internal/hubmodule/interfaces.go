package hubmodule

import (
	"strings"
	"time"

	"github.com/any-hub/any-repo/internal/browse"
)

// MigrationState 描述格式模块的成熟度，方便诊断端区分 beta/ga。
type MigrationState string

const (
	MigrationStateBeta MigrationState = "beta"
	MigrationStateGA   MigrationState = "ga"
)

// ValidationMode 描述索引过期后向上游再验证的方式。
type ValidationMode string

const (
	ValidationModeETag         ValidationMode = "etag"
	ValidationModeLastModified ValidationMode = "last-modified"
	ValidationModeNever        ValidationMode = "never"
)

// AssetKind 是缓存路径所承载内容的封闭标签集合，每种类型拥有独立的新鲜度窗口。
type AssetKind string

const (
	KindRootIndex    AssetKind = "root-index"
	KindPackageIndex AssetKind = "package-index"
	KindPackage      AssetKind = "package"
	KindSignature    AssetKind = "signature"
	KindSearch       AssetKind = "search"
)

// AllKinds 按固定顺序列出全部资产类型。
func AllKinds() []AssetKind {
	return []AssetKind{KindRootIndex, KindPackageIndex, KindPackage, KindSignature, KindSearch}
}

// ParseAssetKind 将字符串解析为 AssetKind，未知值返回 false。
func ParseAssetKind(raw string) (AssetKind, bool) {
	kind := AssetKind(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllKinds() {
		if kind == known {
			return kind, true
		}
	}
	return "", false
}

// IsIndex 表示该类型是否为索引类内容（会被改写且具有短 TTL）。
func (k AssetKind) IsIndex() bool {
	return k == KindRootIndex || k == KindPackageIndex
}

// KindPolicy 描述单个资产类型的缓存策略。
type KindPolicy struct {
	// Cacheable 为 false 时永远直连上游（search）。
	Cacheable bool
	// Immutable 表示取回后不再向上游再验证（包文件、签名）。
	Immutable bool
	// MaxAge 仅对非 Immutable 类型生效。
	MaxAge time.Duration
}

// CacheStrategyProfile 描述模块的缓存读写策略及其默认值。
type CacheStrategyProfile struct {
	IndexTTL       time.Duration
	ValidationMode ValidationMode
	DiskLayout     string
}

// Policy 返回指定资产类型的最终策略。
func (p CacheStrategyProfile) Policy(kind AssetKind) KindPolicy {
	switch kind {
	case KindSearch:
		return KindPolicy{}
	case KindPackage, KindSignature:
		return KindPolicy{Cacheable: true, Immutable: true}
	default:
		return KindPolicy{Cacheable: true, MaxAge: p.IndexTTL}
	}
}

// BrowsePlugins 汇总分组浏览时的格式插件，未设置的字段使用默认行为。
type BrowsePlugins struct {
	// Identity 返回节点去重键，默认 DisplayName。
	Identity func(node browse.Node) string
	// Less 为排序比较器，默认按 DisplayName 排序。
	Less func(a, b browse.Node) bool
	// Accept 可以根据节点来源成员拒绝节点，默认全部接受。
	Accept func(node browse.Node, member string) bool
}

// ModuleMetadata 记录一个格式模块的静态信息，供配置校验、分组浏览和诊断端使用。
type ModuleMetadata struct {
	Key            string
	Description    string
	MigrationState MigrationState
	// SupportedKinds 列出该格式会产生的资产类型。
	SupportedKinds []AssetKind
	CacheStrategy  CacheStrategyProfile
	Browse         BrowsePlugins
}

// IdentityOf 返回节点在该格式下的去重键。
func (m ModuleMetadata) IdentityOf(node browse.Node) string {
	if m.Browse.Identity != nil {
		return m.Browse.Identity(node)
	}
	return node.DisplayName
}

// AcceptFrom 判断来自 member 的节点是否保留。
func (m ModuleMetadata) AcceptFrom(node browse.Node, member string) bool {
	if m.Browse.Accept != nil {
		return m.Browse.Accept(node, member)
	}
	return true
}

// LessFunc 返回该格式的排序比较器。
func (m ModuleMetadata) LessFunc() func(a, b browse.Node) bool {
	if m.Browse.Less != nil {
		return m.Browse.Less
	}
	return func(a, b browse.Node) bool {
		return a.DisplayName < b.DisplayName
	}
}
