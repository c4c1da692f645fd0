// Package hubmodule 聚合各包格式（pypi/npm/maven）的元数据，并提供统一的注册入口。
//
// 格式作者需要：
//  1. 在 internal/hubmodule/<format>/ 目录下声明 ModuleMetadata 与代理 hooks；
//  2. 在 init() 中通过 MustRegister 注册元数据，通过 hooks.MustRegister 注册代理钩子；
//  3. 按需提供 BrowsePlugins（去重键、排序、成员过滤），未提供时使用默认行为。
//
// 注册表在启动时填充一次，之后以引用方式传入分组层与代理层，只读访问。
package hubmodule
