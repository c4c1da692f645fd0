// Package repository 描述运行期的 hosted/proxy/group 仓库，以及 hosted 仓库的上传与删除。
package repository

import (
	"net/url"

	"github.com/any-hub/any-repo/internal/hubmodule"
	"github.com/any-hub/any-repo/internal/proxy/hooks"
)

// Type 是仓库类型。
type Type string

const (
	TypeHosted Type = "hosted"
	TypeProxy  Type = "proxy"
	TypeGroup  Type = "group"
)

// Repository 将仓库配置与派生属性（解析后的代理地址、格式模块、最终缓存策略）聚合在一起，
// 供代理、分组与路由层直接复用。
type Repository struct {
	Name   string
	ID     int
	Format string
	Type   Type
	// Upstream 不带尾部 "/"，仅 proxy 仓库有值。
	Upstream string
	Proxy    *url.URL
	Username string
	Password string
	// Members 按优先级排列，仅 group 仓库有值。
	Members []string
	Domain  string
	// Strategy 是模块默认策略与仓库覆盖合并后的结果。
	Strategy hubmodule.CacheStrategyProfile
	Module   hubmodule.ModuleMetadata
}

// Hooks 返回仓库格式注册的代理钩子，未注册时返回零值。
func (r *Repository) Hooks() hooks.Hooks {
	h, _ := hooks.Fetch(r.Format)
	return h
}

// HookContext 构造传给格式钩子的请求上下文。
func (r *Repository) HookContext(baseURL, method string) *hooks.RequestContext {
	return &hooks.RequestContext{
		Repository: r.Name,
		Format:     r.Format,
		Upstream:   r.Upstream,
		BaseURL:    baseURL,
		Method:     method,
	}
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (r *Repository) AuthMode() string {
	if r.Username != "" && r.Password != "" {
		return "credentialed"
	}
	return "anonymous"
}
