package hubmodule

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

var globalRegistry = NewRegistry()

// Registry 以格式名为键保存模块元数据。进程启动时由各格式包的 init() 填充，
// 之后按引用传入分组层等组件，只读使用。
type Registry struct {
	mu      sync.RWMutex
	modules map[string]ModuleMetadata
}

// NewRegistry 创建一个空注册表，测试可借此隔离全局状态。
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]ModuleMetadata)}
}

// Default 返回进程级注册表。
func Default() *Registry {
	return globalRegistry
}

// Register 将模块元数据加入全局注册表，重复键会返回错误。
func Register(meta ModuleMetadata) error {
	return globalRegistry.Register(meta)
}

// MustRegister 在注册失败时 panic，适合模块 init() 中调用。
func MustRegister(meta ModuleMetadata) {
	if err := Register(meta); err != nil {
		panic(err)
	}
}

// Resolve 返回指定键的模块元数据。
func Resolve(key string) (ModuleMetadata, bool) {
	return globalRegistry.Resolve(key)
}

// List 返回按键排序的模块元数据列表。
func List() []ModuleMetadata {
	return globalRegistry.List()
}

// Keys 返回所有已注册模块的键值，供调试或诊断使用。
func Keys() []string {
	items := List()
	result := make([]string, len(items))
	for i, meta := range items {
		result[i] = meta.Key
	}
	return result
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Register 写入模块元数据，键大小写不敏感。
func (r *Registry) Register(meta ModuleMetadata) error {
	key := normalizeKey(meta.Key)
	if key == "" {
		return fmt.Errorf("module key is required")
	}
	meta.Key = key
	meta.CacheStrategy = normalizeStrategy(meta.CacheStrategy)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[key]; exists {
		return fmt.Errorf("module %s already registered", key)
	}
	r.modules[key] = meta
	return nil
}

// Resolve 查询模块元数据。
func (r *Registry) Resolve(key string) (ModuleMetadata, bool) {
	if key == "" {
		return ModuleMetadata{}, false
	}
	normalized := normalizeKey(key)

	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, ok := r.modules[normalized]
	return meta, ok
}

// List 返回按键排序的快照。
func (r *Registry) List() []ModuleMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.modules) == 0 {
		return nil
	}

	keys := make([]string, 0, len(r.modules))
	for key := range r.modules {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]ModuleMetadata, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.modules[key])
	}
	return result
}
