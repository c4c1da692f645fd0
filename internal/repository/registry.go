package repository

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/any-repo/internal/config"
	"github.com/any-hub/any-repo/internal/hubmodule"
)

// Registry 提供仓库名与 Host 到 Repository 的查询能力，所有仓库共享同一个监听端口。
type Registry struct {
	byName  map[string]*Repository
	byHost  map[string]*Repository
	ordered []*Repository
}

// NewRegistry 根据配置构建仓库表。调用方应在启动阶段创建一次并复用。
func NewRegistry(cfg *config.Config) (*Registry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &Registry{
		byName: make(map[string]*Repository, len(cfg.Repositories)),
		byHost: make(map[string]*Repository),
	}

	for _, rc := range cfg.Repositories {
		if _, exists := registry.byName[rc.Name]; exists {
			return nil, fmt.Errorf("duplicate repository %s", rc.Name)
		}
		repo, err := buildRepository(cfg, rc)
		if err != nil {
			return nil, err
		}
		if repo.Domain != "" {
			host := normalizeDomain(repo.Domain)
			if host == "" {
				return nil, fmt.Errorf("invalid domain for repository %s", rc.Name)
			}
			if _, exists := registry.byHost[host]; exists {
				return nil, fmt.Errorf("duplicate domain mapping detected for %s", host)
			}
			registry.byHost[host] = repo
		}
		registry.byName[repo.Name] = repo
		registry.ordered = append(registry.ordered, repo)
	}

	for _, repo := range registry.ordered {
		for _, member := range repo.Members {
			if _, ok := registry.byName[member]; !ok {
				return nil, fmt.Errorf("repository %s: unknown member %s", repo.Name, member)
			}
		}
	}

	return registry, nil
}

// Lookup 按仓库名查找。
func (r *Registry) Lookup(name string) (*Repository, bool) {
	if r == nil {
		return nil, false
	}
	repo, ok := r.byName[name]
	return repo, ok
}

// LookupHost 根据 Host 或 Host:port 查找声明了 Domain 的仓库。
func (r *Registry) LookupHost(host string) (*Repository, bool) {
	if r == nil {
		return nil, false
	}
	normalized, _ := normalizeHost(host)
	if normalized == "" {
		return nil, false
	}
	repo, ok := r.byHost[normalized]
	return repo, ok
}

// List 返回按配置顺序排列的仓库列表。
func (r *Registry) List() []*Repository {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	result := make([]*Repository, len(r.ordered))
	copy(result, r.ordered)
	return result
}

// Flatten 返回仓库展开后的非分组成员：嵌套分组按声明顺序内联，重复成员只保留第一次出现。
// 非分组仓库返回自身。
func (r *Registry) Flatten(repo *Repository) []*Repository {
	if repo == nil {
		return nil
	}
	var (
		result []*Repository
		seen   = map[string]struct{}{}
		walk   func(*Repository)
	)
	walk = func(current *Repository) {
		if _, visited := seen[current.Name]; visited {
			return
		}
		seen[current.Name] = struct{}{}
		if current.Type != TypeGroup {
			result = append(result, current)
			return
		}
		for _, name := range current.Members {
			if member, ok := r.Lookup(name); ok {
				walk(member)
			}
		}
	}
	walk(repo)
	return result
}

func buildRepository(cfg *config.Config, rc config.RepositoryConfig) (*Repository, error) {
	meta, ok := hubmodule.Resolve(rc.Format)
	if !ok {
		return nil, fmt.Errorf("repository %s: unsupported format %s", rc.Name, rc.Format)
	}

	repo := &Repository{
		Name:     rc.Name,
		ID:       rc.ID,
		Format:   meta.Key,
		Type:     Type(rc.Type),
		Upstream: strings.TrimSuffix(rc.Upstream, "/"),
		Username: rc.Username,
		Password: rc.Password,
		Members:  append([]string(nil), rc.Members...),
		Domain:   rc.Domain,
		Strategy: cfg.StrategyFor(rc, meta),
		Module:   meta,
	}
	if repo.Type == "" {
		repo.Type = TypeProxy
	}

	if repo.Type == TypeProxy {
		if _, err := url.Parse(repo.Upstream); err != nil {
			return nil, fmt.Errorf("invalid upstream for repository %s: %w", rc.Name, err)
		}
	}
	if rc.Proxy != "" {
		proxyURL, err := url.Parse(rc.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for repository %s: %w", rc.Name, err)
		}
		repo.Proxy = proxyURL
	}
	return repo, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
