// Package routes 注册 /-/ 前缀下的诊断接口。
package routes

import (
	"sort"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/any-repo/internal/hubmodule"
	"github.com/any-hub/any-repo/internal/proxy/hooks"
	"github.com/any-hub/any-repo/internal/repository"
)

// RegisterModuleRoutes 暴露 /-/formats 与 /-/repositories，供运维查询格式模块与仓库绑定关系。
func RegisterModuleRoutes(app *fiber.App, registry *repository.Registry) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/formats", func(c fiber.Ctx) error {
		hookStatus := hooks.Snapshot(hubmodule.Keys())
		return c.JSON(fiber.Map{
			"formats":       encodeModules(hubmodule.List(), hookStatus),
			"hook_registry": hookStatus,
		})
	})

	app.Get("/-/formats/:key", func(c fiber.Ctx) error {
		key := strings.ToLower(strings.TrimSpace(c.Params("key")))
		if key == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "format_key_required"})
		}
		meta, ok := hubmodule.Resolve(key)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "format_not_found"})
		}
		encoded := encodeModule(meta)
		encoded.HookStatus = hooks.Status(key)
		return c.JSON(encoded)
	})

	app.Get("/-/repositories", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"repositories": encodeRepositories(registry),
		})
	})
}

type modulePayload struct {
	Key            string                   `json:"key"`
	Description    string                   `json:"description"`
	MigrationState hubmodule.MigrationState `json:"migration_state"`
	SupportedKinds []string                 `json:"supported_kinds"`
	CacheStrategy  cacheStrategyPayload     `json:"cache_strategy"`
	HookStatus     string                   `json:"hook_status,omitempty"`
}

type cacheStrategyPayload struct {
	IndexTTLSeconds int64  `json:"index_ttl_seconds"`
	ValidationMode  string `json:"validation_mode"`
	DiskLayout      string `json:"disk_layout"`
}

type repositoryPayload struct {
	Name            string   `json:"name"`
	ID              int      `json:"id"`
	Format          string   `json:"format"`
	Type            string   `json:"type"`
	Upstream        string   `json:"upstream,omitempty"`
	Domain          string   `json:"domain,omitempty"`
	Members         []string `json:"members,omitempty"`
	Flattened       []string `json:"flattened_members,omitempty"`
	AuthMode        string   `json:"auth_mode"`
	IndexTTLSeconds int64    `json:"index_ttl_seconds"`
	ValidationMode  string   `json:"validation_mode"`
}

func encodeModules(mods []hubmodule.ModuleMetadata, status map[string]string) []modulePayload {
	if len(mods) == 0 {
		return nil
	}
	sort.Slice(mods, func(i, j int) bool {
		return mods[i].Key < mods[j].Key
	})
	result := make([]modulePayload, 0, len(mods))
	for _, meta := range mods {
		item := encodeModule(meta)
		if s, ok := status[meta.Key]; ok {
			item.HookStatus = s
		}
		result = append(result, item)
	}
	return result
}

func encodeModule(meta hubmodule.ModuleMetadata) modulePayload {
	strategy := meta.CacheStrategy
	kinds := make([]string, 0, len(meta.SupportedKinds))
	for _, kind := range meta.SupportedKinds {
		kinds = append(kinds, string(kind))
	}
	return modulePayload{
		Key:            meta.Key,
		Description:    meta.Description,
		MigrationState: meta.MigrationState,
		SupportedKinds: kinds,
		CacheStrategy: cacheStrategyPayload{
			IndexTTLSeconds: int64(strategy.IndexTTL / time.Second),
			ValidationMode:  string(strategy.ValidationMode),
			DiskLayout:      strategy.DiskLayout,
		},
	}
}

func encodeRepositories(registry *repository.Registry) []repositoryPayload {
	repos := registry.List()
	if len(repos) == 0 {
		return nil
	}
	result := make([]repositoryPayload, 0, len(repos))
	for _, repo := range repos {
		item := repositoryPayload{
			Name:            repo.Name,
			ID:              repo.ID,
			Format:          repo.Format,
			Type:            string(repo.Type),
			Upstream:        repo.Upstream,
			Domain:          repo.Domain,
			AuthMode:        repo.AuthMode(),
			IndexTTLSeconds: int64(repo.Strategy.IndexTTL / time.Second),
			ValidationMode:  string(repo.Strategy.ValidationMode),
		}
		if repo.Type == repository.TypeGroup {
			item.Members = append([]string(nil), repo.Members...)
			for _, member := range registry.Flatten(repo) {
				item.Flattened = append(item.Flattened, member.Name)
			}
		}
		result = append(result, item)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}
