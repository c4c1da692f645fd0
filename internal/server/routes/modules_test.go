package routes

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/any-repo/internal/config"
	"github.com/any-hub/any-repo/internal/hubmodule"
	"github.com/any-hub/any-repo/internal/proxy/hooks"
	"github.com/any-hub/any-repo/internal/repository"

	_ "github.com/any-hub/any-repo/internal/hubmodule/npm"
	_ "github.com/any-hub/any-repo/internal/hubmodule/pypi"
)

func TestEncodeModulesAddsHookStatus(t *testing.T) {
	modules := []hubmodule.ModuleMetadata{
		{
			Key: "b",
			CacheStrategy: hubmodule.CacheStrategyProfile{
				IndexTTL:       time.Hour,
				ValidationMode: hubmodule.ValidationModeNever,
				DiskLayout:     "flat",
			},
		},
		{
			Key:            "a",
			SupportedKinds: []hubmodule.AssetKind{hubmodule.KindPackage},
			CacheStrategy: hubmodule.CacheStrategyProfile{
				IndexTTL:       time.Minute,
				ValidationMode: hubmodule.ValidationModeNever,
				DiskLayout:     "flat",
			},
		},
	}
	status := map[string]string{"a": "registered"}

	encoded := encodeModules(modules, status)
	if len(encoded) != 2 {
		t.Fatalf("expected 2 modules, got %d", len(encoded))
	}
	if encoded[0].Key != "a" || encoded[0].HookStatus != "registered" {
		t.Fatalf("unexpected first module: %+v", encoded[0])
	}
	if encoded[0].CacheStrategy.IndexTTLSeconds != 60 || len(encoded[0].SupportedKinds) != 1 {
		t.Fatalf("unexpected strategy payload: %+v", encoded[0])
	}
	if encoded[1].Key != "b" || encoded[1].HookStatus != "" {
		t.Fatalf("unexpected second module: %+v", encoded[1])
	}
}

func TestEncodeModuleAddsStatusForDetail(t *testing.T) {
	key := "module-routes-test"
	_ = hooks.Register(key, hooks.Hooks{})

	payload := encodeModule(hubmodule.ModuleMetadata{Key: key})
	payload.HookStatus = hooks.Status(key)
	if payload.HookStatus != "registered" {
		t.Fatalf("expected hook status registered, got %s", payload.HookStatus)
	}
}

func TestRepositoriesEndpointListsFlattenedMembers(t *testing.T) {
	registry, err := repository.NewRegistry(&config.Config{
		Global: config.GlobalConfig{ListenPort: 5000, IndexTTL: config.Duration(time.Hour)},
		Repositories: []config.RepositoryConfig{
			{Name: "pypi-proxy", ID: 1, Format: "pypi", Type: "proxy", Upstream: "https://pypi.org"},
			{Name: "pypi-hosted", ID: 2, Format: "pypi", Type: "hosted"},
			{Name: "pypi-all", ID: 3, Format: "pypi", Type: "group", Members: []string{"pypi-hosted", "pypi-proxy"}},
		},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	app := fiber.New()
	RegisterModuleRoutes(app, registry)

	resp, err := app.Test(httptest.NewRequest("GET", "/-/repositories", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	var payload struct {
		Repositories []repositoryPayload `json:"repositories"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Repositories) != 3 || payload.Repositories[0].Name != "pypi-all" {
		t.Fatalf("unexpected repositories: %+v", payload.Repositories)
	}
	group := payload.Repositories[0]
	if len(group.Flattened) != 2 || group.Flattened[0] != "pypi-hosted" {
		t.Fatalf("unexpected flattened members: %+v", group.Flattened)
	}
	if payload.Repositories[2].Upstream != "https://pypi.org" {
		t.Fatalf("unexpected upstream: %s", payload.Repositories[2].Upstream)
	}
}

func TestFormatDetailNotFound(t *testing.T) {
	registry, err := repository.NewRegistry(&config.Config{})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	app := fiber.New()
	RegisterModuleRoutes(app, registry)

	resp, err := app.Test(httptest.NewRequest("GET", "/-/formats/nope", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp, err = app.Test(httptest.NewRequest("GET", "/-/formats/pypi", nil))
	if err != nil || resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected pypi detail, got %v %v", resp, err)
	}
}
