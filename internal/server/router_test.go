package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/any-repo/internal/access"
	"github.com/any-hub/any-repo/internal/browse"
	"github.com/any-hub/any-repo/internal/browse/memory"
	"github.com/any-hub/any-repo/internal/config"
	"github.com/any-hub/any-repo/internal/content"
	"github.com/any-hub/any-repo/internal/logging"
	"github.com/any-hub/any-repo/internal/proxy"
	"github.com/any-hub/any-repo/internal/repository"

	_ "github.com/any-hub/any-repo/internal/hubmodule/pypi"
)

type fetchRecorder struct {
	target proxy.Target
	calls  int
}

func (f *fetchRecorder) Handle(c fiber.Ctx, target proxy.Target) error {
	f.target = target
	f.calls++
	return c.SendStatus(fiber.StatusNoContent)
}

type browserStub struct {
	principal string
	path      string
	limit     int
	nodes     []browse.Node
}

func (b *browserStub) GetByPath(_ context.Context, principal string, _ *repository.Repository, displayPath string, maxNodes int) ([]browse.Node, error) {
	b.principal = principal
	b.path = displayPath
	b.limit = maxNodes
	return b.nodes, nil
}

type testApp struct {
	*fiber.App
	fetch    *fetchRecorder
	browser  *browserStub
	registry *repository.Registry
	store    content.Store
	tree     *browse.Store
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000, StoragePath: t.TempDir()},
		Repositories: []config.RepositoryConfig{
			{Name: "pypi-proxy", ID: 1, Format: "pypi", Type: "proxy", Upstream: "https://pypi.org", Domain: "pypi.repo.local"},
			{Name: "pypi-hosted", ID: 2, Format: "pypi", Type: "hosted"},
		},
	}
	registry, err := repository.NewRegistry(cfg)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	store, err := content.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	stager, err := content.NewStager(t.TempDir())
	if err != nil {
		t.Fatalf("stager: %v", err)
	}
	logger := logging.Discard()
	tree := browse.NewStore(memory.New(), logger, browse.Options{})

	recorder := &fetchRecorder{}
	browser := &browserStub{}
	app, err := NewApp(AppOptions{
		Logger:         logger,
		Registry:       registry,
		Fetch:          recorder,
		Uploads:        NewUploads(&repository.Assets{Content: store, Tree: tree, Logger: logger}, stager, logger),
		Browser:        browser,
		Principals:     access.NewPrincipalResolver("", "X-Remote-User", logger),
		BrowseMaxNodes: 100,
		ListenPort:     5000,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return &testApp{App: app, fetch: recorder, browser: browser, registry: registry, store: store, tree: tree}
}

func TestRouterDispatchesRepositoryPath(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "http://repo.local/repository/pypi-proxy/simple/foo/", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204 status, got %d", resp.StatusCode)
	}
	if app.fetch.target.Repository.Name != "pypi-proxy" {
		t.Fatalf("expected pypi-proxy, got %s", app.fetch.target.Repository.Name)
	}
	if app.fetch.target.Path != "/simple/foo/" {
		t.Fatalf("trailing slash lost: %s", app.fetch.target.Path)
	}
	if app.fetch.target.BaseURL != "http://repo.local/repository/pypi-proxy" {
		t.Fatalf("unexpected base url: %s", app.fetch.target.BaseURL)
	}
	if reqID := resp.Header.Get("X-Request-ID"); reqID == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRouterReturns404ForUnknownRepository(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/repository/missing/x", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"repository_not_found"`)) {
		t.Fatalf("expected repository_not_found error, got %s", string(body))
	}
	if app.fetch.calls != 0 {
		t.Fatalf("fetch should not be called")
	}
}

func TestRouterRoutesByHost(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "http://pypi.repo.local:5000/simple/requests/", nil)
	req.Host = "pypi.repo.local:5000"
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204 status, got %d", resp.StatusCode)
	}
	if app.fetch.target.Repository.Name != "pypi-proxy" || app.fetch.target.Path != "/simple/requests/" {
		t.Fatalf("unexpected target: %+v", app.fetch.target)
	}
}

func TestRouterRejectsWritesToProxy(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodPut, "/repository/pypi-proxy/packages/foo/1.0/foo-1.0.tar.gz", strings.NewReader("blob"))
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestHostedUploadAndDelete(t *testing.T) {
	app := newTestApp(t)
	path := "/repository/pypi-hosted/packages/foo/1.0/foo-1.0.tar.gz"

	resp, err := app.Test(httptest.NewRequest(http.MethodPut, path, strings.NewReader("blob")))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if resp.StatusCode != fiber.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
	}
	var uploaded uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if uploaded.Size != 4 || uploaded.SHA256 == "" {
		t.Fatalf("unexpected upload response: %+v", uploaded)
	}

	nodes, err := app.tree.GetByPath(context.Background(), 2, "/packages/foo/1.0/", 0, nil)
	if err != nil || len(nodes) != 1 || nodes[0].DisplayName != "foo-1.0.tar.gz" {
		t.Fatalf("expected browse node after upload, got %+v %v", nodes, err)
	}

	resp, err = app.Test(httptest.NewRequest(http.MethodDelete, path, nil))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	nodes, _ = app.tree.GetByPath(context.Background(), 2, "/", 0, nil)
	if len(nodes) != 0 {
		t.Fatalf("expected empty tree after delete, got %+v", nodes)
	}

	resp, err = app.Test(httptest.NewRequest(http.MethodDelete, path, nil))
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", resp.StatusCode)
	}
}

func TestBrowseEndpoint(t *testing.T) {
	app := newTestApp(t)
	app.browser.nodes = []browse.Node{
		{DisplayName: "foo", RequestPath: "/packages/foo/", AssetCount: 2},
	}

	req := httptest.NewRequest(http.MethodGet, "http://repo.local/service/rest/browse/pypi-hosted/packages/?limit=10", nil)
	req.Header.Set("X-Remote-User", "alice")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload browseResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if app.browser.principal != "alice" || app.browser.path != "/packages/" || app.browser.limit != 10 {
		t.Fatalf("unexpected browse call: %+v", app.browser)
	}
	if len(payload.Items) != 1 || payload.Items[0].ResourceURI != "http://repo.local/repository/pypi-hosted/packages/foo/" {
		t.Fatalf("unexpected items: %+v", payload.Items)
	}
}

func TestBrowseRejectsBadLimit(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/service/rest/browse/pypi-hosted/?limit=abc", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/-/metrics", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
