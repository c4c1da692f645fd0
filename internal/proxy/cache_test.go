package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/any-hub/any-repo/internal/browse"
	"github.com/any-hub/any-repo/internal/browse/memory"
	"github.com/any-hub/any-repo/internal/config"
	"github.com/any-hub/any-repo/internal/content"
	"github.com/any-hub/any-repo/internal/logging"
	"github.com/any-hub/any-repo/internal/repository"
	"github.com/any-hub/any-repo/internal/transport"
)

type fakeResponse struct {
	status int
	body   string
	header http.Header
	err    error
}

// fakeUpstream answers by URL and records every call.
type fakeUpstream struct {
	mu        sync.Mutex
	responses map[string]fakeResponse
	calls     []transport.Request
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{responses: map[string]fakeResponse{}}
}

func (f *fakeUpstream) set(url string, resp fakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = resp
}

func (f *fakeUpstream) Fetch(ctx context.Context, req transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	resp, ok := f.responses[req.URL]
	if !ok {
		resp = fakeResponse{status: http.StatusNotFound}
	}
	if resp.err != nil {
		return nil, resp.err
	}
	header := resp.header
	if header == nil {
		header = http.Header{}
	}
	return &transport.Response{Status: resp.status, Header: header, Body: io.NopCloser(strings.NewReader(resp.body))}, nil
}

func (f *fakeUpstream) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	cache    *Cache
	upstream *fakeUpstream
	store    content.Store
	tree     *browse.Store
	clock    *testClock
	registry *repository.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := content.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	stager, err := content.NewStager(t.TempDir())
	if err != nil {
		t.Fatalf("stager: %v", err)
	}
	registry, err := repository.NewRegistry(&config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Repositories: []config.RepositoryConfig{
			{Name: "r1", ID: 1, Format: "pypi", Type: "proxy", Upstream: "https://upstream"},
			{Name: "npm", ID: 2, Format: "npm", Type: "proxy", Upstream: "https://registry.npmjs.org"},
		},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	logger := logging.Discard()
	clock := &testClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	upstream := newFakeUpstream()
	tree := browse.NewStore(memory.New(), logger, browse.Options{})
	cache, err := New(Options{
		Content:          store,
		Transport:        upstream,
		Tree:             tree,
		Stager:           stager,
		NegativeCacheTTL: time.Minute,
		Logger:           logger,
		Now:              clock.Now,
	})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return &testEnv{cache: cache, upstream: upstream, store: store, tree: tree, clock: clock, registry: registry}
}

func (e *testEnv) repo(t *testing.T, name string) *repository.Repository {
	t.Helper()
	repo, ok := e.registry.Lookup(name)
	if !ok {
		t.Fatalf("repository %s missing", name)
	}
	return repo
}

func (e *testEnv) serve(t *testing.T, repo string, path string) (*Content, string, error) {
	t.Helper()
	result, err := e.cache.Serve(context.Background(), Request{Repository: e.repo(t, repo), Path: path, Method: http.MethodGet})
	if err != nil {
		return nil, "", err
	}
	defer result.Body.Close()
	body, readErr := io.ReadAll(result.Body)
	if readErr != nil {
		t.Fatalf("read body: %v", readErr)
	}
	return result, string(body), nil
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

const fooIndexTemplate = `<!DOCTYPE html><html><body>
<a href="https://files.example/ab/foo-1.0.tar.gz#sha256=%s">foo-1.0.tar.gz</a>
</body></html>`

func TestServeIndexOnceThenFromCache(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.set("https://upstream/simple/foo/", fakeResponse{status: http.StatusOK, body: fmt.Sprintf(fooIndexTemplate, "abcd")})

	first, firstBody, err := env.serve(t, "r1", "/simple/foo/")
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	if env.upstream.callCount() != 1 || first.CacheHit {
		t.Fatalf("first get should fetch once, calls=%d hit=%v", env.upstream.callCount(), first.CacheHit)
	}
	if strings.Contains(firstBody, "https://") || !strings.Contains(firstBody, `href="../../packages/foo/1.0/foo-1.0.tar.gz#sha256=abcd"`) {
		t.Fatalf("stored index must only contain relative links: %s", firstBody)
	}

	env.clock.Advance(time.Minute)
	second, secondBody, err := env.serve(t, "r1", "/simple/foo/")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if env.upstream.callCount() != 1 {
		t.Fatalf("fresh entry must not reach upstream, calls=%d", env.upstream.callCount())
	}
	if !second.CacheHit || secondBody != firstBody {
		t.Fatalf("second get must return identical cached output")
	}
	if second.ContentType != "text/html; charset=utf-8" {
		t.Fatalf("unexpected content type %s", second.ContentType)
	}
}

func TestServeStaleCopyWhenUpstreamFails(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.set("https://upstream/simple/foo/", fakeResponse{status: http.StatusOK, body: fmt.Sprintf(fooIndexTemplate, "abcd")})
	_, original, err := env.serve(t, "r1", "/simple/foo/")
	if err != nil {
		t.Fatalf("prime: %v", err)
	}

	env.clock.Advance(time.Hour)
	env.upstream.set("https://upstream/simple/foo/", fakeResponse{err: errors.New("connection refused")})
	result, body, err := env.serve(t, "r1", "/simple/foo/")
	if err != nil {
		t.Fatalf("stale copy should be served, got %v", err)
	}
	if !result.Stale || body != original {
		t.Fatalf("expected stale original body, stale=%v", result.Stale)
	}

	env.upstream.set("https://upstream/simple/foo/", fakeResponse{status: http.StatusServiceUnavailable})
	if result, _, err := env.serve(t, "r1", "/simple/foo/"); err != nil || !result.Stale {
		t.Fatalf("5xx should also fall back to stale copy, err=%v", err)
	}
	if env.upstream.callCount() != 3 {
		t.Fatalf("each stale get should retry upstream, calls=%d", env.upstream.callCount())
	}
}

func TestServeWithoutCopyPropagatesUpstreamFailure(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.set("https://upstream/simple/foo/", fakeResponse{status: http.StatusBadGateway})
	if _, _, err := env.serve(t, "r1", "/simple/foo/"); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestRevalidationUsesConditionalRequest(t *testing.T) {
	env := newTestEnv(t)
	header := http.Header{}
	header.Set("Last-Modified", "Fri, 01 May 2026 11:00:00 GMT")
	env.upstream.set("https://upstream/simple/foo/", fakeResponse{status: http.StatusOK, body: fmt.Sprintf(fooIndexTemplate, "abcd"), header: header})
	if _, _, err := env.serve(t, "r1", "/simple/foo/"); err != nil {
		t.Fatalf("prime: %v", err)
	}

	env.clock.Advance(time.Hour)
	env.upstream.set("https://upstream/simple/foo/", fakeResponse{status: http.StatusNotModified})
	result, _, err := env.serve(t, "r1", "/simple/foo/")
	if err != nil {
		t.Fatalf("revalidate: %v", err)
	}
	if !result.CacheHit || result.Stale {
		t.Fatalf("304 should count as a fresh hit: %+v", result)
	}
	last := env.upstream.calls[len(env.upstream.calls)-1]
	if last.Header.Get("If-Modified-Since") != "Fri, 01 May 2026 11:00:00 GMT" {
		t.Fatalf("missing conditional header: %v", last.Header)
	}
	if !result.Attributes.CachedAt.Equal(env.clock.Now()) {
		t.Fatalf("CachedAt should be refreshed, got %s", result.Attributes.CachedAt)
	}

	env.clock.Advance(time.Minute)
	if _, _, err := env.serve(t, "r1", "/simple/foo/"); err != nil || env.upstream.callCount() != 2 {
		t.Fatalf("revalidated entry should be fresh again, calls=%d err=%v", env.upstream.callCount(), err)
	}
}

func TestMalformedIndexIsRejectedAndNotCached(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.set("https://upstream/simple/foo/", fakeResponse{status: http.StatusOK, body: `{"not":"html"}`})
	if _, _, err := env.serve(t, "r1", "/simple/foo/"); !errors.Is(err, ErrMalformedContent) {
		t.Fatalf("expected ErrMalformedContent, got %v", err)
	}
	if _, err := env.store.Get(context.Background(), content.Locator{Repository: "r1", Path: "/simple/foo/"}); !errors.Is(err, content.ErrNotFound) {
		t.Fatalf("malformed index must not be stored, got %v", err)
	}
}

func TestMalformedRefreshDoesNotFallBackToStale(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.set("https://upstream/simple/foo/", fakeResponse{status: http.StatusOK, body: fmt.Sprintf(fooIndexTemplate, "abcd")})
	if _, _, err := env.serve(t, "r1", "/simple/foo/"); err != nil {
		t.Fatalf("prime: %v", err)
	}
	env.clock.Advance(time.Hour)
	env.upstream.set("https://upstream/simple/foo/", fakeResponse{status: http.StatusOK, body: "garbage"})
	if _, _, err := env.serve(t, "r1", "/simple/foo/"); !errors.Is(err, ErrMalformedContent) {
		t.Fatalf("malformed refresh is a hard failure, got %v", err)
	}
}

func TestPackageFetchResolvesThroughIndex(t *testing.T) {
	env := newTestEnv(t)
	payload := "sdist-bytes"
	env.upstream.set("https://upstream/simple/foo/", fakeResponse{status: http.StatusOK, body: fmt.Sprintf(fooIndexTemplate, sha256Hex(payload))})
	env.upstream.set("https://files.example/ab/foo-1.0.tar.gz", fakeResponse{status: http.StatusOK, body: payload})

	result, body, err := env.serve(t, "r1", "/packages/foo/1.0/foo-1.0.tar.gz")
	if err != nil {
		t.Fatalf("package get: %v", err)
	}
	if body != payload || result.Attributes.SHA256 != sha256Hex(payload) {
		t.Fatalf("unexpected package body or checksum")
	}
	if env.upstream.callCount() != 2 {
		t.Fatalf("expected index + file fetch, got %d calls", env.upstream.callCount())
	}

	node, err := env.tree.FindByPath(context.Background(), 1, "/packages/foo/1.0/foo-1.0.tar.gz")
	if err != nil {
		t.Fatalf("browse node missing: %v", err)
	}
	if node.PackageURL != "pkg:pypi/foo@1.0" || node.AssetRef == "" || node.ComponentRef == "" {
		t.Fatalf("unexpected browse node %+v", node)
	}

	env.clock.Advance(24 * time.Hour)
	if _, _, err := env.serve(t, "r1", "/packages/foo/1.0/foo-1.0.tar.gz"); err != nil {
		t.Fatalf("cached package get: %v", err)
	}
	if env.upstream.callCount() != 2 {
		t.Fatalf("packages are immutable and never revalidated, calls=%d", env.upstream.callCount())
	}
}

func TestPackageChecksumMismatchIsMalformed(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.set("https://upstream/simple/foo/", fakeResponse{status: http.StatusOK, body: fmt.Sprintf(fooIndexTemplate, sha256Hex("expected"))})
	env.upstream.set("https://files.example/ab/foo-1.0.tar.gz", fakeResponse{status: http.StatusOK, body: "tampered"})

	if _, _, err := env.serve(t, "r1", "/packages/foo/1.0/foo-1.0.tar.gz"); !errors.Is(err, ErrMalformedContent) {
		t.Fatalf("expected ErrMalformedContent, got %v", err)
	}
	if _, err := env.tree.FindByPath(context.Background(), 1, "/packages/"); !errors.Is(err, browse.ErrNodeNotFound) {
		t.Fatalf("rejected package must not enter the browse tree, got %v", err)
	}
}

func TestResolveTriggersExactlyOneIndexFetch(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.set("https://upstream/simple/foo/", fakeResponse{status: http.StatusOK, body: fmt.Sprintf(fooIndexTemplate, "abcd")})
	if _, _, err := env.serve(t, "r1", "/simple/foo/"); err != nil {
		t.Fatalf("prime: %v", err)
	}

	_, _, err := env.serve(t, "r1", "/packages/foo/2.0/foo-2.0.tar.gz")
	if !errors.Is(err, ErrPackageNotResolvable) {
		t.Fatalf("expected ErrPackageNotResolvable, got %v", err)
	}
	indexFetches := 0
	for _, call := range env.upstream.calls {
		if call.URL == "https://upstream/simple/foo/" {
			indexFetches++
		}
	}
	if indexFetches != 2 || env.upstream.callCount() != 2 {
		t.Fatalf("expected one forced index refresh, index fetches=%d calls=%d", indexFetches, env.upstream.callCount())
	}
}

func TestResolveReportsFoundFromCachedTable(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.set("https://upstream/simple/foo/", fakeResponse{status: http.StatusOK, body: fmt.Sprintf(fooIndexTemplate, "abcd")})
	repo := env.repo(t, "r1")

	res, err := env.cache.ResolvePackageDownloadURL(context.Background(), repo, "Foo", "foo-1.0.tar.gz")
	if err != nil || !res.Found || res.URL != "https://files.example/ab/foo-1.0.tar.gz" || res.SHA256 != "abcd" {
		t.Fatalf("unexpected resolution %+v err=%v", res, err)
	}
	res, err = env.cache.ResolvePackageDownloadURL(context.Background(), repo, "foo", "foo-1.0.tar.gz")
	if err != nil || !res.Found || env.upstream.callCount() != 1 {
		t.Fatalf("cached table should answer without fetch, calls=%d", env.upstream.callCount())
	}
}

func TestNegativeCacheSuppressesRepeatedMisses(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.serve(t, "r1", "/simple/missing/"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := env.serve(t, "r1", "/simple/missing/"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if env.upstream.callCount() != 1 {
		t.Fatalf("negative cache should absorb the second miss, calls=%d", env.upstream.callCount())
	}

	env.clock.Advance(2 * time.Minute)
	env.upstream.set("https://upstream/simple/missing/", fakeResponse{status: http.StatusOK, body: "<html><body></body></html>"})
	if _, _, err := env.serve(t, "r1", "/simple/missing/"); err != nil {
		t.Fatalf("expired negative entry should refetch, got %v", err)
	}
}

func TestUnclassifiedPathIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/etc/passwd", "/packages/../simple/"} {
		if _, _, err := env.serve(t, "r1", path); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", path, err)
		}
	}
	if env.upstream.callCount() != 0 {
		t.Fatalf("unclassified paths must not reach upstream")
	}
}

func TestSearchIsProxiedLive(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.set("https://upstream/pypi", fakeResponse{status: http.StatusOK, body: "<methodResponse/>", header: http.Header{"Content-Type": {"text/xml"}}})
	repo := env.repo(t, "r1")

	for i := 0; i < 2; i++ {
		result, err := env.cache.Serve(context.Background(), Request{
			Repository: repo,
			Path:       "/pypi",
			Method:     http.MethodPost,
			Header:     http.Header{"Content-Type": {"text/xml"}},
			Body:       []byte("<methodCall/>"),
		})
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		result.Body.Close()
		if result.ContentType != "text/xml" || result.CacheHit {
			t.Fatalf("unexpected search result %+v", result)
		}
	}
	if env.upstream.callCount() != 2 {
		t.Fatalf("search must never be cached, calls=%d", env.upstream.callCount())
	}
	call := env.upstream.calls[0]
	if call.Method != http.MethodPost || string(call.Body) != "<methodCall/>" {
		t.Fatalf("body not passed through: %+v", call)
	}
}

func TestServeRewritesIndexWithBaseURL(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.set("https://registry.npmjs.org/lodash", fakeResponse{status: http.StatusOK, body: `{"name":"lodash","versions":{"4.17.21":{"dist":{"tarball":"https://registry.npmjs.org/lodash/-/lodash-4.17.21.tgz","shasum":"aa"}}}}`})
	repo := env.repo(t, "npm")

	for _, base := range []string{"https://one.example/repository/npm", "https://two.example/repository/npm"} {
		result, err := env.cache.Serve(context.Background(), Request{Repository: repo, Path: "/lodash", Method: http.MethodGet, BaseURL: base})
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
		body, _ := io.ReadAll(result.Body)
		result.Body.Close()
		if !strings.Contains(string(body), `"tarball":"`+base+`/lodash/-/lodash-4.17.21.tgz"`) {
			t.Fatalf("tarball not rewritten for %s: %s", base, body)
		}
		if result.Size != int64(len(body)) {
			t.Fatalf("size must match rewritten body")
		}
	}
	if env.upstream.callCount() != 1 {
		t.Fatalf("base url change must not invalidate the cache, calls=%d", env.upstream.callCount())
	}
}

func TestSingleflightCooperationSharesOneFetch(t *testing.T) {
	coop := NewSingleflightCooperation()
	release := make(chan struct{})
	var runs atomic.Int32
	var wg sync.WaitGroup
	results := make([]any, 4)

	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = coop.Do(context.Background(), "r1::/simple/foo/", func(ctx context.Context) (any, error) {
				runs.Add(1)
				<-release
				return "done", nil
			})
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if runs.Load() != 1 {
		t.Fatalf("expected a single fetch, got %d", runs.Load())
	}
	for _, r := range results {
		if r != "done" {
			t.Fatalf("every caller should share the result, got %v", results)
		}
	}
}

func TestCooperationCallerCancelDoesNotAbortFetch(t *testing.T) {
	coop := NewSingleflightCooperation()
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan error, 1)
	started := make(chan struct{})

	go func() {
		_, err := coop.Do(ctx, "k", func(fctx context.Context) (any, error) {
			close(started)
			time.Sleep(20 * time.Millisecond)
			finished <- fctx.Err()
			return nil, nil
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("caller should observe its own cancellation, got %v", err)
		}
	}()
	<-started
	cancel()
	if err := <-finished; err != nil {
		t.Fatalf("in-flight fetch must run on a detached context, got %v", err)
	}
}

func TestCleanPath(t *testing.T) {
	cases := map[string]string{
		"":               "/",
		"simple/foo/":    "/simple/foo/",
		"/simple//foo/":  "/simple/foo/",
		"/packages/./x":  "/packages/x",
		"/lodash":        "/lodash",
	}
	for in, want := range cases {
		got, ok := cleanPath(in)
		if !ok || got != want {
			t.Fatalf("cleanPath(%q) = %q,%v want %q", in, got, ok, want)
		}
	}
	if _, ok := cleanPath("/a/../b"); ok {
		t.Fatalf("dot-dot segments must be rejected")
	}
}
