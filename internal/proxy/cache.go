// Package proxy implements the proxy content cache: lookup, freshness, upstream
// fetch, validation/rewrite of indexes and commit of package blobs.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/browse"
	"github.com/any-hub/any-repo/internal/content"
	"github.com/any-hub/any-repo/internal/hubmodule"
	"github.com/any-hub/any-repo/internal/metrics"
	"github.com/any-hub/any-repo/internal/proxy/hooks"
	"github.com/any-hub/any-repo/internal/repository"
	"github.com/any-hub/any-repo/internal/transport"
)

// maxIndexBytes caps how much of an upstream index is buffered for parsing.
const maxIndexBytes = 128 << 20

// Source serves a repository request. Proxy caches, hosted repositories and
// groups all implement it.
type Source interface {
	Serve(ctx context.Context, req Request) (*Content, error)
}

// Request is a fetch against one repository.
type Request struct {
	Repository *repository.Repository
	// Path is relative to the repository root and starts with "/".
	Path     string
	RawQuery string
	Method   string
	Header   http.Header
	Body     []byte
	// BaseURL is the externally visible repository base used by serve-time rewrites.
	BaseURL string
}

// Content is a served representation. Callers must close Body.
type Content struct {
	Kind   hubmodule.AssetKind
	Path   string
	Status int
	// Header carries upstream headers for passthrough responses only.
	Header      http.Header
	ContentType string
	// Size is -1 when unknown.
	Size       int64
	Body       io.ReadCloser
	Attributes content.Attributes
	CacheHit   bool
	Stale      bool
	Upstream   string
}

// Options wires the cache collaborators.
type Options struct {
	Content          content.Store
	Transport        transport.Fetcher
	Tree             *browse.Store
	Stager           *content.Stager
	Cooperation      Cooperation
	NegativeCacheTTL time.Duration
	Logger           *logrus.Logger
	Now              func() time.Time
}

// Cache is the proxy content cache shared by all proxy repositories.
type Cache struct {
	store     content.Store
	transport transport.Fetcher
	stager    *content.Stager
	assets    *repository.Assets
	coop      Cooperation
	negative  *negativeCache
	logger    *logrus.Logger
	now       func() time.Time
}

// New validates options and builds a Cache.
func New(opts Options) (*Cache, error) {
	if opts.Content == nil {
		return nil, errors.New("content store is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if opts.Stager == nil {
		return nil, errors.New("stager is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Cooperation == nil {
		opts.Cooperation = NewSingleflightCooperation()
	}
	return &Cache{
		store:     opts.Content,
		transport: opts.Transport,
		stager:    opts.Stager,
		assets: &repository.Assets{
			Content: opts.Content,
			Tree:    opts.Tree,
			Logger:  opts.Logger,
			Now:     opts.Now,
		},
		coop:     opts.Cooperation,
		negative: newNegativeCache(opts.NegativeCacheTTL, opts.Now),
		logger:   opts.Logger,
		now:      opts.Now,
	}, nil
}

type refreshOutcome int

const (
	outcomeFetched refreshOutcome = iota
	outcomeRevalidated
)

// Serve normalizes and classifies the request path, then either proxies it live
// (search, POST) or answers from the cache. Index bodies are rewritten at serve time.
func (c *Cache) Serve(ctx context.Context, req Request) (*Content, error) {
	repo := req.Repository
	h := repo.Hooks()
	hctx := repo.HookContext(req.BaseURL, req.Method)

	clean, kind, err := Classify(repo, hctx, req.Path)
	if err != nil {
		return nil, err
	}
	if kind == hubmodule.KindSearch || req.Method == http.MethodPost {
		return c.passthrough(ctx, repo, hctx, clean, req)
	}

	result, err := c.Get(ctx, repo, clean, kind)
	if err != nil {
		return nil, err
	}
	return applyRewrite(h, hctx, result)
}

// Classify cleans a raw repository path and resolves its asset kind through the
// format hooks. Unknown paths yield ErrNotFound.
func Classify(repo *repository.Repository, hctx *hooks.RequestContext, raw string) (string, hubmodule.AssetKind, error) {
	clean, ok := cleanPath(raw)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrNotFound, raw)
	}
	h := repo.Hooks()
	if h.NormalizePath != nil {
		clean = h.NormalizePath(hctx, clean)
	}
	if h.ClassifyPath == nil {
		return "", "", fmt.Errorf("%w: %s", ErrNotFound, clean)
	}
	kind, ok := h.ClassifyPath(hctx, clean)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrNotFound, clean)
	}
	return clean, kind, nil
}

// Get returns the stored representation of path, fetching or revalidating it
// when absent or stale. A failed fetch falls back to the stale copy if one exists,
// except for malformed content and unresolvable packages.
func (c *Cache) Get(ctx context.Context, repo *repository.Repository, clean string, kind hubmodule.AssetKind) (*Content, error) {
	locator := content.Locator{Repository: repo.Name, Path: clean}
	key := cooperationKey(repo, clean)

	existing, err := c.stat(ctx, locator)
	if err != nil {
		return nil, err
	}
	if existing != nil && isFresh(repo.Strategy, kind, existing.Attributes, c.now()) {
		metrics.RecordCacheRequest(repo.Name, string(kind), "hit")
		return c.open(ctx, repo, clean, kind, true, false)
	}
	if existing == nil && c.negative.hit(key) {
		metrics.RecordCacheRequest(repo.Name, string(kind), "negative")
		return nil, fmt.Errorf("%w: %s", ErrNotFound, clean)
	}

	value, err := c.coop.Do(ctx, key, func(fctx context.Context) (any, error) {
		return c.refresh(fctx, repo, clean, kind, existing)
	})
	if err != nil {
		if errors.Is(err, ErrMalformedContent) || errors.Is(err, ErrPackageNotResolvable) || existing == nil {
			return nil, err
		}
		c.logger.WithFields(logrus.Fields{
			"action":     "proxy",
			"repository": repo.Name,
			"path":       clean,
			"kind":       string(kind),
			"error":      err.Error(),
		}).Warn("cache_stale_served")
		metrics.RecordCacheRequest(repo.Name, string(kind), "stale")
		return c.open(ctx, repo, clean, kind, true, true)
	}

	if outcome, _ := value.(refreshOutcome); outcome == outcomeRevalidated {
		metrics.RecordCacheRequest(repo.Name, string(kind), "revalidated")
		return c.open(ctx, repo, clean, kind, true, false)
	}
	metrics.RecordCacheRequest(repo.Name, string(kind), "miss")
	return c.open(ctx, repo, clean, kind, false, false)
}

func (c *Cache) refresh(ctx context.Context, repo *repository.Repository, clean string, kind hubmodule.AssetKind, existing *content.Entry) (refreshOutcome, error) {
	h := repo.Hooks()
	hctx := repo.HookContext("", http.MethodGet)

	var (
		upstream string
		expected content.Link
	)
	if !kind.IsIndex() && h.LocatePackage != nil {
		if name, filename, ok := h.LocatePackage(hctx, clean); ok {
			res, err := c.ResolvePackageDownloadURL(ctx, repo, name, filename)
			if err != nil {
				return outcomeFetched, err
			}
			if !res.Found {
				return outcomeFetched, fmt.Errorf("%w: %s/%s", ErrPackageNotResolvable, name, filename)
			}
			upstream = res.URL
			expected = content.Link{URL: res.URL, SHA1: res.SHA1, SHA256: res.SHA256}
		}
	}
	if upstream == "" {
		upstream = upstreamURL(repo, h, hctx, clean, "")
	}

	header := http.Header{}
	if existing != nil && kind.IsIndex() {
		header = conditionalHeaders(repo.Strategy.ValidationMode, existing.Attributes)
	}
	resp, err := c.transport.Fetch(ctx, transport.Request{
		Repository: repo.Name,
		Method:     http.MethodGet,
		URL:        upstream,
		Header:     header,
		Username:   repo.Username,
		Password:   repo.Password,
		Proxy:      repo.Proxy,
	})
	if err != nil {
		return outcomeFetched, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.Status == http.StatusNotModified && existing != nil:
		locator := content.Locator{Repository: repo.Name, Path: clean}
		now := c.now().UTC()
		if err := c.store.Touch(ctx, locator, func(attrs *content.Attributes) {
			attrs.CachedAt = now
		}); err != nil {
			return outcomeFetched, err
		}
		return outcomeRevalidated, nil
	case resp.Status == http.StatusNotFound || resp.Status == http.StatusGone:
		c.negative.remember(cooperationKey(repo, clean))
		return outcomeFetched, fmt.Errorf("%w: upstream %d for %s", ErrNotFound, resp.Status, upstream)
	case resp.Status != http.StatusOK:
		return outcomeFetched, fmt.Errorf("%w: upstream status %d for %s", ErrUpstreamUnavailable, resp.Status, upstream)
	}

	if kind.IsIndex() {
		err = c.storeIndex(ctx, repo, hctx, clean, kind, resp)
	} else {
		err = c.storePackage(ctx, repo, hctx, clean, kind, resp, expected)
	}
	if err != nil {
		if errors.Is(err, ErrMalformedContent) {
			metrics.RecordMalformedUpstream(repo.Name, string(kind))
		}
		return outcomeFetched, err
	}
	c.negative.forget(cooperationKey(repo, clean))
	return outcomeFetched, nil
}

func (c *Cache) storeIndex(ctx context.Context, repo *repository.Repository, hctx *hooks.RequestContext, clean string, kind hubmodule.AssetKind, resp *transport.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIndexBytes+1))
	if err != nil {
		return fmt.Errorf("%w: read index: %v", ErrUpstreamUnavailable, err)
	}
	if len(body) > maxIndexBytes {
		return fmt.Errorf("%w: index exceeds %d bytes", ErrMalformedContent, maxIndexBytes)
	}

	parsed := &hooks.ParsedIndex{Body: body, ContentType: resp.Header.Get("Content-Type")}
	if h := repo.Hooks(); h.ParseIndex != nil {
		parsed, err = h.ParseIndex(hctx, kind, clean, body)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedContent, err)
		}
	}

	attrs := content.Attributes{
		Kind:         string(kind),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		ContentType:  parsed.ContentType,
		CachedAt:     c.now().UTC(),
	}
	if len(parsed.Links) > 0 {
		attrs.Links = make(map[string]content.Link, len(parsed.Links))
		for _, link := range parsed.Links {
			attrs.Links[link.Filename] = content.Link{URL: link.URL, SHA1: link.SHA1, SHA256: link.SHA256}
		}
	}
	_, err = c.store.Put(ctx, content.Locator{Repository: repo.Name, Path: clean}, bytes.NewReader(parsed.Body), attrs)
	return err
}

func (c *Cache) storePackage(ctx context.Context, repo *repository.Repository, hctx *hooks.RequestContext, clean string, kind hubmodule.AssetKind, resp *transport.Response, expected content.Link) error {
	staged, err := c.stager.Stage(ctx, resp.Body)
	if err != nil {
		return fmt.Errorf("%w: stage body: %v", ErrUpstreamUnavailable, err)
	}
	defer staged.Cleanup()

	if err := verifyChecksum(staged, expected); err != nil {
		return err
	}

	contentType := ""
	if h := repo.Hooks(); h.ContentType != nil {
		contentType = h.ContentType(hctx, kind, clean)
	}
	_, err = c.assets.Commit(ctx, repo, clean, staged, repository.CommitOptions{
		Kind:         kind,
		ContentType:  contentType,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	})
	return err
}

func verifyChecksum(staged *content.Staged, expected content.Link) error {
	switch {
	case expected.SHA256 != "":
		if !strings.EqualFold(expected.SHA256, staged.SHA256) {
			return fmt.Errorf("%w: sha256 mismatch, expected %s got %s", ErrMalformedContent, expected.SHA256, staged.SHA256)
		}
	case expected.SHA1 != "":
		if !strings.EqualFold(expected.SHA1, staged.SHA1) {
			return fmt.Errorf("%w: sha1 mismatch, expected %s got %s", ErrMalformedContent, expected.SHA1, staged.SHA1)
		}
	}
	return nil
}

func (c *Cache) passthrough(ctx context.Context, repo *repository.Repository, hctx *hooks.RequestContext, clean string, req Request) (*Content, error) {
	h := repo.Hooks()
	upstream := upstreamURL(repo, h, hctx, clean, req.RawQuery)
	header := http.Header{}
	for _, name := range []string{"Accept", "Content-Type", "Npm-Command", "User-Agent"} {
		if value := req.Header.Get(name); value != "" {
			header.Set(name, value)
		}
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	resp, err := c.transport.Fetch(ctx, transport.Request{
		Repository: repo.Name,
		Method:     method,
		URL:        upstream,
		Header:     header,
		Body:       req.Body,
		Username:   repo.Username,
		Password:   repo.Password,
		Proxy:      repo.Proxy,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	metrics.RecordCacheRequest(repo.Name, string(hubmodule.KindSearch), "bypass")

	size := int64(-1)
	if raw := resp.Header.Get("Content-Length"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			size = parsed
		}
	}
	return &Content{
		Kind:        hubmodule.KindSearch,
		Path:        clean,
		Status:      resp.Status,
		Header:      resp.Header,
		ContentType: resp.Header.Get("Content-Type"),
		Size:        size,
		Body:        resp.Body,
		Upstream:    upstream,
	}, nil
}

// stat reads only the attributes of a stored entry; a missing entry is (nil, nil).
func (c *Cache) stat(ctx context.Context, locator content.Locator) (*content.Entry, error) {
	entry, err := c.store.Stat(ctx, locator)
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return entry, nil
}

func (c *Cache) open(ctx context.Context, repo *repository.Repository, clean string, kind hubmodule.AssetKind, hit, stale bool) (*Content, error) {
	return openStored(ctx, c.store, repo, clean, kind, hit, stale)
}

func openStored(ctx context.Context, store content.Store, repo *repository.Repository, clean string, kind hubmodule.AssetKind, hit, stale bool) (*Content, error) {
	result, err := store.Get(ctx, content.Locator{Repository: repo.Name, Path: clean})
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, clean)
		}
		return nil, err
	}
	attrs := result.Entry.Attributes
	contentType := attrs.ContentType
	if contentType == "" {
		if h := repo.Hooks(); h.ContentType != nil {
			contentType = h.ContentType(repo.HookContext("", ""), kind, clean)
		}
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &Content{
		Kind:        kind,
		Path:        clean,
		Status:      http.StatusOK,
		ContentType: contentType,
		Size:        result.Entry.SizeBytes,
		Body:        result.Reader,
		Attributes:  attrs,
		CacheHit:    hit,
		Stale:       stale,
	}, nil
}

// applyRewrite runs the format's serve-time index rewrite, e.g. absolute tarball URLs.
func applyRewrite(h hooks.Hooks, hctx *hooks.RequestContext, result *Content) (*Content, error) {
	if !result.Kind.IsIndex() || h.RewriteIndex == nil {
		return result, nil
	}
	stored, err := io.ReadAll(result.Body)
	result.Body.Close()
	if err != nil {
		return nil, err
	}
	served, err := h.RewriteIndex(hctx, result.Kind, result.Path, stored)
	if err != nil {
		return nil, fmt.Errorf("%w: rewrite %s: %v", ErrMalformedContent, result.Path, err)
	}
	result.Body = io.NopCloser(bytes.NewReader(served))
	result.Size = int64(len(served))
	return result, nil
}

func upstreamURL(repo *repository.Repository, h hooks.Hooks, hctx *hooks.RequestContext, clean, rawQuery string) string {
	if h.ResolveUpstream != nil {
		if target := h.ResolveUpstream(hctx, clean, rawQuery); target != "" {
			return target
		}
	}
	target := repo.Upstream + clean
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// cleanPath returns an absolute, dot-free path. A trailing "/" is kept because
// directory-style indexes (e.g. /simple/foo/) are distinct resources.
func cleanPath(raw string) (string, bool) {
	if raw == "" {
		raw = "/"
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	for _, seg := range strings.Split(raw, "/") {
		if seg == ".." {
			return "", false
		}
	}
	clean := path.Clean(raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean, true
}

func cooperationKey(repo *repository.Repository, clean string) string {
	return repo.Name + "::" + clean
}
