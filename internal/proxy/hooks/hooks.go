package hooks

import "github.com/any-hub/any-repo/internal/hubmodule"

// RequestContext exposes repository/request details without importing proxy internals.
type RequestContext struct {
	Repository string
	Format     string
	// Upstream is the repository's upstream base URL without trailing slash.
	Upstream string
	// BaseURL is the externally visible base of this repository, e.g.
	// "https://repo.example.com/repository/npm-proxy". Empty when unknown.
	BaseURL string
	Method  string
}

// Link is one entry of an index link table.
type Link struct {
	Filename string
	URL      string
	SHA1     string
	SHA256   string
}

// ParsedIndex is the validated, proxy-relative stored form of an upstream index.
type ParsedIndex struct {
	Body        []byte
	ContentType string
	Links       []Link
}

// Coordinates identify a package blob for the browse tree and component store.
type Coordinates struct {
	Name       string
	Version    string
	Segments   []string
	PackageURL string
}

// Hooks describes the per-format customization points of the proxy cache.
// Every field is optional; nil hooks fall back to generic behavior.
type Hooks struct {
	// NormalizePath canonicalizes a request path before classification and caching.
	NormalizePath func(ctx *RequestContext, path string) string
	// ClassifyPath maps a request path to its asset kind.
	ClassifyPath func(ctx *RequestContext, path string) (hubmodule.AssetKind, bool)
	// ResolveUpstream builds the upstream URL for a path.
	ResolveUpstream func(ctx *RequestContext, path string, rawQuery string) string
	// LocatePackage reports that a package path is resolved through the per-name
	// index link table, returning the package name and filename.
	LocatePackage func(ctx *RequestContext, path string) (name, filename string, ok bool)
	// IndexPath returns the per-name index path for a package name.
	IndexPath func(ctx *RequestContext, name string) string
	// ParseIndex validates an upstream index and rewrites it to proxy-relative
	// links. An error means the content is malformed and must not be cached.
	ParseIndex func(ctx *RequestContext, kind hubmodule.AssetKind, path string, body []byte) (*ParsedIndex, error)
	// RewriteIndex adapts a stored index at serve time, e.g. making links absolute.
	RewriteIndex func(ctx *RequestContext, kind hubmodule.AssetKind, path string, stored []byte) ([]byte, error)
	// IdentifyPackage extracts coordinates from a package path.
	IdentifyPackage func(ctx *RequestContext, path string) (Coordinates, bool)
	// ContentType returns the response content type for a stored path.
	ContentType func(ctx *RequestContext, kind hubmodule.AssetKind, path string) string
	// MergeIndex combines the same index served by several group members,
	// ordered by member priority.
	MergeIndex func(ctx *RequestContext, path string, docs [][]byte) ([]byte, error)
}
