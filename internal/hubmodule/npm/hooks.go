package npm

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/any-repo/internal/hubmodule"
	"github.com/any-hub/any-repo/internal/hubmodule/overlay"
	"github.com/any-hub/any-repo/internal/proxy/hooks"
)

var errMalformedPackument = errors.New("malformed packument")

func init() {
	hooks.MustRegister("npm", hooks.Hooks{
		NormalizePath:   normalizePath,
		ClassifyPath:    classifyPath,
		ResolveUpstream: resolveUpstream,
		LocatePackage:   locatePackage,
		IndexPath:       indexPath,
		ParseIndex:      parseIndex,
		RewriteIndex:    rewriteIndex,
		IdentifyPackage: identifyPackage,
		ContentType:     contentType,
		MergeIndex:      mergeIndex,
	})
}

func normalizePath(_ *hooks.RequestContext, clean string) string {
	clean = strings.ReplaceAll(clean, "%2f", "/")
	clean = strings.ReplaceAll(clean, "%2F", "/")
	if len(clean) > 1 {
		clean = strings.TrimSuffix(clean, "/")
	}
	return clean
}

// splitName 拆出包名（含 scope）和其后的剩余路径。
func splitName(clean string) (name, rest string, ok bool) {
	trimmed := strings.TrimPrefix(clean, "/")
	if trimmed == "" || strings.HasPrefix(trimmed, "-/") || trimmed == "-" {
		return "", "", false
	}
	if strings.HasPrefix(trimmed, "@") {
		parts := strings.SplitN(trimmed, "/", 3)
		if len(parts) < 2 || len(parts[0]) < 2 || parts[1] == "" {
			return "", "", false
		}
		name = parts[0] + "/" + parts[1]
		if len(parts) == 3 {
			rest = parts[2]
		}
	} else {
		parts := strings.SplitN(trimmed, "/", 2)
		name = parts[0]
		if len(parts) == 2 {
			rest = parts[1]
		}
	}
	if strings.HasPrefix(name, ".") || strings.Contains(name, "..") {
		return "", "", false
	}
	return name, rest, true
}

func splitTarball(clean string) (name, filename string, ok bool) {
	name, rest, ok := splitName(clean)
	if !ok || !strings.HasPrefix(rest, "-/") {
		return "", "", false
	}
	filename = strings.TrimPrefix(rest, "-/")
	if filename == "" || strings.Contains(filename, "/") || !strings.HasSuffix(filename, ".tgz") {
		return "", "", false
	}
	return name, filename, true
}

func classifyPath(_ *hooks.RequestContext, clean string) (hubmodule.AssetKind, bool) {
	if strings.HasPrefix(clean, "/-/") {
		return hubmodule.KindSearch, true
	}
	if _, _, ok := splitTarball(clean); ok {
		return hubmodule.KindPackage, true
	}
	if _, rest, ok := splitName(clean); ok && rest == "" {
		return hubmodule.KindPackageIndex, true
	}
	return "", false
}

func resolveUpstream(ctx *hooks.RequestContext, clean string, rawQuery string) string {
	if ctx == nil || ctx.Upstream == "" {
		return ""
	}
	target := strings.TrimSuffix(ctx.Upstream, "/") + clean
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

func locatePackage(_ *hooks.RequestContext, clean string) (string, string, bool) {
	return splitTarball(clean)
}

func indexPath(_ *hooks.RequestContext, name string) string {
	return "/" + strings.Trim(name, "/")
}

func identifyPackage(_ *hooks.RequestContext, clean string) (hooks.Coordinates, bool) {
	name, filename, ok := splitTarball(clean)
	if !ok {
		return hooks.Coordinates{}, false
	}
	base := name[strings.LastIndex(name, "/")+1:]
	version := strings.TrimSuffix(strings.TrimPrefix(filename, base+"-"), ".tgz")
	if version == "" || version == strings.TrimSuffix(filename, ".tgz") {
		return hooks.Coordinates{}, false
	}
	segments := append(strings.Split(name, "/"), "-", filename)
	return hooks.Coordinates{
		Name:       name,
		Version:    version,
		Segments:   segments,
		PackageURL: fmt.Sprintf("pkg:npm/%s@%s", strings.Replace(name, "@", "%40", 1), version),
	}, true
}

func contentType(_ *hooks.RequestContext, kind hubmodule.AssetKind, _ string) string {
	switch kind {
	case hubmodule.KindPackageIndex, hubmodule.KindSearch:
		return "application/json"
	case hubmodule.KindPackage:
		return "application/octet-stream"
	default:
		return ""
	}
}

// parseIndex 校验 packument 并把 tarball 地址改写为仓库内的 /<name>/-/<file>。
func parseIndex(_ *hooks.RequestContext, kind hubmodule.AssetKind, clean string, body []byte) (*hooks.ParsedIndex, error) {
	if kind != hubmodule.KindPackageIndex {
		return nil, fmt.Errorf("%w: unexpected kind %s", errMalformedPackument, kind)
	}
	name, _, ok := splitName(clean)
	if !ok {
		return nil, fmt.Errorf("%w: bad package path %s", errMalformedPackument, clean)
	}
	doc, err := overlay.FromJSON(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedPackument, err)
	}
	if doc.Kind() != overlay.KindMap {
		return nil, fmt.Errorf("%w: document is %s", errMalformedPackument, doc.Kind())
	}
	if field, ok := doc.Field("name"); !ok {
		return nil, fmt.Errorf("%w: missing name", errMalformedPackument)
	} else if got, _ := field.Text(); got != name {
		return nil, fmt.Errorf("%w: name %q does not match %q", errMalformedPackument, got, name)
	}

	var links []hooks.Link
	doc, err = mapTarballs(doc, func(tarball string, dist overlay.Value) (string, error) {
		target, err := url.Parse(tarball)
		if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
			return "", fmt.Errorf("%w: bad tarball url %q", errMalformedPackument, tarball)
		}
		filename := target.Path[strings.LastIndex(target.Path, "/")+1:]
		if filename == "" {
			return "", fmt.Errorf("%w: tarball url without filename %q", errMalformedPackument, tarball)
		}
		link := hooks.Link{Filename: filename, URL: tarball}
		if shasum, ok := dist.Field("shasum"); ok {
			link.SHA1, _ = shasum.Text()
			link.SHA1 = strings.ToLower(link.SHA1)
		}
		links = append(links, link)
		return "/" + name + "/-/" + filename, nil
	})
	if err != nil {
		return nil, err
	}

	stored, err := doc.ToJSON()
	if err != nil {
		return nil, err
	}
	return &hooks.ParsedIndex{Body: stored, ContentType: "application/json", Links: links}, nil
}

// rewriteIndex 在响应时为仓库内 tarball 路径补上外部可见的基础地址。
func rewriteIndex(ctx *hooks.RequestContext, kind hubmodule.AssetKind, _ string, stored []byte) ([]byte, error) {
	if kind != hubmodule.KindPackageIndex || ctx == nil || ctx.BaseURL == "" {
		return stored, nil
	}
	base := strings.TrimSuffix(ctx.BaseURL, "/")
	doc, err := overlay.FromJSON(stored)
	if err != nil {
		return nil, err
	}
	doc, err = mapTarballs(doc, func(tarball string, _ overlay.Value) (string, error) {
		if strings.HasPrefix(tarball, "/") {
			return base + tarball, nil
		}
		return tarball, nil
	})
	if err != nil {
		return nil, err
	}
	return doc.ToJSON()
}

func mergeIndex(_ *hooks.RequestContext, _ string, docs [][]byte) ([]byte, error) {
	values := make([]overlay.Value, 0, len(docs))
	for _, raw := range docs {
		v, err := overlay.FromJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedPackument, err)
		}
		values = append(values, v)
	}
	return overlay.MergeAll(values...).ToJSON()
}

// mapTarballs 对 versions.*.dist.tarball 逐个应用 fn，按版本号字典序遍历。
func mapTarballs(doc overlay.Value, fn func(tarball string, dist overlay.Value) (string, error)) (overlay.Value, error) {
	versions, ok := doc.Field("versions")
	if !ok || versions.IsNull() {
		return doc, nil
	}
	if versions.Kind() != overlay.KindMap {
		return doc, fmt.Errorf("%w: versions is %s", errMalformedPackument, versions.Kind())
	}
	for _, ver := range versions.Keys() {
		manifest, _ := versions.Field(ver)
		if manifest.Kind() != overlay.KindMap {
			return doc, fmt.Errorf("%w: version %s is %s", errMalformedPackument, ver, manifest.Kind())
		}
		dist, ok := manifest.Field("dist")
		if !ok {
			continue
		}
		tarballField, ok := dist.Field("tarball")
		if !ok {
			continue
		}
		tarball, ok := tarballField.Text()
		if !ok {
			return doc, fmt.Errorf("%w: tarball of %s is not a string", errMalformedPackument, ver)
		}
		rewritten, err := fn(tarball, dist)
		if err != nil {
			return doc, err
		}
		versions = versions.With(ver, manifest.With("dist", dist.With("tarball", overlay.Scalar(rewritten))))
	}
	return doc.With("versions", versions), nil
}
