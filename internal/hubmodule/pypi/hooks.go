package pypi

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/any-hub/any-repo/internal/browse"
	"github.com/any-hub/any-repo/internal/hubmodule"
	"github.com/any-hub/any-repo/internal/proxy/hooks"
	"github.com/any-hub/any-repo/internal/render"
)

const (
	simplePrefix   = "/simple/"
	packagesPrefix = "/packages/"
	// unknownVersion 用于无法从文件名推断版本的分发包。
	unknownVersion = "_"
)

var errMalformedIndex = errors.New("malformed simple index")

var nameSeparators = regexp.MustCompile(`[-_.]+`)

func init() {
	hooks.MustRegister("pypi", hooks.Hooks{
		NormalizePath:   normalizePath,
		ClassifyPath:    classifyPath,
		ResolveUpstream: resolveUpstream,
		LocatePackage:   locatePackage,
		IndexPath:       indexPath,
		ParseIndex:      parseIndex,
		IdentifyPackage: identifyPackage,
		ContentType:     contentType,
	})
}

// NormalizeName 按 PEP 503 规范化项目名。
func NormalizeName(name string) string {
	return strings.ToLower(nameSeparators.ReplaceAllString(strings.TrimSpace(name), "-"))
}

func identity(node browse.Node) string {
	if node.Leaf {
		return node.DisplayName
	}
	return NormalizeName(node.DisplayName)
}

func normalizePath(_ *hooks.RequestContext, clean string) string {
	if clean == "/simple" {
		return simplePrefix
	}
	if !strings.HasPrefix(clean, simplePrefix) {
		return clean
	}
	rest := strings.Trim(strings.TrimPrefix(clean, simplePrefix), "/")
	if rest == "" {
		return simplePrefix
	}
	if strings.Contains(rest, "/") {
		return clean
	}
	return simplePrefix + NormalizeName(rest) + "/"
}

func classifyPath(_ *hooks.RequestContext, clean string) (hubmodule.AssetKind, bool) {
	switch {
	case clean == simplePrefix:
		return hubmodule.KindRootIndex, true
	case strings.HasPrefix(clean, simplePrefix) && strings.HasSuffix(clean, "/"):
		if strings.Count(strings.TrimPrefix(clean, simplePrefix), "/") == 1 {
			return hubmodule.KindPackageIndex, true
		}
		return "", false
	case clean == "/pypi" || strings.HasPrefix(clean, "/search"):
		return hubmodule.KindSearch, true
	case strings.HasPrefix(clean, packagesPrefix):
		if _, _, _, ok := splitPackagePath(clean); !ok {
			return "", false
		}
		if strings.HasSuffix(clean, ".asc") {
			return hubmodule.KindSignature, true
		}
		return hubmodule.KindPackage, true
	default:
		return "", false
	}
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

// splitPackagePath 解析 /packages/<name>/<version>/<filename>。
func splitPackagePath(clean string) (name, version, filename string, ok bool) {
	parts := strings.Split(strings.TrimPrefix(clean, packagesPrefix), "/")
	if len(parts) != 3 {
		return "", "", "", false
	}
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return "", "", "", false
		}
	}
	return parts[0], parts[1], parts[2], true
}

func locatePackage(_ *hooks.RequestContext, clean string) (string, string, bool) {
	name, _, filename, ok := splitPackagePath(clean)
	if !ok {
		return "", "", false
	}
	return NormalizeName(name), filename, true
}

func indexPath(_ *hooks.RequestContext, name string) string {
	return simplePrefix + NormalizeName(name) + "/"
}

func identifyPackage(_ *hooks.RequestContext, clean string) (hooks.Coordinates, bool) {
	name, version, filename, ok := splitPackagePath(clean)
	if !ok {
		return hooks.Coordinates{}, false
	}
	name = NormalizeName(name)
	return hooks.Coordinates{
		Name:       name,
		Version:    version,
		Segments:   []string{"packages", name, version, filename},
		PackageURL: fmt.Sprintf("pkg:pypi/%s@%s", name, version),
	}, true
}

func contentType(_ *hooks.RequestContext, kind hubmodule.AssetKind, clean string) string {
	switch kind {
	case hubmodule.KindRootIndex, hubmodule.KindPackageIndex:
		return "text/html; charset=utf-8"
	case hubmodule.KindSignature:
		return "application/pgp-signature"
	case hubmodule.KindPackage:
		if strings.HasSuffix(clean, ".zip") || strings.HasSuffix(clean, ".whl") {
			return "application/zip"
		}
		return "application/octet-stream"
	default:
		return ""
	}
}

// anchor 是 simple index 中的一个 <a> 元素。
type anchor struct {
	href           string
	text           string
	requiresPython string
	yanked         string
	hasYanked      bool
	gpgSig         bool
}

func parseIndex(ctx *hooks.RequestContext, kind hubmodule.AssetKind, clean string, body []byte) (*hooks.ParsedIndex, error) {
	// html.Parse 容错极强，先排除明显不是标记文本的响应（JSON、二进制等）。
	if trimmed := bytes.TrimSpace(body); len(trimmed) == 0 || trimmed[0] != '<' {
		return nil, fmt.Errorf("%w: not an html document", errMalformedIndex)
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedIndex, err)
	}
	anchors := collectAnchors(doc, nil)

	base := ""
	if ctx != nil {
		base = resolveUpstream(ctx, clean, "")
	}

	switch kind {
	case hubmodule.KindRootIndex:
		return parseRootIndex(anchors)
	case hubmodule.KindPackageIndex:
		name := strings.Trim(strings.TrimPrefix(clean, simplePrefix), "/")
		return parsePackageIndex(name, base, anchors)
	default:
		return nil, fmt.Errorf("%w: unexpected kind %s", errMalformedIndex, kind)
	}
}

func parseRootIndex(anchors []anchor) (*hooks.ParsedIndex, error) {
	links := make([]render.Link, 0, len(anchors))
	for _, a := range anchors {
		project := strings.TrimSpace(a.text)
		if project == "" {
			return nil, fmt.Errorf("%w: project link without name", errMalformedIndex)
		}
		if _, err := url.Parse(a.href); err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedIndex, err)
		}
		links = append(links, render.Link{Href: NormalizeName(project) + "/", Text: project})
	}
	body, err := render.RenderIndex("Simple index", links)
	if err != nil {
		return nil, err
	}
	return &hooks.ParsedIndex{Body: body, ContentType: "text/html; charset=utf-8"}, nil
}

func parsePackageIndex(name, base string, anchors []anchor) (*hooks.ParsedIndex, error) {
	var baseURL *url.URL
	if base != "" {
		parsed, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedIndex, err)
		}
		baseURL = parsed
	}

	links := make([]render.Link, 0, len(anchors))
	table := make([]hooks.Link, 0, len(anchors))
	for _, a := range anchors {
		target, err := url.Parse(a.href)
		if err != nil {
			return nil, fmt.Errorf("%w: bad href %q: %v", errMalformedIndex, a.href, err)
		}
		if target.Scheme != "" && target.Scheme != "http" && target.Scheme != "https" {
			return nil, fmt.Errorf("%w: unsupported scheme in %q", errMalformedIndex, a.href)
		}
		if baseURL != nil {
			target = baseURL.ResolveReference(target)
		}
		filename := strings.TrimSpace(a.text)
		if filename == "" {
			filename = target.Path[strings.LastIndex(target.Path, "/")+1:]
		}
		if filename == "" || strings.ContainsAny(filename, "/\\") {
			return nil, fmt.Errorf("%w: link without filename", errMalformedIndex)
		}

		sha1, sha256 := fragmentDigests(target.Fragment)
		target.Fragment = ""

		version := VersionFromFilename(name, filename)
		href := fmt.Sprintf("../../packages/%s/%s/%s", name, version, url.PathEscape(filename))
		if sha256 != "" {
			href += "#sha256=" + sha256
		} else if sha1 != "" {
			href += "#sha1=" + sha1
		}
		link := render.Link{Href: href, Text: filename, RequiresPython: a.requiresPython}
		if a.hasYanked {
			link.Yanked = a.yanked
			if link.Yanked == "" {
				link.Yanked = "true"
			}
		}
		links = append(links, link)
		table = append(table, hooks.Link{Filename: filename, URL: target.String(), SHA1: sha1, SHA256: sha256})
		if a.gpgSig {
			table = append(table, hooks.Link{Filename: filename + ".asc", URL: target.String() + ".asc"})
		}
	}

	body, err := render.RenderIndex("Links for "+name, links)
	if err != nil {
		return nil, err
	}
	return &hooks.ParsedIndex{Body: body, ContentType: "text/html; charset=utf-8", Links: table}, nil
}

func fragmentDigests(fragment string) (sha1, sha256 string) {
	for _, part := range strings.Split(fragment, "&") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "sha1":
			sha1 = strings.ToLower(value)
		case "sha256":
			sha256 = strings.ToLower(value)
		}
	}
	return sha1, sha256
}

func collectAnchors(n *html.Node, out []anchor) []anchor {
	if n.Type == html.ElementNode && n.Data == "a" {
		var a anchor
		for _, attr := range n.Attr {
			switch attr.Key {
			case "href":
				a.href = attr.Val
			case "data-requires-python":
				a.requiresPython = attr.Val
			case "data-yanked":
				a.yanked = attr.Val
				a.hasYanked = true
			case "data-gpg-sig":
				a.gpgSig = attr.Val == "true"
			}
		}
		a.text = textContent(n)
		if a.href != "" {
			out = append(out, a)
		}
		return out
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		out = collectAnchors(child, out)
	}
	return out
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return b.String()
}

var archiveSuffixes = []string{".tar.gz", ".tar.bz2", ".tar.xz", ".tgz", ".zip", ".egg", ".exe", ".msi", ".rpm"}

// VersionFromFilename 从 wheel/sdist 文件名中提取版本号，无法识别时返回 "_"。
func VersionFromFilename(project, filename string) string {
	if strings.HasSuffix(filename, ".whl") {
		parts := strings.Split(strings.TrimSuffix(filename, ".whl"), "-")
		if len(parts) >= 5 {
			return parts[1]
		}
		return unknownVersion
	}
	stem := ""
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(filename, suffix) {
			stem = strings.TrimSuffix(filename, suffix)
			break
		}
	}
	if stem == "" {
		return unknownVersion
	}
	parts := strings.Split(stem, "-")
	want := NormalizeName(project)
	for i := 1; i < len(parts); i++ {
		if NormalizeName(strings.Join(parts[:i], "-")) == want {
			version := parts[i]
			if version != "" {
				return version
			}
		}
	}
	if idx := strings.LastIndex(stem, "-"); idx > 0 && idx < len(stem)-1 {
		return stem[idx+1:]
	}
	return unknownVersion
}
