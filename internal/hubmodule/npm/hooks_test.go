package npm

import (
	"errors"
	"strings"
	"testing"

	"github.com/any-hub/any-repo/internal/hubmodule"
	"github.com/any-hub/any-repo/internal/proxy/hooks"
)

const packument = `{
  "name": "@scope/pkg",
  "dist-tags": {"latest": "1.1.0"},
  "versions": {
    "1.0.0": {"dist": {"tarball": "https://registry.npmjs.org/@scope/pkg/-/pkg-1.0.0.tgz", "shasum": "ABC"}},
    "1.1.0": {"dist": {"tarball": "https://registry.npmjs.org/@scope/pkg/-/pkg-1.1.0.tgz", "shasum": "def"}}
  }
}`

func TestClassifyPath(t *testing.T) {
	cases := map[string]hubmodule.AssetKind{
		"/lodash":                     hubmodule.KindPackageIndex,
		"/@scope/pkg":                 hubmodule.KindPackageIndex,
		"/lodash/-/lodash-4.17.21.tgz": hubmodule.KindPackage,
		"/@scope/pkg/-/pkg-1.0.0.tgz": hubmodule.KindPackage,
		"/-/v1/search":                hubmodule.KindSearch,
	}
	for path, want := range cases {
		if got, ok := classifyPath(nil, path); !ok || got != want {
			t.Fatalf("classifyPath(%q) = %q,%v want %q", path, got, ok, want)
		}
	}
	if _, ok := classifyPath(nil, "/lodash/4.17.21"); ok {
		t.Fatalf("version documents are not classified")
	}
}

func TestNormalizePathDecodesScopedNames(t *testing.T) {
	if got := normalizePath(nil, "/@scope%2fpkg/"); got != "/@scope/pkg" {
		t.Fatalf("unexpected normalized path %s", got)
	}
}

func TestParseIndexStoresRelativeTarballs(t *testing.T) {
	parsed, err := parseIndex(nil, hubmodule.KindPackageIndex, "/@scope/pkg", []byte(packument))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	out := string(parsed.Body)
	if strings.Contains(out, "registry.npmjs.org") {
		t.Fatalf("stored packument must not keep upstream urls: %s", out)
	}
	if !strings.Contains(out, `"tarball":"/@scope/pkg/-/pkg-1.0.0.tgz"`) {
		t.Fatalf("tarball not rewritten: %s", out)
	}
	if len(parsed.Links) != 2 || parsed.Links[0].Filename != "pkg-1.0.0.tgz" || parsed.Links[0].SHA1 != "abc" {
		t.Fatalf("unexpected link table %+v", parsed.Links)
	}
	if parsed.Links[1].URL != "https://registry.npmjs.org/@scope/pkg/-/pkg-1.1.0.tgz" {
		t.Fatalf("upstream url lost: %+v", parsed.Links[1])
	}

	again, _ := parseIndex(nil, hubmodule.KindPackageIndex, "/@scope/pkg", []byte(packument))
	if string(again.Body) != out {
		t.Fatalf("stored form must be deterministic")
	}
}

func TestParseIndexRejectsMalformedPackuments(t *testing.T) {
	cases := []string{
		`not json`,
		`["a"]`,
		`{"name":"other"}`,
		`{"name":"@scope/pkg","versions":{"1.0.0":"x"}}`,
		`{"name":"@scope/pkg","versions":{"1.0.0":{"dist":{"tarball":"ftp://x/pkg-1.0.0.tgz"}}}}`,
	}
	for _, body := range cases {
		if _, err := parseIndex(nil, hubmodule.KindPackageIndex, "/@scope/pkg", []byte(body)); !errors.Is(err, errMalformedPackument) {
			t.Fatalf("expected malformed error for %s, got %v", body, err)
		}
	}
}

func TestRewriteIndexAppliesBaseURL(t *testing.T) {
	parsed, err := parseIndex(nil, hubmodule.KindPackageIndex, "/@scope/pkg", []byte(packument))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ctx := &hooks.RequestContext{BaseURL: "https://repo.example/repository/npm-proxy/"}
	served, err := rewriteIndex(ctx, hubmodule.KindPackageIndex, "/@scope/pkg", parsed.Body)
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if !strings.Contains(string(served), `"tarball":"https://repo.example/repository/npm-proxy/@scope/pkg/-/pkg-1.1.0.tgz"`) {
		t.Fatalf("tarball not absolute: %s", served)
	}

	unchanged, _ := rewriteIndex(&hooks.RequestContext{}, hubmodule.KindPackageIndex, "/@scope/pkg", parsed.Body)
	if string(unchanged) != string(parsed.Body) {
		t.Fatalf("missing base url must leave stored form untouched")
	}
}

func TestMergeIndexPrefersEarlierMember(t *testing.T) {
	first := []byte(`{"name":"pkg","dist-tags":{"latest":"2.0.0"},"versions":{"2.0.0":{"dist":{"tarball":"/pkg/-/pkg-2.0.0.tgz"}}}}`)
	second := []byte(`{"name":"pkg","dist-tags":{"latest":"1.0.0"},"versions":{"1.0.0":{"dist":{"tarball":"/pkg/-/pkg-1.0.0.tgz"}}}}`)
	merged, err := mergeIndex(nil, "/pkg", [][]byte{first, second})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	out := string(merged)
	if !strings.Contains(out, `"latest":"2.0.0"`) || !strings.Contains(out, `"1.0.0"`) || !strings.Contains(out, `"2.0.0":{`) {
		t.Fatalf("unexpected merged packument %s", out)
	}
}

func TestIdentifyPackage(t *testing.T) {
	coords, ok := identifyPackage(nil, "/@scope/pkg/-/pkg-1.0.0-beta.1.tgz")
	if !ok {
		t.Fatalf("expected coordinates")
	}
	if coords.Version != "1.0.0-beta.1" || coords.PackageURL != "pkg:npm/%40scope/pkg@1.0.0-beta.1" {
		t.Fatalf("unexpected coordinates %+v", coords)
	}
	if strings.Join(coords.Segments, "/") != "@scope/pkg/-/pkg-1.0.0-beta.1.tgz" {
		t.Fatalf("unexpected segments %v", coords.Segments)
	}
	if _, ok := identifyPackage(nil, "/pkg/-/other-1.0.0.tgz"); ok {
		t.Fatalf("mismatched tarball name must not identify")
	}
}
