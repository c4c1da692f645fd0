package maven

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/any-hub/any-repo/internal/browse"
	"github.com/any-hub/any-repo/internal/hubmodule"
	"github.com/any-hub/any-repo/internal/proxy/hooks"
)

const metadataFile = "maven-metadata.xml"

var errMalformedMetadata = errors.New("malformed maven metadata")

var signatureSuffixes = []string{".sha1", ".sha256", ".sha512", ".md5", ".asc"}

func init() {
	hooks.MustRegister("maven", hooks.Hooks{
		NormalizePath:   normalizePath,
		ClassifyPath:    classifyPath,
		ResolveUpstream: resolveUpstream,
		ParseIndex:      parseIndex,
		IdentifyPackage: identifyPackage,
		ContentType:     contentType,
	})
}

func normalizePath(_ *hooks.RequestContext, clean string) string {
	if len(clean) > 1 {
		return strings.TrimSuffix(clean, "/")
	}
	return clean
}

func segments(clean string) ([]string, bool) {
	parts := strings.Split(strings.Trim(clean, "/"), "/")
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return nil, false
		}
	}
	return parts, true
}

func signatureBase(filename string) (string, bool) {
	for _, suffix := range signatureSuffixes {
		if strings.HasSuffix(filename, suffix) {
			return strings.TrimSuffix(filename, suffix), true
		}
	}
	return filename, false
}

func isChecksum(clean string) bool {
	_, ok := signatureBase(clean)
	return ok
}

func classifyPath(_ *hooks.RequestContext, clean string) (hubmodule.AssetKind, bool) {
	parts, ok := segments(clean)
	if !ok || len(parts) < 2 {
		return "", false
	}
	filename := parts[len(parts)-1]
	base, isSignature := signatureBase(filename)
	switch {
	// 元数据的校验文件随元数据一起变化，按索引处理
	case base == metadataFile:
		return hubmodule.KindPackageIndex, true
	case isSignature:
		return hubmodule.KindSignature, true
	case strings.Contains(filename, "."):
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

// gav 从 /g1/g2/artifact/version/file 中提取坐标。
func gav(clean string) (group, artifact, version string, parts []string, ok bool) {
	parts, ok = segments(clean)
	if !ok || len(parts) < 4 {
		return "", "", "", nil, false
	}
	filename := parts[len(parts)-1]
	version = parts[len(parts)-2]
	artifact = parts[len(parts)-3]
	group = strings.Join(parts[:len(parts)-3], ".")
	base, _ := signatureBase(filename)
	prefix := artifact + "-" + strings.TrimSuffix(version, "-SNAPSHOT")
	if !strings.HasPrefix(base, prefix) {
		return "", "", "", nil, false
	}
	return group, artifact, version, parts, true
}

func identifyPackage(_ *hooks.RequestContext, clean string) (hooks.Coordinates, bool) {
	group, artifact, version, parts, ok := gav(clean)
	if !ok {
		return hooks.Coordinates{}, false
	}
	return hooks.Coordinates{
		Name:       group + ":" + artifact,
		Version:    version,
		Segments:   parts,
		PackageURL: fmt.Sprintf("pkg:maven/%s/%s@%s", group, artifact, version),
	}, true
}

func contentType(_ *hooks.RequestContext, kind hubmodule.AssetKind, clean string) string {
	switch {
	case strings.HasSuffix(clean, ".asc"):
		return "application/pgp-signature"
	case kind == hubmodule.KindSignature, isChecksum(clean):
		return "text/plain"
	case kind == hubmodule.KindPackageIndex, strings.HasSuffix(clean, ".pom"), strings.HasSuffix(clean, ".xml"):
		return "application/xml"
	case strings.HasSuffix(clean, ".jar"):
		return "application/java-archive"
	default:
		return "application/octet-stream"
	}
}

// metadata 只声明校验需要的字段。
type metadata struct {
	XMLName    xml.Name `xml:"metadata"`
	GroupID    string   `xml:"groupId"`
	ArtifactID string   `xml:"artifactId"`
	Version    string   `xml:"version"`
	Versioning struct {
		Latest      string   `xml:"latest"`
		Release     string   `xml:"release"`
		Versions    []string `xml:"versions>version"`
		LastUpdated string   `xml:"lastUpdated"`
	} `xml:"versioning"`
}

// parseIndex 校验 maven-metadata.xml。元数据不含下载地址，因此原样保存。
func parseIndex(_ *hooks.RequestContext, kind hubmodule.AssetKind, clean string, body []byte) (*hooks.ParsedIndex, error) {
	if kind != hubmodule.KindPackageIndex {
		return nil, fmt.Errorf("%w: unexpected kind %s", errMalformedMetadata, kind)
	}
	if base, isSignature := signatureBase(path.Base(clean)); isSignature && base == metadataFile {
		return parseChecksum(clean, body)
	}
	var doc metadata
	if err := xml.NewDecoder(bytes.NewReader(body)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedMetadata, err)
	}
	parts, ok := segments(clean)
	if !ok || len(parts) < 3 {
		return nil, fmt.Errorf("%w: bad metadata path %s", errMalformedMetadata, clean)
	}
	if doc.ArtifactID != "" {
		dir := parts[:len(parts)-1]
		// 快照版本的元数据位于 /g/a/version/ 下
		if doc.Version != "" && dir[len(dir)-1] == doc.Version && len(dir) > 1 {
			dir = dir[:len(dir)-1]
		}
		if dir[len(dir)-1] != doc.ArtifactID {
			return nil, fmt.Errorf("%w: artifactId %q does not match path", errMalformedMetadata, doc.ArtifactID)
		}
	}
	return &hooks.ParsedIndex{Body: body, ContentType: "application/xml"}, nil
}

func parseChecksum(clean string, body []byte) (*hooks.ParsedIndex, error) {
	if strings.HasSuffix(clean, ".asc") {
		if !bytes.Contains(body, []byte("-----BEGIN PGP SIGNATURE-----")) {
			return nil, fmt.Errorf("%w: missing pgp armor", errMalformedMetadata)
		}
		return &hooks.ParsedIndex{Body: body, ContentType: "application/pgp-signature"}, nil
	}
	fields := strings.Fields(string(body))
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty checksum", errMalformedMetadata)
	}
	for _, c := range strings.ToLower(fields[0]) {
		if !isDigit(byte(c)) && (c < 'a' || c > 'f') {
			return nil, fmt.Errorf("%w: checksum is not hex", errMalformedMetadata)
		}
	}
	return &hooks.ParsedIndex{Body: body, ContentType: "text/plain"}, nil
}

// versionAwareLess 对数字片段按数值比较，使 1.10 排在 1.9 之后。
func versionAwareLess(a, b browse.Node) bool {
	return naturalLess(a.DisplayName, b.DisplayName)
}

func naturalLess(a, b string) bool {
	for a != "" && b != "" {
		ai, bi := chunkEnd(a), chunkEnd(b)
		ca, cb := a[:ai], b[:bi]
		if isDigit(ca[0]) && isDigit(cb[0]) {
			na, nb := strings.TrimLeft(ca, "0"), strings.TrimLeft(cb, "0")
			if len(na) != len(nb) {
				return len(na) < len(nb)
			}
			if na != nb {
				return na < nb
			}
		} else if ca != cb {
			return ca < cb
		}
		a, b = a[ai:], b[bi:]
	}
	return len(a) < len(b)
}

func chunkEnd(s string) int {
	digit := isDigit(s[0])
	i := 1
	for i < len(s) && isDigit(s[i]) == digit {
		i++
	}
	return i
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
