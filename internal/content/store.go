package content

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store 是仓库内容（正文 + 属性）的持久化接口。布局约定：
//
//	<repository>/<path>.body          # 正文
//	<repository>/<path>.attrs.json    # 属性（校验和、上游 ETag、链接表等）
//
// 以 "/" 结尾的目录型路径（如 PyPI 的 /simple/foo/）正文保存为 <path>/_index.body。
type Store interface {
	// Get 返回可流式读取的条目，不存在时返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Stat 只读取条目属性而不打开正文，不存在时返回 ErrNotFound。
	Stat(ctx context.Context, locator Locator) (*Entry, error)

	// Put 写入正文并由存储计算 SHA-1/SHA-256，写入需原子完成。
	Put(ctx context.Context, locator Locator, body io.Reader, attrs Attributes) (*Entry, error)

	// Touch 在不改写正文的情况下更新属性，用于 304 再验证后刷新 CachedAt。
	Touch(ctx context.Context, locator Locator, update func(*Attributes)) error

	// Remove 删除正文与属性，不存在时不报错。
	Remove(ctx context.Context, locator Locator) error

	// FindOrCreateComponent 返回 (repository, name, version) 对应的组件，引用稳定。
	FindOrCreateComponent(ctx context.Context, repository, name, version string) (Component, error)
}

// Locator 唯一定位一个条目（仓库 + URL 风格相对路径）。
type Locator struct {
	Repository string
	Path       string
}

// Link 是索引中一个文件的上游地址与期望校验和。
type Link struct {
	URL    string `json:"url"`
	SHA1   string `json:"sha1,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
}

// Attributes 随正文一起持久化的元数据。
type Attributes struct {
	Kind         string          `json:"kind,omitempty"`
	ETag         string          `json:"etag,omitempty"`
	LastModified string          `json:"last_modified,omitempty"`
	ContentType  string          `json:"content_type,omitempty"`
	CachedAt     time.Time       `json:"cached_at"`
	SHA1         string          `json:"sha1,omitempty"`
	SHA256       string          `json:"sha256,omitempty"`
	Size         int64           `json:"size"`
	Links        map[string]Link `json:"links,omitempty"`
	ComponentRef string          `json:"component_ref,omitempty"`
	AssetRef     string          `json:"asset_ref,omitempty"`
}

// Entry 描述一次写入或命中的条目。
type Entry struct {
	Locator    Locator
	SizeBytes  int64
	Attributes Attributes
}

// ReadResult 组合 Entry 与正文 Reader，调用方负责关闭 Reader。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadCloser
}

// Component 是组件记录，Ref 由 (repository, name, version) 确定。
type Component struct {
	Ref        string    `json:"ref"`
	Repository string    `json:"repository"`
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
}

var (
	// ErrNotFound 表示条目不存在。
	ErrNotFound = errors.New("content not found")
	// ErrInvalidLocator 表示仓库名或路径非法。
	ErrInvalidLocator = errors.New("invalid content locator")
)

var componentNamespace = uuid.MustParse("6f1c1f1e-4a55-4c39-9a55-6e7a1c2d0b11")

// ComponentRef 计算组件引用。
func ComponentRef(repository, name, version string) string {
	return uuid.NewSHA1(componentNamespace, []byte(repository+"\x00"+name+"\x00"+version)).String()
}

const (
	bodySuffix  = ".body"
	attrsSuffix = ".attrs.json"
	indexName   = "_index"
)

// objectKey 将 Locator 转换为不带后缀的相对 key，拒绝越出仓库目录的路径。
func objectKey(locator Locator) (string, error) {
	repo := strings.TrimSpace(locator.Repository)
	if repo == "" || strings.ContainsAny(repo, "/\\") || repo == "." || repo == ".." {
		return "", ErrInvalidLocator
	}
	raw := locator.Path
	if raw == "" {
		raw = "/"
	}
	dirLike := strings.HasSuffix(raw, "/")
	for _, seg := range strings.Split(raw, "/") {
		if seg == ".." {
			return "", ErrInvalidLocator
		}
	}
	rel := strings.TrimPrefix(path.Clean("/"+raw), "/")
	if rel == "" {
		return repo + "/" + indexName, nil
	}
	if dirLike {
		return repo + "/" + rel + "/" + indexName, nil
	}
	return repo + "/" + rel, nil
}

func locatorKey(locator Locator) string {
	return locator.Repository + "::" + locator.Path
}
