package proxy

import "errors"

var (
	// ErrUpstreamUnavailable 表示上游不可达或返回了非预期状态，且没有可用的缓存副本。
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrMalformedContent 表示上游内容无法解析或校验和不匹配，此类内容不会写入缓存。
	ErrMalformedContent = errors.New("malformed upstream content")
	// ErrPackageNotResolvable 表示按名索引中找不到所请求的文件。
	ErrPackageNotResolvable = errors.New("package not resolvable")
	// ErrNotFound 表示路径无法识别，或上游确认内容不存在。
	ErrNotFound = errors.New("not found")
)
