package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/any-hub/any-repo/internal/hubmodule"
)

var supportedRepositoryTypes = map[string]struct{}{
	RepositoryTypeHosted: {},
	RepositoryTypeProxy:  {},
	RepositoryTypeGroup:  {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	switch g.StorageBackend {
	case StorageBackendFile:
	case StorageBackendS3:
		if g.S3Bucket == "" {
			return newFieldError("Global.S3Bucket", "S3 存储必须指定 Bucket")
		}
		if (g.S3AccessKey == "") != (g.S3SecretKey == "") {
			return newFieldError("Global.S3AccessKey/S3SecretKey", "必须同时提供或同时留空")
		}
		if g.S3Endpoint != "" {
			if err := validateUpstream(g.S3Endpoint); err != nil {
				return fmt.Errorf("Global.S3Endpoint: %w", err)
			}
		}
	default:
		return newFieldError("Global.StorageBackend", "仅支持 file|s3")
	}
	if g.IndexTTL.DurationValue() < 0 {
		return newFieldError("Global.IndexTTL", "不能为负数")
	}
	if g.NegativeCacheTTL.DurationValue() < 0 {
		return newFieldError("Global.NegativeCacheTTL", "不能为负数")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.BrowseMaxNodes <= 0 {
		return newFieldError("Global.BrowseMaxNodes", "必须大于 0")
	}

	if len(c.Repositories) == 0 {
		return errors.New("至少需要配置一个 Repository")
	}

	byName := make(map[string]*RepositoryConfig, len(c.Repositories))
	seenIDs := map[int]string{}
	seenDomains := map[string]string{}
	for i := range c.Repositories {
		repo := &c.Repositories[i]
		if repo.Name == "" {
			return newFieldError("Repository[].Name", "不能为空")
		}
		if strings.ContainsAny(repo.Name, "/\\ ") || repo.Name == "." || repo.Name == ".." {
			return newFieldError(repositoryField(repo.Name, "Name"), "不允许包含路径分隔符或空格")
		}
		if _, exists := byName[repo.Name]; exists {
			return newFieldError(repositoryField(repo.Name, "Name"), "重复")
		}
		byName[repo.Name] = repo

		if repo.ID <= 0 {
			return newFieldError(repositoryField(repo.Name, "ID"), "必须大于 0")
		}
		if other, exists := seenIDs[repo.ID]; exists {
			return newFieldError(repositoryField(repo.Name, "ID"), "与 "+other+" 重复")
		}
		seenIDs[repo.ID] = repo.Name

		if repo.Domain != "" {
			if err := validateDomain(repo.Domain); err != nil {
				return fmt.Errorf("%s: %w", repositoryField(repo.Name, "Domain"), err)
			}
			key := strings.ToLower(repo.Domain)
			if other, exists := seenDomains[key]; exists {
				return newFieldError(repositoryField(repo.Name, "Domain"), "与 "+other+" 重复")
			}
			seenDomains[key] = repo.Name
		}

		if repo.Format == "" {
			return newFieldError(repositoryField(repo.Name, "Format"), "不能为空")
		}
		if _, ok := hubmodule.Resolve(repo.Format); !ok {
			return newFieldError(repositoryField(repo.Name, "Format"), "仅支持 "+strings.Join(hubmodule.Keys(), "|"))
		}
		if _, ok := supportedRepositoryTypes[repo.Type]; !ok {
			return newFieldError(repositoryField(repo.Name, "Type"), "仅支持 hosted|proxy|group")
		}

		if repo.ValidationMode != "" {
			switch hubmodule.ValidationMode(repo.ValidationMode) {
			case hubmodule.ValidationModeETag, hubmodule.ValidationModeLastModified, hubmodule.ValidationModeNever:
			default:
				return newFieldError(repositoryField(repo.Name, "ValidationMode"), "仅支持 etag/last-modified/never")
			}
		}

		if (repo.Username == "") != (repo.Password == "") {
			return newFieldError(repositoryField(repo.Name, "Username/Password"), "必须同时提供或同时留空")
		}

		switch repo.Type {
		case RepositoryTypeProxy:
			if err := validateUpstream(repo.Upstream); err != nil {
				return fmt.Errorf("%s: %w", repositoryField(repo.Name, "Upstream"), err)
			}
			if repo.Proxy != "" {
				if err := validateUpstream(repo.Proxy); err != nil {
					return fmt.Errorf("%s: %w", repositoryField(repo.Name, "Proxy"), err)
				}
			}
		case RepositoryTypeGroup:
			if len(repo.Members) == 0 {
				return newFieldError(repositoryField(repo.Name, "Members"), "分组仓库至少需要一个成员")
			}
			if repo.Upstream != "" {
				return newFieldError(repositoryField(repo.Name, "Upstream"), "分组仓库不能配置上游")
			}
		default:
			if repo.Upstream != "" {
				return newFieldError(repositoryField(repo.Name, "Upstream"), "hosted 仓库不能配置上游")
			}
		}
	}

	for i := range c.Repositories {
		repo := &c.Repositories[i]
		if repo.Type != RepositoryTypeGroup {
			continue
		}
		for _, member := range repo.Members {
			target, ok := byName[member]
			if !ok {
				return newFieldError(repositoryField(repo.Name, "Members"), "未知成员: "+member)
			}
			if target.Format != repo.Format {
				return newFieldError(repositoryField(repo.Name, "Members"), fmt.Sprintf("成员 %s 的格式 %s 与分组不一致", member, target.Format))
			}
		}
	}
	if cycle := findGroupCycle(byName); cycle != "" {
		return newFieldError(repositoryField(cycle, "Members"), "分组成员存在循环引用")
	}

	return nil
}

// findGroupCycle 对分组成员关系做深度优先遍历，返回任一处于环上的分组名。
func findGroupCycle(byName map[string]*RepositoryConfig) string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(byName))
	var visit func(name string) string
	visit = func(name string) string {
		switch state[name] {
		case visiting:
			return name
		case done:
			return ""
		}
		state[name] = visiting
		if repo := byName[name]; repo != nil && repo.Type == RepositoryTypeGroup {
			for _, member := range repo.Members {
				if found := visit(member); found != "" {
					return found
				}
			}
		}
		state[name] = done
		return ""
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if found := visit(name); found != "" {
			return found
		}
	}
	return ""
}

func validateDomain(domain string) error {
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
