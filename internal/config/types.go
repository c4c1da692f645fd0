package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/any-repo/internal/hubmodule"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 存储后端取值。
const (
	StorageBackendFile = "file"
	StorageBackendS3   = "s3"
)

// 仓库类型取值。
const (
	RepositoryTypeHosted = "hosted"
	RepositoryTypeProxy  = "proxy"
	RepositoryTypeGroup  = "group"
)

// GlobalConfig 描述全局运行时行为，所有仓库共享同一份参数。
type GlobalConfig struct {
	ListenPort     int    `mapstructure:"ListenPort"`
	LogLevel       string `mapstructure:"LogLevel"`
	LogFilePath    string `mapstructure:"LogFilePath"`
	LogMaxSize     int    `mapstructure:"LogMaxSize"`
	LogMaxBackups  int    `mapstructure:"LogMaxBackups"`
	LogCompress    bool   `mapstructure:"LogCompress"`
	StoragePath    string `mapstructure:"StoragePath"`
	StagingPath    string `mapstructure:"StagingPath"`
	StorageBackend string `mapstructure:"StorageBackend"`
	S3Endpoint     string `mapstructure:"S3Endpoint"`
	S3Bucket       string `mapstructure:"S3Bucket"`
	S3Region       string `mapstructure:"S3Region"`
	S3AccessKey    string `mapstructure:"S3AccessKey"`
	S3SecretKey    string `mapstructure:"S3SecretKey"`
	S3Prefix       string `mapstructure:"S3Prefix"`
	// DatabaseURL 为空时浏览树使用进程内存储。
	DatabaseURL      string   `mapstructure:"DatabaseURL"`
	IndexTTL         Duration `mapstructure:"IndexTTL"`
	NegativeCacheTTL Duration `mapstructure:"NegativeCacheTTL"`
	MaxRetries       int      `mapstructure:"MaxRetries"`
	InitialBackoff   Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout  Duration `mapstructure:"UpstreamTimeout"`
	SecurityFile     string   `mapstructure:"SecurityFile"`
	PrincipalHeader  string   `mapstructure:"PrincipalHeader"`
	JWTSecret        string   `mapstructure:"JWTSecret"`
	BrowseMaxNodes   int      `mapstructure:"BrowseMaxNodes"`
	TrimBatchSize    int      `mapstructure:"TrimBatchSize"`
}

// RepositoryConfig 描述单个 hosted/proxy/group 仓库。
type RepositoryConfig struct {
	Name           string   `mapstructure:"Name"`
	ID             int      `mapstructure:"ID"`
	Format         string   `mapstructure:"Format"`
	Type           string   `mapstructure:"Type"`
	Upstream       string   `mapstructure:"Upstream"`
	Proxy          string   `mapstructure:"Proxy"`
	Username       string   `mapstructure:"Username"`
	Password       string   `mapstructure:"Password"`
	Members        []string `mapstructure:"Members"`
	IndexTTL       Duration `mapstructure:"IndexTTL"`
	ValidationMode string   `mapstructure:"ValidationMode"`
	Domain         string   `mapstructure:"Domain"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global       GlobalConfig       `mapstructure:",squash"`
	Repositories []RepositoryConfig `mapstructure:"Repository"`
}

// HasCredentials 表示当前仓库是否配置了完整的上游凭证。
func (r RepositoryConfig) HasCredentials() bool {
	return r.Username != "" && r.Password != ""
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (r RepositoryConfig) AuthMode() string {
	if r.HasCredentials() {
		return "credentialed"
	}
	return "anonymous"
}

// CredentialModes 返回所有仓库的鉴权模式摘要，例如 secure:credentialed。
func CredentialModes(repos []RepositoryConfig) []string {
	if len(repos) == 0 {
		return nil
	}
	result := make([]string, len(repos))
	for i, repo := range repos {
		result[i] = fmt.Sprintf("%s:%s", repo.Name, repo.AuthMode())
	}
	return result
}

// StrategyOverrides 将仓库层的 TTL/Validation 配置映射为模块策略覆盖项。
func (r RepositoryConfig) StrategyOverrides(ttl time.Duration) hubmodule.StrategyOptions {
	opts := hubmodule.StrategyOptions{
		TTLOverride: ttl,
	}
	if mode := strings.TrimSpace(r.ValidationMode); mode != "" {
		opts.ValidationOverride = hubmodule.ValidationMode(mode)
	}
	return opts
}

// Repository 按名称查找仓库配置。
func (c *Config) Repository(name string) (RepositoryConfig, bool) {
	for _, repo := range c.Repositories {
		if repo.Name == name {
			return repo, true
		}
	}
	return RepositoryConfig{}, false
}
