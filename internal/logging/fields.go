package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供仓库/格式/命中状态字段，供拉取、上传与浏览请求日志复用。
func RequestFields(repository, domain, repositoryType, authMode, format string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"repository":      repository,
		"domain":          domain,
		"repository_type": repositoryType,
		"auth_mode":       authMode,
		"cache_hit":       cacheHit,
		"format":          format,
	}
}

// TreeFields 描述浏览树维护操作（purge/trim）的公共字段。
func TreeFields(operation, repository string, repositoryID int) logrus.Fields {
	return logrus.Fields{
		"action":        "tree",
		"operation":     operation,
		"repository":    repository,
		"repository_id": repositoryID,
	}
}

// Discard 返回丢弃全部输出的 logger，测试与未注入 logger 的组件使用。
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
