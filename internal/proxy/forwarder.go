package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/logging"
	"github.com/any-hub/any-repo/internal/repository"
)

// FetchHandler serves a routed fetch request.
type FetchHandler interface {
	Handle(c fiber.Ctx, target Target) error
}

// FetchHandlerFunc adapts a function to FetchHandler.
type FetchHandlerFunc func(fiber.Ctx, Target) error

// Handle makes FetchHandlerFunc satisfy FetchHandler.
func (f FetchHandlerFunc) Handle(c fiber.Ctx, target Target) error {
	return f(c, target)
}

// Forwarder 根据仓库类型（hosted/proxy/group）选择对应的 handler，并兜住 handler 内的 panic。
type Forwarder struct {
	handlers map[repository.Type]FetchHandler
	logger   *logrus.Logger
}

// NewForwarder 创建 Forwarder，handler 需通过 Register 逐个登记。
func NewForwarder(logger *logrus.Logger) *Forwarder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Forwarder{
		handlers: make(map[repository.Type]FetchHandler),
		logger:   logger,
	}
}

// Register 为仓库类型登记 handler，重复登记会覆盖旧值。
func (f *Forwarder) Register(repoType repository.Type, handler FetchHandler) *Forwarder {
	f.handlers[repoType] = handler
	return f
}

// Handle 实现 FetchHandler，根据 target.Repository.Type 选择 handler。
func (f *Forwarder) Handle(c fiber.Ctx, target Target) error {
	requestID := RequestID(c)
	var handler FetchHandler
	if target.Repository != nil {
		handler = f.handlers[target.Repository.Type]
	}
	if handler == nil {
		return f.respondMissingHandler(c, target, requestID)
	}
	return f.invokeHandler(c, target, handler, requestID)
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, target Target, requestID string) error {
	f.logHandlerError(target, "repository_handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "repository_handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, target Target, handler FetchHandler, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, target, r, requestID)
		}
	}()
	return handler.Handle(c, target)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, target Target, recovered interface{}, requestID string) error {
	f.logHandlerError(target, "repository_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "repository_handler_panic"})
}

func (f *Forwarder) logHandlerError(target Target, code string, err error, requestID string) {
	fields := targetFields(target, requestID)
	fields["action"] = "proxy"
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("repository handler unavailable")
}

func targetFields(target Target, requestID string) logrus.Fields {
	repo := target.Repository
	if repo == nil {
		return logrus.Fields{
			"repository":      "",
			"domain":          "",
			"repository_type": "",
			"auth_mode":       "",
			"cache_hit":       false,
			"format":          "",
			"request_id":      requestID,
		}
	}
	fields := logging.RequestFields(repo.Name, repo.Domain, string(repo.Type), repo.AuthMode(), repo.Format, false)
	fields["path"] = target.Path
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
