package proxy

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/logging"
	"github.com/any-hub/any-repo/internal/repository"
	"github.com/any-hub/any-repo/internal/transport"
)

// Target identifies the repository and in-repository path of a routed request.
type Target struct {
	Repository *repository.Repository
	// Path starts with "/" and keeps a trailing slash when the client sent one.
	Path string
	// BaseURL is the externally visible base of the repository, without trailing slash.
	BaseURL string
}

// Handler adapts a Source to fiber, writing headers, status and streamed body.
type Handler struct {
	source Source
	logger *logrus.Logger
}

// NewHandler wraps source; a nil logger falls back to the standard logger.
func NewHandler(source Source, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{source: source, logger: logger}
}

// Handle serves one fetch request.
func (h *Handler) Handle(c fiber.Ctx, target Target) error {
	started := time.Now()
	reqID := RequestID(c)
	repo := target.Repository

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := h.source.Serve(ctx, Request{
		Repository: repo,
		Path:       target.Path,
		RawQuery:   string(c.Request().URI().QueryString()),
		Method:     c.Method(),
		Header:     fiberHeadersAsHTTP(c),
		Body:       append([]byte(nil), c.Body()...),
		BaseURL:    target.BaseURL,
	})
	if err != nil {
		status, code := errorStatus(err)
		h.logResult(repo, target.Path, reqID, status, nil, started, err)
		setRequestIDHeader(c, reqID)
		return c.Status(status).JSON(fiber.Map{"error": code})
	}

	status := result.Status
	if status == 0 {
		status = http.StatusOK
	}
	copyResponseHeaders(c, result.Header)
	if result.ContentType != "" {
		c.Set(fiber.HeaderContentType, result.ContentType)
	}
	c.Set("X-Any-Repo-Cache-Hit", strconv.FormatBool(result.CacheHit))
	if result.Stale {
		c.Set("Warning", `110 - "Response is Stale"`)
	}
	setRequestIDHeader(c, reqID)
	c.Status(status)
	h.logResult(repo, target.Path, reqID, status, result, started, nil)

	if c.Method() == http.MethodHead {
		result.Body.Close()
		if result.Size >= 0 {
			c.Response().Header.SetContentLength(int(result.Size))
		}
		return nil
	}
	if result.Size >= 0 {
		return c.SendStream(result.Body, int(result.Size))
	}
	return c.SendStream(result.Body)
}

// errorStatus maps cache errors to HTTP status and the JSON error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrPackageNotResolvable):
		return fiber.StatusNotFound, "package_not_resolvable"
	case errors.Is(err, ErrNotFound):
		return fiber.StatusNotFound, "not_found"
	case errors.Is(err, ErrMalformedContent):
		return fiber.StatusBadGateway, "malformed_upstream"
	case errors.Is(err, ErrUpstreamUnavailable):
		return fiber.StatusBadGateway, "upstream_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout, "request_cancelled"
	default:
		return fiber.StatusInternalServerError, "internal_error"
	}
}

func (h *Handler) logResult(repo *repository.Repository, path, reqID string, status int, result *Content, started time.Time, err error) {
	cacheHit := result != nil && result.CacheHit
	fields := logging.RequestFields(repo.Name, repo.Domain, string(repo.Type), repo.AuthMode(), repo.Format, cacheHit)
	fields["action"] = "proxy"
	fields["path"] = path
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if result != nil {
		fields["kind"] = string(result.Kind)
		fields["stale"] = result.Stale
		if result.Upstream != "" {
			fields["upstream"] = result.Upstream
		}
	}
	if reqID != "" {
		fields["request_id"] = reqID
	}
	if err != nil {
		fields["error"] = err.Error()
		if status >= http.StatusInternalServerError {
			h.logger.WithFields(fields).Error("proxy_failed")
			return
		}
		h.logger.WithFields(fields).Info("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// RequestID returns the id assigned by the requestid middleware, falling back
// to the inbound X-Request-ID header.
func RequestID(c fiber.Ctx) string {
	if id := requestid.FromContext(c); id != "" {
		return id
	}
	return c.Get(fiber.HeaderXRequestID)
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set(fiber.HeaderXRequestID, requestID)
	}
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if transport.IsHopByHopHeader(key) || key == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
