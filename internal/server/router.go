package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/access"
	"github.com/any-hub/any-repo/internal/metrics"
	"github.com/any-hub/any-repo/internal/proxy"
	"github.com/any-hub/any-repo/internal/repository"
	"github.com/any-hub/any-repo/internal/server/routes"
)

const (
	repositoryPrefix = "/repository/"
	browsePrefix     = "/service/rest/browse/"
	diagnosticPrefix = "/-/"
)

// AppOptions wires the HTTP surface to its collaborators.
type AppOptions struct {
	Logger   *logrus.Logger
	Registry *repository.Registry
	// Fetch serves GET/HEAD/POST against any repository type.
	Fetch proxy.FetchHandler
	// Uploads handles PUT/DELETE on hosted repositories. Nil disables writes.
	Uploads *Uploads
	Browser Browser
	// Principals resolves the caller for browse permission checks.
	Principals     *access.PrincipalResolver
	BrowseMaxNodes int
	ListenPort     int
}

// NewApp builds the Fiber application.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("repository registry is required")
	}
	if opts.Fetch == nil {
		return nil, errors.New("fetch handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		BodyLimit:     512 << 20,
	})

	app.Use(recover.New())
	app.Use(requestid.New(requestid.Config{Generator: uuid.NewString}))
	app.Use(hostRoutingMiddleware(opts))

	routes.RegisterModuleRoutes(app, opts.Registry)
	app.Get("/-/metrics", adaptor.HTTPHandler(metrics.Handler()))

	if opts.Browser != nil {
		browse := &browseHandler{
			registry:   opts.Registry,
			browser:    opts.Browser,
			principals: opts.Principals,
			maxNodes:   opts.BrowseMaxNodes,
			logger:     opts.Logger,
		}
		app.Get(browsePrefix+":name", browse.handle)
		app.Get(browsePrefix+":name/*", browse.handle)
	}

	repoHandler := func(c fiber.Ctx) error {
		name := c.Params("name")
		repo, ok := opts.Registry.Lookup(name)
		if !ok {
			return renderRepositoryUnknown(c, opts.Logger, name)
		}
		path := repositoryPath(c.Path(), repositoryPrefix+name)
		switch c.Method() {
		case fiber.MethodPut, fiber.MethodDelete:
			if opts.Uploads == nil {
				return c.Status(fiber.StatusMethodNotAllowed).JSON(fiber.Map{"error": "method_not_allowed"})
			}
			if c.Method() == fiber.MethodPut {
				return opts.Uploads.Put(c, repo, path)
			}
			return opts.Uploads.Delete(c, repo, path)
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodPost:
			return opts.Fetch.Handle(c, proxy.Target{
				Repository: repo,
				Path:       path,
				BaseURL:    c.BaseURL() + repositoryPrefix + repo.Name,
			})
		default:
			return c.Status(fiber.StatusMethodNotAllowed).JSON(fiber.Map{"error": "method_not_allowed"})
		}
	}
	app.All(repositoryPrefix+":name", repoHandler)
	app.All(repositoryPrefix+":name/*", repoHandler)

	return app, nil
}

// hostRoutingMiddleware serves requests whose Host maps to a repository Domain
// directly from that repository's root. Path-routed and diagnostic requests pass through.
func hostRoutingMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		path := c.Path()
		if strings.HasPrefix(path, repositoryPrefix) || strings.HasPrefix(path, browsePrefix) || strings.HasPrefix(path, diagnosticPrefix) {
			return c.Next()
		}
		rawHost := strings.TrimSpace(getHostHeader(c))
		repo, ok := opts.Registry.LookupHost(rawHost)
		if !ok {
			return c.Next()
		}
		switch c.Method() {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodPost:
		default:
			return c.Status(fiber.StatusMethodNotAllowed).JSON(fiber.Map{"error": "method_not_allowed"})
		}
		return opts.Fetch.Handle(c, proxy.Target{
			Repository: repo,
			Path:       path,
			BaseURL:    c.BaseURL(),
		})
	}
}

func renderRepositoryUnknown(c fiber.Ctx, logger *logrus.Logger, name string) error {
	logger.WithFields(logrus.Fields{
		"action":     "repository_lookup",
		"repository": name,
		"request_id": proxy.RequestID(c),
	}).Warn("repository_unknown")
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "repository_not_found",
	})
}

// repositoryPath strips the routing prefix and keeps a trailing slash.
func repositoryPath(requestPath, prefix string) string {
	rest := strings.TrimPrefix(requestPath, prefix)
	if rest == "" {
		return "/"
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}
