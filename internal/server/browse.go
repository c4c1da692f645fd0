package server

import (
	"context"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/access"
	"github.com/any-hub/any-repo/internal/browse"
	"github.com/any-hub/any-repo/internal/proxy"
	"github.com/any-hub/any-repo/internal/repository"
)

// Browser lists the visible children of a display path.
type Browser interface {
	GetByPath(ctx context.Context, principal string, repo *repository.Repository, displayPath string, maxNodes int) ([]browse.Node, error)
}

type browseHandler struct {
	registry   *repository.Registry
	browser    Browser
	principals *access.PrincipalResolver
	maxNodes   int
	logger     *logrus.Logger
}

type browseResponse struct {
	Repository string            `json:"repository"`
	Path       string            `json:"path"`
	Items      []browse.ListItem `json:"items"`
}

func (h *browseHandler) handle(c fiber.Ctx) error {
	name := c.Params("name")
	repo, ok := h.registry.Lookup(name)
	if !ok {
		return renderRepositoryUnknown(c, h.logger, name)
	}
	displayPath := repositoryPath(c.Path(), browsePrefix+name)

	limit := h.maxNodes
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_limit"})
		}
		if limit <= 0 || n < limit {
			limit = n
		}
	}

	principal := access.Anonymous
	if h.principals != nil {
		principal = h.principals.Resolve(func(key string) string { return c.Get(key) })
	}

	nodes, err := h.browser.GetByPath(c.Context(), principal, repo, displayPath, limit)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"action":     "browse",
			"repository": repo.Name,
			"path":       displayPath,
			"principal":  principal,
			"request_id": proxy.RequestID(c),
		}).WithError(err).Error("browse_failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "browse_failed"})
	}

	base := strings.TrimSuffix(c.BaseURL(), "/") + repositoryPrefix + repo.Name
	return c.JSON(browseResponse{
		Repository: repo.Name,
		Path:       displayPath,
		Items:      browse.ToListItems(nodes, base),
	})
}
