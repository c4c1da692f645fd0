package server

import (
	"bytes"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/content"
	"github.com/any-hub/any-repo/internal/hubmodule"
	"github.com/any-hub/any-repo/internal/proxy"
	"github.com/any-hub/any-repo/internal/repository"
)

// Uploads accepts PUT and DELETE for hosted repositories. Package blobs go
// through the shared asset commit so they appear in the browse tree; uploaded
// indexes are stored as plain content.
type Uploads struct {
	assets *repository.Assets
	stager *content.Stager
	logger *logrus.Logger
}

// NewUploads builds the hosted write handler.
func NewUploads(assets *repository.Assets, stager *content.Stager, logger *logrus.Logger) *Uploads {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Uploads{assets: assets, stager: stager, logger: logger}
}

type uploadResponse struct {
	Repository string `json:"repository"`
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	SHA1       string `json:"sha1,omitempty"`
	SHA256     string `json:"sha256,omitempty"`
}

// Put stores the request body at path.
func (u *Uploads) Put(c fiber.Ctx, repo *repository.Repository, path string) error {
	if repo.Type != repository.TypeHosted {
		return c.Status(fiber.StatusMethodNotAllowed).JSON(fiber.Map{"error": "repository_read_only"})
	}
	hctx := repo.HookContext(c.BaseURL()+repositoryPrefix+repo.Name, c.Method())
	clean, kind, err := proxy.Classify(repo, hctx, path)
	if err != nil || kind == hubmodule.KindSearch {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unsupported_path"})
	}

	ctx := c.Context()
	staged, err := u.stager.Stage(ctx, bytes.NewReader(c.Body()))
	if err != nil {
		return u.fail(c, repo, clean, err)
	}
	defer staged.Cleanup()

	contentType := c.Get(fiber.HeaderContentType)
	if h := repo.Hooks(); h.ContentType != nil {
		if ct := h.ContentType(hctx, kind, clean); ct != "" {
			contentType = ct
		}
	}

	var entry *content.Entry
	if kind.IsIndex() {
		body, openErr := staged.Open()
		if openErr != nil {
			return u.fail(c, repo, clean, openErr)
		}
		entry, err = u.assets.Content.Put(ctx, content.Locator{Repository: repo.Name, Path: clean}, body, content.Attributes{
			Kind:        string(kind),
			ContentType: contentType,
			CachedAt:    u.assets.NowUTC(),
		})
		body.Close()
	} else {
		entry, err = u.assets.Commit(ctx, repo, clean, staged, repository.CommitOptions{Kind: kind, ContentType: contentType})
	}
	if err != nil {
		return u.fail(c, repo, clean, err)
	}

	u.logger.WithFields(logrus.Fields{
		"action":     "upload",
		"repository": repo.Name,
		"path":       clean,
		"kind":       string(kind),
		"size":       entry.SizeBytes,
		"request_id": proxy.RequestID(c),
	}).Info("upload_complete")
	return c.Status(fiber.StatusCreated).JSON(uploadResponse{
		Repository: repo.Name,
		Path:       clean,
		Size:       entry.SizeBytes,
		SHA1:       entry.Attributes.SHA1,
		SHA256:     entry.Attributes.SHA256,
	})
}

// Delete removes the asset at path and trims the browse tree.
func (u *Uploads) Delete(c fiber.Ctx, repo *repository.Repository, path string) error {
	if repo.Type != repository.TypeHosted {
		return c.Status(fiber.StatusMethodNotAllowed).JSON(fiber.Map{"error": "repository_read_only"})
	}
	clean, _, err := proxy.Classify(repo, repo.HookContext("", c.Method()), path)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
	}
	if err := u.assets.Delete(c.Context(), repo, clean); err != nil {
		if errors.Is(err, content.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
		}
		return u.fail(c, repo, clean, err)
	}
	u.logger.WithFields(logrus.Fields{
		"action":     "delete",
		"repository": repo.Name,
		"path":       clean,
		"request_id": proxy.RequestID(c),
	}).Info("delete_complete")
	return c.SendStatus(fiber.StatusNoContent)
}

func (u *Uploads) fail(c fiber.Ctx, repo *repository.Repository, path string, err error) error {
	u.logger.WithFields(logrus.Fields{
		"action":     "upload",
		"repository": repo.Name,
		"path":       path,
		"request_id": proxy.RequestID(c),
	}).WithError(err).Error("upload_failed")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_failed"})
}
