package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/content"
	"github.com/any-hub/any-repo/internal/hubmodule"
	"github.com/any-hub/any-repo/internal/repository"
)

// Resolution is the outcome of looking a file up in a per-name index. Found is
// false when the index does not list the file; that is not an error.
type Resolution struct {
	URL    string
	Found  bool
	SHA1   string
	SHA256 string
}

// ResolvePackageDownloadURL looks filename up in the cached link table of the
// per-name index for name. When the table lacks it, the index is fetched once
// regardless of freshness and the lookup retried once.
func (c *Cache) ResolvePackageDownloadURL(ctx context.Context, repo *repository.Repository, name, filename string) (Resolution, error) {
	h := repo.Hooks()
	if h.IndexPath == nil {
		return Resolution{}, nil
	}
	indexPath := h.IndexPath(repo.HookContext("", ""), name)
	locator := content.Locator{Repository: repo.Name, Path: indexPath}

	if res, ok, err := c.lookupLink(ctx, locator, filename); err != nil || ok {
		return res, err
	}

	_, err := c.coop.Do(ctx, cooperationKey(repo, indexPath), func(fctx context.Context) (any, error) {
		existing, err := c.stat(fctx, locator)
		if err != nil {
			return nil, err
		}
		return c.refresh(fctx, repo, indexPath, hubmodule.KindPackageIndex, existing)
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrMalformedContent), errors.Is(err, ErrUpstreamUnavailable):
			return Resolution{}, err
		case errors.Is(err, ErrNotFound):
			return Resolution{}, nil
		default:
			return Resolution{}, fmt.Errorf("resolve %s: %w", filename, err)
		}
	}

	res, ok, err := c.lookupLink(ctx, locator, filename)
	if err != nil {
		return Resolution{}, err
	}
	if !ok {
		c.logger.WithFields(logrus.Fields{
			"action":     "resolve",
			"repository": repo.Name,
			"package":    name,
			"filename":   filename,
		}).Debug("package_not_in_index")
	}
	return res, nil
}

func (c *Cache) lookupLink(ctx context.Context, locator content.Locator, filename string) (Resolution, bool, error) {
	entry, err := c.stat(ctx, locator)
	if err != nil || entry == nil {
		return Resolution{}, false, err
	}
	link, ok := entry.Attributes.Links[filename]
	if !ok || link.URL == "" {
		return Resolution{}, false, nil
	}
	return Resolution{URL: link.URL, Found: true, SHA1: link.SHA1, SHA256: link.SHA256}, true, nil
}
