package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/any-hub/any-repo/internal/content"
	"github.com/any-hub/any-repo/internal/hubmodule"
)

// HostedSource serves uploaded content straight from the content store. Hosted
// repositories have no upstream, so indexes are only served if they were uploaded.
type HostedSource struct {
	store content.Store
}

// NewHostedSource wraps a content store.
func NewHostedSource(store content.Store) *HostedSource {
	return &HostedSource{store: store}
}

// Serve implements Source.
func (s *HostedSource) Serve(ctx context.Context, req Request) (*Content, error) {
	repo := req.Repository
	hctx := repo.HookContext(req.BaseURL, req.Method)
	clean, kind, err := Classify(repo, hctx, req.Path)
	if err != nil {
		return nil, err
	}
	if kind == hubmodule.KindSearch {
		return nil, fmt.Errorf("%w: search is not available on hosted repositories", ErrNotFound)
	}
	result, err := openStored(ctx, s.store, repo, clean, kind, true, false)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("hosted read %s: %w", clean, err)
	}
	return applyRewrite(repo.Hooks(), hctx, result)
}
