package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/any-hub/any-repo/internal/content"
	"github.com/any-hub/any-repo/internal/repository"
)

func TestHostedSourceServesStoredAssets(t *testing.T) {
	store, err := content.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	repo := &repository.Repository{Name: "pypi-hosted", ID: 9, Format: "pypi", Type: repository.TypeHosted}
	ctx := context.Background()
	if _, err := store.Put(ctx, content.Locator{Repository: repo.Name, Path: "/packages/foo/1.0/foo-1.0.tar.gz"}, strings.NewReader("blob"), content.Attributes{}); err != nil {
		t.Fatalf("put: %v", err)
	}

	source := NewHostedSource(store)
	result, err := source.Serve(ctx, Request{Repository: repo, Path: "/packages/foo/1.0/foo-1.0.tar.gz", Method: http.MethodGet})
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	body, _ := io.ReadAll(result.Body)
	result.Body.Close()
	if string(body) != "blob" || result.ContentType != "application/octet-stream" {
		t.Fatalf("unexpected hosted content %q %s", body, result.ContentType)
	}

	if _, err := source.Serve(ctx, Request{Repository: repo, Path: "/simple/foo/"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("hosted repositories do not generate indexes, got %v", err)
	}
	if _, err := source.Serve(ctx, Request{Repository: repo, Path: "/pypi", Method: http.MethodPost}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("hosted repositories have no search, got %v", err)
	}
}
