package memory

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/browse"
)

func TestReadDoesNotBlockOnOpenWrite(t *testing.T) {
	ctx := context.Background()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	session := New()
	store := browse.NewStore(session, logger, browse.Options{})

	if _, err := store.CreateBrowseNodes(ctx, 1, "npm", []string{"alpha", "alpha.tgz"}, nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	writer, err := session.Begin(ctx)
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	if _, err := writer.Merge(ctx, &browse.Node{RepositoryID: 1, Format: "npm", RequestPath: "/beta/", DisplayName: "beta"}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	type result struct {
		nodes []browse.Node
		err   error
	}
	done := make(chan result, 1)
	go func() {
		nodes, err := store.GetByPath(ctx, 1, "/", 0, nil)
		done <- result{nodes, err}
	}()

	select {
	case got := <-done:
		if got.err != nil {
			t.Fatalf("read: %v", got.err)
		}
		if len(got.nodes) != 1 || got.nodes[0].DisplayName != "alpha" {
			t.Fatalf("read should see only committed nodes, got %+v", got.nodes)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("read blocked behind an open write transaction")
	}

	if err := writer.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	nodes, err := store.GetByPath(ctx, 1, "/", 0, nil)
	if err != nil || len(nodes) != 2 {
		t.Fatalf("expected committed write to be visible, got %+v (%v)", nodes, err)
	}
}

func TestRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	session := New()

	writer, err := session.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := writer.Merge(ctx, &browse.Node{RepositoryID: 1, RequestPath: "/gone/", DisplayName: "gone"}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := writer.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	reader, err := session.BeginRead(ctx)
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer reader.Rollback()
	if _, err := reader.FindByPath(ctx, 1, "/gone/"); err != browse.ErrNodeNotFound {
		t.Fatalf("rolled back node should be absent, got %v", err)
	}
}

func TestReadTransactionRejectsWrites(t *testing.T) {
	ctx := context.Background()
	reader, err := New().BeginRead(ctx)
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer reader.Rollback()

	if _, err := reader.Merge(ctx, &browse.Node{RepositoryID: 1, RequestPath: "/x/"}); err != errReadOnly {
		t.Fatalf("expected read-only error, got %v", err)
	}
	if _, err := reader.DeleteNodes(ctx, []int64{1}); err != errReadOnly {
		t.Fatalf("expected read-only error, got %v", err)
	}
}
