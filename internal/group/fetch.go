package group

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/hubmodule"
	"github.com/any-hub/any-repo/internal/proxy"
	"github.com/any-hub/any-repo/internal/repository"
)

// maxMergeBytes caps each member document read for an index merge.
var maxMergeBytes int64 = 64 << 20

// Fetch serves group repositories by walking their flattened members in order.
// The first member that has the asset wins. Index kinds of formats with a
// MergeIndex hook are combined across every member that answers.
type Fetch struct {
	registry *repository.Registry
	sources  map[repository.Type]proxy.Source
	logger   *logrus.Logger
}

// NewFetch builds the group fetch source. sources maps member types to the
// source serving them (proxy cache, hosted store).
func NewFetch(registry *repository.Registry, sources map[repository.Type]proxy.Source, logger *logrus.Logger) *Fetch {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Fetch{registry: registry, sources: sources, logger: logger}
}

// Serve implements proxy.Source.
func (f *Fetch) Serve(ctx context.Context, req proxy.Request) (*proxy.Content, error) {
	group := req.Repository
	hctx := group.HookContext(req.BaseURL, req.Method)
	_, kind, err := proxy.Classify(group, hctx, req.Path)
	if err != nil {
		return nil, err
	}

	members := f.registry.Flatten(group)
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: group %s has no members", proxy.ErrNotFound, group.Name)
	}
	if h := group.Hooks(); kind.IsIndex() && h.MergeIndex != nil {
		return f.merge(ctx, req, members, kind)
	}

	var firstErr error
	for _, member := range members {
		result, err := f.serveMember(ctx, req, member)
		if err == nil {
			return result, nil
		}
		f.logMemberMiss(group, member, req.Path, err)
		if firstErr == nil && !errors.Is(err, proxy.ErrNotFound) {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, fmt.Errorf("%w: %s not found in group %s", proxy.ErrNotFound, req.Path, group.Name)
}

func (f *Fetch) merge(ctx context.Context, req proxy.Request, members []*repository.Repository, kind hubmodule.AssetKind) (*proxy.Content, error) {
	group := req.Repository
	var (
		docs     [][]byte
		first    *proxy.Content
		cacheHit = true
		stale    bool
		firstErr error
	)
	for _, member := range members {
		result, err := f.serveMember(ctx, req, member)
		if err != nil {
			f.logMemberMiss(group, member, req.Path, err)
			if firstErr == nil && !errors.Is(err, proxy.ErrNotFound) {
				firstErr = err
			}
			continue
		}
		body, err := io.ReadAll(io.LimitReader(result.Body, maxMergeBytes+1))
		result.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read member %s: %w", member.Name, err)
		}
		if int64(len(body)) > maxMergeBytes {
			return nil, fmt.Errorf("%w: member %s document %s exceeds %d bytes", proxy.ErrMalformedContent, member.Name, req.Path, maxMergeBytes)
		}
		docs = append(docs, body)
		if first == nil {
			first = result
		}
		cacheHit = cacheHit && result.CacheHit
		stale = stale || result.Stale
	}
	if len(docs) == 0 {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, fmt.Errorf("%w: %s not found in group %s", proxy.ErrNotFound, req.Path, group.Name)
	}

	merged := docs[0]
	if len(docs) > 1 {
		var err error
		merged, err = group.Hooks().MergeIndex(group.HookContext(req.BaseURL, req.Method), first.Path, docs)
		if err != nil {
			return nil, fmt.Errorf("%w: merge %s: %v", proxy.ErrMalformedContent, req.Path, err)
		}
	}
	return &proxy.Content{
		Kind:        kind,
		Path:        first.Path,
		Status:      first.Status,
		ContentType: first.ContentType,
		Size:        int64(len(merged)),
		Body:        io.NopCloser(bytes.NewReader(merged)),
		CacheHit:    cacheHit,
		Stale:       stale,
	}, nil
}

func (f *Fetch) serveMember(ctx context.Context, req proxy.Request, member *repository.Repository) (*proxy.Content, error) {
	source, ok := f.sources[member.Type]
	if !ok {
		return nil, fmt.Errorf("%w: no source for %s repositories", proxy.ErrNotFound, member.Type)
	}
	memberReq := req
	memberReq.Repository = member
	return source.Serve(ctx, memberReq)
}

func (f *Fetch) logMemberMiss(group, member *repository.Repository, path string, err error) {
	f.logger.WithFields(logrus.Fields{
		"action":     "group_member_miss",
		"repository": group.Name,
		"member":     member.Name,
		"path":       path,
	}).WithError(err).Debug("group_member_miss")
}
