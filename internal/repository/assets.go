package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/browse"
	"github.com/any-hub/any-repo/internal/content"
	"github.com/any-hub/any-repo/internal/hubmodule"
)

// ErrUnsupportedPath 表示路径无法被格式识别，或该类型不接受写入。
var ErrUnsupportedPath = errors.New("unsupported repository path")

// Assets 负责把一个已暂存的正文提交为资产：写入内容存储、登记组件、挂载浏览树节点。
// proxy 缓存与 hosted 上传共用同一套提交流程。
type Assets struct {
	Content content.Store
	Tree    *browse.Store
	Logger  *logrus.Logger
	Now     func() time.Time
}

// CommitOptions 补充提交时需要保存的上游属性。
type CommitOptions struct {
	Kind         hubmodule.AssetKind
	ContentType  string
	ETag         string
	LastModified string
}

// Commit 将暂存文件写入 repo 下的 path。能识别坐标的路径会登记组件并进入浏览树，
// 其余路径按原始分段挂载为纯资产节点。浏览树写入失败只记录告警，内容已可读。
func (a *Assets) Commit(ctx context.Context, repo *Repository, path string, staged *content.Staged, opts CommitOptions) (*content.Entry, error) {
	h := repo.Hooks()
	attrs := content.Attributes{
		Kind:         string(opts.Kind),
		ContentType:  opts.ContentType,
		ETag:         opts.ETag,
		LastModified: opts.LastModified,
		CachedAt:     a.NowUTC(),
	}

	segments := browse.SplitPath(path)
	packageURL := ""
	if h.IdentifyPackage != nil {
		if coords, ok := h.IdentifyPackage(repo.HookContext("", ""), path); ok {
			component, err := a.Content.FindOrCreateComponent(ctx, repo.Name, coords.Name, coords.Version)
			if err != nil {
				return nil, fmt.Errorf("component %s@%s: %w", coords.Name, coords.Version, err)
			}
			attrs.ComponentRef = component.Ref
			if len(coords.Segments) > 0 {
				segments = coords.Segments
			}
			packageURL = coords.PackageURL
		}
	}

	body, err := staged.Open()
	if err != nil {
		return nil, err
	}
	entry, err := a.Content.Put(ctx, content.Locator{Repository: repo.Name, Path: path}, body, attrs)
	body.Close()
	if err != nil {
		return nil, err
	}

	if a.Tree != nil && len(segments) > 0 {
		_, err := a.Tree.CreateBrowseNodes(ctx, repo.ID, repo.Format, segments, func(n *browse.Node) {
			n.ComponentRef = entry.Attributes.ComponentRef
			n.AssetRef = entry.Attributes.AssetRef
			n.PackageURL = packageURL
			n.LastUpdated = entry.Attributes.CachedAt
		})
		if err != nil {
			a.logger().WithFields(logrus.Fields{
				"action":     "tree_merge",
				"repository": repo.Name,
				"path":       path,
				"error":      err.Error(),
			}).Warn("tree_merge_failed")
		}
	}
	return entry, nil
}

// Delete 删除 path 的内容以及对应的浏览树叶子，并修剪变空的祖先目录。
func (a *Assets) Delete(ctx context.Context, repo *Repository, path string) error {
	locator := content.Locator{Repository: repo.Name, Path: path}
	existing, err := a.Content.Stat(ctx, locator)
	if err != nil {
		return err
	}
	attrs := existing.Attributes

	if err := a.Content.Remove(ctx, locator); err != nil {
		return err
	}
	if a.Tree == nil || attrs.AssetRef == "" {
		return nil
	}

	leafPath := browse.LeafPath(browse.SplitPath(path))
	if h := repo.Hooks(); h.IdentifyPackage != nil {
		if coords, ok := h.IdentifyPackage(repo.HookContext("", ""), path); ok && len(coords.Segments) > 0 {
			leafPath = browse.LeafPath(coords.Segments)
		}
	}
	if err := a.Tree.DeleteContent(ctx, repo.ID, attrs.AssetRef, leafPath); err != nil && !errors.Is(err, browse.ErrNodeNotFound) {
		return err
	}
	return nil
}

// NowUTC 返回提交时间戳，未注入时钟时使用系统时间。
func (a *Assets) NowUTC() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}

func (a *Assets) logger() *logrus.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return logrus.StandardLogger()
}
