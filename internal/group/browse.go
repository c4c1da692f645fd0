// Package group 组合多个仓库的浏览与下载结果。单仓库视为只有一个成员的分组，走同一条路径。
package group

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/any-repo/internal/browse"
	"github.com/any-hub/any-repo/internal/logging"
	"github.com/any-hub/any-repo/internal/metrics"
	"github.com/any-hub/any-repo/internal/repository"
	"github.com/any-hub/any-repo/internal/selector"
)

// Authorizer 提供浏览权限判定。
type Authorizer interface {
	ApplicableSelectors(principal string, repoNames []string, format string) []selector.Config
	HasFullBrowsePermission(principal, repo string) bool
}

// Layer 在成员仓库的浏览树之上执行权限过滤、合并、去重与排序。
type Layer struct {
	registry *repository.Registry
	tree     *browse.Store
	access   Authorizer
	compiler *selector.Compiler
	logger   *logrus.Logger
}

// NewLayer 构造分组浏览层。
func NewLayer(registry *repository.Registry, tree *browse.Store, access Authorizer, compiler *selector.Compiler, logger *logrus.Logger) *Layer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if compiler == nil {
		compiler = selector.NewCompiler(logger, nil)
	}
	return &Layer{registry: registry, tree: tree, access: access, compiler: compiler, logger: logger}
}

// GetByPath 返回 repo 在 displayPath 下对 principal 可见的子节点。
// 没有任何适用选择器时返回空结果而非错误。
func (l *Layer) GetByPath(ctx context.Context, principal string, repo *repository.Repository, displayPath string, maxNodes int) ([]browse.Node, error) {
	started := time.Now()
	members := l.registry.Flatten(repo)
	if len(members) == 0 {
		return nil, nil
	}

	var (
		filter   browse.Filter
		compiled *selector.Compiled
	)
	if !l.fullAccess(principal, repo) {
		if l.access == nil {
			l.logDenied(principal, repo, displayPath)
			return nil, nil
		}
		names := make([]string, 0, len(members)+1)
		names = append(names, repo.Name)
		for _, m := range members {
			names = append(names, m.Name)
		}
		selectors := l.access.ApplicableSelectors(principal, names, repo.Format)
		if len(selectors) == 0 {
			l.logDenied(principal, repo, displayPath)
			return nil, nil
		}
		compiled = l.compiler.Compile(selectors)
		if !compiled.Usable() {
			l.logDenied(principal, repo, displayPath)
			return nil, nil
		}
		filter = compiled
	}

	results := make([][]browse.Node, len(members))
	g, gctx := errgroup.WithContext(ctx)
	for i, member := range members {
		g.Go(func() error {
			nodes, err := l.tree.GetByPath(gctx, member.ID, displayPath, maxNodes, filter)
			if err != nil {
				return fmt.Errorf("member %s: %w", member.Name, err)
			}
			results[i] = nodes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := merge(repo, members, results, compiled)
	if maxNodes > 0 && len(merged) > maxNodes {
		merged = merged[:maxNodes]
	}
	less := repo.Module.LessFunc()
	sort.SliceStable(merged, func(i, j int) bool { return less(merged[i], merged[j]) })

	metrics.RecordBrowse(repo.Name, len(members), time.Since(started))
	return merged, nil
}

func (l *Layer) fullAccess(principal string, repo *repository.Repository) bool {
	return l.access != nil && l.access.HasFullBrowsePermission(principal, repo.Name)
}

// merge 按成员优先级合并：先以脚本选择器复核，再按格式身份键去重（先到先得），最后交给格式后置过滤。
func merge(repo *repository.Repository, members []*repository.Repository, results [][]browse.Node, compiled *selector.Compiled) []browse.Node {
	seen := make(map[string]struct{})
	var out []browse.Node
	for i, nodes := range results {
		for _, node := range nodes {
			format := node.Format
			if format == "" {
				format = repo.Format
			}
			if !compiled.MatchScripts(node.RequestPath, format) {
				continue
			}
			key := repo.Module.IdentityOf(node)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			if !repo.Module.AcceptFrom(node, members[i].Name) {
				continue
			}
			out = append(out, node)
		}
	}
	return out
}

func (l *Layer) logDenied(principal string, repo *repository.Repository, displayPath string) {
	fields := logging.TreeFields("browse", repo.Name, repo.ID)
	fields["principal"] = principal
	fields["path"] = displayPath
	l.logger.WithFields(fields).Debug("browse_no_permission")
}
