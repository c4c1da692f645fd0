package browse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/metrics"
)

const (
	defaultChildrenPerCall = 100
	defaultBatchSize       = 500
	defaultMaxDepth        = 256
)

// Options 控制分页与批量操作的上限。
type Options struct {
	// ChildrenPerCall 是 trim 时单次子节点查询的页大小。
	ChildrenPerCall int
	// BatchSize 是批量删除时单个事务处理的节点数量。
	BatchSize int
	// MaxDepth 限制祖先链遍历深度，避免损坏的 parent 关系导致死循环。
	MaxDepth int
}

// Store 维护每个仓库的浏览树。所有写操作都在 Session 提供的事务中完成。
type Store struct {
	session Session
	logger  *logrus.Logger
	opts    Options
}

// NewStore 构造浏览树存储，零值选项会被替换为默认值。
func NewStore(session Session, logger *logrus.Logger, opts Options) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.ChildrenPerCall <= 0 {
		opts.ChildrenPerCall = defaultChildrenPerCall
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = defaultMaxDepth
	}
	return &Store{session: session, logger: logger, opts: opts}
}

// CreateBrowseNodes 在单个事务中自顶向下合并 segments 对应的路径链。
// decorate 只作用于最后一段，用于挂载组件/资产引用与 packageUrl。
// 唯一键竞争时记录告警并返回 (nil, nil)，不会破坏已存在的祖先关系。
func (s *Store) CreateBrowseNodes(ctx context.Context, repositoryID int, format string, segments []string, decorate func(*Node)) (*Node, error) {
	if len(segments) == 0 {
		return nil, errors.New("browse: empty path")
	}
	for _, seg := range segments {
		if !validSegment(seg) {
			return nil, fmt.Errorf("browse: invalid path segment %q", seg)
		}
	}

	leaf := &Node{
		RepositoryID: repositoryID,
		Format:       format,
		DisplayName:  segments[len(segments)-1],
		Leaf:         true,
	}
	if decorate != nil {
		decorate(leaf)
	}
	if leaf.LastUpdated.IsZero() {
		leaf.LastUpdated = time.Now().UTC()
	}

	tx, err := s.session.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("browse: begin: %w", err)
	}
	done := false
	defer func() {
		if !done {
			_ = tx.Rollback()
		}
	}()

	current := Separator
	var parentID *int64
	chain := make([]int64, 0, len(segments))
	for i, seg := range segments {
		var node *Node
		if i == len(segments)-1 {
			node = leaf
			node.RequestPath = current + seg
			if !node.Leaf {
				node.RequestPath += Separator
			}
		} else {
			node = &Node{
				RepositoryID: repositoryID,
				Format:       format,
				DisplayName:  seg,
				RequestPath:  current + seg + Separator,
				LastUpdated:  leaf.LastUpdated,
			}
		}
		node.ParentID = parentID

		id, err := tx.Merge(ctx, node)
		if errors.Is(err, ErrNodeConflict) {
			metrics.RecordTreeConflict()
			s.logger.WithFields(logrus.Fields{
				"action":        "tree_merge_conflict",
				"repository_id": repositoryID,
				"path":          node.RequestPath,
			}).Warn("tree_merge_conflict")
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("browse: merge %s: %w", node.RequestPath, err)
		}
		node.ID = id
		chain = append(chain, id)
		next := id
		parentID = &next
		current = node.RequestPath
	}

	for i := len(chain) - 1; i >= 0; i-- {
		if err := tx.RecountAssets(ctx, chain[i]); err != nil {
			return nil, fmt.Errorf("browse: recount: %w", err)
		}
	}

	stored, err := tx.FindByID(ctx, chain[len(chain)-1])
	if err != nil {
		return nil, fmt.Errorf("browse: reload leaf: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("browse: commit: %w", err)
	}
	done = true
	return stored, nil
}

// FindByPath 按 requestPath 精确查找节点，不存在时返回 ErrNodeNotFound。
func (s *Store) FindByPath(ctx context.Context, repositoryID int, requestPath string) (*Node, error) {
	var found *Node
	err := s.read(ctx, func(tx Tx) error {
		node, err := tx.FindByPath(ctx, repositoryID, requestPath)
		found = node
		return err
	})
	return found, err
}

// GetByPath 返回展示路径下的直接子节点（最多 maxNodes 个，<=0 表示不限），
// filter 非空时只保留其下存在匹配内容的节点。路径不存在时返回空结果。
func (s *Store) GetByPath(ctx context.Context, repositoryID int, displayPath string, maxNodes int, filter Filter) ([]Node, error) {
	var result []Node
	err := s.read(ctx, func(tx Tx) error {
		folder := FolderPath(displayPath)
		var parentID *int64
		if folder != Separator {
			parent, err := tx.FindByPath(ctx, repositoryID, folder)
			if errors.Is(err, ErrNodeNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			parentID = &parent.ID
		}

		var after int64
		for {
			limit := s.opts.ChildrenPerCall
			if maxNodes > 0 && maxNodes-len(result) < limit {
				limit = maxNodes - len(result)
			}
			page, err := tx.Children(ctx, ChildQuery{
				RepositoryID: repositoryID,
				ParentID:     parentID,
				AfterID:      after,
				Limit:        limit,
				Filter:       filter,
			})
			if err != nil {
				return err
			}
			result = append(result, page...)
			if len(page) < limit || (maxNodes > 0 && len(result) >= maxNodes) {
				return nil
			}
			after = page[len(page)-1].ID
		}
	})
	if err != nil {
		return nil, fmt.Errorf("browse: get %s: %w", displayPath, err)
	}
	return result, nil
}

// ListChildren 返回 parentID 下 id 大于 afterID 的一页子节点。
func (s *Store) ListChildren(ctx context.Context, repositoryID int, parentID *int64, afterID int64, limit int) ([]Node, error) {
	if limit <= 0 {
		limit = s.opts.ChildrenPerCall
	}
	var page []Node
	err := s.read(ctx, func(tx Tx) error {
		var err error
		page, err = tx.Children(ctx, ChildQuery{RepositoryID: repositoryID, ParentID: parentID, AfterID: afterID, Limit: limit})
		return err
	})
	return page, err
}

// Ancestors 返回节点的祖先链，从直接父节点到根。
func (s *Store) Ancestors(ctx context.Context, nodeID int64) ([]Node, error) {
	var chain []Node
	err := s.read(ctx, func(tx Tx) error {
		node, err := tx.FindByID(ctx, nodeID)
		if err != nil {
			return err
		}
		chain, err = s.ancestors(ctx, tx, node.ParentID)
		return err
	})
	return chain, err
}

func (s *Store) ancestors(ctx context.Context, tx Tx, start *int64) ([]Node, error) {
	var chain []Node
	next := start
	for depth := 0; next != nil; depth++ {
		if depth >= s.opts.MaxDepth {
			return nil, fmt.Errorf("browse: ancestor chain exceeds %d levels", s.opts.MaxDepth)
		}
		node, err := tx.FindByID(ctx, *next)
		if errors.Is(err, ErrNodeNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, *node)
		next = node.ParentID
	}
	return chain, nil
}

// DeleteByPathAndContentRef 删除引用 ref 的叶子节点并返回其父节点 id（根节点返回 nil）。
// 同一事务内刷新祖先的资产计数。
func (s *Store) DeleteByPathAndContentRef(ctx context.Context, repositoryID int, ref, requestPath string) (*int64, error) {
	tx, err := s.session.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("browse: begin: %w", err)
	}
	done := false
	defer func() {
		if !done {
			_ = tx.Rollback()
		}
	}()

	removed, err := tx.DeleteLeaf(ctx, repositoryID, requestPath, ref)
	if err != nil {
		return nil, fmt.Errorf("browse: delete %s: %w", requestPath, err)
	}
	if err := s.recountChain(ctx, tx, removed.ParentID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("browse: commit: %w", err)
	}
	done = true
	metrics.RecordTreeRemoved("delete", 1)
	return removed.ParentID, nil
}

// TrimIfEmpty 从 parentID 开始向上逐级删除不再有内容后代的节点，
// 遇到仍有内容的祖先即停止。每一级使用独立事务，并锁定候选节点。
func (s *Store) TrimIfEmpty(ctx context.Context, repositoryID int, parentID *int64) error {
	var total int64
	current := parentID
	for current != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, removed, err := s.trimLevel(ctx, repositoryID, *current)
		if err != nil {
			return err
		}
		if removed == 0 {
			break
		}
		total += removed
		current = next
	}
	metrics.RecordTreeRemoved("trim", total)

	if current == nil {
		return nil
	}
	tx, err := s.session.Begin(ctx)
	if err != nil {
		return fmt.Errorf("browse: begin: %w", err)
	}
	if err := s.recountChain(ctx, tx, current); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// trimLevel 检查单个候选节点：广度优先分页扫描其子树，
// 任一后代仍有内容即放弃；否则删除整棵空子树并返回候选的父节点 id。
func (s *Store) trimLevel(ctx context.Context, repositoryID int, candidate int64) (*int64, int64, error) {
	tx, err := s.session.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("browse: begin: %w", err)
	}
	done := false
	defer func() {
		if !done {
			_ = tx.Rollback()
		}
	}()

	node, err := tx.LockNode(ctx, candidate)
	if errors.Is(err, ErrNodeNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("browse: lock %d: %w", candidate, err)
	}
	if node.RepositoryID != repositoryID {
		return nil, 0, fmt.Errorf("browse: node %d belongs to repository %d", candidate, node.RepositoryID)
	}
	if node.HasContent() {
		return nil, 0, nil
	}

	queue := []int64{node.ID}
	visited := []int64{node.ID}
	for len(queue) > 0 {
		head := queue[0]
		queue = queue[1:]
		parent := head
		var after int64
		for {
			page, err := tx.Children(ctx, ChildQuery{
				RepositoryID: repositoryID,
				ParentID:     &parent,
				AfterID:      after,
				Limit:        s.opts.ChildrenPerCall,
			})
			if err != nil {
				return nil, 0, fmt.Errorf("browse: scan children of %d: %w", parent, err)
			}
			for _, child := range page {
				if child.HasContent() {
					return nil, 0, nil
				}
				queue = append(queue, child.ID)
				visited = append(visited, child.ID)
			}
			if len(page) < s.opts.ChildrenPerCall {
				break
			}
			after = page[len(page)-1].ID
		}
	}

	// 后发现的节点更深，逆序删除保证子节点先于父节点移除。
	for i, j := 0, len(visited)-1; i < j; i, j = i+1, j-1 {
		visited[i], visited[j] = visited[j], visited[i]
	}
	removed, err := tx.DeleteNodes(ctx, visited)
	if err != nil {
		return nil, 0, fmt.Errorf("browse: delete subtree %d: %w", candidate, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("browse: commit: %w", err)
	}
	done = true
	s.logger.WithFields(logrus.Fields{
		"action":        "tree_trim",
		"repository_id": repositoryID,
		"path":          node.RequestPath,
		"removed":       removed,
	}).Debug("tree_trim")
	return node.ParentID, removed, nil
}

// DeleteContent 删除叶子并修剪因此变空的祖先链。
func (s *Store) DeleteContent(ctx context.Context, repositoryID int, ref, requestPath string) error {
	parentID, err := s.DeleteByPathAndContentRef(ctx, repositoryID, ref, requestPath)
	if err != nil {
		return err
	}
	return s.TrimIfEmpty(ctx, repositoryID, parentID)
}

// DeleteAllNodes 分批删除仓库的全部节点，每批一个事务；返回是否删除过任何节点。
func (s *Store) DeleteAllNodes(ctx context.Context, repositoryID int) (bool, error) {
	return s.batchLoop(ctx, repositoryID, "purge", func(tx Tx) (int64, error) {
		return tx.DeleteRepositoryBatch(ctx, repositoryID, s.opts.BatchSize)
	})
}

// TrimDanglingNodes 分批删除没有内容且没有子节点的节点，直到不再有可删除项。
func (s *Store) TrimDanglingNodes(ctx context.Context, repositoryID int) (bool, error) {
	return s.batchLoop(ctx, repositoryID, "trim_dangling", func(tx Tx) (int64, error) {
		return tx.DeleteDanglingBatch(ctx, repositoryID, s.opts.BatchSize)
	})
}

func (s *Store) batchLoop(ctx context.Context, repositoryID int, operation string, step func(Tx) (int64, error)) (bool, error) {
	var total int64
	defer func() { metrics.RecordTreeRemoved(operation, total) }()
	for {
		if err := ctx.Err(); err != nil {
			return total > 0, err
		}
		tx, err := s.session.Begin(ctx)
		if err != nil {
			return total > 0, fmt.Errorf("browse: begin: %w", err)
		}
		n, err := step(tx)
		if err != nil {
			_ = tx.Rollback()
			return total > 0, fmt.Errorf("browse: %s batch: %w", operation, err)
		}
		if err := tx.Commit(); err != nil {
			return total > 0, fmt.Errorf("browse: commit: %w", err)
		}
		if n == 0 {
			break
		}
		total += n
	}
	s.logger.WithFields(logrus.Fields{
		"action":        operation,
		"repository_id": repositoryID,
		"removed":       total,
	}).Info("tree_batch_complete")
	return total > 0, nil
}

func (s *Store) recountChain(ctx context.Context, tx Tx, start *int64) error {
	chain, err := s.ancestors(ctx, tx, start)
	if err != nil {
		return err
	}
	for _, node := range chain {
		if err := tx.RecountAssets(ctx, node.ID); err != nil {
			return fmt.Errorf("browse: recount %d: %w", node.ID, err)
		}
	}
	return nil
}

// read 在只读事务中执行 fn，结束后总是回滚。Session 实现 ReadSession 时读取快照。
func (s *Store) read(ctx context.Context, fn func(Tx) error) error {
	begin := s.session.Begin
	if rs, ok := s.session.(ReadSession); ok {
		begin = rs.BeginRead
	}
	tx, err := begin(ctx)
	if err != nil {
		return fmt.Errorf("browse: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return fn(tx)
}
