// Package memory 提供基于内存的浏览树持久化会话，用于未配置数据库的单机部署与测试。
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/any-hub/any-repo/internal/browse"
)

var (
	errTxDone   = errors.New("memory: transaction already finished")
	errReadOnly = errors.New("memory: write in read-only transaction")
)

type pathKey struct {
	repositoryID int
	path         string
}

type state struct {
	nextID int64
	nodes  map[int64]browse.Node
	byPath map[pathKey]int64
}

func (s state) clone() state {
	out := state{
		nextID: s.nextID,
		nodes:  make(map[int64]browse.Node, len(s.nodes)),
		byPath: make(map[pathKey]int64, len(s.byPath)),
	}
	for id, node := range s.nodes {
		out.nodes[id] = copyNode(node)
	}
	for k, v := range s.byPath {
		out.byPath[k] = v
	}
	return out
}

// Session 以写时复制管理状态：写事务串行执行并在私有副本上修改，
// Commit 时原子替换当前快照；只读事务直接读取不可变快照，不加锁。
type Session struct {
	mu      sync.Mutex
	current atomic.Pointer[state]
}

// New 创建空的内存会话。
func New() *Session {
	s := &Session{}
	s.current.Store(&state{
		nodes:  make(map[int64]browse.Node),
		byPath: make(map[pathKey]int64),
	})
	return s
}

// Begin 实现 browse.Session。写事务之间互斥，但不阻塞只读事务。
func (s *Session) Begin(ctx context.Context) (browse.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	working := s.current.Load().clone()
	return &tx{session: s, state: &working}, nil
}

// BeginRead 实现 browse.ReadSession，返回当前已提交快照上的只读事务。
func (s *Session) BeginRead(ctx context.Context) (browse.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tx{session: s, state: s.current.Load(), readOnly: true}, nil
}

type tx struct {
	session  *Session
	state    *state
	readOnly bool
	done     bool
}

func (t *tx) st() *state {
	return t.state
}

// writable 在事务已结束或只读时返回错误。
func (t *tx) writable() error {
	if t.done {
		return errTxDone
	}
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	if t.readOnly {
		return nil
	}
	t.session.current.Store(t.state)
	t.session.mu.Unlock()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if !t.readOnly {
		t.session.mu.Unlock()
	}
	return nil
}

func (t *tx) Merge(ctx context.Context, node *browse.Node) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	st := t.st()
	key := pathKey{node.RepositoryID, node.RequestPath}
	if id, ok := st.byPath[key]; ok {
		existing := st.nodes[id]
		existing.ParentID = copyID(node.ParentID)
		existing.Format = node.Format
		existing.DisplayName = node.DisplayName
		existing.Leaf = existing.Leaf || node.Leaf
		if node.ComponentRef != "" {
			existing.ComponentRef = node.ComponentRef
		}
		if node.AssetRef != "" {
			existing.AssetRef = node.AssetRef
		}
		if node.PackageURL != "" {
			existing.PackageURL = node.PackageURL
		}
		if node.LastUpdated.After(existing.LastUpdated) {
			existing.LastUpdated = node.LastUpdated
		}
		st.nodes[id] = existing
		return id, nil
	}

	st.nextID++
	created := copyNode(*node)
	created.ID = st.nextID
	created.AssetCount = 0
	st.nodes[created.ID] = created
	st.byPath[key] = created.ID
	return created.ID, nil
}

func (t *tx) FindByPath(ctx context.Context, repositoryID int, requestPath string) (*browse.Node, error) {
	st := t.st()
	id, ok := st.byPath[pathKey{repositoryID, requestPath}]
	if !ok {
		return nil, browse.ErrNodeNotFound
	}
	node := copyNode(st.nodes[id])
	return &node, nil
}

func (t *tx) FindByID(ctx context.Context, id int64) (*browse.Node, error) {
	node, ok := t.st().nodes[id]
	if !ok {
		return nil, browse.ErrNodeNotFound
	}
	out := copyNode(node)
	return &out, nil
}

func (t *tx) Children(ctx context.Context, q browse.ChildQuery) ([]browse.Node, error) {
	st := t.st()
	var restrict browse.Filter
	if q.Filter != nil {
		if predicate, _ := q.Filter.Predicate(); predicate != "" {
			restrict = q.Filter
		}
	}

	var out []browse.Node
	for _, node := range st.nodes {
		if node.RepositoryID != q.RepositoryID || node.ID <= q.AfterID || !sameParent(node.ParentID, q.ParentID) {
			continue
		}
		if restrict != nil && !t.visible(node, restrict) {
			continue
		}
		out = append(out, copyNode(node))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// visible 判断 node 自身或其之下是否存在满足 filter 的内容节点。
func (t *tx) visible(node browse.Node, filter browse.Filter) bool {
	for _, candidate := range t.st().nodes {
		if candidate.RepositoryID != node.RepositoryID || !candidate.HasContent() {
			continue
		}
		if !covers(node, candidate) {
			continue
		}
		if filter.Match(candidate.RequestPath, candidate.Format) {
			return true
		}
	}
	return false
}

func (t *tx) LockNode(ctx context.Context, id int64) (*browse.Node, error) {
	return t.FindByID(ctx, id)
}

func (t *tx) DeleteNodes(ctx context.Context, ids []int64) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	var removed int64
	for _, id := range ids {
		if t.remove(id) {
			removed++
		}
	}
	return removed, nil
}

func (t *tx) DeleteLeaf(ctx context.Context, repositoryID int, requestPath, ref string) (*browse.Node, error) {
	if err := t.writable(); err != nil {
		return nil, err
	}
	st := t.st()
	id, ok := st.byPath[pathKey{repositoryID, requestPath}]
	if !ok {
		return nil, browse.ErrNodeNotFound
	}
	node := st.nodes[id]
	if ref != "" && node.ComponentRef != ref && node.AssetRef != ref {
		return nil, browse.ErrNodeNotFound
	}
	out := copyNode(node)
	if t.hasChildren(id) {
		// 仍有子节点的目录只清除内容引用，保持树结构完整。
		node.ComponentRef, node.AssetRef, node.PackageURL = "", "", ""
		st.nodes[id] = node
		return &out, nil
	}
	t.remove(id)
	return &out, nil
}

func (t *tx) RecountAssets(ctx context.Context, id int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	st := t.st()
	node, ok := st.nodes[id]
	if !ok {
		return nil
	}
	var count int64
	for _, candidate := range st.nodes {
		if candidate.RepositoryID == node.RepositoryID && candidate.AssetRef != "" && covers(node, candidate) {
			count++
		}
	}
	node.AssetCount = count
	st.nodes[id] = node
	return nil
}

func (t *tx) DeleteRepositoryBatch(ctx context.Context, repositoryID int, limit int) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	var batch []browse.Node
	for _, node := range t.st().nodes {
		if node.RepositoryID == repositoryID {
			batch = append(batch, node)
		}
	}
	sort.Slice(batch, func(i, j int) bool {
		if len(batch[i].RequestPath) != len(batch[j].RequestPath) {
			return len(batch[i].RequestPath) > len(batch[j].RequestPath)
		}
		return batch[i].ID < batch[j].ID
	})
	if limit > 0 && len(batch) > limit {
		batch = batch[:limit]
	}
	for _, node := range batch {
		t.remove(node.ID)
	}
	return int64(len(batch)), nil
}

func (t *tx) DeleteDanglingBatch(ctx context.Context, repositoryID int, limit int) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	var batch []int64
	for id, node := range t.st().nodes {
		if node.RepositoryID == repositoryID && !node.HasContent() && !t.hasChildren(id) {
			batch = append(batch, id)
		}
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i] < batch[j] })
	if limit > 0 && len(batch) > limit {
		batch = batch[:limit]
	}
	for _, id := range batch {
		t.remove(id)
	}
	return int64(len(batch)), nil
}

func (t *tx) hasChildren(id int64) bool {
	for _, node := range t.st().nodes {
		if node.ParentID != nil && *node.ParentID == id {
			return true
		}
	}
	return false
}

func (t *tx) remove(id int64) bool {
	st := t.st()
	node, ok := st.nodes[id]
	if !ok {
		return false
	}
	delete(st.nodes, id)
	delete(st.byPath, pathKey{node.RepositoryID, node.RequestPath})
	return true
}

// covers 表示 candidate 位于 node 自身或其子树中。
func covers(node, candidate browse.Node) bool {
	if candidate.ID == node.ID {
		return true
	}
	return !node.Leaf && strings.HasPrefix(candidate.RequestPath, node.RequestPath)
}

func sameParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func copyNode(node browse.Node) browse.Node {
	node.ParentID = copyID(node.ParentID)
	return node
}
