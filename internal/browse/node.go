package browse

import (
	"context"
	"errors"
	"time"
)

// Separator 是 requestPath 的路径分隔符。
const Separator = "/"

var (
	// ErrNodeNotFound 表示按路径或 id 查询的节点不存在。
	ErrNodeNotFound = errors.New("browse node not found")
	// ErrNodeConflict 表示并发写入方先一步创建了同一 (repository, requestPath) 节点。
	ErrNodeConflict = errors.New("browse node uniqueness conflict")
)

// Node 是单个仓库路径树中的一个条目。
type Node struct {
	ID           int64
	RepositoryID int
	Format       string
	// RequestPath 总以 "/" 开头，非叶子节点以 "/" 结尾。
	RequestPath string
	DisplayName string
	// ParentID 仅根节点为 nil。
	ParentID     *int64
	Leaf         bool
	ComponentRef string
	AssetRef     string
	PackageURL   string
	// AssetCount 统计位于该节点及其之下的资产数量。
	AssetCount  int64
	LastUpdated time.Time
}

// HasContent 表示节点是否引用了组件或资产；纯目录节点两者皆无。
func (n Node) HasContent() bool {
	return n.ComponentRef != "" || n.AssetRef != ""
}

// Filter 是下推到查询层的权限过滤条件。Predicate 为空表示不做限制；
// Match 在无法执行 SQL 的会话实现中对内容节点求值同一条件。
type Filter interface {
	Predicate() (string, map[string]any)
	Match(path, format string) bool
}

// ChildQuery 描述一次分页的子节点查询，按 id 升序翻页。
type ChildQuery struct {
	RepositoryID int
	// ParentID 为 nil 时查询根节点。
	ParentID *int64
	AfterID  int64
	Limit    int
	Filter   Filter
}

// Session 是持久化会话的事务边界。
type Session interface {
	Begin(ctx context.Context) (Tx, error)
}

// ReadSession 是可选扩展：实现者为只读查询提供无需加锁的快照事务。
type ReadSession interface {
	BeginRead(ctx context.Context) (Tx, error)
}

// Tx 暴露路径树所需的全部持久化原语，所有调用在同一事务内执行。
type Tx interface {
	// Merge 按 (RepositoryID, RequestPath) 插入或更新节点并返回 id。
	// 唯一键竞争时返回 ErrNodeConflict。
	Merge(ctx context.Context, node *Node) (int64, error)
	FindByPath(ctx context.Context, repositoryID int, requestPath string) (*Node, error)
	FindByID(ctx context.Context, id int64) (*Node, error)
	Children(ctx context.Context, q ChildQuery) ([]Node, error)
	// LockNode 读取节点并在事务结束前阻止并发修改。
	LockNode(ctx context.Context, id int64) (*Node, error)
	DeleteNodes(ctx context.Context, ids []int64) (int64, error)
	// DeleteLeaf 删除匹配路径且引用 ref 的节点，返回被删除的节点。
	DeleteLeaf(ctx context.Context, repositoryID int, requestPath, ref string) (*Node, error)
	// RecountAssets 重新统计节点及其之下的资产数量。
	RecountAssets(ctx context.Context, id int64) error
	DeleteRepositoryBatch(ctx context.Context, repositoryID int, limit int) (int64, error)
	// DeleteDanglingBatch 删除无内容引用且无子节点的节点。
	DeleteDanglingBatch(ctx context.Context, repositoryID int, limit int) (int64, error)
	Commit() error
	Rollback() error
}
