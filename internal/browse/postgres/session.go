// Package postgres provides a PostgreSQL-backed persistence session for the browse tree.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/browse"
	"github.com/any-hub/any-repo/internal/metrics"
)

//go:embed migrations/*.up.sql
var migrationFiles embed.FS

const uniqueViolation = "23505"

const nodeColumns = `n.id, n.repository_id, n.format, n.request_path, n.display_name, n.parent_id,
	n.leaf, n.component_ref, n.asset_ref, n.package_url, n.asset_count, n.last_updated`

// Session is a browse.Session backed by database/sql and lib/pq.
type Session struct {
	db     *sql.DB
	logger *logrus.Logger
}

// Open connects to PostgreSQL and verifies the connection.
func Open(databaseURL string, logger *logrus.Logger) (*Session, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewSession(db, logger), nil
}

// NewSession wraps an existing connection pool.
func NewSession(db *sql.DB, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Session{db: db, logger: logger}
}

// Close closes the database connection.
func (s *Session) Close() error {
	return s.db.Close()
}

// Migrate runs the embedded SQL migrations in lexical order.
func (s *Session) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrationFiles, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		s.logger.WithField("file", f).Info("running_migration")
		content, err := migrationFiles.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}
	return nil
}

// Begin implements browse.Session.
func (s *Session) Begin(ctx context.Context) (browse.Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &tx{tx: sqlTx}, nil
}

type tx struct {
	tx *sql.Tx
}

func (t *tx) Commit() error   { return t.tx.Commit() }
func (t *tx) Rollback() error { return t.tx.Rollback() }

func (t *tx) Merge(ctx context.Context, node *browse.Node) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("merge_node", time.Since(start)) }()

	var id int64
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO browse_node (repository_id, format, request_path, display_name, parent_id, leaf,
			component_ref, asset_ref, package_url, asset_count, last_updated)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), 0, $10)
		 ON CONFLICT (repository_id, request_path) DO UPDATE SET
			parent_id = EXCLUDED.parent_id,
			format = EXCLUDED.format,
			display_name = EXCLUDED.display_name,
			leaf = browse_node.leaf OR EXCLUDED.leaf,
			component_ref = COALESCE(EXCLUDED.component_ref, browse_node.component_ref),
			asset_ref = COALESCE(EXCLUDED.asset_ref, browse_node.asset_ref),
			package_url = COALESCE(EXCLUDED.package_url, browse_node.package_url),
			last_updated = GREATEST(browse_node.last_updated, EXCLUDED.last_updated)
		 RETURNING id`,
		node.RepositoryID, node.Format, node.RequestPath, node.DisplayName, nullID(node.ParentID), node.Leaf,
		node.ComponentRef, node.AssetRef, node.PackageURL, node.LastUpdated,
	).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return 0, fmt.Errorf("%w: %s", browse.ErrNodeConflict, node.RequestPath)
		}
		return 0, fmt.Errorf("upsert node: %w", err)
	}
	return id, nil
}

func (t *tx) FindByPath(ctx context.Context, repositoryID int, requestPath string) (*browse.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("find_by_path", time.Since(start)) }()

	row := t.tx.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM browse_node n WHERE n.repository_id = $1 AND n.request_path = $2`,
		repositoryID, requestPath)
	return scanOne(row)
}

func (t *tx) FindByID(ctx context.Context, id int64) (*browse.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("find_by_id", time.Since(start)) }()

	row := t.tx.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM browse_node n WHERE n.id = $1`, id)
	return scanOne(row)
}

func (t *tx) LockNode(ctx context.Context, id int64) (*browse.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("lock_node", time.Since(start)) }()

	row := t.tx.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM browse_node n WHERE n.id = $1 FOR UPDATE`, id)
	return scanOne(row)
}

func (t *tx) Children(ctx context.Context, q browse.ChildQuery) ([]browse.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("children", time.Since(start)) }()

	query, args := childrenQuery(q)
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()

	var nodes []browse.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return nodes, nil
}

// childrenQuery builds the paginated child lookup. When the filter carries a
// predicate, a node is kept only if some content-bearing node at or under it
// satisfies the predicate.
func childrenQuery(q browse.ChildQuery) (string, []any) {
	var b strings.Builder
	args := []any{q.RepositoryID}
	b.WriteString(`SELECT ` + nodeColumns + ` FROM browse_node n WHERE n.repository_id = $1`)
	if q.ParentID == nil {
		b.WriteString(` AND n.parent_id IS NULL`)
	} else {
		args = append(args, *q.ParentID)
		fmt.Fprintf(&b, ` AND n.parent_id = $%d`, len(args))
	}
	args = append(args, q.AfterID)
	fmt.Fprintf(&b, ` AND n.id > $%d`, len(args))

	if q.Filter != nil {
		if predicate, params := q.Filter.Predicate(); predicate != "" {
			bound, extra := bindNamed(predicate, params, len(args)+1)
			args = append(args, extra...)
			b.WriteString(` AND EXISTS (SELECT 1 FROM browse_node leaf
				WHERE leaf.repository_id = n.repository_id
				AND (leaf.component_ref IS NOT NULL OR leaf.asset_ref IS NOT NULL)
				AND (leaf.id = n.id OR (NOT n.leaf AND starts_with(leaf.request_path, n.request_path)))
				AND (` + bound + `))`)
		}
	}

	b.WriteString(` ORDER BY n.id`)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, ` LIMIT $%d`, len(args))
	}
	return b.String(), args
}

var namedParam = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)`)

// bindNamed rewrites :name placeholders into positional $n parameters starting
// at index first. Repeated names reuse the same position.
func bindNamed(predicate string, params map[string]any, first int) (string, []any) {
	positions := make(map[string]int)
	var args []any
	bound := namedParam.ReplaceAllStringFunc(predicate, func(match string) string {
		name := match[1:]
		if pos, ok := positions[name]; ok {
			return fmt.Sprintf("$%d", pos)
		}
		pos := first + len(args)
		positions[name] = pos
		args = append(args, params[name])
		return fmt.Sprintf("$%d", pos)
	})
	return bound, args
}

func (t *tx) DeleteNodes(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_nodes", time.Since(start)) }()

	res, err := t.tx.ExecContext(ctx, `DELETE FROM browse_node WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("delete nodes: %w", err)
	}
	return res.RowsAffected()
}

func (t *tx) DeleteLeaf(ctx context.Context, repositoryID int, requestPath, ref string) (*browse.Node, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_leaf", time.Since(start)) }()

	row := t.tx.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM browse_node n
		 WHERE n.repository_id = $1 AND n.request_path = $2
		   AND ($3 = '' OR n.component_ref = $3 OR n.asset_ref = $3)
		 FOR UPDATE`,
		repositoryID, requestPath, ref)
	node, err := scanOne(row)
	if err != nil {
		return nil, err
	}

	var hasChildren bool
	if err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM browse_node WHERE parent_id = $1)`, node.ID).Scan(&hasChildren); err != nil {
		return nil, fmt.Errorf("check children: %w", err)
	}
	if hasChildren {
		_, err = t.tx.ExecContext(ctx,
			`UPDATE browse_node SET component_ref = NULL, asset_ref = NULL, package_url = NULL WHERE id = $1`, node.ID)
	} else {
		_, err = t.tx.ExecContext(ctx, `DELETE FROM browse_node WHERE id = $1`, node.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("remove leaf: %w", err)
	}
	return node, nil
}

func (t *tx) RecountAssets(ctx context.Context, id int64) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("recount_assets", time.Since(start)) }()

	_, err := t.tx.ExecContext(ctx,
		`UPDATE browse_node n SET asset_count = (
			SELECT COUNT(*) FROM browse_node c
			WHERE c.repository_id = n.repository_id AND c.asset_ref IS NOT NULL
			  AND (c.id = n.id OR (NOT n.leaf AND starts_with(c.request_path, n.request_path))))
		 WHERE n.id = $1`, id)
	if err != nil {
		return fmt.Errorf("recount assets: %w", err)
	}
	return nil
}

func (t *tx) DeleteRepositoryBatch(ctx context.Context, repositoryID int, limit int) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_repository_batch", time.Since(start)) }()

	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM browse_node WHERE id IN (
			SELECT id FROM browse_node WHERE repository_id = $1
			ORDER BY length(request_path) DESC, id LIMIT $2)`,
		repositoryID, limit)
	if err != nil {
		return 0, fmt.Errorf("delete repository batch: %w", err)
	}
	return res.RowsAffected()
}

func (t *tx) DeleteDanglingBatch(ctx context.Context, repositoryID int, limit int) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_dangling_batch", time.Since(start)) }()

	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM browse_node WHERE id IN (
			SELECT n.id FROM browse_node n
			WHERE n.repository_id = $1 AND n.component_ref IS NULL AND n.asset_ref IS NULL
			  AND NOT EXISTS (SELECT 1 FROM browse_node c WHERE c.parent_id = n.id)
			ORDER BY n.id LIMIT $2)`,
		repositoryID, limit)
	if err != nil {
		return 0, fmt.Errorf("delete dangling batch: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(row *sql.Row) (*browse.Node, error) {
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, browse.ErrNodeNotFound
	}
	return node, err
}

func scanNode(s scanner) (*browse.Node, error) {
	var (
		node                       browse.Node
		parentID                   sql.NullInt64
		componentRef, assetRef, pu sql.NullString
	)
	if err := s.Scan(&node.ID, &node.RepositoryID, &node.Format, &node.RequestPath, &node.DisplayName,
		&parentID, &node.Leaf, &componentRef, &assetRef, &pu, &node.AssetCount, &node.LastUpdated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan node: %w", err)
	}
	if parentID.Valid {
		pid := parentID.Int64
		node.ParentID = &pid
	}
	node.ComponentRef = componentRef.String
	node.AssetRef = assetRef.String
	node.PackageURL = pu.String
	return &node, nil
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}
