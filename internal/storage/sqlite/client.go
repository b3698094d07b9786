package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	apperrors "github.com/actor-graph/backend/pkg/errors"
	"github.com/actor-graph/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
	*Queries
}

// NewClient opens the database at dbPath with WAL journaling, enforced foreign keys and
// immediate write transactions, so concurrent writers wait on the busy timeout instead of
// failing on lock upgrades.
func NewClient(dbPath string, busyTimeoutMs int) (*Client, error) {
	if busyTimeoutMs <= 0 {
		busyTimeoutMs = 5000
	}
	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprint(busyTimeoutMs))
	params.Set("_journal_mode", "WAL")
	params.Set("_foreign_keys", "on")
	params.Set("_txlock", "immediate")
	dsn := fmt.Sprintf("file:%s?%s", dbPath, params.Encode())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db, Queries: &Queries{db: db}}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return apperrors.NewStoreUnavailable("ping database", err)
	}
	return nil
}

func (c *Client) InitSchema() error {
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// InTx runs fn inside one transaction. Any error from fn, or a failed commit, rolls back
// every write fn made.
func (c *Client) InTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewStoreUnavailable("begin transaction", err)
	}

	if err := fn(&Queries{db: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Warn("Rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewStoreUnavailable("commit transaction", err)
	}
	return nil
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds every statement the pipeline runs. It is bound either to the pool or to
// a transaction opened by InTx.
type Queries struct {
	db dbtx
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func nullString(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	scope_id TEXT NOT NULL,
	source_ref TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	raw_content TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	extraction_status TEXT NOT NULL DEFAULT 'pending',
	extraction_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE (scope_id, source_ref)
);
CREATE INDEX IF NOT EXISTS idx_documents_scope ON documents(scope_id);

CREATE TABLE IF NOT EXISTS document_tags (
	document_id TEXT NOT NULL,
	tag TEXT NOT NULL,
	PRIMARY KEY (document_id, tag),
	FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_document_tags_tag ON document_tags(tag);

CREATE TABLE IF NOT EXISTS actors (
	id TEXT PRIMARY KEY,
	scope_id TEXT NOT NULL,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	role TEXT,
	team TEXT,
	organization TEXT,
	description TEXT,
	confidence REAL NOT NULL DEFAULT 0,
	mention_count INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	last_seen_at INTEGER NOT NULL,
	UNIQUE (scope_id, type, name)
);
CREATE INDEX IF NOT EXISTS idx_actors_scope_name ON actors(scope_id, name COLLATE NOCASE);

CREATE TABLE IF NOT EXISTS suggestions (
	id TEXT PRIMARY KEY,
	scope_id TEXT NOT NULL,
	source_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	type TEXT NOT NULL,
	confidence REAL NOT NULL,
	base_confidence REAL NOT NULL,
	evidence_count INTEGER NOT NULL DEFAULT 1,
	source_docs TEXT NOT NULL DEFAULT '[]',
	contexts TEXT NOT NULL DEFAULT '[]',
	approved INTEGER NOT NULL DEFAULT 0,
	dismissed INTEGER NOT NULL DEFAULT 0,
	last_seen_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (source_id) REFERENCES actors(id) ON DELETE RESTRICT,
	FOREIGN KEY (target_id) REFERENCES actors(id) ON DELETE RESTRICT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_suggestions_active
	ON suggestions(scope_id, source_id, target_id, type) WHERE approved = 0 AND dismissed = 0;
CREATE INDEX IF NOT EXISTS idx_suggestions_scope ON suggestions(scope_id, confidence DESC);

CREATE TABLE IF NOT EXISTS relationships (
	id TEXT PRIMARY KEY,
	scope_id TEXT NOT NULL,
	source_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	type TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '',
	strength REAL NOT NULL DEFAULT 1,
	confidence REAL NOT NULL,
	approved INTEGER NOT NULL DEFAULT 1,
	source_doc_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE (scope_id, source_id, target_id, type),
	FOREIGN KEY (source_id) REFERENCES actors(id) ON DELETE RESTRICT,
	FOREIGN KEY (target_id) REFERENCES actors(id) ON DELETE RESTRICT
);
CREATE INDEX IF NOT EXISTS idx_relationships_scope ON relationships(scope_id);

CREATE TABLE IF NOT EXISTS dismissed_tuples (
	scope_id TEXT NOT NULL,
	source_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	type TEXT NOT NULL,
	dismissed_at INTEGER NOT NULL,
	PRIMARY KEY (scope_id, source_id, target_id, type),
	FOREIGN KEY (source_id) REFERENCES actors(id) ON DELETE RESTRICT,
	FOREIGN KEY (target_id) REFERENCES actors(id) ON DELETE RESTRICT
);

CREATE TABLE IF NOT EXISTS extraction_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	started_at INTEGER,
	completed_at INTEGER,
	FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE RESTRICT
);
CREATE INDEX IF NOT EXISTS idx_queue_status ON extraction_queue(status, id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_open
	ON extraction_queue(document_id) WHERE status IN ('pending', 'processing');
`
