package backup

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kiliankoe/pokerdash/internal/poker"
)

// SQLiteBackend keeps snapshots in a single table keyed by session id.
type SQLiteBackend struct {
	db  *sql.DB
	now func() time.Time
}

func OpenSQLite(path string) (*SQLiteBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("empty database path")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	b := &SQLiteBackend{db: db, now: time.Now}
	if err := b.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
            id TEXT PRIMARY KEY,
            code TEXT NOT NULL,
            data TEXT NOT NULL,
            expires_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);`,
	}
	for _, stmt := range stmts {
		if _, err := b.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (b *SQLiteBackend) Save(ctx context.Context, s *poker.Session) error {
	data, err := encode(s)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
        INSERT INTO sessions (id, code, data, expires_at, updated_at) VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            code = excluded.code,
            data = excluded.data,
            expires_at = excluded.expires_at,
            updated_at = excluded.updated_at`,
		s.ID, s.Code, string(data), s.ExpiresAt.UnixMilli(), s.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, id string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// Load also prunes rows that expired while the process was down.
func (b *SQLiteBackend) Load(ctx context.Context) ([]*poker.Session, error) {
	now := b.now().UnixMilli()
	if _, err := b.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now); err != nil {
		return nil, fmt.Errorf("prune sessions: %w", err)
	}

	rows, err := b.db.QueryContext(ctx, `SELECT id, data FROM sessions ORDER BY updated_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*poker.Session
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s, err := decode([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", id, err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (b *SQLiteBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
