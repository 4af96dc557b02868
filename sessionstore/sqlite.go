package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-utils/v2/pathutil"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS upload_sessions (
	task_id      TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL,
	file_path    TEXT NOT NULL,
	file_name    TEXT NOT NULL,
	file_size    INTEGER NOT NULL,
	content_type TEXT NOT NULL,
	chunk_size   INTEGER NOT NULL,
	total_chunks INTEGER NOT NULL,
	parent_id    INTEGER NOT NULL,
	public       INTEGER NOT NULL,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
)`

const sessionColumns = `task_id, session_id, file_path, file_name, file_size, content_type,
	chunk_size, total_chunks, parent_id, public, created_at, updated_at`

// SQLiteStore keeps sessions in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path. ":memory:" opens a private in-memory database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path must not be empty")
	}

	dsn := path
	if path != ":memory:" {
		absPath, err := pathutil.NewPathModifier().AbsPath(path)
		if err != nil {
			return nil, fmt.Errorf("resolve sqlite path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0700); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		dsn = "file:" + absPath
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save ...
func (s *SQLiteStore) Save(ctx context.Context, session Session) error {
	if err := session.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upload_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			session_id = excluded.session_id,
			file_path = excluded.file_path,
			file_name = excluded.file_name,
			file_size = excluded.file_size,
			content_type = excluded.content_type,
			chunk_size = excluded.chunk_size,
			total_chunks = excluded.total_chunks,
			parent_id = excluded.parent_id,
			public = excluded.public,
			updated_at = excluded.updated_at
	`,
		session.TaskID, session.SessionID, session.FilePath, session.FileName, session.FileSize, session.ContentType,
		session.ChunkSize, session.TotalChunks, session.ParentID, boolToInt(session.Public),
		session.CreatedAt.UnixNano(), session.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session[%s]: %w", session.TaskID, err)
	}
	return nil
}

// Load ...
func (s *SQLiteStore) Load(ctx context.Context, taskID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE task_id = ?`, taskID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to load session[%s]: %w", taskID, err)
	}
	return session, nil
}

// List ...
func (s *SQLiteStore) List(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM upload_sessions ORDER BY created_at, task_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return sessions, nil
}

// Delete ...
func (s *SQLiteStore) Delete(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM upload_sessions WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("failed to delete session[%s]: %w", taskID, err)
	}
	return nil
}

// Close ...
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (Session, error) {
	var session Session
	var public int
	var createdAt, updatedAt int64
	err := row.Scan(
		&session.TaskID, &session.SessionID, &session.FilePath, &session.FileName, &session.FileSize, &session.ContentType,
		&session.ChunkSize, &session.TotalChunks, &session.ParentID, &public, &createdAt, &updatedAt,
	)
	if err != nil {
		return Session{}, err
	}
	session.Public = public != 0
	session.CreatedAt = time.Unix(0, createdAt).UTC()
	session.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return session, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
