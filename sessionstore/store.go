// Package sessionstore persists upload sessions so tasks can be resumed by a later process.
package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytevault-io/go-uploader/chunkplan"
)

// ErrNotFound is returned when no session is stored for a task.
var ErrNotFound = errors.New("session not found")

// Session is everything needed to resume a task: the remote session and the fixed chunk plan.
type Session struct {
	TaskID      string    `yaml:"task_id" json:"task_id"`
	SessionID   string    `yaml:"session_id" json:"session_id"`
	FilePath    string    `yaml:"file_path" json:"file_path"`
	FileName    string    `yaml:"file_name" json:"file_name"`
	FileSize    int64     `yaml:"file_size" json:"file_size"`
	ContentType string    `yaml:"content_type,omitempty" json:"content_type,omitempty"`
	ChunkSize   int64     `yaml:"chunk_size" json:"chunk_size"`
	TotalChunks int       `yaml:"total_chunks" json:"total_chunks"`
	ParentID    int64     `yaml:"parent_id" json:"parent_id"`
	Public      bool      `yaml:"public" json:"public"`
	CreatedAt   time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt   time.Time `yaml:"updated_at" json:"updated_at"`
}

// Plan returns the chunk plan recorded with the session.
func (s Session) Plan() chunkplan.Plan {
	return chunkplan.Plan{FileSize: s.FileSize, ChunkSize: s.ChunkSize, TotalChunks: s.TotalChunks}
}

// Validate ...
func (s Session) Validate() error {
	if s.TaskID == "" {
		return errors.New("task id must not be empty")
	}
	if s.SessionID == "" {
		return errors.New("session id must not be empty")
	}
	plan, err := chunkplan.New(s.FileSize, s.ChunkSize)
	if err != nil {
		return err
	}
	if plan.TotalChunks != s.TotalChunks {
		return fmt.Errorf("total chunks %d does not match the plan (%d)", s.TotalChunks, plan.TotalChunks)
	}
	return nil
}

// Store ...
type Store interface {
	// Save inserts or replaces the session of s.TaskID.
	Save(ctx context.Context, s Session) error
	Load(ctx context.Context, taskID string) (Session, error)
	// List returns every stored session ordered by creation time.
	List(ctx context.Context) ([]Session, error)
	// Delete is a no-op for unknown task ids.
	Delete(ctx context.Context, taskID string) error
	Close() error
}

// Open opens a store from a location of the form file:<path>, sqlite:<path>, redis:<addr> or redis://<url>.
func Open(ctx context.Context, location string) (Store, error) {
	switch {
	case strings.HasPrefix(location, "file:"):
		return NewFileStore(strings.TrimPrefix(location, "file:"))
	case strings.HasPrefix(location, "sqlite:"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(location, "sqlite:"))
	case strings.HasPrefix(location, "redis://"), strings.HasPrefix(location, "rediss://"):
		return NewRedisStoreFromURL(ctx, location, DefaultRedisTTL)
	case strings.HasPrefix(location, "redis:"):
		return NewRedisStore(ctx, RedisOptions{Addr: strings.TrimPrefix(location, "redis:")})
	default:
		return nil, fmt.Errorf("unsupported session store location: %q", location)
	}
}
