package sessionstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession(taskID string, created time.Time) Session {
	return Session{
		TaskID:      taskID,
		SessionID:   "upload-" + taskID,
		FilePath:    "/data/video.mp4",
		FileName:    "video.mp4",
		FileSize:    20_000_000,
		ContentType: "video/mp4",
		ChunkSize:   6_291_456,
		TotalChunks: 4,
		ParentID:    9,
		Public:      true,
		CreatedAt:   created,
		UpdatedAt:   created.Add(time.Minute),
	}
}

func assertSessionEqual(t *testing.T, want, got Session) {
	t.Helper()

	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at: want %s, got %s", want.CreatedAt, got.CreatedAt)
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt), "updated_at: want %s, got %s", want.UpdatedAt, got.UpdatedAt)
	want.CreatedAt, want.UpdatedAt = time.Time{}, time.Time{}
	got.CreatedAt, got.UpdatedAt = time.Time{}, time.Time{}
	assert.Equal(t, want, got)
}

func runStoreTests(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := store.Load(ctx, "missing")
	require.True(t, errors.Is(err, ErrNotFound))

	second := testSession("b-"+uuid.NewString(), base.Add(time.Hour))
	first := testSession("a-"+uuid.NewString(), base)
	require.NoError(t, store.Save(ctx, second))
	require.NoError(t, store.Save(ctx, first))

	loaded, err := store.Load(ctx, first.TaskID)
	require.NoError(t, err)
	assertSessionEqual(t, first, loaded)

	sessions, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, first.TaskID, sessions[0].TaskID)
	assert.Equal(t, second.TaskID, sessions[1].TaskID)

	first.SessionID = "replaced"
	require.NoError(t, store.Save(ctx, first))
	loaded, err = store.Load(ctx, first.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "replaced", loaded.SessionID)

	require.NoError(t, store.Delete(ctx, first.TaskID))
	require.NoError(t, store.Delete(ctx, first.TaskID))
	_, err = store.Load(ctx, first.TaskID)
	assert.True(t, errors.Is(err, ErrNotFound))

	sessions, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, second.TaskID, sessions[0].TaskID)

	invalid := testSession("c", base)
	invalid.TotalChunks = 5
	assert.Error(t, store.Save(ctx, invalid))
	invalid = testSession("", base)
	assert.Error(t, store.Save(ctx, invalid))

	require.NoError(t, store.Delete(ctx, second.TaskID))
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "sessions.yml")
	store, err := NewFileStore(path)
	require.NoError(t, err)
	defer store.Close() //nolint:errcheck

	runStoreTests(t, store)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.False(t, info.IsDir())
}

func TestFileStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.yml")
	ctx := context.Background()

	store, err := NewFileStore(path)
	require.NoError(t, err)
	session := testSession("task-1", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, store.Save(ctx, session))

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	loaded, err := reopened.Load(ctx, "task-1")
	require.NoError(t, err)
	assertSessionEqual(t, session, loaded)
	assert.Equal(t, session.Plan(), loaded.Plan())
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.yml")
	require.NoError(t, os.WriteFile(path, []byte("sessions: [not, a, map"), 0600))

	store, err := NewFileStore(path)
	require.NoError(t, err)
	_, err = store.List(context.Background())
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(context.Background(), ":memory:")
	require.NoError(t, err)
	defer store.Close() //nolint:errcheck

	runStoreTests(t, store)
}

func TestSQLiteStore_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "sessions.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	session := testSession("task-1", time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC))
	require.NoError(t, store.Save(ctx, session))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer reopened.Close() //nolint:errcheck
	loaded, err := reopened.Load(ctx, "task-1")
	require.NoError(t, err)
	assertSessionEqual(t, session, loaded)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("BYTEVAULT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BYTEVAULT_TEST_REDIS_ADDR is not set")
	}

	store, err := NewRedisStore(context.Background(), RedisOptions{
		Addr:   addr,
		Prefix: "bytevault-test:" + uuid.NewString() + ":",
		TTL:    time.Minute,
	})
	require.NoError(t, err)
	defer store.Close() //nolint:errcheck

	runStoreTests(t, store)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	store, err := Open(ctx, "file:"+filepath.Join(t.TempDir(), "s.yml"))
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)

	store, err = Open(ctx, "sqlite::memory:")
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, store)
	require.NoError(t, store.Close())

	_, err = Open(ctx, "mongodb://localhost")
	assert.Error(t, err)

	_, err = NewFileStore("")
	assert.Error(t, err)
}

func TestSession_Validate(t *testing.T) {
	session := testSession("t", time.Now())
	require.NoError(t, session.Validate())

	session.ChunkSize = 0
	assert.Error(t, session.Validate())

	session = testSession("t", time.Now())
	session.SessionID = ""
	assert.Error(t, session.Validate())
}
