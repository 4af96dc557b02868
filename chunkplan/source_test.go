package chunkplan

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan_Section(t *testing.T) {
	src := NewBytesSource("data.bin", "application/octet-stream", []byte("0123456789"))
	plan, err := New(src.Size(), 4)
	require.NoError(t, err)

	var all []byte
	for i := 0; i < plan.TotalChunks; i++ {
		section, err := plan.Section(src, i)
		require.NoError(t, err)

		data, err := io.ReadAll(section)
		require.NoError(t, err)
		all = append(all, data...)
	}
	assert.Equal(t, "0123456789", string(all))

	_, err = plan.Section(src, 3)
	require.Error(t, err)
}

func TestPlan_Section_SizeMismatch(t *testing.T) {
	src := NewBytesSource("data.bin", "", []byte("0123"))
	plan, err := New(10, 4)
	require.NoError(t, err)

	_, err = plan.Section(src, 0)
	require.Error(t, err)
}

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello chunks"), 0600))

	src, err := OpenFile(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, src.Close())
	}()

	assert.Equal(t, "notes.txt", src.Name())
	assert.Equal(t, int64(12), src.Size())
	assert.Contains(t, src.ContentType(), "text/plain")
	assert.Equal(t, path, src.Path())

	plan, err := New(src.Size(), 5)
	require.NoError(t, err)
	section, err := plan.Section(src, 2)
	require.NoError(t, err)
	data, err := io.ReadAll(section)
	require.NoError(t, err)
	assert.Equal(t, "ks", string(data))
}

func TestOpenFile_Errors(t *testing.T) {
	_, err := OpenFile(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	_, err = OpenFile(t.TempDir())
	require.Error(t, err)
}
