package chunkplan

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
)

// Source is the local byte source of an upload: a read-only handle on a file.
// Chunks are read through ReadAt, so concurrent chunk reads need no locking.
type Source interface {
	io.ReaderAt

	// Name returns the file name sent to the remote store.
	Name() string

	// Size returns the size of the file in bytes.
	Size() int64

	// ContentType returns the MIME type of the file.
	ContentType() string
}

// Section returns a reader over the chunk at the given index.
// The reader is seekable, so a retried request can rewind it without re-reading the file into memory.
func (p Plan) Section(src Source, index int) (*io.SectionReader, error) {
	r, err := p.Range(index)
	if err != nil {
		return nil, err
	}
	if src.Size() != p.FileSize {
		return nil, fmt.Errorf("source size %d differs from planned file size %d", src.Size(), p.FileSize)
	}
	return io.NewSectionReader(src, r.Start, r.Size()), nil
}

// FileSource reads chunks from a file on disk.
type FileSource struct {
	file        *os.File
	path        string
	name        string
	size        int64
	contentType string
}

// OpenFile opens the file at path as an upload source.
func OpenFile(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	contentType, err := detectContentType(file, path)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	return &FileSource{
		file:        file,
		path:        path,
		name:        filepath.Base(path),
		size:        info.Size(),
		contentType: contentType,
	}, nil
}

// ReadAt ...
func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

// Name ...
func (s *FileSource) Name() string {
	return s.name
}

// Size ...
func (s *FileSource) Size() int64 {
	return s.size
}

// ContentType ...
func (s *FileSource) ContentType() string {
	return s.contentType
}

// Path returns the path the source was opened from.
func (s *FileSource) Path() string {
	return s.path
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

func detectContentType(file *os.File, path string) (string, error) {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct, nil
	}

	head := make([]byte, 512)
	n, err := file.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read file header: %w", err)
	}
	return http.DetectContentType(head[:n]), nil
}

// BytesSource serves an in-memory buffer as an upload source.
type BytesSource struct {
	reader      *bytes.Reader
	name        string
	contentType string
}

// NewBytesSource ...
func NewBytesSource(name, contentType string, data []byte) *BytesSource {
	return &BytesSource{
		reader:      bytes.NewReader(data),
		name:        name,
		contentType: contentType,
	}
}

// ReadAt ...
func (s *BytesSource) ReadAt(p []byte, off int64) (int, error) {
	return s.reader.ReadAt(p, off)
}

// Name ...
func (s *BytesSource) Name() string {
	return s.name
}

// Size ...
func (s *BytesSource) Size() int64 {
	return s.reader.Size()
}

// ContentType ...
func (s *BytesSource) ContentType() string {
	return s.contentType
}
