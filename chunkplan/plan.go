// Package chunkplan splits a file into fixed-size chunks and reads single chunks from a local byte source.
package chunkplan

import (
	"errors"
	"fmt"
	"sort"

	"github.com/docker/go-units"
)

const (
	// DefaultChunkSize is the chunk size used when none is configured.
	DefaultChunkSize int64 = 6 * units.MiB

	// MaxChunkSize is the largest block the remote store accepts in one request.
	MaxChunkSize int64 = 100 * units.MiB
)

var (
	// ErrInvalidFileSize ...
	ErrInvalidFileSize = errors.New("file size must be positive")
	// ErrInvalidChunkSize ...
	ErrInvalidChunkSize = errors.New("chunk size must be positive")
)

// Plan describes the chunk boundaries of one file.
type Plan struct {
	FileSize    int64
	ChunkSize   int64
	TotalChunks int
}

// Range is the half-open byte range [Start, End) of a chunk.
type Range struct {
	Start int64
	End   int64
}

// Size ...
func (r Range) Size() int64 {
	return r.End - r.Start
}

// New computes the plan for a file of fileSize bytes split into chunkSize-byte chunks.
func New(fileSize, chunkSize int64) (Plan, error) {
	if fileSize <= 0 {
		return Plan{}, fmt.Errorf("%w: %d", ErrInvalidFileSize, fileSize)
	}
	if chunkSize <= 0 {
		return Plan{}, fmt.Errorf("%w: %d", ErrInvalidChunkSize, chunkSize)
	}
	if chunkSize > MaxChunkSize {
		return Plan{}, fmt.Errorf("chunk size %s exceeds the maximum block size %s",
			units.BytesSize(float64(chunkSize)), units.BytesSize(float64(MaxChunkSize)))
	}

	total := fileSize / chunkSize
	if fileSize%chunkSize != 0 {
		total++
	}

	return Plan{
		FileSize:    fileSize,
		ChunkSize:   chunkSize,
		TotalChunks: int(total),
	}, nil
}

// Range returns the byte range of the chunk at the given index.
func (p Plan) Range(index int) (Range, error) {
	if index < 0 || index >= p.TotalChunks {
		return Range{}, fmt.Errorf("chunk index %d out of range [0, %d)", index, p.TotalChunks)
	}

	start := int64(index) * p.ChunkSize
	end := start + p.ChunkSize
	if end > p.FileSize {
		end = p.FileSize
	}
	return Range{Start: start, End: end}, nil
}

// LastChunkSize returns the size of the final, possibly short, chunk.
func (p Plan) LastChunkSize() int64 {
	if p.TotalChunks == 0 {
		return 0
	}
	return p.FileSize - int64(p.TotalChunks-1)*p.ChunkSize
}

// Contains reports whether index is a valid chunk index of the plan.
func (p Plan) Contains(index int) bool {
	return index >= 0 && index < p.TotalChunks
}

// Pending returns, in ascending order, the chunk indices that are not in completed.
func (p Plan) Pending(completed map[int]struct{}) []int {
	var pending []int
	for i := 0; i < p.TotalChunks; i++ {
		if _, ok := completed[i]; !ok {
			pending = append(pending, i)
		}
	}
	return pending
}

// BytesTransferred returns the number of bytes covered by completedCount chunks, capped at the file size.
func (p Plan) BytesTransferred(completedCount int) int64 {
	n := int64(completedCount) * p.ChunkSize
	if n > p.FileSize {
		return p.FileSize
	}
	return n
}

// SortedIndices returns the keys of a chunk index set in ascending order.
func SortedIndices(set map[int]struct{}) []int {
	indices := make([]int, 0, len(set))
	for i := range set {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	return indices
}
