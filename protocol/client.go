// Package protocol is the contract between the upload engine and the remote store, with an HTTP
// implementation for the bytevault API and an S3 multipart implementation.
package protocol

import (
	"context"
	"io"
)

// Destination is the container an upload lands in.
type Destination struct {
	ParentID int64
	Public   bool
}

// InitRequest describes the file of a new upload session.
type InitRequest struct {
	FileName    string
	FileSize    int64
	ContentType string
	Destination Destination
}

// Record is the stored object produced by a successful merge.
type Record struct {
	FileID   string
	FileName string
}

// Client is implemented by every remote store the engine can upload to.
// All operations must be safe to repeat: re-uploading an index overwrites the previous chunk.
type Client interface {
	// Init opens an upload session. Failures are *SessionInitError.
	Init(ctx context.Context, req InitRequest) (string, error)

	// ListUploaded returns the chunk indices the store already holds for the session.
	ListUploaded(ctx context.Context, sessionID string) ([]int, error)

	// UploadChunk sends the body of one chunk. Failures are *ChunkUploadError.
	UploadChunk(ctx context.Context, sessionID string, index int, body io.ReadSeeker, size int64) error

	// Complete asks the store to merge all chunks. Failures are *CompletionTimeoutError when the outcome
	// is unknown and *CompletionRejectedError when the store refused the merge.
	Complete(ctx context.Context, sessionID string, totalChunks int) (Record, error)
}
