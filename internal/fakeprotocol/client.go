// Package fakeprotocol is a scriptable in-memory protocol.Client for tests.
package fakeprotocol

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/bytevault-io/go-uploader/protocol"
)

type session struct {
	request   protocol.InitRequest
	chunks    map[int][]byte
	completed bool
}

// Client stores sessions and chunks in memory. Hooks must be set before the client is used.
type Client struct {
	// InitFunc, when set, can fail Init.
	InitFunc func(ctx context.Context, req protocol.InitRequest) error
	// ListFunc, when set, can fail ListUploaded.
	ListFunc func(ctx context.Context, sessionID string) error
	// UploadFunc runs before a chunk is stored. call counts the requests of index, starting at 1.
	// A non-nil error fails the attempt and the chunk is not stored.
	UploadFunc func(ctx context.Context, index, call int) error
	// CompleteFunc, when set, replaces the merge.
	CompleteFunc func(ctx context.Context, sessionID string, totalChunks int) (protocol.Record, error)

	mu            sync.Mutex
	sessions      map[string]*session
	nextID        int
	uploadCalls   map[int]int
	initCalls     int
	listCalls     int
	completeCalls int
	inFlight      int
	maxInFlight   int
}

// New ...
func New() *Client {
	return &Client{
		sessions:    map[string]*session{},
		uploadCalls: map[int]int{},
	}
}

// Init ...
func (c *Client) Init(ctx context.Context, req protocol.InitRequest) (string, error) {
	c.mu.Lock()
	c.initCalls++
	c.mu.Unlock()

	if req.FileSize <= 0 {
		return "", &protocol.SessionInitError{FileName: req.FileName, Err: fmt.Errorf("invalid file size %d", req.FileSize)}
	}
	if c.InitFunc != nil {
		if err := c.InitFunc(ctx, req); err != nil {
			return "", &protocol.SessionInitError{FileName: req.FileName, Err: err}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := fmt.Sprintf("session-%d", c.nextID)
	c.sessions[id] = &session{request: req, chunks: map[int][]byte{}}
	return id, nil
}

// ListUploaded ...
func (c *Client) ListUploaded(ctx context.Context, sessionID string) ([]int, error) {
	c.mu.Lock()
	c.listCalls++
	c.mu.Unlock()

	if c.ListFunc != nil {
		if err := c.ListFunc(ctx, sessionID); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("unknown session %s", sessionID)
	}
	indices := []int{}
	for i := range s.chunks {
		indices = append(indices, i)
	}
	return indices, nil
}

// UploadChunk ...
func (c *Client) UploadChunk(ctx context.Context, sessionID string, index int, body io.ReadSeeker, size int64) error {
	c.mu.Lock()
	c.uploadCalls[index]++
	call := c.uploadCalls[index]
	c.inFlight++
	if c.inFlight > c.maxInFlight {
		c.maxInFlight = c.inFlight
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()

	data, err := io.ReadAll(body)
	if err != nil {
		return &protocol.ChunkUploadError{Index: index, Err: err}
	}
	if int64(len(data)) != size {
		return &protocol.ChunkUploadError{Index: index, Err: fmt.Errorf("size mismatch %d != %d", len(data), size)}
	}

	if c.UploadFunc != nil {
		if err := c.UploadFunc(ctx, index, call); err != nil {
			return &protocol.ChunkUploadError{Index: index, Err: err}
		}
	}
	if err := ctx.Err(); err != nil {
		return &protocol.ChunkUploadError{Index: index, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return &protocol.ChunkUploadError{Index: index, Err: fmt.Errorf("unknown session %s", sessionID)}
	}
	s.chunks[index] = data
	return nil
}

// Complete ...
func (c *Client) Complete(ctx context.Context, sessionID string, totalChunks int) (protocol.Record, error) {
	c.mu.Lock()
	c.completeCalls++
	c.mu.Unlock()

	if c.CompleteFunc != nil {
		return c.CompleteFunc(ctx, sessionID, totalChunks)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return protocol.Record{}, &protocol.CompletionRejectedError{SessionID: sessionID, Err: fmt.Errorf("unknown session")}
	}
	for i := 0; i < totalChunks; i++ {
		if _, ok := s.chunks[i]; !ok {
			return protocol.Record{}, &protocol.CompletionRejectedError{SessionID: sessionID, Err: fmt.Errorf("chunk %d missing", i)}
		}
	}
	s.completed = true
	return protocol.Record{FileID: sessionID, FileName: s.request.FileName}, nil
}

// PutChunk stores a chunk as if it had been uploaded before.
func (c *Client) PutChunk(sessionID string, index int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[sessionID]; ok {
		s.chunks[index] = data
	}
}

// Merged returns the concatenated chunks of a completed session.
func (c *Client) Merged(sessionID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok || !s.completed {
		return nil, false
	}
	var buf bytes.Buffer
	for i := 0; i < len(s.chunks); i++ {
		buf.Write(s.chunks[i])
	}
	return buf.Bytes(), true
}

// Request returns the init request of a session.
func (c *Client) Request(sessionID string) (protocol.InitRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return protocol.InitRequest{}, false
	}
	return s.request, true
}

// UploadCalls returns the number of upload requests per chunk index.
func (c *Client) UploadCalls() map[int]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	calls := make(map[int]int, len(c.uploadCalls))
	for i, n := range c.uploadCalls {
		calls[i] = n
	}
	return calls
}

// TotalUploadCalls ...
func (c *Client) TotalUploadCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for _, n := range c.uploadCalls {
		total += n
	}
	return total
}

// ResetUploadCalls ...
func (c *Client) ResetUploadCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploadCalls = map[int]int{}
}

// MaxInFlight returns the highest number of concurrent UploadChunk calls observed.
func (c *Client) MaxInFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxInFlight
}

// InitCalls ...
func (c *Client) InitCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initCalls
}

// ListCalls ...
func (c *Client) ListCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listCalls
}

// CompleteCalls ...
func (c *Client) CompleteCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completeCalls
}
