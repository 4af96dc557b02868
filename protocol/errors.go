package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrUnauthorized is returned when the store rejects the access token.
var ErrUnauthorized = errors.New("unauthorized: the access token is missing, invalid or expired")

// SessionInitError is a rejected session initialization. It is fatal to the task and never retried.
type SessionInitError struct {
	FileName string
	Err      error
}

func (e *SessionInitError) Error() string {
	return fmt.Sprintf("init upload session for %s: %s", e.FileName, e.Err)
}

// Unwrap ...
func (e *SessionInitError) Unwrap() error {
	return e.Err
}

// ChunkUploadError is a failed attempt to upload one chunk. It is retried per the backoff policy.
type ChunkUploadError struct {
	Index int
	Err   error
}

func (e *ChunkUploadError) Error() string {
	return fmt.Sprintf("upload chunk %d: %s", e.Index, e.Err)
}

// Unwrap ...
func (e *ChunkUploadError) Unwrap() error {
	return e.Err
}

// CompletionTimeoutError means the merge request did not answer in time. The merge may still succeed.
type CompletionTimeoutError struct {
	SessionID string
	Err       error
}

func (e *CompletionTimeoutError) Error() string {
	return fmt.Sprintf("complete upload session %s timed out: %s", e.SessionID, e.Err)
}

// Unwrap ...
func (e *CompletionTimeoutError) Unwrap() error {
	return e.Err
}

// CompletionRejectedError means the store explicitly refused to merge the session.
type CompletionRejectedError struct {
	SessionID string
	Err       error
}

func (e *CompletionRejectedError) Error() string {
	return fmt.Sprintf("complete upload session %s rejected: %s", e.SessionID, e.Err)
}

// Unwrap ...
func (e *CompletionRejectedError) Unwrap() error {
	return e.Err
}

// IsCompletionTimeout reports whether err leaves the outcome of a merge unknown.
func IsCompletionTimeout(err error) bool {
	var timeoutErr *CompletionTimeoutError
	return errors.As(err, &timeoutErr)
}

// IsTimeout reports whether err is a deadline or transport timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// HTTPError is a non-successful response of the store.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}
