package protocol

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bytevault-io/go-uploader/internal/testserver"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, baseURL string, tokens TokenStore, modify func(*HTTPClientConfig)) *HTTPClient {
	t.Helper()

	config := HTTPClientConfig{
		BaseURL:         baseURL,
		Tokens:          tokens,
		RequestTimeout:  5 * time.Second,
		CompleteTimeout: 5 * time.Second,
		RetryMax:        1,
	}
	if modify != nil {
		modify(&config)
	}
	client, err := NewHTTPClient(config, log.NewLogger())
	require.NoError(t, err)
	return client
}

func uploadAll(t *testing.T, client *HTTPClient, sessionID string, data []byte, chunkSize int) int {
	t.Helper()

	total := 0
	for start := 0; start < len(data); start += chunkSize {
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		err := client.UploadChunk(context.Background(), sessionID, total, bytes.NewReader(data[start:end]), int64(end-start))
		require.NoError(t, err)
		total++
	}
	return total
}

func TestHTTPClient_FullUpload(t *testing.T) {
	server := testserver.New("secret")
	defer server.Close()

	tokens := NewFileTokenStore(filepath.Join(t.TempDir(), "token"))
	require.NoError(t, tokens.SetToken("secret"))
	client := newTestClient(t, server.URL, tokens, nil)

	data := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	sessionID, err := client.Init(context.Background(), InitRequest{
		FileName:    "letters.txt",
		FileSize:    int64(len(data)),
		ContentType: "text/plain",
		Destination: Destination{ParentID: 7, Public: true},
	})
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	uploaded, err := client.ListUploaded(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Empty(t, uploaded)

	total := uploadAll(t, client, sessionID, data, 10)
	assert.Equal(t, 4, total)

	uploaded, err = client.ListUploaded(context.Background(), sessionID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, uploaded)

	record, err := client.Complete(context.Background(), sessionID, total)
	require.NoError(t, err)
	assert.Equal(t, "letters.txt", record.FileName)
	assert.NotEmpty(t, record.FileID)

	session, ok := server.Session(sessionID)
	require.True(t, ok)
	assert.True(t, session.Completed)
	assert.Equal(t, data, session.Merged)
	assert.Equal(t, int64(7), session.ParentID)
	assert.True(t, session.Public)
	assert.Equal(t, "text/plain", session.FileType)

	for _, header := range server.AuthHeaders() {
		assert.Equal(t, "Bearer secret", header)
	}
}

func TestHTTPClient_CompressedChunks(t *testing.T) {
	server := testserver.New("")
	defer server.Close()

	client := newTestClient(t, server.URL, nil, func(c *HTTPClientConfig) { c.Compress = true })

	data := bytes.Repeat([]byte("compressible "), 100)
	sessionID, err := client.Init(context.Background(), InitRequest{FileName: "repeat.txt", FileSize: int64(len(data))})
	require.NoError(t, err)

	total := uploadAll(t, client, sessionID, data, 512)
	_, err = client.Complete(context.Background(), sessionID, total)
	require.NoError(t, err)

	session, ok := server.Session(sessionID)
	require.True(t, ok)
	assert.Equal(t, data, session.Merged)
}

func TestHTTPClient_InitErrors(t *testing.T) {
	server := testserver.New("")
	defer server.Close()
	client := newTestClient(t, server.URL, nil, nil)

	t.Run("non-positive size is rejected before any request", func(t *testing.T) {
		_, err := client.Init(context.Background(), InitRequest{FileName: "empty.txt", FileSize: 0})
		var initErr *SessionInitError
		require.True(t, errors.As(err, &initErr))
		assert.Equal(t, "empty.txt", initErr.FileName)
		assert.Equal(t, 0, server.InitCalls())
	})

	t.Run("store failure", func(t *testing.T) {
		_, err := client.Init(context.Background(), InitRequest{FileName: "", FileSize: 10})
		var initErr *SessionInitError
		require.True(t, errors.As(err, &initErr))
		var httpErr *HTTPError
		require.True(t, errors.As(err, &httpErr))
		assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
		assert.Equal(t, "invalid file parameters", httpErr.Message)
	})
}

func TestHTTPClient_EnvelopeRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":500,"message":"quota exceeded"}`))
	}))
	defer server.Close()
	client := newTestClient(t, server.URL, nil, nil)

	_, err := client.Init(context.Background(), InitRequest{FileName: "a.bin", FileSize: 1})
	var initErr *SessionInitError
	require.True(t, errors.As(err, &initErr))
	assert.Contains(t, err.Error(), "quota exceeded")

	err = client.UploadChunk(context.Background(), "s", 3, bytes.NewReader([]byte("x")), 1)
	var chunkErr *ChunkUploadError
	require.True(t, errors.As(err, &chunkErr))
	assert.Equal(t, 3, chunkErr.Index)
}

func TestHTTPClient_UploadChunkFailure(t *testing.T) {
	server := testserver.New("")
	defer server.Close()
	server.ChunkStatus = func(index, call int) int {
		if index == 1 {
			return http.StatusServiceUnavailable
		}
		return 0
	}
	client := newTestClient(t, server.URL, nil, nil)

	sessionID, err := client.Init(context.Background(), InitRequest{FileName: "a.bin", FileSize: 4})
	require.NoError(t, err)

	require.NoError(t, client.UploadChunk(context.Background(), sessionID, 0, bytes.NewReader([]byte("ab")), 2))

	err = client.UploadChunk(context.Background(), sessionID, 1, bytes.NewReader([]byte("cd")), 2)
	var chunkErr *ChunkUploadError
	require.True(t, errors.As(err, &chunkErr))
	assert.Equal(t, 1, chunkErr.Index)
	assert.Equal(t, map[int]int{0: 1, 1: 1}, server.UploadCalls())
}

func TestHTTPClient_UploadChunkSizeMismatch(t *testing.T) {
	server := testserver.New("")
	defer server.Close()
	client := newTestClient(t, server.URL, nil, nil)

	err := client.UploadChunk(context.Background(), "upload-1", 0, bytes.NewReader([]byte("abc")), 5)
	var chunkErr *ChunkUploadError
	require.True(t, errors.As(err, &chunkErr))
	assert.Empty(t, server.UploadCalls())
}

func TestHTTPClient_CompleteClassification(t *testing.T) {
	tests := []struct {
		name        string
		delay       time.Duration
		status      int
		uploadAll   bool
		wantTimeout bool
	}{
		{name: "deadline exceeded", delay: 500 * time.Millisecond, uploadAll: true, wantTimeout: true},
		{name: "gateway timeout", status: http.StatusGatewayTimeout, uploadAll: true, wantTimeout: true},
		{name: "request timeout", status: http.StatusRequestTimeout, uploadAll: true, wantTimeout: true},
		{name: "missing chunk", uploadAll: false, wantTimeout: false},
		{name: "bad request", status: http.StatusBadRequest, uploadAll: true, wantTimeout: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := testserver.New("")
			defer server.Close()
			server.CompleteDelay = tt.delay
			server.CompleteStatus = tt.status

			client := newTestClient(t, server.URL, nil, func(c *HTTPClientConfig) {
				c.CompleteTimeout = 100 * time.Millisecond
			})

			data := []byte("abcdef")
			sessionID, err := client.Init(context.Background(), InitRequest{FileName: "abc.txt", FileSize: int64(len(data))})
			require.NoError(t, err)
			if tt.uploadAll {
				uploadAll(t, client, sessionID, data, 4)
			} else {
				require.NoError(t, client.UploadChunk(context.Background(), sessionID, 0, bytes.NewReader(data[:4]), 4))
			}

			_, err = client.Complete(context.Background(), sessionID, 2)
			require.Error(t, err)
			assert.Equal(t, tt.wantTimeout, IsCompletionTimeout(err))
			if !tt.wantTimeout {
				var rejected *CompletionRejectedError
				require.True(t, errors.As(err, &rejected))
				assert.Equal(t, sessionID, rejected.SessionID)
			}
		})
	}
}

func TestHTTPClient_UnauthorizedClearsToken(t *testing.T) {
	server := testserver.New("expected")
	defer server.Close()

	tokens := NewFileTokenStore(filepath.Join(t.TempDir(), "token"))
	require.NoError(t, tokens.SetToken("stale"))
	client := newTestClient(t, server.URL, tokens, nil)

	_, err := client.Init(context.Background(), InitRequest{FileName: "a.bin", FileSize: 1})
	require.True(t, errors.Is(err, ErrUnauthorized))

	token, err := tokens.Token()
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestHTTPClient_ExpiredTokenIsNotSent(t *testing.T) {
	server := testserver.New("")
	defer server.Close()

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "42",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("signing-key"))
	require.NoError(t, err)

	tokens := NewFileTokenStore(filepath.Join(t.TempDir(), "token"))
	require.NoError(t, tokens.SetToken(expired))
	client := newTestClient(t, server.URL, tokens, nil)

	_, err = client.Init(context.Background(), InitRequest{FileName: "a.bin", FileSize: 1})
	require.True(t, errors.Is(err, ErrUnauthorized))
	assert.Equal(t, 0, server.InitCalls())
	assert.Empty(t, server.AuthHeaders())

	token, err := tokens.Token()
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestNewHTTPClient_InvalidConfig(t *testing.T) {
	_, err := NewHTTPClient(HTTPClientConfig{BaseURL: "  "}, log.NewLogger())
	require.Error(t, err)
}
