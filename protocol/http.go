package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/zstd"
)

const (
	// DefaultRequestTimeout bounds init, list and chunk requests.
	DefaultRequestTimeout = 15 * time.Second
	// DefaultCompleteTimeout bounds the merge request, which can take minutes for large files.
	DefaultCompleteTimeout = 10 * time.Minute

	maxErrorBodySize = 1024
)

// HTTPClientConfig ...
type HTTPClientConfig struct {
	// BaseURL is the root of the bytevault API, without the /api/files suffix.
	BaseURL string

	// Tokens provides the bearer token. Nil sends unauthenticated requests.
	Tokens TokenStore

	// RequestTimeout is the per-request timeout of init, list and chunk uploads.
	// Default: 15 seconds
	RequestTimeout time.Duration

	// CompleteTimeout is the timeout of the merge request.
	// Default: 10 minutes
	CompleteTimeout time.Duration

	// Compress sends chunk requests zstd-encoded with a Content-Encoding header.
	Compress bool

	// RetryMax is the number of transport-level retries of the idempotent list request.
	// Default: retryablehttp's default
	RetryMax int
}

type initRequestBody struct {
	FileName string `json:"filename"`
	FileSize int64  `json:"fileSize"`
	FileType string `json:"fileType"`
	ParentID int64  `json:"parentId"`
	IsPublic bool   `json:"isPublic"`
}

type completeRequestBody struct {
	TotalChunks int `json:"totalChunks"`
}

type apiResponse struct {
	Code           *int            `json:"code,omitempty"`
	Message        string          `json:"message"`
	Success        *bool           `json:"success,omitempty"`
	UploadID       string          `json:"uploadId"`
	UploadedChunks []int           `json:"uploadedChunks"`
	FileID         json.RawMessage `json:"fileId"`
	FileName       string          `json:"fileName"`
}

func (r apiResponse) rejected() error {
	if r.Code != nil && *r.Code != http.StatusOK {
		return &HTTPError{StatusCode: *r.Code, Message: r.Message}
	}
	if r.Success != nil && !*r.Success {
		return &HTTPError{StatusCode: http.StatusOK, Message: r.Message}
	}
	return nil
}

// fileID accepts both numeric and string ids.
func (r apiResponse) fileID() string {
	var id string
	if err := json.Unmarshal(r.FileID, &id); err == nil {
		return id
	}
	return string(bytes.TrimSpace(r.FileID))
}

// HTTPClient talks to the bytevault chunk upload API.
type HTTPClient struct {
	api             *retryablehttp.Client
	httpClient      *http.Client
	baseURL         string
	tokens          TokenStore
	logger          log.Logger
	requestTimeout  time.Duration
	completeTimeout time.Duration
	encoder         *zstd.Encoder
	now             func() time.Time
}

// NewHTTPClient ...
func NewHTTPClient(config HTTPClientConfig, logger log.Logger) (*HTTPClient, error) {
	if strings.TrimSpace(config.BaseURL) == "" {
		return nil, fmt.Errorf("API base URL is empty")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("parse API base URL: %w", err)
	}

	requestTimeout := config.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	completeTimeout := config.CompleteTimeout
	if completeTimeout <= 0 {
		completeTimeout = DefaultCompleteTimeout
	}

	api := retryhttp.NewClient(logger)
	if config.RetryMax > 0 {
		api.RetryMax = config.RetryMax
	}
	// Timeouts are applied per request through the context, so the merge request can outlive them.
	api.HTTPClient.Timeout = 0

	var encoder *zstd.Encoder
	if config.Compress {
		var err error
		encoder, err = zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
	}

	return &HTTPClient{
		api:             api,
		httpClient:      api.HTTPClient,
		baseURL:         strings.TrimSuffix(config.BaseURL, "/"),
		tokens:          config.Tokens,
		logger:          logger,
		requestTimeout:  requestTimeout,
		completeTimeout: completeTimeout,
		encoder:         encoder,
		now:             time.Now,
	}, nil
}

// Init ...
func (c *HTTPClient) Init(ctx context.Context, req InitRequest) (string, error) {
	if req.FileSize <= 0 {
		return "", &SessionInitError{FileName: req.FileName, Err: fmt.Errorf("file size must be positive, got %d", req.FileSize)}
	}

	body, err := json.Marshal(initRequestBody{
		FileName: req.FileName,
		FileSize: req.FileSize,
		FileType: req.ContentType,
		ParentID: req.Destination.ParentID,
		IsPublic: req.Destination.Public,
	})
	if err != nil {
		return "", &SessionInitError{FileName: req.FileName, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	response, err := c.doJSON(ctx, c.httpClient, http.MethodPost, c.url("/chunk/init"), body)
	if err != nil {
		return "", &SessionInitError{FileName: req.FileName, Err: err}
	}
	if response.UploadID == "" {
		return "", &SessionInitError{FileName: req.FileName, Err: fmt.Errorf("no uploadId in response")}
	}

	return response.UploadID, nil
}

// ListUploaded ...
func (c *HTTPClient) ListUploaded(ctx context.Context, sessionID string) ([]int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.url("/chunk/uploaded/"+url.PathEscape(sessionID)), nil)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(req.Header); err != nil {
		return nil, err
	}

	resp, err := c.api.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list uploaded chunks: %w", err)
	}
	defer c.closeBody(resp.Body)

	response, err := c.decode(resp)
	if err != nil {
		return nil, fmt.Errorf("list uploaded chunks: %w", err)
	}
	if response.UploadedChunks == nil {
		return []int{}, nil
	}
	return response.UploadedChunks, nil
}

// UploadChunk ...
func (c *HTTPClient) UploadChunk(ctx context.Context, sessionID string, index int, body io.ReadSeeker, size int64) error {
	payload, contentType, err := c.chunkForm(sessionID, index, body, size)
	if err != nil {
		return &ChunkUploadError{Index: index, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/chunk/upload"), bytes.NewReader(payload))
	if err != nil {
		return &ChunkUploadError{Index: index, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	if c.encoder != nil {
		req.Header.Set("Content-Encoding", "zstd")
	}
	req.ContentLength = int64(len(payload))
	if err := c.authorize(req.Header); err != nil {
		return &ChunkUploadError{Index: index, Err: err}
	}

	dump, err := httputil.DumpRequest(req, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Chunk request dump: %s", string(dump))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ChunkUploadError{Index: index, Err: err}
	}
	defer c.closeBody(resp.Body)

	if _, err := c.decode(resp); err != nil {
		return &ChunkUploadError{Index: index, Err: err}
	}
	return nil
}

// Complete ...
func (c *HTTPClient) Complete(ctx context.Context, sessionID string, totalChunks int) (Record, error) {
	body, err := json.Marshal(completeRequestBody{TotalChunks: totalChunks})
	if err != nil {
		return Record{}, &CompletionRejectedError{SessionID: sessionID, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.completeTimeout)
	defer cancel()

	response, err := c.doJSON(ctx, c.httpClient, http.MethodPost, c.url("/chunk/complete/"+url.PathEscape(sessionID)), body)
	if err != nil {
		var httpErr *HTTPError
		if IsTimeout(err) || (errors.As(err, &httpErr) &&
			(httpErr.StatusCode == http.StatusRequestTimeout || httpErr.StatusCode == http.StatusGatewayTimeout)) {
			return Record{}, &CompletionTimeoutError{SessionID: sessionID, Err: err}
		}
		return Record{}, &CompletionRejectedError{SessionID: sessionID, Err: err}
	}

	return Record{
		FileID:   response.fileID(),
		FileName: response.FileName,
	}, nil
}

func (c *HTTPClient) url(path string) string {
	return c.baseURL + "/api/files" + path
}

func (c *HTTPClient) doJSON(ctx context.Context, client *http.Client, method, url string, body []byte) (apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return apiResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(req.Header); err != nil {
		return apiResponse{}, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return apiResponse{}, err
	}
	defer c.closeBody(resp.Body)

	return c.decode(resp)
}

func (c *HTTPClient) authorize(header http.Header) error {
	if c.tokens == nil {
		return nil
	}

	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("read access token: %w", err)
	}
	if token == "" {
		return nil
	}
	if TokenExpired(token, c.now()) {
		c.clearToken()
		return ErrUnauthorized
	}

	header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	return nil
}

func (c *HTTPClient) clearToken() {
	if c.tokens == nil {
		return
	}
	if err := c.tokens.Clear(); err != nil {
		c.logger.Warnf("Failed to clear access token: %s", err)
	}
}

func (c *HTTPClient) decode(resp *http.Response) (apiResponse, error) {
	if resp.StatusCode == http.StatusUnauthorized {
		c.clearToken()
		return apiResponse{}, ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiResponse{}, unwrapError(resp)
	}

	var response apiResponse
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apiResponse{}, fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return response, nil
	}
	if err := json.Unmarshal(data, &response); err != nil {
		return apiResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if response.Code != nil && *response.Code == http.StatusUnauthorized {
		c.clearToken()
		return apiResponse{}, ErrUnauthorized
	}
	if err := response.rejected(); err != nil {
		return apiResponse{}, err
	}
	return response, nil
}

func (c *HTTPClient) chunkForm(sessionID string, index int, body io.ReadSeeker, size int64) ([]byte, string, error) {
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return nil, "", fmt.Errorf("rewind chunk: %w", err)
	}

	buf := &bytes.Buffer{}
	buf.Grow(int(size) + 512)
	writer := multipart.NewWriter(buf)
	if err := writer.WriteField("uploadId", sessionID); err != nil {
		return nil, "", err
	}
	if err := writer.WriteField("chunkIndex", strconv.Itoa(index)); err != nil {
		return nil, "", err
	}
	part, err := writer.CreateFormFile("chunk", "blob")
	if err != nil {
		return nil, "", err
	}
	n, err := io.Copy(part, body)
	if err != nil {
		return nil, "", fmt.Errorf("read chunk: %w", err)
	}
	if n != size {
		return nil, "", fmt.Errorf("chunk size mismatch, expected %d, got %d", size, n)
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}

	if c.encoder == nil {
		return buf.Bytes(), writer.FormDataContentType(), nil
	}
	return c.encoder.EncodeAll(buf.Bytes(), nil), writer.FormDataContentType(), nil
}

func (c *HTTPClient) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Warnf("Failed to close response body: %s", err)
	}
}

func unwrapError(resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return err
	}

	var response apiResponse
	if json.Unmarshal(data, &response) == nil && response.Message != "" {
		return &HTTPError{StatusCode: resp.StatusCode, Message: response.Message}
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}
