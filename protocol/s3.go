package protocol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const numListRetries = 3

// S3API is the subset of the S3 client used for multipart uploads.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
}

// S3ClientConfig ...
type S3ClientConfig struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the S3 endpoint, e.g. for MinIO. Path-style addressing is used when set.
	Endpoint string
	// Prefix is prepended to every object key.
	Prefix string
	// CompleteTimeout bounds CompleteMultipartUpload.
	// Default: 10 minutes
	CompleteTimeout time.Duration
	// ListRetryWait is the wait between ListParts retries.
	// Default: 5 seconds
	ListRetryWait time.Duration
}

// S3Client uploads chunks as the parts of an S3 multipart upload.
// Chunk index i is stored as part number i+1.
type S3Client struct {
	client          S3API
	bucket          string
	prefix          string
	completeTimeout time.Duration
	listRetryWait   time.Duration
	logger          log.Logger
}

type s3Session struct {
	Key      string `json:"k"`
	UploadID string `json:"u"`
}

// NewS3Client creates an S3Client with credentials loaded from the config or the default AWS chain.
func NewS3Client(ctx context.Context, cfg S3ClientConfig, logger log.Logger) (*S3Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("Bucket must not be empty")
	}

	awsConfig, err := loadAWSCredentials(ctx, cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3ClientWithAPI(client, cfg, logger), nil
}

// NewS3ClientWithAPI wraps an existing S3 API implementation.
func NewS3ClientWithAPI(api S3API, cfg S3ClientConfig, logger log.Logger) *S3Client {
	completeTimeout := cfg.CompleteTimeout
	if completeTimeout <= 0 {
		completeTimeout = DefaultCompleteTimeout
	}
	listRetryWait := cfg.ListRetryWait
	if listRetryWait <= 0 {
		listRetryWait = 5 * time.Second
	}

	return &S3Client{
		client:          api,
		bucket:          cfg.Bucket,
		prefix:          strings.Trim(cfg.Prefix, "/"),
		completeTimeout: completeTimeout,
		listRetryWait:   listRetryWait,
		logger:          logger,
	}
}

// Init ...
func (c *S3Client) Init(ctx context.Context, req InitRequest) (string, error) {
	if req.FileSize <= 0 {
		return "", &SessionInitError{FileName: req.FileName, Err: fmt.Errorf("file size must be positive, got %d", req.FileSize)}
	}
	if req.FileName == "" {
		return "", &SessionInitError{FileName: req.FileName, Err: fmt.Errorf("file name must not be empty")}
	}

	key := c.objectKey(req)
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}
	if req.ContentType != "" {
		input.ContentType = aws.String(req.ContentType)
	}
	if req.Destination.Public {
		input.ACL = types.ObjectCannedACLPublicRead
	}

	out, err := c.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", &SessionInitError{FileName: req.FileName, Err: err}
	}
	if out.UploadId == nil || *out.UploadId == "" {
		return "", &SessionInitError{FileName: req.FileName, Err: fmt.Errorf("no upload id in response")}
	}

	c.logger.Debugf("Created multipart upload for s3://%s/%s", c.bucket, key)
	return encodeS3Session(s3Session{Key: key, UploadID: *out.UploadId})
}

// ListUploaded ...
func (c *S3Client) ListUploaded(ctx context.Context, sessionID string) ([]int, error) {
	session, err := decodeS3Session(sessionID)
	if err != nil {
		return nil, err
	}

	parts, err := c.listPartsWithRetry(ctx, session)
	if err != nil {
		return nil, err
	}

	indices := make([]int, 0, len(parts))
	for _, part := range parts {
		indices = append(indices, int(aws.ToInt32(part.PartNumber))-1)
	}
	sort.Ints(indices)
	return indices, nil
}

// UploadChunk ...
func (c *S3Client) UploadChunk(ctx context.Context, sessionID string, index int, body io.ReadSeeker, size int64) error {
	session, err := decodeS3Session(sessionID)
	if err != nil {
		return &ChunkUploadError{Index: index, Err: err}
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return &ChunkUploadError{Index: index, Err: fmt.Errorf("rewind chunk: %w", err)}
	}

	_, err = c.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(session.Key),
		UploadId:      aws.String(session.UploadID),
		PartNumber:    aws.Int32(int32(index + 1)),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return &ChunkUploadError{Index: index, Err: err}
	}
	return nil
}

// Complete ...
func (c *S3Client) Complete(ctx context.Context, sessionID string, totalChunks int) (Record, error) {
	session, err := decodeS3Session(sessionID)
	if err != nil {
		return Record{}, &CompletionRejectedError{SessionID: sessionID, Err: err}
	}

	parts, err := c.listPartsWithRetry(ctx, session)
	if err != nil {
		return Record{}, &CompletionRejectedError{SessionID: sessionID, Err: err}
	}
	if len(parts) < totalChunks {
		return Record{}, &CompletionRejectedError{
			SessionID: sessionID,
			Err:       fmt.Errorf("store holds %d of %d parts", len(parts), totalChunks),
		}
	}

	completed := make([]types.CompletedPart, 0, len(parts))
	for _, part := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       part.ETag,
			PartNumber: part.PartNumber,
		})
	}
	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})

	ctx, cancel := context.WithTimeout(ctx, c.completeTimeout)
	defer cancel()

	out, err := c.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(c.bucket),
		Key:             aws.String(session.Key),
		UploadId:        aws.String(session.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		if IsTimeout(err) {
			return Record{}, &CompletionTimeoutError{SessionID: sessionID, Err: err}
		}
		return Record{}, &CompletionRejectedError{SessionID: sessionID, Err: err}
	}

	fileID := session.Key
	if out.VersionId != nil && *out.VersionId != "" {
		fileID = session.Key + "?versionId=" + *out.VersionId
	}
	return Record{FileID: fileID, FileName: path.Base(session.Key)}, nil
}

func (c *S3Client) listPartsWithRetry(ctx context.Context, session s3Session) ([]types.Part, error) {
	var parts []types.Part
	err := retry.Times(numListRetries).Wait(c.listRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		parts = parts[:0]
		paginator := s3.NewListPartsPaginator(c.client, &s3.ListPartsInput{
			Bucket:   aws.String(c.bucket),
			Key:      aws.String(session.Key),
			UploadId: aws.String(session.UploadID),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				var apiError smithy.APIError
				if errors.As(err, &apiError) || ctx.Err() != nil {
					return fmt.Errorf("list parts: %w", err), true
				}
				c.logger.Warnf("List parts attempt %d failed: %s", attempt+1, err)
				return fmt.Errorf("list parts: %w", err), false
			}
			parts = append(parts, page.Parts...)
		}
		return nil, true
	})
	return parts, err
}

func (c *S3Client) objectKey(req InitRequest) string {
	elems := []string{strconv.FormatInt(req.Destination.ParentID, 10), path.Base(req.FileName)}
	if c.prefix != "" {
		elems = append([]string{c.prefix}, elems...)
	}
	return path.Join(elems...)
}

func encodeS3Session(session s3Session) (string, error) {
	data, err := json.Marshal(session)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeS3Session(sessionID string) (s3Session, error) {
	data, err := base64.RawURLEncoding.DecodeString(sessionID)
	if err != nil {
		return s3Session{}, fmt.Errorf("invalid session id: %w", err)
	}

	var session s3Session
	if err := json.Unmarshal(data, &session); err != nil {
		return s3Session{}, fmt.Errorf("invalid session id: %w", err)
	}
	if session.Key == "" || session.UploadID == "" {
		return s3Session{}, fmt.Errorf("invalid session id: missing key or upload id")
	}
	return session, nil
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
