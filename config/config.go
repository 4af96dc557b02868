// Package config reads the uploader configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bytevault-io/go-uploader/backoff"
	"github.com/bytevault-io/go-uploader/chunkplan"
	"github.com/bytevault-io/go-uploader/protocol"
	"github.com/bytevault-io/go-uploader/scheduler"
	"github.com/docker/go-units"
)

// Environment variable names.
const (
	APIURLKey            = "BYTEVAULT_API_URL"
	TokenKey             = protocol.DefaultTokenKey
	TokenFileKey         = "BYTEVAULT_TOKEN_FILE"
	BackendKey           = "BYTEVAULT_BACKEND"
	ChunkSizeKey         = "BYTEVAULT_CHUNK_SIZE"
	ConcurrencyKey       = "BYTEVAULT_CONCURRENCY"
	MaxAttemptsKey       = "BYTEVAULT_MAX_ATTEMPTS"
	RetryUnitKey         = "BYTEVAULT_RETRY_UNIT"
	RequestTimeoutKey    = "BYTEVAULT_REQUEST_TIMEOUT"
	CompleteTimeoutKey   = "BYTEVAULT_COMPLETE_TIMEOUT"
	HungThresholdKey     = "BYTEVAULT_HUNG_THRESHOLD"
	RequestsPerSecondKey = "BYTEVAULT_REQUESTS_PER_SECOND"
	CompressKey          = "BYTEVAULT_COMPRESS"
	SessionStoreKey      = "BYTEVAULT_SESSION_STORE"
	S3BucketKey          = "BYTEVAULT_S3_BUCKET"
	S3RegionKey          = "BYTEVAULT_S3_REGION"
	S3AccessKeyIDKey     = "BYTEVAULT_S3_ACCESS_KEY_ID"
	S3SecretKeyKey       = "BYTEVAULT_S3_SECRET_ACCESS_KEY"
	S3EndpointKey        = "BYTEVAULT_S3_ENDPOINT"
	S3PrefixKey          = "BYTEVAULT_S3_PREFIX"
	VerboseKey           = "BYTEVAULT_VERBOSE"
)

// Backend selects the remote store implementation.
type Backend string

// Backends ...
const (
	BackendHTTP Backend = "http"
	BackendS3   Backend = "s3"
)

// Secret is a string that is masked when printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// S3Config ...
type S3Config struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey Secret
	Endpoint        string
	Prefix          string
}

// Config ...
type Config struct {
	APIURL    string
	Token     Secret
	TokenFile string
	Backend   Backend

	ChunkSize         int64
	Concurrency       int
	MaxAttempts       int
	RetryUnit         time.Duration
	RequestTimeout    time.Duration
	CompleteTimeout   time.Duration
	HungThreshold     time.Duration
	RequestsPerSecond float64
	Compress          bool

	// SessionStore is a sessionstore location, empty when sessions are not persisted.
	SessionStore string
	S3           S3Config
	Verbose      bool
}

// Default returns the configuration used for unset variables.
func Default() Config {
	return Config{
		Backend:         BackendHTTP,
		ChunkSize:       chunkplan.DefaultChunkSize,
		Concurrency:     scheduler.DefaultConcurrency,
		MaxAttempts:     backoff.DefaultMaxAttempts,
		RetryUnit:       time.Second,
		RequestTimeout:  protocol.DefaultRequestTimeout,
		CompleteTimeout: protocol.DefaultCompleteTimeout,
		HungThreshold:   30 * time.Second,
	}
}

type loader struct {
	repo env.Repository
	errs []string
}

func (l *loader) get(key string) string {
	return strings.TrimSpace(l.repo.Get(key))
}

func (l *loader) fail(key, value string, err error) {
	l.errs = append(l.errs, fmt.Sprintf("%s=%q: %s", key, value, err))
}

func (l *loader) int(key string, target *int, min int) {
	value := l.get(key)
	if value == "" {
		return
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		l.fail(key, value, errors.New("not an integer"))
		return
	}
	if n < min {
		l.fail(key, value, fmt.Errorf("must be at least %d", min))
		return
	}
	*target = n
}

func (l *loader) duration(key string, target *time.Duration, allowZero bool) {
	value := l.get(key)
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		l.fail(key, value, err)
		return
	}
	if d < 0 || (d == 0 && !allowZero) {
		l.fail(key, value, errors.New("must be positive"))
		return
	}
	*target = d
}

func (l *loader) bool(key string, target *bool) {
	value := l.get(key)
	if value == "" {
		return
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		l.fail(key, value, errors.New("not a boolean"))
		return
	}
	*target = b
}

// Load reads the configuration from repo and validates it.
func Load(repo env.Repository) (Config, error) {
	cfg := Default()
	l := &loader{repo: repo}

	cfg.APIURL = l.get(APIURLKey)
	cfg.Token = Secret(l.get(TokenKey))
	cfg.TokenFile = l.get(TokenFileKey)
	cfg.SessionStore = l.get(SessionStoreKey)

	if value := l.get(BackendKey); value != "" {
		switch Backend(strings.ToLower(value)) {
		case BackendHTTP, BackendS3:
			cfg.Backend = Backend(strings.ToLower(value))
		default:
			l.fail(BackendKey, value, errors.New("must be http or s3"))
		}
	}

	if value := l.get(ChunkSizeKey); value != "" {
		size, err := units.RAMInBytes(value)
		switch {
		case err != nil:
			l.fail(ChunkSizeKey, value, err)
		case size <= 0 || size > chunkplan.MaxChunkSize:
			l.fail(ChunkSizeKey, value, fmt.Errorf("must be between 1 byte and %s", units.BytesSize(float64(chunkplan.MaxChunkSize))))
		default:
			cfg.ChunkSize = size
		}
	}

	l.int(ConcurrencyKey, &cfg.Concurrency, 1)
	l.int(MaxAttemptsKey, &cfg.MaxAttempts, 1)
	l.duration(RetryUnitKey, &cfg.RetryUnit, false)
	if !cfg.Backoff().Bounded() {
		l.fail(MaxAttemptsKey, strconv.Itoa(cfg.MaxAttempts), fmt.Errorf("retry delays would exceed %s with %s=%s", backoff.MaxDelay, RetryUnitKey, cfg.RetryUnit))
	}
	l.duration(RequestTimeoutKey, &cfg.RequestTimeout, false)
	l.duration(CompleteTimeoutKey, &cfg.CompleteTimeout, false)
	l.duration(HungThresholdKey, &cfg.HungThreshold, true)
	l.bool(CompressKey, &cfg.Compress)
	l.bool(VerboseKey, &cfg.Verbose)

	if value := l.get(RequestsPerSecondKey); value != "" {
		rps, err := strconv.ParseFloat(value, 64)
		if err != nil || rps < 0 {
			l.fail(RequestsPerSecondKey, value, errors.New("must be a non-negative number"))
		} else {
			cfg.RequestsPerSecond = rps
		}
	}

	cfg.S3 = S3Config{
		Bucket:          l.get(S3BucketKey),
		Region:          l.get(S3RegionKey),
		AccessKeyID:     l.get(S3AccessKeyIDKey),
		SecretAccessKey: Secret(l.get(S3SecretKeyKey)),
		Endpoint:        l.get(S3EndpointKey),
		Prefix:          l.get(S3PrefixKey),
	}

	switch cfg.Backend {
	case BackendHTTP:
		if cfg.APIURL == "" {
			l.errs = append(l.errs, fmt.Sprintf("%s is required for the http backend", APIURLKey))
		} else if u, err := url.Parse(cfg.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
			l.fail(APIURLKey, cfg.APIURL, errors.New("not an absolute URL"))
		}
	case BackendS3:
		if cfg.S3.Bucket == "" || cfg.S3.Region == "" {
			l.errs = append(l.errs, fmt.Sprintf("%s and %s are required for the s3 backend", S3BucketKey, S3RegionKey))
		}
	}

	if len(l.errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration:\n- %s", strings.Join(l.errs, "\n- "))
	}
	return cfg, nil
}

// Print logs the configuration with secrets masked.
func (c Config) Print(logger log.Logger) {
	logger.Infof("Configuration:")
	lines := [][2]string{
		{"backend", string(c.Backend)},
		{"api_url", c.APIURL},
		{"token", c.Token.String()},
		{"token_file", c.TokenFile},
		{"chunk_size", units.BytesSize(float64(c.ChunkSize))},
		{"concurrency", strconv.Itoa(c.Concurrency)},
		{"max_attempts", strconv.Itoa(c.MaxAttempts)},
		{"retry_unit", c.RetryUnit.String()},
		{"request_timeout", c.RequestTimeout.String()},
		{"complete_timeout", c.CompleteTimeout.String()},
		{"hung_threshold", c.HungThreshold.String()},
		{"requests_per_second", strconv.FormatFloat(c.RequestsPerSecond, 'f', -1, 64)},
		{"compress", strconv.FormatBool(c.Compress)},
		{"session_store", c.SessionStore},
	}
	if c.Backend == BackendS3 {
		lines = append(lines,
			[2]string{"s3_bucket", c.S3.Bucket},
			[2]string{"s3_region", c.S3.Region},
			[2]string{"s3_access_key_id", c.S3.AccessKeyID},
			[2]string{"s3_secret_access_key", c.S3.SecretAccessKey.String()},
			[2]string{"s3_endpoint", c.S3.Endpoint},
			[2]string{"s3_prefix", c.S3.Prefix},
		)
	}
	for _, line := range lines {
		value := line[1]
		if value == "" {
			value = "<unset>"
		}
		logger.Printf("- %s: %s", line[0], value)
	}
}

// Backoff ...
func (c Config) Backoff() backoff.Policy {
	return backoff.Policy{MaxAttempts: c.MaxAttempts, Unit: c.RetryUnit, Jitter: true}
}

// SchedulerConfig ...
func (c Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Concurrency:       c.Concurrency,
		Backoff:           c.Backoff(),
		HungThreshold:     c.HungThreshold,
		RequestsPerSecond: c.RequestsPerSecond,
	}
}

// TokenStore returns where the access token is kept: the token file when configured, else the environment.
// A token given in the environment is copied into the token file.
func (c Config) TokenStore(repo env.Repository) (protocol.TokenStore, error) {
	if c.TokenFile == "" {
		return protocol.NewEnvTokenStore(repo, TokenKey), nil
	}

	store := protocol.NewFileTokenStore(c.TokenFile)
	if c.Token != "" {
		if err := store.SetToken(string(c.Token)); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// HTTPClientConfig ...
func (c Config) HTTPClientConfig(tokens protocol.TokenStore) protocol.HTTPClientConfig {
	return protocol.HTTPClientConfig{
		BaseURL:         c.APIURL,
		Tokens:          tokens,
		RequestTimeout:  c.RequestTimeout,
		CompleteTimeout: c.CompleteTimeout,
		Compress:        c.Compress,
	}
}

// S3ClientConfig ...
func (c Config) S3ClientConfig() protocol.S3ClientConfig {
	return protocol.S3ClientConfig{
		Bucket:          c.S3.Bucket,
		Region:          c.S3.Region,
		AccessKeyID:     c.S3.AccessKeyID,
		SecretAccessKey: string(c.S3.SecretAccessKey),
		Endpoint:        c.S3.Endpoint,
		Prefix:          c.S3.Prefix,
		CompleteTimeout: c.CompleteTimeout,
	}
}
