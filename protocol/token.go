package protocol

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenKey is the variable name EnvTokenStore keeps the token under.
const DefaultTokenKey = "BYTEVAULT_TOKEN"

// TokenStore persists the access token between runs, the way a browser keeps it in local storage.
type TokenStore interface {
	// Token returns the stored token, or "" when there is none.
	Token() (string, error)
	SetToken(token string) error
	Clear() error
}

// EnvTokenStore keeps the token in an environment repository.
type EnvTokenStore struct {
	repo env.Repository
	key  string
}

// NewEnvTokenStore ...
func NewEnvTokenStore(repo env.Repository, key string) EnvTokenStore {
	if key == "" {
		key = DefaultTokenKey
	}
	return EnvTokenStore{repo: repo, key: key}
}

// Token ...
func (s EnvTokenStore) Token() (string, error) {
	return strings.TrimSpace(s.repo.Get(s.key)), nil
}

// SetToken ...
func (s EnvTokenStore) SetToken(token string) error {
	return s.repo.Set(s.key, token)
}

// Clear ...
func (s EnvTokenStore) Clear() error {
	return s.repo.Unset(s.key)
}

// FileTokenStore keeps the token in a file readable only by the current user.
type FileTokenStore struct {
	path string
}

// NewFileTokenStore ...
func NewFileTokenStore(path string) FileTokenStore {
	return FileTokenStore{path: path}
}

// Token ...
func (s FileTokenStore) Token() (string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SetToken ...
func (s FileTokenStore) SetToken(token string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(token), 0600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

// Clear ...
func (s FileTokenStore) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}

// TokenExpired reports whether token is a JWT whose exp claim is before now.
// Opaque tokens are never considered expired; the store decides on those.
func TokenExpired(token string, now time.Time) bool {
	if strings.Count(token, ".") != 2 {
		return false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(now)
}
