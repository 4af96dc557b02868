package protocol

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envRepository struct {
	envVars map[string]string
}

func (repo envRepository) Get(key string) string {
	return repo.envVars[key]
}

func (repo envRepository) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo envRepository) Unset(key string) error {
	delete(repo.envVars, key)
	return nil
}

func (repo envRepository) List() []string {
	var values []string
	for k, v := range repo.envVars {
		values = append(values, k+"="+v)
	}
	return values
}

func TestEnvTokenStore(t *testing.T) {
	repo := envRepository{envVars: map[string]string{DefaultTokenKey: " abc \n"}}
	store := NewEnvTokenStore(repo, "")

	token, err := store.Token()
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	require.NoError(t, store.SetToken("def"))
	assert.Equal(t, "def", repo.envVars[DefaultTokenKey])

	require.NoError(t, store.Clear())
	token, err = store.Token()
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestFileTokenStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "token")
	store := NewFileTokenStore(path)

	token, err := store.Token()
	require.NoError(t, err)
	assert.Empty(t, token)

	require.NoError(t, store.SetToken("xyz"))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	token, err = store.Token()
	require.NoError(t, err)
	assert.Equal(t, "xyz", token)

	require.NoError(t, store.Clear())
	require.NoError(t, store.Clear())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestTokenExpired(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sign := func(claims jwt.MapClaims) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
		require.NoError(t, err)
		return token
	}

	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{name: "opaque token", token: "plain-api-token", want: false},
		{name: "malformed jwt", token: "a.b.c", want: false},
		{name: "no exp claim", token: sign(jwt.MapClaims{"sub": "1"}), want: false},
		{name: "expired", token: sign(jwt.MapClaims{"exp": now.Add(-time.Minute).Unix()}), want: true},
		{name: "valid", token: sign(jwt.MapClaims{"exp": now.Add(time.Hour).Unix()}), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TokenExpired(tt.token, now))
		})
	}
}
