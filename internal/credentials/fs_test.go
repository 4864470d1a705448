package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSCredentialsFetcher(t *testing.T) {
	dir := t.TempDir()

	t.Run("plain text key", func(t *testing.T) {
		path := filepath.Join(dir, "plain")
		require.NoError(t, os.WriteFile(path, []byte("nvapi-plain\n"), 0600))
		key, err := NewFSCredentialsFetcher(path).GetAPIKey()
		require.NoError(t, err)
		assert.Equal(t, "nvapi-plain", key)
	})

	t.Run("json key", func(t *testing.T) {
		path := filepath.Join(dir, "json")
		require.NoError(t, os.WriteFile(path, []byte(`{"api_key":"nvapi-json"}`), 0600))
		key, err := NewFSCredentialsFetcher(path).GetAPIKey()
		require.NoError(t, err)
		assert.Equal(t, "nvapi-json", key)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := NewFSCredentialsFetcher(filepath.Join(dir, "missing")).GetAPIKey()
		assert.ErrorIs(t, err, ErrNoAPIKey)
	})

	t.Run("malformed json", func(t *testing.T) {
		path := filepath.Join(dir, "bad")
		require.NoError(t, os.WriteFile(path, []byte(`{"api_key":`), 0600))
		_, err := NewFSCredentialsFetcher(path).GetAPIKey()
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNoAPIKey)
	})
}

func TestWriteKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deeply", "nested", "api_key")

	require.NoError(t, WriteKeyFile(path, "nvapi-written"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), dirInfo.Mode().Perm())

	key, err := NewFSCredentialsFetcher(path).GetAPIKey()
	require.NoError(t, err)
	assert.Equal(t, "nvapi-written", key)

	assert.ErrorIs(t, WriteKeyFile(path, "  "), ErrNoAPIKey)
}
