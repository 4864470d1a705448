package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvCredentialsFetcher(t *testing.T) {
	env := map[string]string{"NIM_API_KEY": "  Bearer nvapi-secret  "}
	fetcher := NewEnvCredentialsFetcherWithLookup("NIM_API_KEY", func(k string) string { return env[k] })

	key, err := fetcher.GetAPIKey()
	require.NoError(t, err)
	assert.Equal(t, "nvapi-secret", key)

	env["NIM_API_KEY"] = ""
	_, err = fetcher.GetAPIKey()
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestEnvCredentialsFetcher_ProcessEnv(t *testing.T) {
	t.Setenv("NIM_API_KEY", "nvapi-from-env")

	key, err := NewEnvCredentialsFetcher().GetAPIKey()
	require.NoError(t, err)
	assert.Equal(t, "nvapi-from-env", key)
}

type staticFetcher struct {
	key string
	err error
}

func (s staticFetcher) GetAPIKey() (string, error) { return s.key, s.err }

func TestChain(t *testing.T) {
	t.Run("first non-empty wins", func(t *testing.T) {
		c := Chain{staticFetcher{err: ErrNoAPIKey}, staticFetcher{key: "second"}, staticFetcher{key: "third"}}
		key, err := c.GetAPIKey()
		require.NoError(t, err)
		assert.Equal(t, "second", key)
	})

	t.Run("all empty", func(t *testing.T) {
		_, err := Chain{staticFetcher{err: ErrNoAPIKey}}.GetAPIKey()
		assert.ErrorIs(t, err, ErrNoAPIKey)
	})

	t.Run("real errors are reported", func(t *testing.T) {
		_, err := Chain{staticFetcher{err: assert.AnError}}.GetAPIKey()
		assert.ErrorIs(t, err, ErrNoAPIKey)
		assert.ErrorIs(t, err, assert.AnError)
	})
}

func TestMask(t *testing.T) {
	assert.Equal(t, "nvap…cdef", Mask("nvapi-0123456789abcdef"))
	assert.Equal(t, "…", Mask("short"))
	assert.NotContains(t, Mask("nvapi-0123456789abcdef"), "0123456789")
}
