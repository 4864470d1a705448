package credentials

import (
	"os"
	"strings"
)

// EnvCredentialsFetcher retrieves the API key from an environment variable
type EnvCredentialsFetcher struct {
	Key    string
	getenv func(string) string
}

// NewEnvCredentialsFetcher creates a fetcher reading NIM_API_KEY from the process environment
func NewEnvCredentialsFetcher() *EnvCredentialsFetcher {
	return NewEnvCredentialsFetcherWithLookup("NIM_API_KEY", os.Getenv)
}

// NewEnvCredentialsFetcherWithLookup reads key through getenv. The Workers
// build uses this with the binding lookup.
func NewEnvCredentialsFetcherWithLookup(key string, getenv func(string) string) *EnvCredentialsFetcher {
	return &EnvCredentialsFetcher{Key: key, getenv: getenv}
}

// GetAPIKey retrieves the key, stripping a pasted "Bearer " prefix
func (e *EnvCredentialsFetcher) GetAPIKey() (string, error) {
	key := normalizeKey(e.getenv(e.Key))
	if key == "" {
		return "", ErrNoAPIKey
	}
	return key, nil
}

func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if len(key) >= 7 && strings.EqualFold(key[:7], "Bearer ") {
		key = strings.TrimSpace(key[7:])
	}
	return key
}
