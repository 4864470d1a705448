package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

type fsKey struct {
	APIKey string `json:"api_key"`
}

// FSCredentialsFetcher reads the API key from a file. The file holds either
// the bare key or a JSON object {"api_key": "..."}.
type FSCredentialsFetcher struct {
	Path string
}

func NewFSCredentialsFetcher(path string) *FSCredentialsFetcher {
	return &FSCredentialsFetcher{Path: path}
}

func (f *FSCredentialsFetcher) GetAPIKey() (string, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoAPIKey
		}
		return "", fmt.Errorf("failed to read key file: %w", err)
	}

	content := strings.TrimSpace(string(b))
	if strings.HasPrefix(content, "{") {
		var k fsKey
		if err := json.Unmarshal([]byte(content), &k); err != nil {
			return "", fmt.Errorf("failed to parse key file: %w", err)
		}
		content = k.APIKey
	}

	key := normalizeKey(content)
	if key == "" {
		return "", ErrNoAPIKey
	}
	return key, nil
}

// WriteKeyFile stores key at path as JSON with owner-only permissions,
// creating parent directories as needed.
func WriteKeyFile(path, key string) error {
	key = normalizeKey(key)
	if key == "" {
		return ErrNoAPIKey
	}
	if err := EnsureParentDir(path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(fsKey{APIKey: key}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}
