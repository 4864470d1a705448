//go:build js && wasm

package credentials

import (
	"fmt"

	"github.com/syumai/workers/cloudflare/kv"
)

const (
	kvNamespace = "nim_proxy_kv"
	kvKeyName   = "nim_api_key"
)

// CloudflareKVFetcher retrieves the API key from Cloudflare KV
type CloudflareKVFetcher struct {
	kvStore *kv.Namespace
}

// NewCloudflareKVFetcher creates a new Cloudflare KV-based credentials fetcher
func NewCloudflareKVFetcher() (*CloudflareKVFetcher, error) {
	// The binding name is configured in wrangler.toml
	kvStore, err := kv.NewNamespace(kvNamespace)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize KV namespace: %w", err)
	}
	return &CloudflareKVFetcher{kvStore: kvStore}, nil
}

// GetAPIKey retrieves the key from Cloudflare KV
func (c *CloudflareKVFetcher) GetAPIKey() (string, error) {
	raw, err := c.kvStore.GetString(kvKeyName, nil)
	if err != nil {
		return "", fmt.Errorf("failed to get API key from KV: %w", err)
	}
	key := normalizeKey(raw)
	if key == "" {
		return "", ErrNoAPIKey
	}
	return key, nil
}
