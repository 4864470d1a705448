package credentials

import (
	"bytes"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// KeychainService is the generic-password service name the key is stored under.
const KeychainService = "nim-proxy"

// KeychainCredentialsFetcher retrieves the API key from the macOS keychain with caching
type KeychainCredentialsFetcher struct {
	mu          sync.RWMutex
	cachedKey   string
	lastRefresh time.Time
	cacheTTL    time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
	logger      *zerolog.Logger

	// lookup returns the raw secret; swapped in tests.
	lookup func() ([]byte, error)
}

// NewKeychainCredentialsFetcher creates a new keychain-based credentials fetcher
func NewKeychainCredentialsFetcher() *KeychainCredentialsFetcher {
	return newKeychainFetcher(nil, securityLookup)
}

// NewKeychainCredentialsFetcherWithLogger creates a new keychain-based credentials fetcher with logger
func NewKeychainCredentialsFetcherWithLogger(logger zerolog.Logger) *KeychainCredentialsFetcher {
	return newKeychainFetcher(&logger, securityLookup)
}

func newKeychainFetcher(logger *zerolog.Logger, lookup func() ([]byte, error)) *KeychainCredentialsFetcher {
	f := &KeychainCredentialsFetcher{
		cacheTTL: 5 * time.Minute,
		stopCh:   make(chan struct{}),
		logger:   logger,
		lookup:   lookup,
	}
	go f.backgroundRefresh()
	return f
}

// GetAPIKey retrieves the key from cache or keychain
func (k *KeychainCredentialsFetcher) GetAPIKey() (string, error) {
	k.mu.RLock()
	if k.cachedKey != "" && time.Since(k.lastRefresh) < k.cacheTTL {
		key := k.cachedKey
		k.mu.RUnlock()
		return key, nil
	}
	k.mu.RUnlock()
	return k.refreshAndGet()
}

// Refresh forces a fresh fetch from keychain
func (k *KeychainCredentialsFetcher) Refresh() error {
	_, err := k.refreshAndGet()
	return err
}

func (k *KeychainCredentialsFetcher) refreshAndGet() (string, error) {
	out, err := k.lookup()
	if err != nil {
		return "", err
	}
	key := normalizeKey(string(bytes.TrimSpace(out)))
	if key == "" {
		return "", ErrNoAPIKey
	}
	k.mu.Lock()
	k.cachedKey = key
	k.lastRefresh = time.Now()
	k.mu.Unlock()
	return key, nil
}

func (k *KeychainCredentialsFetcher) backgroundRefresh() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := k.Refresh()
			if k.logger != nil {
				if err != nil {
					k.logger.Error().Err(err).Msg("Failed to refresh API key from keychain")
				} else {
					k.logger.Debug().Msg("🔄 Refreshed API key from keychain")
				}
			}
		case <-k.stopCh:
			return
		}
	}
}

// Close stops the background refresh goroutine
func (k *KeychainCredentialsFetcher) Close() {
	k.stopOnce.Do(func() { close(k.stopCh) })
}

func securityLookup() ([]byte, error) {
	cmd := exec.Command("security", "find-generic-password", "-s", KeychainService, "-w")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve API key from Keychain: %w", err)
	}
	return output, nil
}
