package credentials

import "errors"

// ErrNoAPIKey is returned when a fetcher resolves to an empty key.
var ErrNoAPIKey = errors.New("no NIM API key configured")

// CredentialsFetcher defines the interface for retrieving the upstream API key
type CredentialsFetcher interface {
	GetAPIKey() (string, error)
}

// Chain tries each fetcher in order and returns the first non-empty key.
type Chain []CredentialsFetcher

func (c Chain) GetAPIKey() (string, error) {
	var errs []error
	for _, f := range c {
		key, err := f.GetAPIKey()
		if err == nil && key != "" {
			return key, nil
		}
		if err != nil && !errors.Is(err, ErrNoAPIKey) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return "", errors.Join(append([]error{ErrNoAPIKey}, errs...)...)
	}
	return "", ErrNoAPIKey
}

// Mask returns a preview of key that is safe to log.
func Mask(key string) string {
	if len(key) > 12 {
		return key[:4] + "…" + key[len(key)-4:]
	}
	return "…"
}
