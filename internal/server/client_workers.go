//go:build js && wasm

package server

import (
	"net/http"
	"time"
)

// NewHTTPClient returns a plain client for Workers, where net/http is backed
// by fetch and a custom transport would bypass it. Timeouts are enforced
// through request contexts.
func NewHTTPClient(_ time.Duration) HTTPClient {
	return &http.Client{}
}
