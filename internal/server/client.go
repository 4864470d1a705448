//go:build !js || !wasm

package server

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPClient creates the upstream HTTP client for regular environments.
// There is no overall client timeout because streamed responses can run for
// minutes. headerTimeout bounds how long NIM may take to start responding.
func NewHTTPClient(headerTimeout time.Duration) HTTPClient {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Transport: transport,
	}
}
