//go:build js && wasm

package main

import (
	"net/http"
	"sync"

	"github.com/dvcrn/nim-proxy/internal/app"
	"github.com/dvcrn/nim-proxy/internal/config"
	"github.com/dvcrn/nim-proxy/internal/credentials"
	"github.com/dvcrn/nim-proxy/internal/logger"
	"github.com/rs/zerolog"
	"github.com/syumai/workers"
	"github.com/syumai/workers/cloudflare"
)

func main() {
	log := logger.NewProduction()

	// Bindings are only reachable while a request is being handled, so the
	// proxy is assembled on the first one.
	var (
		once    sync.Once
		handler http.Handler
	)
	workers.Serve(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { handler = newHandler(log) })
		handler.ServeHTTP(w, r)
	}))
}

func newHandler(log zerolog.Logger) http.Handler {
	cfg, err := config.Load(cloudflare.Getenv)
	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":{"message":"proxy is misconfigured","type":"config_error","code":500}}`))
		})
	}

	// Prefer the NIM_API_KEY secret, fall back to the KV namespace.
	fetchers := credentials.Chain{credentials.NewEnvCredentialsFetcherWithLookup("NIM_API_KEY", cloudflare.Getenv)}
	kvFetcher, err := credentials.NewCloudflareKVFetcher()
	if err != nil {
		log.Warn().Err(err).Msg("Cloudflare KV namespace unavailable, using NIM_API_KEY secret only")
	} else {
		fetchers = append(fetchers, kvFetcher)
		log.Info().Msg("📦 Using NIM_API_KEY secret with Cloudflare KV fallback")
	}

	app.LogConfig(cfg, log)
	return app.NewServer(cfg, fetchers, log)
}
