package app

import (
	"github.com/dvcrn/nim-proxy/internal/config"
	"github.com/dvcrn/nim-proxy/internal/credentials"
	"github.com/dvcrn/nim-proxy/internal/server"
	"github.com/rs/zerolog"
)

// NewServer creates the proxy handler shared by the standalone binary and
// the Workers entry point.
func NewServer(cfg *config.Config, credsFetcher credentials.CredentialsFetcher, logger zerolog.Logger) *server.Server {
	return server.New(cfg, logger, credsFetcher)
}

// LogConfig prints the effective settings without anything secret.
func LogConfig(cfg *config.Config, logger zerolog.Logger) {
	logger.Info().
		Str("nim_base_url", cfg.BaseURL).
		Bool("show_reasoning", cfg.ShowReasoning).
		Bool("thinking_mode", cfg.ThinkingMode).
		Str("default_model", cfg.DefaultModel).
		Int("model_overrides", len(cfg.ModelOverrides)).
		Dur("request_timeout", cfg.RequestTimeout).
		Msg("Proxy configuration")
}
