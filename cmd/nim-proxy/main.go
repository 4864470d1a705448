package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvcrn/nim-proxy/internal/app"
	"github.com/dvcrn/nim-proxy/internal/config"
	"github.com/dvcrn/nim-proxy/internal/credentials"
	"github.com/dvcrn/nim-proxy/internal/logger"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

func main() {
	useKeychain := flag.Bool("use-keychain", false, "Read the NIM API key from the macOS keychain")
	keyFile := flag.String("key-file", "", "Path to a file holding the NIM API key (default $XDG_CONFIG_HOME/nim-proxy/api_key)")
	writeKeyFile := flag.Bool("write-key-file", false, "Store NIM_API_KEY in the key file and exit")
	flag.Parse()

	// A missing .env file is fine; real environment variables still apply.
	envErr := godotenv.Load()

	log := logger.New()
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		log.Warn().Err(envErr).Msg("Could not parse .env file")
	}

	cfg, err := config.Load(os.Getenv)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	path := *keyFile
	if path == "" {
		path = cfg.APIKeyFile
	}
	if path == "" {
		path = credentials.DefaultKeyPath()
	}

	if *writeKeyFile {
		storeKeyFile(path, log)
		return
	}

	var credsFetcher credentials.CredentialsFetcher
	if *useKeychain {
		keychainFetcher := credentials.NewKeychainCredentialsFetcherWithLogger(log)
		defer keychainFetcher.Close()
		credsFetcher = credentials.Chain{credentials.NewEnvCredentialsFetcher(), keychainFetcher}
		log.Info().Msg("🔑 Using environment with keychain fallback for the NIM API key")
	} else {
		credsFetcher = credentials.Chain{
			credentials.NewEnvCredentialsFetcher(),
			credentials.NewFSCredentialsFetcher(path),
		}
		log.Info().
			Str("key_file", path).
			Bool("key_file_present", credentials.FileExists(path)).
			Msg("📝 Using environment with key file fallback for the NIM API key")
	}

	validateCredentialsAtStartup(credsFetcher, log)
	app.LogConfig(cfg, log)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           app.NewServer(cfg, credsFetcher, log),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shut down")
	}
	log.Info().Msg("Server stopped")
}

func storeKeyFile(path string, log zerolog.Logger) {
	key, err := credentials.NewEnvCredentialsFetcher().GetAPIKey()
	if err != nil {
		log.Fatal().Err(err).Msg("NIM_API_KEY must be set to write the key file")
	}
	if err := credentials.WriteKeyFile(path, key); err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("Failed to write key file")
	}
	log.Info().Str("path", path).Str("key", credentials.Mask(key)).Msg("✅ Key file written")
}

// validateCredentialsAtStartup refuses to start without a key. Only a masked
// form of the key is ever logged.
func validateCredentialsAtStartup(credsFetcher credentials.CredentialsFetcher, log zerolog.Logger) {
	key, err := credsFetcher.GetAPIKey()
	if err != nil {
		log.Fatal().Err(err).Msg("⚠️  No NIM API key found; set NIM_API_KEY or provide a key file")
	}

	log.Info().
		Str("key", credentials.Mask(key)).
		Int("key_length", len(key)).
		Msg("✅ NIM API key loaded")
}
