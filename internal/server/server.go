package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dvcrn/nim-proxy/internal/config"
	"github.com/dvcrn/nim-proxy/internal/credentials"
	"github.com/rs/zerolog"
)

// sseFlushWriter wraps a ResponseWriter to flush after each write.
type sseFlushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw sseFlushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err == nil {
		fw.f.Flush()
	}
	return n, err
}

type Server struct {
	cfg        *config.Config
	resolver   *ModelResolver
	normalizer *Normalizer
	upstream   *UpstreamClient
	httpClient HTTPClient
	handler    http.Handler
	mux        *http.ServeMux
	logger     zerolog.Logger
	startedAt  time.Time
}

type Option func(*Server)

// WithHTTPClient replaces the client used to reach NIM.
func WithHTTPClient(c HTTPClient) Option {
	return func(s *Server) { s.httpClient = c }
}

func New(cfg *config.Config, logger zerolog.Logger, credsFetcher credentials.CredentialsFetcher, opts ...Option) *Server {
	s := &Server{
		cfg:        cfg,
		resolver:   NewModelResolver(cfg.ModelOverrides, cfg.DefaultModel, cfg.LargeModel, cfg.MediumModel),
		normalizer: NewNormalizer(cfg.DefaultTemperature, cfg.DefaultMaxTokens, config.MaxTokensUpperBound, cfg.ThinkingMode),
		mux:        http.NewServeMux(),
		logger:     logger,
		startedAt:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.httpClient == nil {
		s.httpClient = NewHTTPClient(cfg.RequestTimeout)
	}
	s.upstream = NewUpstreamClient(cfg.BaseURL, credsFetcher, s.httpClient, cfg.RequestTimeout, logger)

	s.setupRoutes()
	s.handler = s.recoveryMiddleware(
		s.requestIDMiddleware(
			s.loggingMiddleware(
				s.corsMiddleware(
					s.bodyLimitMiddleware(
						s.decompressMiddleware(s.mux))))))
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/v1/models", s.modelsHandler)
	s.mux.HandleFunc("/v1/chat/completions", s.chatCompletionsHandler)
	s.mux.HandleFunc("/", s.notFoundHandler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, http.StatusMethodNotAllowed, errTypeInvalidRequest,
		fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	if err := writeJSON(w, http.StatusOK, healthResponse{
		Status:           "ok",
		ReasoningDisplay: s.cfg.ShowReasoning,
		ThinkingMode:     s.cfg.ThinkingMode,
	}); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to encode health response")
	}
}

func (s *Server) modelsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	ids := s.resolver.ClientModels()
	response := modelsResponse{
		Object: "list",
		Data:   make([]modelEntry, 0, len(ids)),
	}
	for _, id := range ids {
		response.Data = append(response.Data, modelEntry{
			ID:      id,
			Object:  "model",
			Created: s.startedAt.Unix(),
			OwnedBy: "nvidia-nim-proxy",
		})
	}
	if err := writeJSON(w, http.StatusOK, response); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to encode models response")
	}
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	zerolog.Ctx(r.Context()).Warn().
		Str("method", r.Method).
		Str("uri", r.RequestURI).
		Str("remote_addr", r.RemoteAddr).
		Str("user_agent", r.UserAgent()).
		Msg("Unhandled route")
	writeError(w, http.StatusNotFound, errTypeInvalidRequest,
		fmt.Sprintf("Endpoint %s %s not found", r.Method, r.URL.Path))
}

func (s *Server) chatCompletionsHandler(w http.ResponseWriter, r *http.Request) {
	log := zerolog.Ctx(r.Context())
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errTypeInvalidRequest,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		log.Error().Err(err).Msg("Error reading request body")
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "failed to read request body")
		return
	}
	defer r.Body.Close()

	req, err := s.normalizer.Normalize(body)
	if err != nil {
		apiErr := toAPIError(err)
		log.Info().Str("reason", apiErr.Message).Msg("Rejected invalid chat completion request")
		writeAPIError(w, apiErr)
		return
	}

	upstreamModel := s.resolver.Resolve(req.Model)
	payload, err := s.normalizer.UpstreamPayload(req, upstreamModel)
	if err != nil {
		s.fail(w, r, proxyError("failed to prepare upstream request", err))
		return
	}

	log.Info().
		Str("requested_model", req.Model).
		Str("upstream_model", upstreamModel).
		Int("message_count", len(req.Messages)).
		Float64("temperature", req.Temperature).
		Int("max_tokens", req.MaxTokens).
		Bool("stream", req.Stream).
		Msg("Processing chat completion request")

	resp, err := s.upstream.Send(r.Context(), payload, req.Stream)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := upstreamMessage(resp.Body, resp.StatusCode)
		log.Warn().
			Int("status_code", resp.StatusCode).
			Str("upstream_message", msg).
			Msg("NIM rejected request")
		writeAPIError(w, nimError(resp.StatusCode, msg))
		return
	}

	if req.Stream {
		s.streamResponse(w, r, resp, req.Model)
		return
	}

	completion, err := TransformCompletion(resp.Body, req.Model, s.cfg.ShowReasoning)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := writeJSON(w, http.StatusOK, completion); err != nil {
		log.Error().Err(err).Msg("Error writing completion response to client")
	}
}

// fail reports err to the client unless the client has already gone away.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	log := zerolog.Ctx(r.Context())
	if errors.Is(err, context.Canceled) {
		log.Info().Err(err).Msg("Client disconnected before upstream responded")
		return
	}

	apiErr := toAPIError(err)
	log.Error().
		Err(err).
		Int("status", apiErr.Status).
		Str("error_type", apiErr.Type).
		Msg("Chat completion failed")
	writeAPIError(w, apiErr)
}

func (s *Server) streamResponse(w http.ResponseWriter, r *http.Request, resp *UpstreamResponse, model string) {
	log := zerolog.Ctx(r.Context())
	defer resp.Stream.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var out io.Writer = w
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
		out = sseFlushWriter{w: w, f: flusher}
	} else {
		log.Warn().Msg("ResponseWriter does not support flushing - streaming may be buffered")
	}

	frames := 0
	start := time.Now()
	transcoder := NewStreamTranscoder(model, s.cfg.ShowReasoning)
	err := RewriteSSEStream(resp.Stream, out, transcoder, func([]byte) { frames++ })

	event := log.Debug()
	if err != nil {
		if r.Context().Err() != nil {
			event = log.Info()
		} else {
			event = log.Error()
		}
		event = event.Err(err)
	}
	event.
		Int("frames", frames).
		Bool("done", transcoder.DoneSeen()).
		Dur("elapsed", time.Since(start)).
		Msg("Streaming response finished")
}
