package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dvcrn/nim-proxy/internal/credentials"
	"github.com/rs/zerolog"
)

// maxUpstreamBody caps buffered upstream bodies.
const maxUpstreamBody = 32 << 20

// HTTPClient is an interface for making HTTP requests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// UpstreamResponse is what NIM answered. For a successful streaming call
// Stream is set and must be closed by the caller; otherwise Body holds the
// complete response.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Stream     io.ReadCloser
}

// UpstreamClient sends chat completion payloads to NIM.
type UpstreamClient struct {
	endpoint     string
	credsFetcher credentials.CredentialsFetcher
	httpClient   HTTPClient
	timeout      time.Duration
	logger       zerolog.Logger
}

func NewUpstreamClient(baseURL string, credsFetcher credentials.CredentialsFetcher, httpClient HTTPClient, timeout time.Duration, logger zerolog.Logger) *UpstreamClient {
	return &UpstreamClient{
		endpoint:     strings.TrimRight(baseURL, "/") + "/chat/completions",
		credsFetcher: credsFetcher,
		httpClient:   httpClient,
		timeout:      timeout,
		logger:       logger,
	}
}

// Send posts payload to NIM. The request is bound to ctx, so a client that
// goes away cancels the upstream call. Buffered calls are bounded by the
// configured timeout as a whole; streaming calls only until response
// headers arrive.
func (c *UpstreamClient) Send(ctx context.Context, payload []byte, streaming bool) (*UpstreamResponse, error) {
	apiKey, err := c.credsFetcher.GetAPIKey()
	if err != nil || apiKey == "" {
		if err == nil {
			err = credentials.ErrNoAPIKey
		}
		return nil, configError("NIM API key is not configured", err)
	}

	if streaming {
		return c.sendStreaming(ctx, payload, apiKey)
	}
	return c.sendBuffered(ctx, payload, apiKey)
}

func (c *UpstreamClient) newRequest(ctx context.Context, payload []byte, apiKey string, streaming bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, proxyError("failed to create upstream request", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	return req, nil
}

func (c *UpstreamClient) sendBuffered(ctx context.Context, payload []byte, apiKey string) (*UpstreamResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, payload, apiKey, false)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, c.transportError(ctx, err)
	}

	c.logger.Debug().
		Int("status_code", resp.StatusCode).
		Int("body_bytes", len(body)).
		Dur("elapsed", time.Since(start)).
		Msg("Received buffered response from NIM")

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: body}
	}
	return &UpstreamResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (c *UpstreamClient) sendStreaming(ctx context.Context, payload []byte, apiKey string) (*UpstreamResponse, error) {
	ctx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(c.timeout, cancel)

	req, err := c.newRequest(ctx, payload, apiKey, true)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	inTime := timer.Stop()
	if err != nil {
		cancel()
		if !inTime {
			return nil, c.timeoutError()
		}
		return nil, c.transportError(ctx, err)
	}
	if !inTime {
		// The deadline fired while Do was returning; the body is already
		// bound to a cancelled context.
		resp.Body.Close()
		cancel()
		return nil, c.timeoutError()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
		resp.Body.Close()
		cancel()
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: body}
		}
		return &UpstreamResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
	}

	return &UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Stream:     &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
	}, nil
}

// transportError classifies a failed round trip. A cancelled caller context
// is returned as is so handlers can tell a vanished client from a NIM fault.
func (c *UpstreamClient) transportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return c.timeoutError()
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("upstream request abandoned: %w", context.Canceled)
	}
	return &UpstreamError{Err: err}
}

func (c *UpstreamClient) timeoutError() *UpstreamError {
	return &UpstreamError{Timeout: true, Err: fmt.Errorf("no response from NIM within %s", c.timeout)}
}

// cancelOnClose releases the streaming request context once the body is
// closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.once.Do(c.cancel)
	return err
}
