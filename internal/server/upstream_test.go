package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dvcrn/nim-proxy/internal/credentials"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticKey string

func (k staticKey) GetAPIKey() (string, error) {
	if k == "" {
		return "", credentials.ErrNoAPIKey
	}
	return string(k), nil
}

func newTestUpstreamClient(baseURL string, key staticKey, timeout time.Duration) *UpstreamClient {
	return NewUpstreamClient(baseURL, key, &http.Client{}, timeout, zerolog.Nop())
}

func TestUpstreamClient_Buffered(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer nvapi-test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"model":"m"}`, string(body))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer ts.Close()

	c := newTestUpstreamClient(ts.URL+"/v1/", "nvapi-test", time.Second)
	resp, err := c.Send(context.Background(), []byte(`{"model":"m"}`), false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"choices":[]}`, string(resp.Body))
	assert.Nil(t, resp.Stream)
}

func TestUpstreamClient_MissingKey(t *testing.T) {
	called := false
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer ts.Close()

	_, err := newTestUpstreamClient(ts.URL, "", time.Second).Send(context.Background(), []byte(`{}`), false)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, errTypeConfig, apiErr.Type)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.ErrorIs(t, err, credentials.ErrNoAPIKey)
	assert.False(t, called)
}

func TestUpstreamClient_StatusHandling(t *testing.T) {
	for _, streaming := range []bool{false, true} {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("fail") == "server" {
				http.Error(w, `{"detail":"overloaded"}`, http.StatusServiceUnavailable)
				return
			}
			http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
		}))

		c := newTestUpstreamClient(ts.URL, "k", time.Second)
		resp, err := c.Send(context.Background(), []byte(`{}`), streaming)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Contains(t, string(resp.Body), "bad key")
		assert.Nil(t, resp.Stream)

		c.endpoint += "?fail=server"
		_, err = c.Send(context.Background(), []byte(`{}`), streaming)
		var upErr *UpstreamError
		require.ErrorAs(t, err, &upErr)
		assert.Equal(t, http.StatusServiceUnavailable, upErr.StatusCode)
		assert.Contains(t, string(upErr.Body), "overloaded")

		ts.Close()
	}
}

func TestUpstreamClient_BufferedTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	_, err := newTestUpstreamClient(ts.URL, "k", 50*time.Millisecond).Send(context.Background(), []byte(`{}`), false)
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.True(t, upErr.Timeout)
	assert.Contains(t, upErr.Error(), "no response from NIM within 50ms")
}

func TestUpstreamClient_StreamingHeaderTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	_, err := newTestUpstreamClient(ts.URL, "k", 50*time.Millisecond).Send(context.Background(), []byte(`{}`), true)
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.True(t, upErr.Timeout)
}

// slowClient answers after delay regardless of the request context.
type slowClient struct {
	delay time.Duration
	body  *trackedBody
}

func (c slowClient) Do(*http.Request) (*http.Response, error) {
	time.Sleep(c.delay)
	return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: c.body}, nil
}

type trackedBody struct {
	io.Reader
	closed bool
}

func (b *trackedBody) Close() error {
	b.closed = true
	return nil
}

func TestUpstreamClient_StreamingHeadersAfterDeadline(t *testing.T) {
	body := &trackedBody{Reader: strings.NewReader("data: [DONE]\n\n")}
	client := slowClient{delay: 80 * time.Millisecond, body: body}
	c := NewUpstreamClient("http://nim.invalid/v1", staticKey("k"), client, 20*time.Millisecond, zerolog.Nop())

	resp, err := c.Send(context.Background(), []byte(`{}`), true)
	assert.Nil(t, resp)
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.True(t, upErr.Timeout)
	assert.True(t, body.closed)
}

func TestUpstreamClient_StreamingOutlivesTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(150 * time.Millisecond)
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer ts.Close()

	resp, err := newTestUpstreamClient(ts.URL, "k", 50*time.Millisecond).Send(context.Background(), []byte(`{}`), true)
	require.NoError(t, err)
	defer resp.Stream.Close()

	body, err := io.ReadAll(resp.Stream)
	require.NoError(t, err)
	assert.Equal(t, "data: [DONE]\n\n", string(body))
}

func TestUpstreamClient_CallerCancelAbortsStream(t *testing.T) {
	upstreamGone := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
			close(upstreamGone)
		case <-time.After(5 * time.Second):
		}
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	resp, err := newTestUpstreamClient(ts.URL, "k", time.Second).Send(ctx, []byte(`{}`), true)
	require.NoError(t, err)
	defer resp.Stream.Close()

	cancel()

	select {
	case <-upstreamGone:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream request was not cancelled")
	}
}

func TestUpstreamClient_NetworkError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := newTestUpstreamClient(url, "k", time.Second).Send(context.Background(), []byte(`{}`), false)
	var upErr *UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Zero(t, upErr.StatusCode)
	assert.Error(t, upErr.Err)
}
