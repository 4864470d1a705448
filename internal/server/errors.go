package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeConfig         = "config_error"
	errTypeNIM            = "nim_error"
	errTypeProxy          = "proxy_error"
)

// APIError is an error that knows how it should be reported to the client.
type APIError struct {
	Status  int
	Type    string
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

func invalidRequest(format string, args ...interface{}) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Type:    errTypeInvalidRequest,
		Message: fmt.Sprintf(format, args...),
	}
}

func configError(message string, err error) *APIError {
	return &APIError{
		Status:  http.StatusInternalServerError,
		Type:    errTypeConfig,
		Message: message,
		Err:     err,
	}
}

func nimError(status int, message string) *APIError {
	return &APIError{
		Status:  status,
		Type:    errTypeNIM,
		Message: message,
	}
}

func proxyError(message string, err error) *APIError {
	return &APIError{
		Status:  http.StatusInternalServerError,
		Type:    errTypeProxy,
		Message: message,
		Err:     err,
	}
}

// UpstreamError reports a NIM failure: a transport error, a timeout or a
// 5xx response.
type UpstreamError struct {
	StatusCode int
	Body       []byte
	Timeout    bool
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("nim upstream: %v", e.Err)
	}
	return fmt.Sprintf("nim upstream returned status %d", e.StatusCode)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// toAPIError maps any handler error onto the client-facing error shape.
func toAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		// Transport details stay in the logs.
		msg := "failed to reach NIM upstream"
		switch {
		case upErr.StatusCode != 0:
			msg = upstreamMessage(upErr.Body, upErr.StatusCode)
		case upErr.Timeout:
			msg = upErr.Err.Error()
		}
		apiErr := nimError(http.StatusBadGateway, msg)
		apiErr.Err = err
		return apiErr
	}

	return proxyError("internal proxy error", err)
}

// upstreamMessage pulls a human readable message out of an upstream error
// body. NIM uses several shapes depending on the failing layer.
func upstreamMessage(body []byte, status int) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error.message", "error", "detail", "message"} {
			if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.String() != "" {
				return v.String()
			}
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" && len(text) <= 512 {
		return text
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return fmt.Sprintf("upstream status %d", status)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	_ = writeJSON(w, status, errorBody{Error: errorDetail{
		Message: message,
		Type:    errType,
		Code:    status,
	}})
}

func writeAPIError(w http.ResponseWriter, err *APIError) {
	writeError(w, err.Status, err.Type, err.Message)
}
