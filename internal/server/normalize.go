package server

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	minTemperature = 0.0
	maxTemperature = 2.0
	minMaxTokens   = 1
)

var allowedRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"tool":      true,
}

// passthroughParams are optional sampling parameters NIM understands and
// that are forwarded untouched when the client supplies them.
var passthroughParams = []string{
	"top_p",
	"stop",
	"frequency_penalty",
	"presence_penalty",
	"seed",
}

// Normalizer validates client requests and builds the upstream payload.
type Normalizer struct {
	defaultTemperature float64
	defaultMaxTokens   int
	maxTokensLimit     int
	thinkingMode       bool
}

func NewNormalizer(defaultTemperature float64, defaultMaxTokens, maxTokensLimit int, thinkingMode bool) *Normalizer {
	return &Normalizer{
		defaultTemperature: defaultTemperature,
		defaultMaxTokens:   defaultMaxTokens,
		maxTokensLimit:     maxTokensLimit,
		thinkingMode:       thinkingMode,
	}
}

// Normalize validates a raw request body. Validation errors are *APIError
// values with status 400.
func (n *Normalizer) Normalize(body []byte) (*CompletionRequest, error) {
	if !gjson.ValidBytes(body) {
		return nil, invalidRequest("request body must be valid JSON")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, invalidRequest("request body must be a JSON object")
	}

	model := root.Get("model")
	if !model.Exists() || model.Type == gjson.Null {
		return nil, invalidRequest("model is required")
	}
	if model.Type != gjson.String {
		return nil, invalidRequest("model must be a string")
	}
	if strings.TrimSpace(model.Str) == "" {
		return nil, invalidRequest("model must not be empty")
	}

	messages, err := parseMessages(root.Get("messages"))
	if err != nil {
		return nil, err
	}

	req := &CompletionRequest{
		Model:       model.Str,
		Messages:    messages,
		Temperature: n.temperature(root.Get("temperature")),
		MaxTokens:   n.maxTokens(root.Get("max_tokens")),
		Stream:      root.Get("stream").Bool(),
	}

	for _, name := range passthroughParams {
		v := root.Get(name)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		if req.Passthrough == nil {
			req.Passthrough = make(map[string]json.RawMessage)
		}
		req.Passthrough[name] = json.RawMessage(v.Raw)
	}

	return req, nil
}

func parseMessages(v gjson.Result) ([]ChatMessage, error) {
	if !v.Exists() || v.Type == gjson.Null {
		return nil, invalidRequest("messages is required")
	}
	if !v.IsArray() {
		return nil, invalidRequest("messages must be an array")
	}
	items := v.Array()
	if len(items) == 0 {
		return nil, invalidRequest("messages must contain at least one message")
	}

	out := make([]ChatMessage, 0, len(items))
	for i, item := range items {
		if !item.IsObject() {
			return nil, invalidRequest("messages[%d] must be an object", i)
		}
		role := item.Get("role")
		if role.Type != gjson.String || !allowedRoles[role.Str] {
			return nil, invalidRequest("messages[%d] has invalid role %s; expected one of system, user, assistant, tool", i, describe(role))
		}
		content := item.Get("content")
		if content.Type != gjson.String {
			return nil, invalidRequest("messages[%d] (%s) content must be a string", i, role.Str)
		}
		out = append(out, ChatMessage{
			Role:    role.Str,
			Content: content.Str,
			raw:     json.RawMessage(item.Raw),
		})
	}
	return out, nil
}

func describe(v gjson.Result) string {
	if !v.Exists() {
		return "<missing>"
	}
	return v.Raw
}

func (n *Normalizer) temperature(v gjson.Result) float64 {
	if v.Type != gjson.Number {
		return n.defaultTemperature
	}
	return math.Min(maxTemperature, math.Max(minTemperature, v.Num))
}

func (n *Normalizer) maxTokens(v gjson.Result) int {
	if v.Type != gjson.Number {
		return n.defaultMaxTokens
	}
	clamped := math.Min(float64(n.maxTokensLimit), math.Max(minMaxTokens, math.Trunc(v.Num)))
	return int(clamped)
}

// UpstreamPayload renders the JSON body sent to NIM for req, addressed to
// the already resolved upstream model.
func (n *Normalizer) UpstreamPayload(req *CompletionRequest, upstreamModel string) ([]byte, error) {
	payload := upstreamRequest{
		Model:       upstreamModel,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
	}
	if n.thinkingMode {
		payload.ChatTemplateKwargs = map[string]interface{}{"thinking": true}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upstream payload: %w", err)
	}

	for _, name := range passthroughParams {
		raw, ok := req.Passthrough[name]
		if !ok {
			continue
		}
		data, err = sjson.SetRawBytes(data, name, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to set %s on upstream payload: %w", name, err)
		}
	}
	return data, nil
}
