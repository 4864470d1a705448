package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newTestNormalizer(thinking bool) *Normalizer {
	return NewNormalizer(0.6, 9024, 9024, thinking)
}

func TestNormalize_Valid(t *testing.T) {
	body := `{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hi", "name": "alice"}
		],
		"temperature": 0.2,
		"max_tokens": 512,
		"stream": true,
		"top_p": 0.9,
		"stop": ["\n\n"],
		"seed": null
	}`

	req, err := newTestNormalizer(false).Normalize([]byte(body))
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", req.Model)
	assert.Len(t, req.Messages, 2)
	assert.Equal(t, "user", req.Messages[1].Role)
	assert.Equal(t, "hi", req.Messages[1].Content)
	assert.Equal(t, 0.2, req.Temperature)
	assert.Equal(t, 512, req.MaxTokens)
	assert.True(t, req.Stream)
	assert.Contains(t, req.Passthrough, "top_p")
	assert.Contains(t, req.Passthrough, "stop")
	assert.NotContains(t, req.Passthrough, "seed")
}

func TestNormalize_DefaultsAndClamping(t *testing.T) {
	n := newTestNormalizer(false)
	tests := []struct {
		name        string
		extra       string
		temperature float64
		maxTokens   int
		stream      bool
	}{
		{"defaults", ``, 0.6, 9024, false},
		{"temperature too high", `,"temperature":5`, 2, 9024, false},
		{"temperature negative", `,"temperature":-1`, 0, 9024, false},
		{"temperature wrong type", `,"temperature":"hot"`, 0.6, 9024, false},
		{"max tokens too high", `,"max_tokens":100000`, 0.6, 9024, false},
		{"max tokens zero", `,"max_tokens":0`, 0.6, 1, false},
		{"max tokens fractional", `,"max_tokens":10.7`, 0.6, 10, false},
		{"stream string", `,"stream":"true"`, 0.6, 9024, true},
		{"stream number", `,"stream":1`, 0.6, 9024, true},
		{"stream false", `,"stream":false`, 0.6, 9024, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := `{"model":"gpt-4","messages":[{"role":"user","content":"x"}]` + tt.extra + `}`
			req, err := n.Normalize([]byte(body))
			require.NoError(t, err)
			assert.Equal(t, tt.temperature, req.Temperature)
			assert.Equal(t, tt.maxTokens, req.MaxTokens)
			assert.Equal(t, tt.stream, req.Stream)
		})
	}
}

func TestNormalize_Rejects(t *testing.T) {
	n := newTestNormalizer(false)
	tests := []struct {
		name string
		body string
		want string
	}{
		{"not json", `{"model":`, "valid JSON"},
		{"not object", `[1,2]`, "JSON object"},
		{"missing model", `{"messages":[{"role":"user","content":"x"}]}`, "model is required"},
		{"null model", `{"model":null,"messages":[{"role":"user","content":"x"}]}`, "model is required"},
		{"numeric model", `{"model":4,"messages":[{"role":"user","content":"x"}]}`, "model must be a string"},
		{"blank model", `{"model":"  ","messages":[{"role":"user","content":"x"}]}`, "model must not be empty"},
		{"missing messages", `{"model":"m"}`, "messages is required"},
		{"messages not array", `{"model":"m","messages":"hi"}`, "messages must be an array"},
		{"empty messages", `{"model":"m","messages":[]}`, "at least one message"},
		{"message not object", `{"model":"m","messages":["hi"]}`, "messages[0] must be an object"},
		{"bad role", `{"model":"m","messages":[{"role":"user","content":"a"},{"role":"robot","content":"b"}]}`, `messages[1] has invalid role "robot"`},
		{"missing role", `{"model":"m","messages":[{"content":"b"}]}`, "messages[0] has invalid role <missing>"},
		{"array content", `{"model":"m","messages":[{"role":"user","content":[{"type":"text","text":"x"}]}]}`, "messages[0] (user) content must be a string"},
		{"null content", `{"model":"m","messages":[{"role":"assistant","content":null}]}`, "messages[0] (assistant) content must be a string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize([]byte(tt.body))
			require.Error(t, err)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, 400, apiErr.Status)
			assert.Equal(t, errTypeInvalidRequest, apiErr.Type)
			assert.Contains(t, apiErr.Message, tt.want)
		})
	}
}

func TestUpstreamPayload(t *testing.T) {
	n := newTestNormalizer(false)
	req, err := n.Normalize([]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi","name":"alice"}],"top_p":0.5,"stop":"END"}`))
	require.NoError(t, err)

	payload, err := n.UpstreamPayload(req, "deepseek-ai/deepseek-v3.1")
	require.NoError(t, err)

	assert.Equal(t, "deepseek-ai/deepseek-v3.1", gjson.GetBytes(payload, "model").String())
	assert.Equal(t, 0.6, gjson.GetBytes(payload, "temperature").Float())
	assert.Equal(t, int64(9024), gjson.GetBytes(payload, "max_tokens").Int())
	assert.False(t, gjson.GetBytes(payload, "stream").Bool())
	assert.Equal(t, 0.5, gjson.GetBytes(payload, "top_p").Float())
	assert.Equal(t, "END", gjson.GetBytes(payload, "stop").String())
	assert.Equal(t, "alice", gjson.GetBytes(payload, "messages.0.name").String())
	assert.False(t, gjson.GetBytes(payload, "chat_template_kwargs").Exists())
}

func TestUpstreamPayload_ThinkingMode(t *testing.T) {
	n := newTestNormalizer(true)
	req, err := n.Normalize([]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)

	payload, err := n.UpstreamPayload(req, "deepseek-ai/deepseek-v3.1")
	require.NoError(t, err)
	assert.True(t, gjson.GetBytes(payload, "chat_template_kwargs.thinking").Bool())
}
