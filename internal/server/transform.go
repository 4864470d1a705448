package server

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	thinkOpen  = "<think>\n"
	thinkClose = "\n</think>\n\n"
)

func newCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// TransformCompletion converts a buffered NIM response into the body
// returned to the client. The client's requested model is echoed back and
// reasoning fields never survive: they are either folded into content as a
// <think> block or dropped.
func TransformCompletion(body []byte, requestedModel string, showReasoning bool) (*CompletionResponse, error) {
	if !gjson.ValidBytes(body) {
		return nil, proxyError("NIM returned a response that is not valid JSON", nil)
	}
	root := gjson.ParseBytes(body)

	choices := root.Get("choices")
	if !choices.IsArray() || len(choices.Array()) == 0 {
		return nil, proxyError("NIM response contained no choices", nil)
	}

	resp := &CompletionResponse{
		ID:      root.Get("id").String(),
		Object:  "chat.completion",
		Created: root.Get("created").Int(),
		Model:   requestedModel,
		Choices: make([]CompletionChoice, 0, len(choices.Array())),
	}
	if resp.ID == "" {
		resp.ID = newCompletionID()
	}
	if resp.Created == 0 {
		resp.Created = time.Now().Unix()
	}

	for i, choice := range choices.Array() {
		message := choice.Get("message")
		content := message.Get("content")
		if content.Type != gjson.String {
			return nil, proxyError(fmt.Sprintf("NIM response choice %d has no message content", i), nil)
		}

		text := content.Str
		if showReasoning {
			if reasoning := reasoningText(message); reasoning != "" {
				text = thinkOpen + reasoning + thinkClose + text
			}
		}

		role := message.Get("role").String()
		if role == "" {
			role = "assistant"
		}
		finish := choice.Get("finish_reason").String()
		if finish == "" {
			finish = "stop"
		}
		index := i
		if idx := choice.Get("index"); idx.Type == gjson.Number {
			index = int(idx.Int())
		}

		resp.Choices = append(resp.Choices, CompletionChoice{
			Index:        index,
			Message:      CompletionMessage{Role: role, Content: text},
			FinishReason: finish,
		})
	}

	usage := root.Get("usage")
	resp.Usage = Usage{
		PromptTokens:     usage.Get("prompt_tokens").Int(),
		CompletionTokens: usage.Get("completion_tokens").Int(),
		TotalTokens:      usage.Get("total_tokens").Int(),
	}
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}

	return resp, nil
}

// reasoningText returns the reasoning attached to a message or delta. NIM
// models use reasoning_content; some use reasoning.
func reasoningText(v gjson.Result) string {
	if r := v.Get("reasoning_content"); r.Type == gjson.String && r.Str != "" {
		return r.Str
	}
	if r := v.Get("reasoning"); r.Type == gjson.String {
		return r.Str
	}
	return ""
}
