package server

import (
	"sort"
	"strings"
)

// defaultModelMapping maps OpenAI-style names that clients commonly send to
// NIM hosted models.
var defaultModelMapping = map[string]string{
	"gpt-3.5-turbo":   "nvidia/llama-3.1-nemotron-ultra-253b-v1",
	"gpt-4":           "qwen/qwen3-coder-480b-a35b-instruct",
	"gpt-4-turbo":     "moonshotai/kimi-k2-instruct-0905",
	"gpt-4o":          "deepseek-ai/deepseek-v3.1",
	"claude-3-opus":   "openai/gpt-oss-120b",
	"claude-3-sonnet": "openai/gpt-oss-20b",
	"gemini-pro":      "qwen/qwen3-next-80b-a3b-thinking",
}

var (
	largeModelHints  = []string{"gpt-4", "opus", "405b"}
	mediumModelHints = []string{"claude", "gemini", "70b"}
)

// ModelResolver maps client-facing model identifiers to upstream ones. It is
// read-only after construction and safe for concurrent use.
type ModelResolver struct {
	mapping      map[string]string
	defaultModel string
	largeModel   string
	mediumModel  string
}

// NewModelResolver builds a resolver from the built-in table with overrides
// merged on top.
func NewModelResolver(overrides map[string]string, defaultModel, largeModel, mediumModel string) *ModelResolver {
	mapping := make(map[string]string, len(defaultModelMapping)+len(overrides))
	for k, v := range defaultModelMapping {
		mapping[k] = v
	}
	for k, v := range overrides {
		mapping[k] = v
	}
	return &ModelResolver{
		mapping:      mapping,
		defaultModel: defaultModel,
		largeModel:   largeModel,
		mediumModel:  mediumModel,
	}
}

// Resolve never fails. An empty identifier counts as absent. Rules apply in
// order: exact table match, pass-through of anything containing "/" or "-",
// keyword heuristics, default.
func (r *ModelResolver) Resolve(requested string) string {
	if requested == "" {
		return r.defaultModel
	}
	if mapped, ok := r.mapping[requested]; ok {
		return mapped
	}
	if strings.ContainsAny(requested, "/-") {
		return requested
	}

	lower := strings.ToLower(requested)
	if containsAny(lower, largeModelHints) {
		return r.largeModel
	}
	if containsAny(lower, mediumModelHints) {
		return r.mediumModel
	}
	return r.defaultModel
}

// ClientModels lists the client-facing identifiers in a stable order.
func (r *ModelResolver) ClientModels() []string {
	ids := make([]string, 0, len(r.mapping))
	for id := range r.mapping {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
