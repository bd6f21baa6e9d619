// Package llm normalizes the three inbound wire formats (OpenAI,
// Anthropic, Ollama) onto the single upstream chat-completion shape,
// dispatches requests, and renders responses back in the matching
// outbound schema.
package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Inbound schema names.
const (
	SchemaOpenAI    = "openai"
	SchemaAnthropic = "anthropic"
	SchemaOllama    = "ollama"
)

// Ollama route variants.
const (
	VariantChat     = "chat"
	VariantGenerate = "generate"
)

// Upstream payload defaults, matching what the Copilot endpoint expects
// when the client leaves them out.
const (
	defaultTemperature = 0.1
	defaultMaxTokens   = 4096
)

// ErrInvalidRequest marks an ill-formed inbound body.
var ErrInvalidRequest = errors.New("invalid request")

// Request is a normalized inbound request: the upstream payload plus
// everything the dispatcher needs to route and shape the response.
type Request struct {
	Schema  string
	Variant string // Ollama route variant, "" otherwise

	// Payload is the upstream chat-completion body. OpenAI requests pass
	// unknown fields through; derived schemas carry only what was mapped.
	Payload map[string]interface{}

	// RequestedModel is the model name as the client asked for it. For
	// Anthropic it stays the Anthropic name so the response can echo it.
	RequestedModel string

	// ModelHint is the upstream-namespace model fed to the selector.
	// Equal to RequestedModel except when mapping overrides applied.
	ModelHint string

	Stream bool
}

// fillDefaults applies the upstream defaults for missing knobs.
func fillDefaults(payload map[string]interface{}) {
	if _, ok := payload["temperature"]; !ok {
		payload["temperature"] = defaultTemperature
	}
	if _, ok := payload["max_tokens"]; !ok {
		payload["max_tokens"] = defaultMaxTokens
	}
	if _, ok := payload["stream"]; !ok {
		payload["stream"] = false
	}
}

// NormalizeOpenAI parses a /v1/chat/completions body. Inbound and
// upstream shapes are congruent, so fields pass through verbatim with
// defaults filled.
func NormalizeOpenAI(body []byte) (*Request, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	fillDefaults(payload)

	model, _ := payload["model"].(string)
	stream, _ := payload["stream"].(bool)
	return &Request{
		Schema:         SchemaOpenAI,
		Payload:        payload,
		RequestedModel: strings.TrimSpace(model),
		ModelHint:      strings.TrimSpace(model),
		Stream:         stream,
	}, nil
}

// NormalizeLegacyCompletions converts a /v1/completions prompt body into
// the chat shape and reuses the chat path.
func NormalizeLegacyCompletions(body []byte) (*Request, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	prompt := extractContent(payload["prompt"])
	delete(payload, "prompt")
	payload["messages"] = []interface{}{
		map[string]interface{}{"role": "user", "content": prompt},
	}
	fillDefaults(payload)

	model, _ := payload["model"].(string)
	stream, _ := payload["stream"].(bool)
	return &Request{
		Schema:         SchemaOpenAI,
		Payload:        payload,
		RequestedModel: strings.TrimSpace(model),
		ModelHint:      strings.TrimSpace(model),
		Stream:         stream,
	}, nil
}

// NormalizeAnthropic parses a /v1/messages body into the upstream shape.
// Content blocks are flattened to strings; streaming is not supported on
// this route.
func NormalizeAnthropic(body []byte, mapping *ModelMapping) (*Request, error) {
	var in map[string]interface{}
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if stream, _ := in["stream"].(bool); stream {
		return nil, fmt.Errorf("%w: streaming is not supported on the Anthropic route", ErrInvalidRequest)
	}

	var messages []interface{}
	if system := extractContent(in["system"]); system != "" {
		messages = append(messages, map[string]interface{}{"role": "system", "content": system})
	}

	inbound, _ := in["messages"].([]interface{})
	for _, raw := range inbound {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		if role == "" {
			role = "user"
		}
		messages = append(messages, map[string]interface{}{
			"role":    role,
			"content": extractContent(m["content"]),
		})
	}

	if len(inbound) == 0 {
		prompt := extractContent(in["prompt"])
		if prompt == "" {
			prompt = extractContent(in["input"])
		}
		if prompt == "" {
			return nil, fmt.Errorf("%w: messages is required", ErrInvalidRequest)
		}
		messages = append(messages, map[string]interface{}{"role": "user", "content": prompt})
	}

	requested, _ := in["model"].(string)
	requested = strings.TrimSpace(requested)

	payload := map[string]interface{}{
		"model":    mapping.Resolve(requested),
		"messages": messages,
	}
	copyNumber(in, payload, "max_tokens")
	copyNumber(in, payload, "temperature")
	copyNumber(in, payload, "top_p")
	fillDefaults(payload)

	hint, _ := payload["model"].(string)
	return &Request{
		Schema:         SchemaAnthropic,
		Payload:        payload,
		RequestedModel: requested,
		ModelHint:      hint,
	}, nil
}

// NormalizeOllama parses /api/chat and /api/generate bodies. The
// generate variant synthesizes a chat: system and template lead as
// system messages, then the prompt as a single user message.
func NormalizeOllama(body []byte, variant string) (*Request, error) {
	var in map[string]interface{}
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var messages []interface{}
	if variant == VariantGenerate {
		if system := extractContent(in["system"]); system != "" {
			messages = append(messages, map[string]interface{}{"role": "system", "content": system})
		}
		if tmpl := extractContent(in["template"]); tmpl != "" {
			messages = append(messages, map[string]interface{}{"role": "system", "content": tmpl})
		}
		messages = append(messages, map[string]interface{}{
			"role":    "user",
			"content": extractContent(in["prompt"]),
		})
	} else {
		inbound, _ := in["messages"].([]interface{})
		for _, raw := range inbound {
			m, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			role, _ := m["role"].(string)
			if role == "" {
				role = "user"
			}
			messages = append(messages, map[string]interface{}{
				"role":    role,
				"content": extractContent(m["content"]),
			})
		}
	}

	opts := gjson.GetBytes(body, "options")
	payload := map[string]interface{}{"messages": messages}

	model, _ := in["model"].(string)
	payload["model"] = strings.TrimSpace(model)

	payload["max_tokens"] = firstNumber(in["max_tokens"], opts.Get("num_predict"), float64(defaultMaxTokens))
	payload["temperature"] = firstNumber(in["temperature"], opts.Get("temperature"), defaultTemperature)
	if v, ok := pickNumber(in["top_p"], opts.Get("top_p")); ok {
		payload["top_p"] = v
	}
	if v, ok := pickNumber(in["presence_penalty"], opts.Get("presence_penalty")); ok {
		payload["presence_penalty"] = v
	}
	if v, ok := pickNumber(in["frequency_penalty"], opts.Get("frequency_penalty")); ok {
		payload["frequency_penalty"] = v
	}

	stream, _ := in["stream"].(bool)
	payload["stream"] = stream

	return &Request{
		Schema:         SchemaOllama,
		Variant:        variant,
		Payload:        payload,
		RequestedModel: strings.TrimSpace(model),
		ModelHint:      strings.TrimSpace(model),
		Stream:         stream,
	}, nil
}

// extractContent flattens the content forms the inbound schemas allow:
// plain strings, arrays of text blocks, and objects carrying a text or
// content field. Text blocks are joined with newlines; non-text blocks
// contribute empty strings.
func extractContent(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, blockText(item))
		}
		return strings.Join(parts, "\n")
	case map[string]interface{}:
		return blockText(t)
	}
	return ""
}

func blockText(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]interface{}:
		if s, ok := t["text"].(string); ok {
			return s
		}
		if s, ok := t["content"].(string); ok {
			return s
		}
	}
	return ""
}

func copyNumber(src, dst map[string]interface{}, key string) {
	if v, ok := src[key].(float64); ok {
		dst[key] = v
	}
}

// firstNumber returns the body value, then the options value, then the
// fallback.
func firstNumber(body interface{}, opt gjson.Result, fallback float64) float64 {
	if v, ok := body.(float64); ok {
		return v
	}
	if opt.Exists() && opt.Type == gjson.Number {
		return opt.Float()
	}
	return fallback
}

// pickNumber merges a body value with its options counterpart without a
// fallback.
func pickNumber(body interface{}, opt gjson.Result) (float64, bool) {
	if v, ok := body.(float64); ok {
		return v, true
	}
	if opt.Exists() && opt.Type == gjson.Number {
		return opt.Float(), true
	}
	return 0, false
}

// lastUserText returns the trimmed text of the final message, used for
// in-chat command detection.
func lastUserText(req *Request) string {
	msgs, _ := req.Payload["messages"].([]interface{})
	if len(msgs) == 0 {
		return ""
	}
	m, ok := msgs[len(msgs)-1].(map[string]interface{})
	if !ok {
		return ""
	}
	return strings.TrimSpace(extractContent(m["content"]))
}
