package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeOpenAIDefaults(t *testing.T) {
	req, err := NormalizeOpenAI([]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)

	assert.Equal(t, SchemaOpenAI, req.Schema)
	assert.Equal(t, "gpt-4o", req.RequestedModel)
	assert.Equal(t, "gpt-4o", req.ModelHint)
	assert.False(t, req.Stream)
	assert.Equal(t, defaultTemperature, req.Payload["temperature"])
	assert.Equal(t, defaultMaxTokens, req.Payload["max_tokens"])
	assert.Equal(t, false, req.Payload["stream"])
}

func TestNormalizeOpenAIPreservesClientValues(t *testing.T) {
	req, err := NormalizeOpenAI([]byte(`{"model":"gpt-4o","messages":[],"temperature":0.9,"max_tokens":128,"stream":true,"tools":[{"type":"function"}]}`))
	require.NoError(t, err)

	assert.Equal(t, 0.9, req.Payload["temperature"])
	assert.Equal(t, float64(128), req.Payload["max_tokens"])
	assert.True(t, req.Stream)
	assert.Contains(t, req.Payload, "tools", "unknown fields pass through")
}

func TestNormalizeOpenAIRejectsMalformed(t *testing.T) {
	_, err := NormalizeOpenAI([]byte(`{"model":`))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestNormalizeLegacyCompletions(t *testing.T) {
	req, err := NormalizeLegacyCompletions([]byte(`{"model":"gpt-4o","prompt":"complete me"}`))
	require.NoError(t, err)

	msgs, ok := req.Payload["messages"].([]interface{})
	require.True(t, ok)
	require.Len(t, msgs, 1)
	m := msgs[0].(map[string]interface{})
	assert.Equal(t, "user", m["role"])
	assert.Equal(t, "complete me", m["content"])
	assert.NotContains(t, req.Payload, "prompt")
}

func TestNormalizeAnthropic(t *testing.T) {
	body := []byte(`{
		"model": "claude-3-5-sonnet-20241022",
		"system": "be terse",
		"messages": [
			{"role": "user", "content": [{"type":"text","text":"hello"},{"type":"text","text":"world"}]},
			{"role": "assistant", "content": "hi"}
		],
		"max_tokens": 256,
		"temperature": 0.5
	}`)

	req, err := NormalizeAnthropic(body, NewModelMapping())
	require.NoError(t, err)

	assert.Equal(t, SchemaAnthropic, req.Schema)
	assert.Equal(t, "claude-3-5-sonnet-20241022", req.RequestedModel)
	assert.Equal(t, "claude-3.5-sonnet", req.ModelHint)
	assert.Equal(t, "claude-3.5-sonnet", req.Payload["model"])

	msgs := req.Payload["messages"].([]interface{})
	require.Len(t, msgs, 3)
	assert.Equal(t, map[string]interface{}{"role": "system", "content": "be terse"}, msgs[0])
	assert.Equal(t, map[string]interface{}{"role": "user", "content": "hello\nworld"}, msgs[1])
	assert.Equal(t, map[string]interface{}{"role": "assistant", "content": "hi"}, msgs[2])

	assert.Equal(t, float64(256), req.Payload["max_tokens"])
	assert.Equal(t, 0.5, req.Payload["temperature"])
}

func TestNormalizeAnthropicRejectsStreaming(t *testing.T) {
	_, err := NormalizeAnthropic([]byte(`{"model":"claude-3-5-sonnet-latest","stream":true,"messages":[]}`), NewModelMapping())
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestNormalizeAnthropicPromotesPrompt(t *testing.T) {
	req, err := NormalizeAnthropic([]byte(`{"model":"claude-2.1","prompt":"just this"}`), NewModelMapping())
	require.NoError(t, err)

	msgs := req.Payload["messages"].([]interface{})
	require.Len(t, msgs, 1)
	assert.Equal(t, "just this", msgs[0].(map[string]interface{})["content"])
}

func TestNormalizeAnthropicRequiresContent(t *testing.T) {
	_, err := NormalizeAnthropic([]byte(`{"model":"claude-2.1"}`), NewModelMapping())
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestNormalizeOllamaChat(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [{"role":"user","content":"hi"}],
		"stream": true,
		"options": {"temperature": 0.3, "num_predict": 64, "top_p": 0.8}
	}`)

	req, err := NormalizeOllama(body, VariantChat)
	require.NoError(t, err)

	assert.Equal(t, SchemaOllama, req.Schema)
	assert.Equal(t, VariantChat, req.Variant)
	assert.True(t, req.Stream)
	assert.Equal(t, 0.3, req.Payload["temperature"])
	assert.Equal(t, float64(64), req.Payload["max_tokens"])
	assert.Equal(t, 0.8, req.Payload["top_p"])
}

func TestNormalizeOllamaBodyValueBeatsOptions(t *testing.T) {
	body := []byte(`{"model":"m","messages":[],"temperature":0.9,"options":{"temperature":0.1}}`)
	req, err := NormalizeOllama(body, VariantChat)
	require.NoError(t, err)
	assert.Equal(t, 0.9, req.Payload["temperature"])
}

func TestNormalizeOllamaGenerateSynthesizesChat(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","system":"sys","template":"tmpl","prompt":"write code"}`)
	req, err := NormalizeOllama(body, VariantGenerate)
	require.NoError(t, err)

	msgs := req.Payload["messages"].([]interface{})
	require.Len(t, msgs, 3)
	assert.Equal(t, map[string]interface{}{"role": "system", "content": "sys"}, msgs[0])
	assert.Equal(t, map[string]interface{}{"role": "system", "content": "tmpl"}, msgs[1])
	assert.Equal(t, map[string]interface{}{"role": "user", "content": "write code"}, msgs[2])
	assert.Equal(t, false, req.Payload["stream"])
}

func TestExtractContent(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{"string", "plain", "plain"},
		{"text blocks", []interface{}{
			map[string]interface{}{"type": "text", "text": "a"},
			map[string]interface{}{"type": "text", "text": "b"},
		}, "a\nb"},
		{"mixed blocks", []interface{}{
			map[string]interface{}{"type": "text", "text": "a"},
			map[string]interface{}{"type": "image", "source": "x"},
		}, "a\n"},
		{"object with text", map[string]interface{}{"text": "t"}, "t"},
		{"object with content", map[string]interface{}{"content": "c"}, "c"},
		{"nil", nil, ""},
		{"number", float64(3), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractContent(tt.in))
		})
	}
}

func TestLastUserText(t *testing.T) {
	req, err := NormalizeOpenAI([]byte(`{"model":"m","messages":[{"role":"user","content":"first"},{"role":"user","content":"  ::models  "}]}`))
	require.NoError(t, err)
	assert.Equal(t, "::models", lastUserText(req))

	empty, err := NormalizeOpenAI([]byte(`{"model":"m"}`))
	require.NoError(t, err)
	assert.Empty(t, lastUserText(empty))
}
