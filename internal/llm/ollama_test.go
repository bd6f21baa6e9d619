package llm

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeNDJSON(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var chunks []map[string]interface{}
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var chunk map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &chunk))
		chunks = append(chunks, chunk)
	}
	return chunks
}

func TestTranslateOllamaStreamChat(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"choices":[{"delta":{"role":"assistant"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":"Hello"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":" world"}}]}`,
		``,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	var buf bytes.Buffer
	err := TranslateOllamaStream(strings.NewReader(sse), &buf, func() {}, VariantChat, "gpt-4o")
	require.NoError(t, err)

	chunks := decodeNDJSON(t, &buf)
	require.Len(t, chunks, 3)

	first := chunks[0]
	assert.Equal(t, "gpt-4o", first["model"])
	assert.Equal(t, false, first["done"])
	msg := first["message"].(map[string]interface{})
	assert.Equal(t, "Hello", msg["content"])

	last := chunks[2]
	assert.Equal(t, true, last["done"])
	assert.Equal(t, "stop", last["done_reason"])
	assert.Equal(t, "Hello world", last["message"].(map[string]interface{})["content"])
	assert.Contains(t, last, "total_duration")
	assert.Contains(t, last, "eval_count")
}

func TestTranslateOllamaStreamGenerateVariant(t *testing.T) {
	sse := "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n"

	var buf bytes.Buffer
	err := TranslateOllamaStream(strings.NewReader(sse), &buf, func() {}, VariantGenerate, "m")
	require.NoError(t, err)

	chunks := decodeNDJSON(t, &buf)
	require.Len(t, chunks, 2)
	assert.Equal(t, "hi", chunks[0]["response"])
	assert.NotContains(t, chunks[0], "message")
	assert.Equal(t, "hi", chunks[1]["response"])
}

func TestTranslateOllamaStreamArrayDeltas(t *testing.T) {
	sse := `data: {"choices":[{"delta":{"content":[{"type":"text","text":"part"}]}}]}` + "\n\ndata: [DONE]\n"

	var buf bytes.Buffer
	require.NoError(t, TranslateOllamaStream(strings.NewReader(sse), &buf, func() {}, VariantChat, "m"))

	chunks := decodeNDJSON(t, &buf)
	require.Len(t, chunks, 2)
	assert.Equal(t, "part", chunks[0]["message"].(map[string]interface{})["content"])
}

func TestTranslateOllamaStreamTruncatedStillEmitsDone(t *testing.T) {
	// Reader ends mid-stream without [DONE].
	sse := "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n"

	var buf bytes.Buffer
	err := TranslateOllamaStream(strings.NewReader(sse), &buf, func() {}, VariantChat, "m")
	require.NoError(t, err)

	chunks := decodeNDJSON(t, &buf)
	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	assert.Equal(t, true, last["done"], "clients must always observe done:true")
}

func TestTranslateOllamaStreamSkipsGarbage(t *testing.T) {
	sse := strings.Join([]string{
		`: comment line`,
		`data: {not json`,
		`data: {"choices":[{"delta":{"content":"ok"}}]}`,
		`data: [DONE]`,
	}, "\n")

	var buf bytes.Buffer
	require.NoError(t, TranslateOllamaStream(strings.NewReader(sse), &buf, func() {}, VariantChat, "m"))

	chunks := decodeNDJSON(t, &buf)
	require.Len(t, chunks, 2)
	assert.Equal(t, "ok", chunks[0]["message"].(map[string]interface{})["content"])
}

func TestShapeOllamaResponse(t *testing.T) {
	upstream := []byte(`{
		"choices": [{"message":{"role":"assistant","content":"done deal"},"finish_reason":"length"}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 34}
	}`)

	chunk := shapeOllamaResponse(upstream, VariantChat, "gpt-4o", 150*time.Millisecond)

	assert.Equal(t, true, chunk["done"])
	assert.Equal(t, "length", chunk["done_reason"])
	assert.Equal(t, "done deal", chunk["message"].(map[string]interface{})["content"])
	assert.EqualValues(t, 12, chunk["prompt_eval_count"])
	assert.EqualValues(t, 34, chunk["eval_count"])
	assert.EqualValues(t, (150 * time.Millisecond).Nanoseconds(), chunk["total_duration"])
}
