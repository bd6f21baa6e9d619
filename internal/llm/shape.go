package llm

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Error envelope types used by the OpenAI/Anthropic schemas.
const (
	ErrTypeInvalidRequest = "invalid_request_error"
	ErrTypeUpstream       = "upstream_error"
	ErrTypeParse          = "parse_error"
)

// openAIError renders the OpenAI/Anthropic error envelope.
func openAIError(errType, message, code string) map[string]interface{} {
	e := map[string]interface{}{
		"message": message,
		"type":    errType,
	}
	if code != "" {
		e["code"] = code
	}
	return map[string]interface{}{"error": e}
}

// ollamaError renders the Ollama string error envelope.
func ollamaError(message string) map[string]interface{} {
	return map[string]interface{}{"error": message}
}

// openAIChatCompletion wraps locally produced text in a chat.completion
// object, used for command replies and the anonymous stub.
func openAIChatCompletion(model, text string) map[string]interface{} {
	return map[string]interface{}{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]interface{}{
					"role":    "assistant",
					"content": text,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]interface{}{
			"prompt_tokens":     0,
			"completion_tokens": 0,
			"total_tokens":      0,
		},
	}
}

// openAIStreamChunks renders locally produced text as a minimal SSE
// stream: one delta chunk and a final stop chunk.
func openAIStreamChunks(model, text string) []string {
	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	mk := func(delta map[string]interface{}, finish interface{}) string {
		chunk := map[string]interface{}{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []interface{}{
				map[string]interface{}{"index": 0, "delta": delta, "finish_reason": finish},
			},
		}
		b, _ := json.Marshal(chunk)
		return string(b)
	}
	return []string{
		mk(map[string]interface{}{"role": "assistant", "content": text}, nil),
		mk(map[string]interface{}{}, "stop"),
	}
}

// anthropicMessage wraps text in the Anthropic message shape. The model
// field echoes the name the client asked for.
func anthropicMessage(requestedModel, text string, stopReason interface{}, usage map[string]interface{}) map[string]interface{} {
	msg := map[string]interface{}{
		"id":    "msg_" + uuid.NewString(),
		"type":  "message",
		"role":  "assistant",
		"model": requestedModel,
		"content": []interface{}{
			map[string]interface{}{"type": "text", "text": text},
		},
		"stop_reason": stopReason,
	}
	if usage != nil {
		msg["usage"] = usage
	}
	return msg
}

// shapeAnthropicResponse converts a non-streaming upstream response into
// the Anthropic message shape.
func shapeAnthropicResponse(upstreamBody []byte, requestedModel string) map[string]interface{} {
	text := gjson.GetBytes(upstreamBody, "choices.0.message.content").String()

	var stopReason interface{}
	if finish := gjson.GetBytes(upstreamBody, "choices.0.finish_reason"); finish.Exists() {
		if finish.String() == "length" {
			stopReason = "max_tokens"
		} else {
			stopReason = "end_turn"
		}
	}

	var usage map[string]interface{}
	if u := gjson.GetBytes(upstreamBody, "usage"); u.Exists() {
		usage = map[string]interface{}{
			"input_tokens":  u.Get("prompt_tokens").Int(),
			"output_tokens": u.Get("completion_tokens").Int(),
		}
	}

	return anthropicMessage(requestedModel, text, stopReason, usage)
}

// fillOpenAIDefaults fills object, model and created on an upstream
// response that omitted them, leaving everything else untouched.
func fillOpenAIDefaults(body []byte, model string) []byte {
	if !gjson.GetBytes(body, "object").Exists() {
		body, _ = sjson.SetBytes(body, "object", "chat.completion")
	}
	if !gjson.GetBytes(body, "model").Exists() {
		body, _ = sjson.SetBytes(body, "model", model)
	}
	if !gjson.GetBytes(body, "created").Exists() {
		body, _ = sjson.SetBytes(body, "created", time.Now().Unix())
	}
	return body
}

// ollamaChunk builds one NDJSON chunk for the Ollama stream. The chat
// variant carries a message object, the generate variant a response
// string.
func ollamaChunk(variant, model, segment string, done bool) map[string]interface{} {
	chunk := map[string]interface{}{
		"model":      model,
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
		"done":       done,
	}
	if variant == VariantGenerate {
		chunk["response"] = segment
	} else {
		chunk["message"] = map[string]interface{}{"role": "assistant", "content": segment}
	}
	return chunk
}

// ollamaDoneChunk builds the terminal chunk with aggregated text and
// timing counters.
func ollamaDoneChunk(variant, model, text, doneReason string, elapsed time.Duration, promptTokens, evalTokens int64) map[string]interface{} {
	chunk := ollamaChunk(variant, model, text, true)
	chunk["done_reason"] = doneReason
	chunk["total_duration"] = elapsed.Nanoseconds()
	chunk["load_duration"] = 0
	chunk["prompt_eval_count"] = promptTokens
	chunk["eval_count"] = evalTokens
	return chunk
}

