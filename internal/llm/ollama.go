package llm

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// maxSSELine bounds one upstream SSE event. Copilot deltas are small;
// this guards against pathological lines.
const maxSSELine = 1 << 20

// TranslateOllamaStream converts an upstream SSE body into Ollama
// newline-delimited JSON. Each delta with content becomes one non-done
// chunk; the terminal chunk aggregates the full text and timing. flush
// is invoked after each line so clients see chunks as they arrive.
func TranslateOllamaStream(r io.Reader, w io.Writer, flush func(), variant, model string) error {
	start := time.Now()
	var (
		full       strings.Builder
		doneReason = "stop"
	)

	emit := func(chunk map[string]interface{}) error {
		line, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return err
		}
		flush()
		return nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxSSELine)

scan:
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break scan
		}
		if !gjson.Valid(data) {
			continue
		}

		if finish := gjson.Get(data, "choices.0.finish_reason"); finish.Exists() && finish.String() != "" {
			doneReason = finish.String()
		}

		segment := deltaText(gjson.Get(data, "choices.0.delta.content"))
		if segment == "" {
			continue
		}
		full.WriteString(segment)
		if err := emit(ollamaChunk(variant, model, segment, false)); err != nil {
			return err
		}
	}

	// Emit the terminal chunk even when the reader ended early or was
	// cancelled, so clients always observe done:true.
	scanErr := scanner.Err()
	if err := emit(ollamaDoneChunk(variant, model, full.String(), doneReason, time.Since(start), 0, 0)); err != nil {
		return err
	}
	return scanErr
}

// deltaText extracts text from a delta content value, which may be a
// plain string or an array of typed parts.
func deltaText(v gjson.Result) string {
	if !v.Exists() {
		return ""
	}
	if v.Type == gjson.String {
		return v.String()
	}
	if v.IsArray() {
		var b strings.Builder
		for _, part := range v.Array() {
			if part.Type == gjson.String {
				b.WriteString(part.String())
			} else if t := part.Get("text"); t.Exists() {
				b.WriteString(t.String())
			}
		}
		return b.String()
	}
	return ""
}

// shapeOllamaResponse converts a non-streaming upstream response into
// the Ollama done chunk.
func shapeOllamaResponse(upstreamBody []byte, variant, model string, elapsed time.Duration) map[string]interface{} {
	text := gjson.GetBytes(upstreamBody, "choices.0.message.content").String()
	doneReason := "stop"
	if finish := gjson.GetBytes(upstreamBody, "choices.0.finish_reason"); finish.Exists() && finish.String() != "" {
		doneReason = finish.String()
	}
	prompt := gjson.GetBytes(upstreamBody, "usage.prompt_tokens").Int()
	eval := gjson.GetBytes(upstreamBody, "usage.completion_tokens").Int()
	return ollamaDoneChunk(variant, model, text, doneReason, elapsed, prompt, eval)
}
