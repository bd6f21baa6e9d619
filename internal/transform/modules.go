package transform

import "strings"

// modelRouter rewrites payload.model through a static map plus prefix
// rules. It lets a deployment pin aliases to concrete upstream ids
// without touching clients.
type modelRouter struct{}

var modelRouterMap = map[string]string{
	"gpt-4-turbo":   "gpt-4",
	"gpt-3.5-turbo": "gpt-4o-mini",
}

var modelRouterPrefixes = [][2]string{
	{"o1-", "o1"},
	{"o3-mini-", "o3-mini"},
}

func (m *modelRouter) Name() string { return "model-router" }

func (m *modelRouter) Request(ctx *Context, payload map[string]interface{}) (*RequestResult, error) {
	model, _ := payload["model"].(string)
	if model == "" {
		return nil, nil
	}
	if to, ok := modelRouterMap[model]; ok {
		payload["model"] = to
		return &RequestResult{Payload: payload}, nil
	}
	for _, rule := range modelRouterPrefixes {
		if strings.HasPrefix(model, rule[0]) {
			payload["model"] = rule[1]
			return &RequestResult{Payload: payload}, nil
		}
	}
	return nil, nil
}

func (m *modelRouter) Response(ctx *Context, body []byte) ([]byte, error) {
	return nil, nil
}

// claudeCode is a registered placeholder for Claude Code specific
// request shaping. It does nothing yet and is not part of any default
// pipeline.
type claudeCode struct{}

func (m *claudeCode) Name() string { return "claude-code" }

func (m *claudeCode) Request(ctx *Context, payload map[string]interface{}) (*RequestResult, error) {
	return nil, nil
}

func (m *claudeCode) Response(ctx *Context, body []byte) ([]byte, error) {
	return nil, nil
}
