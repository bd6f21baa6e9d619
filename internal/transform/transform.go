// Package transform implements the optional request/response
// interceptor pipelines. A pipeline is an ordered chain of named
// modules from a registry; a module failure is logged and the next
// module runs, so a transform can never fail a request.
package transform

import (
	"fmt"
	"strings"

	"copilot-gateway/internal/config"

	"go.uber.org/zap"
)

// Context carries per-request information into a module.
type Context struct {
	Route string
	Model string
}

// RequestResult is what a request-side module may change: the payload,
// extra outbound headers, or both. Nil fields mean "unchanged".
type RequestResult struct {
	Payload map[string]interface{}
	Headers map[string]string
}

// Module is one interceptor. Request runs before the upstream call on
// the normalized payload; Response runs on non-streaming response
// bodies.
type Module interface {
	Name() string
	Request(ctx *Context, payload map[string]interface{}) (*RequestResult, error)
	Response(ctx *Context, body []byte) ([]byte, error)
}

// Runner owns the per-route pipelines assembled from configuration.
type Runner struct {
	enabled   bool
	pipelines map[string][]Module
	logger    *zap.Logger
}

// NewRunner assembles pipelines from the transforms configuration. Only
// modules named in the registry allow-list are eligible; script modules
// additionally require allow_scripts. Unknown or unloadable modules are
// logged and dropped from their pipeline.
func NewRunner(cfg config.TransformsConfig, logger *zap.Logger) *Runner {
	r := &Runner{
		enabled:   cfg.Enabled,
		pipelines: make(map[string][]Module),
		logger:    logger,
	}
	if !cfg.Enabled {
		return r
	}

	allowed := make(map[string]bool, len(cfg.Registry))
	for _, name := range cfg.Registry {
		allowed[name] = true
	}

	for route, names := range cfg.Pipelines {
		var chain []Module
		for _, name := range names {
			if !allowed[name] {
				logger.Warn("transform module not in registry", zap.String("module", name))
				continue
			}
			mod, err := build(name, cfg.AllowScripts)
			if err != nil {
				logger.Warn("transform module unavailable", zap.String("module", name), zap.Error(err))
				continue
			}
			chain = append(chain, mod)
		}
		r.pipelines[route] = chain
	}
	return r
}

func build(name string, allowScripts bool) (Module, error) {
	if path, ok := strings.CutPrefix(name, "script:"); ok {
		if !allowScripts {
			return nil, fmt.Errorf("script modules disabled (transforms.allow_scripts)")
		}
		return loadScriptModule(path)
	}
	switch name {
	case "model-router":
		return &modelRouter{}, nil
	case "claude-code":
		return &claudeCode{}, nil
	}
	return nil, fmt.Errorf("unknown transform module %q", name)
}

// RunRequest applies the route's request-side chain. The returned
// headers are merged into the upstream request. Module errors are
// logged and the module skipped.
func (r *Runner) RunRequest(route string, payload map[string]interface{}) (map[string]interface{}, map[string]string) {
	headers := make(map[string]string)
	if !r.enabled {
		return payload, headers
	}
	model, _ := payload["model"].(string)
	ctx := &Context{Route: route, Model: model}

	for _, mod := range r.pipelines[route] {
		res, err := mod.Request(ctx, payload)
		if err != nil {
			r.logger.Warn("transform request module failed",
				zap.String("module", mod.Name()), zap.Error(err))
			continue
		}
		if res == nil {
			continue
		}
		if res.Payload != nil {
			payload = res.Payload
		}
		for k, v := range res.Headers {
			headers[k] = v
		}
	}
	return payload, headers
}

// RunResponse applies the route's response-side chain to a
// non-streaming body.
func (r *Runner) RunResponse(route string, body []byte) []byte {
	if !r.enabled {
		return body
	}
	ctx := &Context{Route: route}
	for _, mod := range r.pipelines[route] {
		out, err := mod.Response(ctx, body)
		if err != nil {
			r.logger.Warn("transform response module failed",
				zap.String("module", mod.Name()), zap.Error(err))
			continue
		}
		if out != nil {
			body = out
		}
	}
	return body
}
