package transform

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dop251/goja"
)

// scriptModule runs a JavaScript transform loaded from disk. The file
// may export a request(payload) function returning {payload?, headers?}
// and/or a response(json) function returning the replacement document.
// A goja runtime is not safe for concurrent use, so calls serialize on
// the module's mutex.
type scriptModule struct {
	name     string
	mu       sync.Mutex
	vm       *goja.Runtime
	request  goja.Callable
	response goja.Callable
}

func loadScriptModule(path string) (Module, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading transform script: %w", err)
	}

	vm := goja.New()
	if _, err := vm.RunScript(path, string(src)); err != nil {
		return nil, fmt.Errorf("evaluating transform script: %w", err)
	}

	mod := &scriptModule{
		name: "script:" + filepath.Base(path),
		vm:   vm,
	}
	if fn, ok := goja.AssertFunction(vm.Get("request")); ok {
		mod.request = fn
	}
	if fn, ok := goja.AssertFunction(vm.Get("response")); ok {
		mod.response = fn
	}
	if mod.request == nil && mod.response == nil {
		return nil, fmt.Errorf("script exports neither request nor response")
	}
	return mod, nil
}

func (m *scriptModule) Name() string { return m.name }

func (m *scriptModule) Request(ctx *Context, payload map[string]interface{}) (*RequestResult, error) {
	if m.request == nil {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	v, err := m.request(goja.Undefined(), m.vm.ToValue(payload))
	if err != nil {
		return nil, err
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}

	exported := v.Export()
	out, ok := exported.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("script request returned %T, want object", exported)
	}

	res := &RequestResult{}
	if p, ok := out["payload"].(map[string]interface{}); ok {
		res.Payload = p
	}
	if h, ok := out["headers"].(map[string]interface{}); ok {
		res.Headers = make(map[string]string, len(h))
		for k, v := range h {
			if s, ok := v.(string); ok {
				res.Headers[k] = s
			}
		}
	}
	return res, nil
}

func (m *scriptModule) Response(ctx *Context, body []byte) ([]byte, error) {
	if m.response == nil {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	v, err := m.response(goja.Undefined(), m.vm.ToValue(doc))
	if err != nil {
		return nil, err
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	return json.Marshal(v.Export())
}
