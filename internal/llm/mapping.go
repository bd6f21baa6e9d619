package llm

import (
	"sort"
	"strings"
	"sync"
)

// Upstream targets for the Anthropic prefix rules. The selector still
// validates the result against the catalog, so an id missing from the
// account's plan falls back there.
const (
	mappedSonnet  = "claude-3.5-sonnet"
	mappedHaiku   = "claude-3.5-haiku"
	mappedOpus    = "claude-3.7-sonnet"
	mappedUnknown = "gpt-5"
)

// defaultAnthropicMap translates well-known Anthropic model names to the
// Copilot ids that serve the same tier.
var defaultAnthropicMap = map[string]string{
	"claude-sonnet-4-20250514":   "claude-sonnet-4",
	"claude-opus-4-20250514":     "claude-opus-4",
	"claude-3-7-sonnet-20250219": "claude-3.7-sonnet",
	"claude-3-7-sonnet-latest":   "claude-3.7-sonnet",
	"claude-3-5-sonnet-20241022": "claude-3.5-sonnet",
	"claude-3-5-sonnet-20240620": "claude-3.5-sonnet",
	"claude-3-5-sonnet-latest":   "claude-3.5-sonnet",
	"claude-3-5-haiku-20241022":  "claude-3.5-haiku",
	"claude-3-5-haiku-latest":    "claude-3.5-haiku",
}

// ModelMapping translates Anthropic model names into upstream Copilot
// ids. Two layers: the immutable built-in defaults and a session
// override map written by the in-chat commands. Session overrides are
// per server instance and never persisted.
type ModelMapping struct {
	mu      sync.RWMutex
	session map[string]string
}

// NewModelMapping builds a mapping with no session overrides.
func NewModelMapping() *ModelMapping {
	return &ModelMapping{session: make(map[string]string)}
}

// Resolve translates name through session overrides, then the built-in
// defaults, then the prefix rules.
func (m *ModelMapping) Resolve(name string) string {
	if name == "" {
		return mappedUnknown
	}

	m.mu.RLock()
	out, ok := m.session[name]
	m.mu.RUnlock()
	if ok {
		return out
	}

	if out, ok := defaultAnthropicMap[name]; ok {
		return out
	}

	switch {
	case strings.HasPrefix(name, "claude-3-5-"):
		return mappedSonnet
	case strings.HasPrefix(name, "claude-3-haiku"):
		return mappedHaiku
	case strings.HasPrefix(name, "claude-3-"), strings.HasPrefix(name, "claude-2"):
		return mappedOpus
	}
	return mappedUnknown
}

// SetOverride inserts or overwrites a session mapping.
func (m *ModelMapping) SetOverride(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session[from] = to
}

// ResetOverrides clears all session mappings.
func (m *ModelMapping) ResetOverrides() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = make(map[string]string)
}

// Overrides returns the session mappings sorted by source name, for the
// in-chat models listing.
func (m *ModelMapping) Overrides() [][2]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][2]string, 0, len(m.session))
	for from, to := range m.session {
		out = append(out, [2]string{from, to})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
