package llm

import (
	"context"
	"testing"

	"copilot-gateway/internal/catalog"
	"copilot-gateway/internal/config"
	"copilot-gateway/internal/upstream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// listerStub feeds the catalog a fixed model list.
type listerStub struct{ ids []string }

func (l listerStub) ListModels(ctx context.Context, token string) ([]upstream.ModelDescriptor, error) {
	out := make([]upstream.ModelDescriptor, 0, len(l.ids))
	for _, id := range l.ids {
		out = append(out, upstream.ModelDescriptor{ID: id, Object: "model", OwnedBy: "test", Created: 1})
	}
	return out, nil
}

func (l listerStub) VerifyModel(ctx context.Context, token, modelID string) bool { return true }

func newTestCommands(t *testing.T, ids ...string) (*Commands, *catalog.Catalog) {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	cat := catalog.New(t.TempDir(), listerStub{ids}, 0, zap.NewNop())
	return NewCommands(cfg, NewModelMapping(), cat, zap.NewNop()), cat
}

func TestDetect(t *testing.T) {
	c, _ := newTestCommands(t)

	tests := []struct {
		text     string
		wantCmd  string
		wantArgs []string
		wantOK   bool
	}{
		{"::help", "help", []string{}, true},
		{"  ::models  ", "models", []string{}, true},
		{"::set-model [claude-x] [gpt-4o]", "set-model", []string{"claude-x", "gpt-4o"}, true},
		{"::config set verbose 2", "config", []string{"set", "verbose", "2"}, true},
		{"plain chat message", "", nil, false},
		{"mentions :: mid-sentence", "", nil, false},
		{"::", "", nil, false},
	}
	for _, tt := range tests {
		cmd, args, ok := c.Detect(tt.text)
		assert.Equal(t, tt.wantOK, ok, "text %q", tt.text)
		if tt.wantOK {
			assert.Equal(t, tt.wantCmd, cmd, "text %q", tt.text)
			assert.ElementsMatch(t, tt.wantArgs, args, "text %q", tt.text)
		}
	}
}

func TestDetectCustomTriggers(t *testing.T) {
	c, _ := newTestCommands(t)
	c.cfg.CommandTriggers = []string{"!!", "::"}

	cmd, _, ok := c.Detect("!!help")
	require.True(t, ok)
	assert.Equal(t, "help", cmd)
}

func TestExecuteHelp(t *testing.T) {
	c, _ := newTestCommands(t)
	out := c.Execute(context.Background(), "help", nil, "", "")
	assert.Contains(t, out, "::help")
	assert.Contains(t, out, "::set-model")
}

func TestExecuteModelsWithoutToken(t *testing.T) {
	c, _ := newTestCommands(t)
	out := c.Execute(context.Background(), "models", nil, "github-a", "")
	assert.Contains(t, out, "No token available")
}

func TestExecuteModelsListsCatalog(t *testing.T) {
	c, cat := newTestCommands(t, "gpt-4o", "claude-3.5-sonnet")
	_, err := cat.Refresh(context.Background(), catalog.RefreshOptions{
		ProfileID: "github-a", Token: "tok", Source: catalog.SourceManual,
	})
	require.NoError(t, err)

	out := c.Execute(context.Background(), "models", nil, "github-a", "ghu_token123456")
	assert.Contains(t, out, "claude-3.5-sonnet")
	assert.Contains(t, out, "▶ gpt-4o", "the default model is marked")
}

func TestExecuteSetModelAndReset(t *testing.T) {
	c, _ := newTestCommands(t)

	out := c.Execute(context.Background(), "set-model", []string{"claude-x", "o3-mini"}, "", "")
	assert.Contains(t, out, "claude-x")
	assert.Equal(t, "o3-mini", c.mapping.Resolve("claude-x"))

	c.Execute(context.Background(), "reset-models", nil, "", "")
	assert.Equal(t, "gpt-5", c.mapping.Resolve("claude-x"))
}

func TestExecuteSetModelUsage(t *testing.T) {
	c, _ := newTestCommands(t)
	out := c.Execute(context.Background(), "set-model", []string{"only-one"}, "", "")
	assert.Contains(t, out, "Usage")
}

func TestExecuteConfig(t *testing.T) {
	c, _ := newTestCommands(t)

	listing := c.Execute(context.Background(), "config", nil, "", "")
	assert.Contains(t, listing, "model.default")

	out := c.Execute(context.Background(), "config", []string{"set", "model.default", "o3-mini"}, "", "")
	assert.Contains(t, out, "o3-mini")
	assert.Equal(t, "o3-mini", c.cfg.Model.Default)

	bad := c.Execute(context.Background(), "config", []string{"set", "verbose", "nine"}, "", "")
	assert.Contains(t, bad, "Error")
}

func TestExecuteUnknownCommand(t *testing.T) {
	c, _ := newTestCommands(t)
	out := c.Execute(context.Background(), "frobnicate", nil, "", "")
	assert.Contains(t, out, "Unknown in-chat command")
}

func TestExecuteDashPrefixedCommand(t *testing.T) {
	c, _ := newTestCommands(t)
	out := c.Execute(context.Background(), "--help", nil, "", "")
	assert.Contains(t, out, "In-chat commands")
}
