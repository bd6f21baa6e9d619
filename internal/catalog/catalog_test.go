package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"copilot-gateway/internal/upstream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeLister scripts the upstream listing and per-model verification.
type fakeLister struct {
	mu          sync.Mutex
	models      []upstream.ModelDescriptor
	listErr     error
	broken      map[string]bool
	listCalls   int
	verifyCalls int
}

func (f *fakeLister) ListModels(ctx context.Context, token string) ([]upstream.ModelDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]upstream.ModelDescriptor(nil), f.models...), nil
}

func (f *fakeLister) VerifyModel(ctx context.Context, token, modelID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	return !f.broken[modelID]
}

func descriptors(ids ...string) []upstream.ModelDescriptor {
	out := make([]upstream.ModelDescriptor, 0, len(ids))
	for _, id := range ids {
		out = append(out, upstream.ModelDescriptor{ID: id, Object: "model", Created: 1715367049, OwnedBy: "test"})
	}
	return out
}

func TestRefreshUnverified(t *testing.T) {
	lister := &fakeLister{models: descriptors("gpt-4o", "claude-3.5-sonnet")}
	c := New(t.TempDir(), lister, time.Hour, zap.NewNop())

	view, err := c.Refresh(context.Background(), RefreshOptions{
		ProfileID: "github-a", Token: "tok", Source: SourceManual,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusReady, view.Status)
	assert.Equal(t, []string{"gpt-4o", "claude-3.5-sonnet"}, view.Models)
	assert.Equal(t, SourceManual, view.Source)
	assert.False(t, view.Stats.Validated)
	assert.Zero(t, lister.verifyCalls)
}

func TestRefreshVerifiedPartitionsModels(t *testing.T) {
	lister := &fakeLister{
		models: descriptors("gpt-4o", "locked", "claude-3.5-sonnet"),
		broken: map[string]bool{"locked": true},
	}
	c := New(t.TempDir(), lister, time.Hour, zap.NewNop())

	view, err := c.Refresh(context.Background(), RefreshOptions{
		ProfileID: "github-a", Token: "tok", Verify: true, Source: SourceManual,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"gpt-4o", "claude-3.5-sonnet"}, view.Models)
	assert.Equal(t, []string{"locked"}, view.FailedModels)
	assert.True(t, view.Stats.Validated)
	assert.Equal(t, 3, view.Stats.Total)
	assert.Equal(t, 2, view.Stats.Working)
	assert.Equal(t, 1, view.Stats.Failed)
}

func TestRefreshFiltersNonChatModels(t *testing.T) {
	lister := &fakeLister{models: descriptors("gpt-4o", "text-embedding-3-small", "oswe-agent")}
	c := New(t.TempDir(), lister, time.Hour, zap.NewNop())

	view, err := c.Refresh(context.Background(), RefreshOptions{
		ProfileID: "github-a", Token: "tok", Source: SourceManual,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4o"}, view.Models)
}

func TestRefreshErrorRecorded(t *testing.T) {
	lister := &fakeLister{listErr: errors.New("upstream down")}
	c := New(t.TempDir(), lister, time.Hour, zap.NewNop())

	view, err := c.Refresh(context.Background(), RefreshOptions{
		ProfileID: "github-a", Token: "tok", Source: SourceScheduled,
	})
	require.Error(t, err)
	require.NotNil(t, view)
	assert.Equal(t, StatusError, view.Status)
	assert.Contains(t, view.Error, "upstream down")
	assert.Empty(t, view.Models)
}

func TestGetEntryDerivesStale(t *testing.T) {
	lister := &fakeLister{models: descriptors("gpt-4o")}
	c := New(t.TempDir(), lister, time.Hour, zap.NewNop())

	_, err := c.Refresh(context.Background(), RefreshOptions{ProfileID: "github-a", Token: "tok", Source: SourceManual})
	require.NoError(t, err)

	// Move the clock past the TTL.
	c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	view := c.GetEntry("github-a")
	require.NotNil(t, view)
	assert.Equal(t, StatusStale, view.Status)
	assert.Equal(t, []string{"gpt-4o"}, view.Models, "stale entries are still served")
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	lister := &fakeLister{models: descriptors("gpt-4o")}
	c := New(dir, lister, time.Hour, zap.NewNop())

	_, err := c.Refresh(context.Background(), RefreshOptions{ProfileID: "github-a", Token: "tok", Source: SourceManual})
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "model-catalog.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reloaded := New(dir, lister, time.Hour, zap.NewNop())
	view := reloaded.GetEntry("github-a")
	require.NotNil(t, view)
	assert.Equal(t, []string{"gpt-4o"}, view.Models)
}

func TestMalformedStateStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model-catalog.json"), []byte("{bad"), 0o600))

	c := New(dir, &fakeLister{}, time.Hour, zap.NewNop())
	assert.Nil(t, c.GetEntry("github-a"))
}

func TestEnsureFreshSkipsFreshEntry(t *testing.T) {
	lister := &fakeLister{models: descriptors("gpt-4o")}
	c := New(t.TempDir(), lister, time.Hour, zap.NewNop())
	opts := RefreshOptions{ProfileID: "github-a", Token: "tok", Source: SourceScheduled}

	_, err := c.EnsureFresh(context.Background(), opts, 30*time.Minute)
	require.NoError(t, err)
	_, err = c.EnsureFresh(context.Background(), opts, 30*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 1, lister.listCalls)
}

func TestEnsureFreshRefreshesStaleEntry(t *testing.T) {
	lister := &fakeLister{models: descriptors("gpt-4o")}
	c := New(t.TempDir(), lister, time.Hour, zap.NewNop())
	opts := RefreshOptions{ProfileID: "github-a", Token: "tok", Source: SourceScheduled}

	_, err := c.EnsureFresh(context.Background(), opts, 30*time.Minute)
	require.NoError(t, err)

	c.now = func() time.Time { return time.Now().Add(45 * time.Minute) }
	_, err = c.EnsureFresh(context.Background(), opts, 30*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 2, lister.listCalls)
}

func TestEnsureFreshRetriesErroredEntry(t *testing.T) {
	lister := &fakeLister{listErr: errors.New("down")}
	c := New(t.TempDir(), lister, time.Hour, zap.NewNop())
	opts := RefreshOptions{ProfileID: "github-a", Token: "tok", Source: SourceScheduled}

	_, err := c.EnsureFresh(context.Background(), opts, 30*time.Minute)
	require.Error(t, err)

	lister.mu.Lock()
	lister.listErr = nil
	lister.models = descriptors("gpt-4o")
	lister.mu.Unlock()

	view, err := c.EnsureFresh(context.Background(), opts, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, view.Status)
}

func TestClear(t *testing.T) {
	lister := &fakeLister{models: descriptors("gpt-4o")}
	c := New(t.TempDir(), lister, time.Hour, zap.NewNop())

	_, err := c.Refresh(context.Background(), RefreshOptions{ProfileID: "github-a", Token: "tok", Source: SourceManual})
	require.NoError(t, err)

	c.Clear("github-a")
	assert.Nil(t, c.GetEntry("github-a"))
}
