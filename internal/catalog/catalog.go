// Package catalog maintains the per-profile view of upstream models:
// which ids exist, which the account can actually call, and how fresh
// that knowledge is. State is persisted as a single JSON file keyed by
// profile id.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"copilot-gateway/internal/upstream"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const (
	catalogFile   = "model-catalog.json"
	schemaVersion = 1

	// StatusReady means the last refresh succeeded and the entry is
	// within its TTL.
	StatusReady = "ready"
	// StatusStale means the entry outlived its TTL but is still served.
	StatusStale = "stale"
	// StatusError means the last refresh failed.
	StatusError = "error"

	// SourceManual marks entries written by request-driven refreshes.
	SourceManual = "manual"
	// SourceScheduled marks entries written by the background refresher.
	SourceScheduled = "scheduled"

	// DefaultVerifyConcurrency bounds parallel model probes.
	DefaultVerifyConcurrency = 3
)

// Lister is the slice of the upstream client the catalog consumes.
type Lister interface {
	ListModels(ctx context.Context, token string) ([]upstream.ModelDescriptor, error)
	VerifyModel(ctx context.Context, token, modelID string) bool
}

// Stats summarizes one refresh pass.
type Stats struct {
	Total      int   `json:"total"`
	Working    int   `json:"working"`
	Failed     int   `json:"failed"`
	DurationMS int64 `json:"duration_ms"`
	Validated  bool  `json:"validated"`
}

// Entry is the stored per-profile catalog record.
type Entry struct {
	ProfileID     string                     `json:"profile_id"`
	UpdatedAt     int64                      `json:"updated_at"`      // unix millis
	LastAttemptAt int64                      `json:"last_attempt_at"` // unix millis
	TTLMS         int64                      `json:"ttl_ms"`
	Models        []string                   `json:"models"`
	RawModels     []upstream.ModelDescriptor `json:"raw_models"`
	Status        string                     `json:"status"`
	Source        string                     `json:"source"`
	Stats         Stats                      `json:"stats"`
	FailedModels  []string                   `json:"failed_models,omitempty"`
	Error         string                     `json:"error,omitempty"`
}

// View is the materialized read form of an entry, with derived fields.
type View struct {
	Entry
	AgeMS     int64 `json:"age_ms"`
	ExpiresAt int64 `json:"expires_at"`
}

// view derives the effective status at read time. A stored error stays
// an error; otherwise the entry is stale once past its TTL.
func (e *Entry) view(now time.Time) *View {
	v := &View{
		Entry:     *e,
		AgeMS:     now.UnixMilli() - e.UpdatedAt,
		ExpiresAt: e.UpdatedAt + e.TTLMS,
	}
	if v.Status != StatusError && now.UnixMilli() > v.ExpiresAt {
		v.Status = StatusStale
	}
	return v
}

// RefreshOptions parameterizes one catalog refresh.
type RefreshOptions struct {
	ProfileID   string
	Token       string
	Verify      bool
	Source      string
	TTLMS       int64 // 0 uses the catalog default
	Concurrency int   // 0 uses DefaultVerifyConcurrency
	OnProgress  func(modelID string, ok bool)
}

// Catalog holds the in-memory entries and their on-disk mirror.
type Catalog struct {
	dir        string
	client     Lister
	defaultTTL time.Duration
	logger     *zap.Logger

	mu      sync.RWMutex
	entries map[string]*Entry

	group singleflight.Group

	now func() time.Time
}

// New loads the catalog from dir. Malformed or unknown-version state is
// discarded and the catalog starts empty.
func New(dir string, client Lister, defaultTTL time.Duration, logger *zap.Logger) *Catalog {
	c := &Catalog{
		dir:        dir,
		client:     client,
		defaultTTL: defaultTTL,
		logger:     logger,
		entries:    make(map[string]*Entry),
		now:        time.Now,
	}
	c.load()
	return c
}

type storedState struct {
	Version   int               `json:"version"`
	UpdatedAt int64             `json:"updated_at"`
	Entries   map[string]*Entry `json:"entries"`
}

func (c *Catalog) load() {
	data, err := os.ReadFile(filepath.Join(c.dir, catalogFile))
	if err != nil {
		return
	}
	var state storedState
	if err := json.Unmarshal(data, &state); err != nil || state.Version != schemaVersion {
		c.logger.Warn("discarding unreadable model catalog state")
		return
	}
	if state.Entries != nil {
		c.entries = state.Entries
	}
}

// persist rewrites the full on-disk state. Called with c.mu held.
func (c *Catalog) persistLocked() {
	state := storedState{
		Version:   schemaVersion,
		UpdatedAt: c.now().UnixMilli(),
		Entries:   c.entries,
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		c.logger.Warn("marshaling model catalog", zap.Error(err))
		return
	}
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		c.logger.Warn("creating catalog dir", zap.Error(err))
		return
	}
	if err := os.WriteFile(filepath.Join(c.dir, catalogFile), data, 0o600); err != nil {
		c.logger.Warn("writing model catalog", zap.Error(err))
	}
}

// GetEntry is a pure read of one profile's materialized entry. Returns
// nil when the profile has no entry.
func (c *Catalog) GetEntry(profileID string) *View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[profileID]
	if !ok {
		return nil
	}
	return e.view(c.now())
}

// Clear evicts one entry, or every entry when profileID is empty.
func (c *Catalog) Clear(profileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if profileID == "" {
		c.entries = make(map[string]*Entry)
	} else {
		delete(c.entries, profileID)
	}
	c.persistLocked()
}

// Refresh recomputes one profile's entry. Refreshes are single-flight
// per profile id: a concurrent call for the same profile awaits the
// in-flight result instead of starting another upstream sweep. The
// resulting entry is persisted on success and on failure.
func (c *Catalog) Refresh(ctx context.Context, opts RefreshOptions) (*View, error) {
	type result struct {
		view *View
		err  error
	}
	v, _, _ := c.group.Do(opts.ProfileID, func() (interface{}, error) {
		view, err := c.doRefresh(ctx, opts)
		return result{view, err}, nil
	})
	res := v.(result)
	return res.view, res.err
}

func (c *Catalog) doRefresh(ctx context.Context, opts RefreshOptions) (*View, error) {
	start := c.now()
	ttl := opts.TTLMS
	if ttl <= 0 {
		ttl = c.defaultTTL.Milliseconds()
	}

	models, failed, raw, validated, err := c.sweep(ctx, opts)
	now := c.now()

	entry := &Entry{
		ProfileID:     opts.ProfileID,
		LastAttemptAt: now.UnixMilli(),
		TTLMS:         ttl,
		Source:        opts.Source,
	}
	if err != nil {
		entry.Status = StatusError
		entry.Error = err.Error()
		entry.Models = []string{}
		entry.UpdatedAt = now.UnixMilli()
		entry.Stats = Stats{DurationMS: now.Sub(start).Milliseconds()}
	} else {
		entry.Status = StatusReady
		entry.UpdatedAt = now.UnixMilli()
		entry.Models = models
		entry.RawModels = raw
		entry.FailedModels = failed
		entry.Stats = Stats{
			Total:      len(raw),
			Working:    len(models),
			Failed:     len(failed),
			DurationMS: now.Sub(start).Milliseconds(),
			Validated:  validated,
		}
	}

	c.mu.Lock()
	c.entries[opts.ProfileID] = entry
	c.persistLocked()
	c.mu.Unlock()

	c.logger.Info("model catalog refreshed",
		zap.String("profile", opts.ProfileID),
		zap.String("status", entry.Status),
		zap.String("source", opts.Source),
		zap.Int("working", len(entry.Models)),
		zap.Int64("duration_ms", entry.Stats.DurationMS))

	return entry.view(c.now()), err
}

// sweep lists upstream models and optionally verifies each with bounded
// concurrency.
func (c *Catalog) sweep(ctx context.Context, opts RefreshOptions) (working, failed []string, raw []upstream.ModelDescriptor, validated bool, err error) {
	raw, err = c.client.ListModels(ctx, opts.Token)
	if err != nil {
		return nil, nil, nil, false, err
	}
	raw = filterChatModels(raw)

	ids := make([]string, 0, len(raw))
	for _, m := range raw {
		ids = append(ids, m.ID)
	}

	if !opts.Verify || len(ids) == 0 {
		return ids, nil, raw, false, nil
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultVerifyConcurrency
	}
	if concurrency > len(ids) {
		concurrency = len(ids)
	}

	sem := semaphore.NewWeighted(int64(concurrency))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
		ok = make(map[string]bool, len(ids))
	)
	for _, id := range ids {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Cancellation between items aborts the whole batch.
			wg.Wait()
			return nil, nil, nil, false, err
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer sem.Release(1)
			passed := c.client.VerifyModel(ctx, opts.Token, id)
			mu.Lock()
			ok[id] = passed
			mu.Unlock()
			if opts.OnProgress != nil {
				opts.OnProgress(id, passed)
			}
		}(id)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, nil, false, err
	}

	// Keep upstream ordering for the working list.
	for _, id := range ids {
		if ok[id] {
			working = append(working, id)
		} else {
			failed = append(failed, id)
		}
	}
	return working, failed, raw, true, nil
}

// filterChatModels drops listings that cannot serve chat completions.
func filterChatModels(models []upstream.ModelDescriptor) []upstream.ModelDescriptor {
	out := models[:0]
	for _, m := range models {
		id := strings.ToLower(m.ID)
		if strings.Contains(id, "embedding") || strings.HasPrefix(id, "oswe-") {
			continue
		}
		out = append(out, m)
	}
	return out
}

// EnsureFresh returns the current entry, refreshing first when it is
// absent, errored, or older than staleAfter. A zero staleAfter uses the
// entry TTL.
func (c *Catalog) EnsureFresh(ctx context.Context, opts RefreshOptions, staleAfter time.Duration) (*View, error) {
	entry := c.GetEntry(opts.ProfileID)
	staleMS := staleAfter.Milliseconds()
	if staleMS <= 0 {
		staleMS = c.defaultTTL.Milliseconds()
	}
	if entry != nil && entry.Entry.Status != StatusError && entry.AgeMS <= staleMS {
		return entry, nil
	}
	return c.Refresh(ctx, opts)
}

// ErrNoEntry is returned by callers that require an existing entry.
var ErrNoEntry = errors.New("no catalog entry for profile")
