package catalog

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Selection source values.
const (
	SourceRequested  = "requested"
	SourceDefault    = "default"
	SourceCatalog    = "catalog"
	SourceConfigured = "configured"
)

// SelectInput carries what the selector needs for one decision.
type SelectInput struct {
	Requested    string
	DefaultModel string
	ProfileID    string
	Token        string
}

// Selection is the outcome: which upstream model id to send and how the
// decision was made. Fallback is set when the returned id differs from
// what the caller asked for.
type Selection struct {
	Model     string
	Fallback  bool
	Source    string
	Refreshed bool
}

// Selector decides the upstream model id for a request by consulting the
// profile's catalog entry, refreshing it once when cold.
type Selector struct {
	catalog *Catalog
	logger  *zap.Logger
}

// NewSelector builds a selector over the given catalog.
func NewSelector(c *Catalog, logger *zap.Logger) *Selector {
	return &Selector{catalog: c, logger: logger}
}

// Select implements the model decision. Without a credential or profile
// the choice is pure configuration; otherwise the catalog is consulted
// for a case-insensitive match on the requested model, then the default
// model, then the first catalog entry, with a one-shot unverified
// refresh when the catalog is empty.
func (s *Selector) Select(ctx context.Context, in SelectInput) Selection {
	requested := strings.TrimSpace(in.Requested)

	if in.Token == "" || in.ProfileID == "" {
		return configuredSelection(requested, in.DefaultModel)
	}

	if sel, ok := s.fromEntry(requested, in); ok {
		return sel
	}

	// Cold catalog: one unverified refresh, then retry the match.
	_, err := s.catalog.Refresh(ctx, RefreshOptions{
		ProfileID: in.ProfileID,
		Token:     in.Token,
		Verify:    false,
		Source:    SourceManual,
	})
	if err != nil {
		s.logger.Debug("selector catalog refresh failed",
			zap.String("profile", in.ProfileID), zap.Error(err))
		return configuredSelection(requested, in.DefaultModel)
	}
	if sel, ok := s.fromEntry(requested, in); ok {
		sel.Refreshed = true
		return sel
	}
	sel := configuredSelection(requested, in.DefaultModel)
	sel.Refreshed = true
	return sel
}

// fromEntry attempts the catalog-backed choice. ok is false when the
// entry is missing or has no models.
func (s *Selector) fromEntry(requested string, in SelectInput) (Selection, bool) {
	entry := s.catalog.GetEntry(in.ProfileID)
	if entry == nil || len(entry.Models) == 0 {
		return Selection{}, false
	}

	if requested != "" {
		if canonical, ok := findFold(entry.Models, requested); ok {
			return Selection{Model: canonical, Source: SourceRequested}, true
		}
	}
	if canonical, ok := findFold(entry.Models, in.DefaultModel); ok {
		return Selection{Model: canonical, Source: SourceDefault, Fallback: requested != ""}, true
	}
	return Selection{Model: entry.Models[0], Source: SourceCatalog, Fallback: true}, true
}

// configuredSelection is the pure-config passthrough used when the
// catalog cannot be consulted. Fallback stays false on this path, even
// when the requested model is replaced by the configured default: with
// no catalog to consult, nothing is known to contradict the choice.
func configuredSelection(requested, defaultModel string) Selection {
	if requested != "" {
		return Selection{Model: requested, Source: SourceConfigured}
	}
	return Selection{Model: defaultModel, Source: SourceConfigured}
}

// findFold returns the canonical (catalog-cased) form of a
// case-insensitive match.
func findFold(models []string, want string) (string, bool) {
	for _, m := range models {
		if strings.EqualFold(m, want) {
			return m, true
		}
	}
	return "", false
}
