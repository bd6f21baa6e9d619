package catalog

import (
	"context"
	"time"

	"copilot-gateway/internal/auth"

	"go.uber.org/zap"
)

// ActiveProfiles resolves which profile the scheduler refreshes.
type ActiveProfiles interface {
	GetActive() (string, error)
}

// TokenSource supplies a fresh credential for scheduled refreshes.
type TokenSource interface {
	Resolve(ctx context.Context, opts auth.ResolveOptions) string
}

// Service runs the scheduled catalog refresher: one background task per
// process that keeps the active profile's entry from going stale.
type Service struct {
	catalog  *Catalog
	profiles ActiveProfiles
	tokens   TokenSource
	interval time.Duration
	verify   bool
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService builds the scheduler. interval is both the tick period and
// the staleness bound handed to EnsureFresh.
func NewService(c *Catalog, profiles ActiveProfiles, tokens TokenSource, interval time.Duration, verify bool, logger *zap.Logger) *Service {
	return &Service{
		catalog:  c,
		profiles: profiles,
		tokens:   tokens,
		interval: interval,
		verify:   verify,
		logger:   logger,
	}
}

// Start launches the refresher. The first tick runs immediately; later
// ticks run every interval and never overlap, because the next tick only
// fires after the previous one returns.
func (s *Service) Start() {
	if s.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.tick(ctx)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop cancels the refresher and waits for a tick in flight to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}

// tick refreshes the active profile's entry when it has gone stale.
// Failures are logged, never raised.
func (s *Service) tick(ctx context.Context) {
	profileID, err := s.profiles.GetActive()
	if err != nil {
		s.logger.Warn("scheduled refresh: resolving active profile", zap.Error(err))
		return
	}
	if profileID == "" {
		s.logger.Debug("scheduled refresh: no active profile")
		return
	}

	token := s.tokens.Resolve(ctx, auth.ResolveOptions{RefreshIfMissing: true})
	if token == "" {
		s.logger.Debug("scheduled refresh: no credential available")
		return
	}

	if _, err := s.catalog.EnsureFresh(ctx, RefreshOptions{
		ProfileID: profileID,
		Token:     token,
		Verify:    s.verify,
		Source:    SourceScheduled,
	}, s.interval); err != nil {
		s.logger.Warn("scheduled refresh failed",
			zap.String("profile", profileID), zap.Error(err))
	}
}
