// Package sweeper runs the periodic stale query sweep: running queries whose
// executor stopped heartbeating are reclaimed (marked failed) so dependent
// snapshots can recover after a process crash.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/abacus-io/abacus/internal/config"
	"github.com/abacus-io/abacus/internal/events"
	"github.com/abacus-io/abacus/internal/query"
)

// defaultSchedule runs the sweep every 30 seconds, matching the heartbeat
// interval so a crashed executor is detected within roughly one stale
// threshold.
const defaultSchedule = "@every 30s"

// sweepTimeout bounds one sweep iteration.
const sweepTimeout = 30 * time.Second

// Callback is invoked for each reclaimed query so the caller can mark
// dependent state (e.g. snapshots) as failed.
type Callback func(ctx context.Context, stale query.Stale)

// Sweeper schedules the stale query sweep with cron.
type Sweeper struct {
	cron      *cron.Cron
	store     query.Store
	publisher events.Publisher
	callback  Callback
	logger    *slog.Logger
	schedule  string
}

// Option configures optional sweeper behavior.
type Option func(*Sweeper)

// WithCallback registers a per-reclaimed-query callback.
func WithCallback(cb Callback) Option {
	return func(s *Sweeper) { s.callback = cb }
}

// WithPublisher attaches a lifecycle event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(s *Sweeper) { s.publisher = p }
}

// WithSchedule overrides the cron schedule. Accepts standard cron expressions
// and @every intervals.
func WithSchedule(schedule string) Option {
	return func(s *Sweeper) { s.schedule = schedule }
}

// New creates a sweeper over the query ledger. The schedule defaults to the
// SWEEP_SCHEDULE environment variable, falling back to every 30 seconds.
func New(store query.Store, logger *slog.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		cron:      cron.New(),
		store:     store,
		publisher: events.NoopPublisher{},
		logger:    logger,
		schedule:  config.GetEnvStr("SWEEP_SCHEDULE", defaultSchedule),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start registers the sweep job and starts the scheduler. Multiple processes
// may sweep concurrently; the ledger's claim is atomic, so each stale query
// is reclaimed exactly once.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.schedule, s.sweep)
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("Stale query sweeper started", slog.String("schedule", s.schedule))

	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Stale query sweeper stopped")
}

// sweep reclaims one batch of stale queries.
func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	reclaimed, err := s.store.ReclaimStale(ctx)
	if err != nil {
		s.logger.Error("Stale query sweep failed", slog.String("error", err.Error()))

		return
	}

	if len(reclaimed) == 0 {
		return
	}

	s.logger.Warn("Reclaimed stale queries", slog.Int("count", len(reclaimed)))

	for _, stale := range reclaimed {
		event := events.QueryEvent{
			Kind:         events.KindQueryFinished,
			Organization: stale.Organization,
			QueryID:      stale.ID,
			Status:       query.StatusFailed,
			Error:        query.StaleQueryError,
			OccurredAt:   time.Now().UTC(),
		}

		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Warn("Failed to publish reclaim event",
				slog.String("query", stale.ID),
				slog.String("error", err.Error()),
			)
		}

		if s.callback != nil {
			s.callback(ctx, stale)
		}
	}
}
