package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/abacus-io/abacus/internal/events"
	"github.com/abacus-io/abacus/internal/query"
)

// resolve drives one query to a terminal state and returns it. Cached clones
// of still-running queries never touch the warehouse; they mirror the source
// query's eventual outcome. Everything else is executed against the
// warehouse under admission control.
func (r *Runner) resolve(ctx context.Context, q *query.Query, externalIDs *sync.Map) *query.Query {
	if q.CachedQueryUsed != "" && q.Status == query.StatusRunning {
		return r.awaitCachedSource(ctx, q)
	}

	if err := r.admit(ctx, q); err != nil {
		message := err.Error()
		if ctx.Err() != nil {
			message = cancelledError
		}

		return r.resolveLocally(q, message)
	}

	return r.executeQuery(ctx, q, externalIDs)
}

// admit paces dispatch and enforces the per-datasource running query cap.
func (r *Runner) admit(ctx context.Context, q *query.Query) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	for {
		running, err := r.store.CountRunning(ctx, q.Organization, q.Datasource)
		if err != nil {
			return err
		}

		if running < r.maxRunning {
			return nil
		}

		r.logger.Debug("Datasource at running query cap, waiting",
			slog.String("datasource", q.Datasource),
			slog.Int("running", running),
			slog.Int("cap", r.maxRunning),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.pollInterval):
		}
	}
}

// executeQuery runs one query against the warehouse: mark running, refresh
// the heartbeat until done, persist the terminal outcome. The heartbeat
// goroutine is stopped on every exit path.
func (r *Runner) executeQuery(ctx context.Context, q *query.Query, externalIDs *sync.Map) *query.Query {
	now := r.now().UTC()
	running := query.StatusRunning

	started, err := r.store.UpdateQuery(ctx, q, query.Changes{
		Status:    &running,
		StartedAt: &now,
		Heartbeat: &now,
	})
	if err != nil {
		return r.resolveLocally(q, "failed to mark query running: "+err.Error())
	}

	stop := make(chan struct{})

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		ticker := time.NewTicker(query.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				beat := r.now().UTC()

				// Detached context so a cancelled run still heartbeats until
				// the executor resolves the query.
				if _, err := r.store.UpdateQuery(context.Background(), started, query.Changes{Heartbeat: &beat}); err != nil {
					r.logger.Warn("Failed to refresh query heartbeat",
						slog.String("query", started.ID),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()

	defer func() {
		close(stop)
		wg.Wait()
	}()

	// The callback runs on the executor goroutine while the heartbeat
	// goroutine reads started concurrently, so the external id is carried in
	// the sync.Map and the ledger only; the shared struct is never mutated.
	setExternalID := func(cbCtx context.Context, externalID string) error {
		externalIDs.Store(started.ID, externalID)

		if _, err := r.store.UpdateQuery(cbCtx, started, query.Changes{ExternalID: &externalID}); err != nil {
			r.logger.Warn("Failed to persist external query id",
				slog.String("query", started.ID),
				slog.String("external_id", externalID),
				slog.String("error", err.Error()),
			)

			return err
		}

		return nil
	}

	r.logger.Debug("Dispatching query",
		slog.String("query", started.ID),
		slog.String("query_type", string(started.QueryType)),
	)

	response, runErr := r.integration.RunQuery(ctx, started.QueryText, setExternalID)

	finished := r.now().UTC()
	changes := query.Changes{FinishedAt: &finished}

	if runErr != nil {
		status := query.StatusFailed
		message := runErr.Error()
		changes.Status = &status
		changes.Error = &message
	} else {
		status := query.StatusSucceeded
		changes.Status = &status
		changes.RawResult = response.Rows
		changes.Result = response.Rows
		changes.Statistics = response.Statistics
	}

	updated, err := r.store.UpdateQuery(context.Background(), started, changes)
	if err != nil {
		r.logger.Error("Failed to persist query outcome",
			slog.String("query", started.ID),
			slog.String("error", err.Error()),
		)

		updated = started.Apply(changes)
	}

	if runErr != nil {
		r.logger.Warn("Query failed",
			slog.String("query", updated.ID),
			slog.String("query_type", string(updated.QueryType)),
			slog.String("error", updated.Error),
		)
	} else {
		r.logger.Debug("Query succeeded",
			slog.String("query", updated.ID),
			slog.String("query_type", string(updated.QueryType)),
			slog.Int("rows", len(updated.Result)),
		)
	}

	r.publishQueryFinished(updated)

	return updated
}

// awaitCachedSource polls the source query of a running cache clone and
// mirrors its terminal outcome onto the clone. If the source is reclaimed as
// stale or vanishes, the clone fails with the standard stale message.
func (r *Runner) awaitCachedSource(ctx context.Context, q *query.Query) *query.Query {
	for {
		select {
		case <-ctx.Done():
			return r.resolveLocally(q, cancelledError)
		case <-time.After(r.pollInterval):
		}

		sources, err := r.store.GetQueriesByIDs(ctx, q.Organization, []string{q.CachedQueryUsed})
		if err != nil {
			r.logger.Warn("Failed to poll cached query source",
				slog.String("query", q.ID),
				slog.String("source", q.CachedQueryUsed),
				slog.String("error", err.Error()),
			)

			continue
		}

		if len(sources) == 0 {
			return r.resolveLocally(q, query.StaleQueryError)
		}

		source := sources[0]
		if !source.Status.IsTerminal() {
			continue
		}

		finished := r.now().UTC()
		changes := query.Changes{
			Status:     &source.Status,
			FinishedAt: &finished,
			RawResult:  source.RawResult,
			Result:     source.Result,
			Statistics: source.Statistics,
		}

		if source.Error != "" {
			changes.Error = &source.Error
		}

		updated, err := r.store.UpdateQuery(context.Background(), q, changes)
		if err != nil {
			r.logger.Error("Failed to persist cached query outcome",
				slog.String("query", q.ID),
				slog.String("error", err.Error()),
			)

			updated = q.Apply(changes)
		}

		r.publishQueryFinished(updated)

		return updated
	}
}

// publishQueryFinished emits a fire-and-forget lifecycle event for a query
// that just reached a terminal state.
func (r *Runner) publishQueryFinished(q *query.Query) {
	event := events.QueryEvent{
		Kind:         events.KindQueryFinished,
		Organization: q.Organization,
		Datasource:   q.Datasource,
		QueryID:      q.ID,
		QueryType:    q.QueryType,
		Status:       q.Status,
		Error:        q.Error,
		OccurredAt:   r.now().UTC(),
	}

	if err := r.publisher.Publish(context.Background(), event); err != nil {
		r.logger.Warn("Failed to publish query event",
			slog.String("query", q.ID),
			slog.String("error", err.Error()),
		)
	}
}
