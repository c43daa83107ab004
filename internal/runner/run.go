package runner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/abacus-io/abacus/internal/analysis"
	"github.com/abacus-io/abacus/internal/events"
	"github.com/abacus-io/abacus/internal/query"
)

// Run executes one full analysis run: build and submit the query DAG, persist
// the in-flight query list for crash recovery, await completion, reduce, and
// push the final state to the snapshot owner.
//
// The error return covers orchestration failures only; individual query
// failures surface through the run's overall status and the snapshot update.
func (r *Runner) Run(ctx context.Context, params Params) (*analysis.Result, error) {
	set, err := r.StartQueries(ctx, params)
	if err != nil {
		return nil, err
	}

	started := r.now().UTC()

	if err := r.updateSnapshot(ctx, RunUpdate{
		Status:     query.StatusRunning,
		Queries:    set.Pointers(),
		RunStarted: &started,
	}); err != nil {
		return nil, fmt.Errorf("failed to persist run start: %w", err)
	}

	queries, err := r.AwaitCompletion(ctx, set)
	if err != nil {
		r.finishRun(params, set, query.StatusFailed, nil, err.Error())

		return nil, err
	}

	overall, err := query.OverallStatus(set.Queries())
	if err != nil {
		r.finishRun(params, set, query.StatusFailed, nil, err.Error())

		return nil, err
	}

	if overall == query.StatusFailed {
		r.finishRun(params, set, overall, nil, firstQueryError(set))

		return nil, nil
	}

	result, err := r.Reduce(params, queries)
	if err != nil {
		r.finishRun(params, set, query.StatusFailed, nil, err.Error())

		return nil, err
	}

	r.finishRun(params, set, overall, result, "")

	return result, nil
}

// finishRun pushes the terminal run state to the snapshot owner and publishes
// the run lifecycle event. Both are best effort at this point; the queries
// themselves are already durably terminal.
func (r *Runner) finishRun(
	params Params,
	set *QuerySet,
	status query.Status,
	result *analysis.Result,
	message string,
) {
	update := RunUpdate{
		Status:  status,
		Queries: set.Pointers(),
		Result:  result,
		Error:   message,
	}

	if err := r.updateSnapshot(context.Background(), update); err != nil {
		r.logger.Error("Failed to persist run outcome",
			slog.String("run", params.QueryParentID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}

	event := events.QueryEvent{
		Kind:         events.KindRunFinished,
		Organization: r.datasourceOrg(),
		Datasource:   r.datasource.ID,
		RunID:        params.QueryParentID,
		Status:       status,
		Error:        message,
		OccurredAt:   r.now().UTC(),
	}

	if err := r.publisher.Publish(context.Background(), event); err != nil {
		r.logger.Warn("Failed to publish run event",
			slog.String("run", params.QueryParentID),
			slog.String("error", err.Error()),
		)
	}
}

// updateSnapshot forwards a run state change to the snapshot owner when one
// is attached.
func (r *Runner) updateSnapshot(ctx context.Context, update RunUpdate) error {
	if r.snapshots == nil {
		return nil
	}

	return r.snapshots.UpdateRunStatus(ctx, update)
}

// firstQueryError returns the error of the first failed non-cleanup query,
// preferring a concrete warehouse message over a generic one.
func firstQueryError(set *QuerySet) string {
	for _, item := range set.Items {
		q := item.Query
		if q.RunAtEnd {
			continue
		}

		if q.Status == query.StatusFailed && q.Error != "" {
			return q.Error
		}
	}

	return "one or more queries failed"
}
