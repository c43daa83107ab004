package runner

import (
	"context"
	"log/slog"
	"sync"

	"github.com/abacus-io/abacus/internal/query"
)

// dependencyFailedError is recorded on queries skipped because a dependency
// resolved fatally; they are never dispatched to the warehouse.
const dependencyFailedError = "Dependency query failed."

// cancelledError is recorded on queries resolved locally when the run is
// aborted before they were dispatched.
const cancelledError = "Analysis run was cancelled."

// completion carries a resolved query back to the scheduler loop together
// with its position in the set.
type completion struct {
	index int
	query *query.Query
}

// AwaitCompletion blocks until every query in the set reaches a terminal
// state, honoring dependency order: a query is dispatched only once all its
// dependencies are terminal and non-fatal, a dependency's fatal failure
// propagates as a failure to dependents without executing them, and runAtEnd
// queries form a total barrier behind every other query in the set.
//
// On context cancellation, not-yet-dispatched queries are resolved locally
// without contacting the warehouse and in-flight queries receive a
// best-effort remote cancellation via their external id; every ledger entry
// still reaches a terminal state so the run can always complete.
//
// The returned map is keyed by query name and contains only terminal
// queries.
func (r *Runner) AwaitCompletion(ctx context.Context, set *QuerySet) (query.Map, error) {
	byID := make(map[string]*query.Query, len(set.Items))
	for _, item := range set.Items {
		byID[item.Query.ID] = item.Query
	}

	var (
		externalIDs sync.Map // query id → external id, for best-effort cancel
		inflight    = make(map[string]int)
		done        = make(chan completion)
		cancelled   = false
		cancelCh    = ctx.Done()
	)

	for {
		// Cascade dependency failures before looking for ready queries, so a
		// failed root resolves its whole subtree in one pass.
		r.propagateFailures(set, byID, inflight, cancelled)

		dispatched := r.dispatchReady(ctx, set, byID, inflight, cancelled, &externalIDs, done)

		if allTerminal(set) && len(inflight) == 0 {
			break
		}

		if len(inflight) == 0 && dispatched == 0 {
			if cancelled {
				// Cancellation resolved the remainder locally; loop back to
				// re-check for terminal completion.
				continue
			}

			// Nothing running and nothing can become ready: the set contains
			// a dependency cycle. StartQueries never produces one, but the
			// set may come from recovered state.
			return nil, ErrNoRunnableQueries
		}

		select {
		case c := <-done:
			set.Items[c.index].Query = c.query
			byID[c.query.ID] = c.query

			delete(inflight, c.query.ID)
		case <-cancelCh:
			// Nil the channel so subsequent iterations block on done only.
			cancelCh = nil
			cancelled = true

			r.cancelInflight(set, inflight, &externalIDs)
		}
	}

	result := make(query.Map, len(set.Items))

	for _, item := range set.Items {
		if item.Query.Status.IsTerminal() {
			result[item.Name] = item.Query
		}
	}

	if cancelled {
		return result, ErrRunCancelled
	}

	return result, nil
}

// propagateFailures resolves queries that can never run: dependents of
// fatally failed queries, and undispatched queries of a cancelled run.
func (r *Runner) propagateFailures(
	set *QuerySet,
	byID map[string]*query.Query,
	inflight map[string]int,
	cancelled bool,
) {
	progress := true

	for progress {
		progress = false

		for i, item := range set.Items {
			q := item.Query
			if q.Status.IsTerminal() {
				continue
			}

			if _, running := inflight[q.ID]; running {
				continue
			}

			if cancelled {
				set.Items[i].Query = r.resolveLocally(q, cancelledError)
				byID[q.ID] = set.Items[i].Query
				progress = true

				continue
			}

			if q.RunAtEnd {
				continue
			}

			if dependencyFailed(q, byID) {
				set.Items[i].Query = r.resolveLocally(q, dependencyFailedError)
				byID[q.ID] = set.Items[i].Query
				progress = true
			}
		}
	}
}

// dispatchReady starts execution for every query whose dependencies are
// satisfied, returning how many were dispatched.
func (r *Runner) dispatchReady(
	ctx context.Context,
	set *QuerySet,
	byID map[string]*query.Query,
	inflight map[string]int,
	cancelled bool,
	externalIDs *sync.Map,
	done chan<- completion,
) int {
	if cancelled {
		return 0
	}

	dispatched := 0

	for i, item := range set.Items {
		q := item.Query
		if q.Status.IsTerminal() {
			continue
		}

		if _, running := inflight[q.ID]; running {
			continue
		}

		if q.RunAtEnd {
			// Total barrier: cleanup runs only after every non-runAtEnd
			// query is terminal, regardless of its own dependency list.
			if !allNonRunAtEndTerminal(set) {
				continue
			}
		} else if !dependenciesSatisfied(q, byID) {
			continue
		}

		inflight[q.ID] = i
		dispatched++

		go func(index int, q *query.Query) {
			done <- completion{index: index, query: r.resolve(ctx, q, externalIDs)}
		}(i, q)
	}

	return dispatched
}

// cancelInflight requests best-effort remote cancellation of every running
// query that has an external id. The ledger entries are resolved by their
// executor goroutines regardless of whether the remote cancellation works.
func (r *Runner) cancelInflight(set *QuerySet, inflight map[string]int, externalIDs *sync.Map) {
	for id := range inflight {
		value, ok := externalIDs.Load(id)
		if !ok {
			continue
		}

		externalID, _ := value.(string)
		if externalID == "" {
			continue
		}

		// Detached context: the run context is already cancelled.
		go func(externalID string) {
			if err := r.integration.CancelQuery(context.Background(), externalID); err != nil {
				r.logger.Warn("Best-effort query cancellation failed",
					slog.String("external_id", externalID),
					slog.String("error", err.Error()),
				)
			}
		}(externalID)
	}
}

// resolveLocally marks a query failed without contacting the warehouse and
// persists the transition. Persistence failures are logged; the in-memory
// state still resolves so the run can complete.
func (r *Runner) resolveLocally(q *query.Query, message string) *query.Query {
	now := r.now().UTC()
	status := query.StatusFailed

	updated, err := r.store.UpdateQuery(context.Background(), q, query.Changes{
		Status:     &status,
		FinishedAt: &now,
		Error:      &message,
	})
	if err != nil {
		r.logger.Error("Failed to persist local query resolution",
			slog.String("query", q.ID),
			slog.String("error", err.Error()),
		)

		updated = q.Apply(query.Changes{Status: &status, FinishedAt: &now, Error: &message})
	}

	r.publishQueryFinished(updated)

	return updated
}

func dependenciesSatisfied(q *query.Query, byID map[string]*query.Query) bool {
	for _, depID := range q.Dependencies {
		dep, ok := byID[depID]
		if !ok {
			// Dependencies outside the set (e.g. carried over by a cache
			// clone) are assumed resolved; the source query completed them.
			continue
		}

		if dep.Status != query.StatusSucceeded && dep.Status != query.StatusPartiallySucceeded {
			return false
		}
	}

	return true
}

func dependencyFailed(q *query.Query, byID map[string]*query.Query) bool {
	for _, depID := range q.Dependencies {
		dep, ok := byID[depID]
		if !ok {
			continue
		}

		if dep.Status == query.StatusFailed {
			return true
		}
	}

	return false
}

func allTerminal(set *QuerySet) bool {
	for _, item := range set.Items {
		if !item.Query.Status.IsTerminal() {
			return false
		}
	}

	return true
}

func allNonRunAtEndTerminal(set *QuerySet) bool {
	for _, item := range set.Items {
		if !item.Query.RunAtEnd && !item.Query.Status.IsTerminal() {
			return false
		}
	}

	return true
}
