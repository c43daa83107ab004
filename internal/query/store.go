package query

import (
	"context"
	"time"
)

type (
	// CreateSpec is the input to Store.CreateQuery. The caller decides
	// whether execution starts synchronously via Running.
	CreateSpec struct {
		Organization string
		Datasource   string
		Language     Language
		QueryText    string
		QueryType    Type
		Dependencies []string
		Running      bool
		RunAtEnd     bool
	}

	// Stale identifies a reclaimed query so callers can react, e.g. marking
	// dependent snapshots as failed.
	Stale struct {
		ID           string
		Organization string
	}
)

// Store is the durable query ledger contract. Implementations own query
// entities' persisted state exclusively and never contact the warehouse;
// failures are retryable I/O errors.
type Store interface {
	// CreateQuery allocates a new query in queued or running state with a
	// fresh id and initial heartbeat of now.
	CreateQuery(ctx context.Context, spec CreateSpec) (*Query, error)

	// CreateQueryFromCache clones a succeeded or still-running query's
	// content and status without re-executing, recording cache lineage.
	CreateQueryFromCache(ctx context.Context, existing *Query, dependencies []string, runAtEnd bool) (*Query, error)

	// FindRecentEquivalent is the cache lookup: most recent exact-text match
	// for the datasource within ttl, succeeded or running. Nil means miss.
	FindRecentEquivalent(ctx context.Context, organization, datasource, queryText string, ttl time.Duration) (*Query, error)

	// UpdateQuery merges partial changes and persists them.
	UpdateQuery(ctx context.Context, q *Query, changes Changes) (*Query, error)

	// ReclaimStale atomically fails a bounded batch of abandoned running
	// queries and returns their identity. Safe under concurrent reclaimers.
	ReclaimStale(ctx context.Context) ([]Stale, error)

	// CountRunning supports admission control for a datasource.
	CountRunning(ctx context.Context, organization, datasource string) (int, error)

	// GetQueriesByIDs returns the queries for a persisted id list.
	GetQueriesByIDs(ctx context.Context, organization string, ids []string) ([]*Query, error)
}
