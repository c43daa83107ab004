package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lib/pq"

	"github.com/abacus-io/abacus/internal/config"
	"github.com/abacus-io/abacus/internal/query"
)

// Sentinel errors for query ledger operations.
var (
	// ErrQueryNotFound is returned when a point lookup matches no query.
	ErrQueryNotFound = errors.New("query not found")

	// ErrQueryStoreFailed is returned when a ledger persistence operation
	// fails. Callers may retry; the ledger never contacts the warehouse.
	ErrQueryStoreFailed = errors.New("query ledger operation failed")
)

const queryColumns = `id, organization, datasource, language, query_text, query_type, status,
	created_at, started_at, finished_at, heartbeat, external_id,
	raw_result, results, error, statistics, dependencies, run_at_end, cached_query_used`

// QueryStore is the durable query ledger backed by PostgreSQL. It owns query
// entities' persisted state exclusively; all operations are local persistence
// operations and surface retryable I/O errors.
type QueryStore struct {
	conn   *Connection
	logger *slog.Logger
	now    func() time.Time
}

// QueryStore implements the query ledger contract consumed by the runner and
// the stale sweep.
var _ query.Store = (*QueryStore)(nil)

// NewQueryStore creates a PostgreSQL-backed query ledger.
func NewQueryStore(conn *Connection) (*QueryStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &QueryStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		now: time.Now,
	}, nil
}

// CreateQuery allocates a new query in queued or running state with a fresh
// id and an initial heartbeat of now.
func (s *QueryStore) CreateQuery(ctx context.Context, spec query.CreateSpec) (*query.Query, error) {
	now := s.now().UTC()

	q := &query.Query{
		ID:           query.NewID(),
		Organization: spec.Organization,
		Datasource:   spec.Datasource,
		Language:     spec.Language,
		QueryText:    spec.QueryText,
		QueryType:    spec.QueryType,
		Status:       query.StatusQueued,
		CreatedAt:    now,
		Heartbeat:    now,
		Dependencies: spec.Dependencies,
		RunAtEnd:     spec.RunAtEnd,
	}

	if spec.Running {
		q.Status = query.StatusRunning
		q.StartedAt = &now
	}

	if q.Dependencies == nil {
		q.Dependencies = []string{}
	}

	if err := s.insert(ctx, q); err != nil {
		return nil, err
	}

	return q, nil
}

// CreateQueryFromCache clones a previously-succeeded (or still-running)
// query's content and status under a new id, recording the cache lineage. It
// never triggers a warehouse execution.
func (s *QueryStore) CreateQueryFromCache(
	ctx context.Context,
	existing *query.Query,
	dependencies []string,
	runAtEnd bool,
) (*query.Query, error) {
	if dependencies == nil {
		dependencies = []string{}
	}

	q := &query.Query{
		ID:              query.NewID(),
		Organization:    existing.Organization,
		Datasource:      existing.Datasource,
		Language:        existing.Language,
		QueryText:       existing.QueryText,
		QueryType:       existing.QueryType,
		Status:          existing.Status,
		CreatedAt:       s.now().UTC(),
		StartedAt:       existing.StartedAt,
		FinishedAt:      existing.FinishedAt,
		Heartbeat:       s.now().UTC(),
		RawResult:       existing.RawResult,
		Result:          existing.Result,
		Error:           existing.Error,
		Statistics:      existing.Statistics,
		Dependencies:    dependencies,
		RunAtEnd:        runAtEnd,
		CachedQueryUsed: existing.ID,
	}

	if err := s.insert(ctx, q); err != nil {
		return nil, err
	}

	return q, nil
}

// FindRecentEquivalent returns the most recent query with identical text for
// the same organization and datasource, created within ttl and in succeeded
// or running status. Equivalence is exact-text match; nil means cache miss,
// which is not an error.
//
// The indexed sha256 fingerprint narrows candidates before the full text
// comparison, so long query texts don't need a btree index of their own.
func (s *QueryStore) FindRecentEquivalent(
	ctx context.Context,
	organization, datasource, queryText string,
	ttl time.Duration,
) (*query.Query, error) {
	earliest := s.now().UTC().Add(-ttl)

	row := s.conn.QueryRowContext(ctx, `
		SELECT `+queryColumns+`
		FROM queries
		WHERE organization = $1
		  AND datasource = $2
		  AND query_hash = $3
		  AND query_text = $4
		  AND created_at > $5
		  AND status IN ('succeeded', 'running')
		ORDER BY created_at DESC
		LIMIT 1
	`, organization, datasource, hashQueryText(queryText), queryText, earliest)

	q, err := scanQuery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: cache lookup: %v", ErrQueryStoreFailed, err)
	}

	return q, nil
}

// UpdateQuery merges the partial changes into the stored query and returns
// the merged value.
//
// Terminal statuses are immutable in the ledger: the UPDATE only matches
// non-terminal rows, so a late write from an executor whose query was already
// reclaimed by the stale sweep cannot resurrect it or flip its outcome. When
// the guard rejects the write, the stored row is returned so the caller
// observes the real terminal state.
func (s *QueryStore) UpdateQuery(ctx context.Context, q *query.Query, changes query.Changes) (*query.Query, error) {
	merged := q.Apply(changes)

	rawResult, results, stats, err := marshalResultColumns(merged)
	if err != nil {
		return nil, err
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE queries SET
			status = $3,
			started_at = $4,
			finished_at = $5,
			heartbeat = $6,
			external_id = COALESCE($7, external_id),
			raw_result = $8,
			results = $9,
			error = $10,
			statistics = $11
		WHERE organization = $1 AND id = $2
		  AND status NOT IN ('succeeded', 'failed', 'partially-succeeded')
	`,
		q.Organization, q.ID,
		string(merged.Status), merged.StartedAt, merged.FinishedAt, merged.Heartbeat,
		nullableString(merged.ExternalID), rawResult, results,
		nullableString(merged.Error), stats,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: update %s: %v", ErrQueryStoreFailed, q.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: update %s: %v", ErrQueryStoreFailed, q.ID, err)
	}

	if affected == 0 {
		return s.GetQueryByID(ctx, q.Organization, q.ID)
	}

	return merged, nil
}

// ReclaimStale finds a bounded batch of running queries whose heartbeat is
// older than the abandonment threshold, atomically marks them failed with the
// standardized interruption error, and returns their identity.
//
// The claim is a single conditional UPDATE over a locked candidate set, so
// concurrent reclaimers from multiple processes never double-process a query:
// whichever sweep locks a row first claims it, and the loser's filter no
// longer matches.
func (s *QueryStore) ReclaimStale(ctx context.Context) ([]query.Stale, error) {
	cutoff := s.now().UTC().Add(-query.StaleThreshold)

	rows, err := s.conn.QueryContext(ctx, `
		UPDATE queries SET
			status = 'failed',
			error = $1,
			finished_at = now()
		WHERE id IN (
			SELECT id FROM queries
			WHERE status = 'running' AND heartbeat < $2
			ORDER BY heartbeat ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, organization
	`, query.StaleQueryError, cutoff, query.ReclaimBatchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: reclaim stale: %v", ErrQueryStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var stale []query.Stale

	for rows.Next() {
		var sq query.Stale
		if err := rows.Scan(&sq.ID, &sq.Organization); err != nil {
			return nil, fmt.Errorf("%w: reclaim scan: %v", ErrQueryStoreFailed, err)
		}

		stale = append(stale, sq)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reclaim iteration: %v", ErrQueryStoreFailed, err)
	}

	if len(stale) > 0 {
		s.logger.Warn("Reclaimed stale queries", slog.Int("count", len(stale)))
	}

	return stale, nil
}

// CountRunning returns how many queries are currently running for the
// datasource, supporting admission control by callers.
func (s *QueryStore) CountRunning(ctx context.Context, organization, datasource string) (int, error) {
	var count int

	err := s.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queries
		WHERE organization = $1 AND datasource = $2 AND status = 'running'
	`, organization, datasource).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: count running: %v", ErrQueryStoreFailed, err)
	}

	return count, nil
}

// GetQueryByID returns one query by organization and id.
func (s *QueryStore) GetQueryByID(ctx context.Context, organization, id string) (*query.Query, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+queryColumns+` FROM queries WHERE organization = $1 AND id = $2
	`, organization, id)

	q, err := scanQuery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrQueryNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrQueryStoreFailed, id, err)
	}

	return q, nil
}

// GetQueriesByIDs returns the queries matching the given ids, used when
// recovering a run's state from a persisted query id list.
func (s *QueryStore) GetQueriesByIDs(ctx context.Context, organization string, ids []string) ([]*query.Query, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+queryColumns+` FROM queries
		WHERE organization = $1 AND id = ANY($2)
	`, organization, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("%w: get by ids: %v", ErrQueryStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	return scanQueries(rows)
}

// GetQueriesByDatasource lists the newest queries for a datasource.
func (s *QueryStore) GetQueriesByDatasource(
	ctx context.Context,
	organization, datasource string,
	limit int,
) ([]*query.Query, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+queryColumns+` FROM queries
		WHERE organization = $1 AND datasource = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, organization, datasource, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list by datasource: %v", ErrQueryStoreFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	return scanQueries(rows)
}

func (s *QueryStore) insert(ctx context.Context, q *query.Query) error {
	rawResult, results, stats, err := marshalResultColumns(q)
	if err != nil {
		return err
	}

	dependencies, err := json.Marshal(q.Dependencies)
	if err != nil {
		return fmt.Errorf("%w: marshal dependencies: %v", ErrQueryStoreFailed, err)
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO queries (
			id, organization, datasource, language, query_text, query_hash, query_type, status,
			created_at, started_at, finished_at, heartbeat, external_id,
			raw_result, results, error, statistics, dependencies, run_at_end, cached_query_used
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20
		)
	`,
		q.ID, q.Organization, q.Datasource, string(q.Language), q.QueryText,
		hashQueryText(q.QueryText), string(q.QueryType), string(q.Status),
		q.CreatedAt, q.StartedAt, q.FinishedAt, q.Heartbeat, nullableString(q.ExternalID),
		rawResult, results, nullableString(q.Error), stats,
		dependencies, q.RunAtEnd, nullableString(q.CachedQueryUsed),
	)
	if err != nil {
		return fmt.Errorf("%w: insert %s: %v", ErrQueryStoreFailed, q.ID, err)
	}

	s.logger.Debug("Created query",
		slog.String("id", q.ID),
		slog.String("datasource", q.Datasource),
		slog.String("status", string(q.Status)),
	)

	return nil
}

// hashQueryText fingerprints query text for the indexed cache lookup.
func hashQueryText(text string) string {
	sum := sha256.Sum256([]byte(text))

	return hex.EncodeToString(sum[:])
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}

	return s
}

func marshalResultColumns(q *query.Query) (rawResult, results, stats interface{}, err error) {
	if q.RawResult != nil {
		data, merr := json.Marshal(q.RawResult)
		if merr != nil {
			return nil, nil, nil, fmt.Errorf("%w: marshal raw result: %v", ErrQueryStoreFailed, merr)
		}

		rawResult = data
	}

	if q.Result != nil {
		data, merr := json.Marshal(q.Result)
		if merr != nil {
			return nil, nil, nil, fmt.Errorf("%w: marshal result: %v", ErrQueryStoreFailed, merr)
		}

		results = data
	}

	if q.Statistics != nil {
		data, merr := json.Marshal(q.Statistics)
		if merr != nil {
			return nil, nil, nil, fmt.Errorf("%w: marshal statistics: %v", ErrQueryStoreFailed, merr)
		}

		stats = data
	}

	return rawResult, results, stats, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQuery(row rowScanner) (*query.Query, error) {
	var (
		q            query.Query
		language     sql.NullString
		queryType    sql.NullString
		status       string
		externalID   sql.NullString
		errText      sql.NullString
		cachedFrom   sql.NullString
		rawResult    []byte
		results      []byte
		stats        []byte
		dependencies []byte
	)

	err := row.Scan(
		&q.ID, &q.Organization, &q.Datasource, &language, &q.QueryText, &queryType, &status,
		&q.CreatedAt, &q.StartedAt, &q.FinishedAt, &q.Heartbeat, &externalID,
		&rawResult, &results, &errText, &stats, &dependencies, &q.RunAtEnd, &cachedFrom,
	)
	if err != nil {
		return nil, err
	}

	q.Language = query.Language(language.String)
	q.QueryType = query.Type(queryType.String)
	q.Status = query.Status(status)
	q.ExternalID = externalID.String
	q.Error = errText.String
	q.CachedQueryUsed = cachedFrom.String

	if rawResult != nil {
		if err := json.Unmarshal(rawResult, &q.RawResult); err != nil {
			return nil, fmt.Errorf("unmarshal raw result: %w", err)
		}
	}

	if results != nil {
		if err := json.Unmarshal(results, &q.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}

	if stats != nil {
		if err := json.Unmarshal(stats, &q.Statistics); err != nil {
			return nil, fmt.Errorf("unmarshal statistics: %w", err)
		}
	}

	if dependencies != nil {
		if err := json.Unmarshal(dependencies, &q.Dependencies); err != nil {
			return nil, fmt.Errorf("unmarshal dependencies: %w", err)
		}
	}

	return &q, nil
}

func scanQueries(rows *sql.Rows) ([]*query.Query, error) {
	var out []*query.Query

	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrQueryStoreFailed, err)
		}

		out = append(out, q)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iteration: %v", ErrQueryStoreFailed, err)
	}

	return out, nil
}
