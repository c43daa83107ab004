package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abacus-io/abacus/internal/analysis"
	"github.com/abacus-io/abacus/internal/dialect"
	"github.com/abacus-io/abacus/internal/metrics"
	"github.com/abacus-io/abacus/internal/query"
)

// fakeStore is an in-memory query ledger for runner tests.
type fakeStore struct {
	mu      sync.Mutex
	queries map[string]*query.Query
	created int
}

func newFakeStore() *fakeStore {
	return &fakeStore{queries: map[string]*query.Query{}}
}

func (s *fakeStore) CreateQuery(_ context.Context, spec query.CreateSpec) (*query.Query, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
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

	s.queries[q.ID] = q
	s.created++

	return q, nil
}

func (s *fakeStore) CreateQueryFromCache(
	_ context.Context,
	existing *query.Query,
	dependencies []string,
	runAtEnd bool,
) (*query.Query, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	q := &query.Query{
		ID:              query.NewID(),
		Organization:    existing.Organization,
		Datasource:      existing.Datasource,
		Language:        existing.Language,
		QueryText:       existing.QueryText,
		QueryType:       existing.QueryType,
		Status:          existing.Status,
		CreatedAt:       now,
		StartedAt:       existing.StartedAt,
		FinishedAt:      existing.FinishedAt,
		Heartbeat:       now,
		RawResult:       existing.RawResult,
		Result:          existing.Result,
		Error:           existing.Error,
		Statistics:      existing.Statistics,
		Dependencies:    dependencies,
		RunAtEnd:        runAtEnd,
		CachedQueryUsed: existing.ID,
	}

	s.queries[q.ID] = q
	s.created++

	return q, nil
}

func (s *fakeStore) FindRecentEquivalent(
	_ context.Context,
	organization, datasource, queryText string,
	ttl time.Duration,
) (*query.Query, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	earliest := time.Now().UTC().Add(-ttl)

	var best *query.Query

	for _, q := range s.queries {
		if q.Organization != organization || q.Datasource != datasource {
			continue
		}

		if q.QueryText != queryText || q.CreatedAt.Before(earliest) {
			continue
		}

		if q.Status != query.StatusSucceeded && q.Status != query.StatusRunning {
			continue
		}

		if best == nil || q.CreatedAt.After(best.CreatedAt) {
			best = q
		}
	}

	return best, nil
}

func (s *fakeStore) UpdateQuery(_ context.Context, q *query.Query, changes query.Changes) (*query.Query, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.queries[q.ID]
	if !ok {
		current = q
	}

	if changes.Status != nil {
		if err := query.ValidateStatusTransition(current.Status, *changes.Status); err != nil {
			return nil, err
		}
	}

	updated := current.Apply(changes)
	s.queries[q.ID] = updated

	return updated, nil
}

func (s *fakeStore) ReclaimStale(context.Context) ([]query.Stale, error) {
	return nil, nil
}

func (s *fakeStore) CountRunning(_ context.Context, organization, datasource string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0

	for _, q := range s.queries {
		if q.Organization == organization && q.Datasource == datasource && q.Status == query.StatusRunning {
			count++
		}
	}

	return count, nil
}

func (s *fakeStore) GetQueriesByIDs(_ context.Context, organization string, ids []string) ([]*query.Query, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*query.Query

	for _, id := range ids {
		if q, ok := s.queries[id]; ok && q.Organization == organization {
			out = append(out, q)
		}
	}

	return out, nil
}

var _ query.Store = (*fakeStore)(nil)

// fakeDialect generates trivial SQL and records every executed query in
// dispatch order. When emitExternalID is set, RunQuery reports it through the
// callback before executing, like warehouses with asynchronous job handles.
type fakeDialect struct {
	caps           dialect.Capabilities
	tablePathErr   error
	emitExternalID string

	mu        sync.Mutex
	executed  []string
	cancelled []string
	failWhen  func(sql string) error
	rows      []query.Row
}

func newFakeDialect() *fakeDialect {
	return &fakeDialect{
		caps: dialect.Capabilities{
			SupportsWritingTables:           true,
			SeparateExperimentResultQueries: true,
			HasEfficientPercentiles:         true,
			DropUnitsTable:                  true,
		},
		rows: []query.Row{{"variation": "0", "users": int64(10)}},
	}
}

func (d *fakeDialect) Language() query.Language           { return query.LanguageSQL }
func (d *fakeDialect) Capabilities() dialect.Capabilities { return d.caps }
func (d *fakeDialect) SensitiveParamKeys() []string       { return nil }
func (d *fakeDialect) DefaultDatabase() string            { return "test" }

func (d *fakeDialect) GenerateTablePath(name, schema, database string) (string, error) {
	if d.tablePathErr != nil {
		return "", d.tablePathErr
	}

	return fmt.Sprintf("%s.%s.%s", database, schema, name), nil
}

func (d *fakeDialect) SelectStarLimit(table string, limit int) string {
	return fmt.Sprintf("SELECT * FROM %s LIMIT %d", table, limit)
}

func (d *fakeDialect) EnsureMaxLimit(sql string, _ int) string { return sql }

func (d *fakeDialect) AddTime(col string, unit dialect.TimeUnit, sign string, amount int) string {
	return fmt.Sprintf("%s %s interval %d %s", col, sign, amount, unit)
}

func (d *fakeDialect) DateTrunc(col string) string   { return col }
func (d *fakeDialect) EnsureFloat(col string) string { return col }

func (d *fakeDialect) CastToString(col string) string { return col }
func (d *fakeDialect) FormatDate(col string) string   { return col }

func (d *fakeDialect) FormatDateTimeString(col string) string { return col }

func (d *fakeDialect) ApproxQuantile(value string, _ float64) string { return value }

func (d *fakeDialect) ExtractJSONField(jsonCol, path string, _ bool) string {
	return jsonCol + "." + path
}

func (d *fakeDialect) RunQuery(ctx context.Context, sql string, setExternalID dialect.ExternalIDCallback) (*dialect.QueryResponse, error) {
	d.mu.Lock()
	d.executed = append(d.executed, sql)
	externalID := d.emitExternalID
	failWhen := d.failWhen
	rows := d.rows
	d.mu.Unlock()

	if externalID != "" && setExternalID != nil {
		_ = setExternalID(ctx, externalID)
	}

	if failWhen != nil {
		if err := failWhen(sql); err != nil {
			return nil, err
		}
	}

	return &dialect.QueryResponse{Rows: rows}, nil
}

func (d *fakeDialect) CancelQuery(_ context.Context, externalID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cancelled = append(d.cancelled, externalID)

	return nil
}

func (d *fakeDialect) executedQueries() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.executed...)
}

func (d *fakeDialect) cancelledIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.cancelled...)
}

var _ dialect.Dialect = (*fakeDialect)(nil)

// fakeAnalyzer returns canned outputs.
type fakeAnalyzer struct {
	resultsErr error
}

func (a *fakeAnalyzer) AnalyzeResults(input analysis.ResultsInput) (*analysis.ResultsOutput, error) {
	if a.resultsErr != nil {
		return nil, a.resultsErr
	}

	analyses := make([][]analysis.DimensionResult, len(input.AnalysisSettings))

	return &analysis.ResultsOutput{Analyses: analyses}, nil
}

func (a *fakeAnalyzer) AnalyzeTraffic(input analysis.TrafficInput) (*analysis.TrafficHealth, error) {
	total := int64(0)
	for _, row := range input.Rows {
		total += rowInt64(row, "users")
	}

	return &analysis.TrafficHealth{OverallTotal: total}, nil
}

func (a *fakeAnalyzer) AnalyzePower(analysis.PowerInput) (*analysis.PowerResult, error) {
	return &analysis.PowerResult{Power: 0.8}, nil
}

var _ analysis.Analyzer = (*fakeAnalyzer)(nil)

// fakeSnapshots records run updates in order.
type fakeSnapshots struct {
	mu      sync.Mutex
	updates []RunUpdate
}

func (s *fakeSnapshots) UpdateRunStatus(_ context.Context, update RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updates = append(s.updates, update)

	return nil
}

func (s *fakeSnapshots) last() RunUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updates[len(s.updates)-1]
}

const testExposureSQL = "SELECT user_id AS unit_id, variation, timestamp FROM exposure_events"

func testDatasource(pipeline analysis.PipelineSettings) *dialect.Datasource {
	return &dialect.Datasource{
		ID:           "ds_test",
		Organization: "org_test",
		Type:         dialect.TypeMSSQL,
		ExposureQueries: []dialect.ExposureQuery{
			{ID: "exp_default", Name: "Logged-in users", UserIDType: "user_id", SQL: testExposureSQL},
		},
		Pipeline: pipeline,
	}
}

func testParams(features ...string) Params {
	featureMap := map[string]bool{}
	for _, f := range features {
		featureMap[f] = true
	}

	return Params{
		Organization: &analysis.Organization{ID: "org_test", Features: featureMap},
		Settings: analysis.SnapshotSettings{
			Variations:  []analysis.Variation{{ID: "0"}, {ID: "1"}},
			GoalMetrics: []string{"met_a", "met_b", "met_c"},
			StartDate:   time.Now().UTC().Add(-7 * 24 * time.Hour),
			EndDate:     time.Now().UTC(),
		},
		AnalysisSettings: []analysis.AnalysisSettings{{DifferenceType: analysis.DifferenceRelative}},
		VariationNames:   []string{"Control", "Treatment"},
		MetricMap: metrics.Map{
			"met_a": &metrics.FactMetric{ID: "met_a", Numerator: metrics.FactTableRef{FactTableID: "ft_orders", Column: "a"}},
			"met_b": &metrics.FactMetric{ID: "met_b", Numerator: metrics.FactTableRef{FactTableID: "ft_orders", Column: "b"}},
			"met_c": &metrics.FactMetric{ID: "met_c", Numerator: metrics.FactTableRef{FactTableID: "ft_orders", Column: "c"}},
		},
		FactTables: metrics.FactTableMap{
			"ft_orders": &metrics.FactTable{ID: "ft_orders", SQL: "SELECT user_id AS unit_id, a, b, c FROM orders"},
		},
		QueryParentID: "snap_test",
	}
}

func newTestRunner(store query.Store, d dialect.Dialect, pipeline analysis.PipelineSettings, opts ...Option) *Runner {
	base := []Option{
		WithPollInterval(5 * time.Millisecond),
		WithDispatchRate(1000, 1000),
	}

	return NewRunner(store, d, testDatasource(pipeline), &fakeAnalyzer{}, append(base, opts...)...)
}

func TestStartQueriesGroupsCompatibleFactMetrics(t *testing.T) {
	store := newFakeStore()
	d := newFakeDialect()
	r := newTestRunner(store, d, analysis.PipelineSettings{})

	set, err := r.StartQueries(t.Context(), testParams(analysis.FeatureMultiMetricQueries))
	require.NoError(t, err)

	require.Len(t, set.Items, 1)
	assert.Equal(t, "group_0", set.Items[0].Name)
	assert.Equal(t, query.TypeExperimentMultiMetric, set.Items[0].Query.QueryType)
}

func TestStartQueriesWithoutEntitlementUsesSingles(t *testing.T) {
	store := newFakeStore()
	d := newFakeDialect()
	r := newTestRunner(store, d, analysis.PipelineSettings{})

	set, err := r.StartQueries(t.Context(), testParams())
	require.NoError(t, err)

	require.Len(t, set.Items, 3)

	names := []string{set.Items[0].Name, set.Items[1].Name, set.Items[2].Name}
	assert.Equal(t, []string{"met_a", "met_b", "met_c"}, names)
}

func TestStartQueriesEmptyMetricSelection(t *testing.T) {
	store := newFakeStore()
	r := newTestRunner(store, newFakeDialect(), analysis.PipelineSettings{})

	params := testParams()
	params.Settings.GoalMetrics = nil
	params.Settings.GuardrailMetrics = nil

	_, err := r.StartQueries(t.Context(), params)
	assert.ErrorIs(t, err, ErrNoMetricsSelected)
	assert.Zero(t, store.created)
}

func TestStartQueriesUnknownSegment(t *testing.T) {
	store := newFakeStore()
	r := newTestRunner(store, newFakeDialect(), analysis.PipelineSettings{})

	params := testParams()
	params.Settings.Segment = "seg_missing"

	_, err := r.StartQueries(t.Context(), params)
	assert.ErrorIs(t, err, ErrSegmentNotFound)
	assert.Zero(t, store.created)
}

func TestStartQueriesInlinesExposureQuery(t *testing.T) {
	store := newFakeStore()
	d := newFakeDialect()
	r := newTestRunner(store, d, analysis.PipelineSettings{})

	set, err := r.StartQueries(t.Context(), testParams())
	require.NoError(t, err)

	for _, item := range set.Items {
		assert.Contains(t, item.Query.QueryText, testExposureSQL,
			"query %s must inline the datasource exposure query", item.Name)
		assert.Contains(t, item.Query.QueryText, "__exposures AS (",
			"query %s must define the exposure CTE it reads", item.Name)
	}
}

func TestStartQueriesUnknownExposureQuery(t *testing.T) {
	store := newFakeStore()
	r := newTestRunner(store, newFakeDialect(), analysis.PipelineSettings{})

	params := testParams()
	params.Settings.ExposureQueryID = "exp_missing"

	_, err := r.StartQueries(t.Context(), params)
	assert.ErrorIs(t, err, ErrExposureQueryNotFound)
	assert.Zero(t, store.created)
}

func TestStartQueriesWithoutConfiguredExposureQueries(t *testing.T) {
	store := newFakeStore()

	ds := testDatasource(analysis.PipelineSettings{})
	ds.ExposureQueries = nil

	r := NewRunner(store, newFakeDialect(), ds, &fakeAnalyzer{},
		WithPollInterval(5*time.Millisecond),
		WithDispatchRate(1000, 1000),
	)

	_, err := r.StartQueries(t.Context(), testParams())
	assert.ErrorIs(t, err, ErrExposureQueryNotFound)
	assert.Zero(t, store.created)
}

func TestStartQueriesTablePathErrorBeforePersistence(t *testing.T) {
	store := newFakeStore()
	d := newFakeDialect()
	d.tablePathErr = dialect.ErrNoTablePathGenerator

	pipeline := analysis.PipelineSettings{
		AllowWriting: true,
		WriteDataset: "staging",
	}
	r := newTestRunner(store, d, pipeline)

	_, err := r.StartQueries(t.Context(), testParams(analysis.FeaturePipelineMode))
	require.Error(t, err)
	assert.ErrorIs(t, err, dialect.ErrNoTablePathGenerator)
	assert.Zero(t, store.created, "no query may be persisted when configuration is invalid")
}

func TestStartQueriesUnitsTableRequiresWritingSupport(t *testing.T) {
	store := newFakeStore()
	d := newFakeDialect()
	d.caps.SupportsWritingTables = false

	pipeline := analysis.PipelineSettings{
		AllowWriting: true,
		WriteDataset: "staging",
	}
	r := newTestRunner(store, d, pipeline)

	_, err := r.StartQueries(t.Context(), testParams(analysis.FeaturePipelineMode))
	assert.ErrorIs(t, err, ErrWritingNotSupported)
	assert.Zero(t, store.created)
}

func TestAwaitCompletionRespectsDependencyOrder(t *testing.T) {
	store := newFakeStore()
	d := newFakeDialect()

	pipeline := analysis.PipelineSettings{
		AllowWriting:       true,
		WriteDataset:       "staging",
		WriteDatabase:      "scratch",
		UnitsTableDeletion: true,
	}
	r := newTestRunner(store, d, pipeline)

	ctx := t.Context()

	set, err := r.StartQueries(ctx, testParams(analysis.FeaturePipelineMode))
	require.NoError(t, err)

	// units table + three singles + cleanup
	require.Len(t, set.Items, 5)
	assert.Equal(t, "snap_test", set.Items[0].Name)
	assert.True(t, set.Items[4].Query.RunAtEnd)

	queries, err := r.AwaitCompletion(ctx, set)
	require.NoError(t, err)
	require.Len(t, queries, 5)

	executed := d.executedQueries()
	require.Len(t, executed, 5)

	assert.Contains(t, executed[0], "INTO", "units table query must run first")
	assert.Contains(t, executed[len(executed)-1], "DROP TABLE", "cleanup must run last")

	for name, q := range queries {
		assert.Equal(t, query.StatusSucceeded, q.Status, "query %s", name)
		require.NotNil(t, q.FinishedAt, "query %s", name)
	}
}

func TestAwaitCompletionPropagatesDependencyFailure(t *testing.T) {
	store := newFakeStore()
	d := newFakeDialect()
	d.failWhen = func(sql string) error {
		if strings.Contains(sql, "INTO") {
			return errors.New("permission denied on staging dataset")
		}

		return nil
	}

	pipeline := analysis.PipelineSettings{
		AllowWriting:       true,
		WriteDataset:       "staging",
		WriteDatabase:      "scratch",
		UnitsTableDeletion: true,
	}
	r := newTestRunner(store, d, pipeline)

	ctx := t.Context()

	set, err := r.StartQueries(ctx, testParams(analysis.FeaturePipelineMode))
	require.NoError(t, err)

	queries, err := r.AwaitCompletion(ctx, set)
	require.NoError(t, err)

	units := queries["snap_test"]
	require.NotNil(t, units)
	assert.Equal(t, query.StatusFailed, units.Status)
	assert.Contains(t, units.Error, "permission denied")

	for _, name := range []string{"met_a", "met_b", "met_c"} {
		q := queries[name]
		require.NotNil(t, q, "query %s missing", name)
		assert.Equal(t, query.StatusFailed, q.Status)
		assert.Equal(t, "Dependency query failed.", q.Error)
	}

	// Only the units query and the cleanup query reached the warehouse.
	executed := d.executedQueries()
	require.Len(t, executed, 2)
	assert.Contains(t, executed[0], "INTO")
	assert.Contains(t, executed[1], "DROP TABLE")

	overall, err := query.OverallStatus(set.Queries())
	require.NoError(t, err)
	assert.Equal(t, query.StatusFailed, overall)
}

func TestCacheReuseSkipsExecution(t *testing.T) {
	store := newFakeStore()
	d := newFakeDialect()
	r := newTestRunner(store, d, analysis.PipelineSettings{})

	ctx := t.Context()
	params := testParams()

	first, err := r.StartQueries(ctx, params)
	require.NoError(t, err)

	_, err = r.AwaitCompletion(ctx, first)
	require.NoError(t, err)

	executedAfterFirst := len(d.executedQueries())
	require.Equal(t, 3, executedAfterFirst)

	second, err := r.StartQueries(ctx, params)
	require.NoError(t, err)

	for _, item := range second.Items {
		assert.NotEmpty(t, item.Query.CachedQueryUsed, "query %s should be a cache clone", item.Name)
		assert.Equal(t, query.StatusSucceeded, item.Query.Status)
		assert.Equal(t, d.rows, item.Query.Result)
	}

	queries, err := r.AwaitCompletion(ctx, second)
	require.NoError(t, err)
	require.Len(t, queries, 3)

	assert.Len(t, d.executedQueries(), executedAfterFirst, "cache clones must not re-execute")
}

func TestCacheCloneOfRunningQueryMirrorsSource(t *testing.T) {
	store := newFakeStore()
	d := newFakeDialect()
	r := newTestRunner(store, d, analysis.PipelineSettings{})

	ctx := t.Context()

	// Seed a running query another process owns.
	source, err := store.CreateQuery(ctx, query.CreateSpec{
		Organization: "org_test",
		Datasource:   "ds_test",
		Language:     query.LanguageSQL,
		QueryText:    "SELECT 1",
		QueryType:    query.TypeExperimentMetric,
		Running:      true,
	})
	require.NoError(t, err)

	clone, err := store.CreateQueryFromCache(ctx, source, nil, false)
	require.NoError(t, err)
	require.Equal(t, query.StatusRunning, clone.Status)

	// Resolve the source shortly after the clone starts polling.
	go func() {
		time.Sleep(20 * time.Millisecond)

		succeeded := query.StatusSucceeded
		now := time.Now().UTC()

		_, _ = store.UpdateQuery(ctx, source, query.Changes{
			Status:     &succeeded,
			FinishedAt: &now,
			Result:     []query.Row{{"users": int64(42)}},
		})
	}()

	set := &QuerySet{Items: []Item{{Name: "met_cached", Query: clone}}}

	queries, err := r.AwaitCompletion(ctx, set)
	require.NoError(t, err)

	resolved := queries["met_cached"]
	require.NotNil(t, resolved)
	assert.Equal(t, query.StatusSucceeded, resolved.Status)
	assert.Equal(t, []query.Row{{"users": int64(42)}}, resolved.Result)
	assert.Empty(t, d.executedQueries(), "clone must never reach the warehouse")
}

func TestRunCleanupFailureDoesNotFlipStatus(t *testing.T) {
	store := newFakeStore()
	d := newFakeDialect()
	d.failWhen = func(sql string) error {
		if strings.Contains(sql, "DROP TABLE") {
			return errors.New("table is locked")
		}

		return nil
	}

	pipeline := analysis.PipelineSettings{
		AllowWriting:       true,
		WriteDataset:       "staging",
		WriteDatabase:      "scratch",
		UnitsTableDeletion: true,
	}

	snapshots := &fakeSnapshots{}
	r := newTestRunner(store, d, pipeline, WithSnapshotUpdater(snapshots))

	result, err := r.Run(t.Context(), testParams(analysis.FeaturePipelineMode))
	require.NoError(t, err)
	require.NotNil(t, result)

	final := snapshots.last()
	assert.Equal(t, query.StatusSucceeded, final.Status)
	assert.Empty(t, final.Error)
}

func TestRunCancellationResolvesEveryQuery(t *testing.T) {
	store := newFakeStore()
	d := newFakeDialect()

	release := make(chan struct{})
	d.failWhen = func(sql string) error {
		<-release

		return nil
	}

	r := newTestRunner(store, d, analysis.PipelineSettings{})

	ctx, cancel := context.WithCancel(t.Context())

	set, err := r.StartQueries(ctx, testParams())
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
		close(release)
	}()

	queries, err := r.AwaitCompletion(ctx, set)
	assert.ErrorIs(t, err, ErrRunCancelled)

	for name, q := range queries {
		assert.True(t, q.Status.IsTerminal(), "query %s must be terminal", name)
	}
}

func TestRunCancellationCancelsRemoteByExternalID(t *testing.T) {
	store := newFakeStore()
	d := newFakeDialect()
	d.emitExternalID = "job-42"

	release := make(chan struct{})
	d.failWhen = func(string) error {
		<-release

		return nil
	}

	r := newTestRunner(store, d, analysis.PipelineSettings{})

	ctx, cancel := context.WithCancel(t.Context())

	set, err := r.StartQueries(ctx, testParams())
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	_, err = r.AwaitCompletion(ctx, set)
	assert.ErrorIs(t, err, ErrRunCancelled)

	// The external id reached the cancellation path through the ledger and
	// the id registry, not through mutation of the shared query struct.
	assert.Eventually(t, func() bool {
		return len(d.cancelledIDs()) > 0
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, d.cancelledIDs(), "job-42")
}

func TestAwaitCompletionDependencyCycleFailsFast(t *testing.T) {
	store := newFakeStore()
	d := newFakeDialect()
	r := newTestRunner(store, d, analysis.PipelineSettings{})

	ctx := t.Context()

	first, err := store.CreateQuery(ctx, query.CreateSpec{
		Organization: "org_test",
		Datasource:   "ds_test",
		Language:     query.LanguageSQL,
		QueryText:    "SELECT 1",
		QueryType:    query.TypeExperimentMetric,
	})
	require.NoError(t, err)

	second, err := store.CreateQuery(ctx, query.CreateSpec{
		Organization: "org_test",
		Datasource:   "ds_test",
		Language:     query.LanguageSQL,
		QueryText:    "SELECT 2",
		QueryType:    query.TypeExperimentMetric,
	})
	require.NoError(t, err)

	// Recovered state can carry a cycle StartQueries never produces.
	first.Dependencies = []string{second.ID}
	second.Dependencies = []string{first.ID}

	set := &QuerySet{Items: []Item{
		{Name: "met_first", Query: first},
		{Name: "met_second", Query: second},
	}}

	_, err = r.AwaitCompletion(ctx, set)
	assert.ErrorIs(t, err, ErrNoRunnableQueries)
	assert.Empty(t, d.executedQueries())
}

func TestProcessLegacyResultsUnknownVariationCutoff(t *testing.T) {
	variations := []analysis.Variation{{ID: "0"}, {ID: "1"}}

	rows := func(unknownUsers int64) []query.Row {
		return []query.Row{
			{"dimension": "All", "variation": "0", "users": int64(500)},
			{"dimension": "All", "variation": "1", "users": 1000 - 500 - unknownUsers},
			{"dimension": "All", "variation": "ghost", "users": unknownUsers},
		}
	}

	// 19/1000 = 1.9%, below the 2% cutoff.
	below := ProcessLegacyResults(rows(19), variations, nil)
	assert.Empty(t, below.UnknownVariations)

	// 20/1000 = 2%, at the cutoff.
	at := ProcessLegacyResults(rows(20), variations, nil)
	assert.Equal(t, []string{"ghost"}, at.UnknownVariations)
}

func TestProcessLegacyResultsGroupsByDimension(t *testing.T) {
	variations := []analysis.Variation{{ID: "0"}, {ID: "1"}}

	rows := []query.Row{
		{"dimension": "US", "variation": "0", "users": int64(100), "met_a_count": int64(80), "met_a_mean": 1.5, "met_a_stddev": 0.3},
		{"dimension": "US", "variation": "1", "users": int64(110), "met_a_count": int64(90), "met_a_mean": 1.7, "met_a_stddev": 0.4},
		{"dimension": "EU", "variation": "0", "users": int64(50)},
	}

	results := ProcessLegacyResults(rows, variations, []string{"met_a"})

	require.Len(t, results.Dimensions, 2)
	assert.Equal(t, "US", results.Dimensions[0].Dimension)
	assert.Equal(t, "EU", results.Dimensions[1].Dimension)

	us := results.Dimensions[0]
	require.Len(t, us.Variations, 2)
	assert.Equal(t, int64(100), us.Variations[0].Users)

	stats, ok := us.Variations[0].Metrics["met_a"]
	require.True(t, ok)
	assert.Equal(t, int64(80), stats.Count)
	assert.InDelta(t, 1.5, stats.Mean, 1e-9)
}

func TestReduceBuildsHealthFromTrafficQuery(t *testing.T) {
	store := newFakeStore()
	r := newTestRunner(store, newFakeDialect(), analysis.PipelineSettings{})

	now := time.Now().UTC()
	queries := query.Map{
		"met_a": {Status: query.StatusSucceeded, FinishedAt: &now},
		TrafficQueryName: {
			Status:     query.StatusSucceeded,
			FinishedAt: &now,
			Result:     []query.Row{{"variation": "0", "users": int64(600)}, {"variation": "1", "users": int64(600)}},
		},
	}

	result, err := r.Reduce(testParams(), queries)
	require.NoError(t, err)

	require.NotNil(t, result.Health)
	require.NotNil(t, result.Health.Traffic)
	assert.Equal(t, int64(1200), result.Health.Traffic.OverallTotal)

	require.NotNil(t, result.Health.Power)
	assert.InDelta(t, 0.8, result.Health.Power.Power, 1e-9)
}

func TestReducePowerSkippedForBandits(t *testing.T) {
	store := newFakeStore()
	r := newTestRunner(store, newFakeDialect(), analysis.PipelineSettings{})

	params := testParams()
	params.Settings.BanditSettings = &analysis.BanditSettings{ReweightInterval: time.Hour}

	now := time.Now().UTC()
	queries := query.Map{
		TrafficQueryName: {
			Status:     query.StatusSucceeded,
			FinishedAt: &now,
			Result:     []query.Row{{"variation": "0", "users": int64(600)}},
		},
	}

	result, err := r.Reduce(params, queries)
	require.NoError(t, err)

	require.NotNil(t, result.Health)
	assert.Nil(t, result.Health.Power)
}
