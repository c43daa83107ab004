// Package runner orchestrates one experiment analysis run: it builds the DAG
// of warehouse queries (units table, per-metric and grouped metric queries,
// traffic aggregate, cleanup), submits each to the query ledger with cache
// reuse, awaits completion honoring dependency order, and reduces the results
// into a typed analysis payload for the snapshot owner.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/abacus-io/abacus/internal/analysis"
	"github.com/abacus-io/abacus/internal/config"
	"github.com/abacus-io/abacus/internal/dialect"
	"github.com/abacus-io/abacus/internal/events"
	"github.com/abacus-io/abacus/internal/metrics"
	"github.com/abacus-io/abacus/internal/query"
)

// UnitsTablePrefix namespaces temporary units tables; the run's parent id is
// appended so concurrent runs never collide.
const UnitsTablePrefix = "abacus_tmp_units"

// TrafficQueryName is the reserved query name for the aggregate traffic
// health query.
const TrafficQueryName = "traffic"

// Sentinel errors raised during DAG construction. Per-query execution errors
// are never raised; they are recorded on the individual query.
var (
	// ErrNoMetricsSelected is a validation error: the experiment resolves to
	// an empty metric set.
	ErrNoMetricsSelected = errors.New("experiment must have at least 1 metric selected")

	// ErrSegmentNotFound is a validation error: the settings reference an
	// unknown segment.
	ErrSegmentNotFound = errors.New("segment not found")

	// ErrExposureQueryNotFound is a configuration error: the datasource has
	// no exposure query matching the run's settings.
	ErrExposureQueryNotFound = errors.New("exposure query not found")

	// ErrNoRunnableQueries is returned by AwaitCompletion when nothing is in
	// flight and no remaining query can ever be dispatched, which indicates a
	// dependency cycle in the set.
	ErrNoRunnableQueries = errors.New("query set has non-terminal queries that can never run")

	// ErrWritingNotSupported is a configuration error: pipeline mode requests
	// a units table but the dialect cannot write tables.
	ErrWritingNotSupported = errors.New("datasource does not support writing tables")

	// ErrRunCancelled is returned by AwaitCompletion when the run context is
	// cancelled before every query resolves.
	ErrRunCancelled = errors.New("analysis run cancelled")
)

const (
	defaultMaxRunning    = 10
	defaultDispatchRate  = rate.Limit(5) // dispatches per second per runner
	defaultDispatchBurst = 5
	defaultPollInterval  = 2 * time.Second
)

type (
	// Params is the immutable input to one orchestration: snapshot settings,
	// the metric and fact-table catalogues for this run, and the parent id
	// that namespaces temporary warehouse objects.
	Params struct {
		Organization     *analysis.Organization
		Settings         analysis.SnapshotSettings
		AnalysisSettings []analysis.AnalysisSettings
		VariationNames   []string
		MetricMap        metrics.Map
		MetricGroups     []*metrics.Group
		FactTables       metrics.FactTableMap
		Segments         map[string]*analysis.Segment
		QueryParentID    string
	}

	// Item pairs a ledger query with its caller-visible name ("traffic", a
	// metric id, "group_0", ...). The reducer keys its map by name.
	Item struct {
		Name  string
		Query *query.Query
	}

	// QuerySet is the ordered collection of queries produced for one run.
	// The runner owns it in memory for the duration of the run; the caller
	// persists Pointers() for crash recovery.
	QuerySet struct {
		Items []Item
	}

	// RunUpdate is pushed to the snapshot owner on every run state change so
	// the in-flight query id list is persisted before the runner blocks on
	// completion.
	RunUpdate struct {
		Status     query.Status
		Queries    []query.Pointer
		RunStarted *time.Time
		Result     *analysis.Result
		Error      string
	}

	// SnapshotUpdater is the caller boundary: the snapshot owner persists
	// run progress and final results.
	SnapshotUpdater interface {
		UpdateRunStatus(ctx context.Context, update RunUpdate) error
	}

	// Runner orchestrates analysis runs against one datasource.
	Runner struct {
		store        query.Store
		integration  dialect.Dialect
		datasource   *dialect.Datasource
		analyzer     analysis.Analyzer
		snapshots    SnapshotUpdater
		publisher    events.Publisher
		logger       *slog.Logger
		limiter      *rate.Limiter
		maxRunning   int
		cacheTTL     time.Duration
		pollInterval time.Duration
		now          func() time.Time
	}

	// Option configures optional Runner behavior.
	Option func(*Runner)
)

// WithSnapshotUpdater attaches the caller's snapshot persistence boundary.
func WithSnapshotUpdater(u SnapshotUpdater) Option {
	return func(r *Runner) { r.snapshots = u }
}

// WithPublisher attaches a lifecycle event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(r *Runner) { r.publisher = p }
}

// WithCacheTTL overrides how far back the ledger cache lookup reaches.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Runner) { r.cacheTTL = ttl }
}

// WithMaxRunning overrides the per-datasource running query cap used for
// admission control.
func WithMaxRunning(n int) Option {
	return func(r *Runner) { r.maxRunning = n }
}

// WithDispatchRate overrides the dispatch pacing limiter.
func WithDispatchRate(limit rate.Limit, burst int) Option {
	return func(r *Runner) { r.limiter = rate.NewLimiter(limit, burst) }
}

// WithPollInterval overrides how often cached-clone sources are polled.
func WithPollInterval(interval time.Duration) Option {
	return func(r *Runner) { r.pollInterval = interval }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a runner for one datasource. The store is the durable
// query ledger; the integration is the datasource's dialect adapter; the
// analyzer is the statistical computation boundary.
func NewRunner(
	store query.Store,
	integration dialect.Dialect,
	datasource *dialect.Datasource,
	analyzer analysis.Analyzer,
	opts ...Option,
) *Runner {
	r := &Runner{
		store:       store,
		integration: integration,
		datasource:  datasource,
		analyzer:    analyzer,
		publisher:   events.NoopPublisher{},
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		limiter:      rate.NewLimiter(defaultDispatchRate, defaultDispatchBurst),
		maxRunning:   defaultMaxRunning,
		cacheTTL:     query.CacheTTL,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Pointers returns the persistable query references for the set, in order.
func (s *QuerySet) Pointers() []query.Pointer {
	pointers := make([]query.Pointer, 0, len(s.Items))
	for _, item := range s.Items {
		pointers = append(pointers, item.Query.Pointer(item.Name))
	}

	return pointers
}

// Queries returns the underlying queries in order.
func (s *QuerySet) Queries() []*query.Query {
	queries := make([]*query.Query, 0, len(s.Items))
	for _, item := range s.Items {
		queries = append(queries, item.Query)
	}

	return queries
}
