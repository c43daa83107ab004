// Package dialect abstracts per-warehouse SQL generation and execution. The
// runner and ledger depend only on the Dialect interface; adding a new
// warehouse product means implementing it once and registering a constructor,
// without touching orchestration code.
package dialect

import (
	"context"
	"errors"

	"github.com/abacus-io/abacus/internal/query"
)

// Sentinel errors for dialect operations.
var (
	// ErrUnsupportedDatasourceType is returned when the catalogue names a
	// warehouse type with no registered dialect.
	ErrUnsupportedDatasourceType = errors.New("unsupported datasource type")

	// ErrNoTablePathGenerator is returned when a caller requests a temporary
	// table from a dialect that cannot generate table paths.
	ErrNoTablePathGenerator = errors.New("dialect cannot generate table paths")

	// ErrCancelUnsupported is returned by dialects without a remote
	// cancellation primitive.
	ErrCancelUnsupported = errors.New("dialect does not support query cancellation")
)

// TimeUnit is the unit argument for AddTime.
type TimeUnit string

// Time units accepted by AddTime.
const (
	UnitHour   TimeUnit = "hour"
	UnitMinute TimeUnit = "minute"
)

type (
	// Capabilities is the feature set a dialect reports to callers. The
	// runner consults it to choose the execution mode and to decide whether
	// a units table may be written and must be dropped.
	Capabilities struct {
		// SupportsWritingTables reports whether the warehouse can
		// materialize temporary tables.
		SupportsWritingTables bool

		// SeparateExperimentResultQueries selects the decomposed execution
		// mode (one query per metric or metric group) over the legacy
		// monolithic query.
		SeparateExperimentResultQueries bool

		// HasEfficientPercentiles reports whether percentile-capped and
		// quantile metrics may participate in grouped queries.
		HasEfficientPercentiles bool

		// DropUnitsTable reports whether generated temporary tables should
		// be dropped after use.
		DropUnitsTable bool
	}

	// QueryResponse is the materialized result of one warehouse execution.
	QueryResponse struct {
		Rows       []query.Row
		Statistics *query.Statistics
	}

	// ExternalIDCallback persists the warehouse-assigned job id as soon as
	// it is known, so in-flight queries can be cancelled or polled across
	// process restarts.
	ExternalIDCallback func(ctx context.Context, externalID string) error
)

// Dialect is the contract every warehouse adapter satisfies: SQL fragment
// generation plus execution primitives. Fragment methods are pure string
// construction; only RunQuery and CancelQuery touch the network.
type Dialect interface {
	// Language is the dialect tag recorded on ledger entries.
	Language() query.Language

	// Capabilities reports the dialect's feature set.
	Capabilities() Capabilities

	// SensitiveParamKeys enumerates connection parameter names that must be
	// redacted before logging or export.
	SensitiveParamKeys() []string

	// DefaultDatabase returns the database queries run against when no
	// explicit database is given.
	DefaultDatabase() string

	// GenerateTablePath builds the fully qualified path for a table,
	// honoring the dialect's schema requirements.
	GenerateTablePath(name, schema, database string) (string, error)

	// SelectStarLimit selects at most limit rows from a table.
	SelectStarLimit(table string, limit int) string

	// EnsureMaxLimit wraps an already-assembled query and caps its row
	// count.
	EnsureMaxLimit(sql string, limit int) string

	// AddTime shifts a timestamp column by a signed amount of units.
	AddTime(col string, unit TimeUnit, sign string, amount int) string

	// DateTrunc truncates a timestamp column to a date.
	DateTrunc(col string) string

	// EnsureFloat casts a column to a float type.
	EnsureFloat(col string) string

	// CastToString casts a column to a string type.
	CastToString(col string) string

	// FormatDate formats a date column as yyyy-MM-dd.
	FormatDate(col string) string

	// FormatDateTimeString formats a timestamp column as a sortable string.
	FormatDateTimeString(col string) string

	// ApproxQuantile computes an approximate quantile of a value column.
	ApproxQuantile(value string, quantile float64) string

	// ExtractJSONField extracts a field from a JSON-typed column, optionally
	// cast to float.
	ExtractJSONField(jsonCol, path string, isNumeric bool) string

	// RunQuery executes SQL against the live warehouse and returns the
	// result's record set as rows. The callback, when non-nil, is invoked
	// with the warehouse-assigned job id before blocking on completion.
	RunQuery(ctx context.Context, sql string, setExternalID ExternalIDCallback) (*QueryResponse, error)

	// CancelQuery requests best-effort cancellation of an in-flight query by
	// its external id.
	CancelQuery(ctx context.Context, externalID string) error
}
