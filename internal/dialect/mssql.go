package dialect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abacus-io/abacus/internal/query"
)

// Compile-time interface assertion.
var _ Dialect = (*MSSQL)(nil)

// ErrQueryTimeout is recorded when a warehouse query exceeds the configured
// request timeout. The query is marked failed, never left running.
var ErrQueryTimeout = errors.New("query timed out")

const (
	// defaultMSSQLPort is used when the catalogue omits a port.
	defaultMSSQLPort = 1433

	// mssqlSchemaFallback qualifies table paths when a database is given
	// without a schema.
	mssqlSchemaFallback = "dbo"

	// mssqlDialTimeoutSeconds bounds the TCP connect. The driver reads the
	// dial timeout parameter in seconds.
	mssqlDialTimeoutSeconds = 30
)

type (
	// MSSQLParams are the connection parameters for a SQL Server warehouse.
	MSSQLParams struct {
		Server                string            `yaml:"server"`
		Port                  int               `yaml:"port"`
		User                  string            `yaml:"user"`
		Password              string            `yaml:"password"`
		Database              string            `yaml:"database"`
		RequestTimeoutSeconds int               `yaml:"requestTimeoutSeconds"`
		Options               map[string]string `yaml:"options,omitempty"`
	}

	// MSSQL generates T-SQL and executes it over pooled connections keyed by
	// datasource id. It is stateless apart from connection parameters.
	MSSQL struct {
		datasource string
		params     MSSQLParams
		pool       *connectionPool
	}
)

// NewMSSQL creates a SQL Server dialect for the datasource. Connections are
// drawn from the shared pool keyed by datasource id, so repeated runs against
// the same warehouse reuse sockets.
func NewMSSQL(datasource string, params MSSQLParams) *MSSQL {
	if params.Port == 0 {
		params.Port = defaultMSSQLPort
	}

	return &MSSQL{
		datasource: datasource,
		params:     params,
		pool:       sharedPool,
	}
}

// Language implements Dialect.
func (m *MSSQL) Language() query.Language { return query.LanguageTSQL }

// Capabilities implements Dialect. SQL Server can materialize temp tables,
// run decomposed per-metric queries, and has an approximate percentile
// implementation, so percentile metrics may be grouped.
func (m *MSSQL) Capabilities() Capabilities {
	return Capabilities{
		SupportsWritingTables:           true,
		SeparateExperimentResultQueries: true,
		HasEfficientPercentiles:         true,
		DropUnitsTable:                  true,
	}
}

// SensitiveParamKeys implements Dialect.
func (m *MSSQL) SensitiveParamKeys() []string {
	return []string{"password"}
}

// DefaultDatabase implements Dialect.
func (m *MSSQL) DefaultDatabase() string {
	return m.params.Database
}

// GenerateTablePath implements Dialect. SQL Server does not require a schema;
// when a database is given without one, the default dbo schema qualifies the
// path so the three-part name stays valid.
func (m *MSSQL) GenerateTablePath(name, schema, database string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty table name", ErrNoTablePathGenerator)
	}

	if database != "" && schema == "" {
		schema = mssqlSchemaFallback
	}

	parts := make([]string, 0, 3)
	if database != "" {
		parts = append(parts, database)
	}

	if schema != "" {
		parts = append(parts, schema)
	}

	parts = append(parts, name)

	return strings.Join(parts, "."), nil
}

// SelectStarLimit implements Dialect. SQL Server doesn't support the LIMIT
// keyword, so we have to use TOP instead (OFFSET/FETCH needs an ORDER BY).
func (m *MSSQL) SelectStarLimit(table string, limit int) string {
	return fmt.Sprintf("SELECT TOP %d * FROM %s", limit, table)
}

// EnsureMaxLimit implements Dialect. The assembled query is wrapped in a CTE
// and TOP is applied to the outer SELECT.
func (m *MSSQL) EnsureMaxLimit(sql string, limit int) string {
	return fmt.Sprintf("WITH __table AS (\n%s\n) SELECT TOP %d * FROM __table", sql, limit)
}

// AddTime implements Dialect.
func (m *MSSQL) AddTime(col string, unit TimeUnit, sign string, amount int) string {
	negate := ""
	if sign == "-" {
		negate = "-"
	}

	return fmt.Sprintf("DATEADD(%s, %s%d, %s)", unit, negate, amount, col)
}

// DateTrunc implements Dialect. DATETRUNC(day, col) exists but is only
// available in a SQL Server 2022 preview, so casting to DATE is used instead.
func (m *MSSQL) DateTrunc(col string) string {
	return fmt.Sprintf("cast(%s as DATE)", col)
}

// EnsureFloat implements Dialect.
func (m *MSSQL) EnsureFloat(col string) string {
	return fmt.Sprintf("CAST(%s as FLOAT)", col)
}

// CastToString implements Dialect.
func (m *MSSQL) CastToString(col string) string {
	return fmt.Sprintf("cast(%s as varchar(256))", col)
}

// FormatDate implements Dialect.
func (m *MSSQL) FormatDate(col string) string {
	return fmt.Sprintf("FORMAT(%s, 'yyyy-MM-dd')", col)
}

// FormatDateTimeString implements Dialect.
func (m *MSSQL) FormatDateTimeString(col string) string {
	return fmt.Sprintf("CONVERT(VARCHAR(25), %s, 121)", col)
}

// ApproxQuantile implements Dialect.
func (m *MSSQL) ApproxQuantile(value string, quantile float64) string {
	return fmt.Sprintf("APPROX_PERCENTILE_CONT(%v) WITHIN GROUP (ORDER BY %s)", quantile, value)
}

// ExtractJSONField implements Dialect.
func (m *MSSQL) ExtractJSONField(jsonCol, path string, isNumeric bool) string {
	raw := fmt.Sprintf("JSON_VALUE(%s, '$.%s')", jsonCol, path)
	if isNumeric {
		return m.EnsureFloat(raw)
	}

	return raw
}

// RunQuery implements Dialect. The query runs over the pooled connection for
// this datasource with the configured request timeout applied; on timeout the
// error is wrapped with ErrQueryTimeout so callers can mark the query failed
// rather than leaving it running.
//
// SQL Server has no asynchronous job handle, so setExternalID is never
// invoked.
func (m *MSSQL) RunQuery(ctx context.Context, sqlStr string, _ ExternalIDCallback) (*QueryResponse, error) {
	conn, err := m.pool.findOrCreate(m.datasource, m.dsn())
	if err != nil {
		return nil, fmt.Errorf("mssql connection failed: %w", err)
	}

	if m.params.RequestTimeoutSeconds > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, time.Duration(m.params.RequestTimeoutSeconds)*time.Second)
		defer cancel()
	}

	started := time.Now()

	rows, err := conn.QueryContext(ctx, sqlStr)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %ds", ErrQueryTimeout, m.params.RequestTimeoutSeconds)
		}

		return nil, fmt.Errorf("mssql query failed: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	resultRows, err := scanRows(rows)
	if err != nil {
		return nil, err
	}

	return &QueryResponse{
		Rows: resultRows,
		Statistics: &query.Statistics{
			ExecutionDurationMs: time.Since(started).Milliseconds(),
			RowsProcessed:       int64(len(resultRows)),
		},
	}, nil
}

// CancelQuery implements Dialect. SQL Server queries are cancelled through
// context propagation on the driver, not a remote job id.
func (m *MSSQL) CancelQuery(_ context.Context, _ string) error {
	return ErrCancelUnsupported
}

// dsn assembles the driver connection string. Only the connect bound lives
// here; the request timeout is applied per query through the context in
// RunQuery.
func (m *MSSQL) dsn() string {
	var b strings.Builder

	fmt.Fprintf(&b, "sqlserver://%s:%s@%s:%d?database=%s",
		m.params.User, m.params.Password, m.params.Server, m.params.Port, m.params.Database)

	fmt.Fprintf(&b, "&dial timeout=%d", mssqlDialTimeoutSeconds)

	for k, v := range m.params.Options {
		fmt.Fprintf(&b, "&%s=%s", k, v)
	}

	return b.String()
}

// scanRows materializes a record set into generic rows keyed by column name.
func scanRows(rows *sql.Rows) ([]query.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}

	var out []query.Row

	for rows.Next() {
		values := make([]interface{}, len(cols))
		pointers := make([]interface{}, len(cols))

		for i := range values {
			pointers[i] = &values[i]
		}

		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}

		row := make(query.Row, len(cols))
		for i, col := range cols {
			// Normalize byte slices so JSON persistence of raw results
			// stays readable.
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}

		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("result iteration failed: %w", err)
	}

	return out, nil
}
