package dialect

import (
	"fmt"
	"strings"
	"time"

	"github.com/abacus-io/abacus/internal/analysis"
	"github.com/abacus-io/abacus/internal/metrics"
)

// maxRows caps every analysis query so a misconfigured dimension cannot pull
// an unbounded result set into the reducer.
const maxRows = 100000

// emptyExposureQuery stands in when the datasource has no exposure query
// configured; it yields no rows so the run resolves with empty results
// instead of a parse error.
const emptyExposureQuery = "SELECT NULL AS unit_id, NULL AS variation, NULL AS timestamp WHERE 1 = 0"

type (
	// UnitsQueryParams drive both the units-table materialization and the
	// aggregate traffic query.
	UnitsQueryParams struct {
		Settings           analysis.SnapshotSettings
		ExposureQuery      string
		ActivationMetric   metrics.Metric
		Segment            *analysis.Segment
		Dimensions         []analysis.Dimension
		UnitsTableFullName string
		FactTables         metrics.FactTableMap
	}

	// MetricQueryParams drive a single-metric query.
	MetricQueryParams struct {
		Settings           analysis.SnapshotSettings
		ExposureQuery      string
		Metric             metrics.Metric
		DenominatorMetrics []metrics.Metric
		ActivationMetric   metrics.Metric
		Segment            *analysis.Segment
		Dimensions         []analysis.Dimension
		UnitsTableFullName string
		FactTables         metrics.FactTableMap
	}

	// FactMetricsQueryParams drive one grouped multi-metric query.
	FactMetricsQueryParams struct {
		Settings           analysis.SnapshotSettings
		ExposureQuery      string
		Metrics            []*metrics.FactMetric
		ActivationMetric   metrics.Metric
		Segment            *analysis.Segment
		Dimensions         []analysis.Dimension
		UnitsTableFullName string
		FactTables         metrics.FactTableMap
	}

	// LegacyResultsQueryParams drive the monolithic results query used by
	// warehouses that cannot decompose the work into per-metric queries.
	LegacyResultsQueryParams struct {
		Settings         analysis.SnapshotSettings
		ExposureQuery    string
		Metrics          []metrics.Metric
		ActivationMetric metrics.Metric
		Dimensions       []analysis.Dimension
		FactTables       metrics.FactTableMap
	}
)

func (p MetricQueryParams) unitsParams() UnitsQueryParams {
	return UnitsQueryParams{
		Settings:           p.Settings,
		ExposureQuery:      p.ExposureQuery,
		ActivationMetric:   p.ActivationMetric,
		Segment:            p.Segment,
		Dimensions:         p.Dimensions,
		UnitsTableFullName: p.UnitsTableFullName,
		FactTables:         p.FactTables,
	}
}

func (p FactMetricsQueryParams) unitsParams() UnitsQueryParams {
	return UnitsQueryParams{
		Settings:           p.Settings,
		ExposureQuery:      p.ExposureQuery,
		ActivationMetric:   p.ActivationMetric,
		Segment:            p.Segment,
		Dimensions:         p.Dimensions,
		UnitsTableFullName: p.UnitsTableFullName,
		FactTables:         p.FactTables,
	}
}

func (p LegacyResultsQueryParams) unitsParams() UnitsQueryParams {
	return UnitsQueryParams{
		Settings:         p.Settings,
		ExposureQuery:    p.ExposureQuery,
		ActivationMetric: p.ActivationMetric,
		Dimensions:       p.Dimensions,
		FactTables:       p.FactTables,
	}
}

// BuildUnitsTableQuery materializes the experiment's exposed-unit set into a
// temporary table so downstream metric queries join against it instead of
// recomputing exposure logic.
func BuildUnitsTableQuery(d Dialect, p UnitsQueryParams) string {
	// The target table name must not shadow the inline exposure source.
	inline := p
	inline.UnitsTableFullName = ""

	return fmt.Sprintf(
		"WITH %s\nSELECT * INTO %s FROM __units",
		strings.Join(unitsCTEDefs(d, inline), ",\n"),
		p.UnitsTableFullName,
	)
}

// BuildDropUnitsTableQuery removes the temporary units table.
func BuildDropUnitsTableQuery(_ Dialect, fullTablePath string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", fullTablePath)
}

// BuildAggregateUnitsQuery counts exposed units per variation and dimension
// slice for traffic health checks.
func BuildAggregateUnitsQuery(d Dialect, p UnitsQueryParams, useUnitsTable bool) string {
	if !useUnitsTable {
		p.UnitsTableFullName = ""
	}

	dimCols := make([]string, 0, len(p.Dimensions))
	for _, dim := range p.Dimensions {
		dimCols = append(dimCols, d.CastToString("dim_"+dim.ID))
	}

	selectCols := append([]string{"variation"}, dimCols...)

	sel := fmt.Sprintf(
		"SELECT\n  %s,\n  COUNT(*) AS units\nFROM __units\nGROUP BY %s",
		strings.Join(selectCols, ",\n  "),
		strings.Join(selectCols, ", "),
	)

	return cappedStatement(d, unitsCTEDefs(d, p), sel)
}

// BuildMetricQuery computes one metric's per-variation aggregates. The metric
// CTE exposes one (unit_id, value) row per event, so the aggregates read the
// joined value column.
func BuildMetricQuery(d Dialect, p MetricQueryParams) string {
	ctes := unitsCTEDefs(d, p.unitsParams())
	ctes = append(ctes, cteDef("__metric", metricCTE(d, p.Metric, p.Settings, p.FactTables)))

	value := d.EnsureFloat("m.value")
	if fm := metrics.AsFactMetric(p.Metric); fm != nil {
		value = cappedValue(fm.Capping, value)
	}

	sel := fmt.Sprintf(
		"SELECT\n  u.variation,\n  u.dimension,\n  COUNT(DISTINCT u.unit_id) AS users,\n  COUNT(m.unit_id) AS count,\n  SUM(%s) AS main_sum,\n  SUM(%s * %s) AS main_sum_squares\nFROM __units u\nLEFT JOIN __metric m ON (m.unit_id = u.unit_id)\nGROUP BY u.variation, u.dimension",
		value, value, value,
	)

	return cappedStatement(d, ctes, sel)
}

// BuildFactMetricsQuery computes a batch of compatible fact metrics from one
// scan of their shared fact table. Each metric contributes its own aggregate
// columns suffixed by position, which the reducer unpacks by index.
func BuildFactMetricsQuery(d Dialect, p FactMetricsQueryParams) string {
	aggregates := make([]string, 0, len(p.Metrics)*2)

	for i, m := range p.Metrics {
		value := factMetricValue(d, m)

		if m.IsQuantile() {
			aggregates = append(aggregates,
				fmt.Sprintf("%s AS m%d_quantile", d.ApproxQuantile(value, 0.5), i))

			continue
		}

		aggregates = append(aggregates,
			fmt.Sprintf("SUM(%s) AS m%d_sum", value, i),
			fmt.Sprintf("SUM(%s * %s) AS m%d_sum_squares", value, value, i),
		)

		if m.IsRatio() {
			denom := d.EnsureFloat("f." + m.Denominator.Column)
			aggregates = append(aggregates,
				fmt.Sprintf("SUM(%s) AS m%d_denominator_sum", denom, i))
		}
	}

	factTable := p.Metrics[0].Numerator.FactTableID
	factSQL := "SELECT 1 WHERE 1=0"

	if ft, ok := p.FactTables[factTable]; ok {
		factSQL = ft.SQL
	}

	ctes := unitsCTEDefs(d, p.unitsParams())
	ctes = append(ctes, cteDef("__facts", factSQL))

	sel := fmt.Sprintf(
		"SELECT\n  u.variation,\n  u.dimension,\n  COUNT(DISTINCT u.unit_id) AS users,\n  %s\nFROM __units u\nLEFT JOIN __facts f ON (f.unit_id = u.unit_id)\nGROUP BY u.variation, u.dimension",
		strings.Join(aggregates, ",\n  "),
	)

	return cappedStatement(d, ctes, sel)
}

// BuildLegacyResultsQuery assembles the monolithic query used by warehouses
// that cannot decompose the work into per-metric queries. One query computes
// every metric: each metric contributes count, mean, and stddev columns
// prefixed by its id, which the reducer reads per row.
func BuildLegacyResultsQuery(d Dialect, p LegacyResultsQueryParams) string {
	ctes := unitsCTEDefs(d, p.unitsParams())

	cols := []string{
		"u.dimension",
		"u.variation",
		"COUNT(DISTINCT u.unit_id) AS users",
	}

	joins := make([]string, 0, len(p.Metrics))

	for i, m := range p.Metrics {
		alias := fmt.Sprintf("m%d", i)
		ctes = append(ctes, cteDef("__"+alias, metricCTE(d, m, p.Settings, p.FactTables)))

		value := d.EnsureFloat(alias + ".value")
		if fm := metrics.AsFactMetric(m); fm != nil {
			value = cappedValue(fm.Capping, value)
		}

		id := m.MetricID()
		cols = append(cols,
			fmt.Sprintf("COUNT(%s.unit_id) AS %s_count", alias, id),
			fmt.Sprintf("AVG(%s) AS %s_mean", value, id),
			fmt.Sprintf("STDEV(%s) AS %s_stddev", value, id),
		)

		joins = append(joins, fmt.Sprintf("LEFT JOIN __%s %s ON (%s.unit_id = u.unit_id)", alias, alias, alias))
	}

	sel := fmt.Sprintf(
		"SELECT\n  %s\nFROM __units u\n%sGROUP BY u.dimension, u.variation",
		strings.Join(cols, ",\n  "),
		joinLines(joins),
	)

	return cappedStatement(d, ctes, sel)
}

func joinLines(joins []string) string {
	if len(joins) == 0 {
		return ""
	}

	return strings.Join(joins, "\n") + "\n"
}

// cteDef formats one WITH-clause entry.
func cteDef(name, body string) string {
	return fmt.Sprintf("%s AS (\n%s\n)", name, body)
}

// cappedStatement assembles the final statement: the CTE definitions, the
// stats select as one more CTE, and the dialect's row cap over it. Putting
// the cap in the outer select keeps the WITH list flat, which T-SQL requires.
func cappedStatement(d Dialect, ctes []string, sel string) string {
	ctes = append(ctes, cteDef("__stats", sel))

	return fmt.Sprintf("WITH %s\n%s", strings.Join(ctes, ",\n"), d.SelectStarLimit("__stats", maxRows))
}

// unitsCTEDefs returns the WITH-clause entries that materialize the exposed
// unit set as __units. When pipeline mode already wrote a units table, the
// single entry selects from it; otherwise the datasource exposure query is
// emitted as __exposures, the optional activation filter as __activation, and
// __units computes the first exposure per unit over them.
func unitsCTEDefs(d Dialect, p UnitsQueryParams) []string {
	if p.UnitsTableFullName != "" {
		return []string{cteDef("__units", fmt.Sprintf("SELECT * FROM %s", p.UnitsTableFullName))}
	}

	exposure := p.ExposureQuery
	if exposure == "" {
		exposure = emptyExposureQuery
	}

	defs := []string{cteDef("__exposures", exposure)}

	if p.ActivationMetric != nil {
		defs = append(defs, cteDef("__activation", fmt.Sprintf(
			"SELECT DISTINCT unit_id FROM (\n%s\n) __act",
			metricCTE(d, p.ActivationMetric, p.Settings, p.FactTables),
		)))
	}

	defs = append(defs, cteDef("__units", unitsSelect(d, p.Settings, p.ActivationMetric, p.Segment, p.Dimensions)))

	return defs
}

// unitsSelect computes the exposed-unit set: first exposure per unit within
// the experiment date range, restricted by segment and activation metric,
// annotated with dimension columns. It reads the __exposures CTE and, when an
// activation metric is set, the __activation CTE defined before it.
func unitsSelect(
	d Dialect,
	settings analysis.SnapshotSettings,
	activation metrics.Metric,
	segment *analysis.Segment,
	dims []analysis.Dimension,
) string {
	conds := []string{
		fmt.Sprintf("e.timestamp >= '%s'", settings.StartDate.UTC().Format(time.DateTime)),
	}

	if !settings.EndDate.IsZero() {
		conds = append(conds, fmt.Sprintf("e.timestamp <= '%s'", settings.EndDate.UTC().Format(time.DateTime)))
	}

	if segment != nil {
		conds = append(conds, fmt.Sprintf("e.unit_id IN (SELECT %s FROM (%s) __segment)", segment.UserID, segment.SQL))
	}

	if activation != nil {
		conds = append(conds, "e.unit_id IN (SELECT unit_id FROM __activation)")
	}

	selectCols := []string{"e.unit_id", "e.variation"}
	groupBy := []string{"e.unit_id", "e.variation"}

	// The dimension column is the first dimension's expression or a constant
	// label; only column expressions may appear in GROUP BY.
	dimension := "'All'"
	if len(dims) > 0 {
		dimension = d.CastToString("e." + dims[0].ID)
	}

	selectCols = append(selectCols, dimension+" AS dimension")

	for _, dim := range dims {
		expr := d.CastToString("e." + dim.ID)
		selectCols = append(selectCols, expr+" AS dim_"+dim.ID)
		groupBy = append(groupBy, expr)
	}

	return fmt.Sprintf(
		"SELECT\n  %s,\n  MIN(%s) AS first_exposure\nFROM __exposures e\nWHERE %s\nGROUP BY %s",
		strings.Join(selectCols, ",\n  "),
		d.DateTrunc("e.timestamp"),
		strings.Join(conds, "\n  AND "),
		strings.Join(groupBy, ", "),
	)
}

// metricCTE selects raw metric values per unit.
func metricCTE(d Dialect, m metrics.Metric, settings analysis.SnapshotSettings, factTables metrics.FactTableMap) string {
	switch metric := m.(type) {
	case *metrics.FactMetric:
		factSQL := "SELECT 1 WHERE 1=0"
		if ft, ok := factTables[metric.Numerator.FactTableID]; ok {
			factSQL = ft.SQL
		}

		return fmt.Sprintf("SELECT unit_id, %s AS value FROM (\n%s\n) __fact",
			d.EnsureFloat(metric.Numerator.Column), factSQL)
	case *metrics.LegacyMetric:
		return metric.SQL
	default:
		return "SELECT NULL AS unit_id, NULL AS value WHERE 1=0"
	}
}

// factMetricValue is the SQL expression for one fact metric's value within a
// joined fact row, honoring capping settings.
func factMetricValue(d Dialect, m *metrics.FactMetric) string {
	return cappedValue(m.Capping, d.EnsureFloat("f."+m.Numerator.Column))
}

// cappedValue wraps a value expression with absolute capping when configured.
func cappedValue(capping metrics.CappingSettings, value string) string {
	if capping.Type == metrics.CappingAbsolute && capping.Value > 0 {
		return fmt.Sprintf("CASE WHEN %s > %v THEN %v ELSE %s END", value, capping.Value, capping.Value, value)
	}

	return value
}
