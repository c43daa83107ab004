package dialect

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abacus-io/abacus/internal/analysis"
	"github.com/abacus-io/abacus/internal/metrics"
)

const testExposureSQL = "SELECT user_id AS unit_id, variation, received_at AS timestamp FROM assignment_events"

func testSettings() analysis.SnapshotSettings {
	return analysis.SnapshotSettings{
		Variations: []analysis.Variation{{ID: "0"}, {ID: "1"}},
		StartDate:  time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC),
	}
}

func testFactTables() metrics.FactTableMap {
	return metrics.FactTableMap{
		"ft_orders": &metrics.FactTable{
			ID:  "ft_orders",
			SQL: "SELECT user_id AS unit_id, amount FROM orders",
		},
	}
}

// assertSelfContained checks that every CTE the statement reads is also
// defined in its WITH list, so the text runs without any session state.
func assertSelfContained(t *testing.T, sql string) {
	t.Helper()

	for _, cte := range []string{"__exposures", "__activation", "__units", "__metric", "__facts", "__stats"} {
		if strings.Contains(sql, "FROM "+cte) {
			assert.Contains(t, sql, cte+" AS (", "statement reads %s without defining it:\n%s", cte, sql)
		}
	}
}

func TestBuildUnitsTableQuery(t *testing.T) {
	d := newTestMSSQL()

	sql := BuildUnitsTableQuery(d, UnitsQueryParams{
		Settings:           testSettings(),
		ExposureQuery:      testExposureSQL,
		UnitsTableFullName: "scratch.dbo.abacus_tmp_units_snap_1",
	})

	assert.Contains(t, sql, "SELECT * INTO scratch.dbo.abacus_tmp_units_snap_1 FROM __units")
	assert.Contains(t, sql, "e.timestamp >= '2026-08-01 00:00:00'")
	assert.Contains(t, sql, "e.timestamp <= '2026-08-15 00:00:00'")
	assert.Contains(t, sql, testExposureSQL, "exposure query must be inlined")
	assertSelfContained(t, sql)
}

func TestBuildDropUnitsTableQuery(t *testing.T) {
	d := newTestMSSQL()

	sql := BuildDropUnitsTableQuery(d, "scratch.dbo.abacus_tmp_units_snap_1")
	assert.Equal(t, "DROP TABLE IF EXISTS scratch.dbo.abacus_tmp_units_snap_1", sql)
}

func TestBuildMetricQueryJoinsUnits(t *testing.T) {
	d := newTestMSSQL()

	sql := BuildMetricQuery(d, MetricQueryParams{
		Settings:      testSettings(),
		ExposureQuery: testExposureSQL,
		Metric: &metrics.FactMetric{
			ID:        "met_revenue",
			Numerator: metrics.FactTableRef{FactTableID: "ft_orders", Column: "amount"},
		},
		FactTables: testFactTables(),
	})

	assert.Contains(t, sql, "LEFT JOIN __metric m ON (m.unit_id = u.unit_id)")
	// The metric CTE exposes (unit_id, value); aggregates must read the
	// joined value column, not fact table columns.
	assert.Contains(t, sql, "SUM(CAST(m.value as FLOAT)) AS main_sum")
	assert.Contains(t, sql, "SELECT TOP 100000 * FROM __stats")
	assert.Contains(t, sql, testExposureSQL)
	assertSelfContained(t, sql)
}

func TestBuildMetricQueryUsesUnitsTableWhenProvided(t *testing.T) {
	d := newTestMSSQL()

	sql := BuildMetricQuery(d, MetricQueryParams{
		Settings:      testSettings(),
		ExposureQuery: testExposureSQL,
		Metric: &metrics.FactMetric{
			ID:        "met_revenue",
			Numerator: metrics.FactTableRef{FactTableID: "ft_orders", Column: "amount"},
		},
		FactTables:         testFactTables(),
		UnitsTableFullName: "scratch.dbo.abacus_tmp_units_snap_1",
	})

	assert.Contains(t, sql, "SELECT * FROM scratch.dbo.abacus_tmp_units_snap_1")
	assert.NotContains(t, sql, "FROM __exposures")
	assert.NotContains(t, sql, testExposureSQL, "materialized runs must not recompute exposures")
}

func TestBuildFactMetricsQueryIndexesColumns(t *testing.T) {
	d := newTestMSSQL()

	group := []*metrics.FactMetric{
		{ID: "met_a", Numerator: metrics.FactTableRef{FactTableID: "ft_orders", Column: "amount"}},
		{ID: "met_b", Numerator: metrics.FactTableRef{FactTableID: "ft_orders", Column: "quantity"}},
		{
			ID:          "met_ratio",
			Numerator:   metrics.FactTableRef{FactTableID: "ft_orders", Column: "amount"},
			Denominator: &metrics.FactTableRef{FactTableID: "ft_orders", Column: "quantity"},
		},
	}

	sql := BuildFactMetricsQuery(d, FactMetricsQueryParams{
		Settings:      testSettings(),
		ExposureQuery: testExposureSQL,
		Metrics:       group,
		FactTables:    testFactTables(),
	})

	assert.Contains(t, sql, "AS m0_sum")
	assert.Contains(t, sql, "AS m1_sum")
	assert.Contains(t, sql, "AS m2_sum")
	assert.Contains(t, sql, "AS m2_denominator_sum")
	assert.Contains(t, sql, "SELECT user_id AS unit_id, amount FROM orders")
	assertSelfContained(t, sql)
}

func TestBuildMetricQueryAppliesAbsoluteCapping(t *testing.T) {
	d := newTestMSSQL()

	grouped := BuildFactMetricsQuery(d, FactMetricsQueryParams{
		Settings:      testSettings(),
		ExposureQuery: testExposureSQL,
		Metrics: []*metrics.FactMetric{{
			ID:        "met_capped",
			Numerator: metrics.FactTableRef{FactTableID: "ft_orders", Column: "amount"},
			Capping:   metrics.CappingSettings{Type: metrics.CappingAbsolute, Value: 500},
		}},
		FactTables: testFactTables(),
	})

	assert.Contains(t, grouped, "CASE WHEN CAST(f.amount as FLOAT) > 500 THEN 500")

	single := BuildMetricQuery(d, MetricQueryParams{
		Settings:      testSettings(),
		ExposureQuery: testExposureSQL,
		Metric: &metrics.FactMetric{
			ID:        "met_capped",
			Numerator: metrics.FactTableRef{FactTableID: "ft_orders", Column: "amount"},
			Capping:   metrics.CappingSettings{Type: metrics.CappingAbsolute, Value: 500},
		},
		FactTables: testFactTables(),
	})

	assert.Contains(t, single, "CASE WHEN CAST(m.value as FLOAT) > 500 THEN 500")
}

func TestBuildAggregateUnitsQuery(t *testing.T) {
	d := newTestMSSQL()

	inline := BuildAggregateUnitsQuery(d, UnitsQueryParams{
		Settings:      testSettings(),
		ExposureQuery: testExposureSQL,
	}, false)
	assert.Contains(t, inline, "COUNT(*) AS units")
	assert.Contains(t, inline, "GROUP BY variation")
	assert.Contains(t, inline, "SELECT TOP 100000 * FROM __stats")
	assert.Contains(t, inline, testExposureSQL)
	assertSelfContained(t, inline)

	materialized := BuildAggregateUnitsQuery(d, UnitsQueryParams{
		Settings:           testSettings(),
		ExposureQuery:      testExposureSQL,
		UnitsTableFullName: "scratch.dbo.abacus_tmp_units_snap_1",
	}, true)
	assert.Contains(t, materialized, "FROM scratch.dbo.abacus_tmp_units_snap_1")
	assert.NotContains(t, materialized, "FROM __exposures")
}

func TestUnitsCTEDefsSegmentAndActivation(t *testing.T) {
	d := newTestMSSQL()

	defs := unitsCTEDefs(d, UnitsQueryParams{
		Settings:      testSettings(),
		ExposureQuery: testExposureSQL,
		ActivationMetric: &metrics.FactMetric{
			ID:        "met_signup",
			Numerator: metrics.FactTableRef{FactTableID: "ft_orders", Column: "amount"},
		},
		Segment:    &analysis.Segment{ID: "seg_paid", SQL: "SELECT user_id FROM paid_users", UserID: "user_id"},
		Dimensions: []analysis.Dimension{{ID: "country", Type: "user"}},
		FactTables: testFactTables(),
	})

	require.Len(t, defs, 3)
	sql := strings.Join(defs, ",\n")

	assert.Contains(t, defs[0], "__exposures AS (")
	assert.Contains(t, defs[0], testExposureSQL)

	assert.Contains(t, defs[1], "__activation AS (")
	assert.Contains(t, defs[1], "SELECT DISTINCT unit_id")

	assert.Contains(t, defs[2], "e.unit_id IN (SELECT unit_id FROM __activation)")
	assert.Contains(t, sql, "SELECT user_id FROM paid_users")
	assert.Contains(t, sql, "AS dim_country")
}

func TestUnitsSelectGroupsByColumnsOnly(t *testing.T) {
	d := newTestMSSQL()

	// No dimensions: the constant label is selected but never grouped by.
	plain := unitsSelect(d, testSettings(), nil, nil, nil)
	assert.Contains(t, plain, "'All' AS dimension")
	assert.Contains(t, plain, "GROUP BY e.unit_id, e.variation")
	assert.NotContains(t, plain, "GROUP BY e.unit_id, e.variation, 'All'")

	// With a dimension the cast expression joins the grouping list.
	dimmed := unitsSelect(d, testSettings(), nil, nil, []analysis.Dimension{{ID: "country", Type: "user"}})
	assert.Contains(t, dimmed, "cast(e.country as varchar(256)) AS dimension")
	assert.Contains(t, dimmed, "GROUP BY e.unit_id, e.variation, cast(e.country as varchar(256))")
}

func TestBuildLegacyResultsQueryComputesMetricStats(t *testing.T) {
	d := newTestMSSQL()

	sql := BuildLegacyResultsQuery(d, LegacyResultsQueryParams{
		Settings:      testSettings(),
		ExposureQuery: testExposureSQL,
		Metrics: []metrics.Metric{
			&metrics.FactMetric{ID: "met_a", Numerator: metrics.FactTableRef{FactTableID: "ft_orders", Column: "amount"}},
			&metrics.LegacyMetric{ID: "met_b", SQL: "SELECT user_id AS unit_id, 1 AS value FROM signups"},
		},
		FactTables: testFactTables(),
	})

	// The reducer reads <id>_count, <id>_mean, and <id>_stddev per row.
	assert.Contains(t, sql, "COUNT(m0.unit_id) AS met_a_count")
	assert.Contains(t, sql, "AVG(CAST(m0.value as FLOAT)) AS met_a_mean")
	assert.Contains(t, sql, "STDEV(CAST(m0.value as FLOAT)) AS met_a_stddev")
	assert.Contains(t, sql, "COUNT(m1.unit_id) AS met_b_count")
	assert.Contains(t, sql, "LEFT JOIN __m0 m0 ON (m0.unit_id = u.unit_id)")
	assert.Contains(t, sql, "LEFT JOIN __m1 m1 ON (m1.unit_id = u.unit_id)")
	assert.Contains(t, sql, "SELECT user_id AS unit_id, 1 AS value FROM signups")
	assert.Contains(t, sql, testExposureSQL)
	assert.Contains(t, sql, "GROUP BY u.dimension, u.variation")
	assertSelfContained(t, sql)
}
