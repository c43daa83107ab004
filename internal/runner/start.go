package runner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/abacus-io/abacus/internal/analysis"
	"github.com/abacus-io/abacus/internal/dialect"
	"github.com/abacus-io/abacus/internal/grouping"
	"github.com/abacus-io/abacus/internal/metrics"
	"github.com/abacus-io/abacus/internal/query"
)

// StartQueries builds the query DAG for one run and submits every node to
// the ledger, reusing recent equivalent queries from cache where available.
// It returns synchronously once all queries are persisted, so the caller can
// store the query id list for crash recovery before blocking on
// AwaitCompletion.
//
// Configuration and validation errors (unsupported capability, empty metric
// selection, unknown segment) are raised before any query is persisted.
func (r *Runner) StartQueries(ctx context.Context, params Params) (*QuerySet, error) {
	caps := r.integration.Capabilities()

	if !caps.SeparateExperimentResultQueries {
		return r.startLegacyQueries(ctx, params)
	}

	selected, err := r.selectMetrics(params)
	if err != nil {
		return nil, err
	}

	segment, err := r.resolveSegment(params)
	if err != nil {
		return nil, err
	}

	exposureSQL, err := r.resolveExposureQuery(params)
	if err != nil {
		return nil, err
	}

	var dimension *analysis.Dimension
	if len(params.Settings.Dimensions) > 0 {
		dimension = &params.Settings.Dimensions[0]
	}

	var activation metrics.Metric
	if params.Settings.ActivationMetric != "" {
		activation = params.MetricMap[params.Settings.ActivationMetric]
	}

	pipeline := r.datasource.Pipeline
	useUnitsTable := pipeline.AllowWriting &&
		pipeline.WriteDataset != "" &&
		params.Organization.HasPremiumFeature(analysis.FeaturePipelineMode)

	if useUnitsTable && !caps.SupportsWritingTables {
		return nil, ErrWritingNotSupported
	}

	var unitsTableFullName string

	if useUnitsTable {
		// Fatal configuration error: pipeline mode needs a table path
		// generator, and it must be checked before anything is persisted.
		unitsTableFullName, err = r.integration.GenerateTablePath(
			fmt.Sprintf("%s_%s", UnitsTablePrefix, params.QueryParentID),
			pipeline.WriteDataset,
			pipeline.WriteDatabase,
		)
		if err != nil {
			return nil, fmt.Errorf("unable to generate units table path: %w", err)
		}
	}

	unitParams := dialect.UnitsQueryParams{
		Settings:           params.Settings,
		ExposureQuery:      exposureSQL,
		ActivationMetric:   activation,
		Segment:            segment,
		Dimensions:         params.Settings.Dimensions,
		UnitsTableFullName: unitsTableFullName,
		FactTables:         params.FactTables,
	}

	set := &QuerySet{}

	var unitQuery *query.Query

	if useUnitsTable {
		unitQuery, err = r.startQuery(ctx, startSpec{
			name:      params.QueryParentID,
			queryText: dialect.BuildUnitsTableQuery(r.integration, unitParams),
			queryType: query.TypeExperimentUnits,
		}, set)
		if err != nil {
			return nil, err
		}
	}

	unitDeps := func() []string {
		if unitQuery != nil {
			return []string{unitQuery.ID}
		}

		return nil
	}

	grouped := grouping.GroupMetrics(selected, params.Settings, caps, params.Organization)

	for _, m := range grouped.Singles {
		_, err = r.startQuery(ctx, startSpec{
			name: m.MetricID(),
			queryText: dialect.BuildMetricQuery(r.integration, dialect.MetricQueryParams{
				Settings:           params.Settings,
				ExposureQuery:      exposureSQL,
				Metric:             m,
				DenominatorMetrics: denominatorMetrics(m, params.MetricMap),
				ActivationMetric:   activation,
				Segment:            segment,
				Dimensions:         params.Settings.Dimensions,
				UnitsTableFullName: unitsTableFullName,
				FactTables:         params.FactTables,
			}),
			queryType:    query.TypeExperimentMetric,
			dependencies: unitDeps(),
		}, set)
		if err != nil {
			return nil, err
		}
	}

	for i, group := range grouped.Groups {
		_, err = r.startQuery(ctx, startSpec{
			name: fmt.Sprintf("group_%d", i),
			queryText: dialect.BuildFactMetricsQuery(r.integration, dialect.FactMetricsQueryParams{
				Settings:           params.Settings,
				ExposureQuery:      exposureSQL,
				Metrics:            group,
				ActivationMetric:   activation,
				Segment:            segment,
				Dimensions:         params.Settings.Dimensions,
				UnitsTableFullName: unitsTableFullName,
				FactTables:         params.FactTables,
			}),
			queryType:    query.TypeExperimentMultiMetric,
			dependencies: unitDeps(),
		}, set)
		if err != nil {
			return nil, err
		}
	}

	runTrafficQuery := dimension == nil && params.Organization.Settings.RunHealthTrafficQuery
	if runTrafficQuery {
		_, err = r.startQuery(ctx, startSpec{
			name:         TrafficQueryName,
			queryText:    dialect.BuildAggregateUnitsQuery(r.integration, unitParams, unitQuery != nil),
			queryType:    query.TypeExperimentTraffic,
			dependencies: unitDeps(),
		}, set)
		if err != nil {
			return nil, err
		}
	}

	if useUnitsTable && caps.DropUnitsTable && pipeline.UnitsTableDeletion {
		// Cleanup runs only after every other query in the set is terminal;
		// its outcome never blocks reporting the run's status.
		_, err = r.startQuery(ctx, startSpec{
			name:      "drop_" + params.QueryParentID,
			queryText: dialect.BuildDropUnitsTableQuery(r.integration, unitsTableFullName),
			queryType: query.TypeExperimentDropUnitsTable,
			runAtEnd:  true,
		}, set)
		if err != nil {
			return nil, err
		}
	}

	return set, nil
}

// startLegacyQueries issues the single monolithic query used by warehouses
// that cannot decompose the work into per-metric queries.
func (r *Runner) startLegacyQueries(ctx context.Context, params Params) (*QuerySet, error) {
	selected, err := r.selectMetrics(params)
	if err != nil {
		return nil, err
	}

	exposureSQL, err := r.resolveExposureQuery(params)
	if err != nil {
		return nil, err
	}

	var activation metrics.Metric
	if params.Settings.ActivationMetric != "" {
		activation = params.MetricMap[params.Settings.ActivationMetric]
	}

	var dimensions []analysis.Dimension
	if len(params.Settings.Dimensions) > 0 && params.Settings.Dimensions[0].Type == "user" {
		dimensions = params.Settings.Dimensions[:1]
	}

	set := &QuerySet{}

	_, err = r.startQuery(ctx, startSpec{
		name: "results",
		queryText: dialect.BuildLegacyResultsQuery(r.integration, dialect.LegacyResultsQueryParams{
			Settings:         params.Settings,
			ExposureQuery:    exposureSQL,
			Metrics:          selected,
			ActivationMetric: activation,
			Dimensions:       dimensions,
			FactTables:       params.FactTables,
		}),
		queryType: query.TypeExperimentResults,
	}, set)
	if err != nil {
		return nil, err
	}

	return set, nil
}

type startSpec struct {
	name         string
	queryText    string
	queryType    query.Type
	dependencies []string
	runAtEnd     bool
}

// startQuery submits one DAG node to the ledger. The ledger is first asked
// for a recent equivalent; on a hit the node is cloned from cache instead of
// dispatching new warehouse work.
func (r *Runner) startQuery(ctx context.Context, spec startSpec, set *QuerySet) (*query.Query, error) {
	org := r.datasourceOrg()

	cached, err := r.store.FindRecentEquivalent(ctx, org, r.datasource.ID, spec.queryText, r.cacheTTL)
	if err != nil {
		return nil, err
	}

	var q *query.Query

	if cached != nil {
		q, err = r.store.CreateQueryFromCache(ctx, cached, spec.dependencies, spec.runAtEnd)
		if err != nil {
			return nil, err
		}

		r.logger.Debug("Reused cached query",
			slog.String("name", spec.name),
			slog.String("query", q.ID),
			slog.String("cached_from", cached.ID),
		)
	} else {
		q, err = r.store.CreateQuery(ctx, query.CreateSpec{
			Organization: org,
			Datasource:   r.datasource.ID,
			Language:     r.integration.Language(),
			QueryText:    spec.queryText,
			QueryType:    spec.queryType,
			Dependencies: spec.dependencies,
			Running:      false,
			RunAtEnd:     spec.runAtEnd,
		})
		if err != nil {
			return nil, err
		}
	}

	set.Items = append(set.Items, Item{Name: spec.name, Query: q})

	return q, nil
}

// selectMetrics resolves the metric catalogue to the metrics the experiment
// references (goal and guardrail), expanding metric group references into
// their members.
func (r *Runner) selectMetrics(params Params) ([]metrics.Metric, error) {
	ids := make([]string, 0, len(params.Settings.GoalMetrics)+len(params.Settings.GuardrailMetrics))
	ids = append(ids, params.Settings.GoalMetrics...)
	ids = append(ids, params.Settings.GuardrailMetrics...)

	var selected []metrics.Metric

	for _, id := range metrics.ExpandGroups(ids, params.MetricGroups) {
		if m, ok := params.MetricMap[id]; ok {
			selected = append(selected, m)
		}
	}

	if len(selected) == 0 {
		return nil, ErrNoMetricsSelected
	}

	return selected, nil
}

// resolveExposureQuery picks the datasource exposure query the run's settings
// name, falling back to the first configured query. Its SQL is inlined into
// every generated statement as the exposure source.
func (r *Runner) resolveExposureQuery(params Params) (string, error) {
	queries := r.datasource.ExposureQueries
	if len(queries) == 0 {
		return "", fmt.Errorf("%w: datasource %s has none configured", ErrExposureQueryNotFound, r.datasource.ID)
	}

	if params.Settings.ExposureQueryID == "" {
		return queries[0].SQL, nil
	}

	for i := range queries {
		if queries[i].ID == params.Settings.ExposureQueryID {
			return queries[i].SQL, nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrExposureQueryNotFound, params.Settings.ExposureQueryID)
}

func (r *Runner) resolveSegment(params Params) (*analysis.Segment, error) {
	if params.Settings.Segment == "" {
		return nil, nil
	}

	segment, ok := params.Segments[params.Settings.Segment]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSegmentNotFound, params.Settings.Segment)
	}

	return segment, nil
}

// denominatorMetrics expands a legacy metric's denominator chain so the
// generated query can join each denominator in order.
func denominatorMetrics(m metrics.Metric, metricMap metrics.Map) []metrics.Metric {
	legacy, ok := m.(*metrics.LegacyMetric)
	if !ok || legacy.Denominator == "" {
		return nil
	}

	var chain []metrics.Metric

	seen := map[string]bool{legacy.ID: true}
	next := legacy.Denominator

	for next != "" && !seen[next] {
		seen[next] = true

		dm, ok := metricMap[next]
		if !ok {
			break
		}

		chain = append(chain, dm)

		if dl, ok := dm.(*metrics.LegacyMetric); ok {
			next = dl.Denominator
		} else {
			next = ""
		}
	}

	// Denominators apply outermost-first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	return chain
}

// datasourceOrg returns the organization that owns the datasource.
func (r *Runner) datasourceOrg() string {
	return r.datasource.Organization
}
