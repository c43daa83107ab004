package runner

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/abacus-io/abacus/internal/analysis"
	"github.com/abacus-io/abacus/internal/query"
)

// unknownVariationCutoff suppresses unknown variation warnings caused by
// stray traffic: unknown units are only reported when they make up at least
// this share of all exposed units.
const unknownVariationCutoff = 0.02

// legacyResultsQueryName keys the monolithic results query in the set.
const legacyResultsQueryName = "results"

// Reduce turns the terminal query map of a completed run into the typed
// analysis payload. It is pure over the materialized rows; a reduction error
// fails the run even when every query succeeded.
func (r *Runner) Reduce(params Params, queries query.Map) (*analysis.Result, error) {
	if legacy, ok := queries[legacyResultsQueryName]; ok {
		return r.reduceLegacy(params, legacy)
	}

	output, err := r.analyzer.AnalyzeResults(analysis.ResultsInput{
		QueryData:        queries,
		Settings:         params.Settings,
		AnalysisSettings: params.AnalysisSettings,
		VariationNames:   params.VariationNames,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to analyze experiment results: %w", err)
	}

	result := &analysis.Result{
		UnknownVariations: output.UnknownVariations,
		MultipleExposures: output.MultipleExposures,
	}

	for i, settings := range params.AnalysisSettings {
		a := analysis.Analysis{Settings: settings, Status: analysis.AnalysisSuccess}
		if i < len(output.Analyses) {
			a.Results = output.Analyses[i]
		}

		result.Analyses = append(result.Analyses, a)
	}

	result.Health = r.reduceHealth(params, queries, result)

	return result, nil
}

// reduceHealth computes traffic and power diagnostics when their inputs are
// present. Health failures never fail the run; they are recorded on the
// health payload itself.
func (r *Runner) reduceHealth(params Params, queries query.Map, result *analysis.Result) *analysis.Health {
	traffic, ok := queries[TrafficQueryName]
	if !ok {
		return nil
	}

	health := &analysis.Health{}

	trafficHealth, err := r.analyzer.AnalyzeTraffic(analysis.TrafficInput{
		Rows:       traffic.Result,
		Error:      traffic.Error,
		Variations: params.Settings.Variations,
	})
	if err != nil {
		r.logger.Warn("Traffic health analysis failed", slog.String("error", err.Error()))

		health.Traffic = &analysis.TrafficHealth{Error: err.Error()}

		return health
	}

	health.Traffic = trafficHealth

	if power := r.reducePower(params, trafficHealth, result); power != nil {
		health.Power = power
	}

	return health
}

// reducePower runs the mid-experiment power estimate. It needs a relative
// analysis to anchor on, is skipped for bandits, and needs traffic rows to
// extrapolate from.
func (r *Runner) reducePower(
	params Params,
	traffic *analysis.TrafficHealth,
	result *analysis.Result,
) *analysis.PowerResult {
	if params.Settings.BanditSettings != nil {
		return nil
	}

	if traffic == nil || traffic.OverallTotal == 0 {
		return nil
	}

	var relative *analysis.Analysis

	for i := range result.Analyses {
		if result.Analyses[i].Settings.DifferenceType == analysis.DifferenceRelative {
			relative = &result.Analyses[i]

			break
		}
	}

	if relative == nil {
		return nil
	}

	power, err := r.analyzer.AnalyzePower(analysis.PowerInput{
		Traffic:             traffic,
		TargetDaysRemaining: r.targetDaysRemaining(params),
		Analysis:            relative,
		GoalMetrics:         params.Settings.GoalMetrics,
		Variations:          params.Settings.Variations,
	})
	if err != nil {
		r.logger.Warn("Power analysis failed", slog.String("error", err.Error()))

		return nil
	}

	return power
}

// targetDaysRemaining estimates how many more days the experiment can run,
// based on the organization's maximum experiment length.
func (r *Runner) targetDaysRemaining(params Params) int {
	maxDays := analysis.FallbackExperimentMaxLengthDays
	if params.Organization != nil && params.Organization.Settings.ExperimentMaxLengthDays > 0 {
		maxDays = params.Organization.Settings.ExperimentMaxLengthDays
	}

	deadline := params.Settings.StartDate.AddDate(0, 0, maxDays)

	remaining := int(math.Ceil(deadline.Sub(r.now().UTC()).Hours() / 24))
	if remaining < 0 {
		remaining = 0
	}

	return remaining
}

// reduceLegacy reduces the monolithic results query used by warehouses
// without per-metric query support. The warehouse already aggregated per
// dimension and variation, so no analyzer call is needed.
func (r *Runner) reduceLegacy(params Params, legacy *query.Query) (*analysis.Result, error) {
	if legacy.Status == query.StatusFailed {
		return nil, fmt.Errorf("results query failed: %s", legacy.Error)
	}

	metricIDs := make([]string, 0, len(params.MetricMap))
	for id := range params.MetricMap {
		metricIDs = append(metricIDs, id)
	}

	sort.Strings(metricIDs)

	processed := ProcessLegacyResults(legacy.Result, params.Settings.Variations, metricIDs)

	result := &analysis.Result{UnknownVariations: processed.UnknownVariations}

	for _, settings := range params.AnalysisSettings {
		result.Analyses = append(result.Analyses, analysis.Analysis{
			Settings: settings,
			Results:  processed.Dimensions,
			Status:   analysis.AnalysisSuccess,
		})
	}

	return result, nil
}

// ProcessLegacyResults groups monolithic results rows by dimension and
// variation. Rows for variations not declared on the experiment accumulate
// into the unknown variation tally instead of the results.
func ProcessLegacyResults(
	rows []query.Row,
	variations []analysis.Variation,
	metricIDs []string,
) *analysis.ExperimentResults {
	variationIndex := make(map[string]int, len(variations))
	for i, v := range variations {
		variationIndex[v.ID] = i
		// Warehouses that store assignment by position report the index.
		variationIndex[strconv.Itoa(i)] = i
	}

	type dimensionAccumulator struct {
		name       string
		variations map[int]*analysis.VariationResult
	}

	var (
		order         []string
		dimensions    = map[string]*dimensionAccumulator{}
		unknownCounts = map[string]int64{}
		totalUsers    int64
	)

	for _, row := range rows {
		dimension := rowString(row, "dimension")
		if dimension == "" {
			dimension = "All"
		}

		variation := rowString(row, "variation")
		users := rowInt64(row, "users")
		totalUsers += users

		index, known := variationIndex[variation]
		if !known {
			unknownCounts[variation] += users

			continue
		}

		acc, ok := dimensions[dimension]
		if !ok {
			acc = &dimensionAccumulator{
				name:       dimension,
				variations: map[int]*analysis.VariationResult{},
			}
			dimensions[dimension] = acc
			order = append(order, dimension)
		}

		vr, ok := acc.variations[index]
		if !ok {
			vr = &analysis.VariationResult{
				Variation: index,
				Metrics:   map[string]analysis.MetricStats{},
			}
			acc.variations[index] = vr
		}

		vr.Users += users

		for _, id := range metricIDs {
			count := rowInt64(row, id+"_count")
			if count == 0 {
				continue
			}

			vr.Metrics[id] = analysis.MetricStats{
				Users:  users,
				Count:  count,
				Mean:   rowFloat64(row, id+"_mean"),
				Stddev: rowFloat64(row, id+"_stddev"),
			}
		}
	}

	results := &analysis.ExperimentResults{
		UnknownVariations: filterUnknownVariations(unknownCounts, totalUsers),
	}

	for _, name := range order {
		acc := dimensions[name]

		dr := analysis.DimensionResult{Dimension: acc.name}

		indices := make([]int, 0, len(acc.variations))
		for index := range acc.variations {
			indices = append(indices, index)
		}

		sort.Ints(indices)

		for _, index := range indices {
			dr.Variations = append(dr.Variations, *acc.variations[index])
		}

		results.Dimensions = append(results.Dimensions, dr)
	}

	return results
}

// filterUnknownVariations drops unknown variations below the traffic share
// cutoff and returns the remainder sorted for stable output.
func filterUnknownVariations(counts map[string]int64, total int64) []string {
	if total == 0 {
		return nil
	}

	var unknown []string

	for variation, users := range counts {
		if float64(users)/float64(total) >= unknownVariationCutoff {
			unknown = append(unknown, variation)
		}
	}

	sort.Strings(unknown)

	return unknown
}

// Warehouse drivers and the JSONB round trip disagree on scalar types; row
// access coerces to the expected type.

func rowString(row query.Row, key string) string {
	switch v := row[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return v.Format(time.RFC3339)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func rowInt64(row query.Row, key string) int64 {
	switch v := row[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)

		return n
	case []byte:
		n, _ := strconv.ParseInt(string(v), 10, 64)

		return n
	default:
		return 0
	}
}

func rowFloat64(row query.Row, key string) float64 {
	switch v := row[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(v, 64)

		return f
	case []byte:
		f, _ := strconv.ParseFloat(string(v), 64)

		return f
	default:
		return 0
	}
}
