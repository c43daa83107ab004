// Package grouping partitions a run's metric list into batches that can be
// computed in a single warehouse round trip versus metrics that must run
// alone. Batching compatible fact metrics into one query materially reduces
// load on the warehouse for experiments with many metrics.
package grouping

import (
	"github.com/abacus-io/abacus/internal/analysis"
	"github.com/abacus-io/abacus/internal/dialect"
	"github.com/abacus-io/abacus/internal/metrics"
)

// MaxMetricsPerQuery bounds how many fact metrics a single grouped query may
// compute, to keep generated SQL from growing without limit.
const MaxMetricsPerQuery = 20

// Grouped is the partition produced by GroupMetrics. Every input metric
// appears in exactly one chunk of Groups or in Singles, never both.
type Grouped struct {
	Groups  [][]*metrics.FactMetric
	Singles []metrics.Metric
}

// GroupKey computes the grouping key for a fact metric.
//
// Ratio metrics whose numerator and denominator live in different fact tables
// cannot be grouped and get an empty key. Quantile metrics get their own key
// per fact table so they never slow down the main grouped query. All other
// fact metrics group by their numerator's fact table.
func GroupKey(m *metrics.FactMetric) string {
	if m.IsRatio() {
		if m.Numerator.FactTableID != m.Denominator.FactTableID {
			return ""
		}
	}

	if m.IsQuantile() {
		if m.Numerator.FactTableID == "" {
			return ""
		}

		return m.Numerator.FactTableID + " (quantile metrics)"
	}

	return m.Numerator.FactTableID
}

// GroupMetrics partitions the metric list for one run.
//
// Grouping changes conversion-window semantics, so it is opt-in: when the run
// skips partial data, the organization lacks the multi-metric entitlement, or
// the organization has explicitly disabled it, everything is returned as
// singles in input order. Only fact metrics are eligible; metrics with
// percentile capping or quantile semantics are excluded unless the dialect
// has an efficient percentile implementation.
//
// The partition is deterministic: chunks and singles follow first appearance
// in the input list.
func GroupMetrics(
	list []metrics.Metric,
	settings analysis.SnapshotSettings,
	caps dialect.Capabilities,
	org *analysis.Organization,
) Grouped {
	ungrouped := Grouped{Groups: nil, Singles: list}

	// Metrics may have different conversion windows, which makes the
	// combined query intractable when partial data is skipped.
	if settings.SkipPartialData {
		return ungrouped
	}

	if org == nil || !org.HasPremiumFeature(analysis.FeatureMultiMetricQueries) {
		return ungrouped
	}

	if org.Settings.DisableMultiMetricQueries {
		return ungrouped
	}

	var keys []string

	byKey := make(map[string][]*metrics.FactMetric)

	for _, m := range list {
		fm := metrics.AsFactMetric(m)
		if fm == nil {
			continue
		}

		if (fm.Capping.Type == metrics.CappingPercentile || fm.IsQuantile()) && !caps.HasEfficientPercentiles {
			continue
		}

		key := GroupKey(fm)
		if key == "" {
			continue
		}

		if _, ok := byKey[key]; !ok {
			keys = append(keys, key)
		}

		byKey[key] = append(byKey[key], fm)
	}

	var groups [][]*metrics.FactMetric

	grouped := make(map[string]bool)

	for _, key := range keys {
		for _, batch := range chunk(byKey[key], MaxMetricsPerQuery) {
			groups = append(groups, batch)

			for _, fm := range batch {
				grouped[fm.ID] = true
			}
		}
	}

	// Everything that did not land in a chunk falls back to singles.
	var singles []metrics.Metric

	for _, m := range list {
		if !grouped[m.MetricID()] {
			singles = append(singles, m)
		}
	}

	return Grouped{Groups: groups, Singles: singles}
}

func chunk(list []*metrics.FactMetric, size int) [][]*metrics.FactMetric {
	var chunks [][]*metrics.FactMetric

	for start := 0; start < len(list); start += size {
		end := start + size
		if end > len(list) {
			end = len(list)
		}

		chunks = append(chunks, list[start:end])
	}

	return chunks
}
