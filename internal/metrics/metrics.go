// Package metrics defines the metric and fact-table catalogue consumed by one
// analysis run: fact metrics declared over shared event tables, legacy metrics
// backed by bespoke queries, and named metric groups that experiments may
// reference in place of individual metric ids.
package metrics

import "time"

// CappingType describes how a metric's values are capped before aggregation.
type CappingType string

// Capping types.
const (
	CappingNone       CappingType = ""
	CappingAbsolute   CappingType = "absolute"
	CappingPercentile CappingType = "percentile"
)

// QuantileType describes the quantile semantics of a fact metric, if any.
type QuantileType string

// Quantile types.
const (
	QuantileNone  QuantileType = ""
	QuantileEvent QuantileType = "event"
	QuantileUnit  QuantileType = "unit"
)

type (
	// FactTableRef points a metric column at a fact table.
	FactTableRef struct {
		FactTableID string `yaml:"factTableId" json:"factTableId"`
		Column      string `yaml:"column" json:"column"`
		Filters     []string `yaml:"filters,omitempty" json:"filters,omitempty"`
	}

	// CappingSettings configures value capping for a fact metric.
	CappingSettings struct {
		Type  CappingType `yaml:"type" json:"type"`
		Value float64     `yaml:"value" json:"value"`
	}

	// FactMetric is a metric defined declaratively over fact tables.
	FactMetric struct {
		ID          string          `yaml:"id" json:"id"`
		Name        string          `yaml:"name" json:"name"`
		MetricType  string          `yaml:"metricType" json:"metricType"`
		Numerator   FactTableRef    `yaml:"numerator" json:"numerator"`
		Denominator *FactTableRef   `yaml:"denominator,omitempty" json:"denominator,omitempty"`
		Capping     CappingSettings `yaml:"capping" json:"capping"`
		Quantile    QuantileType    `yaml:"quantile,omitempty" json:"quantile,omitempty"`
	}

	// LegacyMetric is a metric backed by a bespoke SQL query rather than a
	// fact table. Legacy metrics never participate in multi-metric grouping.
	LegacyMetric struct {
		ID          string `yaml:"id" json:"id"`
		Name        string `yaml:"name" json:"name"`
		SQL         string `yaml:"sql" json:"sql"`
		Denominator string `yaml:"denominator,omitempty" json:"denominator,omitempty"`
	}

	// FactTable describes a shared event table that fact metrics select from.
	FactTable struct {
		ID         string    `yaml:"id" json:"id"`
		Name       string    `yaml:"name" json:"name"`
		SQL        string    `yaml:"sql" json:"sql"`
		UserIDCols []string  `yaml:"userIdTypes" json:"userIdTypes"`
		CreatedAt  time.Time `yaml:"-" json:"createdAt"`
	}

	// FactTableMap indexes fact tables by id.
	FactTableMap map[string]*FactTable

	// Group is a named, organization-owned collection of metric ids that an
	// experiment may reference as a single unit.
	Group struct {
		ID           string   `yaml:"id" json:"id"`
		Organization string   `yaml:"organization" json:"organization"`
		Name         string   `yaml:"name" json:"name"`
		Datasource   string   `yaml:"datasource" json:"datasource"`
		Metrics      []string `yaml:"metrics" json:"metrics"`
		Archived     bool     `yaml:"archived,omitempty" json:"archived,omitempty"`
	}

	// Map indexes the metric catalogue for one run by metric id.
	Map map[string]Metric
)

// Metric is either a FactMetric or a LegacyMetric.
type Metric interface {
	MetricID() string
}

// MetricID implements Metric.
func (m *FactMetric) MetricID() string { return m.ID }

// MetricID implements Metric.
func (m *LegacyMetric) MetricID() string { return m.ID }

// IsRatio reports whether the fact metric divides one fact column by another.
func (m *FactMetric) IsRatio() bool {
	return m.Denominator != nil
}

// IsQuantile reports whether the fact metric has quantile semantics.
func (m *FactMetric) IsQuantile() bool {
	return m.Quantile != QuantileNone
}

// AsFactMetric returns the metric as a fact metric, or nil if it is not one.
func AsFactMetric(m Metric) *FactMetric {
	fm, ok := m.(*FactMetric)
	if !ok {
		return nil
	}

	return fm
}

// ExpandGroups resolves a list of metric-or-group ids into plain metric ids,
// replacing each group reference with its members in place. Order follows
// first appearance and duplicates are dropped.
func ExpandGroups(ids []string, groups []*Group) []string {
	byID := make(map[string]*Group, len(groups))
	for _, g := range groups {
		byID[g.ID] = g
	}

	seen := make(map[string]bool, len(ids))
	expanded := make([]string, 0, len(ids))

	appendID := func(id string) {
		if !seen[id] {
			seen[id] = true
			expanded = append(expanded, id)
		}
	}

	for _, id := range ids {
		if g, ok := byID[id]; ok && !g.Archived {
			for _, member := range g.Metrics {
				appendID(member)
			}

			continue
		}

		appendID(id)
	}

	return expanded
}
