// Package analysis defines the settings that drive one experiment analysis
// run and the boundary toward the statistical reducer: typed row sets per
// query kind and the collaborator interface that turns them into effect-size
// estimates and health diagnostics.
package analysis

import (
	"time"

	"github.com/abacus-io/abacus/internal/query"
)

// FallbackExperimentMaxLengthDays is used for the mid-experiment power
// estimate when the organization has not configured a maximum experiment
// duration.
const FallbackExperimentMaxLengthDays = 90

// DifferenceType selects how variation effects are expressed.
type DifferenceType string

// Difference types.
const (
	DifferenceRelative DifferenceType = "relative"
	DifferenceAbsolute DifferenceType = "absolute"
	DifferenceScaled   DifferenceType = "scaled"
)

// AnalysisStatus is the per-analysis outcome recorded on the snapshot.
type AnalysisStatus string

// Analysis statuses.
const (
	AnalysisSuccess AnalysisStatus = "success"
	AnalysisError   AnalysisStatus = "error"
	AnalysisRunning AnalysisStatus = "running"
)

type (
	// Variation is one declared experiment arm.
	Variation struct {
		ID     string  `json:"id"`
		Name   string  `json:"name"`
		Weight float64 `json:"weight"`
	}

	// Dimension slices analysis results by a unit attribute.
	Dimension struct {
		ID   string `json:"id"`
		Type string `json:"type"` // "user", "experiment", "date", ...
	}

	// Segment restricts the analysed population.
	Segment struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		SQL    string `json:"sql"`
		UserID string `json:"userIdType"`
	}

	// BanditSettings is present when the experiment runs as a multi-armed
	// bandit; its presence disables the mid-experiment power analysis.
	BanditSettings struct {
		ReweightInterval time.Duration `json:"reweightInterval"`
	}

	// PipelineSettings authorizes writing and cleaning up temporary
	// warehouse objects for a datasource.
	PipelineSettings struct {
		AllowWriting       bool   `yaml:"allowWriting" json:"allowWriting"`
		WriteDataset       string `yaml:"writeDataset" json:"writeDataset"`
		WriteDatabase      string `yaml:"writeDatabase" json:"writeDatabase"`
		UnitsTableDeletion bool   `yaml:"unitsTableDeletion" json:"unitsTableDeletion"`
	}

	// SnapshotSettings is the immutable per-run analysis configuration.
	SnapshotSettings struct {
		Variations       []Variation     `json:"variations"`
		Dimensions       []Dimension     `json:"dimensions"`
		GoalMetrics      []string        `json:"goalMetrics"`
		GuardrailMetrics []string        `json:"guardrailMetrics"`
		ActivationMetric string          `json:"activationMetric,omitempty"`
		Segment          string          `json:"segment,omitempty"`
		ExposureQueryID  string          `json:"exposureQueryId,omitempty"`
		StartDate        time.Time       `json:"startDate"`
		EndDate          time.Time       `json:"endDate"`
		SkipPartialData  bool            `json:"skipPartialData,omitempty"`
		BanditSettings   *BanditSettings `json:"banditSettings,omitempty"`
	}

	// AnalysisSettings configures one statistical analysis of the run.
	AnalysisSettings struct {
		DifferenceType DifferenceType `json:"differenceType"`
		Baseline       int            `json:"baselineVariationIndex"`
	}

	// DimensionResult is the reduced result for one dimension slice.
	DimensionResult struct {
		Dimension  string            `json:"dimension"`
		Variations []VariationResult `json:"variations"`
	}

	// MetricStats is the per-metric aggregate for one variation.
	MetricStats struct {
		Users  int64   `json:"users"`
		Count  int64   `json:"count"`
		Mean   float64 `json:"mean"`
		Stddev float64 `json:"stddev"`
	}

	// VariationResult is one variation's aggregates within a dimension.
	VariationResult struct {
		Variation int                    `json:"variation"`
		Users     int64                  `json:"users"`
		Metrics   map[string]MetricStats `json:"metrics"`
	}

	// Analysis is one configured analysis plus its reduced outcome.
	Analysis struct {
		Settings AnalysisSettings  `json:"settings"`
		Results  []DimensionResult `json:"results"`
		Status   AnalysisStatus    `json:"status"`
		Error    string            `json:"error,omitempty"`
	}

	// TrafficHealth summarizes the aggregate units query for SRM and
	// imbalance diagnostics.
	TrafficHealth struct {
		OverallTotal int64            `json:"overall"`
		PerVariation map[string]int64 `json:"perVariation"`
		SRMPValue    float64          `json:"srm"`
		Error        string           `json:"error,omitempty"`
	}

	// PowerResult is the forward-looking mid-experiment power estimate.
	PowerResult struct {
		Power                float64 `json:"power"`
		AdditionalDaysNeeded int     `json:"additionalDaysNeeded"`
		LowPowerWarning      bool    `json:"lowPowerWarning"`
	}

	// Health groups the run's health diagnostics.
	Health struct {
		Traffic *TrafficHealth `json:"traffic,omitempty"`
		Power   *PowerResult   `json:"power,omitempty"`
	}

	// ExperimentResults is the reduced per-dimension result of one run
	// before statistical post-processing.
	ExperimentResults struct {
		Dimensions        []DimensionResult `json:"dimensions"`
		UnknownVariations []string          `json:"unknownVariations"`
	}

	// Result is the final payload handed back to the snapshot owner.
	Result struct {
		Analyses          []Analysis `json:"analyses"`
		UnknownVariations []string   `json:"unknownVariations"`
		MultipleExposures int64      `json:"multipleExposures"`
		Health            *Health    `json:"health,omitempty"`
	}

	// ResultsInput is the input to AnalyzeResults.
	ResultsInput struct {
		QueryData        query.Map
		Settings         SnapshotSettings
		AnalysisSettings []AnalysisSettings
		VariationNames   []string
	}

	// ResultsOutput is the output of AnalyzeResults.
	ResultsOutput struct {
		Analyses          [][]DimensionResult
		UnknownVariations []string
		MultipleExposures int64
	}

	// TrafficInput is the input to AnalyzeTraffic.
	TrafficInput struct {
		Rows       []query.Row
		Error      string
		Variations []Variation
	}

	// PowerInput is the input to AnalyzePower. It consumes the traffic
	// health result and does not run any warehouse query.
	PowerInput struct {
		Traffic             *TrafficHealth
		TargetDaysRemaining int
		Analysis            *Analysis
		GoalMetrics         []string
		Variations          []Variation
	}
)

// Analyzer is the statistical computation boundary. Implementations are pure
// functions over already-materialized rows; they never contact the warehouse
// and are never called with non-terminal queries.
type Analyzer interface {
	AnalyzeResults(input ResultsInput) (*ResultsOutput, error)
	AnalyzeTraffic(input TrafficInput) (*TrafficHealth, error)
	AnalyzePower(input PowerInput) (*PowerResult, error)
}

// Organization carries the feature entitlements and settings that gate
// grouping, pipeline mode, and health checks.
type Organization struct {
	ID       string
	Features map[string]bool
	Settings OrganizationSettings
}

// OrganizationSettings are org-level toggles consulted during a run.
type OrganizationSettings struct {
	DisableMultiMetricQueries bool
	RunHealthTrafficQuery     bool
	ExperimentMaxLengthDays   int
}

// Premium feature keys.
const (
	FeatureMultiMetricQueries = "multi-metric-queries"
	FeaturePipelineMode       = "pipeline-mode"
)

// HasPremiumFeature reports whether the organization is entitled to the
// feature.
func (o *Organization) HasPremiumFeature(feature string) bool {
	return o != nil && o.Features[feature]
}
