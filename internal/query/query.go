// Package query defines the domain types for warehouse queries tracked by the
// query ledger: identity, lifecycle status, heartbeat, result envelope, and
// the dependency metadata that turns a list of queries into an executable DAG.
package query

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Timing constants for the query heartbeat protocol.
//
// A process actively executing a query refreshes its heartbeat every
// HeartbeatInterval. A query in running status whose heartbeat is older than
// StaleThreshold (roughly two missed heartbeats) is considered abandoned and
// eligible for reclamation by the stale sweep.
const (
	HeartbeatInterval = 30 * time.Second
	StaleThreshold    = 70 * time.Second

	// ReclaimBatchSize bounds how many stale queries a single sweep claims.
	ReclaimBatchSize = 20

	// CacheTTL is how long a succeeded or running query is considered an
	// equivalent for cache reuse.
	CacheTTL = 60 * time.Minute
)

// StaleQueryError is the standardized error recorded on queries that were
// reclaimed after their executor stopped heartbeating.
const StaleQueryError = "Query execution was interrupted. Please try again."

// Status is the lifecycle status of a single query.
type Status string

// Query lifecycle statuses. Succeeded, Failed and PartiallySucceeded are
// terminal; a query's finishedAt is set if and only if its status is terminal.
const (
	StatusQueued             Status = "queued"
	StatusRunning            Status = "running"
	StatusSucceeded          Status = "succeeded"
	StatusFailed             Status = "failed"
	StatusPartiallySucceeded Status = "partially-succeeded"
)

// IsTerminal reports whether the status is a terminal state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusPartiallySucceeded:
		return true
	default:
		return false
	}
}

// Type classifies what a query computes. It is a free-form tag interpreted by
// the reducer; the constants below cover every query the runner emits.
type Type string

// Query types emitted by the experiment results runner.
const (
	TypeExperimentUnits          Type = "experimentUnits"
	TypeExperimentMetric         Type = "experimentMetric"
	TypeExperimentMultiMetric    Type = "experimentMultiMetric"
	TypeExperimentTraffic        Type = "experimentTraffic"
	TypeExperimentDropUnitsTable Type = "experimentDropUnitsTable"
	TypeExperimentResults        Type = "experimentResults"
)

// Language is the declared query language/dialect tag (e.g. "sql", "tsql").
type Language string

// Known query languages.
const (
	LanguageSQL  Language = "sql"
	LanguageTSQL Language = "tsql"
)

type (
	// Row is one warehouse result row keyed by column name.
	Row map[string]interface{}

	// Statistics captures execution statistics reported by the warehouse.
	Statistics struct {
		ExecutionDurationMs int64 `json:"executionDurationMs,omitempty"`
		BytesScanned        int64 `json:"bytesScanned,omitempty"`
		RowsProcessed       int64 `json:"rowsProcessed,omitempty"`
	}

	// Query is one unit of warehouse work tracked durably by the ledger.
	Query struct {
		ID           string   `json:"id"`
		Organization string   `json:"organization"`
		Datasource   string   `json:"datasource"`
		Language     Language `json:"language"`
		QueryText    string   `json:"query"`
		QueryType    Type     `json:"queryType"`
		Status       Status   `json:"status"`

		CreatedAt  time.Time  `json:"createdAt"`
		StartedAt  *time.Time `json:"startedAt,omitempty"`
		FinishedAt *time.Time `json:"finishedAt,omitempty"`
		Heartbeat  time.Time  `json:"heartbeat"`

		// ExternalID is the job id assigned by the warehouse, used for
		// best-effort cancellation and polling.
		ExternalID string `json:"externalId,omitempty"`

		RawResult  []Row       `json:"rawResult,omitempty"`
		Result     []Row       `json:"result,omitempty"`
		Error      string      `json:"error,omitempty"`
		Statistics *Statistics `json:"statistics,omitempty"`

		// Dependencies lists query ids that must reach a terminal state
		// before this query may be dispatched.
		Dependencies []string `json:"dependencies"`

		// RunAtEnd marks queries (e.g. temp table cleanup) that run only
		// after every non-RunAtEnd query in the set is terminal.
		RunAtEnd bool `json:"runAtEnd,omitempty"`

		// CachedQueryUsed records the id of the query this one was cloned
		// from when a cached result was reused.
		CachedQueryUsed string `json:"cachedQueryUsed,omitempty"`
	}

	// Pointer is the lightweight reference to a query that callers persist
	// on their own model (e.g. a snapshot) for crash recovery.
	Pointer struct {
		ID        string `json:"query"`
		Name      string `json:"name"`
		QueryType Type   `json:"queryType"`
		Status    Status `json:"status"`
	}

	// Changes is a partial update merged into a query by the ledger. Nil
	// fields are left untouched.
	Changes struct {
		Status     *Status
		StartedAt  *time.Time
		FinishedAt *time.Time
		Heartbeat  *time.Time
		ExternalID *string
		RawResult  []Row
		Result     []Row
		Error      *string
		Statistics *Statistics
	}

	// Map indexes terminal queries by name for the reducer. The reducer is
	// never handed a non-terminal query.
	Map map[string]*Query
)

// NewID returns a fresh query identifier.
func NewID() string {
	return "qry_" + uuid.NewString()
}

// Pointer returns the persistable reference for the query under the given
// caller-assigned name.
func (q *Query) Pointer(name string) Pointer {
	return Pointer{ID: q.ID, Name: name, QueryType: q.QueryType, Status: q.Status}
}

// Apply merges the partial changes into a copy of the query and returns it.
// The ledger uses the same merge when persisting, so the returned value
// mirrors the stored row.
func (q *Query) Apply(changes Changes) *Query {
	merged := *q
	if changes.Status != nil {
		merged.Status = *changes.Status
	}

	if changes.StartedAt != nil {
		merged.StartedAt = changes.StartedAt
	}

	if changes.FinishedAt != nil {
		merged.FinishedAt = changes.FinishedAt
	}

	if changes.Heartbeat != nil {
		merged.Heartbeat = *changes.Heartbeat
	}

	if changes.ExternalID != nil {
		merged.ExternalID = *changes.ExternalID
	}

	if changes.RawResult != nil {
		merged.RawResult = changes.RawResult
	}

	if changes.Result != nil {
		merged.Result = changes.Result
	}

	if changes.Error != nil {
		merged.Error = *changes.Error
	}

	if changes.Statistics != nil {
		merged.Statistics = changes.Statistics
	}

	return &merged
}

// String implements fmt.Stringer for log output.
func (q *Query) String() string {
	return fmt.Sprintf("%s (%s/%s %s)", q.ID, q.Organization, q.Datasource, q.Status)
}
