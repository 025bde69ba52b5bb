// Package domain defines the core types shared by the ledger stores, the
// dispatch gate, and the job queue protocol.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Budget is an (epsilon, delta) pair. Decimal arithmetic keeps cumulative
// spend exact: spent budgets are sums of many small costs and must compare
// exactly against the initial allocation.
type Budget struct {
	Epsilon decimal.Decimal `json:"epsilon" bson:"epsilon"`
	Delta   decimal.Decimal `json:"delta" bson:"delta"`
}

// NewBudget builds a Budget from string representations, panicking on
// malformed input. Intended for literals in wiring and tests.
func NewBudget(epsilon, delta string) Budget {
	return Budget{
		Epsilon: decimal.RequireFromString(epsilon),
		Delta:   decimal.RequireFromString(delta),
	}
}

// Add returns b + other.
func (b Budget) Add(other Budget) Budget {
	return Budget{
		Epsilon: b.Epsilon.Add(other.Epsilon),
		Delta:   b.Delta.Add(other.Delta),
	}
}

// Sub returns b - other.
func (b Budget) Sub(other Budget) Budget {
	return Budget{
		Epsilon: b.Epsilon.Sub(other.Epsilon),
		Delta:   b.Delta.Sub(other.Delta),
	}
}

// Covers reports whether b is enough to pay for cost in both dimensions.
func (b Budget) Covers(cost Budget) bool {
	return cost.Epsilon.LessThanOrEqual(b.Epsilon) && cost.Delta.LessThanOrEqual(b.Delta)
}

// IsZero reports whether both components are zero.
func (b Budget) IsZero() bool {
	return b.Epsilon.IsZero() && b.Delta.IsZero()
}

// User is an analyst allowed to run queries. MayQuery is the per-user gate:
// it is false only while one of the user's queries is being processed.
type User struct {
	Name     string         `json:"name" bson:"_id" db:"name"`
	Contact  string         `json:"contact" bson:"contact" db:"contact"`
	MayQuery bool           `json:"may_query" bson:"may_query" db:"may_query"`
	Grants   []DatasetGrant `json:"grants" bson:"grants"`
}

// Grant returns the user's grant for the named dataset, if any.
func (u *User) Grant(dataset string) (*DatasetGrant, bool) {
	for i := range u.Grants {
		if u.Grants[i].Dataset == dataset {
			return &u.Grants[i], true
		}
	}
	return nil, false
}

// DatasetGrant allocates budget on one dataset to one user. Remaining budget
// is always derived as initial - spent, never stored.
type DatasetGrant struct {
	Dataset        string          `json:"dataset" bson:"dataset" db:"dataset"`
	InitialEpsilon decimal.Decimal `json:"initial_epsilon" bson:"initial_epsilon" db:"initial_epsilon"`
	InitialDelta   decimal.Decimal `json:"initial_delta" bson:"initial_delta" db:"initial_delta"`
	SpentEpsilon   decimal.Decimal `json:"spent_epsilon" bson:"spent_epsilon" db:"spent_epsilon"`
	SpentDelta     decimal.Decimal `json:"spent_delta" bson:"spent_delta" db:"spent_delta"`
}

// Initial returns the allocated budget.
func (g *DatasetGrant) Initial() Budget {
	return Budget{Epsilon: g.InitialEpsilon, Delta: g.InitialDelta}
}

// Spent returns the cumulative spend.
func (g *DatasetGrant) Spent() Budget {
	return Budget{Epsilon: g.SpentEpsilon, Delta: g.SpentDelta}
}

// Remaining returns initial - spent.
func (g *DatasetGrant) Remaining() Budget {
	return g.Initial().Sub(g.Spent())
}

// Dataset describes one queryable dataset. Access is opaque to the core and
// handed through to the querier plugins; Metadata is what plugins use to
// compute cost and sensitivity.
type Dataset struct {
	Name     string     `json:"name" bson:"_id" db:"name"`
	Access   AccessInfo `json:"access" bson:"access"`
	Metadata Metadata   `json:"metadata" bson:"metadata"`
}

// AccessInfo locates a dataset. CredentialsRef names an externally managed
// credential; the core never resolves it.
type AccessInfo struct {
	Type           string `json:"type" bson:"type" db:"access_type"`
	Path           string `json:"path" bson:"path" db:"access_path"`
	CredentialsRef string `json:"credentials_ref,omitempty" bson:"credentials_ref,omitempty" db:"credentials_ref"`
}

// Metadata carries the schema and privacy-unit information plugins need.
type Metadata struct {
	Columns          []Column `json:"columns" bson:"columns"`
	RowCount         int64    `json:"row_count" bson:"row_count" db:"row_count"`
	MaxContributions int      `json:"max_contributions" bson:"max_contributions" db:"max_contributions"`
	PrivacyUnit      string   `json:"privacy_unit" bson:"privacy_unit" db:"privacy_unit"`
}

// Column returns the named column's metadata, if present.
func (m *Metadata) Column(name string) (*Column, bool) {
	for i := range m.Columns {
		if m.Columns[i].Name == name {
			return &m.Columns[i], true
		}
	}
	return nil, false
}

// Column describes one dataset column with the bounds plugins clamp to.
type Column struct {
	Name        string  `json:"name" bson:"name" db:"name"`
	Type        string  `json:"type" bson:"type" db:"type"`
	LowerBound  float64 `json:"lower_bound" bson:"lower_bound" db:"lower_bound"`
	UpperBound  float64 `json:"upper_bound" bson:"upper_bound" db:"upper_bound"`
	Cardinality int     `json:"cardinality,omitempty" bson:"cardinality,omitempty" db:"cardinality"`
}

// Mechanisms supported by the built-in aggregate querier.
const (
	MechanismLaplace  = "laplace"
	MechanismGaussian = "gaussian"
)

// Aggregations supported by the built-in aggregate querier.
const (
	AggregationCount = "count"
	AggregationSum   = "sum"
	AggregationMean  = "mean"
)

// QueryRequest is the typed request handed to the gate and, from there, to a
// querier plugin. ID doubles as the idempotency key: a redelivered request
// with an already-archived ID is answered from the archive.
type QueryRequest struct {
	ID          uuid.UUID       `json:"id" bson:"id"`
	User        string          `json:"user" bson:"user"`
	Dataset     string          `json:"dataset" bson:"dataset"`
	Library     string          `json:"library" bson:"library"`
	Aggregation string          `json:"aggregation" bson:"aggregation"`
	Column      string          `json:"column,omitempty" bson:"column,omitempty"`
	Mechanism   string          `json:"mechanism" bson:"mechanism"`
	Epsilon     decimal.Decimal `json:"epsilon" bson:"epsilon"`
	Delta       decimal.Decimal `json:"delta" bson:"delta"`
}

// QueryArchiveEntry is the append-only audit record of one terminated query.
// The core never mutates or deletes entries.
type QueryArchiveEntry struct {
	ID        uuid.UUID       `json:"id" bson:"_id" db:"id"`
	RequestID uuid.UUID       `json:"request_id" bson:"request_id" db:"request_id"`
	User      string          `json:"user" bson:"user" db:"user_name"`
	Dataset   string          `json:"dataset" bson:"dataset" db:"dataset"`
	Library   string          `json:"library" bson:"library" db:"library"`
	Request   json.RawMessage `json:"request" bson:"request" db:"request"`
	Response  json.RawMessage `json:"response,omitempty" bson:"response,omitempty" db:"response"`
	Error     string          `json:"error,omitempty" bson:"error,omitempty" db:"error"`
	Epsilon   decimal.Decimal `json:"epsilon" bson:"epsilon" db:"epsilon"`
	Delta     decimal.Decimal `json:"delta" bson:"delta" db:"delta"`
	CreatedAt time.Time       `json:"created_at" bson:"created_at" db:"created_at"`
}

// JobStatus is the lifecycle state of an asynchronous job. A job transitions
// exactly once from pending to a terminal state.
type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobComplete JobStatus = "complete"
	JobFailed   JobStatus = "failed"
)

// Job is the polled unit of asynchronous work. The queue protocol is its
// only writer.
type Job struct {
	UID         uuid.UUID       `json:"uid"`
	Status      JobStatus       `json:"status"`
	StatusCode  int             `json:"status_code"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Terminal reports whether the job reached a final state.
func (j *Job) Terminal() bool {
	return j.Status == JobComplete || j.Status == JobFailed
}

// TaskType names the three work queues.
type TaskType string

const (
	// TaskQuery runs the full gate and mutates budget.
	TaskQuery TaskType = "query"
	// TaskEstimate computes cost only; read-only.
	TaskEstimate TaskType = "estimate"
	// TaskDummy runs against synthetic data with no budget interaction.
	TaskDummy TaskType = "dummy"
)

// Valid reports whether t is one of the three known task types.
func (t TaskType) Valid() bool {
	return t == TaskQuery || t == TaskEstimate || t == TaskDummy
}
