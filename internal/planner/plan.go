// Package planner implements the query-plan safety layer: a model-authored
// analytical query plan is validated and normalized against the tenant's
// catalog before anything is allowed to execute it.
package planner

import "encoding/json"

// QueryPlan is the structured analytical query shape the model authors.
// Only plans that have passed Validator.Validate may be executed; the
// validator returns the canonical, catalog-checked form.
type QueryPlan struct {
	DatasetKey string        `json:"datasetKey"`
	Select     []string      `json:"select"`
	Where      []WhereClause `json:"where,omitempty"`
	GroupBy    []string      `json:"groupBy,omitempty"`
	OrderBy    []OrderClause `json:"orderBy,omitempty"`
	Limit      int           `json:"limit,omitempty"`
	Offset     int           `json:"offset,omitempty"`
	TimeRange  *TimeRange    `json:"timeRange,omitempty"`
	Drilldown  *Drilldown    `json:"drilldown,omitempty"`
}

// WhereClause filters rows on one field. Scalar operators use Value;
// in/between use Values.
type WhereClause struct {
	Field  string `json:"field"`
	Op     string `json:"op"`
	Value  any    `json:"value,omitempty"`
	Values []any  `json:"values,omitempty"`
}

// OrderClause sorts the result on one field.
type OrderClause struct {
	Field string `json:"field"`
	Dir   string `json:"dir,omitempty"` // asc | desc
}

// TimeRange restricts the plan to a bounded date window.
type TimeRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Drilldown joins from the primary dataset to a related one via a
// catalog-declared entity graph.
type Drilldown struct {
	ToDatasetKey string        `json:"toDatasetKey"`
	JoinKey      string        `json:"joinKey"`
	Where        []WhereClause `json:"where,omitempty"`
}

// JSON marshals the plan. Normalized plans marshal deterministically since
// all casing and trimming has been canonicalized.
func (p *QueryPlan) JSON() json.RawMessage {
	b, _ := json.Marshal(p)
	return b
}

// Operator whitelist for where clauses.
const (
	OpEq      = "eq"
	OpNe      = "ne"
	OpGt      = "gt"
	OpGte     = "gte"
	OpLt      = "lt"
	OpLte     = "lte"
	OpLike    = "like"
	OpIn      = "in"
	OpBetween = "between"
)

var allowedOps = map[string]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true,
	OpLt: true, OpLte: true, OpLike: true, OpIn: true, OpBetween: true,
}
