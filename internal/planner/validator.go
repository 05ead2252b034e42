package planner

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bindevz/askgate/internal/catalog"
)

// Stable validation error codes. Each maps to exactly one class of
// violation so callers can branch without string matching.
const (
	CodeMalformed      = "plan_malformed"
	CodeUnknownKey     = "plan_unknown_key"
	CodeMissingDataset = "plan_missing_dataset"
	CodeMissingSelect  = "plan_missing_select"
	CodeUnknownDataset = "plan_unknown_dataset"
	CodeUnknownField   = "plan_unknown_field"
	CodeBadOperator    = "plan_bad_operator"
	CodeBadValues      = "plan_bad_values"
	CodeBadLimit       = "plan_limit_exceeded"
	CodeBadOffset      = "plan_bad_offset"
	CodeBadTimeRange   = "plan_bad_time_range"
	CodeRangeTooWide   = "plan_time_range_too_wide"
	CodeJoinsDisabled  = "plan_joins_disabled"
	CodeUnknownJoin    = "plan_unknown_join"
)

// ValidationError is a single, user-actionable plan rejection. Validation
// fails fast: the first violation wins and no normalized plan is produced.
type ValidationError struct {
	Path    string
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Code + ": " + e.Message
	}
	return e.Code + " at " + e.Path + ": " + e.Message
}

func fail(path, code, format string, args ...any) *ValidationError {
	return &ValidationError{Path: path, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Limits bounds what a valid plan may ask for.
type Limits struct {
	RowLimitCeiling  int
	MaxTimeRangeDays int
	MaxJoins         int // 0 disables drilldowns
}

// DefaultLimit is applied when a plan omits limit entirely.
const DefaultLimit = 100

// Top-level keys a plan JSON may carry. Anything else is rejected.
var allowedPlanKeys = map[string]bool{
	"datasetKey": true, "select": true, "where": true, "groupBy": true,
	"orderBy": true, "limit": true, "offset": true, "timeRange": true,
	"drilldown": true,
}

// Accepted layouts for timeRange.from / timeRange.to.
var timeLayouts = []string{time.RFC3339, "2006-01-02"}

// Validator checks model-authored plans against a tenant catalog snapshot.
// It is stateless apart from its limits and safe for concurrent use.
type Validator struct {
	limits Limits
}

// NewValidator creates a validator with the given limits.
func NewValidator(limits Limits) *Validator {
	return &Validator{limits: limits}
}

// Validate schema-checks, catalog-resolves, and normalizes a plan.
// On success the returned plan carries the catalog's canonical field
// casing and is idempotent under re-validation. On failure it returns a
// single ValidationError and no plan.
func (v *Validator) Validate(raw json.RawMessage, snap *catalog.Snapshot) (*QueryPlan, *ValidationError) {
	// Shape check: allow-listed top-level keys only.
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fail("", CodeMalformed, "plan is not a JSON object: %v", err)
	}
	for k := range keys {
		if !allowedPlanKeys[k] {
			return nil, fail(k, CodeUnknownKey, "unknown plan key %q", k)
		}
	}

	var plan QueryPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fail("", CodeMalformed, "plan does not match the expected shape: %v", err)
	}

	// Dataset resolution.
	plan.DatasetKey = strings.TrimSpace(plan.DatasetKey)
	if plan.DatasetKey == "" {
		return nil, fail("datasetKey", CodeMissingDataset, "datasetKey is required")
	}
	ds, ok := snap.Dataset(plan.DatasetKey)
	if !ok {
		return nil, fail("datasetKey", CodeUnknownDataset, "dataset %q is not available", plan.DatasetKey)
	}
	plan.DatasetKey = ds.Key

	// Field resolution. Any unresolved field fails the whole plan.
	if len(plan.Select) == 0 {
		return nil, fail("select", CodeMissingSelect, "select must name at least one field")
	}
	for i, f := range plan.Select {
		canonical, verr := v.resolveField(snap, ds.Key, f, fmt.Sprintf("select[%d]", i))
		if verr != nil {
			return nil, verr
		}
		plan.Select[i] = canonical
	}
	for i, f := range plan.GroupBy {
		canonical, verr := v.resolveField(snap, ds.Key, f, fmt.Sprintf("groupBy[%d]", i))
		if verr != nil {
			return nil, verr
		}
		plan.GroupBy[i] = canonical
	}
	for i := range plan.OrderBy {
		canonical, verr := v.resolveField(snap, ds.Key, plan.OrderBy[i].Field, fmt.Sprintf("orderBy[%d].field", i))
		if verr != nil {
			return nil, verr
		}
		plan.OrderBy[i].Field = canonical
		dir := strings.ToLower(strings.TrimSpace(plan.OrderBy[i].Dir))
		switch dir {
		case "", "asc":
			plan.OrderBy[i].Dir = "asc"
		case "desc":
			plan.OrderBy[i].Dir = "desc"
		default:
			return nil, fail(fmt.Sprintf("orderBy[%d].dir", i), CodeMalformed,
				"direction must be asc or desc, got %q", plan.OrderBy[i].Dir)
		}
	}

	// Where clauses.
	for i := range plan.Where {
		if verr := v.checkWhere(snap, ds.Key, &plan.Where[i], fmt.Sprintf("where[%d]", i)); verr != nil {
			return nil, verr
		}
	}

	// Limit and offset.
	if plan.Limit == 0 {
		plan.Limit = DefaultLimit
		if plan.Limit > v.limits.RowLimitCeiling {
			plan.Limit = v.limits.RowLimitCeiling
		}
	}
	if plan.Limit < 0 {
		return nil, fail("limit", CodeBadLimit, "limit must be a positive integer")
	}
	if plan.Limit > v.limits.RowLimitCeiling {
		return nil, fail("limit", CodeBadLimit,
			"limit %d exceeds the maximum of %d", plan.Limit, v.limits.RowLimitCeiling)
	}
	if plan.Offset < 0 {
		return nil, fail("offset", CodeBadOffset, "offset must not be negative")
	}

	// Time range.
	if plan.TimeRange != nil {
		tr, verr := v.checkTimeRange(plan.TimeRange)
		if verr != nil {
			return nil, verr
		}
		plan.TimeRange = tr
	}

	// Drilldown.
	if plan.Drilldown != nil {
		dd, verr := v.checkDrilldown(snap, ds.Key, plan.Drilldown)
		if verr != nil {
			return nil, verr
		}
		plan.Drilldown = dd
	}

	return &plan, nil
}

func (v *Validator) resolveField(snap *catalog.Snapshot, dataset, field, path string) (string, *ValidationError) {
	f, ok := snap.Field(dataset, field)
	if !ok {
		return "", fail(path, CodeUnknownField,
			"field %q is not available on dataset %q", strings.TrimSpace(field), dataset)
	}
	return f.Key, nil
}

func (v *Validator) checkWhere(snap *catalog.Snapshot, dataset string, w *WhereClause, path string) *ValidationError {
	canonical, verr := v.resolveField(snap, dataset, w.Field, path+".field")
	if verr != nil {
		return verr
	}
	w.Field = canonical

	op := strings.ToLower(strings.TrimSpace(w.Op))
	if !allowedOps[op] {
		return fail(path+".op", CodeBadOperator, "operator %q is not allowed", w.Op)
	}
	w.Op = op

	switch op {
	case OpIn:
		if len(w.Values) == 0 {
			return fail(path+".values", CodeBadValues, "in requires a non-empty values array")
		}
		if w.Value != nil {
			return fail(path+".value", CodeBadValues, "in takes values, not a scalar value")
		}
	case OpBetween:
		if len(w.Values) != 2 {
			return fail(path+".values", CodeBadValues, "between requires exactly two values")
		}
		if w.Value != nil {
			return fail(path+".value", CodeBadValues, "between takes values, not a scalar value")
		}
	default:
		if w.Value == nil {
			return fail(path+".value", CodeBadValues, "%s requires a scalar value", op)
		}
		if len(w.Values) != 0 {
			return fail(path+".values", CodeBadValues, "%s takes value, not a values array", op)
		}
		if _, isArr := w.Value.([]any); isArr {
			return fail(path+".value", CodeBadValues, "%s requires a scalar value, got an array", op)
		}
		if _, isObj := w.Value.(map[string]any); isObj {
			return fail(path+".value", CodeBadValues, "%s requires a scalar value, got an object", op)
		}
	}
	return nil
}

func (v *Validator) checkTimeRange(tr *TimeRange) (*TimeRange, *ValidationError) {
	from, ok := parseDate(tr.From)
	if !ok {
		return nil, fail("timeRange.from", CodeBadTimeRange, "cannot parse %q as a date", tr.From)
	}
	to, ok := parseDate(tr.To)
	if !ok {
		return nil, fail("timeRange.to", CodeBadTimeRange, "cannot parse %q as a date", tr.To)
	}
	if to.Before(from) {
		return nil, fail("timeRange", CodeBadTimeRange, "to must not precede from")
	}
	if v.limits.MaxTimeRangeDays > 0 {
		span := to.Sub(from)
		if span > time.Duration(v.limits.MaxTimeRangeDays)*24*time.Hour {
			return nil, fail("timeRange", CodeRangeTooWide,
				"range spans more than %d days", v.limits.MaxTimeRangeDays)
		}
	}
	return &TimeRange{From: from.UTC().Format(time.RFC3339), To: to.UTC().Format(time.RFC3339)}, nil
}

func (v *Validator) checkDrilldown(snap *catalog.Snapshot, source string, dd *Drilldown) (*Drilldown, *ValidationError) {
	if v.limits.MaxJoins <= 0 {
		return nil, fail("drilldown", CodeJoinsDisabled, "drilldowns are disabled for this tenant")
	}

	dd.ToDatasetKey = strings.TrimSpace(dd.ToDatasetKey)
	if dd.ToDatasetKey == "" {
		return nil, fail("drilldown.toDatasetKey", CodeMissingDataset, "drilldown requires a target dataset")
	}
	target, ok := snap.Dataset(dd.ToDatasetKey)
	if !ok {
		return nil, fail("drilldown.toDatasetKey", CodeUnknownDataset,
			"dataset %q is not available", dd.ToDatasetKey)
	}
	dd.ToDatasetKey = target.Key

	graph, ok := snap.Graph(dd.JoinKey)
	if !ok {
		return nil, fail("drilldown.joinKey", CodeUnknownJoin,
			"join %q is not declared", strings.TrimSpace(dd.JoinKey))
	}
	if !graph.Enabled {
		return nil, fail("drilldown.joinKey", CodeJoinsDisabled,
			"join %q is disabled", graph.Key)
	}
	if !connectsFold(graph.FromDataset, graph.ToDataset, source, target.Key) {
		return nil, fail("drilldown.joinKey", CodeUnknownJoin,
			"join %q does not connect %q and %q", graph.Key, source, target.Key)
	}
	dd.JoinKey = graph.Key

	// Drilldown filters apply to the target dataset's fields.
	for i := range dd.Where {
		if verr := v.checkWhere(snap, target.Key, &dd.Where[i], fmt.Sprintf("drilldown.where[%d]", i)); verr != nil {
			return nil, verr
		}
	}
	return dd, nil
}

func connectsFold(from, to, a, b string) bool {
	from, to = strings.ToLower(from), strings.ToLower(to)
	a, b = strings.ToLower(a), strings.ToLower(b)
	return (from == a && to == b) || (from == b && to == a)
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
