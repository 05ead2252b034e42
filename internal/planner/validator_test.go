package planner

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bindevz/askgate/internal/catalog"
	"github.com/bindevz/askgate/pkg/models"
)

func testSnapshot() *catalog.Snapshot {
	datasets := []models.Dataset{
		{Tenant: "acme", Key: "Orders", Enabled: true},
		{Tenant: "acme", Key: "Customers", Enabled: true},
		{Tenant: "acme", Key: "Archive", Enabled: false},
	}
	fields := []models.DatasetField{
		{Tenant: "acme", Dataset: "Orders", Key: "OrderId", Type: "string", Enabled: true},
		{Tenant: "acme", Dataset: "Orders", Key: "Amount", Type: "number", Enabled: true},
		{Tenant: "acme", Dataset: "Orders", Key: "Status", Type: "string", Enabled: true},
		{Tenant: "acme", Dataset: "Orders", Key: "Hidden", Type: "string", Enabled: false},
		{Tenant: "acme", Dataset: "Customers", Key: "CustomerId", Type: "string", Enabled: true},
		{Tenant: "acme", Dataset: "Customers", Key: "Region", Type: "string", Enabled: true},
	}
	graphs := []models.EntityGraph{
		{Tenant: "acme", Key: "order-customer", FromDataset: "Orders", ToDataset: "Customers", JoinKey: "CustomerId", Enabled: true},
	}
	return catalog.NewSnapshot("acme", datasets, fields, graphs)
}

func testValidator() *Validator {
	return NewValidator(Limits{RowLimitCeiling: 2000, MaxTimeRangeDays: 366, MaxJoins: 1})
}

func TestValidateNormalizesCasing(t *testing.T) {
	raw := json.RawMessage(`{
		"datasetKey": "orders",
		"select": ["orderid", "AMOUNT"],
		"where": [{"field": "status", "op": "EQ", "value": "open"}],
		"orderBy": [{"field": "amount", "dir": "DESC"}]
	}`)

	plan, verr := testValidator().Validate(raw, testSnapshot())
	require.Nil(t, verr)

	assert.Equal(t, "Orders", plan.DatasetKey)
	assert.Equal(t, []string{"OrderId", "Amount"}, plan.Select)
	assert.Equal(t, "Status", plan.Where[0].Field)
	assert.Equal(t, OpEq, plan.Where[0].Op)
	assert.Equal(t, "Amount", plan.OrderBy[0].Field)
	assert.Equal(t, "desc", plan.OrderBy[0].Dir)
	assert.Equal(t, DefaultLimit, plan.Limit)
}

func TestValidateIsIdempotent(t *testing.T) {
	raw := json.RawMessage(`{
		"datasetKey": "orders",
		"select": ["orderid"],
		"where": [{"field": "amount", "op": "gte", "value": 100}],
		"timeRange": {"from": "2026-01-01", "to": "2026-03-01"},
		"limit": 50
	}`)

	v := testValidator()
	snap := testSnapshot()

	first, verr := v.Validate(raw, snap)
	require.Nil(t, verr)

	again, err := json.Marshal(first)
	require.NoError(t, err)
	second, verr := v.Validate(again, snap)
	require.Nil(t, verr)

	assert.Equal(t, first, second)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		code string
	}{
		{"not an object", `["orders"]`, CodeMalformed},
		{"unknown top-level key", `{"datasetKey":"orders","select":["orderid"],"rawSql":"drop"}`, CodeUnknownKey},
		{"missing dataset", `{"select":["orderid"]}`, CodeMissingDataset},
		{"empty select", `{"datasetKey":"orders","select":[]}`, CodeMissingSelect},
		{"unknown dataset", `{"datasetKey":"payments","select":["orderid"]}`, CodeUnknownDataset},
		{"disabled dataset", `{"datasetKey":"archive","select":["orderid"]}`, CodeUnknownDataset},
		{"unknown field", `{"datasetKey":"orders","select":["margin"]}`, CodeUnknownField},
		{"disabled field", `{"datasetKey":"orders","select":["hidden"]}`, CodeUnknownField},
		{"bad operator", `{"datasetKey":"orders","select":["orderid"],"where":[{"field":"status","op":"regex","value":".*"}]}`, CodeBadOperator},
		{"in without values", `{"datasetKey":"orders","select":["orderid"],"where":[{"field":"status","op":"in","value":"open"}]}`, CodeBadValues},
		{"between with one value", `{"datasetKey":"orders","select":["orderid"],"where":[{"field":"amount","op":"between","values":[10]}]}`, CodeBadValues},
		{"eq with array value", `{"datasetKey":"orders","select":["orderid"],"where":[{"field":"status","op":"eq","value":["open"]}]}`, CodeBadValues},
		{"negative limit", `{"datasetKey":"orders","select":["orderid"],"limit":-1}`, CodeBadLimit},
		{"limit over ceiling", `{"datasetKey":"orders","select":["orderid"],"limit":5000}`, CodeBadLimit},
		{"negative offset", `{"datasetKey":"orders","select":["orderid"],"offset":-5}`, CodeBadOffset},
		{"unparseable from", `{"datasetKey":"orders","select":["orderid"],"timeRange":{"from":"yesterday","to":"2026-01-01"}}`, CodeBadTimeRange},
		{"inverted range", `{"datasetKey":"orders","select":["orderid"],"timeRange":{"from":"2026-06-01","to":"2026-01-01"}}`, CodeBadTimeRange},
		{"range too wide", `{"datasetKey":"orders","select":["orderid"],"timeRange":{"from":"2024-01-01","to":"2026-01-01"}}`, CodeRangeTooWide},
		{"unknown join", `{"datasetKey":"orders","select":["orderid"],"drilldown":{"toDatasetKey":"customers","joinKey":"order-supplier"}}`, CodeUnknownJoin},
		{"drilldown to unknown dataset", `{"datasetKey":"orders","select":["orderid"],"drilldown":{"toDatasetKey":"suppliers","joinKey":"order-customer"}}`, CodeUnknownDataset},
		{"drilldown bad target field", `{"datasetKey":"orders","select":["orderid"],"drilldown":{"toDatasetKey":"customers","joinKey":"order-customer","where":[{"field":"amount","op":"eq","value":1}]}}`, CodeUnknownField},
	}

	v := testValidator()
	snap := testSnapshot()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan, verr := v.Validate(json.RawMessage(tc.raw), snap)
			require.NotNil(t, verr, "expected rejection")
			assert.Nil(t, plan, "rejected plans must not be returned")
			assert.Equal(t, tc.code, verr.Code)
			assert.NotEmpty(t, verr.Message)
		})
	}
}

func TestValidateLimitIsNotSilentlyCapped(t *testing.T) {
	// A limit above the ceiling is an error, not a clamp. Only an absent
	// limit gets the default applied.
	raw := json.RawMessage(`{"datasetKey":"orders","select":["orderid"],"limit":5000}`)
	plan, verr := testValidator().Validate(raw, testSnapshot())
	require.NotNil(t, verr)
	assert.Equal(t, CodeBadLimit, verr.Code)
	assert.Nil(t, plan)
}

func TestValidateDrilldown(t *testing.T) {
	raw := json.RawMessage(`{
		"datasetKey": "orders",
		"select": ["orderid"],
		"drilldown": {
			"toDatasetKey": "customers",
			"joinKey": "ORDER-CUSTOMER",
			"where": [{"field": "region", "op": "eq", "value": "emea"}]
		}
	}`)

	plan, verr := testValidator().Validate(raw, testSnapshot())
	require.Nil(t, verr)
	assert.Equal(t, "Customers", plan.Drilldown.ToDatasetKey)
	assert.Equal(t, "order-customer", plan.Drilldown.JoinKey)
	assert.Equal(t, "Region", plan.Drilldown.Where[0].Field)
}

func TestValidateDrilldownDisabled(t *testing.T) {
	v := NewValidator(Limits{RowLimitCeiling: 2000, MaxTimeRangeDays: 366, MaxJoins: 0})
	raw := json.RawMessage(`{
		"datasetKey": "orders",
		"select": ["orderid"],
		"drilldown": {"toDatasetKey": "customers", "joinKey": "order-customer"}
	}`)

	_, verr := v.Validate(raw, testSnapshot())
	require.NotNil(t, verr)
	assert.Equal(t, CodeJoinsDisabled, verr.Code)
}

func TestValidateTimeRangeNormalizedToRFC3339(t *testing.T) {
	raw := json.RawMessage(`{
		"datasetKey": "orders",
		"select": ["orderid"],
		"timeRange": {"from": "2026-01-01", "to": "2026-02-01T12:30:00Z"}
	}`)

	plan, verr := testValidator().Validate(raw, testSnapshot())
	require.Nil(t, verr)
	assert.Equal(t, "2026-01-01T00:00:00Z", plan.TimeRange.From)
	assert.Equal(t, "2026-02-01T12:30:00Z", plan.TimeRange.To)
}
