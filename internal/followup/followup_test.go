package followup

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bindevz/askgate/internal/store"
	"github.com/bindevz/askgate/pkg/models"
)

func seedEvaluator(t *testing.T, rules ...models.FollowUpRule) *Evaluator {
	t.Helper()
	mem := store.NewMemoryStore()
	for i := range rules {
		if rules[i].Kind == "" {
			rules[i].Kind = models.RuleKindPath
		}
		require.NoError(t, mem.CreateRule(context.Background(), "acme", &rules[i]))
	}
	return NewEvaluator(mem)
}

func TestEvaluatePathRuleOnRowResult(t *testing.T) {
	ev := seedEvaluator(t, models.FollowUpRule{
		RuleKey: "pieces", TriggerTool: "order_lookup", Priority: 10, Enabled: true,
		Path: "PieceCount", Operator: ">", Value: "0",
		FollowUpTool: "piece_detail",
		ArgsTemplate: map[string]string{"order_id": "{{$.OrderId}}"},
		PromptHint:   "The order has pieces; offer a piece breakdown.",
	})

	result := json.RawMessage(`{"rows":[{"OrderId":"o-7","PieceCount":3}],"meta":{"row_count":1}}`)
	fired := map[string]bool{}

	nudges, err := ev.Evaluate(context.Background(), "acme", "order_lookup", result, fired)
	require.NoError(t, err)
	require.Len(t, nudges, 1)
	assert.Equal(t, "piece_detail", nudges[0].FollowUpTool)
	assert.Equal(t, "o-7", nudges[0].Args["order_id"])
	assert.Equal(t, "The order has pieces; offer a piece breakdown.", nudges[0].PromptHint)
}

func TestEvaluateRuleFiresOncePerTurn(t *testing.T) {
	ev := seedEvaluator(t, models.FollowUpRule{
		RuleKey: "pieces", TriggerTool: "order_lookup", Enabled: true,
		Path: "PieceCount", Operator: ">", Value: "0", FollowUpTool: "piece_detail",
	})

	result := json.RawMessage(`{"rows":[{"PieceCount":2}]}`)
	fired := map[string]bool{}

	first, err := ev.Evaluate(context.Background(), "acme", "order_lookup", result, fired)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Evaluate itself leaves fired alone: the caller records a rule only
	// once its nudge is actually applied, so a budget-dropped match stays
	// eligible for a later result.
	assert.Empty(t, fired)
	second, err := ev.Evaluate(context.Background(), "acme", "order_lookup", result, fired)
	require.NoError(t, err)
	assert.Len(t, second, 1, "an unapplied match must stay eligible")

	fired[first[0].RuleKey] = true
	third, err := ev.Evaluate(context.Background(), "acme", "order_lookup", result, fired)
	require.NoError(t, err)
	assert.Empty(t, third, "an applied rule nudges at most once per turn")
}

func TestEvaluateEmptyTriggerMatchesAnyTool(t *testing.T) {
	ev := seedEvaluator(t, models.FollowUpRule{
		RuleKey: "any-tool", TriggerTool: "", Enabled: true,
		Path: "Status", Operator: "exists", FollowUpTool: "status_detail",
	})

	nudges, err := ev.Evaluate(context.Background(), "acme", "some_tool",
		json.RawMessage(`{"Status":"open"}`), map[string]bool{})
	require.NoError(t, err)
	require.Len(t, nudges, 1, "an empty trigger applies to every tool")
	assert.Equal(t, "status_detail", nudges[0].FollowUpTool)
}

func TestEvaluatePriorityOrder(t *testing.T) {
	ev := seedEvaluator(t,
		models.FollowUpRule{RuleKey: "low", TriggerTool: "t", Priority: 1, Enabled: true,
			Path: "n", Operator: "exists", FollowUpTool: "a"},
		models.FollowUpRule{RuleKey: "high", TriggerTool: "t", Priority: 9, Enabled: true,
			Path: "n", Operator: "exists", FollowUpTool: "b"},
	)

	nudges, err := ev.Evaluate(context.Background(), "acme", "t", json.RawMessage(`{"n":1}`), map[string]bool{})
	require.NoError(t, err)
	require.Len(t, nudges, 2)
	assert.Equal(t, "high", nudges[0].RuleKey)
	assert.Equal(t, "low", nudges[1].RuleKey)
}

func TestEvaluateOperators(t *testing.T) {
	result := json.RawMessage(`{"Status":"delayed","Count":5,"Flag":true}`)

	cases := []struct {
		name string
		rule models.FollowUpRule
		want bool
	}{
		{"exists hit", models.FollowUpRule{Path: "Status", Operator: "exists"}, true},
		{"exists miss", models.FollowUpRule{Path: "Missing", Operator: "exists"}, false},
		{"eq string", models.FollowUpRule{Path: "Status", Operator: "==", Value: "delayed"}, true},
		{"ne string", models.FollowUpRule{Path: "Status", Operator: "!=", Value: "ok"}, true},
		{"eq bool", models.FollowUpRule{Path: "Flag", Operator: "==", Value: "true"}, true},
		{"gt", models.FollowUpRule{Path: "Count", Operator: ">", Value: "4"}, true},
		{"gte boundary", models.FollowUpRule{Path: "Count", Operator: ">=", Value: "5"}, true},
		{"lt miss", models.FollowUpRule{Path: "Count", Operator: "<", Value: "5"}, false},
		{"lte", models.FollowUpRule{Path: "Count", Operator: "<=", Value: "5"}, true},
		{"contains", models.FollowUpRule{Path: "Status", Operator: "contains", Value: "delay"}, true},
		{"contains folds case", models.FollowUpRule{Path: "Status", Operator: "contains", Value: "DELAY"}, true},
		{"missing field non-exists", models.FollowUpRule{Path: "Missing", Operator: "==", Value: "x"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.rule.RuleKey = "r"
			got, err := matchPath(tc.rule, result)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluateExprRule(t *testing.T) {
	ev := seedEvaluator(t, models.FollowUpRule{
		RuleKey: "expr-delay", TriggerTool: "shipment_status", Enabled: true,
		Kind:         models.RuleKindExpr,
		Expr:         `row != nil && row.DelayHours > 24 && row.Status == "in_transit"`,
		FollowUpTool: "delay_report",
	})

	result := json.RawMessage(`{"rows":[{"Status":"in_transit","DelayHours":36}]}`)
	nudges, err := ev.Evaluate(context.Background(), "acme", "shipment_status", result, map[string]bool{})
	require.NoError(t, err)
	require.Len(t, nudges, 1)
	assert.Equal(t, "delay_report", nudges[0].FollowUpTool)

	calm := json.RawMessage(`{"rows":[{"Status":"in_transit","DelayHours":2}]}`)
	nudges, err = ev.Evaluate(context.Background(), "acme", "shipment_status", calm, map[string]bool{})
	require.NoError(t, err)
	assert.Empty(t, nudges)
}

func TestEvaluateBrokenRuleDoesNotFailTurn(t *testing.T) {
	ev := seedEvaluator(t,
		models.FollowUpRule{RuleKey: "broken", TriggerTool: "t", Priority: 9, Enabled: true,
			Kind: models.RuleKindExpr, Expr: `this is not an expression`, FollowUpTool: "x"},
		models.FollowUpRule{RuleKey: "fine", TriggerTool: "t", Priority: 1, Enabled: true,
			Path: "n", Operator: "exists", FollowUpTool: "y"},
	)

	nudges, err := ev.Evaluate(context.Background(), "acme", "t", json.RawMessage(`{"n":1}`), map[string]bool{})
	require.NoError(t, err)
	require.Len(t, nudges, 1)
	assert.Equal(t, "fine", nudges[0].RuleKey)
}

func TestEvaluateSkipsDisabledAndOtherTools(t *testing.T) {
	ev := seedEvaluator(t,
		models.FollowUpRule{RuleKey: "off", TriggerTool: "t", Enabled: false,
			Path: "n", Operator: "exists", FollowUpTool: "x"},
		models.FollowUpRule{RuleKey: "other", TriggerTool: "u", Enabled: true,
			Path: "n", Operator: "exists", FollowUpTool: "y"},
	)

	nudges, err := ev.Evaluate(context.Background(), "acme", "t", json.RawMessage(`{"n":1}`), map[string]bool{})
	require.NoError(t, err)
	assert.Empty(t, nudges)
}

func TestEvaluateRowEnvelopeShadowsRoot(t *testing.T) {
	// A tabular result is unwrapped to its first row before evaluation;
	// a field present at both levels resolves against the row.
	rule := models.FollowUpRule{
		RuleKey: "r", Path: "Status", Operator: "==", Value: "row",
	}
	result := json.RawMessage(`{"Status":"root","rows":[{"Status":"row"}]}`)

	got, err := matchPath(rule, result)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestResolveArgsLeavesUnresolvedVerbatim(t *testing.T) {
	result := json.RawMessage(`{"rows":[{"OrderId":"o-1","Qty":7}]}`)

	args := ResolveArgs(map[string]string{
		"order_id": "{{$.OrderId}}",
		"qty":      "count={{$.Qty}}",
		"missing":  "{{$.NoSuchField}}",
		"plain":    "static",
	}, result)

	assert.Equal(t, "o-1", args["order_id"])
	assert.Equal(t, "count=7", args["qty"])
	assert.Equal(t, "{{$.NoSuchField}}", args["missing"])
	assert.Equal(t, "static", args["plain"])
}

func TestResolveArgsRootAndRowPaths(t *testing.T) {
	result := json.RawMessage(`{"total":3,"rows":[{"Id":"r-1"}]}`)

	args := ResolveArgs(map[string]string{
		"total": "{{$.total}}",
		"id":    "{{$.Id}}",
		"deep":  "{{$.rows[0].Id}}",
	}, result)

	assert.Equal(t, "3", args["total"])
	assert.Equal(t, "r-1", args["id"])
	assert.Equal(t, "r-1", args["deep"])
}
