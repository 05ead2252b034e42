package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/bindevz/askgate/internal/store"
	"github.com/bindevz/askgate/pkg/models"
)

func seedRegistry(t *testing.T) (*Registry, *models.ExecutionContext) {
	t.Helper()
	mem := store.NewMemoryStore()
	ectx := &models.ExecutionContext{TenantID: "acme", UserID: "u1", Roles: []string{"analyst"}}

	defs := []models.ToolDefinition{
		{
			Name: "order_lookup", Description: "Look up an order", Call: "crm.order",
			Module: "sales", Enabled: true,
			ArgsSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"order_id": map[string]any{"type": "string"},
					"detail":   map[string]any{"type": "string", "enum": []any{"full", "summary"}},
				},
				"required": []any{"order_id"},
			},
		},
		{Name: "payroll_export", Call: "hr.payroll", Module: "hr", Enabled: true, RequiredRoles: []string{"hr-admin"}},
		{Name: "legacy_report", Call: "crm.legacy", Module: "sales", Enabled: false},
	}
	for i := range defs {
		require.NoError(t, mem.CreateTool(context.Background(), "acme", &defs[i]))
	}

	reg := NewRegistry(mem)
	reg.Bind("crm.order", func(ctx context.Context, ectx *models.ExecutionContext, args map[string]any) (json.RawMessage, error) {
		return json.RawMessage(`{"order":"` + args["order_id"].(string) + `"}`), nil
	})
	return reg, ectx
}

func TestExecuteHappyPath(t *testing.T) {
	reg, ectx := seedRegistry(t)

	res, err := reg.Execute(context.Background(), ectx, "order_lookup", map[string]any{"order_id": "o-1"}, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "o-1", gjson.GetBytes(res.Raw, "order").String())
}

func TestExecuteGovernance(t *testing.T) {
	reg, ectx := seedRegistry(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		tool    string
		args    map[string]any
		modules []string
		code    string
	}{
		{"unknown tool", "no_such_tool", nil, nil, models.CodeToolUnknown},
		{"disabled tool", "legacy_report", nil, nil, models.CodeToolDenied},
		{"missing role", "payroll_export", nil, nil, models.CodeToolDenied},
		{"out of scope", "order_lookup", map[string]any{"order_id": "o-1"}, []string{"hr"}, models.CodeToolDenied},
		{"missing required arg", "order_lookup", map[string]any{}, nil, models.CodeToolArgsInvalid},
		{"wrong arg type", "order_lookup", map[string]any{"order_id": 42}, nil, models.CodeToolArgsInvalid},
		{"enum violation", "order_lookup", map[string]any{"order_id": "o-1", "detail": "verbose"}, nil, models.CodeToolArgsInvalid},
		{"unexpected arg", "order_lookup", map[string]any{"order_id": "o-1", "limit": 5}, nil, models.CodeToolArgsInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.Execute(ctx, ectx, tc.tool, tc.args, tc.modules)
			var env *models.ErrorEnvelope
			require.ErrorAs(t, err, &env)
			assert.Equal(t, tc.code, env.Code)
		})
	}
}

func TestExecuteRoleHeld(t *testing.T) {
	reg, ectx := seedRegistry(t)
	ectx.Roles = []string{"hr-admin"}
	reg.Bind("hr.payroll", func(ctx context.Context, ectx *models.ExecutionContext, args map[string]any) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})

	res, err := reg.Execute(context.Background(), ectx, "payroll_export", nil, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestExecuteInScopeModule(t *testing.T) {
	reg, ectx := seedRegistry(t)

	res, err := reg.Execute(context.Background(), ectx, "order_lookup",
		map[string]any{"order_id": "o-2"}, []string{"Sales"})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestExecuteBackingCallFailure(t *testing.T) {
	reg, ectx := seedRegistry(t)
	reg.Bind("crm.order", func(ctx context.Context, ectx *models.ExecutionContext, args map[string]any) (json.RawMessage, error) {
		return nil, errors.New("backend down")
	})

	res, err := reg.Execute(context.Background(), ectx, "order_lookup", map[string]any{"order_id": "o-1"}, nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Success)
}

func TestVisibleFiltersScopeRolesAndEnabled(t *testing.T) {
	reg, ectx := seedRegistry(t)

	visible, err := reg.Visible(context.Background(), ectx, nil)
	require.NoError(t, err)
	require.Len(t, visible, 1, "disabled and role-gated tools are hidden")
	assert.Equal(t, "order_lookup", visible[0].Name)

	visible, err = reg.Visible(context.Background(), ectx, []string{"hr"})
	require.NoError(t, err)
	assert.Empty(t, visible)
}

func TestCompactTruncatesRows(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{
		"meta": map[string]any{"dataset": "Orders"},
		"rows": []map[string]any{
			{"id": 1}, {"id": 2}, {"id": 3}, {"id": 4},
		},
	})

	out := Compact(raw, CompactLimits{MaxRows: 2, MaxBytes: 1 << 20})
	assert.Equal(t, int64(2), gjson.GetBytes(out, "rows.#").Int())
	assert.True(t, gjson.GetBytes(out, "meta.truncated").Bool())
	assert.Equal(t, int64(4), gjson.GetBytes(out, "meta.total_rows").Int())
	assert.Equal(t, int64(1), gjson.GetBytes(out, "rows.0.id").Int())
}

func TestCompactByteBudget(t *testing.T) {
	big := make([]byte, 0, 4096)
	big = append(big, `{"blob":"`...)
	for i := 0; i < 2000; i++ {
		big = append(big, 'x')
	}
	big = append(big, `"}`...)

	out := Compact(big, CompactLimits{MaxBytes: 256})
	assert.LessOrEqual(t, len(out), 1024)
	assert.True(t, gjson.GetBytes(out, "truncated").Bool())
	assert.Equal(t, int64(len(big)), gjson.GetBytes(out, "total_size").Int())
}

func TestCompactByteBudgetKeepsRuneBoundaries(t *testing.T) {
	big := []byte(`{"blob":"`)
	for i := 0; i < 200; i++ {
		big = append(big, "日本語"...)
	}
	big = append(big, `"}`...)

	out := Compact(big, CompactLimits{MaxBytes: 100})
	preview := gjson.GetBytes(out, "preview").String()
	assert.NotEmpty(t, preview)
	assert.True(t, utf8.ValidString(preview), "the cut must land on a rune boundary")
	assert.NotContains(t, preview, string(utf8.RuneError))
}

func TestCompactLeavesSmallResultsAlone(t *testing.T) {
	raw := json.RawMessage(`{"rows":[{"id":1}]}`)
	out := Compact(raw, CompactLimits{MaxRows: 10, MaxBytes: 1024})
	assert.JSONEq(t, string(raw), string(out))
}
