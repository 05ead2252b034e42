// Package followup evaluates tenant nudge rules against tool results.
// When a rule matches, the orchestrator offers the model a follow-up
// tool with pre-resolved arguments instead of letting the conversation
// stop one step short.
package followup

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/bindevz/askgate/internal/store"
	"github.com/bindevz/askgate/pkg/models"
)

// Nudge is one triggered follow-up suggestion.
type Nudge struct {
	RuleKey      string            `json:"rule_key"`
	FollowUpTool string            `json:"follow_up_tool"`
	Args         map[string]string `json:"args,omitempty"`
	PromptHint   string            `json:"prompt_hint,omitempty"`
}

// Evaluator matches follow-up rules against tool results. Compiled expr
// programs are cached per rule key.
type Evaluator struct {
	store store.RuleStore

	mu       sync.Mutex
	programs map[string]*vm.Program
}

// NewEvaluator creates an evaluator over the given rule store.
func NewEvaluator(s store.RuleStore) *Evaluator {
	return &Evaluator{store: s, programs: make(map[string]*vm.Program)}
}

// Evaluate returns the nudges triggered by one tool result, in priority
// order. fired tracks rules already applied this turn so a rule nudges
// at most once per turn; the caller marks a rule there once its nudge is
// actually delivered, so matches dropped by the nudge budget stay
// eligible.
func (e *Evaluator) Evaluate(ctx context.Context, tenant, tool string, result json.RawMessage, fired map[string]bool) ([]Nudge, error) {
	rules, err := e.store.ListRules(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("list follow-up rules: %w", err)
	}

	var nudges []Nudge
	for _, rule := range rules {
		if !rule.Enabled || fired[rule.RuleKey] {
			continue
		}
		// An empty trigger means the rule applies to every tool.
		if rule.TriggerTool != "" && !strings.EqualFold(rule.TriggerTool, tool) {
			continue
		}

		matched, err := e.matches(rule, result)
		if err != nil {
			// A broken rule must not fail the turn.
			log.Warn().Str("tenant", tenant).Str("rule", rule.RuleKey).Err(err).
				Msg("follow-up rule evaluation failed")
			continue
		}
		if !matched {
			continue
		}

		nudges = append(nudges, Nudge{
			RuleKey:      rule.RuleKey,
			FollowUpTool: rule.FollowUpTool,
			Args:         ResolveArgs(rule.ArgsTemplate, result),
			PromptHint:   rule.PromptHint,
		})
	}
	return nudges, nil
}

func (e *Evaluator) matches(rule models.FollowUpRule, result json.RawMessage) (bool, error) {
	switch rule.Kind {
	case models.RuleKindExpr:
		return e.matchExpr(rule, result)
	default:
		return matchPath(rule, result)
	}
}

// matchPath evaluates a gjson path condition. A path that does not start
// with "rows" is first tried against the result root, then against the
// first row, so rules can address tabular results by bare field name.
func matchPath(rule models.FollowUpRule, result json.RawMessage) (bool, error) {
	value := lookup(result, rule.Path)

	switch rule.Operator {
	case "exists":
		return value.Exists(), nil
	case "":
		return false, fmt.Errorf("rule %s has no operator", rule.RuleKey)
	}
	if !value.Exists() {
		return false, nil
	}

	switch rule.Operator {
	case "==":
		return compareEq(value, rule.Value), nil
	case "!=":
		return !compareEq(value, rule.Value), nil
	case "contains":
		return strings.Contains(strings.ToLower(value.String()), strings.ToLower(rule.Value)), nil
	case ">", ">=", "<", "<=":
		want, err := strconv.ParseFloat(strings.TrimSpace(rule.Value), 64)
		if err != nil {
			return false, fmt.Errorf("rule %s: %q is not numeric: %w", rule.RuleKey, rule.Value, err)
		}
		got := value.Float()
		switch rule.Operator {
		case ">":
			return got > want, nil
		case ">=":
			return got >= want, nil
		case "<":
			return got < want, nil
		default:
			return got <= want, nil
		}
	default:
		return false, fmt.Errorf("rule %s has unsupported operator %q", rule.RuleKey, rule.Operator)
	}
}

func (e *Evaluator) matchExpr(rule models.FollowUpRule, result json.RawMessage) (bool, error) {
	e.mu.Lock()
	program, ok := e.programs[rule.RuleKey]
	if !ok {
		var err error
		program, err = expr.Compile(rule.Expr, expr.AsBool())
		if err != nil {
			e.mu.Unlock()
			return false, fmt.Errorf("compile rule %s: %w", rule.RuleKey, err)
		}
		e.programs[rule.RuleKey] = program
	}
	e.mu.Unlock()

	var payload map[string]any
	if err := json.Unmarshal(result, &payload); err != nil {
		return false, fmt.Errorf("rule %s: result is not an object: %w", rule.RuleKey, err)
	}
	env := map[string]any{"result": payload, "row": firstRow(payload)}

	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("run rule %s: %w", rule.RuleKey, err)
	}
	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("rule %s did not return a boolean", rule.RuleKey)
	}
	return matched, nil
}

func firstRow(payload map[string]any) map[string]any {
	rows, ok := payload["rows"].([]any)
	if !ok || len(rows) == 0 {
		return nil
	}
	row, _ := rows[0].(map[string]any)
	return row
}

func compareEq(value gjson.Result, want string) bool {
	if value.Type == gjson.Number {
		if f, err := strconv.ParseFloat(strings.TrimSpace(want), 64); err == nil {
			return value.Float() == f
		}
	}
	if value.IsBool() {
		if b, err := strconv.ParseBool(strings.TrimSpace(want)); err == nil {
			return value.Bool() == b
		}
	}
	return value.String() == want
}

// lookup resolves a field path against the result, unwrapping tabular
// results: when the result carries a non-empty "rows" array, "Status"
// means "rows.0.Status", falling back to the root only when the first
// row has no such field.
func lookup(result json.RawMessage, path string) gjson.Result {
	path = strings.TrimPrefix(strings.TrimSpace(path), "$.")
	// Accept JSONPath-style brackets: rows[0].Id → rows.0.Id.
	path = strings.ReplaceAll(strings.ReplaceAll(path, "[", "."), "]", "")
	if !strings.HasPrefix(path, "rows") && gjson.GetBytes(result, "rows.0").Exists() {
		if value := gjson.GetBytes(result, "rows.0."+path); value.Exists() {
			return value
		}
	}
	return gjson.GetBytes(result, path)
}

// ── Argument templates ──────────────────────────────────────

var placeholderRe = regexp.MustCompile(`\{\{\s*\$\.([A-Za-z0-9_.\[\]]+)\s*\}\}`)

// ResolveArgs renders a rule's argument templates against the triggering
// result. A {{$.Field}} placeholder resolves through the same rows[0]
// unwrapping as rule paths; placeholders that resolve to nothing are left
// verbatim so the gap is visible downstream.
func ResolveArgs(templates map[string]string, result json.RawMessage) map[string]string {
	if len(templates) == 0 {
		return nil
	}
	out := make(map[string]string, len(templates))
	for key, tmpl := range templates {
		out[key] = placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
			path := placeholderRe.FindStringSubmatch(m)[1]
			value := lookup(result, path)
			if !value.Exists() {
				return m
			}
			return value.String()
		})
	}
	return out
}
