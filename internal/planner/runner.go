package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/bindevz/askgate/internal/catalog"
	"github.com/bindevz/askgate/pkg/models"
)

// PostgresRunner executes validated plans against the analytical tables.
// Each dataset maps onto one table named after its key; every table
// carries a tenant column and a created_at timestamp the time range
// filters on.
type PostgresRunner struct {
	pool    *pgxpool.Pool
	catalog *catalog.Service
}

// NewPostgresRunner connects to the data tier.
func NewPostgresRunner(ctx context.Context, url string, cat *catalog.Service) (*PostgresRunner, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect data tier: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping data tier: %w", err)
	}
	log.Info().Msg("plan runner connected to postgres")
	return &PostgresRunner{pool: pool, catalog: cat}, nil
}

// Close releases the pool.
func (r *PostgresRunner) Close() { r.pool.Close() }

// RunPlan executes one normalized plan. Identifiers come from the
// catalog, never from raw model output, and all values travel as bind
// parameters.
func (r *PostgresRunner) RunPlan(ctx context.Context, tenant string, plan *QueryPlan) (*models.QueryResult, error) {
	sql, args, err := r.build(ctx, tenant, plan)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query dataset %s: %w", plan.DatasetKey, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]models.QueryColumn, len(fields))
	for i, f := range fields {
		columns[i] = models.QueryColumn{Key: string(f.Name)}
	}

	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan dataset %s: %w", plan.DatasetKey, err)
		}
		row := make(map[string]any, len(values))
		for i, v := range values {
			row[columns[i].Key] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", plan.DatasetKey, err)
	}

	return &models.QueryResult{
		Meta:    models.QueryMeta{Dataset: plan.DatasetKey, RowCount: len(out)},
		Columns: columns,
		Rows:    out,
	}, nil
}

func (r *PostgresRunner) build(ctx context.Context, tenant string, plan *QueryPlan) (string, []any, error) {
	var (
		b    strings.Builder
		args []any
	)
	bind := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	table := quoteIdent(strings.ToLower(plan.DatasetKey))

	// A join makes bare column names ambiguous; qualify everything with
	// the source table when a drilldown is present.
	col := func(f string) string {
		if plan.Drilldown != nil {
			return columnRef(plan.DatasetKey + "." + f)
		}
		return quoteIdent(strings.ToLower(f))
	}

	cols := make([]string, len(plan.Select))
	for i, f := range plan.Select {
		cols[i] = col(f)
	}

	b.WriteString("SELECT ")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(" FROM ")
	b.WriteString(table)

	conds := []string{col("tenant") + " = " + bind(tenant)}
	for _, w := range plan.Where {
		w.Field = colField(plan, w.Field)
		cond, err := whereSQL(w, bind)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, cond)
	}
	if plan.TimeRange != nil {
		conds = append(conds,
			col("created_at")+" >= "+bind(plan.TimeRange.From),
			col("created_at")+" <= "+bind(plan.TimeRange.To))
	}

	if plan.Drilldown != nil {
		joinCond, err := r.joinSQL(ctx, tenant, plan, bind, &conds)
		if err != nil {
			return "", nil, err
		}
		b.WriteString(joinCond)
	}

	b.WriteString(" WHERE ")
	b.WriteString(strings.Join(conds, " AND "))

	if len(plan.GroupBy) > 0 {
		groups := make([]string, len(plan.GroupBy))
		for i, f := range plan.GroupBy {
			groups[i] = col(f)
		}
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(groups, ", "))
	}
	if len(plan.OrderBy) > 0 {
		orders := make([]string, len(plan.OrderBy))
		for i, o := range plan.OrderBy {
			dir := "ASC"
			if o.Dir == "desc" {
				dir = "DESC"
			}
			orders[i] = col(o.Field) + " " + dir
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(orders, ", "))
	}

	b.WriteString(" LIMIT ")
	b.WriteString(bind(plan.Limit))
	if plan.Offset > 0 {
		b.WriteString(" OFFSET ")
		b.WriteString(bind(plan.Offset))
	}
	return b.String(), args, nil
}

// colField qualifies a plan field with its source table when the plan
// joins to another dataset.
func colField(plan *QueryPlan, field string) string {
	if plan.Drilldown != nil {
		return plan.DatasetKey + "." + field
	}
	return field
}

// joinSQL renders the drilldown join. The join column comes from the
// catalog's entity graph, resolved again at execution time.
func (r *PostgresRunner) joinSQL(ctx context.Context, tenant string, plan *QueryPlan, bind func(any) string, conds *[]string) (string, error) {
	snap, err := r.catalog.Snapshot(ctx, tenant)
	if err != nil {
		return "", fmt.Errorf("load catalog: %w", err)
	}
	graph, ok := snap.Graph(plan.Drilldown.JoinKey)
	if !ok {
		return "", fmt.Errorf("entity graph %q disappeared between validation and execution", plan.Drilldown.JoinKey)
	}

	source := quoteIdent(strings.ToLower(plan.DatasetKey))
	target := quoteIdent(strings.ToLower(plan.Drilldown.ToDatasetKey))
	joinCol := quoteIdent(strings.ToLower(graph.JoinKey))

	for _, w := range plan.Drilldown.Where {
		cond, err := whereSQL(WhereClause{
			Field: plan.Drilldown.ToDatasetKey + "." + w.Field, Op: w.Op, Value: w.Value, Values: w.Values,
		}, bind)
		if err != nil {
			return "", err
		}
		*conds = append(*conds, cond)
	}

	// The join must pin the target side to the tenant too; the source
	// filter alone would let colliding join keys surface foreign rows.
	return fmt.Sprintf(" JOIN %s ON %s.%s = %s.%s AND %s.%s = %s",
		target, source, joinCol, target, joinCol,
		target, quoteIdent("tenant"), bind(tenant)), nil
}

func whereSQL(w WhereClause, bind func(any) string) (string, error) {
	col := columnRef(w.Field)
	switch w.Op {
	case OpEq:
		return col + " = " + bind(w.Value), nil
	case OpNe:
		return col + " <> " + bind(w.Value), nil
	case OpGt:
		return col + " > " + bind(w.Value), nil
	case OpGte:
		return col + " >= " + bind(w.Value), nil
	case OpLt:
		return col + " < " + bind(w.Value), nil
	case OpLte:
		return col + " <= " + bind(w.Value), nil
	case OpLike:
		return col + " ILIKE " + bind(w.Value), nil
	case OpIn:
		return col + " = ANY(" + bind(w.Values) + ")", nil
	case OpBetween:
		return col + " BETWEEN " + bind(w.Values[0]) + " AND " + bind(w.Values[1]), nil
	default:
		return "", fmt.Errorf("operator %q slipped past validation", w.Op)
	}
}

// columnRef renders an optionally table-qualified column reference.
func columnRef(field string) string {
	if table, col, ok := strings.Cut(field, "."); ok {
		return quoteIdent(strings.ToLower(table)) + "." + quoteIdent(strings.ToLower(col))
	}
	return quoteIdent(strings.ToLower(field))
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, ``) + `"`
}
