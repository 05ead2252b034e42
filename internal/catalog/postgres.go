package catalog

import (
	"context"
	"fmt"

	"github.com/bindevz/askgate/pkg/models"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresProvider backs the query catalog with PostgreSQL. It serves
// snapshot loads and the admin upsert endpoints from the same tables, so
// deployments can either manage the catalog through the API or populate
// the tables directly.
type PostgresProvider struct {
	pool *pgxpool.Pool
}

// NewPostgresProvider connects to PostgreSQL and ensures the catalog
// tables exist.
func NewPostgresProvider(ctx context.Context, connURL string) (*PostgresProvider, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("catalog connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog ping: %w", err)
	}

	p := &PostgresProvider{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("catalog migrate: %w", err)
	}

	log.Info().Msg("Postgres catalog provider initialized")
	return p, nil
}

func (p *PostgresProvider) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS ag_datasets (
			tenant   TEXT NOT NULL,
			key      TEXT NOT NULL,
			label    TEXT NOT NULL DEFAULT '',
			enabled  BOOLEAN NOT NULL DEFAULT TRUE,
			PRIMARY KEY (tenant, key)
		);

		CREATE TABLE IF NOT EXISTS ag_dataset_fields (
			tenant   TEXT NOT NULL,
			dataset  TEXT NOT NULL,
			key      TEXT NOT NULL,
			label    TEXT NOT NULL DEFAULT '',
			type     TEXT NOT NULL DEFAULT 'string',
			enabled  BOOLEAN NOT NULL DEFAULT TRUE,
			PRIMARY KEY (tenant, dataset, key)
		);

		CREATE TABLE IF NOT EXISTS ag_entity_graphs (
			tenant       TEXT NOT NULL,
			key          TEXT NOT NULL,
			from_dataset TEXT NOT NULL,
			to_dataset   TEXT NOT NULL,
			join_key     TEXT NOT NULL,
			enabled      BOOLEAN NOT NULL DEFAULT TRUE,
			PRIMARY KEY (tenant, key)
		);
	`
	_, err := p.pool.Exec(ctx, ddl)
	return err
}

// Close releases the connection pool.
func (p *PostgresProvider) Close() { p.pool.Close() }

func (p *PostgresProvider) Datasets(ctx context.Context, tenant string) ([]models.Dataset, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT tenant, key, label, enabled FROM ag_datasets WHERE tenant = $1 ORDER BY key`, tenant)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	var out []models.Dataset
	for rows.Next() {
		var d models.Dataset
		if err := rows.Scan(&d.Tenant, &d.Key, &d.Label, &d.Enabled); err != nil {
			return nil, fmt.Errorf("scan dataset: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresProvider) Fields(ctx context.Context, tenant, dataset string) ([]models.DatasetField, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT tenant, dataset, key, label, type, enabled
		 FROM ag_dataset_fields WHERE tenant = $1 AND dataset = $2 ORDER BY key`, tenant, dataset)
	if err != nil {
		return nil, fmt.Errorf("list fields: %w", err)
	}
	defer rows.Close()

	var out []models.DatasetField
	for rows.Next() {
		var f models.DatasetField
		if err := rows.Scan(&f.Tenant, &f.Dataset, &f.Key, &f.Label, &f.Type, &f.Enabled); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *PostgresProvider) EntityGraphs(ctx context.Context, tenant string) ([]models.EntityGraph, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT tenant, key, from_dataset, to_dataset, join_key, enabled
		 FROM ag_entity_graphs WHERE tenant = $1 ORDER BY key`, tenant)
	if err != nil {
		return nil, fmt.Errorf("list entity graphs: %w", err)
	}
	defer rows.Close()

	var out []models.EntityGraph
	for rows.Next() {
		var g models.EntityGraph
		if err := rows.Scan(&g.Tenant, &g.Key, &g.FromDataset, &g.ToDataset, &g.JoinKey, &g.Enabled); err != nil {
			return nil, fmt.Errorf("scan entity graph: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ── Upserts ─────────────────────────────────────────────────

func (p *PostgresProvider) UpsertDataset(ctx context.Context, ds *models.Dataset) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO ag_datasets (tenant, key, label, enabled)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant, key) DO UPDATE SET label = EXCLUDED.label, enabled = EXCLUDED.enabled`,
		ds.Tenant, ds.Key, ds.Label, ds.Enabled)
	if err != nil {
		return fmt.Errorf("upsert dataset %s: %w", ds.Key, err)
	}
	return nil
}

func (p *PostgresProvider) UpsertField(ctx context.Context, f *models.DatasetField) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO ag_dataset_fields (tenant, dataset, key, label, type, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant, dataset, key) DO UPDATE SET label = EXCLUDED.label, type = EXCLUDED.type, enabled = EXCLUDED.enabled`,
		f.Tenant, f.Dataset, f.Key, f.Label, f.Type, f.Enabled)
	if err != nil {
		return fmt.Errorf("upsert field %s.%s: %w", f.Dataset, f.Key, err)
	}
	return nil
}

func (p *PostgresProvider) UpsertEntityGraph(ctx context.Context, g *models.EntityGraph) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO ag_entity_graphs (tenant, key, from_dataset, to_dataset, join_key, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant, key) DO UPDATE SET from_dataset = EXCLUDED.from_dataset,
		   to_dataset = EXCLUDED.to_dataset, join_key = EXCLUDED.join_key, enabled = EXCLUDED.enabled`,
		g.Tenant, g.Key, g.FromDataset, g.ToDataset, g.JoinKey, g.Enabled)
	if err != nil {
		return fmt.Errorf("upsert entity graph %s: %w", g.Key, err)
	}
	return nil
}
