// Package store provides the storage interface and implementations for the
// askgate gateway. Handler and core code depend on the interface only, so
// the in-memory store (tests, local dev) and future SQL-backed stores are
// interchangeable.
package store

import (
	"context"

	"github.com/bindevz/askgate/pkg/models"
)

// Store is the primary storage interface for the gateway.
type Store interface {
	ToolStore
	RuleStore
	CatalogStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Tool Store ──────────────────────────────────────────────

// ToolStore manages tenant-scoped tool definitions.
type ToolStore interface {
	ListTools(ctx context.Context, tenant string) ([]models.ToolDefinition, error)
	GetTool(ctx context.Context, tenant, name string) (*models.ToolDefinition, error)
	CreateTool(ctx context.Context, tenant string, tool *models.ToolDefinition) error
	UpdateTool(ctx context.Context, tenant string, tool *models.ToolDefinition) error
	DeleteTool(ctx context.Context, tenant, name string) error
}

// ── Follow-Up Rule Store ────────────────────────────────────

// RuleStore manages tenant-scoped follow-up rules.
type RuleStore interface {
	ListRules(ctx context.Context, tenant string) ([]models.FollowUpRule, error)
	GetRule(ctx context.Context, tenant, ruleKey string) (*models.FollowUpRule, error)
	CreateRule(ctx context.Context, tenant string, rule *models.FollowUpRule) error
	UpdateRule(ctx context.Context, tenant string, rule *models.FollowUpRule) error
	DeleteRule(ctx context.Context, tenant, ruleKey string) error
}

// ── Query Catalog Store ─────────────────────────────────────

// CatalogStore holds the tenant-scoped dataset/field/join catalog read by
// the plan validator.
type CatalogStore interface {
	ListDatasets(ctx context.Context, tenant string) ([]models.Dataset, error)
	ListFields(ctx context.Context, tenant, dataset string) ([]models.DatasetField, error)
	ListEntityGraphs(ctx context.Context, tenant string) ([]models.EntityGraph, error)

	UpsertDataset(ctx context.Context, ds *models.Dataset) error
	UpsertField(ctx context.Context, f *models.DatasetField) error
	UpsertEntityGraph(ctx context.Context, g *models.EntityGraph) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
