package catalog

import (
	"context"

	"github.com/bindevz/askgate/internal/store"
	"github.com/bindevz/askgate/pkg/models"
)

// StoreProvider adapts a store.CatalogStore to the Provider interface.
type StoreProvider struct {
	store store.CatalogStore
}

// NewStoreProvider wraps a catalog store.
func NewStoreProvider(s store.CatalogStore) *StoreProvider {
	return &StoreProvider{store: s}
}

func (p *StoreProvider) Datasets(ctx context.Context, tenant string) ([]models.Dataset, error) {
	return p.store.ListDatasets(ctx, tenant)
}

func (p *StoreProvider) Fields(ctx context.Context, tenant, dataset string) ([]models.DatasetField, error) {
	return p.store.ListFields(ctx, tenant, dataset)
}

func (p *StoreProvider) EntityGraphs(ctx context.Context, tenant string) ([]models.EntityGraph, error) {
	return p.store.ListEntityGraphs(ctx, tenant)
}
