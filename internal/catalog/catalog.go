// Package catalog provides the tenant-scoped query catalog consumed by the
// plan validator: which datasets are queryable, which fields each exposes,
// and which entity graphs (joins) connect them.
//
// The catalog is read-mostly. The Service layers a per-tenant TTL cache on
// top of a Provider so validation never blocks on the backing store during
// a hot conversation. Lookups are case-insensitive; the snapshot keeps the
// canonical casing, which is what normalized plans carry.
package catalog

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bindevz/askgate/pkg/models"
	"github.com/rs/zerolog/log"
)

// Provider is the backing source of catalog data.
type Provider interface {
	Datasets(ctx context.Context, tenant string) ([]models.Dataset, error)
	Fields(ctx context.Context, tenant, dataset string) ([]models.DatasetField, error)
	EntityGraphs(ctx context.Context, tenant string) ([]models.EntityGraph, error)
}

// DefaultTTL is how long a tenant snapshot stays fresh.
const DefaultTTL = 5 * time.Minute

// Service is a concurrency-safe, per-tenant snapshot cache over a Provider.
type Service struct {
	provider Provider
	ttl      time.Duration

	mu    sync.RWMutex
	cache map[string]*cacheEntry // key: tenant

	hits   uint64
	misses uint64
}

type cacheEntry struct {
	snap    *Snapshot
	fetched time.Time
}

// NewService creates a catalog service over the given provider.
func NewService(p Provider, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		provider: p,
		ttl:      ttl,
		cache:    make(map[string]*cacheEntry),
	}
}

// Snapshot returns the cached catalog view for a tenant, refreshing it from
// the provider when stale. Only enabled entries are included.
func (s *Service) Snapshot(ctx context.Context, tenant string) (*Snapshot, error) {
	s.mu.RLock()
	entry, ok := s.cache[tenant]
	s.mu.RUnlock()

	if ok && time.Since(entry.fetched) < s.ttl {
		s.mu.Lock()
		s.hits++
		s.mu.Unlock()
		return entry.snap, nil
	}

	snap, err := s.load(ctx, tenant)
	if err != nil {
		// Serve the stale snapshot rather than failing the request outright.
		if ok {
			log.Warn().Err(err).Str("tenant", tenant).Msg("Catalog refresh failed, serving stale snapshot")
			return entry.snap, nil
		}
		return nil, err
	}

	s.mu.Lock()
	s.cache[tenant] = &cacheEntry{snap: snap, fetched: time.Now()}
	s.misses++
	s.mu.Unlock()
	return snap, nil
}

// Invalidate drops the cached snapshot for a tenant.
func (s *Service) Invalidate(tenant string) {
	s.mu.Lock()
	delete(s.cache, tenant)
	s.mu.Unlock()
}

// Stats reports cache hit/miss counters for the ops surface.
func (s *Service) Stats() (hits, misses uint64, tenants int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hits, s.misses, len(s.cache)
}

func (s *Service) load(ctx context.Context, tenant string) (*Snapshot, error) {
	datasets, err := s.provider.Datasets(ctx, tenant)
	if err != nil {
		return nil, err
	}
	graphs, err := s.provider.EntityGraphs(ctx, tenant)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Tenant:   tenant,
		datasets: make(map[string]models.Dataset),
		fields:   make(map[string]map[string]models.DatasetField),
	}
	for _, d := range datasets {
		if !d.Enabled {
			continue
		}
		snap.datasets[strings.ToLower(d.Key)] = d

		fields, err := s.provider.Fields(ctx, tenant, d.Key)
		if err != nil {
			return nil, err
		}
		fm := make(map[string]models.DatasetField, len(fields))
		for _, f := range fields {
			if f.Enabled {
				fm[strings.ToLower(f.Key)] = f
			}
		}
		snap.fields[strings.ToLower(d.Key)] = fm
	}
	for _, g := range graphs {
		if g.Enabled {
			snap.graphs = append(snap.graphs, g)
		}
	}
	return snap, nil
}

// ── Snapshot ────────────────────────────────────────────────

// Snapshot is an immutable catalog view for one tenant. Safe for
// concurrent reads.
type Snapshot struct {
	Tenant   string
	datasets map[string]models.Dataset                 // key: lower(dataset key)
	fields   map[string]map[string]models.DatasetField // key: lower(dataset key) → lower(field key)
	graphs   []models.EntityGraph
}

// NewSnapshot builds a snapshot directly from catalog rows. Disabled
// datasets, fields, and graphs are excluded, matching Service.Snapshot.
func NewSnapshot(tenant string, datasets []models.Dataset, fields []models.DatasetField, graphs []models.EntityGraph) *Snapshot {
	snap := &Snapshot{
		Tenant:   tenant,
		datasets: make(map[string]models.Dataset, len(datasets)),
		fields:   make(map[string]map[string]models.DatasetField, len(datasets)),
	}
	for _, d := range datasets {
		if !d.Enabled {
			continue
		}
		snap.datasets[strings.ToLower(d.Key)] = d
		snap.fields[strings.ToLower(d.Key)] = make(map[string]models.DatasetField)
	}
	for _, f := range fields {
		fm, ok := snap.fields[strings.ToLower(f.Dataset)]
		if ok && f.Enabled {
			fm[strings.ToLower(f.Key)] = f
		}
	}
	for _, g := range graphs {
		if g.Enabled {
			snap.graphs = append(snap.graphs, g)
		}
	}
	return snap
}

// Dataset resolves a dataset key case-insensitively.
func (s *Snapshot) Dataset(key string) (models.Dataset, bool) {
	d, ok := s.datasets[strings.ToLower(strings.TrimSpace(key))]
	return d, ok
}

// Field resolves a field key within a dataset case-insensitively.
func (s *Snapshot) Field(dataset, key string) (models.DatasetField, bool) {
	fm, ok := s.fields[strings.ToLower(strings.TrimSpace(dataset))]
	if !ok {
		return models.DatasetField{}, false
	}
	f, ok := fm[strings.ToLower(strings.TrimSpace(key))]
	return f, ok
}

// Graph resolves an entity graph by key case-insensitively.
func (s *Snapshot) Graph(key string) (models.EntityGraph, bool) {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, g := range s.graphs {
		if strings.ToLower(g.Key) == key {
			return g, true
		}
	}
	return models.EntityGraph{}, false
}

// GraphBetween returns an enabled entity graph connecting the two datasets
// in either direction.
func (s *Snapshot) GraphBetween(a, b string) (models.EntityGraph, bool) {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	for _, g := range s.graphs {
		from, to := strings.ToLower(g.FromDataset), strings.ToLower(g.ToDataset)
		if (from == a && to == b) || (from == b && to == a) {
			return g, true
		}
	}
	return models.EntityGraph{}, false
}

// DatasetCount returns the number of enabled datasets in the snapshot.
func (s *Snapshot) DatasetCount() int { return len(s.datasets) }
