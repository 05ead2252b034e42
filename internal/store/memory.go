// Package store — in-memory Store implementation.
// Used when no DATABASE_URL is configured (local dev, tests).
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/bindevz/askgate/pkg/models"
)

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu       sync.RWMutex
	tools    map[string]*models.ToolDefinition // key: tenant:name
	rules    map[string]*models.FollowUpRule   // key: tenant:ruleKey
	datasets map[string]*models.Dataset        // key: tenant:key
	fields   map[string]*models.DatasetField   // key: tenant:dataset:key
	graphs   map[string]*models.EntityGraph    // key: tenant:key
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tools:    make(map[string]*models.ToolDefinition),
		rules:    make(map[string]*models.FollowUpRule),
		datasets: make(map[string]*models.Dataset),
		fields:   make(map[string]*models.DatasetField),
		graphs:   make(map[string]*models.EntityGraph),
	}
}

// Ping always succeeds for the in-memory store.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }

func key2(a, b string) string    { return a + ":" + b }
func key3(a, b, c string) string { return a + ":" + b + ":" + c }

// ── Tool Store ──────────────────────────────────────────────

func (m *MemoryStore) ListTools(ctx context.Context, tenant string) ([]models.ToolDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.ToolDefinition
	for k, t := range m.tools {
		if len(k) > len(tenant) && k[:len(tenant)+1] == tenant+":" {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) GetTool(ctx context.Context, tenant, name string) (*models.ToolDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tools[key2(tenant, name)]
	if !ok {
		return nil, &ErrNotFound{Entity: "tool", Key: name}
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) CreateTool(ctx context.Context, tenant string, tool *models.ToolDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *tool
	m.tools[key2(tenant, tool.Name)] = &cp
	return nil
}

func (m *MemoryStore) UpdateTool(ctx context.Context, tenant string, tool *models.ToolDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key2(tenant, tool.Name)
	if _, ok := m.tools[k]; !ok {
		return &ErrNotFound{Entity: "tool", Key: tool.Name}
	}
	cp := *tool
	m.tools[k] = &cp
	return nil
}

func (m *MemoryStore) DeleteTool(ctx context.Context, tenant, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key2(tenant, name)
	if _, ok := m.tools[k]; !ok {
		return &ErrNotFound{Entity: "tool", Key: name}
	}
	delete(m.tools, k)
	return nil
}

// ── Follow-Up Rule Store ────────────────────────────────────

func (m *MemoryStore) ListRules(ctx context.Context, tenant string) ([]models.FollowUpRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.FollowUpRule
	for k, r := range m.rules {
		if len(k) > len(tenant) && k[:len(tenant)+1] == tenant+":" {
			out = append(out, *r)
		}
	}
	// Highest priority first, key as tiebreaker for stable ordering
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].RuleKey < out[j].RuleKey
	})
	return out, nil
}

func (m *MemoryStore) GetRule(ctx context.Context, tenant, ruleKey string) (*models.FollowUpRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[key2(tenant, ruleKey)]
	if !ok {
		return nil, &ErrNotFound{Entity: "rule", Key: ruleKey}
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) CreateRule(ctx context.Context, tenant string, rule *models.FollowUpRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rule
	m.rules[key2(tenant, rule.RuleKey)] = &cp
	return nil
}

func (m *MemoryStore) UpdateRule(ctx context.Context, tenant string, rule *models.FollowUpRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key2(tenant, rule.RuleKey)
	if _, ok := m.rules[k]; !ok {
		return &ErrNotFound{Entity: "rule", Key: rule.RuleKey}
	}
	cp := *rule
	m.rules[k] = &cp
	return nil
}

func (m *MemoryStore) DeleteRule(ctx context.Context, tenant, ruleKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key2(tenant, ruleKey)
	if _, ok := m.rules[k]; !ok {
		return &ErrNotFound{Entity: "rule", Key: ruleKey}
	}
	delete(m.rules, k)
	return nil
}

// ── Query Catalog Store ─────────────────────────────────────

func (m *MemoryStore) ListDatasets(ctx context.Context, tenant string) ([]models.Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Dataset
	for _, d := range m.datasets {
		if d.Tenant == tenant {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) ListFields(ctx context.Context, tenant, dataset string) ([]models.DatasetField, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.DatasetField
	for _, f := range m.fields {
		if f.Tenant == tenant && f.Dataset == dataset {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) ListEntityGraphs(ctx context.Context, tenant string) ([]models.EntityGraph, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.EntityGraph
	for _, g := range m.graphs {
		if g.Tenant == tenant {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) UpsertDataset(ctx context.Context, ds *models.Dataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ds
	m.datasets[key2(ds.Tenant, ds.Key)] = &cp
	return nil
}

func (m *MemoryStore) UpsertField(ctx context.Context, f *models.DatasetField) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *f
	m.fields[key3(f.Tenant, f.Dataset, f.Key)] = &cp
	return nil
}

func (m *MemoryStore) UpsertEntityGraph(ctx context.Context, g *models.EntityGraph) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *g
	m.graphs[key2(g.Tenant, g.Key)] = &cp
	return nil
}
