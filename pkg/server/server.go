// Package server provides the public entry point for initializing the
// askgate gateway.
//
// This package exists in pkg/ (not internal/) so that deployments can
// compose the gateway with their own middleware or an alternate store
// before serving.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/bindevz/askgate/internal/api"
	"github.com/bindevz/askgate/internal/api/handlers"
	"github.com/bindevz/askgate/internal/catalog"
	"github.com/bindevz/askgate/internal/config"
	"github.com/bindevz/askgate/internal/followup"
	"github.com/bindevz/askgate/internal/llm"
	"github.com/bindevz/askgate/internal/orchestrator"
	"github.com/bindevz/askgate/internal/planner"
	"github.com/bindevz/askgate/internal/resilience"
	"github.com/bindevz/askgate/internal/scope"
	"github.com/bindevz/askgate/internal/store"
	"github.com/bindevz/askgate/internal/stream"
	"github.com/bindevz/askgate/internal/telemetry"
	"github.com/bindevz/askgate/internal/tools"
	"github.com/bindevz/askgate/pkg/models"
)

// Server holds the initialized gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the governance data store.
	Store store.Store

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all gateway components from the environment and returns
// a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the gateway with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	// Governance store. In-memory for zero-config deployments; with a
	// DATABASE_URL the catalog moves to Postgres while tool and rule
	// definitions stay in memory.
	var dataStore store.Store = store.NewMemoryStore()
	log.Info().Msg("in-memory governance store initialized")

	var provider catalog.Provider = catalogProvider{dataStore}
	if cfg.Database.URL != "" {
		pg, err := catalog.NewPostgresProvider(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("catalog provider: %w", err)
		}
		provider = pg
		dataStore = pgCatalogStore{Store: dataStore, pg: pg}
	}
	cat := catalog.NewService(provider, catalog.DefaultTTL)

	// Model drivers. All known kinds are registered; configuration selects
	// which ones a turn actually uses.
	drivers := llm.NewRegistry()
	drivers.Register(llm.NewAnthropicDriver(cfg.Models.APIKey, cfg.Models.Endpoint))
	drivers.Register(llm.NewOpenAIDriver("openai", cfg.Models.APIKey, cfg.Models.Endpoint))
	drivers.Register(llm.NewOpenAIDriver("ollama", "ollama", ollamaEndpoint(cfg)))
	if _, err := drivers.Get(cfg.Models.Provider); err != nil {
		return nil, fmt.Errorf("model provider: %w", err)
	}

	circuits := resilience.NewRegistry(resilience.BreakerSettings{
		Window:        cfg.Breaker.Window,
		MinThroughput: cfg.Breaker.MinThroughput,
		FailureRatio:  cfg.Breaker.FailureRatio,
		BreakDuration: cfg.Breaker.BreakDuration,
		HalfOpenMax:   cfg.Breaker.HalfOpenMax,
	})
	executor := resilience.NewExecutor(circuits, resilience.RetrySettings{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
	})

	registry := tools.NewRegistry(dataStore)
	if cfg.Database.URL != "" {
		runner, err := planner.NewPostgresRunner(ctx, cfg.Database.URL, cat)
		if err != nil {
			return nil, fmt.Errorf("query backend: %w", err)
		}
		qt := tools.NewQueryTool(cat, runner, planner.Limits{
			RowLimitCeiling:  cfg.Plan.RowLimitCeiling,
			MaxTimeRangeDays: cfg.Plan.MaxTimeRangeDays,
			MaxJoins:         cfg.Plan.MaxJoins,
		})
		registry.Bind(tools.QueryCall, qt.Handler())
		log.Info().Msg("query backend initialized")
	} else {
		log.Warn().Msg("DATABASE_URL not set; dataset query tool disabled")
	}

	rules := followup.NewEvaluator(dataStore)
	scopes := scope.NewResolver(dataStore, drivers, executor, scope.Settings{
		MinConfidence: cfg.Scope.MinConfidence,
		CallTimeout:   cfg.Scope.CallTimeout,
		Provider:      cfg.Models.Provider,
		Model:         scopeModel(cfg),
	})

	orch := orchestrator.New(scopes, registry, rules, drivers, executor,
		cfg.Loop, cfg.Models, stream.Settings{
			Capacity:         cfg.Stream.Capacity,
			CoalesceBytes:    cfg.Stream.CoalesceBytes,
			CoalesceInterval: cfg.Stream.CoalesceInterval,
			DropOldestDeltas: cfg.Stream.DropOldestDeltas,
		})

	h := handlers.New(dataStore, orch, cat, circuits, cfg.Version)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// pgCatalogStore routes catalog reads and writes to Postgres while the
// embedded store keeps serving tools and rules.
type pgCatalogStore struct {
	store.Store
	pg *catalog.PostgresProvider
}

func (s pgCatalogStore) ListDatasets(ctx context.Context, tenant string) ([]models.Dataset, error) {
	return s.pg.Datasets(ctx, tenant)
}

func (s pgCatalogStore) ListFields(ctx context.Context, tenant, dataset string) ([]models.DatasetField, error) {
	return s.pg.Fields(ctx, tenant, dataset)
}

func (s pgCatalogStore) ListEntityGraphs(ctx context.Context, tenant string) ([]models.EntityGraph, error) {
	return s.pg.EntityGraphs(ctx, tenant)
}

func (s pgCatalogStore) UpsertDataset(ctx context.Context, ds *models.Dataset) error {
	return s.pg.UpsertDataset(ctx, ds)
}

func (s pgCatalogStore) UpsertField(ctx context.Context, f *models.DatasetField) error {
	return s.pg.UpsertField(ctx, f)
}

func (s pgCatalogStore) UpsertEntityGraph(ctx context.Context, g *models.EntityGraph) error {
	return s.pg.UpsertEntityGraph(ctx, g)
}

// Close releases the Postgres pool along with the embedded store.
func (s pgCatalogStore) Close() error {
	s.pg.Close()
	return s.Store.Close()
}

// catalogProvider adapts the governance store to the catalog loader.
type catalogProvider struct {
	store store.CatalogStore
}

func (p catalogProvider) Datasets(ctx context.Context, tenant string) ([]models.Dataset, error) {
	return p.store.ListDatasets(ctx, tenant)
}

func (p catalogProvider) Fields(ctx context.Context, tenant, dataset string) ([]models.DatasetField, error) {
	return p.store.ListFields(ctx, tenant, dataset)
}

func (p catalogProvider) EntityGraphs(ctx context.Context, tenant string) ([]models.EntityGraph, error) {
	return p.store.ListEntityGraphs(ctx, tenant)
}

func ollamaEndpoint(cfg *config.Config) string {
	if cfg.Models.Provider == "ollama" && cfg.Models.Endpoint != "" {
		return cfg.Models.Endpoint
	}
	return "http://localhost:11434/v1"
}

func scopeModel(cfg *config.Config) string {
	if cfg.Models.ScopeModel != "" {
		return cfg.Models.ScopeModel
	}
	return cfg.Models.Model
}
