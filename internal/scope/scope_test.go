package scope

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bindevz/askgate/internal/llm"
	"github.com/bindevz/askgate/internal/resilience"
	"github.com/bindevz/askgate/internal/store"
	"github.com/bindevz/askgate/pkg/models"
)

type stubDriver struct {
	text string
	err  error
}

func (d *stubDriver) Kind() string { return "stub" }

func (d *stubDriver) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if d.err != nil {
		return nil, d.err
	}
	return &llm.Response{Text: d.text, StopReason: "end_turn"}, nil
}

func (d *stubDriver) Stream(ctx context.Context, req llm.Request, onDelta llm.DeltaFunc) (*llm.Response, error) {
	return d.Complete(ctx, req)
}

func seedResolver(t *testing.T, modules []string, driver llm.Driver, minConfidence float64) *Resolver {
	t.Helper()
	mem := store.NewMemoryStore()
	for _, m := range modules {
		tool := models.ToolDefinition{
			Name: "tool_" + m, Call: "c", Module: m, Enabled: true,
		}
		require.NoError(t, mem.CreateTool(context.Background(), "acme", &tool))
	}

	drivers := llm.NewRegistry()
	if driver != nil {
		drivers.Register(driver)
	}
	ex := resilience.NewExecutor(resilience.NewRegistry(resilience.BreakerSettings{}),
		resilience.RetrySettings{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})

	return NewResolver(mem, drivers, ex, Settings{
		MinConfidence: minConfidence,
		CallTimeout:   time.Second,
		Provider:      "stub",
		Model:         "small",
	})
}

func ectx() *models.ExecutionContext {
	return &models.ExecutionContext{TenantID: "acme", UserID: "u1"}
}

func TestResolveSingleModuleShortCircuits(t *testing.T) {
	driver := &stubDriver{err: errors.New("must not be called")}
	r := seedResolver(t, []string{"sales"}, driver, 0)

	res, err := r.Resolve(context.Background(), ectx(), "where is my order")
	require.NoError(t, err)
	assert.Equal(t, []string{"sales"}, res.Modules)
	assert.Equal(t, 1.0, res.Confidence)
	assert.False(t, res.Fallback)
}

func TestResolveClassifies(t *testing.T) {
	driver := &stubDriver{text: `{"modules":["sales"],"confidence":0.9,"reasons":["order question"]}`}
	r := seedResolver(t, []string{"hr", "sales"}, driver, 0)

	res, err := r.Resolve(context.Background(), ectx(), "where is order o-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"sales"}, res.Modules)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
	assert.False(t, res.Fallback)
}

func TestResolveFallsBackOnModelError(t *testing.T) {
	driver := &stubDriver{err: errors.New("upstream down")}
	r := seedResolver(t, []string{"hr", "sales"}, driver, 0)

	res, err := r.Resolve(context.Background(), ectx(), "hello")
	require.NoError(t, err, "classification failure must not fail the turn")
	assert.ElementsMatch(t, []string{"hr", "sales"}, res.Modules)
	assert.Equal(t, 0.0, res.Confidence)
	assert.True(t, res.Fallback)
}

func TestResolveFallsBackOnMalformedAnswer(t *testing.T) {
	driver := &stubDriver{text: `the request is about sales`}
	r := seedResolver(t, []string{"hr", "sales"}, driver, 0)

	res, err := r.Resolve(context.Background(), ectx(), "hello")
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.ElementsMatch(t, []string{"hr", "sales"}, res.Modules)
}

func TestResolveFallsBackBelowMinConfidence(t *testing.T) {
	driver := &stubDriver{text: `{"modules":["sales"],"confidence":0.2}`}
	r := seedResolver(t, []string{"hr", "sales"}, driver, 0.5)

	res, err := r.Resolve(context.Background(), ectx(), "hello")
	require.NoError(t, err)
	assert.True(t, res.Fallback)
}

func TestResolveDiscardsUnknownModules(t *testing.T) {
	driver := &stubDriver{text: `{"modules":["sales","finance"],"confidence":0.8}`}
	r := seedResolver(t, []string{"hr", "sales"}, driver, 0)

	res, err := r.Resolve(context.Background(), ectx(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []string{"sales"}, res.Modules)
}

func TestResolveCodeFencedAnswer(t *testing.T) {
	driver := &stubDriver{text: "```json\n{\"modules\":[\"hr\"],\"confidence\":0.7}\n```"}
	r := seedResolver(t, []string{"hr", "sales"}, driver, 0)

	res, err := r.Resolve(context.Background(), ectx(), "vacation days left")
	require.NoError(t, err)
	assert.Equal(t, []string{"hr"}, res.Modules)
}

func TestResolveNoModules(t *testing.T) {
	r := seedResolver(t, nil, nil, 0)

	res, err := r.Resolve(context.Background(), ectx(), "hello")
	require.NoError(t, err)
	assert.Empty(t, res.Modules)
	assert.True(t, res.Fallback)
}
