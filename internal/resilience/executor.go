package resilience

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

// Executor composes the breaker registry with the retry loop. The breaker
// sits outside the retry: an open circuit rejects before any attempt is
// made, and the whole retried call feeds back exactly one window sample.
type Executor struct {
	registry *Registry
	retry    RetrySettings
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry *Registry, retry RetrySettings) *Executor {
	return &Executor{registry: registry, retry: retry.withDefaults()}
}

// Registry exposes the underlying breaker registry for ops endpoints.
func (e *Executor) Registry() *Registry { return e.registry }

// Execute runs fn against the named upstream. It returns *OpenError when
// the circuit rejects the call without attempting it.
func (e *Executor) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	b := e.registry.Get(name)
	if err := b.Allow(); err != nil {
		log.Warn().Str("upstream", name).Msg("circuit rejected call")
		return err
	}

	err := Retry(ctx, e.retry, fn)

	// A cancelled call says nothing about upstream health, so it is not
	// a window sample either way; it only releases a half-open trial
	// slot. Of the rest, only transient failures count against the
	// window. A 4xx is the caller's problem, not the service's.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		b.Release()
		return err
	}
	failure := err != nil && Transient(err)
	b.Record(failure)

	if failure && b.Current() == Open {
		log.Warn().Str("upstream", name).Err(err).Msg("circuit opened")
	}
	return err
}
