// Package resilience guards upstream model calls with a named circuit
// breaker registry and bounded retries. The breaker observes logical
// calls: one call that retried internally still counts as one sample.
package resilience

import (
	"fmt"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	Closed   State = iota // normal operation
	Open                  // rejecting calls until the break elapses
	HalfOpen              // letting a bounded number of trial calls through
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerSettings tunes one breaker.
type BreakerSettings struct {
	Window        int           // rolling sample window size
	MinThroughput int           // samples required before the ratio can trip
	FailureRatio  float64       // failure fraction that opens the circuit
	BreakDuration time.Duration // how long the circuit stays open
	HalfOpenMax   int           // concurrent trial calls allowed in half-open
}

// DefaultBreakerSettings are used when a field is left zero.
var DefaultBreakerSettings = BreakerSettings{
	Window:        20,
	MinThroughput: 2,
	FailureRatio:  0.5,
	BreakDuration: 30 * time.Second,
	HalfOpenMax:   1,
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	d := DefaultBreakerSettings
	if s.Window > 0 {
		d.Window = s.Window
	}
	if s.MinThroughput > 0 {
		d.MinThroughput = s.MinThroughput
	}
	if s.FailureRatio > 0 {
		d.FailureRatio = s.FailureRatio
	}
	if s.BreakDuration > 0 {
		d.BreakDuration = s.BreakDuration
	}
	if s.HalfOpenMax > 0 {
		d.HalfOpenMax = s.HalfOpenMax
	}
	return d
}

// OpenError is returned when a call is rejected by an open circuit.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q is open, retry in %s", e.Name, e.RetryAfter.Round(time.Second))
}

// Breaker is a rolling-window circuit breaker for one upstream.
type Breaker struct {
	name     string
	settings BreakerSettings
	now      func() time.Time

	mu       sync.Mutex
	state    State
	samples  []bool // true = failure
	idx      int
	count    int
	failures int
	openedAt time.Time
	inFlight int // half-open trial calls currently out
}

func newBreaker(name string, settings BreakerSettings) *Breaker {
	s := settings.withDefaults()
	return &Breaker{
		name:     name,
		settings: s,
		now:      time.Now,
		samples:  make([]bool, s.Window),
	}
}

// Allow reports whether a call may proceed. In half-open it reserves a
// trial slot which the caller must release via Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.settings.BreakDuration {
			return &OpenError{Name: b.name, RetryAfter: b.settings.BreakDuration - elapsed}
		}
		b.state = HalfOpen
		b.inFlight = 0
		fallthrough
	case HalfOpen:
		if b.inFlight >= b.settings.HalfOpenMax {
			return &OpenError{Name: b.name, RetryAfter: b.settings.BreakDuration}
		}
		b.inFlight++
		return nil
	}
	return &OpenError{Name: b.name}
}

// Record feeds the outcome of one logical call back into the window.
func (b *Breaker) Record(failure bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		if b.inFlight > 0 {
			b.inFlight--
		}
		if failure {
			b.trip()
			return
		}
		// A successful trial closes the circuit with a clean window.
		b.reset()
		return
	case Open:
		// Late result from a call admitted before the trip. Ignore.
		return
	}

	b.push(failure)
	if b.count >= b.settings.MinThroughput && b.ratio() >= b.settings.FailureRatio {
		b.trip()
	}
}

// Release frees a half-open trial slot without recording a sample, for
// calls whose outcome was decided by the caller's context rather than
// the upstream.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen && b.inFlight > 0 {
		b.inFlight--
	}
}

// Current returns the state without mutating it.
func (b *Breaker) Current() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats describes a breaker for operational endpoints.
type Stats struct {
	Name         string  `json:"name"`
	State        string  `json:"state"`
	Samples      int     `json:"samples"`
	Failures     int     `json:"failures"`
	FailureRatio float64 `json:"failure_ratio"`
}

func (b *Breaker) stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:         b.name,
		State:        b.state.String(),
		Samples:      b.count,
		Failures:     b.failures,
		FailureRatio: b.ratio(),
	}
}

func (b *Breaker) push(failure bool) {
	if b.count == len(b.samples) {
		if b.samples[b.idx] {
			b.failures--
		}
	} else {
		b.count++
	}
	b.samples[b.idx] = failure
	if failure {
		b.failures++
	}
	b.idx = (b.idx + 1) % len(b.samples)
}

func (b *Breaker) ratio() float64 {
	if b.count == 0 {
		return 0
	}
	return float64(b.failures) / float64(b.count)
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.inFlight = 0
}

func (b *Breaker) reset() {
	b.state = Closed
	b.idx, b.count, b.failures = 0, 0, 0
	for i := range b.samples {
		b.samples[i] = false
	}
}

// ── Registry ────────────────────────────────────────────────

// Registry holds one breaker per upstream name, created lazily with
// shared settings.
type Registry struct {
	settings BreakerSettings

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a breaker registry.
func NewRegistry(settings BreakerSettings) *Registry {
	return &Registry{
		settings: settings.withDefaults(),
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = newBreaker(name, r.settings)
		r.breakers[name] = b
	}
	return b
}

// All returns stats for every known breaker, for ops visibility.
func (r *Registry) All() []Stats {
	r.mu.Lock()
	names := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		names = append(names, b)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(names))
	for _, b := range names {
		out = append(out, b.stats())
	}
	return out
}
