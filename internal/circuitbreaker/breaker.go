// Package circuitbreaker implements per-dependency circuit breakers for
// the outbound-call guard stack. State is process-local: a fresh worker
// starts with every breaker CLOSED and relies on the durable store for
// cross-process coordination.
package circuitbreaker

import (
	"log"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Failure threshold exceeded, requests blocked
	StateHalfOpen              // Single probe in flight to test recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker is the per-dependency state machine. All transitions happen
// under the breaker's own mutex.
type Breaker struct {
	name             string
	failureThreshold int
	openDuration     time.Duration

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool

	now func() time.Time
}

// New creates a closed breaker for a dependency.
func New(name string, failureThreshold int, openDuration time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		openDuration:     openDuration,
		state:            StateClosed,
		now:              time.Now,
	}
}

func (b *Breaker) Name() string { return b.name }

// AllowRequest is the gate consulted before every wrapped call.
// CLOSED allows everything. OPEN denies until the open duration elapses,
// then the first caller through becomes the HALF_OPEN probe. HALF_OPEN
// admits exactly one probe at a time.
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.openDuration {
			b.setState(StateHalfOpen)
			b.probeInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess resets the failure count; a successful HALF_OPEN probe
// closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	if b.state == StateHalfOpen {
		b.probeInFlight = false
		b.setState(StateClosed)
	}
}

// RecordFailure increments the consecutive-failure count. Reaching the
// threshold in CLOSED opens the breaker; any HALF_OPEN probe failure
// re-opens it with a fresh open timestamp.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.failureThreshold {
			b.openedAt = b.now()
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.probeInFlight = false
		b.openedAt = b.now()
		b.setState(StateOpen)
	case StateOpen:
		// Already open; nothing to count.
	}
}

// State returns the current state without advancing transitions.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	prev := b.state
	b.state = s
	log.Printf("[CircuitBreaker:%s] state change: %s -> %s", b.name, prev, s)
}

// Snapshot is a point-in-time view used by the health report.
type Snapshot struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	OpenedAt            string `json:"opened_at,omitempty"`
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
	}
	if b.state != StateClosed && !b.openedAt.IsZero() {
		s.OpenedAt = b.openedAt.UTC().Format(time.RFC3339)
	}
	return s
}

// Registry maps dependency names to breaker instances, lazily
// constructed from the shared threshold config.
type Registry struct {
	mu               sync.RWMutex
	breakers         map[string]*Breaker
	failureThreshold int
	openDuration     time.Duration
}

// NewRegistry creates an empty registry with shared breaker parameters.
func NewRegistry(failureThreshold int, openDuration time.Duration) *Registry {
	return &Registry{
		breakers:         make(map[string]*Breaker),
		failureThreshold: failureThreshold,
		openDuration:     openDuration,
	}
}

// Get returns the breaker for a dependency, creating it if necessary.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = New(name, r.failureThreshold, r.openDuration)
	r.breakers[name] = b
	return b
}

// Snapshots returns the state of every known breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
