package gatekeeper

import (
	"context"
	"sync"
	"time"
)

// CircuitBreakerConfig configures the per-agent state machine.
type CircuitBreakerConfig struct {
	FailureWindow    time.Duration // default 60s
	FailureThreshold int           // default 5
	HalfOpenTimeout  time.Duration // default 30s
}

func defaultBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureWindow:    60 * time.Second,
		FailureThreshold: 5,
		HalfOpenTimeout:  30 * time.Second,
	}
}

// breakerEntry is one agent's circuit state. All transitions happen under
// mu; admission (Allow) and claiming the HALF_OPEN probe slot are the same
// critical section so two probes can never run concurrently.
type breakerEntry struct {
	mu              sync.Mutex
	state           BreakerState
	failureTimes    []time.Time
	openedAt        time.Time
	halfOpenClaimed bool
}

// CircuitBreaker tracks per-agent failure rates and prevents repeated calls
// to an agent that is failing: a fixed count of failures within the sliding
// window trips the agent's circuit to OPEN.
type CircuitBreaker struct {
	cfg     CircuitBreakerConfig
	mu      sync.Mutex
	agents  map[string]*breakerEntry
	onAlert func(Alert)
	metrics Metrics
}

// CircuitBreakerOption configures a CircuitBreaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithBreakerConfig overrides the default window/threshold/timeout.
func WithBreakerConfig(cfg CircuitBreakerConfig) CircuitBreakerOption {
	return func(b *CircuitBreaker) { b.cfg = cfg }
}

// WithBreakerAlerts registers a callback invoked whenever the breaker opens.
func WithBreakerAlerts(fn func(Alert)) CircuitBreakerOption {
	return func(b *CircuitBreaker) { b.onAlert = fn }
}

// WithBreakerMetrics records every OPEN transition into m.
func WithBreakerMetrics(m Metrics) CircuitBreakerOption {
	return func(b *CircuitBreaker) { b.metrics = m }
}

// NewCircuitBreaker constructs a CircuitBreaker with no agents registered
// yet; entries are created lazily on first use.
func NewCircuitBreaker(opts ...CircuitBreakerOption) *CircuitBreaker {
	b := &CircuitBreaker{
		cfg:     defaultBreakerConfig(),
		agents:  make(map[string]*breakerEntry),
		metrics: NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *CircuitBreaker) entry(agentID string) *breakerEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.agents[agentID]
	if !ok {
		e = &breakerEntry{state: StateClosed}
		b.agents[agentID] = e
	}
	return e
}

// Allow reports whether a call to agentID may proceed, claiming the single
// HALF_OPEN probe slot if this call is the one permitted to probe.
func (b *CircuitBreaker) Allow(agentID string) bool {
	e := b.entry(agentID)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateOpen:
		if time.Since(e.openedAt) >= b.cfg.HalfOpenTimeout {
			e.state = StateHalfOpen
			e.halfOpenClaimed = true
			return true
		}
		return false
	case StateHalfOpen:
		if e.halfOpenClaimed {
			return false
		}
		e.halfOpenClaimed = true
		return true
	default:
		return true
	}
}

// RecordSuccess signals a successful call, closing the breaker if it was
// probing in HALF_OPEN.
func (b *CircuitBreaker) RecordSuccess(agentID string) {
	e := b.entry(agentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateHalfOpen {
		e.state = StateClosed
		e.failureTimes = nil
		e.halfOpenClaimed = false
	}
}

// RecordFailure signals a failed call. In CLOSED it appends to the sliding
// window and trips to OPEN past the threshold; in HALF_OPEN any failure
// reopens immediately.
func (b *CircuitBreaker) RecordFailure(agentID string) {
	e := b.entry(agentID)
	e.mu.Lock()
	now := time.Now()
	var tripped bool
	switch e.state {
	case StateHalfOpen:
		e.state = StateOpen
		e.openedAt = now
		e.halfOpenClaimed = false
		tripped = true
	case StateClosed:
		e.failureTimes = pruneBefore(e.failureTimes, now.Add(-b.cfg.FailureWindow))
		e.failureTimes = append(e.failureTimes, now)
		if len(e.failureTimes) >= b.cfg.FailureThreshold {
			e.state = StateOpen
			e.openedAt = now
			tripped = true
		}
	}
	e.mu.Unlock()

	if tripped {
		b.metrics.IncBreakerTrip(context.Background(), agentID)
		if b.onAlert != nil {
			b.onAlert(Alert{
				Level:     AlertCritical,
				Component: "circuit_breaker",
				Message:   "breaker opened for agent " + agentID,
				Details:   map[string]any{"agent_id": agentID},
				Timestamp: NowUnix(),
			})
		}
	}
}

// Reset forces agentID back to CLOSED (operator control).
func (b *CircuitBreaker) Reset(agentID string) {
	e := b.entry(agentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateClosed
	e.failureTimes = nil
	e.halfOpenClaimed = false
	e.openedAt = time.Time{}
}

// GetState returns the current state for one agent.
func (b *CircuitBreaker) GetState(agentID string) BreakerState {
	e := b.entry(agentID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// GetAllStates returns a snapshot of every agent the breaker has observed.
func (b *CircuitBreaker) GetAllStates() []CircuitSnapshot {
	b.mu.Lock()
	ids := make([]string, 0, len(b.agents))
	for id := range b.agents {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	out := make([]CircuitSnapshot, 0, len(ids))
	for _, id := range ids {
		e := b.entry(id)
		e.mu.Lock()
		snap := CircuitSnapshot{AgentID: id, State: e.state}
		if !e.openedAt.IsZero() {
			snap.OpenedAt = e.openedAt.Unix()
		}
		e.mu.Unlock()
		out = append(out, snap)
	}
	return out
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	return append([]time.Time(nil), times[i:]...)
}
