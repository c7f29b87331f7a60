package resilience

import (
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// STATE
// =============================================================================

// State is the circuit breaker state.
type State int

const (
	// StateClosed allows all calls.
	StateClosed State = iota
	// StateOpen rejects calls until the cooldown elapses.
	StateOpen
	// StateHalfOpen allows a single trial call.
	StateHalfOpen
)

// String returns the state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// =============================================================================
// CONFIG
// =============================================================================

// BreakerConfig holds the trip threshold and cooldown for one breaker.
type BreakerConfig struct {
	// Threshold is the failure count that trips the breaker. Values <= 0 trip on the first failure.
	Threshold int
	// Cooldown is how long the breaker stays OPEN before allowing a trial call.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns threshold 5, cooldown 60s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Cooldown: 60 * time.Second}
}

// StateChangeFunc observes breaker transitions. It is called outside the breaker lock.
type StateChangeFunc func(target string, from, to State)

// =============================================================================
// BREAKER
// =============================================================================

// CircuitBreaker guards a single backend or tool target.
// All methods are safe for concurrent use.
type CircuitBreaker struct {
	target string
	cfg    BreakerConfig
	clock  Clock

	mu            sync.Mutex
	state         State
	failureCount  int
	nextAttemptAt time.Time
	trialInFlight bool
	generation    uint64
	onChange      StateChangeFunc
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithClock overrides the breaker clock.
func WithClock(c Clock) BreakerOption {
	return func(cb *CircuitBreaker) { cb.clock = c }
}

// WithStateChange registers a transition observer.
func WithStateChange(fn StateChangeFunc) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// NewCircuitBreaker creates a CLOSED breaker for target.
func NewCircuitBreaker(target string, cfg BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		target: target,
		cfg:    cfg,
		clock:  SystemClock,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Target returns the guarded target name.
func (cb *CircuitBreaker) Target() string {
	return cb.target
}

// OnStateChange replaces the transition observer.
func (cb *CircuitBreaker) OnStateChange(fn StateChangeFunc) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// Ticket is the admission handed out by CanAttempt. Outcomes are applied only
// while the breaker is still in the generation that issued the ticket, so a
// call admitted before a transition cannot settle or free a later trial.
type Ticket struct {
	generation uint64
	trial      bool
}

// Trial reports whether the ticket holds the HALF_OPEN trial slot.
func (t Ticket) Trial() bool {
	return t.trial
}

// CanAttempt reports whether a call may proceed and returns its ticket.
//
// An OPEN breaker whose cooldown has elapsed moves to HALF_OPEN and admits
// exactly one trial; later callers are refused until that trial is recorded
// or released.
func (cb *CircuitBreaker) CanAttempt() (Ticket, bool) {
	cb.mu.Lock()
	switch cb.state {
	case StateClosed:
		t := Ticket{generation: cb.generation}
		cb.mu.Unlock()
		return t, true
	case StateOpen:
		if cb.clock.Now().Before(cb.nextAttemptAt) {
			cb.mu.Unlock()
			return Ticket{}, false
		}
		notify := cb.transitionLocked(StateHalfOpen)
		cb.trialInFlight = true
		t := Ticket{generation: cb.generation, trial: true}
		cb.mu.Unlock()
		notify()
		return t, true
	case StateHalfOpen:
		if cb.trialInFlight {
			cb.mu.Unlock()
			return Ticket{}, false
		}
		cb.trialInFlight = true
		t := Ticket{generation: cb.generation, trial: true}
		cb.mu.Unlock()
		return t, true
	}
	cb.mu.Unlock()
	return Ticket{}, false
}

// RecordSuccess closes a HALF_OPEN breaker and clears the failure count.
// Stale tickets are ignored.
func (cb *CircuitBreaker) RecordSuccess(t Ticket) {
	cb.mu.Lock()
	if t.generation != cb.generation {
		cb.mu.Unlock()
		return
	}
	cb.failureCount = 0
	notify := func() {}
	if cb.state == StateHalfOpen && t.trial {
		cb.trialInFlight = false
		notify = cb.transitionLocked(StateClosed)
	}
	cb.mu.Unlock()
	notify()
}

// RecordFailure counts a failure and trips the breaker when the threshold is reached.
// A failed HALF_OPEN trial reopens the breaker immediately. Stale tickets are ignored.
func (cb *CircuitBreaker) RecordFailure(t Ticket) {
	cb.mu.Lock()
	if t.generation != cb.generation {
		cb.mu.Unlock()
		return
	}
	cb.failureCount++
	notify := func() {}
	switch cb.state {
	case StateClosed:
		if cb.threshold() <= cb.failureCount {
			cb.nextAttemptAt = cb.clock.Now().Add(cb.cfg.Cooldown)
			notify = cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		if t.trial {
			cb.trialInFlight = false
			cb.nextAttemptAt = cb.clock.Now().Add(cb.cfg.Cooldown)
			notify = cb.transitionLocked(StateOpen)
		}
	}
	cb.mu.Unlock()
	notify()
}

// FailOnPanic records a failure for t and re-panics if the calling goroutine
// is panicking. It must be deferred directly: defer cb.FailOnPanic(t).
func (cb *CircuitBreaker) FailOnPanic(t Ticket) {
	if r := recover(); r != nil {
		cb.RecordFailure(t)
		panic(r)
	}
}

// RecordRejection counts a call the breaker refused. While OPEN it adds to the
// failure count without moving the cooldown; during a HALF_OPEN trial it is
// ignored so that only the trial's own outcome decides the next state.
func (cb *CircuitBreaker) RecordRejection() {
	cb.mu.Lock()
	if cb.state == StateOpen {
		cb.failureCount++
	}
	cb.mu.Unlock()
}

// Release returns the trial slot held by t without recording an outcome.
// Used when the guarded call was cancelled before it could succeed or fail.
// Tickets that do not own the current trial are ignored.
func (cb *CircuitBreaker) Release(t Ticket) {
	cb.mu.Lock()
	if t.trial && t.generation == cb.generation && cb.state == StateHalfOpen {
		cb.trialInFlight = false
	}
	cb.mu.Unlock()
}

// Reset forces the breaker CLOSED with a zero failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failureCount = 0
	cb.trialInFlight = false
	cb.nextAttemptAt = time.Time{}
	notify := func() {}
	if cb.state != StateClosed {
		notify = cb.transitionLocked(StateClosed)
	} else {
		cb.generation++
	}
	cb.mu.Unlock()
	notify()
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot is a point-in-time copy of breaker state.
type Snapshot struct {
	Target        string    `json:"target"`
	State         string    `json:"state"`
	FailureCount  int       `json:"failure_count"`
	Threshold     int       `json:"threshold"`
	CooldownMs    int64     `json:"cooldown_ms"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
}

// Snapshot returns a copy of the breaker state.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Target:        cb.target,
		State:         cb.state.String(),
		FailureCount:  cb.failureCount,
		Threshold:     cb.cfg.Threshold,
		CooldownMs:    cb.cfg.Cooldown.Milliseconds(),
		NextAttemptAt: cb.nextAttemptAt,
	}
}

// OpenError returns the error a caller should surface when CanAttempt refuses.
func (cb *CircuitBreaker) OpenError() *CircuitOpenError {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	retry := cb.nextAttemptAt.Sub(cb.clock.Now())
	if retry < 0 {
		retry = 0
	}
	return &CircuitOpenError{Target: cb.target, State: cb.state, RetryAfter: retry}
}

func (cb *CircuitBreaker) threshold() int {
	if cb.cfg.Threshold <= 0 {
		return 1
	}
	return cb.cfg.Threshold
}

// transitionLocked changes state, starts a new ticket generation and returns
// the deferred notification.
func (cb *CircuitBreaker) transitionLocked(to State) func() {
	from := cb.state
	cb.state = to
	if from != to {
		cb.generation++
	}
	fn := cb.onChange
	if fn == nil || from == to {
		return func() {}
	}
	target := cb.target
	return func() { fn(target, from, to) }
}

// =============================================================================
// ERRORS
// =============================================================================

// CircuitOpenError is returned when a breaker refuses a call.
type CircuitOpenError struct {
	Target     string
	State      State
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker for %s is %s (retry after %s)", e.Target, e.State, e.RetryAfter)
}

// =============================================================================
// BREAKER SET
// =============================================================================

// BreakerSet owns one independent breaker per target, created on first use.
type BreakerSet struct {
	cfg  BreakerConfig
	opts []BreakerOption

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates an empty set using cfg for every breaker.
func NewBreakerSet(cfg BreakerConfig, opts ...BreakerOption) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg,
		opts:     opts,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for target, creating it if needed.
func (s *BreakerSet) Get(target string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[target]
	if !ok {
		cb = NewCircuitBreaker(target, s.cfg, s.opts...)
		s.breakers[target] = cb
	}
	return cb
}

// Snapshots returns the state of every breaker created so far.
func (s *BreakerSet) Snapshots() []Snapshot {
	s.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(s.breakers))
	for _, cb := range s.breakers {
		breakers = append(breakers, cb)
	}
	s.mu.Unlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Snapshot())
	}
	return out
}
