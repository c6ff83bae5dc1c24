// Package monotask implements MonoTask[T] (spec §4.3): a single-slot
// executor that coalesces concurrent callers into one underlying run,
// caches a successful result for a TTL, retries on failure per a
// configurable internal/retryschedule.Schedule, and supports a forced
// refresh that transparently replaces an in-flight run.
//
// The single-flight-plus-TTL-cache shape is grounded on the GitHub
// installation-token refresh in internal/github/installation.go
// (getInstallationToken: check a TTL'd cache, else mint fresh under a
// lock, cache the result) generalized from one hardcoded token fetch
// into a reusable primitive. The waiter/generation bookkeeping follows
// the sync.Mutex-guarded state transitions in internal/mgmt's task
// engine.
package monotask

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/heavytasks/internal/retryschedule"
)

// Result is the outcome of one MonoTask attempt: either a value or an
// error, never both.
type Result[T any] struct {
	Value T
	Err   error
}

// Ok reports whether the result carries a value rather than an error.
func (r Result[T]) Ok() bool { return r.Err == nil }

// Success builds a successful Result.
func Success[T any](v T) Result[T] { return Result[T]{Value: v} }

// Failure builds a failed Result.
func Failure[T any](err error) Result[T] { return Result[T]{Err: err} }

// Runner dispatches fn for execution. taskRunner controls where body
// attempts run; callbackRunner controls where completion callbacks are
// delivered. A nil Runner means "run inline, on the caller's stack" —
// callers that want attempts off their own goroutine must supply one
// (e.g. a Runner backed by a worker pool).
type Runner func(fn func())

// BodyFunc performs one attempt. It must invoke completion exactly
// once; a second or later invocation is silently discarded by the
// safe-callback wrapper MonoTask installs around it.
type BodyFunc[T any] func(completion func(Result[T]))

// MonoTask is a single-flight executor with TTL caching and retry.
type MonoTask[T any] struct {
	retryTemplate  retryschedule.Schedule
	ttl            time.Duration
	taskRunner     Runner
	callbackRunner Runner
	body           BodyFunc[T]
	logger         zerolog.Logger

	mu          sync.Mutex
	hasCached   bool
	cachedValue T
	cachedUntil time.Time
	inFlight    bool
	waiters     []func(Result[T])
	generation  uint64

	now func() time.Time
}

// New constructs a MonoTask. retry is cloned fresh at the start of
// every new attempt chain (a plain execute or a forced refresh); it is
// never shared or mutated across chains, since retryschedule.Schedule
// is itself immutable. taskRunner and callbackRunner may be nil.
func New[T any](retry retryschedule.Schedule, ttl time.Duration, taskRunner, callbackRunner Runner, body BodyFunc[T]) *MonoTask[T] {
	return &MonoTask[T]{
		retryTemplate:  retry,
		ttl:            ttl,
		taskRunner:     taskRunner,
		callbackRunner: callbackRunner,
		body:           body,
		logger:         zerolog.Nop(),
		now:            time.Now,
	}
}

// WithLogger installs a logger used for retry/refresh diagnostics.
// Unconfigured MonoTasks log nothing (zerolog.Nop).
func (m *MonoTask[T]) WithLogger(logger zerolog.Logger) *MonoTask[T] {
	m.logger = logger
	return m
}

// Execute registers cb to receive the result of the current value:
// a cached hit if one is available and forceUpdate is false, the
// result of an already-running attempt, or a freshly started one.
//
// If forceUpdate is true, a new attempt starts even if one is already
// in flight; every waiter already registered for the superseded
// attempt — plus cb — is redirected to the fresh attempt and receives
// exactly one callback with its result.
func (m *MonoTask[T]) Execute(forceUpdate bool, cb func(Result[T])) {
	m.mu.Lock()

	if !forceUpdate && m.hasCached && m.now().Before(m.cachedUntil) {
		val := m.cachedValue
		m.mu.Unlock()
		m.dispatchCachedHit(val, cb)
		return
	}

	var start bool
	var gen uint64

	switch {
	case forceUpdate:
		m.generation++
		gen = m.generation
		m.waiters = append(m.waiters, cb)
		m.inFlight = true
		start = true
		m.logger.Debug().Uint64("generation", gen).Msg("mono task forced refresh, superseding prior attempt")
	case m.inFlight:
		m.waiters = append(m.waiters, cb)
		gen = m.generation
		start = false
	default:
		m.generation++
		gen = m.generation
		m.waiters = []func(Result[T]){cb}
		m.inFlight = true
		start = true
	}
	m.mu.Unlock()

	if start {
		m.runAttempt(gen, m.retryTemplate)
	}
}

// AsyncExecute is a context-aware wrapper around Execute returning the
// result (or the context's error, whichever arrives first).
func (m *MonoTask[T]) AsyncExecute(ctx context.Context, forceUpdate bool) (T, error) {
	resultCh := make(chan Result[T], 1)
	m.Execute(forceUpdate, func(r Result[T]) { resultCh <- r })

	select {
	case r := <-resultCh:
		return r.Value, r.Err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// ExecuteThrows is identical to AsyncExecute; it exists alongside it
// to mirror the two-named-wrapper surface the source contract
// describes (asyncExecute / executeThrows), which collapse to the
// same (value, error) shape in Go.
func (m *MonoTask[T]) ExecuteThrows(ctx context.Context, forceUpdate bool) (T, error) {
	return m.AsyncExecute(ctx, forceUpdate)
}

// CurrentResult returns the cached value and true iff it has not
// expired.
func (m *MonoTask[T]) CurrentResult() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasCached && m.now().Before(m.cachedUntil) {
		return m.cachedValue, true
	}
	var zero T
	return zero, false
}

// IsExecuting reports whether at least one attempt is currently in
// flight. Best-effort under concurrent mutation, as the source
// contract allows.
func (m *MonoTask[T]) IsExecuting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight
}

// runAttempt submits one body invocation to the task runner (or runs
// it inline if unset), wrapped in an at-most-once completion guard
// tied to generation gen and the retry schedule in force for this
// attempt.
func (m *MonoTask[T]) runAttempt(gen uint64, schedule retryschedule.Schedule) {
	dispatch(m.taskRunner, func() {
		m.body(m.safeCompletion(gen, schedule))
	})
}

// safeCompletion builds the _safe_callback wrapper: guarantees the
// body's completion fires at most once for this attempt, and discards
// any completion belonging to a generation superseded by a forced
// refresh in the meantime.
func (m *MonoTask[T]) safeCompletion(gen uint64, schedule retryschedule.Schedule) func(Result[T]) {
	var once sync.Once
	return func(r Result[T]) {
		once.Do(func() {
			m.onAttemptComplete(gen, schedule, r)
		})
	}
}

func (m *MonoTask[T]) onAttemptComplete(gen uint64, schedule retryschedule.Schedule, r Result[T]) {
	m.mu.Lock()
	if gen != m.generation {
		// Superseded by a forced refresh; the waiters this attempt
		// would have drained are already registered against the newer
		// generation and will hear from it instead.
		m.mu.Unlock()
		return
	}

	if r.Ok() {
		m.hasCached = true
		m.cachedValue = r.Value
		m.cachedUntil = m.now().Add(m.ttl)
		waiters := m.waiters
		m.waiters = nil
		m.inFlight = false
		m.mu.Unlock()
		m.deliver(waiters, r)
		return
	}

	interval, ok := schedule.Interval()
	if !ok {
		m.logger.Debug().Err(r.Err).Msg("mono task retry budget exhausted, delivering failure")
		waiters := m.waiters
		m.waiters = nil
		m.inFlight = false
		m.mu.Unlock()
		m.deliver(waiters, r)
		return
	}
	m.mu.Unlock()

	m.logger.Debug().Err(r.Err).Dur("interval", interval).Msg("mono task attempt failed, retrying")
	next := schedule.Next()
	time.AfterFunc(interval, func() {
		m.mu.Lock()
		if gen != m.generation {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.runAttempt(gen, next)
	})
}

// deliver drains waiters with r, each dispatched on the callback
// runner (or the task runner's context if unset, per the source
// contract's "deliver on the runner that produced the completion").
func (m *MonoTask[T]) deliver(waiters []func(Result[T]), r Result[T]) {
	runner := m.callbackRunner
	if runner == nil {
		runner = m.taskRunner
	}
	for _, w := range waiters {
		w := w
		dispatch(runner, func() { w(r) })
	}
}

// dispatchCachedHit delivers a cache hit asynchronously: there is no
// body-producing runner to fall back to here, so an unset
// callbackRunner still gets a goroutine rather than an inline call,
// preserving the "never reentrant on the caller's stack" guarantee the
// source contract calls out for this path explicitly.
func (m *MonoTask[T]) dispatchCachedHit(val T, cb func(Result[T])) {
	result := Success(val)
	if m.callbackRunner != nil {
		m.callbackRunner(func() { cb(result) })
		return
	}
	go cb(result)
}

func dispatch(runner Runner, fn func()) {
	if runner != nil {
		runner(fn)
		return
	}
	fn()
}
