// Package heavytasks implements KVHeavyTasksManager[K,V,P] (spec
// §4.4): a keyed scheduler over long-running, interruptible data
// providers. It bounds concurrency by running/queueing capacities,
// arbitrates contention with a FIFO or LIFO priority strategy,
// integrates a result cache and a resume-data cache, and fans out
// progress events while preserving the invariant that no progress
// event follows the final result for a key.
//
// The record bookkeeping (map + ordered list + per-record mutex-free
// state guarded by one manager-wide lock, snapshot-then-unlock before
// invoking callbacks) follows the shape of internal/mgmt's TaskEngine
// (sync.Map + taskList + listMu in task_engine.go), generalized from a
// single FIFO worker queue into a keyed admission scheduler with two
// priority strategies and provider preemption.
package heavytasks

import "fmt"

// StopAction is returned by Provider.Stop to tell the manager whether
// the provider instance should be retained for a later resume (Reuse)
// or discarded, with its resume data persisted first if non-empty
// (Dealloc).
type StopAction int

const (
	// Reuse retains the provider instance across a pause; a later
	// restart resumes from the instance's own internal state.
	Reuse StopAction = iota
	// Dealloc drops the provider instance; its ResumeData (if
	// non-empty) is persisted to the resume cache first.
	Dealloc
)

func (a StopAction) String() string {
	switch a {
	case Reuse:
		return "reuse"
	case Dealloc:
		return "dealloc"
	default:
		return fmt.Sprintf("StopAction(%d)", int(a))
	}
}

// EventSink is injected into a Provider at construction; the provider
// calls it zero or more times to report progress before its single
// ResultSink call.
type EventSink[P any] func(progress P)

// ResultSink is injected into a Provider at construction. The
// provider must call it exactly once; a second or later call is
// silently discarded by the manager's at-most-once guard.
type ResultSink[V any] func(outcome Outcome[V])

// Provider is the capability set a long-running data source must
// implement (spec §4.4.2). Construct is called at most once per
// instance (fresh construction or a resumed reuse skips it); Start is
// non-blocking — work happens asynchronously, reporting through the
// sinks passed to Construct. Stop synchronously transitions a running
// provider to paused (or is a no-op if not running) and is idempotent.
type Provider[K comparable, V any, P any] interface {
	Construct(key K, events EventSink[P], result ResultSink[V], resumeData []byte)
	Start()
	Stop() StopAction
	// ResumeData returns opaque state sufficient to resume later work.
	// Consulted only after Stop returns Dealloc; an empty/nil slice
	// means there is nothing worth persisting.
	ResumeData() []byte
}

// ProviderFactory constructs a fresh Provider instance. The manager
// calls it once per (key, running-admission-without-a-retained-
// instance) — never while an instance is retained under Reuse.
type ProviderFactory[K comparable, V any, P any] func() Provider[K, V, P]

// Outcome is the three-valued result a fetch's result callback
// receives: a value, an explicit null (distinct from failure), or an
// error. Exactly one of the three applies.
type Outcome[V any] struct {
	Value V
	Null  bool
	Err   error
}

// OutcomeValue builds a successful, non-null Outcome.
func OutcomeValue[V any](v V) Outcome[V] { return Outcome[V]{Value: v} }

// OutcomeNull builds a successful Outcome carrying no value.
func OutcomeNull[V any]() Outcome[V] { return Outcome[V]{Null: true} }

// OutcomeFailure builds a failed Outcome.
func OutcomeFailure[V any](err error) Outcome[V] { return Outcome[V]{Err: err} }

// IsSuccess reports whether the outcome carries a value or null
// rather than an error.
func (o Outcome[V]) IsSuccess() bool { return o.Err == nil }

// EventObserver receives progress payloads for a single fetch
// registration. Never called after the matching ResultCallback.
type EventObserver[P any] func(progress P)

// ResultCallback receives the terminal Outcome for a single fetch
// registration. Called exactly once.
type ResultCallback[V any] func(outcome Outcome[V])

// PriorityStrategy selects how contention for a bounded running set
// is resolved (spec §4.4.4).
type PriorityStrategy int

const (
	// FIFO admits oldest-waiting-first; overflow evicts from the back.
	FIFO PriorityStrategy = iota
	// LIFOAwait admits newest-first; a newly arrived key waits behind
	// whatever is already running.
	LIFOAwait
	// LIFOStop admits newest-first and preempts: arrival of a new key
	// interrupts the earliest-admitted running record to free a slot.
	LIFOStop
)

func (p PriorityStrategy) String() string {
	switch p {
	case FIFO:
		return "fifo"
	case LIFOAwait:
		return "lifo(await)"
	case LIFOStop:
		return "lifo(stop)"
	default:
		return fmt.Sprintf("PriorityStrategy(%d)", int(p))
	}
}
