package heavytasks

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/heavytasks/cache"
)

// CacheStatSink receives a snapshot of cache metrics after each cache
// operation the manager performs, tagged with which cache ("result" or
// "resume") it describes (spec §4.4.1 cacheStatisticsReport).
type CacheStatSink func(cacheName string, stats cache.MetricsSnapshot)

// Config holds KVHeavyTasksManager's enumerated configuration options
// (spec §4.4.1). The two caches are supplied pre-built, satisfying
// cache.MemoryCache — the manager only ever calls the contract, never
// reaches into their eviction policy (spec §2: "the memory cache...
// its internal eviction is not specified here").
type Config[K comparable, V any, P any] struct {
	// MaxRunning bounds concurrent providers in the running phase.
	MaxRunning int
	// MaxQueueing bounds keys held in the waiting queue.
	MaxQueueing int
	// Priority selects FIFO, LIFO(await), or LIFO(stop).
	Priority PriorityStrategy

	// ResultCache stores V by key, consulted first on every fetch.
	ResultCache cache.MemoryCache[K, V]
	// ResumeCache stores opaque resume data, populated only when a
	// paused provider is dropped (Dealloc) with non-empty ResumeData.
	ResumeCache cache.MemoryCache[K, []byte]
	// ResultTTL and ResumeTTL are passed through to Set/SetNull on the
	// respective cache; 0 defers to that cache's own default TTL.
	ResultTTL time.Duration
	ResumeTTL time.Duration

	// Factory builds a fresh Provider instance. Required.
	Factory ProviderFactory[K, V, P]

	// CacheStats, if non-nil, receives a snapshot after each result-
	// or resume-cache mutation.
	CacheStats CacheStatSink

	// Logger receives structured diagnostics for admission, eviction,
	// preemption, and completion events. Defaults to a no-op logger.
	Logger zerolog.Logger
}
