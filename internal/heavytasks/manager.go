package heavytasks

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/heavytasks/cache"
	taskerrors "github.com/p-blackswan/heavytasks/internal/errors"
	"github.com/p-blackswan/heavytasks/internal/keyqueue"
)

// Manager is KVHeavyTasksManager[K,V,P]: the scheduler coordinating a
// result cache, a resume-data cache, per-key records, a bounded
// running set, and a bounded waiting queue over a pool of resumable
// Provider instances.
//
// All of records, running, waiting, and retained are modified only
// while mu is held (spec §5's single critical section); callbacks and
// Provider calls are always made after releasing it.
type Manager[K comparable, V any, P any] struct {
	mu sync.Mutex

	cfg     Config[K, V, P]
	records map[K]*record[K, V, P]
	running map[K]*record[K, V, P]
	waiting *keyqueue.KeyQueue[K]
	// retained holds provider instances kept across a Reuse pause,
	// ready to Start again without reconstruction.
	retained map[K]Provider[K, V, P]
	seq      uint64

	logger zerolog.Logger
}

// New constructs a Manager from cfg. cfg.Factory must be non-nil;
// everything else has a usable zero value except MaxRunning/
// MaxQueueing, which are clamped by internal/keyqueue to "admits
// nothing" rather than panicking on a non-positive value.
func New[K comparable, V any, P any](cfg Config[K, V, P]) *Manager[K, V, P] {
	return &Manager[K, V, P]{
		cfg:      cfg,
		records:  make(map[K]*record[K, V, P]),
		running:  make(map[K]*record[K, V, P]),
		waiting:  keyqueue.New[K](cfg.MaxQueueing),
		retained: make(map[K]Provider[K, V, P]),
		logger:   cfg.Logger.With().Str("component", "heavytasks").Logger(),
	}
}

// Fetch implements the fetch protocol (spec §4.4.3). It never
// suspends: every branch either delivers asynchronously from a cache
// hit or registers the caller against a record and returns, leaving
// provider construction/start/stop to run on other goroutines.
func (m *Manager[K, V, P]) Fetch(key K, event EventObserver[P], result ResultCallback[V]) {
	if result == nil {
		return
	}

	if val, kind, ok := m.consultResultCache(key); ok {
		switch kind {
		case cache.HitValue:
			go result(OutcomeValue(val))
		default: // HitNull, InvalidKey — both surface as Success(null)
			go result(OutcomeNull[V]())
		}
		return
	}

	var effects []func()

	m.mu.Lock()
	if rec, exists := m.records[key]; exists {
		if event != nil {
			rec.events = append(rec.events, event)
		}
		rec.results = append(rec.results, result)
		m.mu.Unlock()
		return
	}

	rec := &record[K, V, P]{key: key, phase: phaseWaiting, results: []ResultCallback[V]{result}}
	if event != nil {
		rec.events = append(rec.events, event)
	}
	m.records[key] = rec

	if len(m.running) < m.cfg.MaxRunning {
		m.admitRunningLocked(rec)
		effects = append(effects, m.prepareRunLocked(rec))
		m.logger.Debug().Interface("key", key).Msg("admitted directly to running")
	} else {
		effects = m.admitOrQueueLocked(rec)
	}
	m.mu.Unlock()

	for _, e := range effects {
		go e()
	}
}

// consultResultCache performs the spec's step 1: a hit-value or
// hit-null short-circuits with the cached value; an invalid key
// short-circuits to a null result without ever touching a provider.
func (m *Manager[K, V, P]) consultResultCache(key K) (V, cache.HitKind, bool) {
	val, kind := m.cfg.ResultCache.Get(key)
	m.reportCacheStats("result")
	switch kind {
	case cache.HitValue, cache.HitNull, cache.InvalidKey:
		return val, kind, true
	default:
		return val, kind, false
	}
}

// admitRunningLocked marks rec as running and reserves its slot.
// Caller holds m.mu.
func (m *Manager[K, V, P]) admitRunningLocked(rec *record[K, V, P]) {
	rec.phase = phaseRunning
	rec.admitSeq = m.nextSeqLocked()
	m.running[rec.key] = rec
}

// admitOrQueueLocked handles admission when no running slot is free
// (spec §4.4.4). LIFO(stop) preempts the earliest-admitted running
// record instead of waiting; every other case enqueues rec into the
// waiting queue, evicting the back entry on overflow. Caller holds
// m.mu.
func (m *Manager[K, V, P]) admitOrQueueLocked(rec *record[K, V, P]) []func() {
	if m.cfg.Priority == LIFOStop {
		if victim, ok := m.selectPreemptionVictimLocked(); ok {
			delete(m.running, victim.key)
			victim.phase = phasePaused
			m.admitRunningLocked(rec)
			m.logger.Debug().
				Interface("preempted", victim.key).
				Interface("admitted", rec.key).
				Msg("lifo(stop) preemption")
			return []func(){m.makePreemptionEffect(victim, rec)}
		}
		// No running record exists to preempt (e.g. MaxRunning == 0):
		// fall through to ordinary waiting-queue admission.
	}

	rec.phase = phaseWaiting
	return m.enqueueWaitingLocked(rec)
}

// selectPreemptionVictimLocked returns the running record with the
// smallest admitSeq — the one admitted earliest. admitSeq values are
// unique and monotonically assigned, so this also resolves ties by
// insertion order without any separate tie-break step.
func (m *Manager[K, V, P]) selectPreemptionVictimLocked() (*record[K, V, P], bool) {
	var victim *record[K, V, P]
	for _, rec := range m.running {
		if victim == nil || rec.admitSeq < victim.admitSeq {
			victim = rec
		}
	}
	return victim, victim != nil
}

// makePreemptionEffect builds the out-of-lock sequence for LIFO(stop):
// stop the victim, fold its StopAction back into manager state, move
// it to the waiting front, then — only once stop() has returned
// (ordering guarantee #4) — construct/start the admitted record.
func (m *Manager[K, V, P]) makePreemptionEffect(victim, admitted *record[K, V, P]) func() {
	return func() {
		action := victim.provider.Stop()

		m.mu.Lock()
		if action == Dealloc {
			data := victim.provider.ResumeData()
			victim.provider = nil
			if len(data) > 0 {
				m.cfg.ResumeCache.Set(victim.key, data, m.cfg.ResumeTTL)
			}
		} else {
			m.retained[victim.key] = victim.provider
			victim.provider = nil
		}
		victim.phase = phaseWaiting
		evictionEffects := m.enqueueWaitingLocked(victim)
		startEffect := m.prepareRunLocked(admitted)
		m.mu.Unlock()

		m.reportCacheStats("resume")
		for _, e := range evictionEffects {
			go e()
		}
		startEffect()
	}
}

// enqueueWaitingLocked pushes rec to the waiting front, evicting the
// back entry on overflow and draining its callbacks with
// evictedByPriorityStrategy. A zero-capacity waiting queue evicts rec
// itself (spec §4.2): the record never ran and is destroyed
// immediately. Caller holds m.mu.
func (m *Manager[K, V, P]) enqueueWaitingLocked(rec *record[K, V, P]) []func() {
	evictedKey, didEvict := m.waiting.EnqueueFront(rec.key, keyqueue.FIFO)
	if !didEvict {
		return nil
	}
	evicted, ok := m.records[evictedKey]
	if !ok {
		return nil
	}
	delete(m.records, evictedKey)
	results := evicted.results
	m.logger.Debug().Interface("key", evictedKey).Msg("evicted from waiting queue")
	return []func(){func() {
		for _, cb := range results {
			cb(OutcomeFailure[V](taskerrors.ErrEvictedByPriorityStrategy))
		}
	}}
}

// prepareRunLocked decides how rec's provider comes to life — reusing
// a retained instance, or consulting the resume cache and
// constructing fresh — and returns the out-of-lock closure that
// actually makes the (non-blocking) Construct/Start calls. Caller
// holds m.mu.
func (m *Manager[K, V, P]) prepareRunLocked(rec *record[K, V, P]) func() {
	key := rec.key

	if provider, ok := m.retained[key]; ok {
		delete(m.retained, key)
		rec.provider = provider
		return func() { provider.Start() }
	}

	resumeData, _ := m.cfg.ResumeCache.Get(key)
	provider := m.cfg.Factory()
	rec.provider = provider
	return func() {
		m.reportCacheStats("resume")
		provider.Construct(key, m.makeEventSink(key), m.makeResultSink(key), resumeData)
		provider.Start()
	}
}

// makeEventSink builds the progress publisher passed to a Provider at
// construction. Events for a finished or unknown key are dropped —
// the "no event after result" invariant (spec §5).
func (m *Manager[K, V, P]) makeEventSink(key K) EventSink[P] {
	return func(progress P) {
		m.mu.Lock()
		rec, ok := m.records[key]
		if !ok || rec.phase == phaseFinishing {
			m.mu.Unlock()
			return
		}
		observers := append([]EventObserver[P](nil), rec.events...)
		m.mu.Unlock()

		for _, obs := range observers {
			obs(progress)
		}
	}
}

// makeResultSink builds the at-most-once result publisher passed to a
// Provider at construction (the "_safe_publish" guard — spec §7.4/§9).
func (m *Manager[K, V, P]) makeResultSink(key K) ResultSink[V] {
	var once sync.Once
	return func(outcome Outcome[V]) {
		once.Do(func() { m.onResult(key, outcome) })
	}
}

// onResult implements completion and teardown (spec §4.4.6): mark
// finishing, populate the result cache on success, drain every
// registered result callback exactly once in registration order, free
// the running slot, and promote the next waiting record.
func (m *Manager[K, V, P]) onResult(key K, outcome Outcome[V]) {
	m.mu.Lock()
	rec, ok := m.records[key]
	if !ok {
		m.mu.Unlock()
		return
	}

	rec.phase = phaseFinishing
	delete(m.running, key)
	delete(m.records, key)
	rec.provider = nil
	results := rec.results

	if outcome.Err == nil {
		if outcome.Null {
			m.cfg.ResultCache.SetNull(key, m.cfg.ResultTTL)
		} else {
			m.cfg.ResultCache.Set(key, outcome.Value, m.cfg.ResultTTL)
		}
	}

	promotionEffects := m.promoteNextLocked()
	m.mu.Unlock()

	m.reportCacheStats("result")
	if outcome.Err != nil {
		m.logger.Debug().Interface("key", key).Err(outcome.Err).Msg("provider failure")
	} else {
		m.logger.Debug().Interface("key", key).Msg("provider completed")
	}

	go func() {
		for _, cb := range results {
			cb(outcome)
		}
	}()
	for _, e := range promotionEffects {
		go e()
	}
}

// promoteNextLocked pops the next waiting record per priority policy
// — from the back for FIFO (oldest first), from the front for either
// LIFO mode (newest first) — and admits it to the freed running slot.
// Caller holds m.mu.
func (m *Manager[K, V, P]) promoteNextLocked() []func() {
	if len(m.running) >= m.cfg.MaxRunning {
		return nil
	}

	var nextKey K
	var ok bool
	if m.cfg.Priority == FIFO {
		nextKey, ok = m.waiting.DequeueBack()
	} else {
		nextKey, ok = m.waiting.DequeueFront()
	}
	if !ok {
		return nil
	}

	rec, exists := m.records[nextKey]
	if !exists {
		return nil
	}
	m.admitRunningLocked(rec)
	return []func(){m.prepareRunLocked(rec)}
}

// reportCacheStats forwards a metrics snapshot to the configured
// sink, if any. cache.MemoryCache deliberately exposes no Metrics
// method (spec §2: eviction/metrics are not part of the contract), so
// this only fires for the concrete *cache.Cache implementation.
func (m *Manager[K, V, P]) reportCacheStats(name string) {
	if m.cfg.CacheStats == nil {
		return
	}
	var instrumented interface{ Metrics() cache.MetricsSnapshot }
	var ok bool
	switch name {
	case "result":
		instrumented, ok = m.cfg.ResultCache.(interface{ Metrics() cache.MetricsSnapshot })
	case "resume":
		instrumented, ok = m.cfg.ResumeCache.(interface{ Metrics() cache.MetricsSnapshot })
	}
	if !ok {
		return
	}
	m.cfg.CacheStats(name, instrumented.Metrics())
}

func (m *Manager[K, V, P]) nextSeqLocked() uint64 {
	m.seq++
	return m.seq
}

// RunningCount reports the number of currently running records.
func (m *Manager[K, V, P]) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// WaitingCount reports the number of records currently queued.
func (m *Manager[K, V, P]) WaitingCount() int {
	return m.waiting.Count()
}
