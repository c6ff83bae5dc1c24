package heavytasks_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/heavytasks/cache"
	taskerrors "github.com/p-blackswan/heavytasks/internal/errors"
	"github.com/p-blackswan/heavytasks/internal/heavytasks"
)

// controlledProvider is a Provider[string,string,string] whose
// lifecycle the test drives explicitly: Start only signals that it
// was called, and the test decides when to Emit progress or Complete
// with a result, standing in for the provider's own background work.
type controlledProvider struct {
	reg        *registry
	stopAction heavytasks.StopAction
	resumeOut  []byte

	mu      sync.Mutex
	key     string
	events  heavytasks.EventSink[string]
	result  heavytasks.ResultSink[string]
	resumeIn []byte

	startedCh chan struct{}
}

func newControlledProvider(reg *registry, stopAction heavytasks.StopAction) *controlledProvider {
	return &controlledProvider{reg: reg, stopAction: stopAction, startedCh: make(chan struct{}, 16)}
}

func (p *controlledProvider) Construct(key string, events heavytasks.EventSink[string], result heavytasks.ResultSink[string], resumeData []byte) {
	p.mu.Lock()
	p.key, p.events, p.result, p.resumeIn = key, events, result, resumeData
	p.mu.Unlock()
	p.reg.register(key, p)
}

func (p *controlledProvider) Start()                      { p.startedCh <- struct{}{} }
func (p *controlledProvider) Stop() heavytasks.StopAction { return p.stopAction }
func (p *controlledProvider) ResumeData() []byte          { return p.resumeOut }

func (p *controlledProvider) Emit(progress string) {
	p.mu.Lock()
	ev := p.events
	p.mu.Unlock()
	ev(progress)
}

func (p *controlledProvider) Complete(outcome heavytasks.Outcome[string]) {
	p.mu.Lock()
	r := p.result
	p.mu.Unlock()
	r(outcome)
}

func (p *controlledProvider) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-p.startedCh:
	case <-time.After(time.Second):
		t.Fatal("provider was never started")
	}
}

// registry lets a test recover the controlledProvider instance the
// manager constructed for a given key.
type registry struct {
	mu  sync.Mutex
	byKey map[string]*controlledProvider
}

func newRegistry() *registry { return &registry{byKey: make(map[string]*controlledProvider)} }

func (r *registry) register(key string, p *controlledProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[key] = p
}

func (r *registry) get(t *testing.T, key string) *controlledProvider {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		p, ok := r.byKey[key]
		r.mu.Unlock()
		if ok {
			return p
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("provider for key %q was never constructed", key)
	return nil
}

func newTestConfig(reg *registry, stopAction heavytasks.StopAction) heavytasks.Config[string, string, string] {
	return heavytasks.Config[string, string, string]{
		MaxRunning:  1,
		MaxQueueing: 2,
		Priority:    heavytasks.FIFO,
		ResultCache: cache.New[string, string](64),
		ResumeCache: cache.New[string, []byte](64),
		Factory: func() heavytasks.Provider[string, string, string] {
			return newControlledProvider(reg, stopAction)
		},
		Logger: zerolog.Nop(),
	}
}

func TestCacheHitAfterMiss(t *testing.T) {
	reg := newRegistry()
	mgr := heavytasks.New(newTestConfig(reg, heavytasks.Dealloc))

	var events int32
	firstResult := make(chan heavytasks.Outcome[string], 1)
	mgr.Fetch("abc", func(string) { events++ }, func(o heavytasks.Outcome[string]) { firstResult <- o })

	p := reg.get(t, "abc")
	p.waitStarted(t)
	p.Emit("progress")
	p.Complete(heavytasks.OutcomeValue("abc"))

	r := <-firstResult
	require.True(t, r.IsSuccess())
	assert.Equal(t, "abc", r.Value)

	var secondEvents int32
	secondResult := make(chan heavytasks.Outcome[string], 1)
	mgr.Fetch("abc", func(string) { secondEvents++ }, func(o heavytasks.Outcome[string]) { secondResult <- o })

	select {
	case r := <-secondResult:
		require.True(t, r.IsSuccess())
		assert.Equal(t, "abc", r.Value)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("cached fetch did not deliver within 100ms")
	}
	assert.Equal(t, int32(0), secondEvents, "cache hit must not produce provider progress events")
}

func TestInvalidKeyShortCircuitsToSuccessNull(t *testing.T) {
	reg := newRegistry()
	cfg := newTestConfig(reg, heavytasks.Dealloc)
	resultCache := cache.New[string, string](64, cache.WithKeyValidator[string, string](func(k string) bool { return k != "bad" }))
	cfg.ResultCache = resultCache
	mgr := heavytasks.New(cfg)

	resultCh := make(chan heavytasks.Outcome[string], 1)
	mgr.Fetch("bad", nil, func(o heavytasks.Outcome[string]) { resultCh <- o })

	select {
	case r := <-resultCh:
		require.True(t, r.IsSuccess())
		assert.True(t, r.Null)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("invalid key never short-circuited")
	}
}

func TestWaitingQueueEvictsOnOverflow(t *testing.T) {
	reg := newRegistry()
	cfg := newTestConfig(reg, heavytasks.Dealloc)
	cfg.MaxRunning = 1
	cfg.MaxQueueing = 2
	mgr := heavytasks.New(cfg)

	// t1 occupies the single running slot and never completes, so t2..t5
	// all contend for the two waiting slots.
	results := make(map[string]chan heavytasks.Outcome[string])
	for _, k := range []string{"t1", "t2", "t3", "t4", "t5"} {
		k := k
		ch := make(chan heavytasks.Outcome[string], 1)
		results[k] = ch
		mgr.Fetch(k, nil, func(o heavytasks.Outcome[string]) { ch <- o })
		if k == "t1" {
			reg.get(t, "t1").waitStarted(t)
		}
	}

	evicted := 0
	for _, k := range []string{"t2", "t3", "t4", "t5"} {
		select {
		case r := <-results[k]:
			require.Falsef(t, r.IsSuccess(), "expected %s to be evicted", k)
			assert.ErrorIs(t, r.Err, taskerrors.ErrEvictedByPriorityStrategy)
			evicted++
		case <-time.After(50 * time.Millisecond):
			// still queued, not evicted — fine as long as queue capacity holds
		}
	}
	assert.Equal(t, 2, evicted, "queue capacity 2 means exactly 2 of the 4 contenders are evicted")
	assert.Equal(t, 2, mgr.WaitingCount())
	assert.Equal(t, 1, mgr.RunningCount())
}

func TestNoEventDeliveredAfterResult(t *testing.T) {
	reg := newRegistry()
	mgr := heavytasks.New(newTestConfig(reg, heavytasks.Dealloc))

	var eventCount int32
	resultCh := make(chan heavytasks.Outcome[string], 1)
	mgr.Fetch("lifecycle", func(string) { eventCount++ }, func(o heavytasks.Outcome[string]) { resultCh <- o })

	p := reg.get(t, "lifecycle")
	p.waitStarted(t)
	p.Emit("e1")
	p.Emit("e2")
	p.Complete(heavytasks.OutcomeValue("lifecycle"))
	<-resultCh

	require.Equal(t, int32(2), eventCount)
	p.Emit("late") // must be silently dropped — no subscriber left to reach
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(2), eventCount, "no event may be delivered after the result")
}

func TestProviderFailureSurfacedVerbatimAndNotCached(t *testing.T) {
	reg := newRegistry()
	resultCache := cache.New[string, string](64)
	cfg := newTestConfig(reg, heavytasks.Dealloc)
	cfg.ResultCache = resultCache
	mgr := heavytasks.New(cfg)

	wantErr := taskerrors.NewProviderError("flaky", "upstream exploded", errors.New("boom"))
	resultCh := make(chan heavytasks.Outcome[string], 1)
	mgr.Fetch("flaky", nil, func(o heavytasks.Outcome[string]) { resultCh <- o })

	p := reg.get(t, "flaky")
	p.waitStarted(t)
	p.Complete(heavytasks.OutcomeFailure[string](wantErr))

	r := <-resultCh
	require.False(t, r.IsSuccess())
	assert.Same(t, wantErr, r.Err)

	_, kind := resultCache.Get("flaky")
	assert.Equal(t, cache.Miss, kind, "a failed fetch must never populate the result cache")
}

func TestDuplicateCompletionFromProviderDiscarded(t *testing.T) {
	reg := newRegistry()
	mgr := heavytasks.New(newTestConfig(reg, heavytasks.Dealloc))

	var delivered int32
	resultCh := make(chan struct{}, 4)
	mgr.Fetch("dup", nil, func(o heavytasks.Outcome[string]) {
		delivered++
		resultCh <- struct{}{}
	})

	p := reg.get(t, "dup")
	p.waitStarted(t)
	p.Complete(heavytasks.OutcomeValue("dup"))
	p.Complete(heavytasks.OutcomeValue("dup-again")) // second call from a misbehaving provider

	<-resultCh
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), delivered)
}

func TestLIFOStopPreemptsAndResumesWithRetainedProvider(t *testing.T) {
	reg := newRegistry()
	cfg := newTestConfig(reg, heavytasks.Reuse)
	cfg.Priority = heavytasks.LIFOStop
	cfg.MaxRunning = 1
	cfg.MaxQueueing = 8
	mgr := heavytasks.New(cfg)

	longResult := make(chan heavytasks.Outcome[string], 1)
	mgr.Fetch("longkey", nil, func(o heavytasks.Outcome[string]) { longResult <- o })
	long := reg.get(t, "longkey")
	long.waitStarted(t)

	shortResult := make(chan heavytasks.Outcome[string], 1)
	mgr.Fetch("short", nil, func(o heavytasks.Outcome[string]) { shortResult <- o })

	short := reg.get(t, "short")
	short.waitStarted(t) // only reachable once Stop() on "longkey" has returned
	short.Complete(heavytasks.OutcomeValue("short"))

	r := <-shortResult
	require.True(t, r.IsSuccess())
	assert.Equal(t, "short", r.Value)

	// longkey's record is promoted back to running and its retained
	// provider instance is restarted (no second Construct/registry entry).
	long.waitStarted(t)
	long.Complete(heavytasks.OutcomeValue("longkey"))

	r = <-longResult
	require.True(t, r.IsSuccess())
	assert.Equal(t, "longkey", r.Value)
}

func TestLIFOStopDeallocPersistsResumeData(t *testing.T) {
	reg := newRegistry()
	resumeCache := cache.New[string, []byte](64)
	cfg := newTestConfig(reg, heavytasks.Dealloc)
	cfg.Priority = heavytasks.LIFOStop
	cfg.ResumeCache = resumeCache
	mgr := heavytasks.New(cfg)

	mgr.Fetch("longkey", nil, func(heavytasks.Outcome[string]) {})
	long := reg.get(t, "longkey")
	long.waitStarted(t)
	long.resumeOut = []byte("page-42")

	mgr.Fetch("short", nil, func(heavytasks.Outcome[string]) {})
	reg.get(t, "short").waitStarted(t)

	require.Eventually(t, func() bool {
		_, kind := resumeCache.Get("longkey")
		return kind == cache.HitValue
	}, time.Second, time.Millisecond, "resume data for the dealloc'd provider must be persisted")

	data, _ := resumeCache.Get("longkey")
	assert.Equal(t, []byte("page-42"), data)
}
