package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/meidoworks/nekoq-notifyrelay/db/simple/aferofs"
	"github.com/meidoworks/nekoq-notifyrelay/notify/cfgstore"
	"github.com/meidoworks/nekoq-notifyrelay/notify/notifyapi"
	"github.com/meidoworks/nekoq-notifyrelay/notify/srcimpl"
	"github.com/meidoworks/nekoq-notifyrelay/notify/worker"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type collector struct {
	lock sync.Mutex
	got  []notifyapi.WatchedType
	fail atomic.Bool
}

func (c *collector) Send(t notifyapi.WatchedType) error {
	if c.fail.Load() {
		return errors.New("listener gone")
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.got = append(c.got, t)
	return nil
}

func (c *collector) items() []notifyapi.WatchedType {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]notifyapi.WatchedType(nil), c.got...)
}

// capturingSource keeps every handler so tests can fire through a handler after its query is gone
type capturingSource struct {
	*srcimpl.MemorySource

	lock     sync.Mutex
	handlers map[notifyapi.WatchedType]notifyapi.ObserverHandler
}

func (c *capturingSource) Execute(t notifyapi.WatchedType, h notifyapi.ObserverHandler) (notifyapi.QueryID, error) {
	c.lock.Lock()
	c.handlers[t] = h
	c.lock.Unlock()
	return c.MemorySource.Execute(t, h)
}

func (c *capturingSource) handler(t notifyapi.WatchedType) notifyapi.ObserverHandler {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.handlers[t]
}

type fixture struct {
	relay *Relay
	src   *srcimpl.MemorySource
	store *cfgstore.Store
}

func newStore(t *testing.T) *cfgstore.Store {
	fs, err := aferofs.NewAferoStore(aferofs.AferoStoreOptions{FS: afero.NewMemMapFs(), BaseDir: "/relay"})
	require.NoError(t, err)
	return cfgstore.NewStore(fs, cfgstore.Options{})
}

func newFixture(t *testing.T, source notifyapi.Source, src *srcimpl.MemorySource, opt RelayOptions) *fixture {
	store := newStore(t)
	if source == nil {
		source = src
	}
	r, err := NewRelay(store, source, opt)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close(context.Background())
		_ = src.Close()
	})
	return &fixture{relay: r, src: src, store: store}
}

func newDefaultFixture(t *testing.T) *fixture {
	return newFixture(t, nil, srcimpl.NewMemorySource(srcimpl.MemorySourceOptions{}), RelayOptions{})
}

func (f *fixture) configureAndStart(t *testing.T, types ...notifyapi.WatchedType) {
	require.NoError(t, f.relay.Configure(notifyapi.NewWatchedTypes(types...), nil))
	require.Equal(t, notifyapi.StartOutcomeStarting, f.relay.Start(context.Background()))
	f.waitSubscribed(t, len(types))
}

func (f *fixture) waitSubscribed(t *testing.T, n int) {
	require.Eventually(t, func() bool {
		snap := f.relay.Snapshot()
		return snap.State == notifyapi.StateRunning && len(snap.Subscribed) == n
	}, waitFor, tick)
}

func (f *fixture) fireAndWaitPending(t *testing.T, typ notifyapi.WatchedType, pending int) {
	require.Equal(t, 1, f.src.Fire(typ))
	require.Eventually(t, func() bool {
		return f.relay.Snapshot().Pending == pending
	}, waitFor, tick)
}

func TestBufferedThenLive(t *testing.T) {
	f := newDefaultFixture(t)
	f.configureAndStart(t, "steps", "heartRate")

	f.fireAndWaitPending(t, "steps", 1)
	f.fireAndWaitPending(t, "heartRate", 2)

	sink := &collector{}
	_, err := f.relay.Attach(sink)
	require.NoError(t, err)
	require.Equal(t, []notifyapi.WatchedType{"steps", "heartRate"}, sink.items())
	require.Equal(t, 0, f.relay.Snapshot().Pending)

	require.Equal(t, 1, f.src.Fire("steps"))
	require.Eventually(t, func() bool {
		return len(sink.items()) == 3
	}, waitFor, tick)
	require.Equal(t, notifyapi.WatchedType("steps"), sink.items()[2])

	require.NoError(t, f.relay.Detach())
	f.fireAndWaitPending(t, "heartRate", 1)
	require.Len(t, sink.items(), 3)
}

func TestReplacedListenerDetachFunc(t *testing.T) {
	f := newDefaultFixture(t)
	f.configureAndStart(t, "steps")

	first := &collector{}
	detachFirst, err := f.relay.Attach(first)
	require.NoError(t, err)
	second := &collector{}
	_, err = f.relay.Attach(second)
	require.NoError(t, err)

	// stale detach leaves the newer listener in place
	detachFirst()
	require.True(t, f.relay.Snapshot().Listener)

	f.src.Fire("steps")
	require.Eventually(t, func() bool {
		return len(second.items()) == 1
	}, waitFor, tick)
	require.Empty(t, first.items())
}

func TestStartWithoutTypes(t *testing.T) {
	f := newDefaultFixture(t)
	require.Equal(t, notifyapi.StartOutcomeNoTypesConfigured, f.relay.Start(context.Background()))
	require.Equal(t, notifyapi.StateStopped, f.relay.State())

	require.NoError(t, f.relay.Configure(notifyapi.NewWatchedTypes(), nil))
	require.Equal(t, notifyapi.StartOutcomeNoTypesConfigured, f.relay.Resume(context.Background()))
	require.Equal(t, 0, f.src.ActiveQueries())
	require.Equal(t, 0, f.src.AuthorizationCalls())
}

func TestStartTwiceIsStartOnce(t *testing.T) {
	f := newDefaultFixture(t)
	f.configureAndStart(t, "steps")

	require.Equal(t, notifyapi.StartOutcomeAlreadyRunning, f.relay.Start(context.Background()))
	require.Equal(t, 1, f.src.AuthorizationCalls())
	require.Equal(t, 1, f.src.ActiveQueries())
}

func TestStartWhilePendingAuthorization(t *testing.T) {
	f := newDefaultFixture(t)
	release := f.src.HoldAuthorization()
	defer release()

	require.NoError(t, f.relay.Configure(notifyapi.NewWatchedTypes("steps"), nil))
	require.Equal(t, notifyapi.StartOutcomeStarting, f.relay.Start(context.Background()))
	require.Equal(t, notifyapi.StateStarting, f.relay.State())
	require.Equal(t, notifyapi.StartOutcomeAlreadyRunning, f.relay.Start(context.Background()))
	require.Equal(t, 0, f.src.ActiveQueries())

	release()
	f.waitSubscribed(t, 1)
	require.Equal(t, 1, f.src.ActiveQueries())
}

func TestStopDuringAuthorization(t *testing.T) {
	f := newDefaultFixture(t)
	release := f.src.HoldAuthorization()
	defer release()

	require.NoError(t, f.relay.Configure(notifyapi.NewWatchedTypes("steps"), nil))
	require.Equal(t, notifyapi.StartOutcomeStarting, f.relay.Start(context.Background()))
	require.NoError(t, f.relay.Stop(context.Background()))
	release()

	// the late authorization is discarded
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, notifyapi.StateStopped, f.relay.State())
	require.Equal(t, 0, f.src.ActiveQueries())
}

func TestStopLeavesNothingBehind(t *testing.T) {
	registry := worker.NewRegistry()
	handle := registry.Register(worker.EntryPoint{Name: "noop"})
	src := srcimpl.NewMemorySource(srcimpl.MemorySourceOptions{})
	f := newFixture(t, nil, src, RelayOptions{
		Workers: worker.NewPoolFactory(registry, worker.PoolFactoryOptions{}),
	})

	require.NoError(t, f.relay.Configure(notifyapi.NewWatchedTypes("steps", "sleep"), &handle))
	require.Equal(t, notifyapi.StartOutcomeStarting, f.relay.Start(context.Background()))
	f.waitSubscribed(t, 2)
	require.NotEmpty(t, f.relay.Snapshot().WorkerId)

	require.NoError(t, f.relay.Stop(context.Background()))
	snap := f.relay.Snapshot()
	require.Equal(t, notifyapi.StateStopped, snap.State)
	require.Empty(t, snap.Subscribed)
	require.Empty(t, snap.WorkerId)
	require.Equal(t, 0, src.ActiveQueries())

	types, err := f.store.WatchedTypes()
	require.NoError(t, err)
	require.True(t, types.IsEmpty())
	h, err := f.store.EntryPointHandle()
	require.NoError(t, err)
	require.Nil(t, h)

	// stopping again is a no-op
	require.NoError(t, f.relay.Stop(context.Background()))
}

func TestStopWhileStoppedClearsConfiguration(t *testing.T) {
	f := newDefaultFixture(t)
	require.NoError(t, f.relay.Configure(notifyapi.NewWatchedTypes("steps"), nil))
	require.Equal(t, notifyapi.StateStopped, f.relay.State())

	require.NoError(t, f.relay.Stop(context.Background()))
	types, err := f.store.WatchedTypes()
	require.NoError(t, err)
	require.True(t, types.IsEmpty())
	require.Equal(t, notifyapi.StartOutcomeNoTypesConfigured, f.relay.Start(context.Background()))
}

func TestEveryFireIsAcked(t *testing.T) {
	f := newDefaultFixture(t)
	f.configureAndStart(t, "steps")

	for i := 1; i <= 3; i++ {
		f.fireAndWaitPending(t, "steps", i)
		require.Eventually(t, func() bool {
			return f.src.Acks("steps") == int64(i)
		}, waitFor, tick)
	}

	sink := &collector{}
	_, err := f.relay.Attach(sink)
	require.NoError(t, err)
	f.src.Fire("steps")
	require.Eventually(t, func() bool {
		return f.src.Acks("steps") == 4
	}, waitFor, tick)
	require.Len(t, sink.items(), 4)
}

func TestDeferredAckReleasedOnStop(t *testing.T) {
	src := srcimpl.NewMemorySource(srcimpl.MemorySourceOptions{})
	f := newFixture(t, nil, src, RelayOptions{AckGrace: time.Hour})
	require.Equal(t, MaxAckGrace, f.relay.opt.AckGrace)
	f.configureAndStart(t, "steps")

	f.fireAndWaitPending(t, "steps", 1)
	require.Equal(t, 1, f.relay.Snapshot().PendingAcks)
	require.Equal(t, int64(0), src.Acks("steps"))

	require.NoError(t, f.relay.Stop(context.Background()))
	require.Equal(t, int64(1), src.Acks("steps"))
	require.Equal(t, 0, f.relay.Snapshot().PendingAcks)
}

func TestDeferredAckAfterGrace(t *testing.T) {
	src := srcimpl.NewMemorySource(srcimpl.MemorySourceOptions{})
	f := newFixture(t, nil, src, RelayOptions{AckGrace: 30 * time.Millisecond})
	f.configureAndStart(t, "steps")

	f.fireAndWaitPending(t, "steps", 1)
	require.Eventually(t, func() bool {
		return src.Acks("steps") == 1
	}, waitFor, tick)
	require.Equal(t, 0, f.relay.Snapshot().PendingAcks)
}

func TestStaleFireAfterStop(t *testing.T) {
	mem := srcimpl.NewMemorySource(srcimpl.MemorySourceOptions{})
	src := &capturingSource{MemorySource: mem, handlers: make(map[notifyapi.WatchedType]notifyapi.ObserverHandler)}
	f := newFixture(t, src, mem, RelayOptions{})
	f.configureAndStart(t, "steps")

	sink := &collector{}
	_, err := f.relay.Attach(sink)
	require.NoError(t, err)
	require.NoError(t, f.relay.Stop(context.Background()))

	var acked atomic.Int64
	src.handler("steps")("steps", func() {
		acked.Add(1)
	})
	require.Eventually(t, func() bool {
		return acked.Load() == 1
	}, waitFor, tick)

	snap := f.relay.Snapshot()
	require.Equal(t, 0, snap.Pending)
	require.Empty(t, sink.items())
	require.Equal(t, notifyapi.StateStopped, snap.State)
}

func TestBootstrapFailureKeepsConfiguration(t *testing.T) {
	registry := worker.NewRegistry()
	handle := registry.Register(worker.EntryPoint{Name: "broken", Init: func(ctx context.Context, workerId string) error {
		return errors.New("cannot init")
	}})
	src := srcimpl.NewMemorySource(srcimpl.MemorySourceOptions{})
	f := newFixture(t, nil, src, RelayOptions{
		Workers: worker.NewPoolFactory(registry, worker.PoolFactoryOptions{}),
	})

	require.NoError(t, f.relay.Configure(notifyapi.NewWatchedTypes("steps"), &handle))
	require.Equal(t, notifyapi.StartOutcomeWorkerBootstrapFailed, f.relay.Start(context.Background()))
	require.Equal(t, notifyapi.StateStopped, f.relay.State())
	require.Equal(t, 0, src.AuthorizationCalls())

	types, err := f.store.WatchedTypes()
	require.NoError(t, err)
	require.Equal(t, []notifyapi.WatchedType{"steps"}, types.Slice())
	h, err := f.store.EntryPointHandle()
	require.NoError(t, err)
	require.Equal(t, handle, *h)
}

func TestHandleWithoutWorkerFactory(t *testing.T) {
	f := newDefaultFixture(t)
	h := notifyapi.EntryPointHandle(9)
	require.NoError(t, f.relay.Configure(notifyapi.NewWatchedTypes("steps"), &h))
	require.Equal(t, notifyapi.StartOutcomeWorkerBootstrapFailed, f.relay.Start(context.Background()))
	require.Equal(t, notifyapi.StateStopped, f.relay.State())
}

func TestStopDuringBootstrap(t *testing.T) {
	registry := worker.NewRegistry()
	entered := make(chan struct{})
	handle := registry.Register(worker.EntryPoint{Name: "slow", Init: func(ctx context.Context, workerId string) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}})
	src := srcimpl.NewMemorySource(srcimpl.MemorySourceOptions{})
	f := newFixture(t, nil, src, RelayOptions{
		Workers: worker.NewPoolFactory(registry, worker.PoolFactoryOptions{}),
	})
	require.NoError(t, f.relay.Configure(notifyapi.NewWatchedTypes("steps"), &handle))

	outcome := make(chan notifyapi.StartOutcome, 1)
	go func() {
		outcome <- f.relay.Start(context.Background())
	}()
	<-entered
	require.Equal(t, notifyapi.StateStarting, f.relay.State())
	require.NoError(t, f.relay.Stop(context.Background()))

	select {
	case o := <-outcome:
		require.Equal(t, notifyapi.StartOutcomeCancelled, o)
	case <-time.After(waitFor):
		t.Fatal("start did not return")
	}
	require.Equal(t, notifyapi.StateStopped, f.relay.State())
	require.Equal(t, 0, src.AuthorizationCalls())
}

func TestConfigureDuringFailedBootstrap(t *testing.T) {
	registry := worker.NewRegistry()
	entered := make(chan struct{})
	release := make(chan struct{})
	handle := registry.Register(worker.EntryPoint{Name: "late-failure", Init: func(ctx context.Context, workerId string) error {
		close(entered)
		<-release
		return errors.New("cannot init")
	}})
	src := srcimpl.NewMemorySource(srcimpl.MemorySourceOptions{})
	f := newFixture(t, nil, src, RelayOptions{
		Workers: worker.NewPoolFactory(registry, worker.PoolFactoryOptions{}),
	})
	require.NoError(t, f.relay.Configure(notifyapi.NewWatchedTypes("steps"), &handle))

	outcome := make(chan notifyapi.StartOutcome, 1)
	go func() {
		outcome <- f.relay.Start(context.Background())
	}()
	<-entered
	require.NoError(t, f.relay.Configure(notifyapi.NewWatchedTypes("steps", "heartRate"), &handle))
	close(release)

	select {
	case o := <-outcome:
		require.Equal(t, notifyapi.StartOutcomeWorkerBootstrapFailed, o)
	case <-time.After(waitFor):
		t.Fatal("start did not return")
	}
	snap := f.relay.Snapshot()
	require.Equal(t, notifyapi.StateStopped, snap.State)
	require.Empty(t, snap.Subscribed)
	require.Empty(t, snap.Types)

	// nothing was opened in the meantime either
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, src.AuthorizationCalls())
	require.Equal(t, 0, src.ActiveQueries())
	require.Equal(t, 0, src.Fire("steps"))

	types, err := f.store.WatchedTypes()
	require.NoError(t, err)
	require.Equal(t, []notifyapi.WatchedType{"heartRate", "steps"}, types.Slice())
}

func TestConfigureDuringAuthorizationExtendsStart(t *testing.T) {
	f := newDefaultFixture(t)
	release := f.src.HoldAuthorization()
	defer release()

	require.NoError(t, f.relay.Configure(notifyapi.NewWatchedTypes("steps"), nil))
	require.Equal(t, notifyapi.StartOutcomeStarting, f.relay.Start(context.Background()))
	require.NoError(t, f.relay.Configure(notifyapi.NewWatchedTypes("steps", "heartRate"), nil))
	require.Equal(t, 1, f.src.AuthorizationCalls())

	release()
	f.waitSubscribed(t, 2)
	require.Equal(t, []notifyapi.WatchedType{"heartRate", "steps"}, f.relay.Snapshot().Subscribed)
	require.Equal(t, 2, f.src.ActiveQueries())
}

func TestWorkerReceivesFires(t *testing.T) {
	registry := worker.NewRegistry()
	got := make(chan notifyapi.WatchedType, 4)
	handle := registry.Register(worker.EntryPoint{Name: "collect", OnChange: func(ctx context.Context, typ notifyapi.WatchedType) error {
		got <- typ
		return nil
	}})
	src := srcimpl.NewMemorySource(srcimpl.MemorySourceOptions{})
	f := newFixture(t, nil, src, RelayOptions{
		Workers: worker.NewPoolFactory(registry, worker.PoolFactoryOptions{}),
	})
	require.NoError(t, f.relay.Configure(notifyapi.NewWatchedTypes("steps"), &handle))
	require.Equal(t, notifyapi.StartOutcomeStarting, f.relay.Start(context.Background()))
	f.waitSubscribed(t, 1)

	src.Fire("steps")
	select {
	case typ := <-got:
		require.Equal(t, notifyapi.WatchedType("steps"), typ)
	case <-time.After(waitFor):
		t.Fatal("worker got nothing")
	}
	// the listener path is independent of the worker
	require.Eventually(t, func() bool {
		return f.relay.Snapshot().Pending == 1
	}, waitFor, tick)
}

func TestPartialAuthorization(t *testing.T) {
	src := srcimpl.NewMemorySource(srcimpl.MemorySourceOptions{Denied: []notifyapi.WatchedType{"sleep"}})
	f := newFixture(t, nil, src, RelayOptions{Frequency: notifyapi.FrequencyImmediate})
	require.NoError(t, f.relay.Configure(notifyapi.NewWatchedTypes("steps", "sleep"), nil))
	require.Equal(t, notifyapi.StartOutcomeStarting, f.relay.Start(context.Background()))
	f.waitSubscribed(t, 1)

	require.Equal(t, []notifyapi.WatchedType{"steps"}, f.relay.Snapshot().Subscribed)
	_, ok := src.BackgroundFrequency("steps")
	require.True(t, ok)
	_, ok = src.BackgroundFrequency("sleep")
	require.False(t, ok)
}

func TestFullDenialKeepsRunning(t *testing.T) {
	src := srcimpl.NewMemorySource(srcimpl.MemorySourceOptions{})
	src.FailAuthorization(notifyapi.ErrAuthorizationDenied)
	f := newFixture(t, nil, src, RelayOptions{})
	require.NoError(t, f.relay.Configure(notifyapi.NewWatchedTypes("steps"), nil))
	require.Equal(t, notifyapi.StartOutcomeStarting, f.relay.Start(context.Background()))
	f.waitSubscribed(t, 0)
	require.Equal(t, 0, src.ActiveQueries())
}

func TestPendingBufferDropsOldest(t *testing.T) {
	src := srcimpl.NewMemorySource(srcimpl.MemorySourceOptions{})
	f := newFixture(t, nil, src, RelayOptions{PendingLimit: 2})
	f.configureAndStart(t, "a", "b", "c")

	f.fireAndWaitPending(t, "a", 1)
	f.fireAndWaitPending(t, "b", 2)
	require.Equal(t, 1, src.Fire("c"))
	require.Eventually(t, func() bool {
		return src.Acks("c") == 1
	}, waitFor, tick)

	sink := &collector{}
	_, err := f.relay.Attach(sink)
	require.NoError(t, err)
	require.Equal(t, []notifyapi.WatchedType{"b", "c"}, sink.items())
}

func TestFailingListenerIsDetached(t *testing.T) {
	f := newDefaultFixture(t)
	f.configureAndStart(t, "steps")

	sink := &collector{}
	sink.fail.Store(true)
	_, err := f.relay.Attach(sink)
	require.NoError(t, err)

	f.fireAndWaitPending(t, "steps", 1)
	require.False(t, f.relay.Snapshot().Listener)

	sink.fail.Store(false)
	_, err = f.relay.Attach(sink)
	require.NoError(t, err)
	require.Equal(t, []notifyapi.WatchedType{"steps"}, sink.items())
}

// holdingSink accepts identifiers without ever delivering them
type holdingSink struct {
	lock sync.Mutex
	held []notifyapi.WatchedType
	fail atomic.Bool
}

func (h *holdingSink) Send(t notifyapi.WatchedType) error {
	if h.fail.Load() {
		return errors.New("stream broken")
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	h.held = append(h.held, t)
	return nil
}

func (h *holdingSink) Undelivered() []notifyapi.WatchedType {
	h.lock.Lock()
	defer h.lock.Unlock()
	held := h.held
	h.held = nil
	return held
}

func TestDetachRequeuesUndelivered(t *testing.T) {
	f := newDefaultFixture(t)
	f.configureAndStart(t, "steps", "heartRate")

	held := &holdingSink{}
	detach, err := f.relay.Attach(held)
	require.NoError(t, err)
	require.Equal(t, 1, f.src.Fire("steps"))
	require.Eventually(t, func() bool {
		held.lock.Lock()
		defer held.lock.Unlock()
		return len(held.held) == 1
	}, waitFor, tick)

	held.fail.Store(true)
	f.fireAndWaitPending(t, "heartRate", 1)
	require.False(t, f.relay.Snapshot().Listener)

	detach()
	require.Equal(t, 2, f.relay.Snapshot().Pending)

	sink := &collector{}
	_, err = f.relay.Attach(sink)
	require.NoError(t, err)
	require.Equal(t, []notifyapi.WatchedType{"steps", "heartRate"}, sink.items())
}

func TestDetachRequeuesToCurrentListener(t *testing.T) {
	f := newDefaultFixture(t)
	f.configureAndStart(t, "steps")

	held := &holdingSink{}
	detachHeld, err := f.relay.Attach(held)
	require.NoError(t, err)
	require.Equal(t, 1, f.src.Fire("steps"))
	require.Eventually(t, func() bool {
		held.lock.Lock()
		defer held.lock.Unlock()
		return len(held.held) == 1
	}, waitFor, tick)

	sink := &collector{}
	_, err = f.relay.Attach(sink)
	require.NoError(t, err)
	detachHeld()
	require.Equal(t, []notifyapi.WatchedType{"steps"}, sink.items())
	require.True(t, f.relay.Snapshot().Listener)
}

func TestConfigureWhileRunningReconciles(t *testing.T) {
	f := newDefaultFixture(t)
	f.configureAndStart(t, "steps", "sleep")

	require.NoError(t, f.relay.Configure(notifyapi.NewWatchedTypes("steps", "heartRate"), nil))
	require.Eventually(t, func() bool {
		s := f.relay.Snapshot().Subscribed
		return len(s) == 2 && s[0] == "heartRate" && s[1] == "steps"
	}, waitFor, tick)
	require.Equal(t, 2, f.src.ActiveQueries())
	require.Equal(t, 0, f.src.Fire("sleep"))
}

func TestCloseKeepsConfiguration(t *testing.T) {
	f := newDefaultFixture(t)
	f.configureAndStart(t, "steps")

	require.NoError(t, f.relay.Close(context.Background()))
	require.NoError(t, f.relay.Close(context.Background()))
	require.Equal(t, 0, f.src.ActiveQueries())

	types, err := f.store.WatchedTypes()
	require.NoError(t, err)
	require.Equal(t, []notifyapi.WatchedType{"steps"}, types.Slice())

	require.Equal(t, notifyapi.StartOutcomeCancelled, f.relay.Start(context.Background()))
	_, err = f.relay.Attach(&collector{})
	require.ErrorIs(t, err, ErrRelayClosed)
}

func TestFireAfterCloseIsAcked(t *testing.T) {
	mem := srcimpl.NewMemorySource(srcimpl.MemorySourceOptions{})
	src := &capturingSource{MemorySource: mem, handlers: make(map[notifyapi.WatchedType]notifyapi.ObserverHandler)}
	f := newFixture(t, src, mem, RelayOptions{})
	f.configureAndStart(t, "steps")
	handler := src.handler("steps")
	require.NoError(t, f.relay.Close(context.Background()))

	acked := false
	handler("steps", func() {
		acked = true
	})
	require.True(t, acked)
}

type brokenStore struct {
	notifyapi.ConfigStore
}

func (brokenStore) WatchedTypes() (notifyapi.WatchedTypes, error) {
	return notifyapi.NewWatchedTypes(), errors.New("disk on fire")
}

func TestStoreFailure(t *testing.T) {
	src := srcimpl.NewMemorySource(srcimpl.MemorySourceOptions{})
	r, err := NewRelay(brokenStore{ConfigStore: newStore(t)}, src, RelayOptions{})
	require.NoError(t, err)
	defer func() {
		_ = r.Close(context.Background())
	}()
	require.Equal(t, notifyapi.StartOutcomeStoreFailed, r.Start(context.Background()))
	require.Equal(t, notifyapi.StateStopped, r.State())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	src := srcimpl.NewMemorySource(srcimpl.MemorySourceOptions{})
	f := newFixture(t, nil, src, RelayOptions{Registerer: reg})
	f.configureAndStart(t, "steps")
	f.fireAndWaitPending(t, "steps", 1)

	require.Equal(t, float64(1), testutil.ToFloat64(f.relay.metrics.fires))
	require.Equal(t, float64(1), testutil.ToFloat64(f.relay.metrics.buffered))
	require.Equal(t, float64(1), testutil.ToFloat64(f.relay.metrics.subscriptions))
	require.Equal(t, float64(1), testutil.ToFloat64(f.relay.metrics.running))

	// a second relay on the same registry shares the collectors
	_, err := NewRelay(newStore(t), src, RelayOptions{Registerer: reg})
	require.NoError(t, err)
}
