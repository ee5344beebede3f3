package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/meidoworks/nekoq-notifyrelay/notify/notifyapi"
	"github.com/meidoworks/nekoq-notifyrelay/utility/ringbuffer"
)

const (
	DefaultAckGrace     = 30 * time.Second
	MaxAckGrace         = 60 * time.Second
	DefaultPendingLimit = 1024

	defaultQueueSize = 128
)

var ErrRelayClosed = errors.New("relay closed")

type RelayOptions struct {
	Logger *zap.Logger
	// AckGrace delays every acknowledgement, zero acknowledges immediately.
	// Values above MaxAckGrace are clamped.
	AckGrace time.Duration
	// PendingLimit bounds the buffer used while no listener is attached
	PendingLimit int
	// Frequency is requested from the source for every subscribed type
	Frequency notifyapi.Frequency
	// Workers bootstraps worker contexts, nil disables them
	Workers notifyapi.WorkerFactory
	// Registerer receives the relay metrics when set
	Registerer prometheus.Registerer
}

type Snapshot struct {
	State       notifyapi.State         `json:"-"`
	StateName   string                  `json:"state"`
	Types       []notifyapi.WatchedType `json:"types"`
	Subscribed  []notifyapi.WatchedType `json:"subscribed"`
	Pending     int                     `json:"pending"`
	PendingAcks int                     `json:"pending_acks"`
	Listener    bool                    `json:"listener"`
	WorkerId    string                  `json:"worker_id,omitempty"`
}

// Relay forwards change notifications of the configured types to at most one listener.
// All state is owned by a single loop goroutine, public methods marshal closures into it.
type Relay struct {
	store   notifyapi.ConfigStore
	source  notifyapi.Source
	workers notifyapi.WorkerFactory
	logger  *zap.Logger
	opt     RelayOptions
	metrics *metrics
	acks    *ackScheduler

	cmdQueue chan func()
	closeCh  chan struct{}
	loopDone chan struct{}
	closing  atomic.Bool

	postLock   sync.RWMutex
	postClosed bool

	// fields below are touched by the loop only
	state       notifyapi.State
	epoch       uint64
	startCtx    context.Context
	startCancel context.CancelFunc
	types       notifyapi.WatchedTypes
	queries     map[notifyapi.WatchedType]notifyapi.QueryID
	sink        notifyapi.Sink
	sinkSeq     uint64
	pending     *ringbuffer.Ring[notifyapi.WatchedType]
	worker      notifyapi.Worker
}

func NewRelay(store notifyapi.ConfigStore, source notifyapi.Source, opt RelayOptions) (*Relay, error) {
	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opt.AckGrace < 0 {
		opt.AckGrace = 0
	}
	if opt.AckGrace > MaxAckGrace {
		opt.AckGrace = MaxAckGrace
	}
	if opt.PendingLimit <= 0 {
		opt.PendingLimit = DefaultPendingLimit
	}
	m, err := newMetrics(opt.Registerer)
	if err != nil {
		return nil, fmt.Errorf("register relay metrics: %w", err)
	}

	r := &Relay{
		store:     store,
		source:    source,
		workers:   opt.Workers,
		logger:    logger.Named("relay"),
		opt:       opt,
		metrics:   m,
		cmdQueue:  make(chan func(), defaultQueueSize),
		closeCh:   make(chan struct{}),
		loopDone:  make(chan struct{}),
		state:     notifyapi.StateStopped,
		types:     notifyapi.NewWatchedTypes(),
		queries:   make(map[notifyapi.WatchedType]notifyapi.QueryID),
		pending:   ringbuffer.New[notifyapi.WatchedType](opt.PendingLimit),
	}
	r.acks = newAckScheduler(opt.AckGrace, m.acks.Inc)
	go r.loop()
	return r, nil
}

func (r *Relay) logError(msg string, err error) {
	r.logger.Error(msg, zap.Error(err))
}

func (r *Relay) logWarn(msg string, err error) {
	r.logger.Warn(msg, zap.Error(err))
}

func (r *Relay) loop() {
	defer close(r.loopDone)
	for {
		select {
		case cmd := <-r.cmdQueue:
			cmd()
		case <-r.closeCh:
			r.drain()
			return
		}
	}
}

// drain runs what was queued before close, fires among them are stale and only acked
func (r *Relay) drain() {
	for {
		select {
		case cmd := <-r.cmdQueue:
			cmd()
		default:
			return
		}
	}
}

// do runs fn on the loop and waits for it. It must not be called from the loop.
func (r *Relay) do(fn func()) error {
	done := make(chan struct{})
	select {
	case r.cmdQueue <- func() {
		fn()
		close(done)
	}:
	case <-r.closeCh:
		return ErrRelayClosed
	}
	select {
	case <-done:
		return nil
	case <-r.loopDone:
		return ErrRelayClosed
	}
}

// post hands fn to the loop without waiting, false means the relay is closed and fn is dropped
func (r *Relay) post(fn func()) bool {
	r.postLock.RLock()
	defer r.postLock.RUnlock()
	if r.postClosed {
		return false
	}
	// the loop keeps consuming until postClosed is set
	r.cmdQueue <- fn
	return true
}

func (r *Relay) setState(s notifyapi.State) {
	r.state = s
	r.metrics.running.Set(lo.Ternary[float64](s.Running(), 1, 0))
}

// Configure persists the watched types and the entry point handle.
// While running, subscriptions follow the new type set. A new handle takes effect on the next start.
func (r *Relay) Configure(types notifyapi.WatchedTypes, handle *notifyapi.EntryPointHandle) error {
	var result error
	err := r.do(func() {
		if err := r.store.SetWatchedTypes(types); err != nil {
			result = err
			return
		}
		if err := r.store.SetEntryPointHandle(handle); err != nil {
			result = err
			return
		}
		r.logger.Info("configured", zap.Strings("types", types.Strings()), zap.Bool("handle", handle != nil))
		if r.state.Running() {
			r.reconcile(types.Clone())
		}
	})
	if err != nil {
		return err
	}
	return result
}

func (r *Relay) reconcile(types notifyapi.WatchedTypes) {
	r.types = types
	if r.state == notifyapi.StateStarting {
		// the pending start subscribes from r.types once authorized
		return
	}
	for t, id := range r.queries {
		if types.Contains(t) {
			continue
		}
		if err := r.source.StopQuery(id); err != nil {
			r.logWarn("stop removed query failed", err)
		}
		delete(r.queries, t)
	}
	r.metrics.subscriptions.Set(float64(len(r.queries)))

	added := lo.Filter(types.Slice(), func(t notifyapi.WatchedType, _ int) bool {
		_, ok := r.queries[t]
		return !ok
	})
	if len(added) > 0 {
		r.authorize(r.epoch, notifyapi.NewWatchedTypes(added...))
	}
}

// Start opens subscriptions for the configured types. It returns before the subscriptions exist.
func (r *Relay) Start(ctx context.Context) notifyapi.StartOutcome {
	var (
		outcome  = notifyapi.StartOutcomeStarting
		epoch    uint64
		handle   *notifyapi.EntryPointHandle
		types    notifyapi.WatchedTypes
		startCtx context.Context
	)
	if err := r.do(func() {
		if r.state.Running() {
			outcome = notifyapi.StartOutcomeAlreadyRunning
			return
		}
		var err error
		types, err = r.store.WatchedTypes()
		if err != nil {
			r.logError("read watched types failed", err)
			outcome = notifyapi.StartOutcomeStoreFailed
			return
		}
		if types.IsEmpty() {
			r.logger.Info("no watched types configured, staying stopped")
			outcome = notifyapi.StartOutcomeNoTypesConfigured
			return
		}
		handle, err = r.store.EntryPointHandle()
		if err != nil {
			r.logError("read entry point handle failed", err)
			outcome = notifyapi.StartOutcomeStoreFailed
			return
		}

		r.epoch++
		epoch = r.epoch
		r.startCtx, r.startCancel = context.WithCancel(context.Background())
		startCtx = r.startCtx
		r.types = types
		r.setState(notifyapi.StateStarting)
	}); err != nil {
		return notifyapi.StartOutcomeCancelled
	}
	if outcome != notifyapi.StartOutcomeStarting {
		return outcome
	}

	if handle != nil {
		if outcome = r.bootstrap(ctx, startCtx, epoch, *handle); outcome != notifyapi.StartOutcomeStarting {
			return outcome
		}
	}

	if err := r.do(func() {
		if epoch != r.epoch {
			outcome = notifyapi.StartOutcomeCancelled
			return
		}
		r.authorize(epoch, r.types)
	}); err != nil {
		return notifyapi.StartOutcomeCancelled
	}
	if outcome == notifyapi.StartOutcomeStarting {
		r.logger.Info("relay starting", zap.Strings("types", types.Strings()), zap.Uint64("epoch", epoch))
	}
	return outcome
}

// bootstrap runs off the loop and records the worker if the start is still current
func (r *Relay) bootstrap(ctx, startCtx context.Context, epoch uint64, handle notifyapi.EntryPointHandle) notifyapi.StartOutcome {
	var (
		w   notifyapi.Worker
		err error
	)
	if r.workers == nil {
		err = errors.New("no worker factory configured")
	} else {
		bootCtx, cancel := mergeCancel(ctx, startCtx)
		w, err = r.workers.Bootstrap(bootCtx, handle)
		cancel()
	}

	outcome := notifyapi.StartOutcomeStarting
	if doErr := r.do(func() {
		switch {
		case epoch != r.epoch:
			outcome = notifyapi.StartOutcomeCancelled
		case err != nil:
			r.logError("worker bootstrap failed", err)
			var result *multierror.Error
			r.teardown(&result)
			if result != nil {
				r.logWarn("teardown after failed bootstrap", result)
			}
			outcome = notifyapi.StartOutcomeWorkerBootstrapFailed
		default:
			r.worker = w
		}
	}); doErr != nil {
		outcome = notifyapi.StartOutcomeCancelled
	}
	if outcome == notifyapi.StartOutcomeCancelled && w != nil {
		if err := w.Stop(context.Background()); err != nil {
			r.logWarn("stop worker of cancelled start failed", err)
		}
	}
	return outcome
}

// mergeCancel returns a context cancelled when either parent is done
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// authorize must run on the loop, the request itself runs on a side goroutine
func (r *Relay) authorize(epoch uint64, types notifyapi.WatchedTypes) {
	ctx := r.startCtx
	go func() {
		granted, err := r.source.RequestAuthorization(ctx, types)
		r.post(func() {
			r.onAuthorized(epoch, types, granted, err)
		})
	}()
}

func (r *Relay) onAuthorized(epoch uint64, requested, granted notifyapi.WatchedTypes, err error) {
	if epoch != r.epoch || !r.state.Running() {
		r.logger.Debug("discard stale authorization", zap.Uint64("epoch", epoch))
		return
	}
	if r.state == notifyapi.StateStarting {
		// types configured while this start was pending
		if extra := r.types.Difference(requested); !extra.IsEmpty() {
			r.authorize(epoch, extra)
		}
	}
	r.setState(notifyapi.StateRunning)
	if err != nil {
		r.logWarn("authorization denied, no subscriptions opened", err)
		return
	}
	if denied := requested.Difference(granted); !denied.IsEmpty() {
		r.logger.Warn("authorization partially denied", zap.Strings("denied", denied.Strings()))
	}

	for _, t := range granted.Intersect(requested).Intersect(r.types).Slice() {
		if _, ok := r.queries[t]; ok {
			continue
		}
		id, err := r.source.Execute(t, r.handler(epoch))
		if err != nil {
			r.logError("open subscription failed for "+string(t), err)
			continue
		}
		r.queries[t] = id
		if err := r.source.EnableBackgroundDelivery(r.startCtx, t, r.opt.Frequency); err != nil {
			r.logWarn("enable background delivery failed for "+string(t), err)
		}
	}
	r.metrics.subscriptions.Set(float64(len(r.queries)))
	r.logger.Info("relay running", zap.Int("subscriptions", len(r.queries)))
}

func (r *Relay) handler(epoch uint64) notifyapi.ObserverHandler {
	return func(t notifyapi.WatchedType, ack notifyapi.AckFunc) {
		if !r.post(func() {
			r.onFire(epoch, t, ack)
		}) {
			ack()
		}
	}
}

func (r *Relay) onFire(epoch uint64, t notifyapi.WatchedType, ack notifyapi.AckFunc) {
	r.metrics.fires.Inc()
	if _, subscribed := r.queries[t]; epoch != r.epoch || !subscribed {
		// keep the source flowing, the event itself goes nowhere
		r.metrics.staleFires.Inc()
		ack()
		r.metrics.acks.Inc()
		return
	}

	r.forward(t)
	if r.worker != nil {
		if err := r.worker.Deliver(t); err != nil {
			r.logWarn("worker delivery failed for "+string(t), err)
		}
	}
	r.acks.schedule(ack)
}

func (r *Relay) forward(t notifyapi.WatchedType) {
	if r.sink != nil {
		err := r.sink.Send(t)
		if err == nil {
			r.metrics.forwarded.Inc()
			return
		}
		r.logWarn("listener send failed, detaching listener", err)
		r.metrics.sinkFailures.Inc()
		r.sink = nil
		r.sinkSeq++
	}
	r.buffer(t)
}

func (r *Relay) buffer(t notifyapi.WatchedType) {
	if r.pending.Push(t) {
		r.metrics.dropped.Inc()
	}
	r.metrics.buffered.Inc()
	r.metrics.pending.Set(float64(r.pending.Len()))
}

// Stop cancels every subscription, tears down the worker and clears the persisted configuration.
// Stopping a stopped relay still clears the persisted configuration.
func (r *Relay) Stop(ctx context.Context) error {
	var (
		result *multierror.Error
		w      notifyapi.Worker
	)
	if err := r.do(func() {
		if r.state.Running() {
			w = r.teardown(&result)
			r.logger.Info("relay stopped")
		}
		if err := r.store.Clear(); err != nil {
			result = multierror.Append(result, fmt.Errorf("clear configuration: %w", err))
		}
	}); err != nil {
		return err
	}
	if w != nil {
		if err := w.Stop(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop worker: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// teardown runs on the loop and returns the worker for the caller to stop off the loop
func (r *Relay) teardown(result **multierror.Error) notifyapi.Worker {
	r.epoch++
	if r.startCancel != nil {
		r.startCancel()
	}
	for t, id := range r.queries {
		if err := r.source.StopQuery(id); err != nil {
			*result = multierror.Append(*result, fmt.Errorf("stop query of %s: %w", t, err))
		}
	}
	clear(r.queries)
	r.metrics.subscriptions.Set(0)
	if n := r.acks.releaseAll(); n > 0 {
		r.logger.Debug("released pending acks", zap.Int("count", n))
	}
	w := r.worker
	r.worker = nil
	r.types = notifyapi.NewWatchedTypes()
	r.setState(notifyapi.StateStopped)
	return w
}

// Resume starts the relay only when a persisted configuration exists
func (r *Relay) Resume(ctx context.Context) notifyapi.StartOutcome {
	outcome := r.Start(ctx)
	r.logger.Info("resume", zap.Stringer("outcome", outcome))
	return outcome
}

// Attach sets the listener, replacing any previous one, and flushes the pending buffer to it in order.
// The returned detach func only detaches this listener.
func (r *Relay) Attach(sink notifyapi.Sink) (detach func(), err error) {
	var seq uint64
	if err := r.do(func() {
		r.sinkSeq++
		seq = r.sinkSeq
		r.sink = sink

		items := r.pending.Drain()
		for i, t := range items {
			if err := sink.Send(t); err != nil {
				r.logWarn("listener failed during flush", err)
				r.metrics.sinkFailures.Inc()
				r.sink = nil
				r.sinkSeq++
				for _, rest := range items[i:] {
					r.pending.Push(rest)
				}
				break
			}
			r.metrics.forwarded.Inc()
		}
		r.metrics.pending.Set(float64(r.pending.Len()))
	}); err != nil {
		return nil, err
	}
	return func() {
		_ = r.do(func() {
			if r.sinkSeq == seq {
				r.sink = nil
				r.sinkSeq++
			}
			if bs, ok := sink.(notifyapi.BufferedSink); ok {
				r.requeue(bs.Undelivered())
			}
		})
	}, nil
}

// requeue takes back identifiers a detached sink accepted but never delivered.
// They go to the current listener, or ahead of everything buffered since.
func (r *Relay) requeue(items []notifyapi.WatchedType) {
	if len(items) == 0 {
		return
	}
	if r.sink != nil {
		for _, t := range items {
			r.forward(t)
		}
		return
	}
	for _, t := range append(items, r.pending.Drain()...) {
		if r.pending.Push(t) {
			r.metrics.dropped.Inc()
		}
	}
	r.metrics.pending.Set(float64(r.pending.Len()))
}

// Detach clears whichever listener is attached, later notifications are buffered
func (r *Relay) Detach() error {
	return r.do(func() {
		r.sink = nil
		r.sinkSeq++
	})
}

func (r *Relay) State() notifyapi.State {
	s := notifyapi.StateStopped
	_ = r.do(func() {
		s = r.state
	})
	return s
}

func (r *Relay) Snapshot() Snapshot {
	snap := Snapshot{State: notifyapi.StateStopped}
	_ = r.do(func() {
		snap.State = r.state
		snap.Types = r.types.Slice()
		snap.Subscribed = lo.Keys(r.queries)
		snap.Pending = r.pending.Len()
		snap.Listener = r.sink != nil
		if r.worker != nil {
			snap.WorkerId = r.worker.ID()
		}
	})
	snap.Subscribed = notifyapi.NewWatchedTypes(snap.Subscribed...).Slice()
	snap.PendingAcks = r.acks.count()
	snap.StateName = snap.State.String()
	return snap
}

// Close releases subscriptions and the worker without touching the persisted configuration
func (r *Relay) Close(ctx context.Context) error {
	if !r.closing.CompareAndSwap(false, true) {
		return nil
	}
	var (
		result *multierror.Error
		w      notifyapi.Worker
	)
	_ = r.do(func() {
		w = r.teardown(&result)
		r.sink = nil
	})
	if w != nil {
		if err := w.Stop(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	r.postLock.Lock()
	r.postClosed = true
	r.postLock.Unlock()
	close(r.closeCh)
	<-r.loopDone
	return result.ErrorOrNil()
}
