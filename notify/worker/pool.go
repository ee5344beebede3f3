package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/meidoworks/nekoq-notifyrelay/notify/notifyapi"
)

var ErrWorkerBusy = errors.New("worker delivery queue is full")

const (
	defaultQueueSize   = 256
	defaultStopTimeout = 3 * time.Second
)

type PoolFactoryOptions struct {
	Logger *zap.Logger
	// QueueSize bounds deliveries waiting for the worker
	QueueSize int
}

// PoolFactory bootstraps each worker context on its own single goroutine ants pool.
type PoolFactory struct {
	registry *Registry
	logger   *zap.Logger
	opt      PoolFactoryOptions
}

var _ notifyapi.WorkerFactory = new(PoolFactory)

func NewPoolFactory(registry *Registry, opt PoolFactoryOptions) *PoolFactory {
	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = defaultQueueSize
	}
	return &PoolFactory{
		registry: registry,
		logger:   logger.Named("worker"),
		opt:      opt,
	}
}

func (f *PoolFactory) Bootstrap(ctx context.Context, handle notifyapi.EntryPointHandle) (notifyapi.Worker, error) {
	ep, ok := f.registry.Lookup(handle)
	if !ok {
		return nil, fmt.Errorf("%w: %d", notifyapi.ErrUnknownEntryPoint, handle)
	}

	id := uuid.NewString()
	logger := f.logger.With(zap.String("worker", id), zap.String("entry_point", ep.Name))
	pool, err := ants.NewPool(1, ants.WithPanicHandler(func(p any) {
		logger.Error("worker task panic", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, err
	}

	w := &poolWorker{
		id:     id,
		ep:     ep,
		pool:   pool,
		logger: logger,
		queue:  make(chan notifyapi.WatchedType, f.opt.QueueSize),
		stopCh: make(chan struct{}),
		exited: make(chan struct{}),
	}
	w.runCtx, w.runCancel = context.WithCancel(context.Background())

	if err := w.init(ctx); err != nil {
		w.runCancel()
		pool.Release()
		return nil, fmt.Errorf("init entry point %q: %w", ep.Name, err)
	}
	go w.dispatch()
	logger.Info("worker started")
	return w, nil
}

type poolWorker struct {
	id     string
	ep     EntryPoint
	pool   *ants.Pool
	logger *zap.Logger

	runCtx    context.Context
	runCancel context.CancelFunc

	lock     sync.RWMutex
	stopped  bool
	queue    chan notifyapi.WatchedType
	stopCh   chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

func (w *poolWorker) ID() string {
	return w.id
}

func (w *poolWorker) init(ctx context.Context) error {
	if w.ep.Init == nil {
		return nil
	}
	res := make(chan error, 1)
	if err := w.pool.Submit(func() {
		res <- w.ep.Init(w.runCtx, w.id)
	}); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver never blocks, a full queue reports ErrWorkerBusy
func (w *poolWorker) Deliver(t notifyapi.WatchedType) error {
	w.lock.RLock()
	defer w.lock.RUnlock()
	if w.stopped {
		return notifyapi.ErrWorkerStopped
	}
	select {
	case w.queue <- t:
		return nil
	default:
		return ErrWorkerBusy
	}
}

func (w *poolWorker) dispatch() {
	defer close(w.exited)
	for {
		select {
		case <-w.stopCh:
			return
		case t := <-w.queue:
			if w.ep.OnChange == nil {
				continue
			}
			// pool size is one, Submit blocks while the previous change runs
			if err := w.pool.Submit(func() {
				if err := w.ep.OnChange(w.runCtx, t); err != nil {
					w.logger.Warn("entry point failed", zap.String("type", string(t)), zap.Error(err))
				}
			}); err != nil {
				w.logger.Warn("submit delivery failed", zap.String("type", string(t)), zap.Error(err))
			}
		}
	}
}

func (w *poolWorker) Stop(ctx context.Context) error {
	var err error
	w.stopOnce.Do(func() {
		w.lock.Lock()
		w.stopped = true
		w.lock.Unlock()

		close(w.stopCh)
		w.runCancel()
		<-w.exited

		timeout := defaultStopTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if timeout > 0 {
			err = w.pool.ReleaseTimeout(timeout)
		} else {
			w.pool.Release()
		}
		w.logger.Info("worker stopped")
	})
	return err
}
