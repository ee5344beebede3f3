package srcimpl

import (
	"context"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"github.com/meidoworks/nekoq-notifyrelay/notify/notifyapi"
)

type MemorySourceOptions struct {
	Logger *zap.Logger
	// Denied types are never granted
	Denied []notifyapi.WatchedType
}

// MemorySource is an in-process Source driven by Fire.
type MemorySource struct {
	table  *queryTable
	logger *zap.Logger

	lock       sync.Mutex
	denied     notifyapi.WatchedTypes
	authErr    error
	authGate   chan struct{}
	authCalls  int
	background map[notifyapi.WatchedType]notifyapi.Frequency

	deliveries cmap.ConcurrentMap[string, *atomic.Int64]
	acks       cmap.ConcurrentMap[string, *atomic.Int64]
}

var _ notifyapi.Source = new(MemorySource)

func NewMemorySource(opt MemorySourceOptions) *MemorySource {
	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &MemorySource{
		logger:     logger.Named("memory-source"),
		denied:     notifyapi.NewWatchedTypes(opt.Denied...),
		background: make(map[notifyapi.WatchedType]notifyapi.Frequency),
		deliveries: cmap.New[*atomic.Int64](),
		acks:       cmap.New[*atomic.Int64](),
	}
	m.table = newQueryTable(queryTableOptions{
		Logger: m.logger,
		OnDeliver: func(t notifyapi.WatchedType) {
			counter(m.deliveries, t).Add(1)
		},
		OnAck: func(t notifyapi.WatchedType) {
			counter(m.acks, t).Add(1)
		},
	})
	return m
}

func counter(m cmap.ConcurrentMap[string, *atomic.Int64], t notifyapi.WatchedType) *atomic.Int64 {
	return m.Upsert(string(t), nil, func(exist bool, valueInMap *atomic.Int64, _ *atomic.Int64) *atomic.Int64 {
		if exist {
			return valueInMap
		}
		return new(atomic.Int64)
	})
}

func load(m cmap.ConcurrentMap[string, *atomic.Int64], t notifyapi.WatchedType) int64 {
	if c, ok := m.Get(string(t)); ok {
		return c.Load()
	}
	return 0
}

// Deny changes the set of types refused by later authorization requests
func (m *MemorySource) Deny(types ...notifyapi.WatchedType) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.denied = notifyapi.NewWatchedTypes(types...)
}

// FailAuthorization makes later authorization requests fail entirely, nil restores normal behavior
func (m *MemorySource) FailAuthorization(err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.authErr = err
}

// HoldAuthorization blocks authorization requests until the returned release func is called
func (m *MemorySource) HoldAuthorization() (release func()) {
	gate := make(chan struct{})
	m.lock.Lock()
	m.authGate = gate
	m.lock.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.lock.Lock()
			if m.authGate == gate {
				m.authGate = nil
			}
			m.lock.Unlock()
			close(gate)
		})
	}
}

func (m *MemorySource) RequestAuthorization(ctx context.Context, types notifyapi.WatchedTypes) (notifyapi.WatchedTypes, error) {
	m.lock.Lock()
	m.authCalls++
	gate := m.authGate
	m.lock.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return notifyapi.NewWatchedTypes(), ctx.Err()
		}
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	if m.authErr != nil {
		return notifyapi.NewWatchedTypes(), m.authErr
	}
	return types.Difference(m.denied), nil
}

func (m *MemorySource) EnableBackgroundDelivery(ctx context.Context, t notifyapi.WatchedType, freq notifyapi.Frequency) error {
	m.lock.Lock()
	m.background[t] = freq
	m.lock.Unlock()
	m.table.setFrequency(t, freq)
	return nil
}

func (m *MemorySource) Execute(t notifyapi.WatchedType, handler notifyapi.ObserverHandler) (notifyapi.QueryID, error) {
	return m.table.start(t, handler, nil)
}

func (m *MemorySource) StopQuery(id notifyapi.QueryID) error {
	return m.table.stop(id)
}

// Fire signals a change of t and returns the number of live queries signalled
func (m *MemorySource) Fire(t notifyapi.WatchedType) int {
	return m.table.notifyType(t)
}

func (m *MemorySource) ActiveQueries() int {
	return m.table.count()
}

func (m *MemorySource) AuthorizationCalls() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.authCalls
}

func (m *MemorySource) BackgroundFrequency(t notifyapi.WatchedType) (notifyapi.Frequency, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	f, ok := m.background[t]
	return f, ok
}

func (m *MemorySource) Deliveries(t notifyapi.WatchedType) int64 {
	return load(m.deliveries, t)
}

func (m *MemorySource) Acks(t notifyapi.WatchedType) int64 {
	return load(m.acks, t)
}

func (m *MemorySource) Close() error {
	m.table.closeAll()
	return nil
}
