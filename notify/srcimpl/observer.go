package srcimpl

import (
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"github.com/meidoworks/nekoq-notifyrelay/notify/notifyapi"
	"github.com/meidoworks/nekoq-notifyrelay/utility/idgen"
)

func frequencyInterval(f notifyapi.Frequency) time.Duration {
	switch f {
	case notifyapi.FrequencyHourly:
		return time.Hour
	case notifyapi.FrequencyDaily:
		return 24 * time.Hour
	case notifyapi.FrequencyWeekly:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// observer delivers coalesced change signals of one query and waits for the ack before re-arming.
type observer struct {
	id      notifyapi.QueryID
	t       notifyapi.WatchedType
	handler notifyapi.ObserverHandler
	table   *queryTable

	signal   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	onStop   func()

	lastDelivery time.Time
}

func (o *observer) notify() {
	select {
	case o.signal <- struct{}{}:
	default:
		// a signal is already pending
	}
}

func (o *observer) stop() {
	o.stopOnce.Do(func() {
		close(o.done)
		if o.onStop != nil {
			o.onStop()
		}
	})
}

func (o *observer) loop() {
	for {
		select {
		case <-o.done:
			return
		case <-o.signal:
		}

		if interval := o.table.interval(o.t); interval > 0 && !o.lastDelivery.IsZero() {
			if wait := time.Until(o.lastDelivery.Add(interval)); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-o.done:
					timer.Stop()
					return
				case <-timer.C:
				}
			}
		}

		acked := make(chan struct{})
		var once sync.Once
		o.lastDelivery = time.Now()
		o.table.onDeliver(o.t)
		o.handler(o.t, func() {
			once.Do(func() {
				o.table.onAck(o.t)
				close(acked)
			})
		})

		select {
		case <-o.done:
			return
		case <-acked:
		}
	}
}

type queryTableOptions struct {
	Logger *zap.Logger
	NodeId int16

	OnDeliver func(t notifyapi.WatchedType)
	OnAck     func(t notifyapi.WatchedType)
}

// queryTable is the registry of live observer queries shared by all sources.
type queryTable struct {
	queries cmap.ConcurrentMap[string, *observer]
	ids     *idgen.IdGen
	logger  *zap.Logger

	freqLock    sync.RWMutex
	frequencies map[notifyapi.WatchedType]notifyapi.Frequency

	deliverHook func(t notifyapi.WatchedType)
	ackHook     func(t notifyapi.WatchedType)
}

func newQueryTable(opt queryTableOptions) *queryTable {
	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &queryTable{
		queries:     cmap.New[*observer](),
		ids:         idgen.NewIdGen(opt.NodeId, 0, idgen.IdGenOption{}),
		logger:      logger,
		frequencies: make(map[notifyapi.WatchedType]notifyapi.Frequency),
		deliverHook: opt.OnDeliver,
		ackHook:     opt.OnAck,
	}
}

func (q *queryTable) onDeliver(t notifyapi.WatchedType) {
	if q.deliverHook != nil {
		q.deliverHook(t)
	}
}

func (q *queryTable) onAck(t notifyapi.WatchedType) {
	if q.ackHook != nil {
		q.ackHook(t)
	}
}

func (q *queryTable) setFrequency(t notifyapi.WatchedType, f notifyapi.Frequency) {
	q.freqLock.Lock()
	defer q.freqLock.Unlock()
	q.frequencies[t] = f
}

func (q *queryTable) interval(t notifyapi.WatchedType) time.Duration {
	q.freqLock.RLock()
	defer q.freqLock.RUnlock()
	return frequencyInterval(q.frequencies[t])
}

// start registers a query. onStop runs once when the query is stopped or the table is closed.
func (q *queryTable) start(t notifyapi.WatchedType, handler notifyapi.ObserverHandler, onStop func()) (notifyapi.QueryID, error) {
	id, err := q.ids.Next()
	if err != nil {
		return "", err
	}
	o := &observer{
		id:      notifyapi.QueryID(id.HexString()),
		t:       t,
		handler: handler,
		table:   q,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		onStop:  onStop,
	}
	q.queries.Set(string(o.id), o)
	go o.loop()
	q.logger.Debug("query started", zap.String("query", string(o.id)), zap.String("type", string(t)))
	return o.id, nil
}

func (q *queryTable) stop(id notifyapi.QueryID) error {
	o, ok := q.queries.Pop(string(id))
	if !ok {
		return notifyapi.ErrUnknownQuery
	}
	o.stop()
	q.logger.Debug("query stopped", zap.String("query", string(id)), zap.String("type", string(o.t)))
	return nil
}

// notifyQuery signals one query, reports false if it is gone
func (q *queryTable) notifyQuery(id notifyapi.QueryID) bool {
	o, ok := q.queries.Get(string(id))
	if !ok {
		return false
	}
	o.notify()
	return true
}

// notifyType signals every query of the type and returns how many were signalled
func (q *queryTable) notifyType(t notifyapi.WatchedType) int {
	cnt := 0
	for item := range q.queries.IterBuffered() {
		if item.Val.t == t {
			item.Val.notify()
			cnt++
		}
	}
	return cnt
}

func (q *queryTable) count() int {
	return q.queries.Count()
}

func (q *queryTable) closeAll() {
	for _, key := range q.queries.Keys() {
		if o, ok := q.queries.Pop(key); ok {
			o.stop()
		}
	}
}
