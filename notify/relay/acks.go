package relay

import (
	"sync"
	"time"

	"github.com/meidoworks/nekoq-notifyrelay/notify/notifyapi"
)

// pendingAck releases the wrapped ack exactly once, on timer or on releaseAll
type pendingAck struct {
	once  sync.Once
	ack   notifyapi.AckFunc
	timer *time.Timer
}

func (p *pendingAck) release(onRelease func()) {
	p.once.Do(func() {
		p.ack()
		onRelease()
	})
}

// ackScheduler defers acknowledgements by a uniform grace window
type ackScheduler struct {
	grace     time.Duration
	onRelease func()

	lock    sync.Mutex
	seq     uint64
	pending map[uint64]*pendingAck
}

func newAckScheduler(grace time.Duration, onRelease func()) *ackScheduler {
	if onRelease == nil {
		onRelease = func() {}
	}
	return &ackScheduler{
		grace:     grace,
		onRelease: onRelease,
		pending:   make(map[uint64]*pendingAck),
	}
}

func (a *ackScheduler) schedule(ack notifyapi.AckFunc) {
	p := &pendingAck{ack: ack}
	if a.grace <= 0 {
		p.release(a.onRelease)
		return
	}

	a.lock.Lock()
	a.seq++
	key := a.seq
	a.pending[key] = p
	p.timer = time.AfterFunc(a.grace, func() {
		a.lock.Lock()
		delete(a.pending, key)
		a.lock.Unlock()
		p.release(a.onRelease)
	})
	a.lock.Unlock()
}

// releaseAll acknowledges everything still waiting and returns how many were released
func (a *ackScheduler) releaseAll() int {
	a.lock.Lock()
	list := make([]*pendingAck, 0, len(a.pending))
	for k, p := range a.pending {
		list = append(list, p)
		delete(a.pending, k)
	}
	a.lock.Unlock()

	for _, p := range list {
		p.timer.Stop()
		p.release(a.onRelease)
	}
	return len(list)
}

func (a *ackScheduler) count() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return len(a.pending)
}
