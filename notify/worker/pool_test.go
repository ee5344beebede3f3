package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meidoworks/nekoq-notifyrelay/notify/notifyapi"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	h1 := r.Register(EntryPoint{Name: "a"})
	require.NoError(t, r.RegisterAt(h1+1, EntryPoint{Name: "fixed"}))
	h2 := r.Register(EntryPoint{Name: "b"})
	require.NotEqual(t, h1, h2)
	require.NotEqual(t, h1+1, h2)

	require.Error(t, r.RegisterAt(h1, EntryPoint{Name: "dup"}))
	ep, ok := r.Lookup(h1 + 1)
	require.True(t, ok)
	require.Equal(t, "fixed", ep.Name)
	_, ok = r.Lookup(999)
	require.False(t, ok)
}

func TestPoolFactoryUnknownHandle(t *testing.T) {
	f := NewPoolFactory(NewRegistry(), PoolFactoryOptions{})
	_, err := f.Bootstrap(context.Background(), 7)
	require.ErrorIs(t, err, notifyapi.ErrUnknownEntryPoint)
}

func TestPoolFactoryInitFailure(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	h := r.Register(EntryPoint{Name: "broken", Init: func(ctx context.Context, workerId string) error {
		return boom
	}})
	_, err := NewPoolFactory(r, PoolFactoryOptions{}).Bootstrap(context.Background(), h)
	require.ErrorIs(t, err, boom)
}

func TestPoolWorkerDelivers(t *testing.T) {
	r := NewRegistry()
	var lock sync.Mutex
	var got []notifyapi.WatchedType
	var initId string
	h := r.Register(EntryPoint{
		Name: "collect",
		Init: func(ctx context.Context, workerId string) error {
			initId = workerId
			return nil
		},
		OnChange: func(ctx context.Context, typ notifyapi.WatchedType) error {
			lock.Lock()
			defer lock.Unlock()
			got = append(got, typ)
			return nil
		},
	})

	w, err := NewPoolFactory(r, PoolFactoryOptions{}).Bootstrap(context.Background(), h)
	require.NoError(t, err)
	require.Equal(t, w.ID(), initId)

	require.NoError(t, w.Deliver("steps"))
	require.NoError(t, w.Deliver("heartRate"))
	require.Eventually(t, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)
	lock.Lock()
	require.Equal(t, []notifyapi.WatchedType{"steps", "heartRate"}, got)
	lock.Unlock()

	require.NoError(t, w.Stop(context.Background()))
	require.NoError(t, w.Stop(context.Background()))
	require.ErrorIs(t, w.Deliver("steps"), notifyapi.ErrWorkerStopped)
}

func TestPoolWorkerQueueFull(t *testing.T) {
	r := NewRegistry()
	block := make(chan struct{})
	h := r.Register(EntryPoint{
		Name: "slow",
		OnChange: func(ctx context.Context, typ notifyapi.WatchedType) error {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return nil
		},
	})
	w, err := NewPoolFactory(r, PoolFactoryOptions{QueueSize: 1}).Bootstrap(context.Background(), h)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return errors.Is(w.Deliver("steps"), ErrWorkerBusy)
	}, 2*time.Second, time.Millisecond)
	close(block)
	require.NoError(t, w.Stop(context.Background()))
}
