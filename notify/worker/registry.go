package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/meidoworks/nekoq-notifyrelay/notify/notifyapi"
)

// EntryPoint is code runnable inside a background worker context.
type EntryPoint struct {
	Name string
	// Init runs once inside the worker before it accepts deliveries
	Init func(ctx context.Context, workerId string) error
	// OnChange runs inside the worker for every delivered type
	OnChange func(ctx context.Context, t notifyapi.WatchedType) error
}

// Registry resolves EntryPointHandle values to entry points.
type Registry struct {
	lock    sync.RWMutex
	next    notifyapi.EntryPointHandle
	entries map[notifyapi.EntryPointHandle]EntryPoint
}

func NewRegistry() *Registry {
	return &Registry{
		next:    1,
		entries: make(map[notifyapi.EntryPointHandle]EntryPoint),
	}
}

// Register returns a new handle for ep
func (r *Registry) Register(ep EntryPoint) notifyapi.EntryPointHandle {
	r.lock.Lock()
	defer r.lock.Unlock()
	for {
		h := r.next
		r.next++
		if _, ok := r.entries[h]; !ok {
			r.entries[h] = ep
			return h
		}
	}
}

// RegisterAt binds ep to a fixed handle, used for handles that must be stable across restarts
func (r *Registry) RegisterAt(h notifyapi.EntryPointHandle, ep EntryPoint) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if exist, ok := r.entries[h]; ok {
		return fmt.Errorf("handle %d already bound to %q", h, exist.Name)
	}
	r.entries[h] = ep
	return nil
}

func (r *Registry) Lookup(h notifyapi.EntryPointHandle) (EntryPoint, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	ep, ok := r.entries[h]
	return ep, ok
}
