package notifyapi

import (
	"context"
	"errors"
)

var (
	ErrUnknownFrequency    = errors.New("unknown frequency")
	ErrUnknownEntryPoint   = errors.New("unknown entry point handle")
	ErrUnknownQuery        = errors.New("unknown query")
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrSourceClosed        = errors.New("source closed")
	ErrWorkerStopped       = errors.New("worker stopped")
)

// ConfigStore persists the relay configuration across process restarts.
type ConfigStore interface {
	SetWatchedTypes(types WatchedTypes) error
	// SetEntryPointHandle removes the stored handle when handle is nil
	SetEntryPointHandle(handle *EntryPointHandle) error
	// Clear removes both values and is idempotent
	Clear() error

	WatchedTypes() (WatchedTypes, error)
	// EntryPointHandle returns nil when no handle is stored
	EntryPointHandle() (*EntryPointHandle, error)
}

// AckFunc re-arms the query that fired, calling it more than once is harmless.
type AckFunc func()

// ObserverHandler is invoked once per change of the observed type.
// The source must not call it again for the same query until ack was called.
type ObserverHandler func(t WatchedType, ack AckFunc)

// Source is an observer-capable external change source.
type Source interface {
	// RequestAuthorization returns the subset of types granted for reading.
	// An error means the whole request is denied.
	RequestAuthorization(ctx context.Context, types WatchedTypes) (WatchedTypes, error)
	EnableBackgroundDelivery(ctx context.Context, t WatchedType, freq Frequency) error
	Execute(t WatchedType, handler ObserverHandler) (QueryID, error)
	StopQuery(id QueryID) error
}

// Sink receives forwarded WatchedType identifiers.
// Send runs on the relay loop: it must not block or call back into the relay.
// A Send error detaches the sink.
type Sink interface {
	Send(t WatchedType) error
}

// BufferedSink is a Sink that may hold accepted identifiers it has not delivered yet.
// When the detach func returned by Attach runs, the relay takes them back oldest first.
type BufferedSink interface {
	Sink
	Undelivered() []WatchedType
}

type SinkFunc func(t WatchedType) error

func (f SinkFunc) Send(t WatchedType) error {
	return f(t)
}

// Worker is a live background execution context.
type Worker interface {
	ID() string
	Deliver(t WatchedType) error
	Stop(ctx context.Context) error
}

type WorkerFactory interface {
	Bootstrap(ctx context.Context, handle EntryPointHandle) (Worker, error)
}
