package srcimpl

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/meidoworks/nekoq-notifyrelay/component"
	"github.com/meidoworks/nekoq-notifyrelay/notify/notifyapi"
)

// FolderWatcher is the part of the etcd consistent store used by EtcdSource
type FolderWatcher interface {
	WatchFolder(folder string) (<-chan component.WatchEvent, component.CancelFn, error)
	ProbeFolder(folder string) error
}

type EtcdSourceOptions struct {
	Logger *zap.Logger
	// Prefix is the folder holding one sub folder per watched type
	Prefix string
	// MaxRewatchInterval caps the backoff between attempts to reopen a closed watch
	MaxRewatchInterval time.Duration
}

// EtcdSource reports any change under <Prefix>/<type>/ as a change of type.
type EtcdSource struct {
	client FolderWatcher
	prefix string
	table  *queryTable
	logger *zap.Logger

	maxRewatchInterval time.Duration
}

var _ notifyapi.Source = new(EtcdSource)

func NewEtcdSource(client FolderWatcher, opt EtcdSourceOptions) *EtcdSource {
	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("etcd-source")
	prefix := opt.Prefix
	if prefix == "" {
		prefix = "/notifyrelay"
	}
	if opt.MaxRewatchInterval <= 0 {
		opt.MaxRewatchInterval = 30 * time.Second
	}
	return &EtcdSource{
		client: client,
		prefix: "/" + strings.Trim(prefix, "/"),
		table:  newQueryTable(queryTableOptions{Logger: logger}),
		logger: logger,

		maxRewatchInterval: opt.MaxRewatchInterval,
	}
}

func (e *EtcdSource) folder(t notifyapi.WatchedType) string {
	return path.Join(e.prefix, string(t)) + "/"
}

func (e *EtcdSource) RequestAuthorization(ctx context.Context, types notifyapi.WatchedTypes) (notifyapi.WatchedTypes, error) {
	var granted []notifyapi.WatchedType
	var result *multierror.Error
	for _, t := range types.Slice() {
		if err := ctx.Err(); err != nil {
			return notifyapi.NewWatchedTypes(), err
		}
		if err := e.client.ProbeFolder(e.folder(t)); err != nil {
			e.logger.Warn("type not readable", zap.String("type", string(t)), zap.Error(err))
			result = multierror.Append(result, fmt.Errorf("%s: %w", t, err))
			continue
		}
		granted = append(granted, t)
	}
	if len(granted) == 0 && result != nil {
		return notifyapi.NewWatchedTypes(), fmt.Errorf("%w: %w", notifyapi.ErrAuthorizationDenied, result.ErrorOrNil())
	}
	return notifyapi.NewWatchedTypes(granted...), nil
}

func (e *EtcdSource) EnableBackgroundDelivery(ctx context.Context, t notifyapi.WatchedType, freq notifyapi.Frequency) error {
	e.table.setFrequency(t, freq)
	return nil
}

// folderWatch is the current watch of one query, replaced when etcd closes it
type folderWatch struct {
	ctx  context.Context
	stop context.CancelFunc

	lock   sync.Mutex
	cancel component.CancelFn
}

// swap installs the cancel func of a new watch, false means the query is gone.
func (w *folderWatch) swap(cancel component.CancelFn) bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.ctx.Err() != nil {
		cancel()
		return false
	}
	w.cancel = cancel
	return true
}

func (w *folderWatch) close() {
	w.stop()
	w.lock.Lock()
	cancel := w.cancel
	w.lock.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *EtcdSource) Execute(t notifyapi.WatchedType, handler notifyapi.ObserverHandler) (notifyapi.QueryID, error) {
	ch, cancel, err := e.client.WatchFolder(e.folder(t))
	if err != nil {
		return "", fmt.Errorf("watch %s: %w", t, err)
	}
	w := &folderWatch{cancel: cancel}
	w.ctx, w.stop = context.WithCancel(context.Background())
	id, err := e.table.start(t, handler, w.close)
	if err != nil {
		w.close()
		return "", err
	}
	go e.pump(id, t, w, ch)
	return id, nil
}

func (e *EtcdSource) pump(id notifyapi.QueryID, t notifyapi.WatchedType, w *folderWatch, ch <-chan component.WatchEvent) {
	for {
		if !e.forward(id, ch) {
			return
		}
		if w.ctx.Err() != nil {
			return
		}
		e.logger.Warn("watch channel closed, reopening", zap.String("type", string(t)), zap.String("query", string(id)))
		next, err := e.rewatch(t, w)
		if err != nil {
			return
		}
		ch = next
		// changes while the watch was down are unknown, report one
		if !e.table.notifyQuery(id) {
			return
		}
	}
}

// forward notifies the query for every changing event until ch closes, false means the query is gone
func (e *EtcdSource) forward(id notifyapi.QueryID, ch <-chan component.WatchEvent) bool {
	for ev := range ch {
		changed := false
		for _, item := range ev.Ev {
			// fresh items describe state before the watch started
			if item.EventType != component.WatchEventFresh {
				changed = true
			}
		}
		if !changed {
			continue
		}
		if !e.table.notifyQuery(id) {
			return false
		}
	}
	return true
}

func (e *EtcdSource) rewatch(t notifyapi.WatchedType, w *folderWatch) (<-chan component.WatchEvent, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = e.maxRewatchInterval
	if b.InitialInterval > b.MaxInterval {
		b.InitialInterval = b.MaxInterval
	}
	b.MaxElapsedTime = 0

	var ch <-chan component.WatchEvent
	err := backoff.RetryNotify(func() error {
		c, cancel, err := e.client.WatchFolder(e.folder(t))
		if err != nil {
			return err
		}
		if !w.swap(cancel) {
			return backoff.Permanent(notifyapi.ErrUnknownQuery)
		}
		ch = c
		return nil
	}, backoff.WithContext(b, w.ctx), func(err error, d time.Duration) {
		e.logger.Warn("reopen watch failed, retrying", zap.String("type", string(t)), zap.Duration("after", d), zap.Error(err))
	})
	return ch, err
}

func (e *EtcdSource) StopQuery(id notifyapi.QueryID) error {
	return e.table.stop(id)
}

func (e *EtcdSource) Close() error {
	e.table.closeAll()
	return nil
}
