package etcd

import (
	"context"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/meidoworks/nekoq-notifyrelay/component"
)

const (
	defaultDialTimeout    = 5 * time.Second
	defaultRequestTimeout = 3 * time.Second

	watchEventBuffer = 16
)

type EtcdClientConfig struct {
	Endpoints      []string
	DialTimeout    time.Duration
	RequestTimeout time.Duration

	Logger *zap.Logger
}

type EtcdClient struct {
	cli    *clientv3.Client
	logger *zap.Logger

	requestTimeout time.Duration
}

func (e *EtcdClient) requestCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), e.requestTimeout)
}

func (e *EtcdClient) Del(key string) error {
	ctx, cancel := e.requestCtx()
	defer cancel()
	_, err := e.cli.Delete(ctx, key)
	return err
}

// Get returns an empty string when the key does not exist
func (e *EtcdClient) Get(key string) (string, error) {
	ctx, cancel := e.requestCtx()
	defer cancel()
	res, err := e.cli.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if res.Count == 0 {
		return "", nil
	}
	return string(res.Kvs[0].Value), nil
}

func (e *EtcdClient) Set(key string, val string) error {
	ctx, cancel := e.requestCtx()
	defer cancel()
	_, err := e.cli.Put(ctx, key, val)
	return err
}

// ProbeFolder reads at most one key of the folder to check the caller may access it
func (e *EtcdClient) ProbeFolder(folder string) error {
	ctx, cancel := e.requestCtx()
	defer cancel()
	_, err := e.cli.Get(ctx, normalizeFolder(folder), clientv3.WithPrefix(), clientv3.WithLimit(1), clientv3.WithKeysOnly())
	return err
}

func normalizeFolder(folder string) string {
	if !strings.HasSuffix(folder, "/") {
		return folder + "/"
	}
	return folder
}

func (e *EtcdClient) WatchFolder(folder string) (<-chan component.WatchEvent, component.CancelFn, error) {
	folder = normalizeFolder(folder)

	getCtx, getCancel := e.requestCtx()
	res, err := e.cli.Get(getCtx, folder, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	getCancel()
	if err != nil {
		return nil, nil, err
	}

	fresh := component.WatchEvent{Path: folder}
	for _, kv := range res.Kvs {
		fresh.Ev = append(fresh.Ev, component.WatchEventItem{
			Key:       string(kv.Key),
			EventType: component.WatchEventFresh,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	wch := e.cli.Watch(clientv3.WithRequireLeader(ctx), folder, clientv3.WithPrefix(), clientv3.WithRev(res.Header.Revision+1))

	ch := make(chan component.WatchEvent, watchEventBuffer)
	ch <- fresh
	go func() {
		defer close(ch)
		for wres := range wch {
			if err := wres.Err(); err != nil {
				e.logger.Warn("etcd watch error", zap.String("folder", folder), zap.Error(err))
				if wres.Canceled {
					return
				}
				continue
			}
			ev := component.WatchEvent{Path: folder}
			for _, item := range wres.Events {
				ev.Ev = append(ev.Ev, component.WatchEventItem{
					Key:       string(item.Kv.Key),
					EventType: convertEventType(item),
				})
			}
			if len(ev.Ev) == 0 {
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, component.CancelFn(cancel), nil
}

func convertEventType(ev *clientv3.Event) component.WatchEventType {
	switch {
	case ev.IsCreate():
		return component.WatchEventCreated
	case ev.IsModify():
		return component.WatchEventModified
	case ev.Type == clientv3.EventTypeDelete:
		return component.WatchEventDelete
	default:
		return component.WatchEventUnknown
	}
}

func (e *EtcdClient) Close() error {
	return e.cli.Close()
}

var _ component.ConsistentStore = new(EtcdClient)

func NewEtcdClient(config *EtcdClientConfig) (*EtcdClient, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dialTimeout := config.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	requestTimeout := config.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdClient{
		cli:            cli,
		logger:         logger.Named("etcd"),
		requestTimeout: requestTimeout,
	}, nil
}
