package relaycmd

import (
	"context"
	"errors"
	"io"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/meidoworks/nekoq-notifyrelay/component"
	"github.com/meidoworks/nekoq-notifyrelay/db/consistent/etcd"
	"github.com/meidoworks/nekoq-notifyrelay/db/simple/aferofs"
	"github.com/meidoworks/nekoq-notifyrelay/db/simple/bbolt"
	"github.com/meidoworks/nekoq-notifyrelay/db/simple/diskv"
	"github.com/meidoworks/nekoq-notifyrelay/db/simple/gormdb"
	"github.com/meidoworks/nekoq-notifyrelay/notify/cfgstore"
	"github.com/meidoworks/nekoq-notifyrelay/notify/notifyapi"
	"github.com/meidoworks/nekoq-notifyrelay/notify/relay"
	"github.com/meidoworks/nekoq-notifyrelay/notify/relayserver"
	"github.com/meidoworks/nekoq-notifyrelay/notify/srcimpl"
	"github.com/meidoworks/nekoq-notifyrelay/notify/worker"
)

// LogEntryPoint is the handle of the built-in entry point that logs every change
const LogEntryPoint notifyapi.EntryPointHandle = 1

var Module = fx.Module("relayd",
	fx.Provide(
		NewLogger,
		NewMetricsRegistry,
		NewSimpleStore,
		NewConfigStore,
		NewSource,
		NewEntryPoints,
		NewWorkerFactory,
		NewRelay,
		NewServer,
	),
	fx.Invoke(func(*relayserver.Server) {}),
)

func NewLogger(cfg Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	return zc.Build()
}

func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func openSimpleStore(cfg StoreConfig) (component.SimpleStore, error) {
	switch cfg.Driver {
	case StoreDriverBbolt:
		return bbolt.NewBboltStore(&bbolt.BboltStoreConfig{Path: cfg.Path})
	case StoreDriverDiskv:
		return diskv.NewDiskvStore(&diskv.DiskvStoreConfig{BasePath: cfg.Path})
	case StoreDriverAfero:
		return aferofs.NewAferoStore(aferofs.AferoStoreOptions{
			FS:      afero.NewBasePathFs(afero.NewOsFs(), filepath.Clean(cfg.Path)),
			BaseDir: "/",
		})
	case StoreDriverGorm:
		return gormdb.NewGormStore(&gormdb.GormStoreConfig{DSN: cfg.DSN, AutoMigrate: true})
	default:
		return nil, errors.New("unknown store driver: " + cfg.Driver)
	}
}

func NewSimpleStore(cfg Config, lc fx.Lifecycle, logger *zap.Logger) (component.SimpleStore, error) {
	store, err := openSimpleStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	logger.Info("config store opened", zap.String("driver", cfg.Store.Driver))
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

func NewConfigStore(store component.SimpleStore, logger *zap.Logger) notifyapi.ConfigStore {
	return cfgstore.NewStore(store, cfgstore.Options{Logger: logger})
}

// SourceHandle is the configured change source plus the optional debug fire entry
type SourceHandle struct {
	notifyapi.Source
	// Fire is only set for the memory source
	Fire func(t notifyapi.WatchedType) int
}

func NewSource(cfg Config, lc fx.Lifecycle, logger *zap.Logger) (*SourceHandle, error) {
	var (
		h       = new(SourceHandle)
		closers []io.Closer
	)
	switch cfg.Source.Driver {
	case SourceDriverMemory:
		src := srcimpl.NewMemorySource(srcimpl.MemorySourceOptions{Logger: logger})
		h.Source, h.Fire = src, src.Fire
		closers = append(closers, src)
	case SourceDriverEtcd:
		client, err := etcd.NewEtcdClient(&etcd.EtcdClientConfig{
			Endpoints: cfg.Source.Etcd.Endpoints,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		src := srcimpl.NewEtcdSource(client, srcimpl.EtcdSourceOptions{Logger: logger, Prefix: cfg.Source.Etcd.Prefix})
		h.Source = src
		// queries first, the client last
		closers = append(closers, src, client)
	case SourceDriverPostgres:
		src := srcimpl.NewPostgresSource(srcimpl.PostgresSourceOptions{
			Logger:        logger,
			DSN:           cfg.Source.Postgres.DSN,
			ChannelPrefix: cfg.Source.Postgres.ChannelPrefix,
		})
		h.Source = src
		closers = append(closers, src)
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return src.Startup()
			},
		})
	default:
		return nil, errors.New("unknown source driver: " + cfg.Source.Driver)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			var result *multierror.Error
			for _, c := range closers {
				if err := c.Close(); err != nil {
					result = multierror.Append(result, err)
				}
			}
			return result.ErrorOrNil()
		},
	})
	return h, nil
}

func NewEntryPoints(logger *zap.Logger) (*worker.Registry, error) {
	reg := worker.NewRegistry()
	l := logger.Named("entrypoint")
	err := reg.RegisterAt(LogEntryPoint, worker.EntryPoint{
		Name: "log",
		Init: func(ctx context.Context, workerId string) error {
			l.Info("worker context ready", zap.String("worker", workerId))
			return nil
		},
		OnChange: func(ctx context.Context, t notifyapi.WatchedType) error {
			l.Info("change delivered", zap.String("type", string(t)))
			return nil
		},
	})
	return reg, err
}

func NewWorkerFactory(reg *worker.Registry, logger *zap.Logger) notifyapi.WorkerFactory {
	return worker.NewPoolFactory(reg, worker.PoolFactoryOptions{Logger: logger})
}

func NewRelay(cfg Config, lc fx.Lifecycle, store notifyapi.ConfigStore, src *SourceHandle,
	workers notifyapi.WorkerFactory, reg *prometheus.Registry, logger *zap.Logger) (*relay.Relay, error) {
	freq, err := notifyapi.ParseFrequency(cfg.Relay.Frequency)
	if err != nil {
		return nil, err
	}
	r, err := relay.NewRelay(store, src.Source, relay.RelayOptions{
		Logger:       logger,
		AckGrace:     cfg.Relay.AckGrace,
		PendingLimit: cfg.Relay.PendingLimit,
		Frequency:    freq,
		Workers:      workers,
		Registerer:   reg,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if cfg.Relay.ResumeOnBoot {
				r.Resume(ctx)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return r.Close(ctx)
		},
	})
	return r, nil
}

func NewServer(cfg Config, lc fx.Lifecycle, r *relay.Relay, src *SourceHandle,
	reg *prometheus.Registry, logger *zap.Logger) (*relayserver.Server, error) {
	opt := relayserver.Options{
		Addr:     cfg.Server.Addr,
		TlsAddr:  cfg.Server.TlsAddr,
		CertFile: cfg.Server.CertFile,
		KeyFile:  cfg.Server.KeyFile,
		Logger:   logger,
		Gatherer: reg,
	}
	if cfg.Server.JwtSecret != "" {
		opt.JwtSecret = []byte(cfg.Server.JwtSecret)
	}
	if cfg.Server.DebugFire {
		opt.DebugFire = src.Fire
	}
	s, err := relayserver.NewServer(r, opt)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return s.Start()
		},
		OnStop: func(ctx context.Context) error {
			return s.Shutdown(ctx)
		},
	})
	return s, nil
}
