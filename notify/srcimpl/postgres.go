package srcimpl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/meidoworks/nekoq-notifyrelay/notify/notifyapi"
)

// maxIdentifierLength is the postgres NAMEDATALEN limit of a channel name
const maxIdentifierLength = 63

type PostgresSourceOptions struct {
	Logger *zap.Logger
	DSN    string
	// ChannelPrefix is prepended to the type to build the LISTEN channel name
	ChannelPrefix string
	// MaxReconnectInterval caps the exponential reconnect backoff
	MaxReconnectInterval time.Duration
}

// PostgresSource maps each watched type to a LISTEN channel.
// A NOTIFY on the channel counts as one change of the type.
type PostgresSource struct {
	opt    PostgresSourceOptions
	logger *zap.Logger
	table  *queryTable

	p *pgxpool.Pool

	lock     sync.Mutex
	channels map[string]int // channel -> live query count
	byName   map[string]notifyapi.WatchedType
	dirty    chan struct{}

	cancel context.CancelFunc
	closed chan struct{}
}

var _ notifyapi.Source = new(PostgresSource)

func NewPostgresSource(opt PostgresSourceOptions) *PostgresSource {
	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("postgres-source")
	if opt.MaxReconnectInterval <= 0 {
		opt.MaxReconnectInterval = 30 * time.Second
	}
	return &PostgresSource{
		opt:      opt,
		logger:   logger,
		table:    newQueryTable(queryTableOptions{Logger: logger}),
		channels: make(map[string]int),
		byName:   make(map[string]notifyapi.WatchedType),
		dirty:    make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

func (p *PostgresSource) Startup() error {
	c, err := pgxpool.ParseConfig(p.opt.DSN)
	if err != nil {
		return err
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), c)
	if err != nil {
		return err
	}
	p.p = pool

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.listenLoop(ctx)
	return nil
}

func (p *PostgresSource) Close() error {
	p.table.closeAll()
	if p.cancel != nil {
		p.cancel()
		<-p.closed
	}
	if p.p != nil {
		p.p.Close()
	}
	return nil
}

func (p *PostgresSource) channelName(t notifyapi.WatchedType) string {
	return p.opt.ChannelPrefix + string(t)
}

func (p *PostgresSource) RequestAuthorization(ctx context.Context, types notifyapi.WatchedTypes) (notifyapi.WatchedTypes, error) {
	if p.p == nil {
		return notifyapi.NewWatchedTypes(), notifyapi.ErrSourceClosed
	}
	if err := p.p.Ping(ctx); err != nil {
		return notifyapi.NewWatchedTypes(), fmt.Errorf("%w: %w", notifyapi.ErrAuthorizationDenied, err)
	}
	var granted []notifyapi.WatchedType
	for _, t := range types.Slice() {
		if len(p.channelName(t)) > maxIdentifierLength {
			p.logger.Warn("channel name too long, type denied", zap.String("type", string(t)))
			continue
		}
		granted = append(granted, t)
	}
	return notifyapi.NewWatchedTypes(granted...), nil
}

func (p *PostgresSource) EnableBackgroundDelivery(ctx context.Context, t notifyapi.WatchedType, freq notifyapi.Frequency) error {
	p.table.setFrequency(t, freq)
	return nil
}

func (p *PostgresSource) Execute(t notifyapi.WatchedType, handler notifyapi.ObserverHandler) (notifyapi.QueryID, error) {
	channel := p.channelName(t)
	if len(channel) > maxIdentifierLength {
		return "", notifyapi.ErrAuthorizationDenied
	}
	id, err := p.table.start(t, handler, func() {
		p.unwatch(channel)
	})
	if err != nil {
		return "", err
	}
	p.lock.Lock()
	p.channels[channel]++
	p.byName[channel] = t
	p.lock.Unlock()
	p.markDirty()
	return id, nil
}

func (p *PostgresSource) unwatch(channel string) {
	p.lock.Lock()
	p.channels[channel]--
	if p.channels[channel] <= 0 {
		delete(p.channels, channel)
		delete(p.byName, channel)
	}
	p.lock.Unlock()
	p.markDirty()
}

func (p *PostgresSource) StopQuery(id notifyapi.QueryID) error {
	return p.table.stop(id)
}

func (p *PostgresSource) markDirty() {
	select {
	case p.dirty <- struct{}{}:
	default:
	}
}

func (p *PostgresSource) desired() map[string]struct{} {
	p.lock.Lock()
	defer p.lock.Unlock()
	res := make(map[string]struct{}, len(p.channels))
	for ch := range p.channels {
		res[ch] = struct{}{}
	}
	return res
}

func (p *PostgresSource) lookup(channel string) (notifyapi.WatchedType, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	t, ok := p.byName[channel]
	return t, ok
}

func (p *PostgresSource) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = p.opt.MaxReconnectInterval
	b.MaxElapsedTime = 0

	var conn *pgxpool.Conn
	err := backoff.RetryNotify(func() error {
		c, err := p.p.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		p.logger.Warn("acquire listen connection failed, retrying", zap.Duration("after", d), zap.Error(err))
	})
	return conn, err
}

func (p *PostgresSource) listenLoop(ctx context.Context) {
	defer close(p.closed)
	for ctx.Err() == nil {
		conn, err := p.acquire(ctx)
		if err != nil {
			return
		}
		err = p.serve(ctx, conn)
		// a connection with LISTEN state must not go back to the pool
		_ = conn.Hijack().Close(context.Background())
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("listen connection lost", zap.Error(err))
		}
	}
}

// serve keeps LISTEN in sync with the live queries and dispatches notifications until the connection fails
func (p *PostgresSource) serve(ctx context.Context, conn *pgxpool.Conn) error {
	listening := make(map[string]struct{})
	for {
		want := p.desired()
		for ch := range want {
			if _, ok := listening[ch]; ok {
				continue
			}
			if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
				return err
			}
			listening[ch] = struct{}{}
		}
		for ch := range listening {
			if _, ok := want[ch]; ok {
				continue
			}
			if _, err := conn.Exec(ctx, "UNLISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
				return err
			}
			delete(listening, ch)
		}

		waitCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-p.dirty:
				cancel()
			case <-waitCtx.Done():
			}
		}()
		n, err := conn.Conn().WaitForNotification(waitCtx)
		interrupted := waitCtx.Err() != nil
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if interrupted && !conn.Conn().IsClosed() {
				// woken up to resync LISTEN
				continue
			}
			return err
		}
		if t, ok := p.lookup(n.Channel); ok {
			p.table.notifyType(t)
		}
	}
}

// Notify issues NOTIFY for the channel of t, mostly useful for tooling and tests
func (p *PostgresSource) Notify(ctx context.Context, t notifyapi.WatchedType) error {
	if p.p == nil {
		return notifyapi.ErrSourceClosed
	}
	_, err := p.p.Exec(ctx, "SELECT pg_notify($1, '')", p.channelName(t))
	return err
}
