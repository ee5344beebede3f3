package relayserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/meidoworks/nekoq-notifyrelay/http/chi"
	"github.com/meidoworks/nekoq-notifyrelay/notify/notifyapi"
	"github.com/meidoworks/nekoq-notifyrelay/notify/relay"
)

const (
	apiPrefix = "/api/v1/relay"

	defaultEventBuffer = 2 * relay.DefaultPendingLimit
	defaultKeepAlive   = 15 * time.Second
)

// RelayService is the part of the relay exposed over http
type RelayService interface {
	Configure(types notifyapi.WatchedTypes, handle *notifyapi.EntryPointHandle) error
	Start(ctx context.Context) notifyapi.StartOutcome
	Stop(ctx context.Context) error
	Snapshot() relay.Snapshot
	Attach(sink notifyapi.Sink) (detach func(), err error)
}

type Options struct {
	Addr     string
	TlsAddr  string
	CertFile string
	KeyFile  string

	Logger *zap.Logger
	// JwtSecret enables HS256 bearer token checks on the relay api
	JwtSecret []byte
	// Gatherer is exported on /metrics when set
	Gatherer prometheus.Gatherer
	// DebugFire enables the debug fire endpoint
	DebugFire func(t notifyapi.WatchedType) int

	// EventBuffer bounds undelivered events of one event stream
	EventBuffer int
	// KeepAlive is the ping interval of event streams
	KeepAlive time.Duration
}

type Server struct {
	relay  RelayService
	opt    Options
	logger *zap.Logger

	api *chi.ChiHttpApiServer
}

func NewServer(svc RelayService, opt Options) (*Server, error) {
	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opt.EventBuffer <= 0 {
		opt.EventBuffer = defaultEventBuffer
	}
	if opt.KeepAlive <= 0 {
		opt.KeepAlive = defaultKeepAlive
	}
	s := &Server{
		relay:  svc,
		opt:    opt,
		logger: logger.Named("relayserver"),
	}
	s.api = chi.NewChiHttpApiServer(&chi.ChiHttpApiServerConfig{
		Addr:     opt.Addr,
		TlsAddr:  opt.TlsAddr,
		CertFile: opt.CertFile,
		KeyFile:  opt.KeyFile,
		Logger:   logger,
		Middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.Recoverer,
			chi.RequestLogger(s.logger),
		},
	})

	var mw []func(http.Handler) http.Handler
	if len(opt.JwtSecret) > 0 {
		mw = append(mw, jwtAuth(opt.JwtSecret, s.logger))
	}
	base := controller{middlewares: mw}

	apis := []chi.Api{
		&configureApi{controller: base, relay: svc},
		&startApi{controller: base, relay: svc},
		&stopApi{controller: base, relay: svc, logger: s.logger},
		&statusApi{controller: base, relay: svc},
		&eventsApi{controller: base, relay: svc, logger: s.logger, buffer: opt.EventBuffer, keepAlive: opt.KeepAlive},
	}
	if opt.DebugFire != nil {
		apis = append(apis, &debugFireApi{controller: base, fire: opt.DebugFire})
	}
	for _, a := range apis {
		if err := s.api.AddHttpApi(a); err != nil {
			return nil, err
		}
	}
	if opt.Gatherer != nil {
		s.api.Mount("/metrics", promhttp.HandlerFor(opt.Gatherer, promhttp.HandlerOpts{}))
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.api.Handler()
}

func (s *Server) Start() error {
	return s.api.StartServing()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.api.Shutdown(ctx)
}
