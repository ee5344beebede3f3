package chi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/meidoworks/nekoq-notifyrelay/component/comphttp"
	"github.com/meidoworks/nekoq-notifyrelay/http/stdserver"
)

type Api = comphttp.HttpApi[*http.Request, http.ResponseWriter]

type ApiWithMiddlewares = comphttp.HttpApiWithMiddlewares[*http.Request, http.ResponseWriter, func(http.Handler) http.Handler]

type ChiHttpApiServerConfig struct {
	Addr string
	// TlsAddr enables https next to http when CertFile and KeyFile are set too
	TlsAddr  string
	CertFile string
	KeyFile  string

	Logger *zap.Logger
	// Middlewares wrap every route of the server
	Middlewares chi.Middlewares
}

type ChiHttpApiServer struct {
	handlerList []Api

	chiRouter *chi.Mux
	cfg       *ChiHttpApiServerConfig
	logger    *zap.Logger

	server *stdserver.CombinedStdHttpServer
}

func (c *ChiHttpApiServer) Handler() http.Handler {
	return c.chiRouter
}

// StartServing listens in the background
func (c *ChiHttpApiServer) StartServing() error {
	srv, err := stdserver.StartCombinedStdHttpServer(&stdserver.CombinedStdHttpServerReq{
		Addr:     c.cfg.Addr,
		TlsAddr:  c.cfg.TlsAddr,
		CertFile: c.cfg.CertFile,
		KeyFile:  c.cfg.KeyFile,
		Handler:  c.chiRouter,
		Logger:   c.logger,
		StartedCallback: func(serverTypeName string) {
			c.logger.Info("server started", zap.String("type", serverTypeName))
		},
	})
	if err != nil {
		return err
	}
	c.server = srv
	return nil
}

func (c *ChiHttpApiServer) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

func (c *ChiHttpApiServer) DefaultErrorHandler(err error) comphttp.ResponseHandler[http.ResponseWriter] {
	var httpErr *HttpError
	if errors.As(err, &httpErr) {
		return RenderJsonError(httpErr.Status, httpErr.Err)
	}
	return RenderJsonError(http.StatusInternalServerError, err)
}

func (c *ChiHttpApiServer) mappingUrl(a Api) (string, error) {
	u, err := url.Parse(path.Join("/", a.ParentUrl(), a.Url()))
	if err != nil {
		return "", err
	}
	return u.Path, nil
}

func (c *ChiHttpApiServer) AddHttpApi(a Api) error {
	fullPath, err := c.mappingUrl(a)
	if err != nil {
		return err
	}

	router := chi.Router(c.chiRouter)
	if m, ok := a.(ApiWithMiddlewares); ok && len(m.Middlewares()) > 0 {
		router = c.chiRouter.With(m.Middlewares()...)
	}

	for _, method := range a.HttpMethod() {
		router.MethodFunc(method, fullPath, func(writer http.ResponseWriter, request *http.Request) {
			var renderErr error
			render, err := a.Handle(request)
			if err != nil {
				renderErr = c.DefaultErrorHandler(err).Render(writer)
			} else {
				renderErr = render.Render(writer)
			}
			if renderErr != nil {
				// the status may have been committed already, nothing left to send
				c.logger.Warn("render response failed", zap.String("path", request.URL.Path), zap.Error(renderErr))
			}
		})
	}

	c.handlerList = append(c.handlerList, a)
	return nil
}

// Mount attaches a plain handler, e.g. metrics exporters
func (c *ChiHttpApiServer) Mount(pattern string, h http.Handler) {
	c.chiRouter.Handle(pattern, h)
}

var _ comphttp.HttpApiSet[*http.Request, http.ResponseWriter] = new(ChiHttpApiServer)

func NewChiHttpApiServer(cfg *ChiHttpApiServerConfig) *ChiHttpApiServer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(cfg.Middlewares...)
	return &ChiHttpApiServer{
		chiRouter: r,
		cfg:       cfg,
		logger:    logger.Named("http"),
	}
}

// RequestLogger logs one line per request with the final status
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := wrapWriter(w, r)
			start := time.Now()
			defer func() {
				logger.Debug("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Duration("elapsed", time.Since(start)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
