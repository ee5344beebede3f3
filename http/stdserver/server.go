package stdserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

type StdHttpServerReq struct {
	Addr    string
	Handler http.Handler
	Logger  *zap.Logger

	StartedCallback func()
}

type StdHttpServer struct {
	l   net.Listener
	srv *http.Server
}

func loggerOf(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func serve(logger *zap.Logger, name string, fn func() error) {
	go func() {
		if err := fn(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server terminated", zap.String("server", name), zap.Error(err))
		}
	}()
}

func StartStdHttpServer(req *StdHttpServerReq) (*StdHttpServer, error) {
	l, err := net.Listen("tcp", req.Addr)
	if err != nil {
		return nil, err
	}
	res := &StdHttpServer{
		l: l,
		srv: &http.Server{
			Handler: req.Handler,
		},
	}
	serve(loggerOf(req.Logger), "http", func() error {
		return res.srv.Serve(l)
	})
	if req.StartedCallback != nil {
		req.StartedCallback()
	}
	return res, nil
}

// Addr is the bound address, useful when listening on port 0
func (h *StdHttpServer) Addr() net.Addr {
	return h.l.Addr()
}

func (h *StdHttpServer) Shutdown(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}

type StdHttpTlsServerReq struct {
	Addr    string
	Handler http.Handler
	Logger  *zap.Logger

	CertFile string
	KeyFile  string

	StartedCallback func()
}

type StdHttpTlsServer struct {
	l   net.Listener
	srv *http.Server

	cert atomic.Pointer[tls.Certificate]
}

// ReloadCertificate swaps the served certificate without restarting the listener
func (h *StdHttpTlsServer) ReloadCertificate(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return err
	}
	h.cert.Store(&cert)
	return nil
}

func StartStdHttpTlsServer(req *StdHttpTlsServerReq) (*StdHttpTlsServer, error) {
	result := &StdHttpTlsServer{}
	if err := result.ReloadCertificate(req.CertFile, req.KeyFile); err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", req.Addr)
	if err != nil {
		return nil, err
	}
	result.l = ln
	result.srv = &http.Server{
		Handler: req.Handler,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
				cert := result.cert.Load()
				if err := hello.SupportsCertificate(cert); err != nil {
					return nil, fmt.Errorf("unsupported certificate: %w", err)
				}
				return cert, nil
			},
		},
	}
	serve(loggerOf(req.Logger), "https", func() error {
		return result.srv.ServeTLS(ln, "", "")
	})
	if req.StartedCallback != nil {
		req.StartedCallback()
	}
	return result, nil
}

func (h *StdHttpTlsServer) Shutdown(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}

type CombinedStdHttpServerReq struct {
	Addr     string
	TlsAddr  string
	CertFile string
	KeyFile  string
	Handler  http.Handler
	Logger   *zap.Logger

	StartedCallback func(serverTypeName string)
}

type CombinedStdHttpServer struct {
	httpServer    *StdHttpServer
	tlsHttpServer *StdHttpTlsServer
}

// StartCombinedStdHttpServer serves plain http and, when TlsAddr and the key pair are set, https
func StartCombinedStdHttpServer(req *CombinedStdHttpServerReq) (*CombinedStdHttpServer, error) {
	result := &CombinedStdHttpServer{}
	started := func(name string) func() {
		return func() {
			if req.StartedCallback != nil {
				req.StartedCallback(name)
			}
		}
	}

	httpServer, err := StartStdHttpServer(&StdHttpServerReq{
		Addr:            req.Addr,
		Handler:         req.Handler,
		Logger:          req.Logger,
		StartedCallback: started("http"),
	})
	if err != nil {
		return nil, err
	}
	result.httpServer = httpServer

	if req.TlsAddr != "" && req.CertFile != "" && req.KeyFile != "" {
		tlsHttpServer, err := StartStdHttpTlsServer(&StdHttpTlsServerReq{
			Addr:            req.TlsAddr,
			Handler:         req.Handler,
			Logger:          req.Logger,
			CertFile:        req.CertFile,
			KeyFile:         req.KeyFile,
			StartedCallback: started("https"),
		})
		if err != nil {
			_ = httpServer.Shutdown(context.Background())
			return nil, err
		}
		result.tlsHttpServer = tlsHttpServer
	}
	return result, nil
}

func (h *CombinedStdHttpServer) Shutdown(ctx context.Context) error {
	var result *multierror.Error
	if h.httpServer != nil {
		if err := h.httpServer.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if h.tlsHttpServer != nil {
		if err := h.tlsHttpServer.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
