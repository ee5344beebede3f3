package relayserver

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/sse"
	"go.uber.org/zap"

	"github.com/meidoworks/nekoq-notifyrelay/component/comphttp"
	"github.com/meidoworks/nekoq-notifyrelay/http/chi"
	"github.com/meidoworks/nekoq-notifyrelay/notify/notifyapi"
)

type controller struct {
	middlewares []func(http.Handler) http.Handler
}

func (c controller) ParentUrl() string {
	return apiPrefix
}

func (c controller) Middlewares() []func(http.Handler) http.Handler {
	return c.middlewares
}

func success(extra map[string]any) comphttp.ResponseHandler[http.ResponseWriter] {
	res := map[string]any{"result": true}
	for k, v := range extra {
		res[k] = v
	}
	return chi.RenderJson(http.StatusOK, res)
}

type configureReq struct {
	Types  []string `json:"types"`
	Handle *int64   `json:"handle"`
}

type configureApi struct {
	controller
	relay RelayService
}

func (c *configureApi) Url() string {
	return "/configure"
}

func (c *configureApi) HttpMethod() []string {
	return []string{http.MethodPost}
}

func (c *configureApi) Handle(r *http.Request) (comphttp.ResponseHandler[http.ResponseWriter], error) {
	req := new(configureReq)
	if err := chi.BindJson(r, req); err != nil {
		return nil, err
	}
	var handle *notifyapi.EntryPointHandle
	if req.Handle != nil {
		h := notifyapi.EntryPointHandle(*req.Handle)
		handle = &h
	}
	if err := c.relay.Configure(notifyapi.ParseWatchedTypes(req.Types), handle); err != nil {
		return nil, err
	}
	return success(nil), nil
}

type startApi struct {
	controller
	relay RelayService
}

func (s *startApi) Url() string {
	return "/start_service"
}

func (s *startApi) HttpMethod() []string {
	return []string{http.MethodPost}
}

// Handle always answers true, the outcome tells what happened
func (s *startApi) Handle(r *http.Request) (comphttp.ResponseHandler[http.ResponseWriter], error) {
	outcome := s.relay.Start(r.Context())
	return success(map[string]any{"outcome": outcome.String()}), nil
}

type stopApi struct {
	controller
	relay  RelayService
	logger *zap.Logger
}

func (s *stopApi) Url() string {
	return "/stop_service"
}

func (s *stopApi) HttpMethod() []string {
	return []string{http.MethodPost}
}

func (s *stopApi) Handle(r *http.Request) (comphttp.ResponseHandler[http.ResponseWriter], error) {
	if err := s.relay.Stop(r.Context()); err != nil {
		s.logger.Warn("stop finished with errors", zap.Error(err))
	}
	return success(nil), nil
}

type statusApi struct {
	controller
	relay RelayService
}

func (s *statusApi) Url() string {
	return "/status"
}

func (s *statusApi) HttpMethod() []string {
	return []string{http.MethodGet}
}

func (s *statusApi) Handle(r *http.Request) (comphttp.ResponseHandler[http.ResponseWriter], error) {
	return chi.RenderJson(http.StatusOK, s.relay.Snapshot()), nil
}

type debugFireApi struct {
	controller
	fire func(t notifyapi.WatchedType) int
}

func (d *debugFireApi) Url() string {
	return "/debug/fire/{type}"
}

func (d *debugFireApi) HttpMethod() []string {
	return []string{http.MethodPost}
}

func (d *debugFireApi) Handle(r *http.Request) (comphttp.ResponseHandler[http.ResponseWriter], error) {
	t := chi.GetUrlParam(r, "type")
	if t == "" {
		return nil, chi.NewHttpError(http.StatusBadRequest, errors.New("empty type"))
	}
	return success(map[string]any{"queries": d.fire(notifyapi.WatchedType(t))}), nil
}

var (
	errStreamClosed = errors.New("event stream closed")
	errStreamSlow   = errors.New("event stream too slow")
)

// streamSink hands events from the relay loop to one event stream without blocking
type streamSink struct {
	ch chan notifyapi.WatchedType

	once   sync.Once
	broken chan struct{}
}

func newStreamSink(buffer int) *streamSink {
	return &streamSink{
		ch:     make(chan notifyapi.WatchedType, buffer),
		broken: make(chan struct{}),
	}
}

func (s *streamSink) close() {
	s.once.Do(func() {
		close(s.broken)
	})
}

func (s *streamSink) Send(t notifyapi.WatchedType) error {
	select {
	case <-s.broken:
		return errStreamClosed
	default:
	}
	select {
	case s.ch <- t:
		return nil
	default:
		s.close()
		return errStreamSlow
	}
}

// Undelivered returns events accepted but not written, the stream must have stopped reading
func (s *streamSink) Undelivered() []notifyapi.WatchedType {
	var items []notifyapi.WatchedType
	for {
		select {
		case t := <-s.ch:
			items = append(items, t)
		default:
			return items
		}
	}
}

var _ notifyapi.BufferedSink = new(streamSink)

type eventsApi struct {
	controller
	relay     RelayService
	logger    *zap.Logger
	buffer    int
	keepAlive time.Duration
}

func (e *eventsApi) Url() string {
	return "/events"
}

func (e *eventsApi) HttpMethod() []string {
	return []string{http.MethodGet}
}

func (e *eventsApi) Handle(r *http.Request) (comphttp.ResponseHandler[http.ResponseWriter], error) {
	return comphttp.ResponseHandlerFunc[http.ResponseWriter](func(w http.ResponseWriter) error {
		return e.stream(r.Context(), w)
	}), nil
}

func (e *eventsApi) stream(ctx context.Context, w http.ResponseWriter) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return chi.RenderJsonError(http.StatusInternalServerError, errors.New("streaming unsupported")).Render(w)
	}

	sink := newStreamSink(e.buffer)
	detach, err := e.relay.Attach(sink)
	if err != nil {
		return chi.RenderJsonError(http.StatusServiceUnavailable, err).Render(w)
	}
	// events accepted but not written go back to the relay on detach
	defer func() {
		sink.close()
		detach()
	}()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(e.keepAlive)
	defer ticker.Stop()
	for {
		var ev sse.Event
		select {
		case <-ctx.Done():
			return nil
		case <-sink.broken:
			// too slow, later events stay buffered in the relay until the next attach
			e.drain(w, sink)
			flusher.Flush()
			return nil
		case <-ticker.C:
			ev = sse.Event{Event: "ping", Data: time.Now().UTC().Format(time.RFC3339)}
		case t := <-sink.ch:
			ev = sse.Event{Event: "change", Data: string(t)}
		}
		if err := sse.Encode(w, ev); err != nil {
			e.logger.Debug("event stream write failed", zap.Error(err))
			return nil
		}
		flusher.Flush()
	}
}

// drain writes events accepted before the sink broke
func (e *eventsApi) drain(w http.ResponseWriter, sink *streamSink) {
	for {
		select {
		case t := <-sink.ch:
			if err := sse.Encode(w, sse.Event{Event: "change", Data: string(t)}); err != nil {
				return
			}
		default:
			return
		}
	}
}
