// Package server exposes the realtime HTTP surface: the SSE and websocket
// streams, the control and debug endpoints, the internal relay endpoint and
// Prometheus metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/KKKKjl/pushkit/internal/broadcast"
	"github.com/KKKKjl/pushkit/internal/filter"
	"github.com/KKKKjl/pushkit/internal/hub"
	"github.com/KKKKjl/pushkit/internal/identity"
	"github.com/KKKKjl/pushkit/internal/relay"
	"github.com/KKKKjl/pushkit/internal/server/ws"
	"github.com/KKKKjl/pushkit/internal/stats"
	"github.com/KKKKjl/pushkit/logger"
)

const (
	StreamPath  = "/api/realtime/stream"
	WsPath      = "/api/realtime/ws"
	ControlPath = "/api/realtime/control"
	DebugPath   = "/api/realtime/debug"
	RelayPath   = "/internal/relay"
	MetricsPath = "/metrics"

	defaultAddr = ":8000"
)

type Server struct {
	addr        string
	hub         *hub.Hub
	broadcaster *broadcast.Broadcaster
	stats       *stats.Collector
	identity    identity.Resolver
	relaySecret string
	retryHint   time.Duration
	origins     []string
	gatherer    prometheus.Gatherer

	// cors runs on every browser facing route, control adds rate limiting.
	cors    *filter.FilterChains
	control *filter.FilterChains

	httpServer *http.Server
	logger     *logrus.Entry
}

type Option func(*Server)

func WithAddr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

func WithIdentity(resolver identity.Resolver) Option {
	return func(s *Server) {
		s.identity = resolver
	}
}

func WithRelaySecret(secret string) Option {
	return func(s *Server) {
		s.relaySecret = secret
	}
}

// WithRetryHint sets the reconnect delay advertised to EventSource clients.
func WithRetryHint(d time.Duration) Option {
	return func(s *Server) {
		s.retryHint = d
	}
}

func WithOrigins(origins []string) Option {
	return func(s *Server) {
		s.origins = origins
	}
}

func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithFilters sets the browser facing filters and the extra filters of the
// control endpoint. The relay endpoint is guarded by its secret only.
func WithFilters(browser []filter.Handler, control []filter.Handler) Option {
	return func(s *Server) {
		s.cors = filter.NewFilterChains(browser...)
		s.control = filter.NewFilterChains(append(append([]filter.Handler{}, browser...), control...)...)
	}
}

func WithLogger(entry *logrus.Entry) Option {
	return func(s *Server) {
		s.logger = entry
	}
}

func New(b *broadcast.Broadcaster, opts ...Option) *Server {
	s := &Server{
		addr:        defaultAddr,
		hub:         b.Hub(),
		broadcaster: b,
		stats:       stats.New(b.Hub()),
		identity:    identity.Anonymous{},
		retryHint:   3 * time.Second,
		origins:     []string{"*"},
		gatherer:    prometheus.DefaultGatherer,
		cors:        filter.NewFilterChains(),
		control:     filter.NewFilterChains(),
		logger:      logger.Component("server"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Server) Stats() *stats.Collector {
	return s.stats
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(s.cors.Middleware)

		r.Get(StreamPath, s.stream)
		r.Options(StreamPath, noContent)
		r.Get(DebugPath, s.debugQuery)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.control.Middleware)

		r.Post(ControlPath, s.controlHandler)
		r.Options(ControlPath, noContent)
	})

	// websocket origins are checked by the upgrader
	r.Get(WsPath, ws.NewWsHandler(s.hub, s.identity, ws.WithCheckOrigin(ws.CheckOrigin(s.origins))).ServeHTTP)

	r.Method(http.MethodPost, RelayPath, relay.NewHandler(s.broadcaster, s.relaySecret))
	r.Method(http.MethodGet, MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	})

	return r
}

// Run serves until ctx is done, then closes every stream and shuts down.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// streams never finish on their own, release them once Shutdown starts
	s.httpServer.RegisterOnShutdown(func() {
		n := s.hub.CloseAll()
		s.logger.Debugf("Closed %d open streams.", n)
	})

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Start http server at addr: %s", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down the http server gracefully.")
	return s.Stop()
}

func (s *Server) Stop() error {
	if s.httpServer == nil {
		s.hub.CloseAll()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Errorf("Failed to shutdown http server: %v", err)
		return err
	}

	return nil
}

// reached only when the cors filter did not answer the preflight itself
func noContent(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
