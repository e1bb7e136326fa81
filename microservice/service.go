// Package microservice is the HTTP face of the warehouse service: a gin engine
// with the standard middleware chain, a service registry shared with route
// handlers, and lifecycle hooks run around serving.
package microservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/next-trace/scg-warehouse/registry"
)

const (
	shutdownTimeout = 15 * time.Second

	HealthPath  = "/healthcheck"
	MetricsPath = "/metrics"
)

// Hook runs at a lifecycle edge.
type Hook func(ctx context.Context) error

// Options configures a Service.
type Options struct {
	ServiceName string
	Production  bool
	// APIKey, when set, is required in the X-API-Key header of every route
	// except health and metrics.
	APIKey string
	// Port 0 picks a free port.
	Port int
	// JSONLimit caps request bodies in bytes. Zero disables the cap.
	JSONLimit int64
	Logger    *zap.Logger
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	OnReady  []Hook
	OnExit   []Hook
}

// Service is a gin engine plus lifecycle.
type Service struct {
	opts     Options
	engine   *gin.Engine
	registry *registry.Registry
	logger   *zap.Logger

	exitOnce sync.Once

	mu   sync.Mutex
	addr net.Addr
}

// New builds the engine and installs middleware and the built-in routes.
func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	if opts.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Service{
		opts:     opts,
		engine:   gin.New(),
		registry: registry.New(),
		logger:   opts.Logger.With(zap.String("service", opts.ServiceName)),
	}

	s.engine.Use(
		gin.Recovery(),
		CorrelationID(),
		Logging(s.logger, HealthPath, MetricsPath),
		APIKey(opts.APIKey, HealthPath, MetricsPath),
		BodyLimit(opts.JSONLimit),
		registry.Middleware(s.registry),
	)

	s.engine.GET(HealthPath, func(c *gin.Context) { c.Status(http.StatusOK) })
	s.engine.GET(MetricsPath, gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))

	return s
}

// Handle registers a route.
func (s *Service) Handle(method, path string, handlers ...gin.HandlerFunc) {
	s.engine.Handle(method, path, handlers...)
}

// GET registers a GET route.
func (s *Service) GET(path string, handlers ...gin.HandlerFunc) {
	s.Handle(http.MethodGet, path, handlers...)
}

// Set stores a value in the service registry.
func (s *Service) Set(key string, value any) { s.registry.Set(key, value) }

// Get reads a value from the service registry.
func (s *Service) Get(key string) (any, bool) { return s.registry.Get(key) }

// Registry returns the registry shared with route handlers.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Handler exposes the engine, mostly for tests.
func (s *Service) Handler() http.Handler { return s.engine }

// Logger returns the service logger.
func (s *Service) Logger() *zap.Logger { return s.logger }

// Addr is the bound address once Listen has opened its listener.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.addr
}

// OnReady appends a hook run before the port is bound.
func (s *Service) OnReady(h Hook) { s.opts.OnReady = append(s.opts.OnReady, h) }

// OnExit appends a hook run once after serving stops.
func (s *Service) OnExit(h Hook) { s.opts.OnExit = append(s.opts.OnExit, h) }

// Listen runs the ready hooks, binds the port and serves until ctx is done.
// The exit hooks run exactly once, whatever the outcome.
func (s *Service) Listen(ctx context.Context) (err error) {
	defer func() {
		if exitErr := s.exit(); exitErr != nil {
			err = errors.Join(err, exitErr)
		}
	}()

	for _, h := range s.opts.OnReady {
		if err := h(ctx); err != nil {
			return fmt.Errorf("ready hook: %w", err)
		}
	}

	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.opts.Port, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	server := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)

	go func() {
		s.logger.Info("starting web server ...", zap.String("address", ln.Addr().String()))
		serveErr <- server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}

		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutdown web server ...")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown web server: %w", err)
	}

	s.logger.Info("web server exiting")

	return nil
}

func (s *Service) exit() error {
	var err error

	s.exitOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		for _, h := range s.opts.OnExit {
			err = errors.Join(err, h(ctx))
		}
	})

	return err
}
