package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kidhasmoxy/otto-engine/engine"
	"github.com/kidhasmoxy/otto-engine/errors"
	"github.com/kidhasmoxy/otto-engine/health"
	"github.com/kidhasmoxy/otto-engine/rule"
	"github.com/kidhasmoxy/otto-engine/types/hass"
)

// Defaults for Config.
const (
	DefaultPort           = 8080
	DefaultMaxRequestSize = 1 << 20
)

// Backend is what the API needs from the engine. *engine.Bridge implements it.
type Backend interface {
	ListRules(ctx context.Context) ([]rule.Definition, error)
	GetRule(ctx context.Context, id string) (rule.Definition, bool, error)
	SaveRule(ctx context.Context, raw map[string]any) (engine.Result, error)
	DeleteRule(ctx context.Context, id string) (bool, error)
	ReloadRules(ctx context.Context) (engine.Result, error)
	ListEntities(ctx context.Context) ([]*hass.EntityState, error)
	ListServices(ctx context.Context) ([]*hass.ServiceDomain, error)
	CheckTimeSpec(ctx context.Context, raw map[string]any) (engine.Result, error)
	GetState(ctx context.Context, group, key string) (any, bool, error)
	CallService(ctx context.Context, call hass.ServiceCall) error
}

var _ Backend = (*engine.Bridge)(nil)

// HealthFunc reports current health.
type HealthFunc func() health.Status

// Config for the API server.
type Config struct {
	// Port 0 picks a free port.
	Port int
	// EnableCORS adds CORS headers for CORSOrigins. "*" allows any origin.
	EnableCORS  bool
	CORSOrigins []string
	// MaxRequestSize limits request bodies in bytes.
	MaxRequestSize int64
	// TLS serves HTTPS when set.
	TLS *tls.Config
}

// Server is the HTTP API server.
type Server struct {
	cfg     Config
	backend Backend
	health  HealthFunc
	logger  *slog.Logger
	router  *gin.Engine

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates a Server. healthFn may be nil.
func NewServer(cfg Config, backend Backend, healthFn HealthFunc, logger *slog.Logger) (*Server, error) {
	if backend == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Server", "NewServer", "check backend")
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = DefaultMaxRequestSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		backend: backend,
		health:  healthFn,
		logger:  logger.With("component", "api"),
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the API's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), s.logRequests(), s.cors(), limitBody(s.cfg.MaxRequestSize))

	r.GET("/health", s.getHealth)

	v1 := r.Group("/api/v1")
	v1.GET("/rules", s.listRules)
	v1.POST("/rules", s.saveRule)
	v1.POST("/rules/reload", s.reloadRules)
	v1.GET("/rules/:id", s.getRule)
	v1.PUT("/rules/:id", s.saveRule)
	v1.DELETE("/rules/:id", s.deleteRule)
	v1.GET("/entities", s.listEntities)
	v1.GET("/services", s.listServices)
	v1.POST("/services/:domain/:service", s.callService)
	v1.POST("/timespec/check", s.checkTimeSpec)
	v1.GET("/state/:group/:key", s.getState)
	return r
}

// Run serves until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	srv, ln, err := s.listen()
	if err != nil {
		return err
	}
	s.logger.Info("API server listening", "address", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- errors.WrapTransient(err, "Server", "Run", "serve")
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) listen() (*http.Server, net.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return nil, nil, errors.WrapFatal(errors.ErrAlreadyRunning, "Server", "Run", "start API server")
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return nil, nil, errors.WrapTransient(err, "Server", "Run", "listen")
	}
	if s.cfg.TLS != nil {
		ln = tls.NewListener(ln, s.cfg.TLS)
	}
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.listener = ln
	return s.server, ln, nil
}

// Address returns the bound address, or "" before Run.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
