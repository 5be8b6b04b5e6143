package metric

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kidhasmoxy/otto-engine/errors"
)

// Server serves the registry over HTTP.
type Server struct {
	port     int
	path     string
	server   *http.Server
	listener net.Listener
	registry *MetricsRegistry
	mu       sync.Mutex // protects server and listener
}

// NewServer creates a metrics server. A zero port means 9090 and an empty path
// means /metrics.
func NewServer(port int, path string, registry *MetricsRegistry) *Server {
	if path == "" {
		path = "/metrics"
	}
	if port == 0 {
		port = 9090
	}
	return &Server{
		port:     port,
		path:     path,
		registry: registry,
	}
}

// Handler returns the HTTP handler without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// Start serves until Stop is called. It returns nil after a clean stop.
func (s *Server) Start() error {
	srv, ln, err := s.listen()
	if err != nil {
		return err
	}
	return serve(srv, ln)
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv, ln, err := s.listen()
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- serve(srv, ln) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if err := s.Stop(); err != nil {
			return err
		}
		return <-errCh
	}
}

func (s *Server) listen() (*http.Server, net.Listener, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return nil, nil, errors.WrapInvalid(errors.ErrAlreadyRunning, "Server", "Start", "start metrics server")
	}
	if s.registry == nil {
		return nil, nil, errors.WrapFatal(fmt.Errorf("nil registry"), "Server", "Start", "check registry")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return nil, nil, errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on port %d", s.port))
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.listener = ln
	return s.server, ln, nil
}

func serve(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.WrapFatal(err, "Server", "Start", "serve metrics")
	}
	return nil
}

// Stop closes the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		err := s.server.Close()
		s.server = nil
		s.listener = nil
		if err != nil {
			return errors.WrapTransient(err, "Server", "Stop", "close HTTP server")
		}
	}
	return nil
}

// Address returns the metrics URL, using the bound address once started.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Sprintf("http://%s%s", s.listener.Addr().String(), s.path)
	}
	return fmt.Sprintf("http://localhost:%d%s", s.port, s.path)
}
