// Package api serves the ratewatch HTTP API.
//
// Routes:
//
//	POST /api/v1/samples                  submit a JSON array of samples
//	GET  /api/v1/rates/{series...}        range query
//	GET  /api/v1/percentile/{series...}   percentile of native rates
//	GET  /metrics                         Prometheus metrics
//	GET  /healthz                         store health
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/ratewatch/config"
	"github.com/xtxerr/ratewatch/internal/logging"
	"github.com/xtxerr/ratewatch/internal/storage/query"
	"github.com/xtxerr/ratewatch/internal/storage/types"
)

var log = logging.Component("api")

// Backend is what the API needs from the storage service.
type Backend interface {
	Submit(ctx context.Context, samples []types.RawSample) error
	Query(ctx context.Context, req query.Request) (*query.Result, error)
	Percentile(ctx context.Context, series string, begin, end int64, q float64) (*query.PercentileResult, error)
	Health(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	Listen          string
	MaxRequestBytes int64
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration

	// Gatherer serves /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP front end of a Backend.
type Server struct {
	backend Backend
	opts    Options
	mux     *http.ServeMux
	http    *http.Server
}

// NewServer creates a server and registers its routes.
func NewServer(backend Backend, opts Options) *Server {
	if opts.Listen == "" {
		opts.Listen = config.DefaultListenAddress
	}
	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = config.DefaultMaxRequestBytes
	}

	s := &Server{backend: backend, opts: opts, mux: http.NewServeMux()}

	s.mux.HandleFunc("POST /api/v1/samples", s.handleSubmit)
	s.mux.HandleFunc("GET /api/v1/rates/{series...}", s.handleRates)
	s.mux.HandleFunc("GET /api/v1/percentile/{series...}", s.handlePercentile)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if opts.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	s.http = &http.Server{
		Addr:              opts.Listen,
		Handler:           s.Handler(),
		ReadTimeout:       opts.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      opts.WriteTimeout,
	}
	return s
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return requestMiddleware(s.mux)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	log.Info("http api listening", "addr", ln.Addr().String())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on Options.Listen and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
