// Package server implements the chat relay: the HTTP auth API and the
// WebSocket endpoint that fans chat events out to every connected user.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aeolun/chatrelay/pkg/auth"
	"github.com/aeolun/chatrelay/pkg/database"
	"github.com/aeolun/chatrelay/pkg/logging"
	"github.com/aeolun/chatrelay/pkg/messagelog"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the chat relay server
type Server struct {
	config  ServerConfig
	logger  logging.Logger
	metrics *Metrics
	gather  prometheus.Gatherer

	store    database.UserStore
	creds    *auth.Credentials
	issuer   *auth.Issuer
	registry *Registry
	messages *messagelog.Log
	router   *Router
	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener
	startTime  time.Time

	baseCtx  context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	clients  map[*Client]struct{}
	shutdown bool
	wg       sync.WaitGroup
}

// NewServer builds a server from config. With an empty DatabasePath users
// are kept in memory, otherwise in the SQLite database at that path.
func NewServer(ctx context.Context, config ServerConfig, logger logging.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var store database.UserStore
	if config.DatabasePath == "" {
		store = database.NewMemStore()
	} else {
		path, err := config.ResolvedDatabasePath()
		if err != nil {
			return nil, err
		}
		db, err := database.Open(ctx, path, logger.With("component", "database"))
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		store = db
	}

	srv, err := newServer(config, logger, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	return srv, nil
}

func newServer(config ServerConfig, logger logging.Logger, store database.UserStore) (*Server, error) {
	creds, err := auth.NewCredentials(store, config.BcryptCost, config.OneAccountPerOrigin)
	if err != nil {
		return nil, err
	}
	issuer, err := auth.NewIssuer(config.JWTSecret, config.TokenTTL)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := NewMetrics(reg)

	registry := NewRegistry(metrics)
	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:   config,
		logger:   logger,
		metrics:  metrics,
		gather:   reg,
		store:    store,
		creds:    creds,
		issuer:   issuer,
		registry: registry,
		messages: messagelog.New(messagelog.Options{
			Capacity:      config.HistoryCapacity,
			MaxTextLength: config.MaxMessageLength,
		}),
		router:    NewRouter(registry, logger.With("component", "router"), metrics),
		startTime: time.Now(),
		baseCtx:   baseCtx,
		cancel:    cancel,
		clients:   make(map[*Client]struct{}),
	}
	s.upgrader = s.newUpgrader()
	return s, nil
}

// Handler returns the HTTP handler serving the API, /health, /metrics and
// the WebSocket endpoint
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/register", s.RegisterHandler)
	mux.HandleFunc("POST /api/auth/login", s.LoginHandler)
	mux.HandleFunc("POST /api/auth/check", s.CheckHandler)
	mux.HandleFunc("GET /health", s.HealthHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /ws", s.HandleWebSocket)
	return corsMiddleware(mux)
}

// Start listens on the configured port and serves in the background
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.config.UsesDefaultSecret() {
		s.logger.Warn(s.baseCtx, "using the default JWT secret, set JWT_SECRET or auth.jwt_secret in production")
	}
	s.logger.Info(s.baseCtx, "server listening", "addr", listener.Addr().String())

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(s.baseCtx, "http server stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the listening address once Start has succeeded
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server: it stops accepting requests, closes
// every WebSocket with a going-away frame, waits for the connections to
// finish and closes the user store.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	for _, c := range clients {
		c.CloseWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for connections: %w", ctx.Err()))
	}

	s.cancel()
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// track adds c to the live connection set and accounts for its two pumps.
// It fails once Stop has begun.
func (s *Server) track(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return false
	}
	s.clients[c] = struct{}{}
	// one per pump
	s.wg.Add(2)
	s.metrics.RecordActiveConnections(1)
	return true
}

func (s *Server) untrack(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		s.metrics.RecordActiveConnections(-1)
	}
}
