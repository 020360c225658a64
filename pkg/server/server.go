// Package server implements the textrelay server: a TCP listener, one session
// per connection, a shared registry of logged-in users, chat broadcast and a
// file relay backed by per-user storage areas.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/NicolasHaas/textrelay/pkg/storage"
)

// Dependencies holds external dependencies for the server.
type Dependencies struct {
	// Storage holds the per-user areas. Nil means storage.NewOS(Config.StorageRoot).
	Storage *storage.Storage
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server is the relay server context, built once at startup and shared by
// every session.
type Server struct {
	cfg      Config
	log      *slog.Logger
	storage  *storage.Storage
	registry *Registry
	metrics  *Metrics

	listener net.Listener
	nextID   atomic.Uint64
	sessions sync.WaitGroup

	// live tracks every session goroutine, registered or not, so Shutdown
	// can close connections still stuck in the handshake.
	liveMu  sync.Mutex
	live    map[uint64]*Session
	closing bool

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	st := deps.Storage
	if st == nil {
		var err error
		st, err = storage.NewOS(cfg.StorageRoot)
		if err != nil {
			return nil, fmt.Errorf("server: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		log:      logger,
		storage:  st,
		registry: NewRegistry(st),
		metrics:  NewMetrics(),
		live:     make(map[uint64]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Registry returns the session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Storage returns the per-user storage.
func (s *Server) Storage() *storage.Storage {
	return s.storage
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
