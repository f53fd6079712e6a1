// Package server provides the HTTP server for the data server.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/wolfeidau/dataserver/archive"
	"github.com/wolfeidau/dataserver/pipeline"
	"github.com/wolfeidau/dataserver/store"
	"github.com/wolfeidau/dataserver/store/blockdb"
	"github.com/wolfeidau/dataserver/store/pgstore"
	"github.com/wolfeidau/dataserver/telemetry"
	"golang.org/x/net/netutil"
)

const (
	// StoreBolt selects the embedded bbolt store.
	StoreBolt = "bolt"
	// StorePostgres selects the PostgreSQL store.
	StorePostgres = "postgres"

	// DefaultMaxBodyBytes caps the size of a pushed envelope.
	DefaultMaxBodyBytes = 10 * 1024 * 1024
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8090")
	Address string

	// Store selects the envelope store backend: "bolt" or "postgres".
	Store string

	// StoragePath is the bbolt database file used by the bolt store.
	StoragePath string

	// DatabaseURL is the PostgreSQL connection string used by the postgres store.
	DatabaseURL string

	// ArchiveURL is the archival sink endpoint. Empty disables forwarding.
	ArchiveURL string

	// ArchiveToken is sent as a bearer token to the archival sink.
	ArchiveToken string

	// ArchiveTimeout bounds a single archival forward.
	ArchiveTimeout time.Duration

	// ArchiveMaxInFlight is the number of concurrent archival forwards.
	// Further forwards are dropped while the limit is reached.
	ArchiveMaxInFlight int

	// MaxConnections limits concurrently accepted connections. Zero means unlimited.
	MaxConnections int

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the data server.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	store        store.EnvelopeStore
	forwarder    *archive.Forwarder
	ingester     *pipeline.Ingester
	querier      *pipeline.Querier
	reclassifier *pipeline.Reclassifier

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new server with the given configuration, opening the
// configured store.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8090"
	}
	if cfg.Store == "" {
		cfg.Store = StoreBolt
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./dataserver.db"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	envStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Initialize the archival forwarder if a sink is configured
	var forwarder *archive.Forwarder
	var fwd pipeline.Forwarder = archive.Nop{}
	if cfg.ArchiveURL != "" {
		forwarder = archive.New(
			archive.WithURL(cfg.ArchiveURL),
			archive.WithAuthToken(cfg.ArchiveToken),
			archive.WithTimeout(cfg.ArchiveTimeout),
			archive.WithMaxInFlight(cfg.ArchiveMaxInFlight),
			archive.WithLogger(cfg.Logger.With("component", "archive")),
		)
		fwd = forwarder
	}

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger,
		store:     envStore,
		forwarder: forwarder,
		ingester: pipeline.NewIngester(envStore, fwd,
			pipeline.WithIngestLogger(cfg.Logger.With("component", "ingest")),
		),
		querier: pipeline.NewQuerier(envStore,
			pipeline.WithQueryLogger(cfg.Logger.With("component", "query")),
		),
		reclassifier: pipeline.NewReclassifier(envStore,
			pipeline.WithReclassifyLogger(cfg.Logger.With("component", "reclassify")),
		),
	}

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.requestLog(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// openStore opens the configured backend wrapped with metrics.
func openStore(ctx context.Context, cfg Config) (store.EnvelopeStore, error) {
	switch cfg.Store {
	case StoreBolt:
		db := blockdb.NewBoltDB(blockdb.WithLogger(cfg.Logger.With("component", "blockdb")))
		if err := db.Open(cfg.StoragePath); err != nil {
			return nil, fmt.Errorf("opening bolt store: %w", err)
		}
		return store.NewInstrumented(db, StoreBolt), nil
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("postgres store requires a database url")
		}
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, pgstore.WithLogger(cfg.Logger.With("component", "pgstore")))
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		return store.NewInstrumented(pg, StorePostgres), nil
	default:
		return nil, fmt.Errorf("unknown store %q (want %s or %s)", cfg.Store, StoreBolt, StorePostgres)
	}
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Store and archive stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Producer endpoints
	mux.HandleFunc("POST /dataserver/pushdata", s.handlePush)
	mux.HandleFunc("GET /dataserver/data/{blockType}", s.handleQuery)
	mux.HandleFunc("PATCH /dataserver/update/{name}/{newBlockType}", s.handleUpdate)
}

// Handler returns the root HTTP handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	return s.Serve(ln)
}

// Serve serves HTTP on ln, applying the connection limit.
func (s *Server) Serve(ln net.Listener) error {
	if s.config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConnections)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("starting server",
		"address", ln.Addr().String(),
		"store", s.config.Store,
		"archive_url", s.config.ArchiveURL,
		"max_connections", s.config.MaxConnections,
	)
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, drains in-flight archival forwards
// and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if s.forwarder != nil {
		if err := s.forwarder.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("archive shutdown: %w", err))
		}
		stats := s.forwarder.Stats()
		s.logger.Info("archive forwarder stopped",
			"dispatched", stats.Dispatched,
			"succeeded", stats.Succeeded,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}

// Address returns the server's listen address, or the configured one
// before the server is started.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}
