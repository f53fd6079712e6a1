package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/wolfeidau/dataserver/config"
	"github.com/wolfeidau/dataserver/secrets"
	"github.com/wolfeidau/dataserver/secrets/onepassword"
	"github.com/wolfeidau/dataserver/server"
	"github.com/wolfeidau/dataserver/telemetry"
	"golang.org/x/sync/errgroup"
)

// ServeCmd runs the HTTP ingestion server.
type ServeCmd struct {
	Address        string        `help:"Address to listen on." default:":8090" env:"DATASERVER_ADDRESS"`
	Store          string        `help:"Envelope store backend (${enum})." enum:"bolt,postgres" default:"bolt" env:"DATASERVER_STORE"`
	StoragePath    string        `help:"bbolt database file for the bolt store." default:"./dataserver.db" type:"path" env:"DATASERVER_STORAGE_PATH"`
	DatabaseURL    string        `help:"PostgreSQL connection string for the postgres store." env:"DATASERVER_DATABASE_URL"`
	MaxConnections int           `help:"Maximum concurrent connections (0 for unlimited)." default:"1024" env:"DATASERVER_MAX_CONNECTIONS"`
	MaxBodyBytes   int64         `help:"Maximum request body size in bytes." default:"10485760" env:"DATASERVER_MAX_BODY_BYTES"`
	ShutdownGrace  time.Duration `help:"Time allowed for in-flight requests and forwards on shutdown." default:"10s" env:"DATASERVER_SHUTDOWN_GRACE"`

	SecretsFile string `help:"JSON secrets template setting database_url and archive.url/token." type:"existingfile" env:"DATASERVER_SECRETS_FILE"`
	OnePassword bool   `name:"secrets-op" help:"Expose the 1Password CLI to the secrets template as op." env:"DATASERVER_SECRETS_OP"`

	ArchiveURL         string        `help:"Archival sink URL; empty disables forwarding." default:"${archive_url}" env:"DATASERVER_ARCHIVE_URL"`
	ArchiveTimeout     time.Duration `help:"Timeout for a single archival forward." default:"10s" env:"DATASERVER_ARCHIVE_TIMEOUT"`
	ArchiveMaxInFlight int           `help:"Concurrent archival forwards before new ones are dropped." default:"16" env:"DATASERVER_ARCHIVE_MAX_IN_FLIGHT"`

	MetricsPrometheus    bool          `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:"" env:"DATASERVER_METRICS_PROMETHEUS"`
	MetricsOTLPEndpoint  string        `name:"metrics-otlp-endpoint" help:"OTLP gRPC endpoint for metrics export." env:"DATASERVER_METRICS_OTLP_ENDPOINT"`
	MetricsFlushInterval time.Duration `help:"Metrics export interval." default:"10s" env:"DATASERVER_METRICS_FLUSH_INTERVAL"`
}

// Run starts the server and blocks until SIGINT or SIGTERM.
func (c *ServeCmd) Run(g *Globals) error {
	logger, err := g.Logger()
	if err != nil {
		return err
	}

	if g.Config != "" {
		if keys, err := configKeys(string(g.Config)); err == nil {
			logger.Debug("loaded config file", "path", string(g.Config), "keys", keys)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	databaseURL, archiveURL, archiveToken := c.DatabaseURL, c.ArchiveURL, ""
	if c.SecretsFile != "" {
		opts := []secrets.Option{secrets.WithLogger(logger)}
		if c.OnePassword {
			opts = append(opts, onepassword.Provider())
		}
		sec, err := secrets.NewLoader(opts...).LoadFile(ctx, c.SecretsFile)
		if err != nil {
			return fmt.Errorf("loading secrets: %w", err)
		}
		if sec.DatabaseURL != "" {
			databaseURL = sec.DatabaseURL
		}
		if u := sec.ArchiveURL(); u != "" {
			archiveURL = u
		}
		archiveToken = sec.ArchiveToken()
	}

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "dataserver",
		ServiceVersion:   version,
		OTLPEndpoint:     c.MetricsOTLPEndpoint,
		EnablePrometheus: c.MetricsPrometheus,
		FlushInterval:    c.MetricsFlushInterval,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}

	srv, err := server.New(ctx, server.Config{
		Address:            c.Address,
		Store:              c.Store,
		StoragePath:        c.StoragePath,
		DatabaseURL:        databaseURL,
		ArchiveURL:         archiveURL,
		ArchiveToken:       archiveToken,
		ArchiveTimeout:     c.ArchiveTimeout,
		ArchiveMaxInFlight: c.ArchiveMaxInFlight,
		MaxConnections:     c.MaxConnections,
		MaxBodyBytes:       c.MaxBodyBytes,
		Logger:             logger,
	})
	if err != nil {
		return errors.Join(fmt.Errorf("creating server: %w", err), shutdownMetrics(context.Background()))
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(srv.Start)
	grp.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "grace", c.ShutdownGrace)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownGrace)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), shutdownMetrics(shutdownCtx))
	})

	logger.Info("server started",
		"address", c.Address,
		"push_url", fmt.Sprintf("http://%s/dataserver/pushdata", localAddress(c.Address)),
	)

	return grp.Wait()
}

func configKeys(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return config.Keys(f)
}

// localAddress turns a listen address like ":8090" into "localhost:8090".
func localAddress(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}
