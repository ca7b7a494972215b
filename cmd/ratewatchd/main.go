// ratewatchd is the rate ingestion and query daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtxerr/ratewatch/internal/api"
	"github.com/xtxerr/ratewatch/internal/logging"
	"github.com/xtxerr/ratewatch/internal/storage"
	"github.com/xtxerr/ratewatch/internal/storage/config"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("daemon")

func main() {
	// CLI flags
	cfgPath := flag.String("config", "/etc/ratewatch/ratewatch.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	catalogPath := flag.String("catalog", "", "catalog file (overrides config)")
	listen := flag.String("listen", "", "listen address (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	logJSON := flag.Bool("log-json", false, "log as JSON")
	flag.Parse()

	if err := run(*cfgPath, overrides{
		dataDir:  *dataDir,
		catalog:  *catalogPath,
		listen:   *listen,
		logLevel: *logLevel,
		logJSON:  *logJSON,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "ratewatchd: %v\n", err)
		os.Exit(1)
	}
}

type overrides struct {
	dataDir  string
	catalog  string
	listen   string
	logLevel string
	logJSON  bool
}

func loadConfig(path string, o overrides) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = config.DefaultConfig()
	}

	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.catalog != "" {
		cfg.Catalog.Path = o.catalog
	}
	if o.listen != "" {
		cfg.HTTP.Listen = o.listen
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logJSON {
		cfg.Logging.JSON = true
	}
	return cfg, cfg.Validate()
}

func run(cfgPath string, o overrides) error {
	cfg, err := loadConfig(cfgPath, o)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logging.Init(level, cfg.Logging.JSON)
	log.Info("ratewatchd starting", "version", Version, "config", cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// =========================================================================
	// Storage (lock, store, catalog, dispatcher, WAL replay)
	// =========================================================================

	svc, err := storage.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		svc.Stop(context.Background())
		return fmt.Errorf("start storage: %w", err)
	}

	// =========================================================================
	// HTTP API
	// =========================================================================

	srv := api.NewServer(svc, api.Options{
		Listen:          cfg.HTTP.Listen,
		MaxRequestBytes: cfg.HTTP.MaxRequestBytes,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		Gatherer:        svc.Registry(),
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	// =========================================================================
	// Signal Handling and Graceful Shutdown
	// =========================================================================

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-serveErr:
		if err != nil {
			log.Error("http server failed", "error", err)
		}
	}

	// Stop the API first so no new samples arrive, then drain storage.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Ingestion.DrainTimeout+10*time.Second)
	defer cancel()

	if herr := srv.Shutdown(shutdownCtx); herr != nil {
		log.Warn("http shutdown", "error", herr)
	}
	if serr := svc.Stop(shutdownCtx); serr != nil {
		log.Warn("storage stop", "error", serr)
		if err == nil {
			err = serr
		}
	}

	log.Info("ratewatchd stopped")
	return err
}
