package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/xtxerr/ratewatch/internal/client"
	"github.com/xtxerr/ratewatch/internal/logging"
	"github.com/xtxerr/ratewatch/internal/storage"
	"github.com/xtxerr/ratewatch/internal/storage/config"
	"github.com/xtxerr/ratewatch/internal/storage/query"
	"github.com/xtxerr/ratewatch/internal/storage/types"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	dataDir    string
	catalog    string
	server     string
	logLevel   string
	json       bool
}

// backend is what query, percentile and ingest run against: either a local
// data directory or a daemon over HTTP.
type backend interface {
	Submit(ctx context.Context, samples []types.RawSample) error
	Query(ctx context.Context, req query.Request) (*query.Result, error)
	Percentile(ctx context.Context, series string, begin, end int64, q float64) (*query.PercentileResult, error)
}

func newRootCmd(opts *globalOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "ratewatch",
		Short:         "Counter rate ingestion and query tool",
		Long:          `ratewatch turns monotonic counter samples into per-interval rate bins and answers range queries over them.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logging.ParseLevel(opts.logLevel)
			if err != nil {
				return err
			}
			logging.InitWithWriter(os.Stderr, level, false)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "/etc/ratewatch/ratewatch.yaml", "Path to config file")
	pf.StringVar(&opts.dataDir, "data-dir", "", "Data directory (overrides config)")
	pf.StringVar(&opts.catalog, "catalog", "", "Catalog file (overrides config)")
	pf.StringVar(&opts.server, "server", "", "Talk to a running daemon at this address instead of opening the data directory")
	pf.StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	pf.BoolVar(&opts.json, "json", false, "Print JSON instead of tables")

	root.AddCommand(
		newQueryCmd(opts),
		newPercentileCmd(opts),
		newIngestCmd(opts),
		newExportCmd(opts),
		newImportCmd(opts),
		newSQLCmd(opts),
		newArchiveCmd(opts),
		newRebuildCmd(opts),
		newPlanCmd(opts),
		newShellCmd(opts),
	)
	return root
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist, and applies flag overrides.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		if _, statErr := os.Stat(o.configPath); !os.IsNotExist(statErr) {
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
	// Short-lived CLI processes never watch the catalog.
	cfg.Catalog.Watch = false
	return cfg, cfg.Validate()
}

// openLocal opens the data directory. The caller must Stop the service.
func (o *globalOptions) openLocal(ctx context.Context) (*storage.Service, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return storage.New(ctx, cfg)
}

// withBackend runs fn against the daemon when --server is set and against
// a started local service otherwise.
func (o *globalOptions) withBackend(ctx context.Context, fn func(backend) error) error {
	if o.server != "" {
		c, err := client.New(o.server)
		if err != nil {
			return err
		}
		return fn(c)
	}

	svc, err := o.openLocal(ctx)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		svc.Stop(context.Background())
		return err
	}
	ferr := fn(svc)
	if err := svc.Stop(context.Background()); err != nil && ferr == nil {
		ferr = err
	}
	return ferr
}

// withLocal runs fn against the local data directory. These operations
// have no HTTP route.
func (o *globalOptions) withLocal(ctx context.Context, fn func(*storage.Service) error) error {
	if o.server != "" {
		return fmt.Errorf("this command needs direct access to the data directory; stop the daemon and drop --server")
	}
	svc, err := o.openLocal(ctx)
	if err != nil {
		return err
	}
	ferr := fn(svc)
	if err := svc.Stop(context.Background()); err != nil && ferr == nil {
		ferr = err
	}
	return ferr
}

func (o *globalOptions) printer(w io.Writer) *printer {
	return newPrinter(w, o.json)
}
