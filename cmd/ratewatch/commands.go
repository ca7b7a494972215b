package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xtxerr/ratewatch/internal/errors"
	"github.com/xtxerr/ratewatch/internal/storage"
	"github.com/xtxerr/ratewatch/internal/storage/query"
	"github.com/xtxerr/ratewatch/internal/storage/types"
)

// ingestBatchSize is the number of samples per Submit call.
const ingestBatchSize = 1000

func newQueryCmd(opts *globalOptions) *cobra.Command {
	var (
		begin, end string
		resolution int64
		cf         string
		maxPoints  int64
	)

	cmd := &cobra.Command{
		Use:   "query SERIES",
		Short: "Read rate bins of a series",
		Long: `Read native rate bins or rollup aggregates of a series over [begin, end).

Without --resolution the coarsest resolution that still yields at least
--max-points points is chosen.`,
		Example: `  ratewatch query rtr-01/interfaces/ifHCInOctets/xe-0/0/1 --begin -6h
  ratewatch query rtr-01/interfaces/ifHCInOctets/xe-0/0/1 --resolution 3600 --cf max --server 127.0.0.1:9180`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, e, err := timeRange(begin, end, time.Now())
			if err != nil {
				return fmt.Errorf("%v: %w", err, errors.ErrInvalidQuery)
			}
			fn, err := types.ParseConsolidation(cf)
			if err != nil {
				return fmt.Errorf("%v: %w", err, errors.ErrInvalidQuery)
			}
			req := query.Request{
				Series:     args[0],
				Begin:      b,
				End:        e,
				Resolution: resolution,
				Function:   fn,
				MaxPoints:  maxPoints,
			}

			return opts.withBackend(cmd.Context(), func(be backend) error {
				res, err := be.Query(cmd.Context(), req)
				if err != nil {
					return err
				}
				return opts.printer(cmd.OutOrStdout()).result(res)
			})
		},
	}

	cmd.Flags().StringVar(&begin, "begin", "", "Range start (default: one day before end)")
	cmd.Flags().StringVar(&end, "end", "now", "Range end (exclusive)")
	cmd.Flags().Int64Var(&resolution, "resolution", 0, "Resolution in seconds (0 picks one automatically)")
	cmd.Flags().StringVar(&cf, "cf", "average", "Consolidation function for aggregates: average, min, max")
	cmd.Flags().Int64Var(&maxPoints, "max-points", 0, "Target point count for automatic resolution")
	return cmd
}

func newPercentileCmd(opts *globalOptions) *cobra.Command {
	var (
		begin, end string
		q          float64
	)

	cmd := &cobra.Command{
		Use:     "percentile SERIES",
		Short:   "Estimate a percentile of the per-second rate",
		Example: `  ratewatch percentile rtr-01/interfaces/ifHCInOctets/xe-0/0/1 --begin 2026-09-01T00:00:00Z --end 2026-10-01T00:00:00Z`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, e, err := timeRange(begin, end, time.Now())
			if err != nil {
				return fmt.Errorf("%v: %w", err, errors.ErrInvalidQuery)
			}
			return opts.withBackend(cmd.Context(), func(be backend) error {
				res, err := be.Percentile(cmd.Context(), args[0], b, e, q)
				if err != nil {
					return err
				}
				return opts.printer(cmd.OutOrStdout()).percentile(res)
			})
		},
	}

	cmd.Flags().StringVar(&begin, "begin", "", "Range start (default: one day before end)")
	cmd.Flags().StringVar(&end, "end", "now", "Range end (exclusive)")
	cmd.Flags().Float64Var(&q, "q", 0.95, "Quantile in [0, 1]")
	return cmd
}

func newIngestCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest [FILE]",
		Short: "Submit samples from a file or stdin",
		Long: `Submit counter samples, one "series timestamp value" triple per line.
Blank lines and lines starting with # are skipped. Samples are submitted in
file order, which is the order each series is processed in.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			var submitted int
			err := opts.withBackend(cmd.Context(), func(be backend) error {
				var err error
				submitted, err = ingest(cmd.Context(), be, in)
				if err != nil {
					return err
				}
				if svc, ok := be.(*storage.Service); ok {
					if err := svc.Flush(cmd.Context()); err != nil {
						return err
					}
					st := svc.Stats().Ingestion
					fmt.Fprintf(cmd.ErrOrStderr(), "processed %d, rejected %d, duplicates %d, failed %d\n",
						st.Processed, st.Rejected, st.Duplicates, st.Failed)
				}
				return nil
			})
			fmt.Fprintf(cmd.ErrOrStderr(), "submitted %d samples\n", submitted)
			return err
		},
	}
	return cmd
}

// parseSample parses one "series timestamp value" line.
func parseSample(line string) (types.RawSample, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return types.RawSample{}, fmt.Errorf("want 3 fields, got %d: %w", len(fields), errors.ErrInvalidSample)
	}
	ts, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return types.RawSample{}, fmt.Errorf("timestamp: %v: %w", err, errors.ErrInvalidSample)
	}
	v, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return types.RawSample{}, fmt.Errorf("value: %v: %w", err, errors.ErrInvalidSample)
	}
	s := types.RawSample{Series: fields[0], Timestamp: ts, Value: v}
	return s, s.Validate()
}

// ingest streams samples from r into be in batches.
func ingest(ctx context.Context, be backend, r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	batch := make([]types.RawSample, 0, ingestBatchSize)
	total := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := be.Submit(ctx, batch); err != nil {
			return err
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		s, err := parseSample(line)
		if err != nil {
			return total, fmt.Errorf("line %d: %w", lineNo, err)
		}
		batch = append(batch, s)
		if len(batch) == ingestBatchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return total, err
	}
	return total, flush()
}

func newExportCmd(opts *globalOptions) *cobra.Command {
	var begin, end string

	cmd := &cobra.Command{
		Use:   "export SERIES",
		Short: "Archive a series range as Parquet files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, e, err := timeRange(begin, end, time.Now())
			if err != nil {
				return fmt.Errorf("%v: %w", err, errors.ErrInvalidQuery)
			}
			return opts.withLocal(cmd.Context(), func(svc *storage.Service) error {
				m, err := svc.Export(cmd.Context(), args[0], b, e)
				if err != nil {
					return err
				}
				return opts.printer(cmd.OutOrStdout()).manifest(m)
			})
		},
	}

	cmd.Flags().StringVar(&begin, "begin", "", "Range start (default: one day before end)")
	cmd.Flags().StringVar(&end, "end", "now", "Range end (exclusive)")
	return cmd
}

func newImportCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE...",
		Short: "Load archived Parquet files back into the store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withLocal(cmd.Context(), func(svc *storage.Service) error {
				for _, path := range args {
					n, err := svc.Import(cmd.Context(), path)
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows\n", path, n)
				}
				return nil
			})
		},
	}
}

func newSQLCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sql QUERY",
		Short: "Run SQL over the Parquet archive",
		Long: `Run a DuckDB SQL query over exported archive files. The views "rates"
and "aggregates" cover every archived file of that kind.`,
		Example: `  ratewatch sql "SELECT series, max(value) FROM rates GROUP BY series"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stmt := strings.Join(args, " ")
			return opts.withLocal(cmd.Context(), func(svc *storage.Service) error {
				res, err := svc.QuerySQL(cmd.Context(), stmt)
				if err != nil {
					return err
				}
				return opts.printer(cmd.OutOrStdout()).sql(res)
			})
		},
	}
}

func newRebuildCmd(opts *globalOptions) *cobra.Command {
	var begin, end string

	cmd := &cobra.Command{
		Use:   "rebuild [SERIES...]",
		Short: "Recompute rollup aggregates from native bins",
		Long: `Recompute rollup aggregates from native bins.

Without arguments every stored series is rebuilt. Series the catalog no
longer matches are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, e, err := timeRange(begin, end, time.Now())
			if err != nil {
				return fmt.Errorf("%v: %w", err, errors.ErrInvalidQuery)
			}
			return opts.withLocal(cmd.Context(), func(svc *storage.Service) error {
				return rebuild(cmd.Context(), cmd.OutOrStdout(), svc, args, b, e)
			})
		},
	}

	cmd.Flags().StringVar(&begin, "begin", "", "Range start (default: one day before end)")
	cmd.Flags().StringVar(&end, "end", "now", "Range end (exclusive)")
	return cmd
}

func rebuild(ctx context.Context, w io.Writer, svc *storage.Service, series []string, begin, end int64) error {
	all := len(series) == 0
	if all {
		var err error
		if series, err = svc.SeriesList(ctx); err != nil {
			return err
		}
	}

	total := 0
	for _, name := range series {
		n, err := svc.Rebuild(ctx, name, begin, end)
		if all && errors.IsNotFound(err) {
			fmt.Fprintf(w, "skipped %s: %v\n", name, err)
			continue
		}
		if err != nil {
			return err
		}
		total += n
	}
	fmt.Fprintf(w, "rebuilt %d aggregate bins in %d series\n", total, len(series))
	return nil
}

func newPlanCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Estimate throughput and storage growth for the configured scale",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			req := cfg.CalculateRequirements()
			if opts.json {
				return (&printer{w: cmd.OutOrStdout(), json: true}).encode(req)
			}
			fmt.Fprint(cmd.OutOrStdout(), req.FormatRequirements())
			return nil
		},
	}
}
