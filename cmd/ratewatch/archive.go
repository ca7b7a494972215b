package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/xtxerr/ratewatch/internal/storage"
	"github.com/xtxerr/ratewatch/internal/storage/archive"
	"github.com/xtxerr/ratewatch/internal/storage/parquet"
)

func newArchiveCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect and maintain the Parquet archive",
	}
	cmd.AddCommand(
		newArchiveListCmd(opts),
		newArchiveCompactCmd(opts),
		newArchivePruneCmd(opts),
	)
	return cmd
}

func newArchiveListCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "Show file counts, sizes and rows per kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withLocal(cmd.Context(), func(svc *storage.Service) error {
				usage, err := svc.ArchiveUsage()
				if err != nil {
					return err
				}
				p := opts.printer(cmd.OutOrStdout())
				if p.json {
					return p.encode(usage)
				}
				for _, u := range usage {
					fmt.Fprintf(p.w, "%-10s %4d files  %10s  %d rows\n", u.Kind, u.FileCount, formatBytes(u.TotalSize), u.Rows)
				}
				return nil
			})
		},
	}
}

func newArchiveCompactCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compact [KIND...]",
		Short: "Merge archive files of each kind into one",
		Long: `Merge all archive files of a kind (rate, aggregate) into a single file.
Where exports overlap, the newer file wins. Without arguments both kinds
are compacted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds := args
			if len(kinds) == 0 {
				kinds = []string{parquet.KindRate, parquet.KindAggregate}
			}
			return opts.withLocal(cmd.Context(), func(svc *storage.Service) error {
				var results []archive.CompactResult
				for _, kind := range kinds {
					res, err := svc.CompactArchive(cmd.Context(), kind)
					if err != nil {
						return err
					}
					results = append(results, res)
				}

				p := opts.printer(cmd.OutOrStdout())
				if p.json {
					return p.encode(results)
				}
				for _, r := range results {
					if r.Output == "" {
						fmt.Fprintf(p.w, "%s: nothing to compact\n", r.Kind)
						continue
					}
					fmt.Fprintf(p.w, "%s: %d files, %d -> %d rows, %s -> %s\n", r.Kind, r.FilesRead,
						r.RowsRead, r.RowsWritten, formatBytes(r.BytesBefore), formatBytes(r.BytesAfter))
				}
				return nil
			})
		},
	}
}

func newArchivePruneCmd(opts *globalOptions) *cobra.Command {
	var (
		maxAge time.Duration
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete archive files older than a maximum age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withLocal(cmd.Context(), func(svc *storage.Service) error {
				res, err := svc.PruneArchive(maxAge, dryRun)
				if err != nil {
					return err
				}
				for _, e := range res.Errors {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", e)
				}

				p := opts.printer(cmd.OutOrStdout())
				if p.json {
					return p.encode(res)
				}
				verb := "deleted"
				if dryRun {
					verb = "would delete"
				}
				fmt.Fprintf(p.w, "%s %d files (%s), kept %d\n", verb, res.FilesDeleted, formatBytes(res.BytesFreed), res.FilesSkipped)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "Maximum file age (default: archive.retention from config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be deleted")
	return cmd
}

// formatBytes formats bytes as human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
