package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/xtxerr/ratewatch/internal/storage/archive"
	"github.com/xtxerr/ratewatch/internal/storage/query"
)

// printer renders results as tables for humans and JSON otherwise.
type printer struct {
	w    io.Writer
	json bool
}

// newPrinter picks JSON when asked to or when w is not a terminal.
func newPrinter(w io.Writer, forceJSON bool) *printer {
	asJSON := forceJSON
	if f, ok := w.(*os.File); ok && !forceJSON {
		asJSON = !term.IsTerminal(int(f.Fd()))
	}
	return &printer{w: w, json: asJSON}
}

func (p *printer) encode(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatValue(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatTime(ts int64) string {
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

func (p *printer) result(res *query.Result) error {
	if p.json {
		return p.encode(res)
	}

	kind := "aggregate " + res.Function
	if res.Native {
		kind = "native"
	}
	fmt.Fprintf(p.w, "%s  %ds %s  [%s, %s)\n\n", res.Series, res.Period, kind,
		formatTime(res.BeginTime), formatTime(res.EndTime))

	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSLOT\tVALUE")
	for _, pt := range res.Data {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", formatTime(pt.Timestamp), pt.Timestamp, formatValue(pt.Value))
	}
	return tw.Flush()
}

func (p *printer) percentile(res *query.PercentileResult) error {
	if p.json {
		return p.encode(res)
	}
	fmt.Fprintf(p.w, "%s  p%g over %d samples: %s /s\n",
		res.Series, res.Quantile*100, res.Samples, formatValue(res.Value))
	return nil
}

func (p *printer) manifest(m *archive.Manifest) error {
	if p.json {
		return p.encode(m)
	}
	fmt.Fprintf(p.w, "Export %s (%s)\n", m.ID, m.Series)
	if m.RateFile != "" {
		fmt.Fprintf(p.w, "  rates:      %s (%d rows)\n", m.RateFile, m.RateRows)
	}
	if m.AggregateFile != "" {
		fmt.Fprintf(p.w, "  aggregates: %s (%d rows, periods %v)\n", m.AggregateFile, m.AggregateRows, m.AggregatePeriods)
	}
	if m.RateFile == "" && m.AggregateFile == "" {
		fmt.Fprintln(p.w, "  no data in range")
	}
	return nil
}

func (p *printer) sql(res *archive.SQLResult) error {
	if p.json {
		return p.encode(res)
	}

	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	for i, c := range res.Columns {
		if i > 0 {
			fmt.Fprint(tw, "\t")
		}
		fmt.Fprint(tw, c)
	}
	fmt.Fprintln(tw)
	for _, row := range res.Rows {
		for i, c := range res.Columns {
			if i > 0 {
				fmt.Fprint(tw, "\t")
			}
			fmt.Fprint(tw, cell(row[c]))
		}
		fmt.Fprintln(tw)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(p.w, "(%d rows)\n", len(res.Rows))
	return nil
}

func cell(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
