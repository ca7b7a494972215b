package archive

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/ratewatch/internal/storage/parquet"
)

// SQLResult holds the rows of an ad-hoc query.
type SQLResult struct {
	Columns []string
	Rows    []map[string]interface{}
}

// SQL runs query against the archive with DuckDB. The views "rates" and
// "aggregates" cover every rate and aggregate file in the directory; a
// view is missing when the archive holds no file of its kind.
func (a *Archive) SQL(ctx context.Context, query string) (*SQLResult, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	defer db.Close()

	// Views are per connection in an in-memory database.
	db.SetMaxOpenConns(1)

	for view, kind := range map[string]string{"rates": parquet.KindRate, "aggregates": parquet.KindAggregate} {
		files, err := a.Files(kind)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			continue
		}
		pattern := filepath.Join(a.dir, kind+"-*.parquet")
		stmt := fmt.Sprintf("CREATE VIEW %s AS SELECT * FROM read_parquet('%s')", view, strings.ReplaceAll(pattern, "'", "''"))
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create view %s: %w", view, err)
		}
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &SQLResult{Columns: columns}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		result.Rows = append(result.Rows, row)
	}

	return result, rows.Err()
}
