package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// InsertConfig defines a bulk insert that ignores rows colliding with an
// existing unique key.
type InsertConfig struct {
	Table        string   // target table, optionally schema-qualified
	Columns      []string // columns being inserted
	ConflictKeys []string // unique constraint columns; colliding rows are skipped
}

// BulkInsertIgnore loads rows through a temp staging table and inserts them
// with ON CONFLICT DO NOTHING, returning the number of rows actually inserted.
//  1. CREATE TEMP TABLE (LIKE target) ON COMMIT DROP
//  2. COPY rows into the staging table
//  3. INSERT INTO target SELECT ... FROM staging ON CONFLICT (keys) DO NOTHING
func BulkInsertIgnore(ctx context.Context, pool Pool, cfg InsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: insert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: insert: no conflict keys specified")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: insert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	staging := pgx.Identifier{"_stage_" + strings.ReplaceAll(cfg.Table, ".", "_")}

	createSQL := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		staging.Sanitize(), sanitizeTable(cfg.Table))
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: insert: create staging table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, staging, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: insert: COPY into staging table for %s", cfg.Table)
	}

	cols := quoteAndJoin(cfg.Columns)
	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO NOTHING",
		sanitizeTable(cfg.Table), cols, cols, staging.Sanitize(), quoteAndJoin(cfg.ConflictKeys))

	tag, err := tx.Exec(ctx, insertSQL)
	if err != nil {
		return 0, eris.Wrapf(err, "db: insert: INSERT ON CONFLICT for %s", cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: insert: commit tx")
	}
	return tag.RowsAffected(), nil
}

// sanitizeTable handles schema-qualified table names like "crm.prospects".
func sanitizeTable(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
