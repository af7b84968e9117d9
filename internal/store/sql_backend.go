package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"telemetry-pipeline/internal/models"
	"telemetry-pipeline/pkg/database"
)

// timestampFormat is the civil-time encoding used in both backends, so
// SQL tables and flat files compare equal cell for cell.
const timestampFormat = "2006-01-02 15:04:05"

// SQLBackend persists one table per group with a TIMESTAMP primary key,
// one column per variable and one integer column per flag. It works
// against either supported driver.
type SQLBackend struct {
	db *database.DB
}

// NewSQLBackend creates a SQL persistence backend.
func NewSQLBackend(db *database.DB) *SQLBackend {
	return &SQLBackend{db: db}
}

func (b *SQLBackend) Name() string { return "sql" }

// Destination names the table deterministically from the group
// destination stem. The SQL layout keeps all years in one table.
func (b *SQLBackend) Destination(stem string, year int) string {
	return sanitizeIdent("obs_" + stem)
}

// sanitizeIdent lowercases and strips anything that is not [a-z0-9_],
// which keeps generated table names safe to interpolate.
func sanitizeIdent(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}

func (b *SQLBackend) columnType(kind ColumnKind) string {
	if kind == KindInteger {
		return "BIGINT"
	}
	if b.db.Driver() == "sqlite3" {
		return "REAL"
	}
	return "DOUBLE PRECISION"
}

// EnsureSchema creates the destination table if needed and adds any
// missing columns. Columns are only ever added, never dropped or
// retyped.
func (b *SQLBackend) EnsureSchema(ctx context.Context, dest string, cols []ColumnSpec) error {
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s ("timestamp" TEXT PRIMARY KEY)`, dest)
	if _, err := b.db.ExecContext(ctx, "create_table", create); err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}

	existing, err := b.tableColumns(ctx, dest)
	if err != nil {
		return err
	}
	for _, col := range cols {
		if _, ok := existing[strings.ToLower(col.Name)]; ok {
			continue
		}
		alter := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %q %s`, dest, col.Name, b.columnType(col.Kind))
		if _, err := b.db.ExecContext(ctx, "add_column", alter); err != nil {
			return fmt.Errorf("add column %s.%s: %w", dest, col.Name, err)
		}
	}
	return nil
}

// tableColumns lists the destination's current columns via a zero-row
// select, which works identically on both drivers. Keys are the
// lowercase forms for case-folded membership checks; values keep the
// case the columns were created with, which Postgres preserves and
// requires in quoted references.
func (b *SQLBackend) tableColumns(ctx context.Context, dest string) (map[string]string, error) {
	rows, err := b.db.QueryContext(ctx, "describe_table",
		fmt.Sprintf(`SELECT * FROM %s WHERE 1=0`, dest))
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", dest, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(names))
	for _, n := range names {
		out[strings.ToLower(n)] = n
	}
	return out, nil
}

// tableExists separates a group that never persisted from a genuine
// query failure, so the read path reports the latter instead of
// serving an empty result.
func (b *SQLBackend) tableExists(ctx context.Context, dest string) (bool, error) {
	query := `SELECT COUNT(*) FROM information_schema.tables WHERE table_name = ?`
	if b.db.Driver() == "sqlite3" {
		query = `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
	}
	rows, err := b.db.QueryContext(ctx, "table_exists", b.db.Rebind(query), dest)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", dest, err)
	}
	defer rows.Close()

	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return false, err
		}
	}
	return n > 0, rows.Err()
}

// ReadExisting fetches persisted cells for the requested timestamps,
// restricted to the given columns.
func (b *SQLBackend) ReadExisting(ctx context.Context, dest string, times []time.Time, cols []string) (map[int64]map[string]float64, error) {
	out := make(map[int64]map[string]float64)
	if len(times) == 0 || len(cols) == 0 {
		return out, nil
	}

	existing, err := b.tableColumns(ctx, dest)
	if err != nil {
		return nil, err
	}
	var selected []string
	for _, c := range cols {
		if _, ok := existing[strings.ToLower(c)]; ok {
			selected = append(selected, c)
		}
	}
	if len(selected) == 0 {
		return out, nil
	}

	quoted := make([]string, len(selected))
	for i, c := range selected {
		quoted[i] = fmt.Sprintf("%q", c)
	}

	// chunk the IN list so very large frames stay under driver
	// parameter limits
	const chunk = 500
	for lo := 0; lo < len(times); lo += chunk {
		hi := lo + chunk
		if hi > len(times) {
			hi = len(times)
		}
		placeholders := make([]string, hi-lo)
		args := make([]interface{}, hi-lo)
		for i, t := range times[lo:hi] {
			placeholders[i] = "?"
			args[i] = t.Format(timestampFormat)
		}
		query := b.db.Rebind(fmt.Sprintf(
			`SELECT "timestamp", %s FROM %s WHERE "timestamp" IN (%s)`,
			strings.Join(quoted, ", "), dest, strings.Join(placeholders, ", ")))

		rows, err := b.db.QueryContext(ctx, "read_existing", query, args...)
		if err != nil {
			return nil, fmt.Errorf("read existing rows of %s: %w", dest, err)
		}
		for rows.Next() {
			var ts string
			cells := make([]sql.NullFloat64, len(selected))
			scan := make([]interface{}, 0, len(selected)+1)
			scan = append(scan, &ts)
			for i := range cells {
				scan = append(scan, &cells[i])
			}
			if err := rows.Scan(scan...); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s: %w", dest, err)
			}
			t, err := time.Parse(timestampFormat, ts)
			if err != nil {
				continue
			}
			row := make(map[string]float64, len(selected))
			for i, c := range selected {
				if cells[i].Valid {
					row[c] = cells[i].Float64
				}
			}
			out[t.Unix()] = row
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// WriteRows upserts the frame's rows. Same-timestamp rows are replaced
// for the frame's columns; destination columns the frame does not carry
// keep their persisted values.
func (b *SQLBackend) WriteRows(ctx context.Context, dest string, frame *models.Frame) error {
	if frame.Len() == 0 {
		return nil
	}

	cols := frame.Columns
	quoted := make([]string, len(cols))
	updates := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf("%q", c)
		updates[i] = fmt.Sprintf("%q = excluded.%q", c, c)
	}
	placeholders := strings.Repeat("?, ", len(cols)) + "?"
	query := b.db.Rebind(fmt.Sprintf(
		`INSERT INTO %s ("timestamp", %s) VALUES (%s) ON CONFLICT ("timestamp") DO UPDATE SET %s`,
		dest, strings.Join(quoted, ", "), placeholders, strings.Join(updates, ", ")))

	tx, err := b.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, t := range frame.Times {
		args := make([]interface{}, 0, len(cols)+1)
		args = append(args, t.Format(timestampFormat))
		for _, c := range cols {
			v := frame.Data[c][i]
			if math.IsNaN(v) {
				args = append(args, nil)
			} else if models.IsFlagColumn(c) {
				args = append(args, int64(v))
			} else {
				args = append(args, v)
			}
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert into %s: %w", dest, err)
		}
	}
	return tx.Commit()
}
