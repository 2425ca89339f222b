package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/withObsrvr/airtable-backup/internal/storage"
	"github.com/withObsrvr/airtable-backup/internal/tables"
	"github.com/withObsrvr/airtable-backup/internal/util"
)

// SQLiteListSeparator joins list items in sqlite cells.
const SQLiteListSeparator = ", "

// sqliteWriter keeps one database per base and one table per Airtable
// table. Rows are upserted by record id, so repeated flushes of a growing
// record list converge to the latest values.
type sqliteWriter struct {
	store *storage.LocalStore
	mu    sync.Mutex
	dbs   map[string]*sql.DB
	log   *slog.Logger

	// per base: lowercased sql table name -> owning table id, and
	// table id -> assigned name
	claimed  map[string]map[string]string
	assigned map[string]map[string]string
}

// NewSQLiteWriter creates the sqlite format writer.
func NewSQLiteWriter(store *storage.LocalStore) Writer {
	return &sqliteWriter{
		store: store,
		dbs:      make(map[string]*sql.DB),
		log:      slog.With("component", "sink", "format", "sqlite"),
		claimed:  make(map[string]map[string]string),
		assigned: make(map[string]map[string]string),
	}
}

func (w *sqliteWriter) Format() Format { return FormatSQLite }
func (w *sqliteWriter) Snapshot() bool { return false }

// DatabaseKey returns the store key of a base's database.
func DatabaseKey(baseID string) string {
	return storage.DataKey(string(FormatSQLite), util.SafeName(baseID)+".db")
}

func (w *sqliteWriter) database(baseID string) (*sql.DB, string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := DatabaseKey(baseID)
	if db, ok := w.dbs[baseID]; ok {
		return db, key, nil
	}

	path := w.store.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, "", fmt.Errorf("create directory for %s: %w", path, err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(30000)")
	if err != nil {
		return nil, "", fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	w.dbs[baseID] = db
	return db, key, nil
}

// tableName maps a table to its sqlite table. SQLite names are
// case-insensitive, so a table whose sanitized name is already owned by
// another table of the same base gets its table id appended.
func (w *sqliteWriter) tableName(t Target) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.assigned[t.BaseID] == nil {
		w.assigned[t.BaseID] = make(map[string]string)
		w.claimed[t.BaseID] = make(map[string]string)
	}
	if name, ok := w.assigned[t.BaseID][t.TableID]; ok {
		return name
	}

	name := util.SQLIdentifier(t.TableName)
	if owner, ok := w.claimed[t.BaseID][strings.ToLower(name)]; ok && owner != t.TableID {
		alt := name + "_" + util.SQLIdentifier(t.TableID)
		w.log.Warn("sqlite table name already used by another table, adding table id",
			"table", t.TableName, "table_id", t.TableID, "name", name, "using", alt, "owner", owner)
		name = alt
	}
	w.claimed[t.BaseID][strings.ToLower(name)] = t.TableID
	w.assigned[t.BaseID][t.TableID] = name
	return name
}

func (w *sqliteWriter) Write(ctx context.Context, t Target, records []tables.Record) (Output, error) {
	db, key, err := w.database(t.BaseID)
	if err != nil {
		return Output{}, err
	}

	table := util.QuoteIdent(w.tableName(t))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Output{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s ("id" TEXT PRIMARY KEY)`, table)
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return Output{}, fmt.Errorf("create table %s: %w", table, err)
	}

	existing, err := tableColumns(ctx, tx, table)
	if err != nil {
		return Output{}, err
	}

	// SQLite column names are case-insensitive; the first field name of a
	// case-insensitive group owns the column.
	columns := []string{tables.IDColumn}
	fields := []string{""}
	used := map[string]bool{tables.IDColumn: true}
	for _, f := range tables.FieldNames(records) {
		lower := strings.ToLower(f)
		if used[lower] {
			w.log.Debug("skipping field that collides with an existing column", "table", t.TableName, "field", f)
			continue
		}
		col, ok := existing[lower]
		if !ok {
			alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, util.QuoteIdent(f))
			if _, err := tx.ExecContext(ctx, alter); err != nil {
				return Output{}, fmt.Errorf("add column %q: %w", f, err)
			}
			col = f
			existing[lower] = f
		}
		used[lower] = true
		columns = append(columns, col)
		fields = append(fields, f)
	}

	stmt, err := tx.PrepareContext(ctx, upsertSQL(table, columns))
	if err != nil {
		return Output{}, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	args := make([]any, len(columns))
	for _, r := range records {
		args[0] = r.ID
		for i := 1; i < len(columns); i++ {
			args[i] = nil
			if v, ok := r.Fields[fields[i]]; ok {
				args[i] = sqliteValue(v)
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return Output{}, fmt.Errorf("upsert record %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Output{}, fmt.Errorf("commit: %w", err)
	}

	out := Output{Key: key, Rows: len(records)}
	if info, err := w.store.Head(ctx, key); err == nil {
		out.Bytes = info.Size
	}
	return out, nil
}

func tableColumns(ctx context.Context, tx *sql.Tx, table string) (map[string]string, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]string)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		cols[strings.ToLower(name)] = name
	}
	return cols, rows.Err()
}

func upsertSQL(table string, columns []string) string {
	quoted := make([]string, len(columns))
	marks := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = util.QuoteIdent(c)
		marks[i] = "?"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(\"id\") ",
		table, strings.Join(quoted, ", "), strings.Join(marks, ", "))

	if len(columns) == 1 {
		sb.WriteString("DO NOTHING")
		return sb.String()
	}

	sets := make([]string, 0, len(columns)-1)
	for _, q := range quoted[1:] {
		sets = append(sets, q+" = excluded."+q)
	}
	sb.WriteString("DO UPDATE SET ")
	sb.WriteString(strings.Join(sets, ", "))
	return sb.String()
}

// sqliteValue keeps numbers and text native; lists, attachments and objects
// are stored as text.
func sqliteValue(v tables.Value) any {
	if v.Kind() != tables.KindScalar {
		return v.Text(SQLiteListSeparator)
	}
	switch x := v.Scalar().(type) {
	case nil:
		return nil
	case string, float64, int64:
		return x
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	default:
		return v.Text(SQLiteListSeparator)
	}
}

func (w *sqliteWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	for base, db := range w.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sqlite for base %s: %w", base, err))
		}
		delete(w.dbs, base)
	}
	return errors.Join(errs...)
}
