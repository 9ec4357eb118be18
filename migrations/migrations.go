// Package migrations embeds the SQL schema migrations and applies them.
//
// Files are goose-annotated (NNNNN_name.sql with "-- +goose Up" and
// "-- +goose Down" sections) and the applied versions are recorded in
// goose's version table layout, so cmd/migrate can inspect and roll back
// the same store. Forward application differs from goose.Up: every pending
// Up section is executed inside one transaction, so a failure anywhere in
// the sequence leaves the store at the version it started from.
//
// Two processes migrating the same file at once are not serialized against
// each other beyond SQLite's own write lock; the loser of that race fails
// with a migration error and must be re-run.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

// FS contains the embedded SQL migration files.
//
//go:embed *.sql
var FS embed.FS

// TableName is the table that records applied schema versions.
const TableName = "schema_version"

const (
	markerUp   = "-- +goose Up"
	markerDown = "-- +goose Down"
)

// Migration is a single forward schema step.
type Migration struct {
	Version int64
	Name    string
	Up      string
}

// Collect reads every *.sql file in fsys and returns the migrations ordered
// by version.
func Collect(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	seen := make(map[int64]string, len(names))
	migrations := make([]Migration, 0, len(names))
	for _, name := range names {
		version, err := goose.NumericComponent(name)
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("duplicate migration version %d: %s and %s", version, prev, name)
		}
		seen[version] = name

		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		up, err := upSection(string(data))
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
		migrations = append(migrations, Migration{Version: version, Name: name, Up: up})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func upSection(src string) (string, error) {
	start := strings.Index(src, markerUp)
	if start < 0 {
		return "", errors.New("missing " + markerUp + " annotation")
	}
	body := src[start+len(markerUp):]
	if end := strings.Index(body, markerDown); end >= 0 {
		body = body[:end]
	}

	var b strings.Builder
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "-- +goose") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	up := strings.TrimSpace(b.String())
	if up == "" {
		return "", errors.New("empty up section")
	}
	return up, nil
}

// Runner applies migrations from a filesystem to a SQLite database.
type Runner struct {
	fsys  fs.FS
	store database.Store
}

// NewRunner creates a Runner reading migrations from fsys.
func NewRunner(fsys fs.FS) (*Runner, error) {
	store, err := database.NewStore(database.DialectSQLite3, TableName)
	if err != nil {
		return nil, fmt.Errorf("create version store: %w", err)
	}
	return &Runner{fsys: fsys, store: store}, nil
}

// Run applies all pending embedded migrations to the given database.
func Run(ctx context.Context, db *sql.DB) (int64, error) {
	r, err := NewRunner(FS)
	if err != nil {
		return 0, err
	}
	return r.Up(ctx, db)
}

// Up applies every pending migration and returns the resulting version.
func (r *Runner) Up(ctx context.Context, db *sql.DB) (int64, error) {
	return r.UpTo(ctx, db, goose.MaxVersion)
}

// UpTo applies pending migrations with versions up to and including target.
// Either all of them are committed or none is; on error the returned version
// is the one the store was at before the call.
func (r *Runner) UpTo(ctx context.Context, db *sql.DB, target int64) (int64, error) {
	migrations, err := Collect(r.fsys)
	if err != nil {
		return 0, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := r.ensureVersionTable(ctx, tx)
	if err != nil {
		return 0, err
	}

	applied := current
	for _, m := range migrations {
		if m.Version <= current || m.Version > target {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			return current, fmt.Errorf("apply %s: %w", m.Name, err)
		}
		if err := r.store.Insert(ctx, tx, database.InsertRequest{Version: m.Version}); err != nil {
			return current, fmt.Errorf("record version %d: %w", m.Version, err)
		}
		applied = m.Version
	}

	if err := tx.Commit(); err != nil {
		return current, fmt.Errorf("commit migrations: %w", err)
	}
	return applied, nil
}

// Version returns the highest applied version, or 0 for a fresh database.
func (r *Runner) Version(ctx context.Context, db database.DBTxConn) (int64, error) {
	exists, err := tableExists(ctx, db, TableName)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	return r.latest(ctx, db)
}

func (r *Runner) ensureVersionTable(ctx context.Context, tx *sql.Tx) (int64, error) {
	exists, err := tableExists(ctx, tx, TableName)
	if err != nil {
		return 0, err
	}
	if !exists {
		if err := r.store.CreateVersionTable(ctx, tx); err != nil {
			return 0, fmt.Errorf("create version table: %w", err)
		}
		if err := r.store.Insert(ctx, tx, database.InsertRequest{Version: 0}); err != nil {
			return 0, fmt.Errorf("record version 0: %w", err)
		}
		return 0, nil
	}
	return r.latest(ctx, tx)
}

func (r *Runner) latest(ctx context.Context, db database.DBTxConn) (int64, error) {
	v, err := r.store.GetLatestVersion(ctx, db)
	if errors.Is(err, database.ErrVersionNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return v, nil
}

func tableExists(ctx context.Context, db database.DBTxConn, name string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return n > 0, nil
}
