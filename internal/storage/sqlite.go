package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"feedctl/internal/apperr"
	"feedctl/internal/model"
	"feedctl/migrations"
)

// TimeLayout is the persisted and emitted timestamp format (UTC).
const TimeLayout = "2006-01-02T15:04:05Z"

const entryColumns = `e.id, e.feed_id, COALESCE(f.name, ''), e.ext_id, e.title, e.link, e.summary,
	e.published, e.date_estimated, e.read`

// SQLite implements Storage backed by a SQLite database.
//
// The pool is limited to a single connection, which makes it the only
// writer: concurrent callers queue on the connection and never interleave
// inside each other's transactions.
type SQLite struct {
	db         *sql.DB
	migrations *migrations.Runner
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", pragma, err)
		}
	}

	runner, err := migrations.NewRunner(migrations.FS)
	if err != nil {
		_ = db.Close()
		return nil, apperr.Wrap(apperr.MigrationError, err, "prepare migrations")
	}
	if _, err := runner.Up(ctx, db); err != nil {
		_ = db.Close()
		return nil, apperr.Wrap(apperr.MigrationError, err, "run migrations")
	}

	return &SQLite{db: db, migrations: runner}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// SchemaVersion returns the highest applied migration version.
func (s *SQLite) SchemaVersion(ctx context.Context) (int64, error) {
	return s.migrations.Version(ctx, s.db)
}

// CreateFeed inserts a new feed and populates its ID and CreatedAt.
// A zero feed.ID lets the database assign the next identifier.
func (s *SQLite) CreateFeed(ctx context.Context, feed *model.Feed, mirror MirrorFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM feeds WHERE url = ?`, feed.URL).Scan(&existing)
	switch {
	case err == nil:
		return apperr.New(apperr.AlreadyExists, "Feed already exists: %s", feed.URL)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check feed url: %w", err)
	}

	created := feed.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	createdStr := created.UTC().Format(TimeLayout)

	var id any
	if feed.ID != 0 {
		id = feed.ID
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO feeds (id, name, url, created_at) VALUES (?, ?, ?, ?)`,
		id, feed.Name, feed.URL, createdStr,
	)
	if err != nil {
		return fmt.Errorf("insert feed: %w", err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	feed.ID = newID
	feed.CreatedAt, _ = time.Parse(TimeLayout, createdStr)

	if feed.Name == "" {
		feed.Name = DefaultFeedName(newID)
		if _, err := tx.ExecContext(ctx, `UPDATE feeds SET name = ? WHERE id = ?`, feed.Name, newID); err != nil {
			return fmt.Errorf("name feed: %w", err)
		}
	}

	if err := runMirror(ctx, tx, mirror); err != nil {
		return err
	}
	return tx.Commit()
}

// GetFeed returns a single feed by its ID.
func (s *SQLite) GetFeed(ctx context.Context, id int64) (*model.Feed, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, url, created_at FROM feeds WHERE id = ?`, id,
	)
	f, err := scanFeed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "Feed not found: %d", id)
	}
	return f, err
}

// ListFeeds returns all feeds in creation order.
func (s *SQLite) ListFeeds(ctx context.Context) ([]model.Feed, error) {
	return listFeeds(ctx, s.db)
}

// DeleteFeed removes a feed and every entry it owns.
func (s *SQLite) DeleteFeed(ctx context.Context, id int64, mirror MirrorFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE feed_id = ?`, id); err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM feeds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete feed: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return apperr.New(apperr.NotFound, "Feed not found: %d", id)
	}

	if err := runMirror(ctx, tx, mirror); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertEntries stores entries that are not yet known for the feed and
// returns how many rows were inserted. Entries whose (feed, ext_id) already
// exists are left untouched. The batch commits as a whole or not at all.
func (s *SQLite) UpsertEntries(ctx context.Context, feedID int64, entries []model.Entry) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM feeds WHERE id = ?`, feedID).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("check feed: %w", err)
	}
	if exists == 0 {
		return 0, apperr.New(apperr.NotFound, "Feed not found: %d", feedID)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO entries (feed_id, ext_id, title, link, summary, published, date_estimated, read)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		 ON CONFLICT (feed_id, ext_id) DO NOTHING`,
	)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	inserted := 0
	for _, e := range entries {
		if e.ExtID == "" {
			return 0, apperr.New(apperr.ParseError, "entry %q has an empty ext_id", e.Title)
		}
		res, err := stmt.ExecContext(ctx,
			feedID, e.ExtID, e.Title, e.Link, e.Summary,
			e.Published.UTC().Format(TimeLayout), boolToInt(e.DateEstimated),
		)
		if err != nil {
			return 0, fmt.Errorf("insert entry %q: %w", e.ExtID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit entries: %w", err)
	}
	return inserted, nil
}

// GetEntry returns a single entry by its ID.
func (s *SQLite) GetEntry(ctx context.Context, id int64) (*model.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+`
		 FROM entries e LEFT JOIN feeds f ON f.id = e.feed_id
		 WHERE e.id = ?`, id,
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "Entry not found: %d", id)
	}
	return e, err
}

// ListEntries returns stored entries, newest first.
func (s *SQLite) ListEntries(ctx context.Context, q EntryQuery) ([]model.Entry, error) {
	sb := sqlbuilder.NewSelectBuilder()
	sb.Select(entryColumns).
		From("entries e").
		JoinWithOption(sqlbuilder.LeftJoin, "feeds f", "f.id = e.feed_id")
	if q.FeedID != 0 {
		sb.Where(sb.Equal("e.feed_id", q.FeedID))
	}
	if q.UnreadOnly {
		sb.Where(sb.Equal("e.read", 0))
	}
	if q.AfterID > 0 {
		sb.Where(sb.GreaterThan("e.id", q.AfterID))
	}
	sb.OrderBy("e.published DESC", "e.id DESC")
	if q.Limit > 0 {
		sb.Limit(q.Limit)
	}

	query, args := sb.BuildWithFlavor(sqlbuilder.SQLite)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []model.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// LastEntryID returns the highest entry identifier ever assigned, or 0.
// Identifiers are never reused, so entries stored later compare greater.
func (s *SQLite) LastEntryID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM sqlite_sequence WHERE name = 'entries'`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("last entry id: %w", err)
	}
	return id, nil
}

// MarkRead sets the read flag on a single entry.
func (s *SQLite) MarkRead(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE entries SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, "Entry not found: %d", id)
	}
	return nil
}

// MarkFeedRead marks every unread entry of a feed as read and returns how
// many entries changed.
func (s *SQLite) MarkFeedRead(ctx context.Context, feedID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET read = 1 WHERE feed_id = ? AND read = 0`, feedID,
	)
	if err != nil {
		return 0, fmt.Errorf("mark feed read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listFeeds(ctx context.Context, q queryer) ([]model.Feed, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, name, url, created_at FROM feeds ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	feeds := []model.Feed{}
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *f)
	}
	return feeds, rows.Err()
}

// DefaultFeedName is the name given to a feed added without one.
func DefaultFeedName(id int64) string {
	return fmt.Sprintf("feed-%d", id)
}

func runMirror(ctx context.Context, tx *sql.Tx, mirror MirrorFunc) error {
	if mirror == nil {
		return nil
	}
	feeds, err := listFeeds(ctx, tx)
	if err != nil {
		return err
	}
	if err := mirror(feeds); err != nil {
		return fmt.Errorf("write subscription list: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanFeed(row scannable) (*model.Feed, error) {
	var f model.Feed
	var created string
	if err := row.Scan(&f.ID, &f.Name, &f.URL, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan feed: %w", err)
	}
	f.CreatedAt, _ = time.Parse(TimeLayout, created)
	return &f, nil
}

func scanEntry(row scannable) (*model.Entry, error) {
	var e model.Entry
	var published string
	var estimated, read int
	err := row.Scan(&e.ID, &e.FeedID, &e.FeedName, &e.ExtID, &e.Title, &e.Link, &e.Summary,
		&published, &estimated, &read)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	e.Published, _ = time.Parse(TimeLayout, published)
	e.DateEstimated = estimated == 1
	e.Read = read == 1
	return &e, nil
}
