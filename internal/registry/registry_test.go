package registry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"feedctl/internal/apperr"
	"feedctl/internal/model"
	"feedctl/internal/storage"
)

var ignoreCreated = cmpopts.IgnoreFields(model.Feed{}, "CreatedAt")

func newTestRegistry(t *testing.T) (*Registry, *storage.SQLite, *Mirror) {
	t.Helper()
	store, err := storage.NewSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	mirror := NewMirror(filepath.Join(t.TempDir(), "feeds.toml"))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, mirror, log), store, mirror
}

func TestAdd(t *testing.T) {
	ctx := context.Background()
	r, _, mirror := newTestRegistry(t)

	a, err := r.Add(ctx, " https://a.example/rss ", "Alpha")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	b, err := r.Add(ctx, "http://b.example/atom", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	want := []model.Feed{
		{ID: 1, Name: "Alpha", URL: "https://a.example/rss"},
		{ID: 2, Name: "feed-2", URL: "http://b.example/atom"},
	}
	if diff := cmp.Diff(want, []model.Feed{*a, *b}, ignoreCreated); diff != "" {
		t.Errorf("added feeds mismatch (-want +got):\n%s", diff)
	}

	listed, err := r.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff(want, listed, ignoreCreated); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}

	mirrored, err := mirror.Read()
	if err != nil {
		t.Fatalf("read mirror: %v", err)
	}
	if diff := cmp.Diff(want, mirrored, ignoreCreated); diff != "" {
		t.Errorf("mirror mismatch (-want +got):\n%s", diff)
	}
}

func TestAddRejects(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	if _, err := r.Add(ctx, "https://a.example/rss", "A"); err != nil {
		t.Fatalf("add: %v", err)
	}

	tests := []struct {
		name string
		url  string
		want apperr.Kind
	}{
		{name: "duplicate", url: "https://a.example/rss", want: apperr.AlreadyExists},
		{name: "relative", url: "/feed.xml", want: apperr.ParseError},
		{name: "ftp", url: "ftp://a.example/feed", want: apperr.ParseError},
		{name: "no host", url: "https://", want: apperr.ParseError},
		{name: "garbage", url: "::not a url", want: apperr.ParseError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Add(ctx, tt.url, "")
			if got := apperr.KindOf(err); got != tt.want {
				t.Errorf("kind = %s, want %s (err %v)", got, tt.want, err)
			}
		})
	}

	feeds, _ := r.List(ctx)
	if len(feeds) != 1 {
		t.Errorf("feeds = %d after rejected adds, want 1", len(feeds))
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	for _, f := range []struct{ url, name string }{
		{"https://a.example/rss", "Tech News"},
		{"https://b.example/rss", "2"},
		{"https://c.example/rss", "tech news"},
	} {
		if _, err := r.Add(ctx, f.url, f.name); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	tests := []struct {
		ref     string
		wantID  int64
		wantErr apperr.Kind
	}{
		{ref: "1", wantID: 1},
		{ref: " 3 ", wantID: 3},
		{ref: "2", wantID: 2},
		{ref: "Tech News", wantID: 1},
		{ref: "tech news", wantID: 3},
		{ref: "TECH NEWS", wantID: 1},
		{ref: "99", wantErr: apperr.NotFound},
		{ref: "unknown", wantErr: apperr.NotFound},
		{ref: "", wantErr: apperr.NotFound},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := r.Resolve(ctx, tt.ref)
			if tt.wantErr != "" {
				if !apperr.Is(err, tt.wantErr) {
					t.Fatalf("Resolve(%q) error = %v, want %s", tt.ref, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q) error = %v", tt.ref, err)
			}
			if got.ID != tt.wantID {
				t.Errorf("Resolve(%q) = %d, want %d", tt.ref, got.ID, tt.wantID)
			}
		})
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	r, store, mirror := newTestRegistry(t)

	a, _ := r.Add(ctx, "https://a.example/rss", "A")
	if _, err := r.Add(ctx, "https://b.example/rss", "B"); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, err := store.UpsertEntries(ctx, a.ID, []model.Entry{
		{ExtID: "x", Title: "X", Published: time.Now()},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	removed, err := r.Remove(ctx, "a")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed.ID != a.ID {
		t.Errorf("removed id = %d, want %d", removed.ID, a.ID)
	}

	entries, err := store.ListEntries(ctx, storage.EntryQuery{})
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries after remove = %d, want 0", len(entries))
	}

	mirrored, _ := mirror.Read()
	want := []model.Feed{{ID: 2, Name: "B", URL: "https://b.example/rss"}}
	if diff := cmp.Diff(want, mirrored, ignoreCreated); diff != "" {
		t.Errorf("mirror mismatch (-want +got):\n%s", diff)
	}

	if _, err := r.Remove(ctx, "a"); !apperr.Is(err, apperr.NotFound) {
		t.Errorf("second remove error = %v, want NOT_FOUND", err)
	}
}

func TestMirrorWriteFailureLeavesStoreUnchanged(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	defer func() { _ = store.Close() }()

	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	// The parent of the mirror is a regular file, so every write fails.
	mirror := NewMirror(filepath.Join(blocker, "feeds.toml"))
	r := New(store, mirror, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if _, err := r.Add(ctx, "https://a.example/rss", "A"); err == nil {
		t.Fatal("expected error from unwritable mirror")
	}
	feeds, _ := store.ListFeeds(ctx)
	if len(feeds) != 0 {
		t.Errorf("feeds = %d, want 0", len(feeds))
	}
}

func TestBootstrap(t *testing.T) {
	ctx := context.Background()
	r, _, mirror := newTestRegistry(t)

	created := time.Date(2023, 5, 1, 8, 0, 0, 0, time.UTC)
	legacy := []model.Feed{
		{ID: 3, Name: "Three", URL: "https://three.example/rss", CreatedAt: created},
		{ID: 5, Name: "Five", URL: "https://five.example/rss", CreatedAt: created},
		{ID: 6, Name: "Bad", URL: "not a url", CreatedAt: created},
	}
	if err := mirror.Write(legacy); err != nil {
		t.Fatalf("write mirror: %v", err)
	}

	n, err := r.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if n != 2 {
		t.Errorf("imported = %d, want 2", n)
	}

	got, _ := r.List(ctx)
	if diff := cmp.Diff(legacy[:2], got); diff != "" {
		t.Errorf("bootstrapped feeds mismatch (-want +got):\n%s", diff)
	}

	next, err := r.Add(ctx, "https://next.example/rss", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if next.ID != 6 || next.Name != "feed-6" {
		t.Errorf("next feed = %d %q, want 6 feed-6", next.ID, next.Name)
	}

	again, err := r.Bootstrap(ctx)
	if err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	if again != 0 {
		t.Errorf("second bootstrap imported %d, want 0", again)
	}
}

func TestListFast(t *testing.T) {
	dir := t.TempDir()

	feeds, err := ListFast(filepath.Join(dir, "missing.toml"))
	if err != nil {
		t.Fatalf("ListFast(missing) error = %v", err)
	}
	if len(feeds) != 0 {
		t.Errorf("ListFast(missing) = %v, want empty", feeds)
	}

	path := filepath.Join(dir, "feeds.toml")
	want := []model.Feed{{ID: 1, Name: "A", URL: "https://a.example/rss", CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}}
	if err := NewMirror(path).Write(want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ListFast(path)
	if err != nil {
		t.Fatalf("ListFast() error = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ListFast() mismatch (-want +got):\n%s", diff)
	}

	if err := os.WriteFile(path, []byte("feeds = ["), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ListFast(path); err == nil {
		t.Error("expected error for corrupt mirror")
	}
}
