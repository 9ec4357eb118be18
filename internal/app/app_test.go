package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"feedctl/internal/apperr"
	"feedctl/internal/config"
	"feedctl/internal/model"
	"feedctl/internal/output"
	"feedctl/internal/registry"
)

type mockHTTP struct {
	mu     sync.Mutex
	bodies map[string]string
}

func (m *mockHTTP) set(url, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bodies[url] = body
}

func (m *mockHTTP) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	body, ok := m.bodies[req.URL.String()]
	m.mu.Unlock()

	status := http.StatusOK
	if !ok {
		status = http.StatusNotFound
		body = "not found"
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/xml"}},
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}, nil
}

func loadFixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile("../../testdata/" + name)
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return string(data)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{
		Home:              home,
		DatabasePath:      filepath.Join(home, "feed.db"),
		SubscriptionsPath: filepath.Join(home, "feeds.toml"),
		LogLevel:          "warn",
		FetchTimeout:      time.Second,
		Workers:           2,
		UserAgent:         "feedctl-test",
	}
}

func newTestApp(t *testing.T, cfg *config.Config) (*App, *mockHTTP) {
	t.Helper()
	client := &mockHTTP{bodies: map[string]string{}}
	a, err := Open(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), client)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, client
}

func mustAdd(t *testing.T, a *App, url, name string) int64 {
	t.Helper()
	res, err := a.Add(context.Background(), url, name)
	if err != nil {
		t.Fatalf("add %s: %v", url, err)
	}
	return res.ID
}

func TestScenarioFetchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a, client := newTestApp(t, testConfig(t))

	id := mustAdd(t, a, "https://example.com/feed.xml", "Example")
	if id != 1 {
		t.Fatalf("first id = %d, want 1", id)
	}
	client.set("https://example.com/feed.xml", loadFixture(t, "rss.xml"))

	first, err := a.Fetch(ctx, EntryParams{Ref: "1"})
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if first.Count != 3 || *first.New != 3 {
		t.Errorf("first fetch count=%d new=%d, want 3/3", first.Count, *first.New)
	}
	if first.Items[0].FeedName != "Example" {
		t.Errorf("feed name = %q", first.Items[0].FeedName)
	}

	second, err := a.Fetch(ctx, EntryParams{Ref: "1"})
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if second.Count != 0 || *second.New != 0 {
		t.Errorf("second fetch count=%d new=%d, want 0/0", second.Count, *second.New)
	}

	stored, err := a.Entries(ctx, EntryParams{Ref: "Example"})
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if stored.Count != 3 {
		t.Errorf("stored entries = %d, want 3", stored.Count)
	}
}

func TestScenarioRemoveCascades(t *testing.T) {
	ctx := context.Background()
	a, client := newTestApp(t, testConfig(t))

	mustAdd(t, a, "https://example.com/feed.xml", "Example")
	client.set("https://example.com/feed.xml", loadFixture(t, "rss.xml"))
	if _, err := a.Fetch(ctx, EntryParams{Ref: "1"}); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	res, err := a.Remove(ctx, "1")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if res.ID != 1 {
		t.Errorf("removed id = %d, want 1", res.ID)
	}

	all, err := a.Entries(ctx, EntryParams{})
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if all.Count != 0 {
		t.Errorf("entries after remove = %d, want 0", all.Count)
	}

	_, err = a.Fetch(ctx, EntryParams{Ref: "1"})
	if !apperr.Is(err, apperr.NotFound) {
		t.Errorf("fetch after remove error = %v, want NOT_FOUND", err)
	}
}

func TestScenarioMarkReadAll(t *testing.T) {
	ctx := context.Background()
	a, client := newTestApp(t, testConfig(t))

	mustAdd(t, a, "https://example.com/feed.xml", "Example")
	client.set("https://example.com/feed.xml", loadFixture(t, "rss.xml"))
	fetched, err := a.Fetch(ctx, EntryParams{Ref: "1"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	item, err := a.Read(ctx, fetched.Items[0].ID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if e := item.Item.(*model.Entry); !e.Read {
		t.Error("read entry not marked read")
	}

	res, err := a.MarkReadAll(ctx, "1")
	if err != nil {
		t.Fatalf("mark read all: %v", err)
	}
	if res.Message == "" || res.Count == nil || *res.Count != 2 {
		t.Errorf("mark read all = %+v, want count 2", res)
	}

	unread, err := a.Fetch(ctx, EntryParams{Ref: "1", UnreadOnly: true})
	if err != nil {
		t.Fatalf("fetch unread: %v", err)
	}
	if unread.Count != 0 {
		t.Errorf("unread after mark all = %d, want 0", unread.Count)
	}

	again, err := a.MarkReadAll(ctx, "example")
	if err != nil {
		t.Fatalf("second mark read all: %v", err)
	}
	if *again.Count != 0 {
		t.Errorf("second mark read all count = %d, want 0", *again.Count)
	}
}

func TestScenarioPartialAtomDocument(t *testing.T) {
	ctx := context.Background()
	a, client := newTestApp(t, testConfig(t))

	mustAdd(t, a, "https://example.org/atom", "")
	client.set("https://example.org/atom", loadFixture(t, "atom.xml"))

	res, err := a.Fetch(ctx, EntryParams{Ref: "feed-1"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if *res.New != 3 {
		t.Errorf("new = %d, want 3", *res.New)
	}
	titles := make([]string, 0, len(res.Items))
	for _, e := range res.Items {
		titles = append(titles, e.Title)
	}
	want := []string{"Atom three", "Atom two", "Atom one"}
	if diff := cmp.Diff(want, titles); diff != "" {
		t.Errorf("titles mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchAllReportsFailures(t *testing.T) {
	ctx := context.Background()
	a, client := newTestApp(t, testConfig(t))

	mustAdd(t, a, "https://example.com/feed.xml", "Good")
	mustAdd(t, a, "https://gone.example/rss", "Gone")
	mustAdd(t, a, "https://html.example/", "Page")
	client.set("https://example.com/feed.xml", loadFixture(t, "rss.xml"))
	client.set("https://html.example/", "<html><body>not a feed</body></html>")

	res, err := a.Fetch(ctx, EntryParams{Limit: 2})
	if err != nil {
		t.Fatalf("fetch all: %v", err)
	}
	if *res.New != 3 {
		t.Errorf("new = %d, want 3", *res.New)
	}
	if res.Count != 2 {
		t.Errorf("count = %d, want limit 2", res.Count)
	}
	want := []model.FeedFailure{
		{FeedID: 2, Name: "Gone", Code: "NETWORK_ERROR"},
		{FeedID: 3, Name: "Page", Code: "PARSE_ERROR"},
	}
	if diff := cmp.Diff(want, res.Failures, cmpopts.IgnoreFields(model.FeedFailure{}, "Error")); diff != "" {
		t.Errorf("failures mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchSingleFeedFailure(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestApp(t, testConfig(t))
	mustAdd(t, a, "https://gone.example/rss", "Gone")

	_, err := a.Fetch(ctx, EntryParams{Ref: "Gone"})
	if !apperr.Is(err, apperr.NetworkError) {
		t.Errorf("error = %v, want NETWORK_ERROR", err)
	}
}

func TestFetchNoFeeds(t *testing.T) {
	a, _ := newTestApp(t, testConfig(t))

	res, err := a.Fetch(context.Background(), EntryParams{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Count != 0 || len(res.Items) != 0 {
		t.Errorf("result = %+v, want empty", res)
	}
}

func TestReadUnknownEntry(t *testing.T) {
	a, _ := newTestApp(t, testConfig(t))

	_, err := a.Read(context.Background(), 42)
	if !apperr.Is(err, apperr.NotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

func TestAddDuplicate(t *testing.T) {
	a, _ := newTestApp(t, testConfig(t))
	mustAdd(t, a, "https://example.com/feed.xml", "Example")

	_, err := a.Add(context.Background(), "https://example.com/feed.xml", "Again")
	if !apperr.Is(err, apperr.AlreadyExists) {
		t.Errorf("error = %v, want ALREADY_EXISTS", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src, _ := newTestApp(t, testConfig(t))
	urls := []string{
		"https://a.example/rss",
		"https://b.example/atom",
		"http://c.example/feed?x=1&y=2",
	}
	for _, u := range urls {
		mustAdd(t, src, u, "")
	}

	for _, format := range []string{"opml", "json"} {
		t.Run(format, func(t *testing.T) {
			doc, err := src.Export(ctx, format)
			if err != nil {
				t.Fatalf("export: %v", err)
			}
			var buf bytes.Buffer
			if err := output.Render(&buf, output.ModePlain, doc); err != nil {
				t.Fatalf("render: %v", err)
			}

			dst, _ := newTestApp(t, testConfig(t))
			res, err := dst.Import(ctx, &buf)
			if err != nil {
				t.Fatalf("import: %v", err)
			}
			if *res.Added != 3 || *res.Skipped != 0 || *res.Malformed != 0 {
				t.Errorf("import = %d/%d/%d, want 3/0/0", *res.Added, *res.Skipped, *res.Malformed)
			}

			list, _ := dst.List(ctx)
			var got []string
			for _, f := range list.Items {
				got = append(got, f.URL)
			}
			sortStrings := cmpopts.SortSlices(func(a, b string) bool { return a < b })
			if diff := cmp.Diff(urls, got, sortStrings); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestImportCountsSkippedAndMalformed(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestApp(t, testConfig(t))
	mustAdd(t, a, "https://example.com/feed.xml", "Existing")

	data := loadFixture(t, "subscriptions.opml")
	res, err := a.Import(ctx, strings.NewReader(data))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if *res.Added != 1 || *res.Skipped != 1 || *res.Malformed != 1 {
		t.Errorf("import = %d/%d/%d, want 1/1/1", *res.Added, *res.Skipped, *res.Malformed)
	}

	_, err = a.Import(ctx, strings.NewReader(`<opml version="2.0"><body/></opml>`))
	if !apperr.Is(err, apperr.ParseError) {
		t.Errorf("empty import error = %v, want PARSE_ERROR", err)
	}
}

func TestOpenImportsLegacySubscriptions(t *testing.T) {
	cfg := testConfig(t)
	legacy := []model.Feed{
		{ID: 4, Name: "Four", URL: "https://four.example/rss", CreatedAt: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	if err := registry.NewMirror(cfg.SubscriptionsPath).Write(legacy); err != nil {
		t.Fatalf("write legacy list: %v", err)
	}

	a, _ := newTestApp(t, cfg)
	list, err := a.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if diff := cmp.Diff(legacy, list.Items); diff != "" {
		t.Errorf("legacy import mismatch (-want +got):\n%s", diff)
	}
}

func TestMirrorTracksMutations(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	a, _ := newTestApp(t, cfg)

	mustAdd(t, a, "https://a.example/rss", "A")
	mustAdd(t, a, "https://b.example/rss", "B")
	if _, err := a.Remove(ctx, "A"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	fast, err := registry.ListFast(cfg.SubscriptionsPath)
	if err != nil {
		t.Fatalf("list fast: %v", err)
	}
	list, _ := a.List(ctx)
	if diff := cmp.Diff(list.Items, fast, cmpopts.IgnoreFields(model.Feed{}, "CreatedAt")); diff != "" {
		t.Errorf("mirror out of sync (-store +mirror):\n%s", diff)
	}
}

func TestVersion(t *testing.T) {
	a, _ := newTestApp(t, testConfig(t))

	item, err := a.Version(context.Background())
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	want := VersionInfo{SchemaVersion: 4, LatestVersion: 4}
	if diff := cmp.Diff(want, item.Item); diff != "" {
		t.Errorf("version mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigShow(t *testing.T) {
	cfg := testConfig(t)
	var buf bytes.Buffer
	if err := output.Render(&buf, output.ModeJSON, ConfigShow(cfg)); err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(buf.String(), `"fetch_timeout":"1s"`) {
		t.Errorf("config output = %s", buf.String())
	}
}
