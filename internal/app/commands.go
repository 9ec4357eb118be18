package app

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"feedctl/internal/apperr"
	"feedctl/internal/config"
	"feedctl/internal/model"
	"feedctl/internal/opml"
	"feedctl/internal/output"
	"feedctl/internal/storage"
	"feedctl/migrations"
)

// Add subscribes to a feed.
func (a *App) Add(ctx context.Context, url, name string) (*output.Action, error) {
	feed, err := a.registry.Add(ctx, url, name)
	if err != nil {
		return nil, err
	}
	return output.NewAction("Feed added", fmt.Sprintf("Added feed #%d %s", feed.ID, feed.Name)).
		WithID(feed.ID).
		WithFeed(feed), nil
}

// List returns every subscribed feed.
func (a *App) List(ctx context.Context) (*output.FeedList, error) {
	feeds, err := a.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	return output.NewFeedList(feeds), nil
}

// Remove unsubscribes from a feed and drops its entries.
func (a *App) Remove(ctx context.Context, ref string) (*output.Action, error) {
	feed, err := a.registry.Remove(ctx, ref)
	if err != nil {
		return nil, err
	}
	return output.NewAction("Feed removed", "Removed "+feed.Name).WithID(feed.ID), nil
}

// EntryParams scopes fetch and entries. An empty Ref means every feed.
type EntryParams struct {
	Ref        string
	Limit      int
	UnreadOnly bool
}

// Fetch refreshes one feed, or all of them when p.Ref is empty, and
// returns the entries stored by this refresh, newest first.
//
// Refreshing a single feed fails on a network or parse error. Refreshing
// all feeds reports such errors per feed in the result.
func (a *App) Fetch(ctx context.Context, p EntryParams) (*output.EntryList, error) {
	start := time.Now()

	before, err := a.store.LastEntryID(ctx)
	if err != nil {
		return nil, err
	}

	var (
		feedID int64
		res    model.FetchResult
	)
	if p.Ref != "" {
		feed, err := a.registry.Resolve(ctx, p.Ref)
		if err != nil {
			return nil, err
		}
		feedID = feed.ID
		res, err = a.agg.FetchOne(ctx, *feed)
		if err != nil {
			return nil, err
		}
	} else {
		feeds, err := a.registry.List(ctx)
		if err != nil {
			return nil, err
		}
		res, err = a.agg.FetchAll(ctx, feeds)
		if err != nil {
			return nil, err
		}
	}

	entries, err := a.store.ListEntries(ctx, storage.EntryQuery{
		FeedID:     feedID,
		UnreadOnly: p.UnreadOnly,
		Limit:      normalizeLimit(p.Limit),
		AfterID:    before,
	})
	if err != nil {
		return nil, err
	}

	a.log.Debug("fetch complete", "new", res.Inserted, "failures", len(res.Failures), elapsed(start))
	return output.NewEntryList(entries).WithFetch(res), nil
}

// Entries lists stored entries, newest first, without touching the network.
func (a *App) Entries(ctx context.Context, p EntryParams) (*output.EntryList, error) {
	q := storage.EntryQuery{UnreadOnly: p.UnreadOnly, Limit: normalizeLimit(p.Limit)}
	if p.Ref != "" {
		feed, err := a.registry.Resolve(ctx, p.Ref)
		if err != nil {
			return nil, err
		}
		q.FeedID = feed.ID
	}
	entries, err := a.store.ListEntries(ctx, q)
	if err != nil {
		return nil, err
	}
	return output.NewEntryList(entries), nil
}

// Read returns an entry and marks it read.
func (a *App) Read(ctx context.Context, id int64) (*output.Item, error) {
	entry, err := a.store.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := a.store.MarkRead(ctx, id); err != nil {
		return nil, err
	}
	entry.Read = true
	return output.NewEntryItem(entry), nil
}

// MarkReadAll marks every unread entry of a feed read.
func (a *App) MarkReadAll(ctx context.Context, ref string) (*output.Action, error) {
	feed, err := a.registry.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	n, err := a.store.MarkFeedRead(ctx, feed.ID)
	if err != nil {
		return nil, err
	}
	return output.NewAction("Marked items read", fmt.Sprintf("Marked %d as read", n)).WithCount(n), nil
}

// Export renders the subscription list in format.
func (a *App) Export(ctx context.Context, format string) (*output.Document, error) {
	f, err := opml.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	feeds, err := a.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	body, err := opml.Export(feeds, f, time.Now())
	if err != nil {
		return nil, err
	}
	return output.NewDocument(string(f), feeds, body), nil
}

// Import subscribes to every feed listed in an OPML or JSON document.
// Feeds already subscribed are skipped.
func (a *App) Import(ctx context.Context, r io.Reader) (*output.Action, error) {
	doc, err := opml.Parse(r)
	if err != nil {
		return nil, err
	}

	added, skipped, malformed := 0, 0, doc.Malformed
	for _, c := range doc.Candidates {
		_, err := a.registry.Add(ctx, c.URL, c.Title)
		switch {
		case err == nil:
			added++
		case apperr.Is(err, apperr.AlreadyExists):
			skipped++
		case apperr.Is(err, apperr.ParseError):
			malformed++
		default:
			return nil, err
		}
	}

	a.log.Info("import complete", "added", added, "skipped", skipped, "malformed", malformed)
	text := fmt.Sprintf("Imported %d feeds (%d skipped, %d malformed)", added, skipped, malformed)
	return output.NewAction("Import complete", text).WithImport(added, skipped, malformed), nil
}

// VersionInfo reports the schema state of the store.
type VersionInfo struct {
	SchemaVersion int64 `json:"schema_version"`
	LatestVersion int64 `json:"latest_version"`
}

// Version reports the applied and latest schema versions.
func (a *App) Version(ctx context.Context) (*output.Item, error) {
	current, err := a.store.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	all, err := migrations.Collect(migrations.FS)
	if err != nil {
		return nil, apperr.Wrap(apperr.MigrationError, err, "collect migrations")
	}
	info := VersionInfo{SchemaVersion: current}
	if len(all) > 0 {
		info.LatestVersion = all[len(all)-1].Version
	}
	return output.NewConfigItem(info,
		"schema_version", strconv.FormatInt(info.SchemaVersion, 10),
		"latest_version", strconv.FormatInt(info.LatestVersion, 10),
	), nil
}

type configView struct {
	Home              string `json:"home"`
	DatabasePath      string `json:"database_path"`
	SubscriptionsPath string `json:"subscriptions_path"`
	LogLevel          string `json:"log_level"`
	FetchTimeout      string `json:"fetch_timeout"`
	Workers           int    `json:"workers"`
	UserAgent         string `json:"user_agent"`
}

// ConfigShow reports the effective configuration. It needs no store.
func ConfigShow(cfg *config.Config) *output.Item {
	view := configView{
		Home:              cfg.Home,
		DatabasePath:      cfg.DatabasePath,
		SubscriptionsPath: cfg.SubscriptionsPath,
		LogLevel:          cfg.LogLevel,
		FetchTimeout:      cfg.FetchTimeout.String(),
		Workers:           cfg.Workers,
		UserAgent:         cfg.UserAgent,
	}
	return output.NewConfigItem(view,
		"home", cfg.Home,
		"database_path", cfg.DatabasePath,
		"subscriptions_path", cfg.SubscriptionsPath,
		"log_level", cfg.LogLevel,
		"fetch_timeout", cfg.FetchTimeout.String(),
		"workers", strconv.Itoa(cfg.Workers),
		"user_agent", cfg.UserAgent,
	)
}
