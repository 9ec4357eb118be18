// Package registry manages the set of subscribed feeds.
//
// The database is authoritative. Every mutation also rewrites the TOML
// mirror before the database transaction commits, so a failed mirror write
// leaves both unchanged.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"feedctl/internal/apperr"
	"feedctl/internal/model"
	"feedctl/internal/storage"
)

// Registry adds, resolves and removes feeds.
type Registry struct {
	store  storage.Storage
	mirror *Mirror
	log    *slog.Logger
}

// New creates a Registry. mirror may be nil to skip the subscription file.
func New(store storage.Storage, mirror *Mirror, log *slog.Logger) *Registry {
	return &Registry{store: store, mirror: mirror, log: log}
}

func (r *Registry) mirrorFunc() storage.MirrorFunc {
	if r.mirror == nil {
		return nil
	}
	return r.mirror.Write
}

// ValidateURL checks that raw is an absolute http or https URL.
func ValidateURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", apperr.New(apperr.ParseError, "Invalid feed URL: %s", raw)
	}
	return s, nil
}

// Add subscribes to feedURL. An empty name is replaced by feed-<id>.
func (r *Registry) Add(ctx context.Context, feedURL, name string) (*model.Feed, error) {
	u, err := ValidateURL(feedURL)
	if err != nil {
		return nil, err
	}
	feed := &model.Feed{Name: strings.TrimSpace(name), URL: u}
	if err := r.store.CreateFeed(ctx, feed, r.mirrorFunc()); err != nil {
		return nil, err
	}
	r.log.Debug("feed added", "feed_id", feed.ID, "name", feed.Name, "url", feed.URL)
	return feed, nil
}

// List returns all feeds in creation order.
func (r *Registry) List(ctx context.Context) ([]model.Feed, error) {
	return r.store.ListFeeds(ctx)
}

// Resolve finds a feed by identifier, then exact name, then name ignoring
// case.
func (r *Registry) Resolve(ctx context.Context, ref string) (*model.Feed, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, apperr.New(apperr.NotFound, "Feed reference is required")
	}

	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		feed, err := r.store.GetFeed(ctx, id)
		if err == nil {
			return feed, nil
		}
		if !apperr.Is(err, apperr.NotFound) {
			return nil, err
		}
	}

	feeds, err := r.store.ListFeeds(ctx)
	if err != nil {
		return nil, err
	}
	if feed, ok := lo.Find(feeds, func(f model.Feed) bool { return f.Name == ref }); ok {
		return &feed, nil
	}
	if feed, ok := lo.Find(feeds, func(f model.Feed) bool { return strings.EqualFold(f.Name, ref) }); ok {
		return &feed, nil
	}
	return nil, apperr.New(apperr.NotFound, "Feed not found: %s", ref)
}

// Remove unsubscribes from the feed named by ref and drops its entries.
func (r *Registry) Remove(ctx context.Context, ref string) (*model.Feed, error) {
	feed, err := r.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := r.store.DeleteFeed(ctx, feed.ID, r.mirrorFunc()); err != nil {
		return nil, err
	}
	r.log.Debug("feed removed", "feed_id", feed.ID, "name", feed.Name)
	return feed, nil
}

// Bootstrap imports the mirror into an empty store, keeping identifiers.
// It returns the number of feeds imported.
func (r *Registry) Bootstrap(ctx context.Context) (int, error) {
	if r.mirror == nil || !r.mirror.Exists() {
		return 0, nil
	}
	existing, err := r.store.ListFeeds(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}

	legacy, err := r.mirror.Read()
	if err != nil {
		return 0, err
	}

	imported := 0
	for _, f := range legacy {
		feed := f
		if _, err := ValidateURL(feed.URL); err != nil {
			r.log.Warn("skip invalid subscription", "feed_id", feed.ID, "url", feed.URL)
			continue
		}
		err := r.store.CreateFeed(ctx, &feed, r.mirrorFunc())
		switch {
		case apperr.Is(err, apperr.AlreadyExists):
			r.log.Warn("skip duplicate subscription", "feed_id", f.ID, "url", f.URL)
			continue
		case err != nil:
			return imported, fmt.Errorf("import subscription %d: %w", f.ID, err)
		}
		imported++
	}
	if imported > 0 {
		r.log.Info("imported subscription list", "path", r.mirror.Path(), "count", imported)
	}
	return imported, nil
}

// ListFast reads the subscription list from the mirror without opening the
// store.
func ListFast(path string) ([]model.Feed, error) {
	feeds, err := NewMirror(path).Read()
	if err != nil {
		return nil, apperr.Wrap(apperr.RuntimeError, err, "list subscriptions")
	}
	return feeds, nil
}
