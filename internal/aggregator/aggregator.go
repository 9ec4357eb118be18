// Package aggregator refreshes feeds and stores their new entries.
package aggregator

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"feedctl/internal/apperr"
	"feedctl/internal/model"
	"feedctl/internal/parser"
	"feedctl/internal/storage"
)

// DefaultWorkers bounds concurrent network fetches in FetchAll.
const DefaultWorkers = 4

// Fetcher retrieves and parses one feed document.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*parser.Document, error)
}

// Aggregator fans feed refreshes out over a bounded worker pool. Network
// retrieval runs concurrently; writes go through the store one feed batch
// at a time.
type Aggregator struct {
	store   storage.Storage
	fetcher Fetcher
	log     *slog.Logger
	workers int
}

// New creates an Aggregator. workers below 1 uses DefaultWorkers.
func New(store storage.Storage, fetcher Fetcher, log *slog.Logger, workers int) *Aggregator {
	if workers < 1 {
		workers = DefaultWorkers
	}
	return &Aggregator{
		store:   store,
		fetcher: fetcher,
		log:     log,
		workers: workers,
	}
}

// FetchOne refreshes a single feed. Either all of its new entries are
// stored or none are.
func (a *Aggregator) FetchOne(ctx context.Context, feed model.Feed) (model.FetchResult, error) {
	a.log.Debug("fetching feed", "feed_id", feed.ID, "name", feed.Name, "url", feed.URL)

	doc, err := a.fetcher.Fetch(ctx, feed.URL)
	if err != nil {
		return model.FetchResult{}, err
	}
	for _, rej := range doc.Rejected {
		a.log.Warn("skipped entry", "feed_id", feed.ID, "error", rej)
	}

	inserted, err := a.store.UpsertEntries(ctx, feed.ID, doc.Entries)
	if err != nil {
		return model.FetchResult{}, err
	}
	if inserted > 0 {
		a.log.Info("stored new entries", "feed_id", feed.ID, "name", feed.Name, "count", inserted)
	}
	return model.FetchResult{
		Inserted: inserted,
		Rejected: len(doc.Rejected),
		Failures: []model.FeedFailure{},
	}, nil
}

// FetchAll refreshes every feed. A network or parse failure on one feed is
// recorded in the result and does not stop the others; storage failures
// abort the batch.
func (a *Aggregator) FetchAll(ctx context.Context, feeds []model.Feed) (model.FetchResult, error) {
	var (
		mu     sync.Mutex
		result = model.FetchResult{Failures: []model.FeedFailure{}}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)

	for _, feed := range feeds {
		g.Go(func() error {
			res, err := a.FetchOne(gctx, feed)
			if err != nil {
				if !isFeedFailure(err) {
					return err
				}
				a.log.Warn("feed failed", "feed_id", feed.ID, "url", feed.URL, "error", err)
				mu.Lock()
				result.Failures = append(result.Failures, model.FeedFailure{
					FeedID: feed.ID,
					Name:   feed.Name,
					Code:   string(apperr.KindOf(err)),
					Error:  err.Error(),
				})
				mu.Unlock()
				return nil
			}

			mu.Lock()
			result.Inserted += res.Inserted
			result.Rejected += res.Rejected
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return result, err
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	slices.SortFunc(result.Failures, func(x, y model.FeedFailure) int {
		return cmp.Compare(x.FeedID, y.FeedID)
	})
	return result, nil
}

// isFeedFailure reports whether err is confined to one feed.
func isFeedFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch apperr.KindOf(err) {
	case apperr.NetworkError, apperr.ParseError, apperr.NotFound:
		return true
	default:
		return false
	}
}
