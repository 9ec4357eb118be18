// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"

	"feedctl/internal/model"
)

// MirrorFunc receives the complete feed list as it will be after a feed
// mutation commits. Returning an error aborts the mutation.
type MirrorFunc func(feeds []model.Feed) error

// EntryQuery selects stored entries. Zero values mean "no restriction".
type EntryQuery struct {
	FeedID     int64
	UnreadOnly bool
	Limit      int
	// AfterID keeps only entries stored after the entry with this ID.
	AfterID int64
}

// Storage is the interface for all persistence operations.
type Storage interface {
	CreateFeed(ctx context.Context, feed *model.Feed, mirror MirrorFunc) error
	GetFeed(ctx context.Context, id int64) (*model.Feed, error)
	ListFeeds(ctx context.Context) ([]model.Feed, error)
	DeleteFeed(ctx context.Context, id int64, mirror MirrorFunc) error

	UpsertEntries(ctx context.Context, feedID int64, entries []model.Entry) (int, error)
	GetEntry(ctx context.Context, id int64) (*model.Entry, error)
	ListEntries(ctx context.Context, q EntryQuery) ([]model.Entry, error)
	LastEntryID(ctx context.Context) (int64, error)
	MarkRead(ctx context.Context, id int64) error
	MarkFeedRead(ctx context.Context, feedID int64) (int64, error)

	SchemaVersion(ctx context.Context) (int64, error)
	Close() error
}
