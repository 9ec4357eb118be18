// Package model defines the domain types used across the application.
package model

import "time"

// Feed represents a subscribed feed source.
type Feed struct {
	ID        int64     `json:"id" toml:"id"`
	Name      string    `json:"name" toml:"name"`
	URL       string    `json:"url" toml:"url"`
	CreatedAt time.Time `json:"created_at" toml:"created_at"`
}

// Entry is a single stored item of a feed.
//
// (FeedID, ExtID) is unique across all entries. Read is the only field
// that changes after the entry is first stored.
type Entry struct {
	ID            int64     `json:"id"`
	FeedID        int64     `json:"feed_id"`
	FeedName      string    `json:"feed"`
	ExtID         string    `json:"ext_id"`
	Title         string    `json:"title"`
	Link          string    `json:"url"`
	Summary       string    `json:"summary"`
	Published     time.Time `json:"published"`
	DateEstimated bool      `json:"date_estimated"`
	Read          bool      `json:"read"`
}

// FeedFailure describes why a single feed could not be refreshed.
type FeedFailure struct {
	FeedID int64  `json:"feed_id"`
	Name   string `json:"feed"`
	Code   string `json:"code"`
	Error  string `json:"error"`
}

// FetchResult aggregates the outcome of refreshing one or more feeds.
type FetchResult struct {
	Inserted int
	Rejected int
	Failures []FeedFailure
}
