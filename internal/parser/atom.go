package parser

import (
	"bytes"
	"time"

	"github.com/mmcdole/gofeed/atom"
)

// normalizeAtom maps Atom entries: id (or link) becomes ext_id, summary
// (or content) the summary and published (or updated) the published time.
func normalizeAtom(body []byte, now time.Time) (*Document, error) {
	var p atom.Parser
	feed, err := p.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, wrapParse(KindAtom, err)
	}

	candidates := make([]candidate, 0, len(feed.Entries))
	for _, entry := range feed.Entries {
		if entry == nil {
			continue
		}
		c := candidate{
			id:      entry.ID,
			title:   entry.Title,
			link:    atomLink(entry.Links),
			summary: entry.Summary,
		}
		if c.summary == "" && entry.Content != nil {
			c.summary = entry.Content.Value
		}
		c.published = entry.PublishedParsed
		if c.published == nil {
			c.published = entry.UpdatedParsed
		}
		candidates = append(candidates, c)
	}
	return collect(KindAtom, feed.Title, candidates, now), nil
}

// atomLink picks the entry's alternate link, falling back to the first
// link carrying an href.
func atomLink(links []*atom.Link) string {
	var fallback string
	for _, l := range links {
		if l == nil || l.Href == "" {
			continue
		}
		if l.Rel == "" || l.Rel == "alternate" {
			return l.Href
		}
		if fallback == "" {
			fallback = l.Href
		}
	}
	return fallback
}
