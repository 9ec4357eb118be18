package parser

import (
	"bytes"
	"time"

	"github.com/mmcdole/gofeed/rss"
)

// normalizeRSS maps RSS 2.0 items: guid (or link) becomes ext_id,
// description the summary and pubDate the published time.
func normalizeRSS(body []byte, now time.Time) (*Document, error) {
	var p rss.Parser
	feed, err := p.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, wrapParse(KindRSS, err)
	}

	candidates := make([]candidate, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		c := candidate{
			title:     item.Title,
			link:      item.Link,
			summary:   item.Description,
			published: item.PubDateParsed,
		}
		if item.GUID != nil {
			c.id = item.GUID.Value
		}
		if c.summary == "" {
			c.summary = item.Content
		}
		candidates = append(candidates, c)
	}
	return collect(KindRSS, feed.Title, candidates, now), nil
}
