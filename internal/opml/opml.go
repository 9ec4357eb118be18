// Package opml handles importing and exporting subscription lists.
//
// Two formats are supported: an OPML 2.0 outline and a JSON snapshot.
// Neither carries entries, only feed names and URLs.
package opml

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/samber/lo"

	"feedctl/internal/apperr"
	"feedctl/internal/model"
	"feedctl/internal/registry"
)

// Format names an export format.
type Format string

// Supported formats.
const (
	FormatOPML Format = "opml"
	FormatJSON Format = "json"
)

// ParseFormat validates a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatOPML, FormatJSON:
		return f, nil
	case "":
		return FormatOPML, nil
	default:
		return "", apperr.New(apperr.ParseError, "Unsupported export format: %s", s)
	}
}

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline represents a single outline element (folder or feed).
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// Snapshot is the JSON export layout.
type Snapshot struct {
	Version int            `json:"version"`
	Feeds   []SnapshotFeed `json:"feeds"`
}

// SnapshotFeed is one feed in a Snapshot.
type SnapshotFeed struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Candidate is a feed found in an imported document.
type Candidate struct {
	Title string
	URL   string
}

// Document is the result of parsing an import.
type Document struct {
	Candidates []Candidate
	Malformed  int
}

// Export renders feeds in format.
func Export(feeds []model.Feed, format Format, now time.Time) ([]byte, error) {
	switch format {
	case FormatJSON:
		snap := Snapshot{
			Version: 1,
			Feeds: lo.Map(feeds, func(f model.Feed, _ int) SnapshotFeed {
				return SnapshotFeed{Name: f.Name, URL: f.URL}
			}),
		}
		out, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode snapshot: %w", err)
		}
		return append(out, '\n'), nil

	case FormatOPML:
		doc := OPML{
			Version: "2.0",
			Head: Head{
				Title:       "feedctl subscriptions",
				DateCreated: now.UTC().Format(time.RFC1123Z),
			},
			Body: Body{
				Outlines: lo.Map(feeds, func(f model.Feed, _ int) Outline {
					return Outline{Text: f.Name, Title: f.Name, Type: "rss", XMLURL: f.URL}
				}),
			},
		}
		out, err := xml.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode opml: %w", err)
		}
		return append(append([]byte(xml.Header), out...), '\n'), nil

	default:
		return nil, apperr.New(apperr.ParseError, "Unsupported export format: %s", format)
	}
}

// Parse reads an OPML outline or a JSON snapshot. Entries whose URL is not
// an absolute http(s) URL are counted as malformed. A document without a
// single valid entry fails with PARSE_ERROR.
func Parse(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read import: %w", err)
	}

	var raw []Candidate
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0:
		return nil, apperr.New(apperr.ParseError, "Import document is empty")
	case trimmed[0] == '{' || trimmed[0] == '[':
		raw, err = parseJSON(trimmed)
	default:
		raw, err = parseOPML(trimmed)
	}
	if err != nil {
		return nil, err
	}

	doc := &Document{Candidates: []Candidate{}}
	for _, c := range raw {
		u, err := registry.ValidateURL(c.URL)
		if err != nil {
			doc.Malformed++
			continue
		}
		doc.Candidates = append(doc.Candidates, Candidate{Title: strings.TrimSpace(c.Title), URL: u})
	}
	if len(doc.Candidates) == 0 {
		return nil, apperr.New(apperr.ParseError, "No valid feed entries in import document (%d malformed)", doc.Malformed)
	}
	return doc, nil
}

func parseOPML(data []byte) ([]Candidate, error) {
	var doc OPML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, apperr.Wrap(apperr.ParseError, err, "decode opml")
	}

	var out []Candidate
	var walk func(outlines []Outline)
	walk = func(outlines []Outline) {
		for _, o := range outlines {
			if o.XMLURL != "" {
				title := o.Title
				if title == "" {
					title = o.Text
				}
				out = append(out, Candidate{Title: title, URL: o.XMLURL})
			}
			walk(o.Outlines)
		}
	}
	walk(doc.Body.Outlines)
	return out, nil
}

// parseJSON accepts a Snapshot, the list envelope printed by
// `export --format json`, or a bare array of feeds.
func parseJSON(data []byte) ([]Candidate, error) {
	var feeds []SnapshotFeed
	if data[0] == '[' {
		if err := json.Unmarshal(data, &feeds); err != nil {
			return nil, apperr.Wrap(apperr.ParseError, err, "decode snapshot")
		}
	} else {
		var doc struct {
			Feeds []SnapshotFeed `json:"feeds"`
			Items []SnapshotFeed `json:"items"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, apperr.Wrap(apperr.ParseError, err, "decode snapshot")
		}
		feeds = append(doc.Feeds, doc.Items...)
	}
	return lo.Map(feeds, func(f SnapshotFeed, _ int) Candidate {
		return Candidate{Title: f.Name, URL: f.URL}
	}), nil
}
