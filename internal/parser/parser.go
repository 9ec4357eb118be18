// Package parser turns raw RSS 2.0 and Atom documents into entries.
//
// A document is classified once by Detect into a Kind; each Kind owns its
// own normalization function. Entries that cannot be identified are
// rejected one by one while the rest of the document is still returned.
package parser

import (
	"bytes"
	"fmt"
	"mime"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"feedctl/internal/apperr"
	"feedctl/internal/model"
)

// MaxSummaryRunes caps the length of an extracted summary.
const MaxSummaryRunes = 500

const untitled = "Untitled"

// Kind is the wire format of a feed document.
type Kind int

// Supported kinds.
const (
	KindUnknown Kind = iota
	KindRSS
	KindAtom
)

func (k Kind) String() string {
	switch k {
	case KindRSS:
		return "rss"
	case KindAtom:
		return "atom"
	default:
		return "unknown"
	}
}

// Document is a normalized feed document.
type Document struct {
	Kind     Kind
	Title    string
	Entries  []model.Entry
	Rejected []error
}

// Detect classifies a document by sniffing its root element.
func Detect(body []byte) Kind {
	switch gofeed.DetectFeedType(bytes.NewReader(body)) {
	case gofeed.FeedTypeRSS:
		return KindRSS
	case gofeed.FeedTypeAtom:
		return KindAtom
	default:
		return KindUnknown
	}
}

// Parse detects the kind of body and normalizes it. now is used as the
// published time of entries without a usable date. contentType is the
// value of the response Content-Type header, if any.
func Parse(contentType string, body []byte, now time.Time) (*Document, error) {
	switch kind := Detect(body); kind {
	case KindRSS:
		return normalizeRSS(body, now)
	case KindAtom:
		return normalizeAtom(body, now)
	default:
		return nil, unrecognized(contentType, body)
	}
}

func unrecognized(contentType string, body []byte) error {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case len(bytes.TrimSpace(body)) == 0:
		return apperr.New(apperr.ParseError, "empty document")
	case gofeed.DetectFeedType(bytes.NewReader(body)) == gofeed.FeedTypeJSON:
		return apperr.New(apperr.ParseError, "JSON Feed documents are not supported")
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		return apperr.New(apperr.ParseError, "document is %s, not a feed", mediaType)
	case mediaType != "":
		return apperr.New(apperr.ParseError, "unrecognized feed document (content type %s)", mediaType)
	default:
		return apperr.New(apperr.ParseError, "unrecognized feed document")
	}
}

// candidate is a wire entry reduced to the fields every format shares.
type candidate struct {
	id        string
	title     string
	link      string
	summary   string
	published *time.Time
}

func (c candidate) entry(index int, now time.Time) (model.Entry, error) {
	link := strings.TrimSpace(c.link)
	extID := strings.TrimSpace(c.id)
	if extID == "" {
		extID = link
	}
	if extID == "" {
		return model.Entry{}, apperr.New(apperr.ParseError, "entry %d (%q): missing both identifier and link", index+1, c.title)
	}

	title := strings.TrimSpace(c.title)
	if title == "" {
		title = untitled
	}

	e := model.Entry{
		ExtID:   extID,
		Title:   title,
		Link:    link,
		Summary: ExtractSummary(c.summary),
	}
	if c.published != nil && !c.published.IsZero() {
		e.Published = c.published.UTC()
	} else {
		e.Published = now.UTC()
		e.DateEstimated = true
	}
	return e, nil
}

func collect(kind Kind, title string, candidates []candidate, now time.Time) *Document {
	doc := &Document{
		Kind:    kind,
		Title:   strings.TrimSpace(title),
		Entries: make([]model.Entry, 0, len(candidates)),
	}
	for i, c := range candidates {
		e, err := c.entry(i, now)
		if err != nil {
			doc.Rejected = append(doc.Rejected, err)
			continue
		}
		doc.Entries = append(doc.Entries, e)
	}
	return doc
}

// ExtractSummary reduces an HTML or plain-text fragment to a single line of
// text of at most MaxSummaryRunes runes.
func ExtractSummary(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}
	if strings.ContainsAny(text, "<&") {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
		if err == nil {
			doc.Find("script, style").Remove()
			text = doc.Text()
		}
	}
	text = strings.Join(strings.Fields(text), " ")
	return truncate(text, MaxSummaryRunes)
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max])) + "..."
}

func wrapParse(kind Kind, err error) error {
	return apperr.Wrap(apperr.ParseError, err, fmt.Sprintf("invalid %s document", kind))
}
