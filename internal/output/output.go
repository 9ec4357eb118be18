// Package output renders command results as JSON envelopes or plain text.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"feedctl/internal/apperr"
	"feedctl/internal/model"
)

// Mode selects how results are printed.
type Mode int

// Output modes.
const (
	ModePlain Mode = iota
	ModeJSON
	ModeQuiet
)

// Result is a renderable command result.
type Result interface {
	// Text is the human readable form.
	Text() string
	// Quiet is the minimal form, typically identifiers one per line.
	Quiet() string
}

// Render writes r to w in the given mode.
func Render(w io.Writer, mode Mode, r Result) error {
	var s string
	switch mode {
	case ModeJSON:
		var buf strings.Builder
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		s = buf.String()
	case ModeQuiet:
		s = r.Quiet()
	default:
		s = r.Text()
	}
	if s == "" {
		return nil
	}
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	_, err := io.WriteString(w, s)
	return err
}

// FeedList is the list envelope for feeds.
type FeedList struct {
	OK    bool         `json:"ok"`
	Count int          `json:"count"`
	Items []model.Feed `json:"items"`
}

// NewFeedList wraps feeds in a list envelope.
func NewFeedList(feeds []model.Feed) *FeedList {
	if feeds == nil {
		feeds = []model.Feed{}
	}
	return &FeedList{OK: true, Count: len(feeds), Items: feeds}
}

func (l *FeedList) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d feeds\n", l.Count)
	for _, f := range l.Items {
		fmt.Fprintf(&b, "  %d %s (%s)\n", f.ID, f.Name, f.URL)
	}
	return b.String()
}

func (l *FeedList) Quiet() string {
	return joinIDs(len(l.Items), func(i int) int64 { return l.Items[i].ID })
}

// EntryList is the list envelope for entries. New and Failures are only
// set by fetch.
type EntryList struct {
	OK       bool                `json:"ok"`
	Count    int                 `json:"count"`
	Items    []model.Entry       `json:"items"`
	New      *int                `json:"new,omitempty"`
	Failures []model.FeedFailure `json:"failures,omitempty"`
}

// NewEntryList wraps entries in a list envelope.
func NewEntryList(entries []model.Entry) *EntryList {
	if entries == nil {
		entries = []model.Entry{}
	}
	return &EntryList{OK: true, Count: len(entries), Items: entries}
}

// WithFetch attaches the outcome of a refresh.
func (l *EntryList) WithFetch(res model.FetchResult) *EntryList {
	n := res.Inserted
	l.New = &n
	l.Failures = res.Failures
	return l
}

func (l *EntryList) Text() string {
	var b strings.Builder
	if l.New != nil {
		fmt.Fprintf(&b, "Fetched %d new items\n", *l.New)
	} else {
		fmt.Fprintf(&b, "%d items\n", l.Count)
	}
	for _, e := range l.Items {
		mark := " "
		if !e.Read {
			mark = "*"
		}
		fmt.Fprintf(&b, " %s[%d] %s (%s)\n", mark, e.ID, e.Title, FormatTime(e))
	}
	for _, f := range l.Failures {
		fmt.Fprintf(&b, "  failed: %s: %s\n", f.Name, f.Error)
	}
	return b.String()
}

func (l *EntryList) Quiet() string {
	return joinIDs(len(l.Items), func(i int) int64 { return l.Items[i].ID })
}

// Item is the single-item envelope.
type Item struct {
	OK   bool `json:"ok"`
	Item any  `json:"item"`
	text string
	id   string
}

// NewEntryItem wraps a single entry.
func NewEntryItem(e *model.Entry) *Item {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", e.Title)
	if e.FeedName != "" {
		fmt.Fprintf(&b, "Feed: %s\n", e.FeedName)
	}
	fmt.Fprintf(&b, "Published: %s\n", FormatTime(*e))
	if e.Link != "" {
		fmt.Fprintf(&b, "URL: %s\n", e.Link)
	}
	if e.Summary != "" {
		fmt.Fprintf(&b, "\n%s\n", e.Summary)
	}
	return &Item{OK: true, Item: e, text: b.String(), id: fmt.Sprint(e.ID)}
}

// NewConfigItem wraps a configuration listing. pairs alternate key and
// value.
func NewConfigItem(v any, pairs ...string) *Item {
	var b strings.Builder
	for i := 0; i+1 < len(pairs); i += 2 {
		fmt.Fprintf(&b, "%s = %s\n", pairs[i], pairs[i+1])
	}
	return &Item{OK: true, Item: v, text: b.String(), id: b.String()}
}

func (it *Item) Text() string  { return it.text }
func (it *Item) Quiet() string { return it.id }

// Action is the envelope for commands that change state.
type Action struct {
	OK        bool        `json:"ok"`
	Message   string      `json:"message"`
	ID        int64       `json:"id,omitempty"`
	Count     *int64      `json:"count,omitempty"`
	Added     *int        `json:"added,omitempty"`
	Skipped   *int        `json:"skipped,omitempty"`
	Malformed *int        `json:"malformed,omitempty"`
	Item      *model.Feed `json:"item,omitempty"`
	text      string
	quiet     string
}

// NewAction builds an action envelope. text is the plain form.
func NewAction(message, text string) *Action {
	return &Action{OK: true, Message: message, text: text}
}

// WithID records the identifier the action touched.
func (a *Action) WithID(id int64) *Action {
	a.ID = id
	a.quiet = fmt.Sprint(id)
	return a
}

// WithCount records how many records the action changed.
func (a *Action) WithCount(n int64) *Action {
	a.Count = &n
	a.quiet = fmt.Sprint(n)
	return a
}

// WithFeed attaches the affected feed.
func (a *Action) WithFeed(f *model.Feed) *Action {
	a.Item = f
	return a
}

// WithImport records import counters.
func (a *Action) WithImport(added, skipped, malformed int) *Action {
	a.Added, a.Skipped, a.Malformed = &added, &skipped, &malformed
	a.quiet = fmt.Sprint(added)
	return a
}

func (a *Action) Text() string  { return a.text }
func (a *Action) Quiet() string { return a.quiet }

// Document is an exported subscription list. In JSON mode the document is
// embedded under a key named after its format.
type Document struct {
	OK     bool         `json:"ok"`
	Count  int          `json:"count"`
	Items  []model.Feed `json:"items,omitempty"`
	OPML   string       `json:"opml,omitempty"`
	body   []byte
}

// NewDocument wraps an exported document. JSON exports carry the feeds as
// list items so the envelope itself can be imported again.
func NewDocument(format string, feeds []model.Feed, body []byte) *Document {
	d := &Document{OK: true, Count: len(feeds), body: body}
	if format == "json" {
		d.Items = feeds
		if d.Items == nil {
			d.Items = []model.Feed{}
		}
	} else {
		d.OPML = string(body)
	}
	return d
}

func (d *Document) Text() string  { return string(d.body) }
func (d *Document) Quiet() string { return string(d.body) }

// Error is the failure envelope.
type Error struct {
	OK      bool   `json:"ok"`
	Message string `json:"error"`
	Code    string `json:"code"`
}

// NewError converts err into a failure envelope.
func NewError(err error) *Error {
	return &Error{OK: false, Message: err.Error(), Code: string(apperr.KindOf(err))}
}

func (e *Error) Text() string  { return "error: " + e.Message }
func (e *Error) Quiet() string { return "error: " + e.Message }

// FormatTime renders an entry's published time, marking estimated dates.
func FormatTime(e model.Entry) string {
	s := e.Published.UTC().Format("2006-01-02T15:04:05Z")
	if e.DateEstimated {
		s += " ~"
	}
	return s
}

func joinIDs(n int, id func(int) int64) string {
	var b strings.Builder
	for i := range n {
		fmt.Fprintf(&b, "%d\n", id(i))
	}
	return b.String()
}
