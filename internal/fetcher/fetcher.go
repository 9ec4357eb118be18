// Package fetcher downloads feed documents and hands them to the parser.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"feedctl/internal/apperr"
	"feedctl/internal/parser"
)

// Defaults for the production HTTP client and retry policy.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxRedirects = 5
	DefaultMaxBytes     = 10 << 20
	DefaultRetries      = 2
	DefaultUserAgent    = "feedctl/1.0"
)

const acceptHeader = "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/xml;q=0.9, */*;q=0.1"

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options tune a Fetcher. Zero values fall back to the defaults, except
// Retries where zero disables retrying.
type Options struct {
	UserAgent      string
	MaxBytes       int64
	Retries        int
	InitialBackoff time.Duration
	Now            func() time.Time
}

// Fetcher downloads and parses feed documents.
type Fetcher struct {
	client HTTPClient
	opts   Options
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient, opts Options) *Fetcher {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Fetcher{client: client, opts: opts}
}

// NewHTTPClient returns a client that gives up after timeout per request
// and follows at most maxRedirects redirects.
func NewHTTPClient(timeout time.Duration, maxRedirects int) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("%w: stopped after %d", errTooManyRedirects, maxRedirects)
			}
			return nil
		},
	}
}

var errTooManyRedirects = errors.New("too many redirects")

// Response is a successfully downloaded document.
type Response struct {
	ContentType string
	Body        []byte
}

// Fetch downloads url and parses the document. Transport failures are
// NETWORK_ERROR, unrecognized documents PARSE_ERROR.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*parser.Document, error) {
	resp, err := f.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	return parser.Parse(resp.ContentType, resp.Body, f.opts.Now())
}

// Get downloads url, retrying server errors and transport failures with
// exponential backoff.
func (f *Fetcher) Get(ctx context.Context, url string) (*Response, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.opts.InitialBackoff
	policy.MaxElapsedTime = 0

	var resp *Response
	op := func() error {
		r, err := f.get(ctx, url)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(f.opts.Retries)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		var ae *apperr.Error
		if !errors.As(err, &ae) {
			err = apperr.Wrap(apperr.NetworkError, err, "http get")
		}
		return nil, err
	}
	return resp, nil
}

func (f *Fetcher) get(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(apperr.Wrap(apperr.NetworkError, err, "create request"))
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", acceptHeader)

	resp, err := f.client.Do(req)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, backoff.Permanent(apperr.Wrap(apperr.NetworkError, ctx.Err(), "http get"))
	case errors.Is(err, errTooManyRedirects):
		return nil, backoff.Permanent(apperr.Wrap(apperr.NetworkError, err, "http get"))
	case IsTimeout(err):
		return nil, apperr.Wrap(apperr.NetworkError, err, "request timed out")
	default:
		return nil, apperr.Wrap(apperr.NetworkError, err, "http get")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := apperr.New(apperr.NetworkError, "unexpected status %d", resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBytes+1))
	if err != nil {
		return nil, apperr.Wrap(apperr.NetworkError, err, "read body")
	}
	if int64(len(body)) > f.opts.MaxBytes {
		return nil, backoff.Permanent(apperr.New(apperr.NetworkError, "response body exceeds %d bytes", f.opts.MaxBytes))
	}

	return &Response{
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// IsTimeout reports whether err was caused by a request deadline.
func IsTimeout(err error) bool {
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
