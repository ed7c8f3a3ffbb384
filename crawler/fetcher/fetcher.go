// Package fetcher defines and implements the downloading and parsing
// utilities for remote resources: NetIO, the external HTTP collaborator
// spec.md leaves abstract, and Parser, the tag-extraction collaborator,
// both made concrete here per SPEC_FULL.md §4.8.
package fetcher

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/PuerkitoBio/rehttp"
	"github.com/aybabtme/iocontrol/ratelimit"
)

// Response is the minimal shape robots.Profile and crawler.Thread need
// from a single HTTP fetch.
type Response struct {
	StatusCode int
	Elapsed    time.Duration
	Body       io.ReadCloser
}

// NetIO is the external network collaborator. Kept narrow on purpose so
// robots.Profile and crawler.Thread depend on an interface rather than on
// net/http directly, making both testable with a stub.
type NetIO interface {
	Fetch(ctx context.Context, url string) (*Response, error)
}

// HTTPNetIO is a net/http-backed NetIO, grounded on the teacher's
// stdHttpFetcher: same retrying transport, generalized to the spec's
// context-cancellable Fetch signature and per-connection throttling.
type HTTPNetIO struct {
	userAgent   string
	client      *http.Client
	bytesPerSec int64
}

// NewHTTPNetIO builds a NetIO that retries temporary errors (most
// temporary errors are HTTP ones) up to 3 times with an exponential
// jittered backoff, exactly as the teacher's fetcher.New. bytesPerSec caps
// the read rate of every response body; 0 leaves it unthrottled
// (IOCONTROL_BYTES_PER_SEC, SPEC_FULL.md §6).
func NewHTTPNetIO(userAgent string, timeout time.Duration, bytesPerSec int64) *HTTPNetIO {
	transport := rehttp.NewTransport(
		&http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
		rehttp.RetryAll(rehttp.RetryMaxRetries(3), rehttp.RetryTemporaryErr()),
		rehttp.ExpJitterDelay(1, 10*time.Second),
	)
	return &HTTPNetIO{
		userAgent:   userAgent,
		client:      &http.Client{Timeout: timeout, Transport: transport},
		bytesPerSec: bytesPerSec,
	}
}

// Fetch makes a single HTTP GET, timing it the way the teacher's
// stdHttpFetcher.Fetch does.
func (f *HTTPNetIO) Fetch(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetcher: building request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	start := time.Now()
	res, err := f.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("fetcher: fetching %s: %w", url, err)
	}

	body := res.Body
	if f.bytesPerSec > 0 {
		body = throttledBody{Reader: ratelimit.Reader(res.Body, f.bytesPerSec), closer: res.Body}
	}
	return &Response{StatusCode: res.StatusCode, Elapsed: elapsed, Body: body}, nil
}

// throttledBody pairs a rate-limited Reader with the original response
// body's Close, so throttling never interferes with connection reuse.
type throttledBody struct {
	io.Reader
	closer io.Closer
}

func (b throttledBody) Close() error { return b.closer.Close() }
