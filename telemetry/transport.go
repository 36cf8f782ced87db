package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

// Endpoint labels for upstream fetches.
const (
	EndpointDescriptor = "descriptor"
	EndpointContent    = "content"
)

// Transport is an http.RoundTripper that records RecordUpstreamFetch for
// every request made to the Bungie API. A request is recorded once, when its
// body reaches EOF or is closed, so archive byte counts are complete.
type Transport struct {
	next http.RoundTripper
}

// NewTransport wraps next, or http.DefaultTransport when next is nil.
func NewTransport(next http.RoundTripper) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Transport{next: next}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	endpoint := endpointOf(req)
	start := time.Now()

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		RecordUpstreamFetch(ctx, endpoint, time.Since(start), 0, errorOutcome(ctx, err))
		return nil, err
	}

	resp.Body = &countedBody{
		ReadCloser: resp.Body,
		ctx:        ctx,
		endpoint:   endpoint,
		start:      start,
		outcome:    statusOutcome(resp.StatusCode),
	}
	return resp, nil
}

// endpointOf tells the manifest descriptor apart from content downloads.
func endpointOf(req *http.Request) string {
	if strings.Contains(req.URL.Path, "/Destiny2/Manifest") {
		return EndpointDescriptor
	}
	return EndpointContent
}

func errorOutcome(ctx context.Context, err error) string {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "error"
}

func statusOutcome(code int) string {
	switch {
	case code == http.StatusTooManyRequests:
		return "throttled"
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "success"
	}
}

type countedBody struct {
	io.ReadCloser
	ctx      context.Context
	endpoint string
	start    time.Time
	outcome  string
	n        int64
	done     bool
}

func (b *countedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	switch {
	case err == io.EOF:
		b.record(b.outcome)
	case err != nil:
		b.record("error")
	}
	return n, err
}

func (b *countedBody) Close() error {
	b.record(b.outcome)
	return b.ReadCloser.Close()
}

func (b *countedBody) record(outcome string) {
	if b.done {
		return
	}
	b.done = true
	RecordUpstreamFetch(b.ctx, b.endpoint, time.Since(b.start), b.n, outcome)
}
