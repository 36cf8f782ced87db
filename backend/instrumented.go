package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/manifest-cache/telemetry"
)

// Instrumented reports every call on the wrapped Backend to telemetry,
// labelled with a backend name.
type Instrumented struct {
	next Backend
	name string
}

// Instrument wraps b. name becomes the backend label on recorded metrics.
func Instrument(b Backend, name string) *Instrumented {
	return &Instrumented{next: b, name: name}
}

func (i *Instrumented) observe(ctx context.Context, op string, start time.Time, n int64, err error) {
	telemetry.RecordBackendOp(ctx, i.name, op, outcome(err), time.Since(start), n)
}

func (i *Instrumented) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := i.next.Write(ctx, key, cr)
	i.observe(ctx, "write", start, cr.n, err)
	return err
}

func (i *Instrumented) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := i.next.Read(ctx, key)
	i.observe(ctx, "read", start, 0, err)
	return rc, err
}

func (i *Instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := i.next.Delete(ctx, key)
	i.observe(ctx, "delete", start, 0, err)
	return err
}

func (i *Instrumented) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := i.next.Exists(ctx, key)
	i.observe(ctx, "exists", start, 0, err)
	return ok, err
}

func (i *Instrumented) Path(key string) string { return i.next.Path(key) }
func (i *Instrumented) Root() string           { return i.next.Root() }

// Unwrap returns the wrapped Backend.
func (i *Instrumented) Unwrap() Backend { return i.next }

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidKey):
		return "invalid_key"
	default:
		return "error"
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

var _ Backend = (*Instrumented)(nil)
