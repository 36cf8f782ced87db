// Package download deduplicates concurrent manifest refreshes and handles
// the content archive: saving the upstream stream to the backend and
// extracting it in place.
package download

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"

	manifestcache "github.com/wolfeidau/manifest-cache"
	"github.com/wolfeidau/manifest-cache/telemetry"
)

// Result holds the outcome of a manifest refresh.
type Result struct {
	// Path is the local path of the extracted content database.
	Path string
	// Name is the content file name, the last segment of the content URL.
	Name string
	// Version is the manifest version reported by the descriptor.
	Version string
	// Downloaded is false when the content file was already present locally.
	Downloaded bool
	// Digest and Size describe the content file. Zero when not computed.
	Digest manifestcache.Digest
	Size   int64
}

// RefreshFunc performs one refresh. Its context carries the caller's values
// and the language telemetry tag but no deadline or cancellation.
type RefreshFunc func(ctx context.Context) (*Result, error)

// Downloader runs at most one refresh per language at a time. Callers that
// arrive while a refresh is in flight wait for its result instead of
// starting another.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New returns a Downloader with no refreshes in flight.
func New(opts ...Option) *Downloader {
	d := &Downloader{logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do starts a refresh of lang with fn or joins the one already running, and
// reports whether the result was shared with other callers.
//
// A caller whose ctx ends first gets ctx.Err(); the refresh keeps going for
// the callers still waiting and its outcome is not retained.
func (d *Downloader) Do(ctx context.Context, lang manifestcache.Language, fn RefreshFunc) (*Result, bool, error) {
	ch := d.group.DoChan(string(lang), func() (any, error) {
		fctx := telemetry.WithLanguageContext(context.WithoutCancel(ctx), string(lang))
		return fn(fctx)
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Shared, r.Err
		}
		if r.Shared {
			d.logger.Debug("joined in-flight refresh", "language", string(lang))
		}
		return r.Val.(*Result), r.Shared, nil
	}
}

// Forget detaches any refresh in flight for lang, so the next Do starts a new
// one. Callers already waiting still get the old result.
func (d *Downloader) Forget(lang manifestcache.Language) {
	d.group.Forget(string(lang))
}
