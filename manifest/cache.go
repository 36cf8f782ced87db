// Package manifest keeps a per-language registry of local Destiny manifest
// content databases, refreshing them from Bungie.net on first use, and decodes
// definition rows out of them.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	manifestcache "github.com/wolfeidau/manifest-cache"
	"github.com/wolfeidau/manifest-cache/backend"
	"github.com/wolfeidau/manifest-cache/download"
	"github.com/wolfeidau/manifest-cache/ledger"
	"github.com/wolfeidau/manifest-cache/telemetry"
	"github.com/wolfeidau/manifest-cache/upstream"
)

// DefaultDownloadTimeout bounds the archive download and extraction of one
// refresh.
const DefaultDownloadTimeout = 10 * time.Second

// archivePrefix names temporary archives in the cache directory.
const archivePrefix = ".manifest-"

// ErrNoLedger is returned by Prune when the cache has no ledger.
var ErrNoLedger = errors.New("prune requires a ledger")

// Upstream is the remote source of manifest descriptors and archives.
type Upstream interface {
	FetchManifest(ctx context.Context) (*upstream.ManifestResponse, error)
	FetchArchive(ctx context.Context, url string) (io.ReadCloser, error)
	ContentURL(path string) string
}

// Ledger records refreshes and tracks superseded content files.
type Ledger interface {
	Record(ctx context.Context, e ledger.Entry) (*ledger.Entry, error)
	Superseded(ctx context.Context) ([]ledger.Entry, error)
	ClearSuperseded(ctx context.Context, file string) error
}

// Cache maps each language to the local path of its content database.
// It is safe for concurrent use.
type Cache struct {
	backend         backend.Backend
	upstream        Upstream
	downloader      *download.Downloader
	ledger          Ledger
	logger          *slog.Logger
	downloadTimeout time.Duration
	now             func() time.Time

	mu       sync.RWMutex
	registry map[manifestcache.Language]string
	// gen counts invalidations per language. A refresh only registers its
	// result if no invalidation happened since it started.
	gen map[manifestcache.Language]uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithLedger records every successful refresh in l.
func WithLedger(l Ledger) Option {
	return func(c *Cache) {
		c.ledger = l
	}
}

// WithDownloadTimeout sets the bound on archive download and extraction.
func WithDownloadTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.downloadTimeout = d
		}
	}
}

// WithDownloader sets the downloader used to deduplicate refreshes.
func WithDownloader(d *download.Downloader) Option {
	return func(c *Cache) {
		c.downloader = d
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a Cache that stores content files in b and refreshes them from
// up. Every language starts absent.
func New(b backend.Backend, up Upstream, opts ...Option) *Cache {
	c := &Cache{
		backend:         b,
		upstream:        up,
		logger:          slog.Default(),
		downloadTimeout: DefaultDownloadTimeout,
		now:             time.Now,
		registry:        make(map[manifestcache.Language]string, len(manifestcache.Languages())),
		gen:             make(map[manifestcache.Language]uint64, len(manifestcache.Languages())),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.downloader == nil {
		c.downloader = download.New(download.WithLogger(c.logger))
	}
	for _, lang := range manifestcache.Languages() {
		c.registry[lang] = ""
	}
	return c
}

// Path returns the registered content database path for lang.
func (c *Cache) Path(lang manifestcache.Language) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := c.registry[lang]
	return p, p != ""
}

// Paths returns a copy of the registry. Absent languages map to "".
func (c *Cache) Paths() map[manifestcache.Language]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[manifestcache.Language]string, len(c.registry))
	for k, v := range c.registry {
		out[k] = v
	}
	return out
}

// Invalidate clears the registry entry for lang so the next EnsureReady
// refreshes it. A refresh already in flight still answers its waiters but
// does not register its result. The content file itself is left in place.
func (c *Cache) Invalidate(lang manifestcache.Language) {
	if !lang.Valid() {
		return
	}
	c.mu.Lock()
	c.registry[lang] = ""
	c.gen[lang]++
	c.mu.Unlock()
	c.downloader.Forget(lang)
	c.logger.Debug("invalidated manifest", "language", string(lang))
}

// EnsureReady returns the local path of the content database for lang,
// refreshing it from upstream if the language is not yet registered.
//
// Concurrent calls for the same language share one refresh. If ctx ends while
// waiting, ctx.Err() is returned and the refresh carries on for other callers.
func (c *Cache) EnsureReady(ctx context.Context, lang manifestcache.Language) (string, error) {
	if err := manifestcache.CheckLanguage(lang); err != nil {
		return "", err
	}

	if p, ok := c.Path(lang); ok {
		telemetry.RecordLookup(ctx, string(lang), telemetry.CacheHit)
		return p, nil
	}
	telemetry.RecordLookup(ctx, string(lang), telemetry.CacheMiss)

	res, _, err := c.downloader.Do(ctx, lang, func(ctx context.Context) (*download.Result, error) {
		return c.refresh(ctx, lang)
	})
	if err != nil {
		return "", err
	}
	return res.Path, nil
}

// refresh fetches the descriptor, materializes the content file for lang if
// it is missing and registers it. The registry is only written on success.
func (c *Cache) refresh(ctx context.Context, lang manifestcache.Language) (res *download.Result, err error) {
	// Another flight may have registered the language since the caller looked.
	c.mu.RLock()
	p, gen := c.registry[lang], c.gen[lang]
	c.mu.RUnlock()
	if p != "" {
		return &download.Result{Path: p, Name: filepath.Base(p)}, nil
	}

	logger := c.logger.With("language", string(lang), "refresh_id", uuid.NewString())
	start := c.now()

	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		telemetry.RecordRefresh(ctx, string(lang), outcome, res != nil && res.Downloaded, c.now().Sub(start))
	}()

	resp, err := c.upstream.FetchManifest(ctx)
	if err != nil {
		logger.Warn("manifest descriptor fetch failed", "error", err)
		return nil, unavailable(lang, fmt.Errorf("fetching manifest: %w", err))
	}
	if !resp.OK() {
		logger.Warn("manifest descriptor reported failure",
			"error_code", resp.ErrorCode,
			"error_status", resp.ErrorStatus,
			"message", resp.Message,
		)
		return nil, unavailable(lang, fmt.Errorf("manifest request failed with error code %d (%s)", resp.ErrorCode, resp.ErrorStatus))
	}

	contentPath := resp.Response.MobileWorldContentPaths[string(lang)]
	if contentPath == "" {
		return nil, unavailable(lang, fmt.Errorf("descriptor has no content path"))
	}
	contentURL := c.upstream.ContentURL(contentPath)
	name, err := contentFileName(contentURL)
	if err != nil {
		return nil, unavailable(lang, err)
	}

	res = &download.Result{
		Path:    c.backend.Path(name),
		Name:    name,
		Version: resp.Response.Version,
	}

	exists, err := c.backend.Exists(ctx, name)
	if err != nil {
		return nil, unavailable(lang, fmt.Errorf("checking content file: %w", err))
	}
	if exists {
		logger.Debug("content file present, skipping download", "file", name)
	} else {
		logger.Info("downloading manifest", "version", res.Version, "url", contentURL)
		if err := c.fetch(ctx, logger, lang, contentURL, name); err != nil {
			logger.Warn("manifest download failed", "error", err)
			return nil, unavailable(lang, err)
		}
		res.Downloaded = true
	}

	if c.ledger != nil {
		c.record(ctx, logger, lang, contentURL, res)
	}

	c.mu.Lock()
	current := c.gen[lang] == gen
	if current {
		c.registry[lang] = res.Path
	}
	c.mu.Unlock()
	if !current {
		logger.Debug("invalidated during refresh, not registering", "file", name)
	}

	logger.Info("manifest ready",
		"version", res.Version,
		"file", name,
		"downloaded", res.Downloaded,
		"duration", c.now().Sub(start),
	)
	return res, nil
}

// fetch downloads the archive at contentURL into a unique temporary file,
// extracts it and checks that it produced name. The temporary archive is
// always removed; extracted files are removed unless name was produced.
func (c *Cache) fetch(ctx context.Context, logger *slog.Logger, lang manifestcache.Language, contentURL, name string) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.downloadTimeout)
	defer cancel()

	defer func() {
		// A deadline can surface as a transport error; keep it visible to errors.Is.
		if ctxErr := ctx.Err(); err != nil && ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
	}()

	archiveKey := archivePrefix + uuid.NewString() + ".zip"
	defer func() {
		if derr := c.backend.Delete(context.WithoutCancel(ctx), archiveKey); derr != nil {
			logger.Warn("removing temporary archive failed", "archive", archiveKey, "error", derr)
		}
	}()

	body, err := c.upstream.FetchArchive(ctx, contentURL)
	if err != nil {
		return fmt.Errorf("fetching archive: %w", err)
	}
	size, err := download.SaveArchive(ctx, c.backend, archiveKey, body)
	_ = body.Close()
	if err != nil {
		return err
	}
	telemetry.RecordArchive(ctx, string(lang), size)
	logger.Debug("archive saved", "archive", archiveKey, "size", size)

	extracted, err := download.ExtractZip(ctx, c.backend, archiveKey)
	if err != nil {
		return err
	}
	if !slices.Contains(extracted, name) {
		for _, key := range extracted {
			_ = c.backend.Delete(context.WithoutCancel(ctx), key)
		}
		return fmt.Errorf("archive did not contain %s", name)
	}
	return nil
}

// record digests the content file and stores it in the ledger. Failures are
// logged; the refresh still succeeds.
func (c *Cache) record(ctx context.Context, logger *slog.Logger, lang manifestcache.Language, contentURL string, res *download.Result) {
	rc, err := c.backend.Read(ctx, res.Name)
	if err != nil {
		logger.Warn("reading content file for ledger failed", "error", err)
		return
	}
	digest, size, err := manifestcache.DigestReader(rc)
	_ = rc.Close()
	if err != nil {
		logger.Warn("digesting content file failed", "error", err)
		return
	}
	res.Digest = digest
	res.Size = size

	prev, err := c.ledger.Record(ctx, ledger.Entry{
		Language:  lang,
		Version:   res.Version,
		URL:       contentURL,
		File:      res.Name,
		Digest:    digest,
		Size:      size,
		FetchedAt: c.now(),
	})
	if err != nil {
		logger.Warn("recording manifest in ledger failed", "error", err)
		return
	}
	if prev != nil && prev.File != res.Name {
		logger.Info("manifest superseded",
			"previous_version", prev.Version,
			"previous_file", prev.File,
			"version", res.Version,
		)
	}
}

// Prune deletes superseded content files that are not registered in this
// cache and returns the names it removed.
func (c *Cache) Prune(ctx context.Context) ([]string, error) {
	if c.ledger == nil {
		return nil, ErrNoLedger
	}

	superseded, err := c.ledger.Superseded(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing superseded files: %w", err)
	}

	registered := make(map[string]bool)
	for _, p := range c.Paths() {
		if p != "" {
			registered[filepath.Base(p)] = true
		}
	}

	var removed []string
	defer func() { telemetry.RecordPrune(ctx, len(removed)) }()

	for _, e := range superseded {
		if registered[e.File] {
			c.logger.Debug("skipping registered content file", "file", e.File)
			continue
		}
		if err := c.backend.Delete(ctx, e.File); err != nil {
			return removed, fmt.Errorf("deleting %s: %w", e.File, err)
		}
		if err := c.ledger.ClearSuperseded(ctx, e.File); err != nil {
			return removed, fmt.Errorf("clearing %s: %w", e.File, err)
		}
		c.logger.Info("pruned content file", "file", e.File, "language", string(e.Language), "version", e.Version)
		removed = append(removed, e.File)
	}
	return removed, nil
}

// contentFileName returns the last path segment of contentURL, which names
// both the archive entry and the local content file.
func contentFileName(contentURL string) (string, error) {
	u, err := url.Parse(contentURL)
	if err != nil {
		return "", fmt.Errorf("parsing content url: %w", err)
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("content url %q has no usable file name", contentURL)
	}
	return name, nil
}

func unavailable(lang manifestcache.Language, err error) error {
	return &manifestcache.Error{Code: manifestcache.CodeManifestUnavailable, Language: lang, Err: err}
}
