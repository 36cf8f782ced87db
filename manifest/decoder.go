package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	manifestcache "github.com/wolfeidau/manifest-cache"
	"github.com/wolfeidau/manifest-cache/contentstore"
	"github.com/wolfeidau/manifest-cache/recordcache"
	"github.com/wolfeidau/manifest-cache/telemetry"
)

// Record is one decoded definition.
type Record = map[string]any

// Decoder resolves hash identifiers to definition records.
type Decoder struct {
	cache   *Cache
	records recordcache.Cache
	logger  *slog.Logger
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithRecordCache serves and stores raw definition payloads in rc.
func WithRecordCache(rc recordcache.Cache) DecoderOption {
	return func(d *Decoder) {
		d.records = rc
	}
}

// NewDecoder creates a Decoder over cache.
func NewDecoder(cache *Cache, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		cache:  cache,
		logger: cache.logger.With("component", "decoder"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode returns the definition with the given hash from table in the
// content database for lang, refreshing the manifest first if needed.
func (d *Decoder) Decode(ctx context.Context, hash uint32, table string, lang manifestcache.Language) (rec Record, err error) {
	if err := manifestcache.CheckLanguage(lang); err != nil {
		return nil, err
	}

	start := time.Now()
	tableLabel := telemetry.TableUnknown
	defer func() {
		telemetry.RecordDecode(ctx, string(lang), tableLabel, decodeOutcome(err), time.Since(start))
	}()

	path, err := d.cache.EnsureReady(ctx, lang)
	if err != nil {
		return nil, err
	}

	key := recordcache.Key(string(lang), filepath.Base(path), table, hash)
	payload, cached := d.cached(ctx, key)
	if !cached {
		payload, err = d.lookup(ctx, path, hash, table, lang)
		if manifestcache.CodeOf(err) == manifestcache.CodeEntryNotFound {
			tableLabel = table
		}
		if err != nil {
			return nil, err
		}
	}
	tableLabel = table

	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decoding %s %d: %w", table, hash, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("decoding %s %d: payload is not an object", table, hash)
	}

	if d.records != nil && !cached {
		if err := d.records.Set(ctx, key, payload); err != nil {
			d.logger.Warn("record cache set failed", "key", key, "error", err)
		}
	}
	return rec, nil
}

func (d *Decoder) cached(ctx context.Context, key string) ([]byte, bool) {
	if d.records == nil {
		return nil, false
	}
	payload, ok := d.records.Get(ctx, key)
	if ok {
		telemetry.RecordRecordCache(ctx, telemetry.CacheHit)
		return payload, true
	}
	telemetry.RecordRecordCache(ctx, telemetry.CacheMiss)
	return nil, false
}

func (d *Decoder) lookup(ctx context.Context, path string, hash uint32, table string, lang manifestcache.Language) ([]byte, error) {
	var payload []byte
	err := contentstore.With(ctx, path, func(s *contentstore.Store) error {
		var err error
		payload, err = s.Lookup(ctx, contentstore.RowID(hash), table)
		return err
	})
	switch {
	case err == nil:
		return payload, nil
	case errors.Is(err, contentstore.ErrNoSuchTable):
		return nil, &manifestcache.Error{Code: manifestcache.CodeInvalidDefinition, Language: lang, Hash: hash, Table: table}
	case errors.Is(err, contentstore.ErrNoRows):
		return nil, &manifestcache.Error{Code: manifestcache.CodeEntryNotFound, Language: lang, Hash: hash, Table: table}
	case errors.Is(err, fs.ErrNotExist):
		// The registered file was removed out from under us; refresh next time.
		d.cache.Invalidate(lang)
		return nil, unavailable(lang, err)
	default:
		return nil, fmt.Errorf("looking up %s %d: %w", table, hash, err)
	}
}

func decodeOutcome(err error) string {
	if err == nil {
		return "success"
	}
	if code := manifestcache.CodeOf(err); code != "" {
		return string(code)
	}
	return "error"
}
