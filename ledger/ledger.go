// Package ledger records which manifest content file each language was last
// refreshed to, and which files have since been superseded.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	manifestcache "github.com/wolfeidau/manifest-cache"
)

// DefaultFileName is the ledger database name inside the cache directory.
const DefaultFileName = "ledger.db"

// ErrNotFound is returned when no entry exists for a language.
var ErrNotFound = errors.New("not found")

var (
	bucketCurrent    = []byte("current")
	bucketSuperseded = []byte("superseded")
)

// Entry describes one refreshed content file.
type Entry struct {
	Language  manifestcache.Language `json:"language"`
	Version   string                 `json:"version"`
	URL       string                 `json:"url"`
	File      string                 `json:"file"`
	Digest    manifestcache.Digest   `json:"digest"`
	Size      int64                  `json:"size"`
	FetchedAt time.Time              `json:"fetched_at"`
}

// Ledger is a bbolt-backed record of refreshes.
type Ledger struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger for the ledger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithNoSync disables fsync per transaction. Tests only.
func WithNoSync(noSync bool) Option {
	return func(l *Ledger) {
		l.noSync = noSync
	}
}

// Open opens (creating if needed) the ledger database at path.
func Open(path string, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  l.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	l.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketCurrent, bucketSuperseded} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	l.logger.Debug("opened ledger", "path", path)
	return l, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	l.logger.Debug("closing ledger")
	return l.db.Close()
}

// Record stores e as the current entry for its language and returns the entry
// it replaced, if any. When the replaced entry names a different file, that
// file is marked superseded. A file that becomes current again is no longer
// superseded.
func (l *Ledger) Record(_ context.Context, e Entry) (*Entry, error) {
	if err := manifestcache.CheckLanguage(e.Language); err != nil {
		return nil, err
	}
	if e.File == "" {
		return nil, fmt.Errorf("ledger entry file is required")
	}
	if e.FetchedAt.IsZero() {
		e.FetchedAt = l.now()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling entry: %w", err)
	}

	var previous *Entry
	err = l.db.Update(func(tx *bbolt.Tx) error {
		current := tx.Bucket(bucketCurrent)
		superseded := tx.Bucket(bucketSuperseded)
		key := []byte(e.Language)

		if raw := current.Get(key); raw != nil {
			var prev Entry
			if err := json.Unmarshal(raw, &prev); err != nil {
				return fmt.Errorf("unmarshaling entry: %w", err)
			}
			previous = &prev
			if prev.File != e.File && !l.fileCurrent(current, prev.File, e.Language) {
				if err := superseded.Put([]byte(prev.File), raw); err != nil {
					return fmt.Errorf("marking superseded: %w", err)
				}
			}
		}

		if err := superseded.Delete([]byte(e.File)); err != nil {
			return fmt.Errorf("clearing superseded: %w", err)
		}
		return current.Put(key, data)
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug("recorded manifest",
		"language", e.Language,
		"version", e.Version,
		"file", e.File,
		"digest", e.Digest.Short(),
	)
	return previous, nil
}

// fileCurrent reports whether any language other than skip currently points
// at name.
func (l *Ledger) fileCurrent(current *bbolt.Bucket, name string, skip manifestcache.Language) bool {
	found := false
	_ = current.ForEach(func(k, v []byte) error {
		if string(k) == string(skip) {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(v, &e); err != nil {
			l.logger.Warn("skipping unreadable ledger entry", "language", string(k), "error", err)
			return nil
		}
		if e.File == name {
			found = true
		}
		return nil
	})
	return found
}

// Get returns the current entry for lang.
func (l *Ledger) Get(_ context.Context, lang manifestcache.Language) (*Entry, error) {
	var e *Entry
	err := l.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketCurrent).Get([]byte(lang))
		if raw == nil {
			return ErrNotFound
		}
		e = &Entry{}
		return json.Unmarshal(raw, e)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// List returns the current entry of every recorded language, ordered by
// language.
func (l *Ledger) List(_ context.Context) ([]Entry, error) {
	return l.entries(bucketCurrent)
}

// Superseded returns the entries for files that are no longer current for any
// language, ordered by file name.
func (l *Ledger) Superseded(_ context.Context) ([]Entry, error) {
	entries, err := l.entries(bucketSuperseded)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].File < entries[j].File })
	return entries, nil
}

// ClearSuperseded forgets the superseded entry for file. Clearing an unknown
// file is not an error.
func (l *Ledger) ClearSuperseded(_ context.Context, file string) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSuperseded).Delete([]byte(file))
	})
}

func (l *Ledger) entries(bucket []byte) ([]Entry, error) {
	var entries []Entry
	err := l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshaling entry: %w", err)
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
