// Package backend provides the storage backend for manifest files: the
// working directory that holds downloaded archives and extracted content
// databases.
package backend

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned by Read when nothing is stored at the key.
	ErrNotFound = errors.New("not found")
	// ErrInvalidKey is returned for keys that are absolute or climb out of
	// the backend root.
	ErrInvalidKey = errors.New("invalid key")
)

// Backend stores manifest files under slash-separated keys. Implementations
// must be safe for concurrent use.
type Backend interface {
	// Write replaces whatever is at key with the contents of r. Nothing is
	// visible at key unless r was read to EOF.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read opens key, returning ErrNotFound if it is absent. The caller
	// closes the result.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes key. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error

	// Exists reports whether a file is stored at key.
	Exists(ctx context.Context, key string) (bool, error)

	// Path returns the local filesystem path for key. Archives are extracted
	// and content databases opened through this path.
	Path(key string) string

	// Root returns the directory keys are resolved against.
	Root() string
}
