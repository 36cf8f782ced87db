package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// partialPrefix marks files still being written. They are never visible
// under their final key.
const partialPrefix = ".partial-"

// Filesystem is a Backend over one local directory. Every write lands in a
// partial file beside its destination and is renamed into place once the
// reader is drained and the data synced.
type Filesystem struct {
	root string
}

// NewFilesystem returns a Filesystem rooted at dir, creating dir if needed.
func NewFilesystem(dir string) (*Filesystem, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dir, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", root, err)
	}
	return &Filesystem{root: root}, nil
}

func (f *Filesystem) Root() string { return f.root }

func (f *Filesystem) Path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

// resolve maps key to a path inside root.
func (f *Filesystem) resolve(key string) (string, error) {
	rel := filepath.FromSlash(key)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(f.root, rel), nil
}

func (f *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	dst, err := f.resolve(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	part, err := os.CreateTemp(dir, partialPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating partial file for %s: %w", key, err)
	}
	if err := fill(ctx, part, r); err != nil {
		_ = part.Close()
		_ = os.Remove(part.Name())
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if err := os.Rename(part.Name(), dst); err != nil {
		_ = os.Remove(part.Name())
		return fmt.Errorf("committing %s: %w", key, err)
	}
	return nil
}

// fill copies r into part, syncs and closes it.
func fill(ctx context.Context, part *os.File, r io.Reader) error {
	if _, err := io.Copy(part, &contextReader{ctx: ctx, r: r}); err != nil {
		return err
	}
	if err := part.Sync(); err != nil {
		return err
	}
	return part.Close()
}

func (f *Filesystem) Read(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := f.resolve(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("opening %s: %w", key, err)
	}
	return file, nil
}

// Delete removes key. A missing key is not an error.
func (f *Filesystem) Delete(_ context.Context, key string) error {
	p, err := f.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key names a regular file. Directories do not count.
func (f *Filesystem) Exists(_ context.Context, key string) (bool, error) {
	p, err := f.resolve(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("checking %s: %w", key, err)
	}
	return info.Mode().IsRegular(), nil
}

// contextReader fails the copy once ctx is done, for readers that do not
// watch a context themselves.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

var _ Backend = (*Filesystem)(nil)
