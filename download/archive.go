package download

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/wolfeidau/manifest-cache/backend"
)

// SaveArchive streams r into key on the backend and returns the number of
// bytes written. Nothing is left at key if the stream fails.
func SaveArchive(ctx context.Context, b backend.Backend, key string, r io.Reader) (int64, error) {
	cr := &countingReader{r: r}
	if err := b.Write(ctx, key, cr); err != nil {
		return cr.n, fmt.Errorf("saving archive: %w", err)
	}
	return cr.n, nil
}

// ExtractZip extracts every file in the zip archive stored at archiveKey into
// the backend root and returns the extracted keys. Entries whose names would
// escape the root are rejected. If extraction fails part way, the files
// already extracted are deleted.
func ExtractZip(ctx context.Context, b backend.Backend, archiveKey string) (extracted []string, err error) {
	zr, err := zip.OpenReader(b.Path(archiveKey))
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer func() { _ = zr.Close() }()

	defer func() {
		if err == nil {
			return
		}
		for _, key := range extracted {
			_ = b.Delete(ctx, key)
		}
		extracted = nil
	}()

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		key, err := entryKey(f.Name)
		if err != nil {
			return extracted, err
		}
		if err := extractFile(ctx, b, f, key); err != nil {
			return extracted, err
		}
		extracted = append(extracted, key)
	}

	return extracted, nil
}

func extractFile(ctx context.Context, b backend.Backend, f *zip.File, key string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening archive entry %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()

	if err := b.Write(ctx, key, rc); err != nil {
		return fmt.Errorf("extracting %s: %w", f.Name, err)
	}
	return nil
}

// entryKey converts a zip entry name into a backend key, rejecting absolute
// paths and parent traversal.
func entryKey(name string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	if !filepath.IsLocal(filepath.FromSlash(clean)) {
		return "", fmt.Errorf("archive entry %q escapes extraction directory", name)
	}
	return clean, nil
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
