package manifestcache

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// DigestSize is the length of a content file digest in bytes.
const DigestSize = 32

// Digest is the BLAKE3-256 sum of a content database. The ledger keeps one
// per refresh so a file left on disk can be told apart from a re-download
// with the same name.
type Digest [DigestSize]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short is the first eight bytes in hex, for status output.
func (d Digest) Short() string {
	if d.IsZero() {
		return "-"
	}
	return hex.EncodeToString(d[:8])
}

// IsZero reports whether the digest was never computed.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

func (d Digest) MarshalText() ([]byte, error) {
	if d.IsZero() {
		return []byte{}, nil
	}
	return []byte(d.String()), nil
}

// UnmarshalText accepts the hex form written by MarshalText. Empty text
// leaves the zero digest.
func (d *Digest) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*d = Digest{}
		return nil
	}
	if len(text) != DigestSize*2 {
		return fmt.Errorf("digest: want %d hex chars, got %d", DigestSize*2, len(text))
	}
	var out Digest
	if _, err := hex.Decode(out[:], text); err != nil {
		return fmt.Errorf("digest: %w", err)
	}
	*d = out
	return nil
}

// DigestReader consumes r and returns its digest and length.
func DigestReader(r io.Reader) (Digest, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, n, fmt.Errorf("digesting content: %w", err)
	}
	var d Digest
	h.Sum(d[:0])
	return d, n, nil
}
