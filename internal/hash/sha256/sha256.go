// Package sha256 computes the digests used by completion markers.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Hasher produces hex SHA-256 digests.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashString returns the hex digest of s. Marker file names use it to keep
// item IDs with path-hostile characters off the filesystem.
func (h *Hasher) HashString(s string) string {
	return h.Hash([]byte(s))
}

// HashFile streams the file at path and returns its digest and size.
func (h *Hasher) HashFile(path string) (string, int64, error) {
	// #nosec G304 -- path comes from the executor's own output directory.
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle
	return h.HashReader(f)
}

// HashReader consumes r and returns its digest and byte count.
func (h *Hasher) HashReader(r io.Reader) (string, int64, error) {
	d := sha256.New()
	n, err := io.Copy(d, r)
	if err != nil {
		return "", n, fmt.Errorf("hash: %w", err)
	}
	return hex.EncodeToString(d.Sum(nil)), n, nil
}
