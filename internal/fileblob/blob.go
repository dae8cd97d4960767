// Package fileblob holds the content of a single archive member together
// with its cached SHA-1 digest, the unit every other component in the
// composition engine (the metadata tree, the diff planner, the image
// planner) passes around instead of raw byte slices.
package fileblob

import (
	"crypto/sha1" //nolint:gosec // the installer DSL and patch admission are defined in terms of SHA-1
	"encoding/hex"
	"hash"
	"io"
)

// Blob is an immutable path plus its raw bytes, with a cached SHA-1 hex
// digest and size computed once at construction.
type Blob struct {
	path string
	data []byte
	sha1 string
}

// New constructs a Blob, computing its digest immediately.
func New(path string, data []byte) *Blob {
	sum := sha1.Sum(data) //nolint:gosec // see package doc
	return &Blob{
		path: path,
		data: data,
		sha1: hex.EncodeToString(sum[:]),
	}
}

// Path returns the archive-relative path this blob was read from.
func (b *Blob) Path() string { return b.path }

// Data returns the raw bytes. Callers must not mutate the returned slice.
func (b *Blob) Data() []byte { return b.data }

// Size returns len(Data()).
func (b *Blob) Size() int64 { return int64(len(b.data)) }

// SHA1 returns the lowercase hex-encoded SHA-1 digest of Data().
func (b *Blob) SHA1() string { return b.sha1 }

// HashingReader wraps an io.Reader and accumulates a running hash of
// everything read through it, so a single streaming pass can both copy
// bytes into an output archive and compute the digest needed for the
// installer script's apply_patch/patch_check primitives.
type HashingReader struct {
	r io.Reader
	h hash.Hash
}

// NewHashingReader wraps r, hashing every byte read with h.
func NewHashingReader(r io.Reader, h hash.Hash) *HashingReader {
	return &HashingReader{r: r, h: h}
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n]) //nolint:errcheck // hash.Hash.Write never fails
	}
	return n, err
}

// SumHex returns the hex-encoded digest accumulated so far.
func (hr *HashingReader) SumHex() string {
	return hex.EncodeToString(hr.h.Sum(nil))
}

// SHA1Hex is a convenience for one-shot digests outside the Blob type,
// used where only the hex digest is needed (e.g. hashing a signature
// region of a boot image rather than the whole blob).
func SHA1Hex(data []byte) string {
	sum := sha1.Sum(data) //nolint:gosec // see package doc
	return hex.EncodeToString(sum[:])
}
