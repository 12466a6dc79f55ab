// Package hash computes the checksums attached to ingested payloads.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	gohash "hash"
	"io"
)

// Digest is an io.Writer that checksums everything written to it, so a
// payload can be hashed while it is being encoded.
type Digest struct {
	h gohash.Hash
	n int64
}

func NewDigest() *Digest {
	return &Digest{h: sha256.New()}
}

func (d *Digest) Write(p []byte) (int, error) {
	n, err := d.h.Write(p)
	d.n += int64(n)
	return n, err
}

// Tee returns a writer that feeds both w and the digest.
func (d *Digest) Tee(w io.Writer) io.Writer {
	return io.MultiWriter(w, d)
}

func (d *Digest) Size() int64 {
	return d.n
}

// Hex is the lowercase hex SHA-256 of the bytes written so far.
func (d *Digest) Hex() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Sum returns the lowercase hex SHA-256 of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
