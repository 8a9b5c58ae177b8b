package rssync

import (
	"bytes"
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

// Digest is the SHA2-256 hash of a block's content.
type Digest [sha256.Size]byte

// Checksum is the BLAKE3 hash of a whole file's content.
type Checksum [32]byte

// DigestOf computes the Digest of a block.
func DigestOf(b []byte) Digest {
	return sha256.Sum256(b)
}

// ChecksumOf computes the Checksum of a complete file's content.
func ChecksumOf(b []byte) Checksum {
	return blake3.Sum256(b)
}

// NewChecksum returns a hasher for computing a Checksum incrementally.
// Its Sum output converts to Checksum with ChecksumFromBytes.
func NewChecksum() *blake3.Hasher {
	return blake3.New()
}

// ChecksumFromBytes converts a byte slice to a Checksum.
func ChecksumFromBytes(b []byte) Checksum {
	var out Checksum
	copy(out[:], b)
	return out
}

func (c Checksum) String() string {
	return hex.EncodeToString(c[:])
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Less tells whether d sorts before other.
func (d Digest) Less(other Digest) bool {
	return bytes.Compare(d[:], other[:]) < 0
}

// DigestFromBytes converts a byte slice to a Digest.
func DigestFromBytes(b []byte) Digest {
	var out Digest
	copy(out[:], b)
	return out
}

// DigestFromHex parses the hex form of a Digest.
func DigestFromHex(s string) (Digest, error) {
	var out Digest
	if len(s) != 2*sha256.Size {
		return out, fmt.Errorf("digest %q has wrong length", s)
	}
	_, err := hex.Decode(out[:], []byte(s))
	return out, errors.Wrapf(err, "decoding digest %s", s)
}

// Scan implements sql.Scanner.
func (d *Digest) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into a digest", src)
	}
	if len(b) != sha256.Size {
		return fmt.Errorf("cannot scan %d bytes into a digest", len(b))
	}
	copy(d[:], b)
	return nil
}

// Value implements driver.Valuer.
func (d Digest) Value() (driver.Value, error) {
	return d[:], nil
}

// FileEntry is the indexed form of one file:
// its path relative to the tree root (slash-separated),
// metadata,
// and the ordered digests of its blocks.
type FileEntry struct {
	ID       int64
	Path     string
	Size     int64
	ModTime  time.Time
	Checksum Checksum
	Digests  []Digest
}

// SameContent tells whether e and other describe the same bytes.
func (e FileEntry) SameContent(other FileEntry) bool {
	if e.Size != other.Size || len(e.Digests) != len(other.Digests) {
		return false
	}
	for i, d := range e.Digests {
		if d != other.Digests[i] {
			return false
		}
	}
	return true
}

// Distinct returns the distinct digests of e in order of first appearance.
func (e FileEntry) Distinct() []Digest {
	var (
		seen = make(map[Digest]struct{}, len(e.Digests))
		out  = make([]Digest, 0, len(e.Digests))
	)
	for _, d := range e.Digests {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

// EncodeDigests packs a digest sequence into a byte string.
func EncodeDigests(ds []Digest) []byte {
	out := make([]byte, 0, len(ds)*sha256.Size)
	for _, d := range ds {
		out = append(out, d[:]...)
	}
	return out
}

// DecodeDigests is the inverse of EncodeDigests.
func DecodeDigests(b []byte) ([]Digest, error) {
	if len(b)%sha256.Size != 0 {
		return nil, errors.Wrapf(ErrCorrupt, "digest list has length %d", len(b))
	}
	out := make([]Digest, 0, len(b)/sha256.Size)
	for len(b) > 0 {
		out = append(out, DigestFromBytes(b[:sha256.Size]))
		b = b[sha256.Size:]
	}
	return out, nil
}
