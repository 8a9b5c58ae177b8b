// Package chunk implements content-defined chunking.
//
// A rolling hash (buzhash64) runs over the trailing WindowSize bytes of the input.
// A chunk ends after the first byte at which the low Bits bits of the hash are all zero,
// or when the chunk reaches MaxBlockSize bytes,
// whichever comes first.
// Because the hash at any position depends only on the WindowSize bytes before it,
// identical runs of input produce identical boundaries wherever they occur.
package chunk

import (
	"bufio"
	"io"
	"math/bits"

	"github.com/chmduquesne/rollinghash/buzhash64"
)

const (
	// WindowSize is the size of the rolling hash window.
	WindowSize = 64

	// DefaultBits gives chunks of about 8KiB on average.
	DefaultBits = 13

	// MaxBlockSize is the largest chunk a Chunker produces by default.
	MaxBlockSize = 32 * 1024
)

// Seed generates the byte-hash table.
// Changing it changes every chunk boundary.
const Seed = 0x72737379

var (
	initialWindow = make([]byte, WindowSize)
	table         [256]uint64
)

func init() {
	table = buzhash64.GenerateHashes(Seed)

	// With an even window size, the hash of a run of one repeated byte
	// is all zeros or all ones depending on the parity of that byte's entry.
	// Forcing odd parity keeps constant runs from matching the boundary predicate.
	for i, h := range table {
		if bits.OnesCount64(h)%2 == 0 {
			table[i] = h ^ 1
		}
	}
}

func newHash() *buzhash64.Buzhash64 {
	h := buzhash64.NewFromUint64Array(table)
	h.Reset()
	h.Write(initialWindow)
	return h
}

// IsBoundary tells whether a chunk may end after the last byte of window.
// Only the final WindowSize bytes of window matter.
func IsBoundary(window []byte, nbits uint) bool {
	if len(window) > WindowSize {
		window = window[len(window)-WindowSize:]
	}

	// A short window is padded on the left the way the start of a stream is.
	buf := make([]byte, 0, WindowSize)
	buf = append(buf, initialWindow[:WindowSize-len(window)]...)
	buf = append(buf, window...)

	h := buzhash64.NewFromUint64Array(table)
	h.Reset()
	h.Write(buf)
	return h.Sum64()&mask(nbits) == 0
}

func mask(bits uint) uint64 {
	return (1 << bits) - 1
}

// Chunker splits a byte stream into chunks.
// It is not restartable.
type Chunker struct {
	r       *bufio.Reader
	hash    *buzhash64.Buzhash64
	mask    uint64
	maxSize int
	minSize int
	buf     []byte
	err     error
}

// Option is the type of an option passed to New and Split.
type Option func(*Chunker)

// Bits sets the number of low-order hash bits that must be zero at a boundary.
// The average chunk size is about 2^n bytes.
func Bits(n uint) Option {
	return func(c *Chunker) {
		c.mask = mask(n)
	}
}

// MaxSize sets the size at which a chunk ends unconditionally.
func MaxSize(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// MinSize sets the size below which the boundary predicate is ignored.
// By default every position is eligible,
// so a chunk ends at the first position satisfying the predicate.
func MinSize(n int) Option {
	return func(c *Chunker) {
		c.minSize = n
	}
}

// New produces a new Chunker reading from r.
func New(r io.Reader, opts ...Option) *Chunker {
	c := &Chunker{
		r:       bufio.NewReaderSize(r, MaxBlockSize),
		hash:    newHash(),
		mask:    mask(DefaultBits),
		maxSize: MaxBlockSize,
		minSize: 1,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.minSize > c.maxSize {
		c.minSize = c.maxSize
	}
	return c
}

// Next returns the next chunk.
// After the last chunk it returns io.EOF.
// The returned slice is owned by the caller.
func (c *Chunker) Next() ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.buf = make([]byte, 0, c.maxSize)
	for {
		b, err := c.r.ReadByte()
		if err == io.EOF {
			c.err = io.EOF
			if len(c.buf) == 0 {
				return nil, io.EOF
			}
			return c.buf, nil
		}
		if err != nil {
			c.err = err
			return nil, err
		}
		c.buf = append(c.buf, b)
		c.hash.Roll(b)
		if len(c.buf) >= c.maxSize {
			return c.buf, nil
		}
		if len(c.buf) >= c.minSize && c.hash.Sum64()&c.mask == 0 {
			return c.buf, nil
		}
	}
}

// Split splits data into chunks.
// The chunks are subslices of data.
func Split(data []byte, opts ...Option) [][]byte {
	c := New(nil, opts...)
	var (
		out   [][]byte
		start int
	)
	for i, b := range data {
		c.hash.Roll(b)
		n := i + 1 - start
		if n >= c.maxSize || (n >= c.minSize && c.hash.Sum64()&c.mask == 0) {
			out = append(out, data[start:i+1])
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, data[start:])
	}
	return out
}
