// Package mem implements an in-memory tree that is both a Source and a Sink.
// It is meant for tests.
package mem

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/bobg/rssync"
	"github.com/bobg/rssync/chunk"
)

var (
	_ rssync.Source      = &Tree{}
	_ rssync.MultiGetter = &Tree{}
	_ rssync.Sink        = &Tree{}
)

// Tree holds file entries and their blocks in memory.
// Blocks are kept while any entry cites them.
type Tree struct {
	// FailBlock, if set, is consulted before each block fetch.
	// A non-nil result is returned in place of the block.
	FailBlock func(rssync.Digest) error

	// FailWrite, if set, is consulted at the start of each WriteFile.
	FailWrite func(path string) error

	mu        sync.Mutex
	files     map[string]rssync.FileEntry
	blocks    map[rssync.Digest][]byte
	refs      map[rssync.Digest]int
	fetches   int
	commits   int
	committed map[string]rssync.FileEntry
}

// New produces a new, empty Tree.
func New() *Tree {
	return &Tree{
		files:  make(map[string]rssync.FileEntry),
		blocks: make(map[rssync.Digest][]byte),
		refs:   make(map[rssync.Digest]int),
	}
}

// AddFile chunks data and adds it to t as path.
func (t *Tree) AddFile(path string, data []byte, opts ...chunk.Option) rssync.FileEntry {
	e := rssync.FileEntry{
		Path:     path,
		Size:     int64(len(data)),
		Checksum: rssync.ChecksumOf(data),
	}
	blocks := make(map[rssync.Digest][]byte)
	for _, c := range chunk.Split(data, opts...) {
		d := rssync.DigestOf(c)
		e.Digests = append(e.Digests, d)
		blocks[d] = append([]byte(nil), c...)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.put(e, blocks)
	return e
}

// Contents reassembles the file at path.
func (t *Tree) Contents(path string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.files[path]
	if !ok {
		return nil, false
	}
	var out []byte
	for _, d := range e.Digests {
		out = append(out, t.blocks[d]...)
	}
	return out, true
}

// NumBlocks is the number of distinct blocks t holds.
func (t *Tree) NumBlocks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.blocks)
}

// Fetches is the number of blocks served by Block and Blocks so far.
func (t *Tree) Fetches() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fetches
}

// Commits is the number of times Commit has been called.
func (t *Tree) Commits() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.commits
}

// Files implements rssync.Peer.
func (t *Tree) Files(context.Context) ([]rssync.FileEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := make([]rssync.FileEntry, 0, len(t.files))
	for _, e := range t.files {
		res = append(res, e)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Path < res[j].Path })
	return res, nil
}

// Have implements rssync.Peer.
func (t *Tree) Have(_ context.Context, ds []rssync.Digest) (map[rssync.Digest]bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := make(map[rssync.Digest]bool, len(ds))
	for _, d := range ds {
		_, ok := t.blocks[d]
		res[d] = ok
	}
	return res, nil
}

// Block implements rssync.Source.
func (t *Tree) Block(_ context.Context, d rssync.Digest) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.block(d)
}

// Caller must obtain a lock.
func (t *Tree) block(d rssync.Digest) ([]byte, error) {
	if t.FailBlock != nil {
		if err := t.FailBlock(d); err != nil {
			return nil, err
		}
	}
	b, ok := t.blocks[d]
	if !ok {
		return nil, errors.Wrapf(rssync.ErrNotFound, "block %s", d)
	}
	t.fetches++
	return append([]byte(nil), b...), nil
}

// Blocks implements rssync.MultiGetter.
func (t *Tree) Blocks(_ context.Context, ds []rssync.Digest) (map[rssync.Digest][]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		res    = make(map[rssync.Digest][]byte, len(ds))
		errmap rssync.MultiErr
	)
	for _, d := range ds {
		b, err := t.block(d)
		if err != nil {
			if errmap == nil {
				errmap = make(rssync.MultiErr)
			}
			errmap[d] = err
			continue
		}
		res[d] = b
	}
	if errmap != nil {
		return res, errmap
	}
	return res, nil
}

// WriteFile implements rssync.Sink.
func (t *Tree) WriteFile(_ context.Context, e rssync.FileEntry, fetched map[rssync.Digest][]byte) error {
	if t.FailWrite != nil {
		if err := t.FailWrite(e.Path); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		blocks = make(map[rssync.Digest][]byte)
		h      = rssync.NewChecksum()
		n      int64
	)
	for _, d := range e.Digests {
		b, ok := fetched[d]
		if !ok {
			b, ok = t.blocks[d]
		}
		if !ok {
			return errors.Wrapf(rssync.ErrNotFound, "block %s of %s", d, e.Path)
		}
		blocks[d] = append([]byte(nil), b...)
		h.Write(b)
		n += int64(len(b))
	}
	if n != e.Size {
		return errors.Errorf("%s: blocks total %d bytes, want %d", e.Path, n, e.Size)
	}
	if got := rssync.ChecksumFromBytes(h.Sum(nil)); e.Checksum != (rssync.Checksum{}) && got != e.Checksum {
		return errors.Errorf("%s: checksum mismatch", e.Path)
	}

	t.put(e, blocks)
	return nil
}

// Caller must obtain a lock.
func (t *Tree) put(e rssync.FileEntry, blocks map[rssync.Digest][]byte) {
	for _, d := range e.Distinct() {
		if _, ok := t.blocks[d]; !ok {
			t.blocks[d] = blocks[d]
		}
		t.refs[d]++
	}
	if old, ok := t.files[e.Path]; ok {
		t.release(old)
	}
	t.files[e.Path] = e
}

// Caller must obtain a lock.
func (t *Tree) release(e rssync.FileEntry) {
	for _, d := range e.Distinct() {
		t.refs[d]--
		if t.refs[d] <= 0 {
			delete(t.refs, d)
			delete(t.blocks, d)
		}
	}
}

// Remove implements rssync.Sink.
func (t *Tree) Remove(_ context.Context, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.files[path]
	if !ok {
		return errors.Wrapf(rssync.ErrNotFound, "file %s", path)
	}
	t.release(e)
	delete(t.files, path)
	return nil
}

// Commit implements rssync.Sink.
// It snapshots the file list, available afterwards from Committed.
func (t *Tree) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.commits++
	t.committed = make(map[string]rssync.FileEntry, len(t.files))
	for p, e := range t.files {
		t.committed[p] = e
	}
	return nil
}

// Committed lists the paths present at the last Commit, in order.
func (t *Tree) Committed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res []string
	for p := range t.committed {
		res = append(res, p)
	}
	sort.Strings(res)
	return res
}

// Close implements rssync.Peer.
func (t *Tree) Close() error {
	return nil
}
