package local

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/bobg/rssync"
	"github.com/bobg/rssync/index"
	"github.com/bobg/rssync/transport"
)

var _ rssync.Sink = &Sink{}

// Sink writes files into a directory tree.
// It holds its index's transaction from NewSink until Commit,
// so its block store includes every block written so far.
type Sink struct {
	root string
	x    *index.Index
	tx   *index.Tx

	// Serializes directory creation and pruning.
	dirmu sync.Mutex
}

// NewSink opens the tree at root for writing,
// creating it if necessary,
// and brings its index up to date with what is on disk.
func NewSink(ctx context.Context, root string, conf *transport.Config) (*Sink, error) {
	if conf == nil {
		conf = transport.DefaultConfig()
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating %s", root)
	}

	x, err := index.Open(ctx, filepath.Join(root, conf.IndexName))
	if err != nil {
		return nil, err
	}
	tx, err := x.Begin(ctx)
	if err != nil {
		x.Close()
		return nil, err
	}
	if _, err = reindex(ctx, tx, root, conf); err != nil {
		tx.Rollback()
		x.Close()
		return nil, err
	}
	return &Sink{root: root, x: x, tx: tx}, nil
}

// Files implements rssync.Peer.
func (s *Sink) Files(ctx context.Context) ([]rssync.FileEntry, error) {
	return s.tx.Files(ctx)
}

// Have implements rssync.Peer.
func (s *Sink) Have(ctx context.Context, ds []rssync.Digest) (map[rssync.Digest]bool, error) {
	return s.tx.Have(ctx, ds)
}

// Block gets a block from the sink's own store.
// With it a Sink can also act as a source of blocks.
func (s *Sink) Block(ctx context.Context, d rssync.Digest) ([]byte, error) {
	return s.tx.Block(ctx, d)
}

// full checks that rel is a clean relative path inside the tree
// and converts it to a filesystem path.
func (s *Sink) full(rel string) (string, error) {
	if rel == "" || path.IsAbs(rel) || path.Clean(rel) != rel || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", errors.Errorf("invalid path %q", rel)
	}
	for _, elem := range strings.Split(rel, "/") {
		if strings.HasPrefix(elem, index.ReservedPrefix) {
			return "", errors.Errorf("reserved path %q", rel)
		}
	}
	return filepath.Join(s.root, filepath.FromSlash(rel)), nil
}

// WriteFile implements rssync.Sink.
// The file is assembled in a temporary file beside its destination,
// checked against e's size and checksum,
// and renamed into place.
func (s *Sink) WriteFile(ctx context.Context, e rssync.FileEntry, fetched map[rssync.Digest][]byte) error {
	full, err := s.full(e.Path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(full)

	f, err := s.createTemp(dir)
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err = s.assemble(ctx, f, e, fetched); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err = os.Chtimes(tmp, e.ModTime, e.ModTime); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "setting times of %s", tmp)
	}
	if err = os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "renaming %s to %s", tmp, full)
	}

	// Record the entry with the mtime actually on disk,
	// which may be coarser than e's.
	if info, err := os.Stat(full); err == nil {
		e.ModTime = info.ModTime()
	}

	if _, err = s.tx.PutFile(ctx, e, fetched); err != nil {
		return errors.Wrapf(err, "indexing %s", e.Path)
	}
	logger(s.root).WithField("path", e.Path).Debug("wrote file")
	return nil
}

// createTemp creates dir if needed and a temporary file in it.
// Holding dirmu keeps Remove from pruning dir in between.
func (s *Sink) createTemp(dir string) (*os.File, error) {
	s.dirmu.Lock()
	defer s.dirmu.Unlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating %s", dir)
	}
	f, err := os.CreateTemp(dir, index.ReservedPrefix+"-tmp-*")
	return f, errors.Wrapf(err, "creating temporary file in %s", dir)
}

// assemble writes e's blocks to f in order and closes it.
func (s *Sink) assemble(ctx context.Context, f *os.File, e rssync.FileEntry, fetched map[rssync.Digest][]byte) error {
	var (
		h = rssync.NewChecksum()
		n int64
	)
	for _, d := range e.Digests {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, ok := fetched[d]
		if !ok {
			var err error
			data, err = s.tx.Block(ctx, d)
			if err != nil {
				return errors.Wrapf(err, "resolving block %s of %s", d, e.Path)
			}
		}
		if _, err := f.Write(data); err != nil {
			return errors.Wrapf(err, "writing %s", f.Name())
		}
		h.Write(data)
		n += int64(len(data))
	}

	if n != e.Size {
		return errors.Errorf("%s: blocks total %d bytes, want %d", e.Path, n, e.Size)
	}
	if err := f.Truncate(n); err != nil {
		return errors.Wrapf(err, "truncating %s", f.Name())
	}
	if got := rssync.ChecksumFromBytes(h.Sum(nil)); e.Checksum != (rssync.Checksum{}) && got != e.Checksum {
		return errors.Errorf("%s: checksum mismatch", e.Path)
	}
	return errors.Wrapf(f.Close(), "closing %s", f.Name())
}

// Remove implements rssync.Sink.
// Directories left empty are removed too.
func (s *Sink) Remove(ctx context.Context, rel string) error {
	full, err := s.full(rel)
	if err != nil {
		return err
	}
	if err = os.Remove(full); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing %s", full)
	}
	if err = s.tx.RemovePath(ctx, rel); err != nil {
		return errors.Wrapf(err, "unindexing %s", rel)
	}

	s.dirmu.Lock()
	defer s.dirmu.Unlock()

	root := filepath.Clean(s.root)
	for dir := filepath.Dir(full); dir != root && dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			// Not empty, or gone already.
			break
		}
	}
	logger(s.root).WithField("path", rel).Debug("removed file")
	return nil
}

// Commit implements rssync.Sink.
func (s *Sink) Commit(context.Context) error {
	return s.tx.Commit()
}

// Close implements rssync.Peer.
// Uncommitted changes to the index are discarded.
func (s *Sink) Close() error {
	err := s.tx.Rollback()
	if err2 := s.x.Close(); err == nil {
		err = err2
	}
	return err
}
