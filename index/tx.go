package index

import (
	"context"
	"database/sql"
	stderrs "errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/bobg/sqlutil"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/rssync"
	"github.com/bobg/rssync/chunk"
)

// Tx is the sole write handle on an Index.
// Its reads see its own pending writes.
// It is safe for concurrent use;
// mutations are serialized internally.
//
// Always call Rollback when done, typically with defer.
// Rollback after a successful Commit does nothing.
type Tx struct {
	x  *Index
	mu sync.Mutex
	tx *sql.Tx

	done bool
}

// FileRef is an (id, path) pair as listed by ListFiles.
type FileRef struct {
	ID   int64
	Path string
}

// Commit makes the transaction's changes durable and visible, atomically.
// On failure the index keeps its previous committed state
// and the whole transaction may be retried.
func (t *Tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	defer t.x.release(true)

	err := t.tx.Commit()
	if err != nil {
		return errors.Wrap(classify(err), "committing")
	}
	logrus.WithField("index", t.x.path).Debug("transaction committed")
	return nil
}

// Rollback discards the transaction's changes.
func (t *Tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return nil
	}
	t.done = true
	defer t.x.release(true)

	logrus.WithField("index", t.x.path).Debug("transaction rolled back")
	err := t.tx.Rollback()
	if stderrs.Is(err, sql.ErrTxDone) {
		// Already rolled back by cancellation of the context passed to Begin.
		return nil
	}
	return errors.Wrap(err, "rolling back")
}

// ListFiles lists (id, path) pairs in path order.
func (t *Tx) ListFiles(ctx context.Context) ([]FileRef, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []FileRef
	err := sqlutil.ForQueryRows(ctx, t.tx, `SELECT id, path FROM files ORDER BY path`, func(id int64, path string) {
		out = append(out, FileRef{ID: id, Path: path})
	})
	return out, errors.Wrap(classify(err), "listing files")
}

// Files lists the file entries in path order.
func (t *Tx) Files(ctx context.Context) ([]rssync.FileEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return files(ctx, t.tx)
}

// Lookup gets the entry for a path.
func (t *Tx) Lookup(ctx context.Context, path string) (rssync.FileEntry, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return lookup(ctx, t.tx, path)
}

// Block gets the bytes of a block.
func (t *Tx) Block(ctx context.Context, d rssync.Digest) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return block(ctx, t.tx, d)
}

// Have tells which of ds are in the block store.
func (t *Tx) Have(ctx context.Context, ds []rssync.Digest) (map[rssync.Digest]bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return have(ctx, t.tx, ds)
}

// Stats reports totals as of the transaction's pending state.
func (t *Tx) Stats(ctx context.Context) (Stats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return stats(ctx, t.tx)
}

// IndexFile indexes the file at rel (slash-separated) beneath root.
// If the file's size and modification time match its existing entry,
// nothing happens and the result is false.
// Otherwise the file is chunked,
// each new block is stored,
// and the entry is replaced.
//
// On error the caller should roll back the transaction.
func (t *Tx) IndexFile(ctx context.Context, root, rel string, opts ...chunk.Option) (bool, error) {
	full := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil {
		return false, errors.Wrapf(err, "statting %s", full)
	}
	if !info.Mode().IsRegular() {
		return false, errors.Errorf("%s is not a regular file", full)
	}

	old, found, err := t.Lookup(ctx, rel)
	if err != nil {
		return false, err
	}
	if found && old.Size == info.Size() && old.ModTime.Equal(info.ModTime()) {
		return false, nil
	}

	f, err := os.Open(full)
	if err != nil {
		return false, errors.Wrapf(err, "opening %s", full)
	}
	defer f.Close()

	var (
		c    = chunk.New(f, opts...)
		h    = rssync.NewChecksum()
		seen = make(map[rssync.Digest]struct{})
		e    = rssync.FileEntry{Path: rel, ModTime: info.ModTime()}
	)
	for {
		data, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return false, errors.Wrapf(err, "reading %s", full)
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}

		d := rssync.DigestOf(data)
		h.Write(data)
		e.Size += int64(len(data))
		e.Digests = append(e.Digests, d)

		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}

		if err := t.retain(ctx, d, data); err != nil {
			return false, errors.Wrapf(err, "storing block of %s", full)
		}
	}
	e.Checksum = rssync.ChecksumFromBytes(h.Sum(nil))

	if err := t.putEntry(ctx, &e); err != nil {
		return false, errors.Wrapf(err, "updating entry for %s", rel)
	}

	logrus.WithFields(logrus.Fields{"path": rel, "blocks": len(e.Digests)}).Debug("indexed")
	return true, nil
}

// PutFile records an entry whose bytes are already in place on disk.
// Digests the block store lacks are stored from blocks;
// a digest found in neither place is an rssync.ErrNotFound error.
// Any existing entry for e.Path is replaced.
// PutFile is all-or-nothing within the transaction:
// on error the index is as it was before the call.
func (t *Tx) PutFile(ctx context.Context, e rssync.FileEntry, blocks map[rssync.Digest][]byte) (rssync.FileEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.tx.ExecContext(ctx, `SAVEPOINT putfile`); err != nil {
		return e, errors.Wrap(classify(err), "starting savepoint")
	}

	err := t.putFile(ctx, &e, blocks)
	if err != nil {
		if _, rerr := t.tx.ExecContext(ctx, `ROLLBACK TO putfile`); rerr != nil {
			return e, errors.Wrapf(rerr, "rolling back savepoint after %s", err)
		}
	}
	if _, rerr := t.tx.ExecContext(ctx, `RELEASE putfile`); rerr != nil && err == nil {
		err = errors.Wrap(classify(rerr), "releasing savepoint")
	}
	return e, err
}

// Caller must hold t.mu.
func (t *Tx) putFile(ctx context.Context, e *rssync.FileEntry, blocks map[rssync.Digest][]byte) error {
	for _, d := range e.Distinct() {
		data, ok := blocks[d]
		if !ok {
			found, err := t.bump(ctx, d)
			if err != nil {
				return errors.Wrapf(err, "referencing block %s of %s", d, e.Path)
			}
			if !found {
				return errors.Wrapf(rssync.ErrNotFound, "block %s of %s", d, e.Path)
			}
			continue
		}
		if err := t.retainLocked(ctx, d, data); err != nil {
			return errors.Wrapf(err, "storing block %s of %s", d, e.Path)
		}
	}
	return errors.Wrapf(t.putEntryLocked(ctx, e), "updating entry for %s", e.Path)
}

// RemoveFile deletes the entry with the given id
// and releases its blocks.
func (t *Tx) RemoveFile(ctx context.Context, id int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, found, err := lookupBy(ctx, t.tx, "id", id)
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(rssync.ErrNotFound, "file id %d", id)
	}
	return t.remove(ctx, e)
}

// RemovePath deletes the entry for path, if there is one,
// and releases its blocks.
func (t *Tx) RemovePath(ctx context.Context, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, found, err := lookup(ctx, t.tx, path)
	if err != nil || !found {
		return err
	}
	return t.remove(ctx, e)
}

// Caller must hold t.mu.
func (t *Tx) remove(ctx context.Context, e rssync.FileEntry) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, e.ID); err != nil {
		return errors.Wrapf(classify(err), "deleting entry for %s", e.Path)
	}
	for _, d := range e.Distinct() {
		if err := t.release(ctx, d); err != nil {
			return errors.Wrapf(err, "releasing block %s of %s", d, e.Path)
		}
	}
	logrus.WithField("path", e.Path).Debug("removed from index")
	return nil
}

// retain adds a reference to block d,
// storing data if the block is new.
func (t *Tx) retain(ctx context.Context, d rssync.Digest, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retainLocked(ctx, d, data)
}

// Caller must hold t.mu.
func (t *Tx) retainLocked(ctx context.Context, d rssync.Digest, data []byte) error {
	ok, err := t.bump(ctx, d)
	if err != nil || ok {
		return err
	}

	stored, compressed := compress(data)

	const q = `INSERT INTO blocks (digest, size, refcount, compressed, data) VALUES ($1, $2, 1, $3, $4)`
	_, err = t.tx.ExecContext(ctx, q, d, len(data), compressed, stored)
	return errors.Wrap(classify(err), "inserting block")
}

// Caller must hold t.mu.
func (t *Tx) bump(ctx context.Context, d rssync.Digest) (bool, error) {
	const q = `UPDATE blocks SET refcount = refcount + 1 WHERE digest = $1`
	res, err := t.tx.ExecContext(ctx, q, d)
	if err != nil {
		return false, errors.Wrap(classify(err), "incrementing refcount")
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "counting affected rows")
	}
	return aff > 0, nil
}

// release drops a reference to block d,
// deleting the block when none remain.
// Caller must hold t.mu.
func (t *Tx) release(ctx context.Context, d rssync.Digest) error {
	const q = `UPDATE blocks SET refcount = refcount - 1 WHERE digest = $1 AND refcount > 1`
	res, err := t.tx.ExecContext(ctx, q, d)
	if err != nil {
		return errors.Wrap(classify(err), "decrementing refcount")
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "counting affected rows")
	}
	if aff > 0 {
		return nil
	}

	res, err = t.tx.ExecContext(ctx, `DELETE FROM blocks WHERE digest = $1`, d)
	if err != nil {
		return errors.Wrap(classify(err), "deleting block")
	}
	aff, err = res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "counting affected rows")
	}
	if aff == 0 {
		return errors.Wrapf(rssync.ErrCorrupt, "released block %s is not in the index", d)
	}
	return nil
}

// putEntry upserts e by path, setting e.ID,
// and releases the blocks of the entry it replaces.
// The caller must already have added references for e's blocks.
func (t *Tx) putEntry(ctx context.Context, e *rssync.FileEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.putEntryLocked(ctx, e)
}

// Caller must hold t.mu.
func (t *Tx) putEntryLocked(ctx context.Context, e *rssync.FileEntry) error {
	old, found, err := lookup(ctx, t.tx, e.Path)
	if err != nil {
		return err
	}

	digests := rssync.EncodeDigests(e.Digests)
	mtime := e.ModTime.UnixNano()

	if !found {
		const q = `INSERT INTO files (path, size, mtime, checksum, digests) VALUES ($1, $2, $3, $4, $5)`
		res, err := t.tx.ExecContext(ctx, q, e.Path, e.Size, mtime, e.Checksum[:], digests)
		if err != nil {
			return errors.Wrap(classify(err), "inserting entry")
		}
		e.ID, err = res.LastInsertId()
		return errors.Wrap(err, "getting entry id")
	}

	const q = `UPDATE files SET size = $1, mtime = $2, checksum = $3, digests = $4 WHERE id = $5`
	if _, err = t.tx.ExecContext(ctx, q, e.Size, mtime, e.Checksum[:], digests, old.ID); err != nil {
		return errors.Wrap(classify(err), "updating entry")
	}
	e.ID = old.ID

	for _, d := range old.Distinct() {
		if err := t.release(ctx, d); err != nil {
			return errors.Wrapf(err, "releasing block %s", d)
		}
	}
	return nil
}

// ForBlocks calls f for each block with its reference count, in digest order.
func (t *Tx) ForBlocks(ctx context.Context, f func(d rssync.Digest, refcount int64) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	const q = `SELECT digest, refcount FROM blocks ORDER BY digest`
	return sqlutil.ForQueryRows(ctx, t.tx, q, f)
}

// DeleteBlock deletes a block regardless of its reference count.
func (t *Tx) DeleteBlock(ctx context.Context, d rssync.Digest) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, err := t.tx.ExecContext(ctx, `DELETE FROM blocks WHERE digest = $1`, d)
	return errors.Wrapf(classify(err), "deleting block %s", d)
}

// SetRefcount overwrites a block's reference count.
func (t *Tx) SetRefcount(ctx context.Context, d rssync.Digest, n int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, err := t.tx.ExecContext(ctx, `UPDATE blocks SET refcount = $1 WHERE digest = $2`, n, d)
	return errors.Wrapf(classify(err), "setting refcount of block %s", d)
}
