// Package index implements the persistent, content-addressed store behind rssync.
//
// An Index maps paths to file entries and digests to blocks.
// Each block carries a reference count:
// the number of file entries citing it.
// A block exists exactly as long as its count is positive.
//
// All mutation happens inside a Tx,
// of which at most one may be active per Index.
// Nothing a Tx does is visible to other readers until Commit.
package index

import (
	"context"
	"database/sql"
	stderrs "errors"
	"sync"
	"time"

	"github.com/bobg/flock"
	"github.com/bobg/sqlutil"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/rssync"
)

// TreeName is the name of the index kept at the root of a synced tree.
const TreeName = ReservedPrefix + ".idx"

// Schema is the SQL that Open executes.
// It creates the `meta`, `files`, and `blocks` tables if they do not exist.
const Schema = `
CREATE TABLE IF NOT EXISTS meta (
  key TEXT PRIMARY KEY NOT NULL,
  value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  path TEXT NOT NULL UNIQUE,
  size INTEGER NOT NULL,
  mtime INTEGER NOT NULL,
  checksum BLOB NOT NULL,
  digests BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS blocks (
  digest BLOB PRIMARY KEY NOT NULL,
  size INTEGER NOT NULL,
  refcount INTEGER NOT NULL CHECK (refcount > 0),
  compressed INTEGER NOT NULL,
  data BLOB NOT NULL
);
`

const formatVersion = "1"

// Index is a SQLite-backed index.
type Index struct {
	db      *sql.DB
	path    string
	flocker flock.Locker

	mu     sync.Mutex
	active bool

	// Set while a Tx holds the lock file.
	stop, stopped chan struct{}
}

// Open opens the index at path,
// creating it if it does not exist.
// It fails with rssync.ErrCorrupt if the file is not a usable index.
func Open(ctx context.Context, path string) (*Index, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}

	x := &Index{
		db:      db,
		path:    path,
		flocker: flock.Locker{LockDur: lockDur},
	}
	if err = x.init(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	return x, nil
}

func (x *Index) init(ctx context.Context) error {
	var problems []string
	err := sqlutil.ForQueryRows(ctx, x.db, `PRAGMA quick_check`, func(s string) {
		if s != "ok" {
			problems = append(problems, s)
		}
	})
	if err != nil {
		return classify(err)
	}
	if len(problems) > 0 {
		return errors.Wrapf(rssync.ErrCorrupt, "integrity check: %v", problems)
	}

	if _, err = x.db.ExecContext(ctx, Schema); err != nil {
		return classify(err)
	}

	const q = `SELECT value FROM meta WHERE key = 'format'`

	var format string
	err = x.db.QueryRowContext(ctx, q).Scan(&format)
	if stderrs.Is(err, sql.ErrNoRows) {
		const ins = `INSERT INTO meta (key, value) VALUES ('format', $1)`
		_, err = x.db.ExecContext(ctx, ins, formatVersion)
		return errors.Wrap(classify(err), "writing format version")
	}
	if err != nil {
		return classify(err)
	}
	if format != formatVersion {
		return errors.Wrapf(rssync.ErrCorrupt, "unknown index format %q", format)
	}
	return nil
}

// classify maps SQLite's corruption codes to rssync.ErrCorrupt.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if stderrs.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrNotADB, sqlite3.ErrCorrupt:
			return errors.Wrap(rssync.ErrCorrupt, serr.Error())
		}
	}
	return err
}

// Path is the file the index lives in.
func (x *Index) Path() string {
	return x.path
}

// Close closes the index.
// Any active transaction should be committed or rolled back first.
func (x *Index) Close() error {
	return x.db.Close()
}

// lockDur is how long the lock file next to an index stays valid
// without a refresh.
// An open Tx refreshes it at a third of this interval.
var lockDur = time.Minute

func (x *Index) lockPath() string {
	return x.path + ".lock"
}

// Begin starts a transaction.
// It fails with rssync.ErrTxConflict if one is already active on x,
// or if another process holds the advisory lock file next to the index.
// Begin does not wait for the lock.
func (x *Index) Begin(ctx context.Context) (*Tx, error) {
	x.mu.Lock()
	if x.active {
		x.mu.Unlock()
		return nil, rssync.ErrTxConflict
	}
	x.active = true
	x.mu.Unlock()

	if err := x.lock(); err != nil {
		x.release(false)
		return nil, err
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		x.release(true)
		return nil, errors.Wrap(classify(err), "beginning transaction")
	}

	logrus.WithField("index", x.path).Debug("transaction started")
	return &Tx{x: x, tx: tx}, nil
}

func (x *Index) lock() error {
	err := x.flocker.Lock(x.path)
	if stderrs.Is(err, flock.ErrLocked) {
		return errors.Wrapf(rssync.ErrTxConflict, "%s is locked by another process", x.lockPath())
	}
	if err != nil {
		return errors.Wrapf(err, "locking %s", x.lockPath())
	}

	x.stop = make(chan struct{})
	x.stopped = make(chan struct{})
	go x.refresh(x.stop, x.stopped)
	return nil
}

// refresh keeps the lock file fresh until stop is closed.
func (x *Index) refresh(stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(x.flocker.LockDur / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := x.flocker.Refresh(x.path); err != nil {
				logrus.WithError(err).WithField("index", x.path).Warn("refreshing index lock")
			}
		}
	}
}

func (x *Index) release(locked bool) {
	if locked {
		close(x.stop)
		<-x.stopped
		if err := x.flocker.Unlock(x.path); err != nil {
			logrus.WithError(err).WithField("index", x.path).Warn("unlocking index")
		}
	}
	x.mu.Lock()
	x.active = false
	x.mu.Unlock()
}

// Files lists the committed file entries in path order.
func (x *Index) Files(ctx context.Context) ([]rssync.FileEntry, error) {
	return files(ctx, x.db)
}

// Block gets the committed bytes of a block.
func (x *Index) Block(ctx context.Context, d rssync.Digest) ([]byte, error) {
	return block(ctx, x.db, d)
}

// Have tells which of ds are committed to the block store.
func (x *Index) Have(ctx context.Context, ds []rssync.Digest) (map[rssync.Digest]bool, error) {
	return have(ctx, x.db, ds)
}

// Lookup gets the committed entry for a path.
func (x *Index) Lookup(ctx context.Context, path string) (rssync.FileEntry, bool, error) {
	return lookup(ctx, x.db, path)
}

// Stats summarizes an index.
type Stats struct {
	Files       int64
	Blocks      int64
	BlockBytes  int64 // uncompressed
	StoredBytes int64
}

// Stats reports committed totals.
func (x *Index) Stats(ctx context.Context) (Stats, error) {
	return stats(ctx, x.db)
}
