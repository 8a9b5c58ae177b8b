package index

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/rssync/chunk"
)

// ReservedPrefix begins the names of files rssync keeps inside a tree.
// IndexTree skips them.
const ReservedPrefix = ".rssync"

// TreeOption is an option to IndexTree.
type TreeOption func(*treeConf)

type treeConf struct {
	concurrency int
	chunkOpts   []chunk.Option
}

// Concurrency sets how many files IndexTree chunks at once.
// The default is runtime.NumCPU().
func Concurrency(n int) TreeOption {
	return func(c *treeConf) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// ChunkOptions passes options through to the chunker.
func ChunkOptions(opts ...chunk.Option) TreeOption {
	return func(c *treeConf) {
		c.chunkOpts = append(c.chunkOpts, opts...)
	}
}

// TreeStats counts what IndexTree and RemoveMissing did.
type TreeStats struct {
	Indexed   int64
	Unchanged int64
	Removed   int64
}

// IndexTree indexes every regular file beneath root.
// Files are chunked concurrently;
// their effects on the index are serialized by the transaction.
// Symlinks, the index's own files, and names beginning with ReservedPrefix are skipped.
func IndexTree(ctx context.Context, tx *Tx, root string, opts ...TreeOption) (TreeStats, error) {
	conf := treeConf{concurrency: runtime.NumCPU()}
	for _, opt := range opts {
		opt(&conf)
	}

	var (
		stats     TreeStats
		skip      = tx.x.skipper(root)
		g, gctx   = errgroup.WithContext(ctx)
		indexed   int64
		unchanged int64
	)
	g.SetLimit(conf.concurrency)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.Wrapf(err, "walking %s", path)
		}
		if err := gctx.Err(); err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ReservedPrefix) || skip(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := relPath(root, path)
		if err != nil {
			return err
		}
		g.Go(func() error {
			changed, err := tx.IndexFile(gctx, root, rel, conf.chunkOpts...)
			if err != nil {
				return err
			}
			if changed {
				atomic.AddInt64(&indexed, 1)
			} else {
				atomic.AddInt64(&unchanged, 1)
			}
			return nil
		})
		return nil
	})
	if werr := g.Wait(); err == nil {
		err = werr
	}

	stats.Indexed = indexed
	stats.Unchanged = unchanged

	logrus.WithFields(logrus.Fields{
		"root":      root,
		"indexed":   stats.Indexed,
		"unchanged": stats.Unchanged,
	}).Info("indexed tree")

	return stats, err
}

// RemoveMissing removes the entries for files no longer present as regular files beneath root.
func RemoveMissing(ctx context.Context, tx *Tx, root string) (int64, error) {
	refs, err := tx.ListFiles(ctx)
	if err != nil {
		return 0, err
	}

	var removed int64
	for _, ref := range refs {
		full := filepath.Join(root, filepath.FromSlash(ref.Path))
		info, err := os.Lstat(full)
		if err == nil && info.Mode().IsRegular() {
			continue
		}
		if err != nil && !os.IsNotExist(err) {
			return removed, errors.Wrapf(err, "statting %s", full)
		}
		if err := tx.RemoveFile(ctx, ref.ID); err != nil {
			return removed, errors.Wrapf(err, "removing entry for %s", ref.Path)
		}
		removed++
	}
	if removed > 0 {
		logrus.WithFields(logrus.Fields{"root": root, "removed": removed}).Info("removed missing files from index")
	}
	return removed, nil
}

// relPath produces the slash-separated path of path relative to root,
// without any leading "./".
func relPath(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", errors.Wrapf(err, "relativizing %s", path)
	}
	return strings.TrimPrefix(filepath.ToSlash(rel), "./"), nil
}

// skipper returns a function telling whether a path under root
// is the index itself or one of its companion files
// (write-ahead log, shared memory, lock).
func (x *Index) skipper(root string) func(string) bool {
	abs, err := filepath.Abs(x.path)
	if err != nil {
		return func(string) bool { return false }
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return func(string) bool { return false }
	}
	return func(path string) bool {
		p := path
		if !filepath.IsAbs(p) {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return false
			}
			p = filepath.Join(rootAbs, rel)
		}
		return strings.HasPrefix(p, abs)
	}
}
