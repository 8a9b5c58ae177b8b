// Package local implements a Source and a Sink over a directory on the local filesystem.
// Each tree keeps its index in a file at its root
// (transport.Config.IndexName).
package local

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/rssync"
	"github.com/bobg/rssync/index"
	"github.com/bobg/rssync/location"
	"github.com/bobg/rssync/transport"
)

var _ rssync.Source = &Source{}
var _ rssync.MultiGetter = &Source{}

// Source is a directory tree, freshly indexed, read through its committed index.
type Source struct {
	root string
	x    *index.Index
}

// Refresh brings the index of the tree at root up to date
// and commits the result.
// The open index is returned.
func Refresh(ctx context.Context, root string, conf *transport.Config) (*index.Index, index.TreeStats, error) {
	var stats index.TreeStats

	info, err := os.Stat(root)
	if err != nil {
		return nil, stats, errors.Wrapf(err, "statting %s", root)
	}
	if !info.IsDir() {
		return nil, stats, errors.Errorf("%s is not a directory", root)
	}

	x, err := index.Open(ctx, filepath.Join(root, conf.IndexName))
	if err != nil {
		return nil, stats, err
	}

	tx, err := x.Begin(ctx)
	if err != nil {
		x.Close()
		return nil, stats, err
	}
	stats, err = reindex(ctx, tx, root, conf)
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		tx.Rollback()
		x.Close()
		return nil, stats, err
	}

	logger(root).WithFields(logrus.Fields{
		"indexed":   stats.Indexed,
		"unchanged": stats.Unchanged,
		"removed":   stats.Removed,
	}).Debug("refreshed index")

	return x, stats, nil
}

// reindex brings tx into agreement with the files beneath root.
func reindex(ctx context.Context, tx *index.Tx, root string, conf *transport.Config) (index.TreeStats, error) {
	stats, err := index.IndexTree(ctx, tx, root, index.Concurrency(conf.Concurrency))
	if err != nil {
		return stats, errors.Wrapf(err, "indexing %s", root)
	}
	stats.Removed, err = index.RemoveMissing(ctx, tx, root)
	return stats, errors.Wrapf(err, "pruning index of %s", root)
}

// NewSource indexes the tree at root and returns a Source for it.
func NewSource(ctx context.Context, root string, conf *transport.Config) (*Source, error) {
	if conf == nil {
		conf = transport.DefaultConfig()
	}
	x, _, err := Refresh(ctx, root, conf)
	if err != nil {
		return nil, err
	}
	return &Source{root: root, x: x}, nil
}

// Files implements rssync.Peer.
func (s *Source) Files(ctx context.Context) ([]rssync.FileEntry, error) {
	return s.x.Files(ctx)
}

// Have implements rssync.Peer.
func (s *Source) Have(ctx context.Context, ds []rssync.Digest) (map[rssync.Digest]bool, error) {
	return s.x.Have(ctx, ds)
}

// Block implements rssync.Source.
func (s *Source) Block(ctx context.Context, d rssync.Digest) ([]byte, error) {
	return s.x.Block(ctx, d)
}

// Blocks implements rssync.MultiGetter.
// Absent digests are reported in an rssync.MultiErr.
func (s *Source) Blocks(ctx context.Context, ds []rssync.Digest) (map[rssync.Digest][]byte, error) {
	var (
		res    = make(map[rssync.Digest][]byte, len(ds))
		errmap rssync.MultiErr
	)
	for _, d := range ds {
		b, err := s.x.Block(ctx, d)
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

// Close implements rssync.Peer.
func (s *Source) Close() error {
	return s.x.Close()
}

func init() {
	transport.RegisterSource(location.Local, func(ctx context.Context, loc location.Location, conf *transport.Config) (rssync.Source, error) {
		return NewSource(ctx, loc.Path, conf)
	})
	transport.RegisterSink(location.Local, func(ctx context.Context, loc location.Location, conf *transport.Config) (rssync.Sink, error) {
		return NewSink(ctx, loc.Path, conf)
	})
}

func logger(root string) *logrus.Entry {
	return logrus.WithField("root", root)
}
