// Package dsync reconciles a Sink with a Source.
//
// A sync lists both peers' files,
// removes from the sink whatever the source lacks,
// and writes every file whose content differs,
// fetching from the source only the blocks the sink does not already hold.
package dsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/rssync"
)

// Defaults for the options.
const (
	DefaultConcurrency = 8
	DefaultRetries     = 3
	DefaultBatchSize   = 256
)

type config struct {
	concurrency int
	retries     int
	batchSize   int
	dryRun      bool
}

// Option configures Run.
type Option func(*config)

// Concurrency sets how many files are transferred at once.
func Concurrency(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// Retries sets how many more times a block fetch that timed out is attempted.
func Retries(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// BatchSize limits the digests requested from the source in one fetch.
func BatchSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// DryRun makes Run report what it would do without changing the sink.
func DryRun(dry bool) Option {
	return func(c *config) {
		c.dryRun = dry
	}
}

// Stats summarizes a sync.
type Stats struct {
	Written   int64
	Removed   int64
	Unchanged int64

	// BlocksFetched and BytesFetched count what came from the source.
	BlocksFetched int64
	BytesFetched  int64

	// BlocksReused counts blocks the sink already held.
	BlocksReused int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("%d written, %d removed, %d unchanged; %d blocks fetched (%d bytes), %d reused", s.Written, s.Removed, s.Unchanged, s.BlocksFetched, s.BytesFetched, s.BlocksReused)
}

// Errors maps paths to the errors that kept them from syncing.
type Errors map[string]error

func (e Errors) Error() string {
	paths := make([]string, 0, len(e))
	for p := range e {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	strs := make([]string, 0, len(paths))
	for _, p := range paths {
		strs = append(strs, fmt.Sprintf("%s: %s", p, e[p]))
	}
	return fmt.Sprintf("%d file(s) failed: %s", len(e), strings.Join(strs, "; "))
}

// Unwrap lets errors.Is and errors.As see the individual errors.
func (e Errors) Unwrap() []error {
	out := make([]error, 0, len(e))
	for _, err := range e {
		out = append(out, err)
	}
	return out
}

// Run makes dst match src.
//
// A failure to sync one file does not stop the others.
// Such failures are returned together as an Errors,
// after the sink has committed the files that did succeed.
// Failing to list either peer, or to commit, is returned as a plain error.
func Run(ctx context.Context, src rssync.Source, dst rssync.Sink, opts ...Option) (*Stats, error) {
	c := config{
		concurrency: DefaultConcurrency,
		retries:     DefaultRetries,
		batchSize:   DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(&c)
	}

	dstFiles, err := dst.Files(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing destination files")
	}
	srcFiles, err := src.Files(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing source files")
	}

	var (
		stats  = new(Stats)
		mu     sync.Mutex
		failed = make(Errors)
		want   = make(map[string]bool, len(srcFiles))
		have   = make(map[string]rssync.FileEntry, len(dstFiles))
	)
	fail := func(path string, err error) {
		mu.Lock()
		failed[path] = err
		mu.Unlock()
		logrus.WithError(err).WithField("path", path).Error("sync failed")
	}

	for _, e := range srcFiles {
		want[e.Path] = true
	}
	for _, e := range dstFiles {
		have[e.Path] = e
	}

	// Removals go first,
	// so a file replaced by a directory of the same name
	// (or vice versa) is out of the way.
	for _, e := range dstFiles {
		if want[e.Path] {
			continue
		}
		if !c.dryRun {
			if err := dst.Remove(ctx, e.Path); err != nil {
				fail(e.Path, errors.Wrap(err, "removing"))
				continue
			}
		}
		stats.Removed++
		logrus.WithField("path", e.Path).Info("removed")
	}

	eg, ctx2 := errgroup.WithContext(ctx)
	eg.SetLimit(c.concurrency)

	for _, e := range srcFiles {
		if old, ok := have[e.Path]; ok && old.SameContent(e) {
			stats.Unchanged++
			continue
		}
		e := e
		eg.Go(func() error {
			if err := transfer(ctx2, src, dst, e, &c, stats); err != nil {
				fail(e.Path, err)
				return nil
			}
			atomic.AddInt64(&stats.Written, 1)
			logrus.WithField("path", e.Path).Info("wrote")
			return nil
		})
	}
	_ = eg.Wait()

	if !c.dryRun {
		if err := dst.Commit(ctx); err != nil {
			return stats, errors.Wrap(err, "committing")
		}
	}
	if len(failed) > 0 {
		return stats, failed
	}
	return stats, nil
}

// transfer writes one file to dst,
// fetching from src the blocks dst lacks.
func transfer(ctx context.Context, src rssync.Source, dst rssync.Sink, e rssync.FileEntry, c *config, stats *Stats) error {
	distinct := e.Distinct()

	have, err := dst.Have(ctx, distinct)
	if err != nil {
		return errors.Wrap(err, "querying destination blocks")
	}
	var missing []rssync.Digest
	for _, d := range distinct {
		if !have[d] {
			missing = append(missing, d)
		}
	}
	atomic.AddInt64(&stats.BlocksReused, int64(len(distinct)-len(missing)))

	if c.dryRun {
		atomic.AddInt64(&stats.BlocksFetched, int64(len(missing)))
		return nil
	}

	fetched := make(map[rssync.Digest][]byte, len(missing))
	for len(missing) > 0 {
		n := len(missing)
		if n > c.batchSize {
			n = c.batchSize
		}
		batch := missing[:n]
		missing = missing[n:]

		got, err := fetch(ctx, src, batch, c.retries)
		if err != nil {
			return err
		}
		for d, b := range got {
			fetched[d] = b
			atomic.AddInt64(&stats.BlocksFetched, 1)
			atomic.AddInt64(&stats.BytesFetched, int64(len(b)))
		}
	}

	return errors.Wrap(dst.WriteFile(ctx, e, fetched), "writing")
}
