package main

import (
	"context"
	stderrs "errors"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/rssync"
	"github.com/bobg/rssync/dsync"
	"github.com/bobg/rssync/location"
	"github.com/bobg/rssync/transport"
	"github.com/bobg/rssync/transport/logging"
	"github.com/bobg/rssync/transport/lru"
)

func (c maincmd) sync(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		dryRun  = fs.Bool("n", false, "dry run: report what would change")
		jobs    = fs.Int("j", c.conf.Concurrency, "files to transfer in parallel")
		retries = fs.Int("retries", dsync.DefaultRetries, "retries for block fetches that time out")
	)
	if err := fs.Parse(args); err != nil {
		return usage("parsing args: %s", err)
	}
	if fs.NArg() != 2 {
		return usage("usage: rssync sync [-n] [-j N] [-retries N] SRC DST")
	}

	srcLoc, err := location.Parse(fs.Arg(0))
	if err != nil {
		return err
	}
	dstLoc, err := location.Parse(fs.Arg(1))
	if err != nil {
		return err
	}
	if err = location.CheckPair(srcLoc, dstLoc); err != nil {
		return err
	}

	src, err := c.openSource(ctx, srcLoc)
	if err != nil {
		return errors.Wrapf(err, "opening source %s", srcLoc)
	}
	defer src.Close()

	dst, err := transport.OpenSink(ctx, dstLoc, c.conf)
	if err != nil {
		return errors.Wrapf(err, "opening destination %s", dstLoc)
	}
	if c.verbosity > 1 {
		dst = logging.NewSink(dst, logrus.WithField("loc", dstLoc.String()))
	}
	defer dst.Close()

	stats, err := dsync.Run(ctx, src, dst,
		dsync.Concurrency(*jobs),
		dsync.Retries(*retries),
		dsync.DryRun(*dryRun),
	)

	var failed dsync.Errors
	if stderrs.As(err, &failed) {
		paths := make([]string, 0, len(failed))
		for p := range failed {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			fmt.Fprintf(os.Stderr, "%s: %s\n", p, failed[p])
		}
		err = errors.Errorf("%d file(s) failed", len(failed))
	}
	if stats != nil {
		verb := "synced"
		if *dryRun {
			verb = "would sync"
		}
		fmt.Printf("%s %s to %s: %d written, %d removed, %d unchanged\n", verb, srcLoc, dstLoc, stats.Written, stats.Removed, stats.Unchanged)
		fmt.Printf("%d blocks fetched (%s), %d reused\n", stats.BlocksFetched, humanize.Bytes(uint64(stats.BytesFetched)), stats.BlocksReused)
	}
	return err
}

// openSource opens loc, caching blocks from remote sources.
func (c maincmd) openSource(ctx context.Context, loc location.Location) (rssync.Source, error) {
	src, err := transport.OpenSource(ctx, loc, c.conf)
	if err != nil {
		return nil, err
	}
	if loc.Remote() && c.conf.CacheSize > 0 {
		cached, err := lru.New(src, c.conf.CacheSize)
		if err != nil {
			src.Close()
			return nil, err
		}
		src = cached
	}
	if c.verbosity > 1 {
		src = logging.NewSource(src, logrus.WithField("loc", loc.String()))
	}
	return src, nil
}
