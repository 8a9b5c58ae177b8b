package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/bobg/rssync/index"
)

// indexPath is the index file for the tree at root:
// flagval if given, else the configured name inside root.
func (c maincmd) indexPath(root, flagval string) string {
	if flagval != "" {
		return flagval
	}
	return filepath.Join(root, c.conf.IndexName)
}

func (c maincmd) index(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		xpath = fs.String("x", "", "index file (default PATH/"+c.conf.IndexName+")")
		jobs  = fs.Int("j", c.conf.Concurrency, "files to chunk in parallel")
	)
	if err := fs.Parse(args); err != nil {
		return usage("parsing args: %s", err)
	}
	if fs.NArg() != 1 {
		return usage("usage: rssync index [-x INDEX] [-j N] PATH")
	}
	root := fs.Arg(0)

	x, err := index.Open(ctx, c.indexPath(root, *xpath))
	if err != nil {
		return err
	}
	defer x.Close()

	tx, err := x.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ts, err := index.IndexTree(ctx, tx, root, index.Concurrency(*jobs))
	if err != nil {
		return errors.Wrapf(err, "indexing %s", root)
	}
	ts.Removed, err = index.RemoveMissing(ctx, tx, root)
	if err != nil {
		return errors.Wrapf(err, "pruning index of %s", root)
	}
	st, err := tx.Stats(ctx)
	if err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}

	fmt.Printf("%d files indexed, %d unchanged, %d removed\n", ts.Indexed, ts.Unchanged, ts.Removed)
	fmt.Printf("%d files, %d blocks, %s of content stored in %s\n",
		st.Files, st.Blocks, humanize.Bytes(uint64(st.BlockBytes)), humanize.Bytes(uint64(st.StoredBytes)))
	return nil
}
