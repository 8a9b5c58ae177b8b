package main

import (
	"context"
	stderrs "errors"
	"flag"
	"fmt"

	"github.com/bobg/rssync"
	"github.com/bobg/rssync/gc"
	"github.com/bobg/rssync/index"
)

func (c maincmd) check(ctx context.Context, fs *flag.FlagSet, args []string) error {
	xpath := fs.String("x", "", "index file (default PATH/"+c.conf.IndexName+")")
	if err := fs.Parse(args); err != nil {
		return usage("parsing args: %s", err)
	}
	if fs.NArg() != 1 {
		return usage("usage: rssync check [-x INDEX] PATH")
	}

	x, err := index.Open(ctx, c.indexPath(fs.Arg(0), *xpath))
	if err != nil {
		return err
	}
	defer x.Close()

	tx, err := x.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	r, err := gc.Check(ctx, tx)
	if r != nil {
		fmt.Println(r)
	}
	return err
}

func (c maincmd) gc(ctx context.Context, fs *flag.FlagSet, args []string) error {
	xpath := fs.String("x", "", "index file (default PATH/"+c.conf.IndexName+")")
	if err := fs.Parse(args); err != nil {
		return usage("parsing args: %s", err)
	}
	if fs.NArg() != 1 {
		return usage("usage: rssync gc [-x INDEX] PATH")
	}

	x, err := index.Open(ctx, c.indexPath(fs.Arg(0), *xpath))
	if err != nil {
		return err
	}
	defer x.Close()

	tx, err := x.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	r, err := gc.Run(ctx, tx)
	if r != nil {
		fmt.Println(r)
	}

	// Missing blocks are reported as corruption,
	// but the other repairs still stand.
	if err != nil && !stderrs.Is(err, rssync.ErrCorrupt) {
		return err
	}
	if cerr := tx.Commit(); cerr != nil {
		return cerr
	}
	return err
}
