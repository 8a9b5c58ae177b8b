package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/bobg/rssync"
	"github.com/bobg/rssync/remote"
	"github.com/bobg/rssync/transport/local"
	"github.com/bobg/rssync/transport/ssh"
)

// serve is what the ssh transport runs on the remote host.
// It speaks gRPC on its standard input and output.
func (c maincmd) serve(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var (
		role  = fs.String("role", "", "source or sink")
		xname = fs.String("index", c.conf.IndexName, "index file name at the tree root")
	)
	if err := fs.Parse(args); err != nil {
		return usage("parsing args: %s", err)
	}
	if fs.NArg() != 1 {
		return usage("usage: rssync serve -role source|sink [-index NAME] PATH")
	}
	if filepath.Base(*xname) != *xname {
		return usage("-index must be a file name, not a path")
	}

	conf := *c.conf
	conf.IndexName = *xname
	root := fs.Arg(0)

	var srv *remote.Server
	switch *role {
	case ssh.RoleSource:
		srv = remote.LazySourceServer(ctx, func(ctx context.Context) (rssync.Source, error) {
			return local.NewSource(ctx, root, &conf)
		})
	case ssh.RoleSink:
		srv = remote.LazySinkServer(ctx, func(ctx context.Context) (rssync.Sink, error) {
			return local.NewSink(ctx, root, &conf)
		})
	default:
		return usage("-role must be %s or %s", ssh.RoleSource, ssh.RoleSink)
	}
	defer srv.Close()

	logrus.WithFields(logrus.Fields{"role": *role, "root": root}).Debug("serving on stdio")
	return remote.ServeConn(ctx, srv, remote.NewStreamConn(os.Stdin, os.Stdout))
}
