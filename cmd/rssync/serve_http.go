package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"

	rhttp "github.com/bobg/rssync/transport/http"
	"github.com/bobg/rssync/transport/local"
)

func (c maincmd) serveHTTP(ctx context.Context, fs *flag.FlagSet, args []string) error {
	addr := fs.String("addr", ":8080", "listen address")
	if err := fs.Parse(args); err != nil {
		return usage("parsing args: %s", err)
	}
	if fs.NArg() != 1 {
		return usage("usage: rssync serve-http [-addr ADDR] PATH")
	}
	root := fs.Arg(0)

	src, err := local.NewSource(ctx, root, c.conf)
	if err != nil {
		return err
	}
	defer src.Close()

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", *addr)
	}

	srv := &http.Server{
		Handler:           rhttp.NewHandler(src),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	fmt.Printf("Serving %s on %s\n", root, lis.Addr())

	err = srv.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
