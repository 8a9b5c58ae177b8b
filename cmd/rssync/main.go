// Command rssync synchronizes directory trees,
// sending only the content-defined blocks the destination lacks.
//
// Usage:
//
//	rssync [-config FILE] [-v] SUBCOMMAND [ARGS]
//
// Subcommands are index, sync, serve, serve-http, check, and gc.
package main

import (
	"context"
	stderrs "errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/bobg/subcmd"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/rssync"
	"github.com/bobg/rssync/transport"
	_ "github.com/bobg/rssync/transport/http"
	_ "github.com/bobg/rssync/transport/local"
	_ "github.com/bobg/rssync/transport/ssh"
)

type maincmd struct {
	conf      *transport.Config
	verbosity int
}

// errUsage marks errors in how rssync was invoked.
var errUsage = stderrs.New("usage")

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		fs        = flag.NewFlagSet("rssync", flag.ContinueOnError)
		config    = fs.String("config", "", "path to config file (yaml, toml, or json)")
		verbosity verbosityFlag
	)
	fs.Var(&verbosity, "v", "verbose logging (repeat for more)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	setupLogging(int(verbosity))

	conf, err := transport.LoadConfig(*config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rssync: %s\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = subcmd.Run(ctx, maincmd{conf: conf, verbosity: int(verbosity)}, fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "rssync: %s\n", err)
	}
	return exitCode(err)
}

func (c maincmd) Subcmds() subcmd.Map {
	return subcmd.Map{
		"index":      withFlags("index", c.index),
		"sync":       withFlags("sync", c.sync),
		"serve":      withFlags("serve", c.serve),
		"serve-http": withFlags("serve-http", c.serveHTTP),
		"check":      withFlags("check", c.check),
		"gc":         withFlags("gc", c.gc),
	}
}

// withFlags gives f a fresh FlagSet of its own.
// Subcommands parse their own flags
// so that bad flags are reported as usage errors.
func withFlags(name string, f func(context.Context, *flag.FlagSet, []string) error) subcmd.Subcmd {
	return subcmd.Subcmd{
		F: func(ctx context.Context, args []string) error {
			fs := flag.NewFlagSet("rssync "+name, flag.ContinueOnError)
			return f(ctx, fs, args)
		},
	}
}

// exitCode is 0 for success,
// 2 for mistakes in the invocation,
// and 1 for everything else.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case stderrs.Is(err, errUsage),
		stderrs.Is(err, subcmd.ErrNoArgs),
		stderrs.Is(err, subcmd.ErrUnknown),
		stderrs.Is(err, rssync.ErrLocation),
		stderrs.Is(err, rssync.ErrUnsupported),
		stderrs.Is(err, rssync.ErrReadOnly):
		return 2
	}
	return 1
}

func usage(format string, args ...any) error {
	return errors.Wrapf(errUsage, format, args...)
}

// setupLogging sends logs to stderr.
// The level comes from RSSYNC_LOG if set,
// otherwise from the number of -v flags.
func setupLogging(verbosity int) {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: verbosity < 2})

	level := logrus.WarnLevel
	switch {
	case verbosity == 1:
		level = logrus.InfoLevel
	case verbosity == 2:
		level = logrus.DebugLevel
	case verbosity > 2:
		level = logrus.TraceLevel
	}
	if s := os.Getenv("RSSYNC_LOG"); s != "" {
		l, err := logrus.ParseLevel(s)
		if err != nil {
			logrus.WithError(err).Warn("ignoring RSSYNC_LOG")
		} else {
			level = l
		}
	}
	logrus.SetLevel(level)
}

// verbosityFlag counts its occurrences.
type verbosityFlag int

func (v *verbosityFlag) String() string { return strconv.Itoa(int(*v)) }

func (v *verbosityFlag) Set(s string) error {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	if b {
		*v++
	}
	return nil
}

func (v *verbosityFlag) IsBoolFlag() bool { return true }
