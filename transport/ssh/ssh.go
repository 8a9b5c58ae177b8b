// Package ssh reaches a remote tree by running rssync on the remote host.
//
// The remote process ("rssync serve") speaks the remote package's gRPC service
// over the SSH session's standard input and output.
package ssh

import (
	"context"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/bobg/rssync"
	"github.com/bobg/rssync/location"
	"github.com/bobg/rssync/remote"
	"github.com/bobg/rssync/transport"
)

// Roles a remote rssync serve process can take.
const (
	RoleSource = "source"
	RoleSink   = "sink"
)

// Open connects to loc's host and starts a peer serving loc.Path in the given role.
// Closing the returned client ends the remote process and the connection.
func Open(ctx context.Context, loc location.Location, conf *transport.Config, role string) (*remote.Client, error) {
	client, err := dial(ctx, loc, conf)
	if err != nil {
		return nil, err
	}

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, errors.Wrapf(rssync.ErrTransport, "opening session on %s: %s", loc.Host, err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, errors.Wrap(err, "getting session stdin")
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, errors.Wrap(err, "getting session stdout")
	}
	stderr := logrus.WithField("host", loc.Host).WriterLevel(logrus.WarnLevel)
	sess.Stderr = stderr

	cmd := Command(conf, role, loc.Path)
	logrus.WithFields(logrus.Fields{"host": loc.Host, "command": cmd}).Debug("starting remote peer")
	if err = sess.Start(cmd); err != nil {
		stderr.Close()
		sess.Close()
		client.Close()
		return nil, errors.Wrapf(rssync.ErrTransport, "running %q on %s: %s", cmd, loc.Host, err)
	}

	cc, err := remote.DialConn(remote.NewStreamConn(stdout, stdin))
	if err != nil {
		stderr.Close()
		sess.Close()
		client.Close()
		return nil, err
	}

	closer := func() error {
		err := cc.Close()

		// Closing cc closed the session's stdin,
		// which tells the remote process to exit.
		done := make(chan error, 1)
		go func() { done <- sess.Wait() }()
		select {
		case werr := <-done:
			if werr != nil {
				logrus.WithError(werr).WithField("host", loc.Host).Debug("remote peer exited")
			}
		case <-time.After(5 * time.Second):
			logrus.WithField("host", loc.Host).Warn("remote peer did not exit")
		}

		stderr.Close()
		if err2 := client.Close(); err == nil {
			err = err2
		}
		return err
	}

	return remote.NewClient(cc, remote.FetchTimeout(conf.FetchTimeout), remote.OnClose(closer)), nil
}

// Command is the shell command that starts the remote peer.
func Command(conf *transport.Config, role, path string) string {
	args := []string{
		conf.SSH.Command,
		"serve",
		"-role", role,
		"-index", conf.IndexName,
		path,
	}
	for i, a := range args[:len(args)-1] {
		args[i] = shellQuote(a)
	}
	args[len(args)-1] = quotePath(path)
	return strings.Join(args, " ")
}

// quotePath is shellQuote for a remote path,
// except that a leading ~/ is left for the remote shell to expand.
func quotePath(path string) string {
	switch {
	case path == "~":
		return path
	case strings.HasPrefix(path, "~/"):
		rest := strings.TrimLeft(path[2:], "/")
		if rest == "" {
			return "~/"
		}
		return "~/" + shellQuote(rest)
	}
	return shellQuote(path)
}

// shellQuote quotes s for a POSIX shell when it needs it.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:@+,", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func dial(ctx context.Context, loc location.Location, conf *transport.Config) (*gossh.Client, error) {
	username := loc.User
	if username == "" {
		u, err := user.Current()
		if err != nil {
			return nil, errors.Wrap(err, "getting local user name")
		}
		username = u.Username
	}

	hostKeys, err := hostKeyCallback(conf.SSH.KnownHosts)
	if err != nil {
		return nil, err
	}
	auth, err := authMethods(conf.SSH.KeyFiles)
	if err != nil {
		return nil, err
	}

	config := &gossh.ClientConfig{
		User:            username,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         conf.SSH.ConnectTimeout,
	}

	addr := net.JoinHostPort(loc.Host, strconv.Itoa(conf.SSH.Port))
	d := net.Dialer{Timeout: conf.SSH.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(rssync.ErrTransport, "connecting to %s: %s", addr, err)
	}
	c, chans, reqs, err := gossh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(rssync.ErrTransport, "SSH handshake with %s: %s", addr, err)
	}
	return gossh.NewClient(c, chans, reqs), nil
}

func hostKeyCallback(file string) (gossh.HostKeyCallback, error) {
	path, err := expand(file)
	if err != nil {
		return nil, err
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, errors.Wrapf(rssync.ErrTransport, "loading known hosts from %s: %s", path, err)
	}
	return cb, nil
}

// authMethods uses the SSH agent, if there is one,
// then each readable unencrypted key file.
func authMethods(keyFiles []string) ([]gossh.AuthMethod, error) {
	var methods []gossh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			logrus.WithError(err).Debug("cannot reach SSH agent")
		} else {
			methods = append(methods, gossh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	var signers []gossh.Signer
	for _, f := range keyFiles {
		path, err := expand(f)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", path)
		}
		signer, err := gossh.ParsePrivateKey(data)
		if err != nil {
			var pmerr *gossh.PassphraseMissingError
			if errors.As(err, &pmerr) {
				logrus.WithField("key", path).Debug("skipping passphrase-protected key")
				continue
			}
			return nil, errors.Wrapf(err, "parsing %s", path)
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, gossh.PublicKeys(signers...))
	}

	if len(methods) == 0 {
		return nil, errors.Wrap(rssync.ErrTransport, "no SSH agent or usable key files")
	}
	return methods, nil
}

// expand replaces a leading ~/ with the home directory.
func expand(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "finding home directory")
	}
	return filepath.Join(home, path[2:]), nil
}

func init() {
	transport.RegisterSource(location.SSH, func(ctx context.Context, loc location.Location, conf *transport.Config) (rssync.Source, error) {
		return Open(ctx, loc, conf, RoleSource)
	})
	transport.RegisterSink(location.SSH, func(ctx context.Context, loc location.Location, conf *transport.Config) (rssync.Sink, error) {
		return Open(ctx, loc, conf, RoleSink)
	})
}
