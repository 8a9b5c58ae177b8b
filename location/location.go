// Package location parses the source and destination strings given to rssync sync.
package location

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/bobg/rssync"
)

// Kind is the transport a Location needs.
type Kind int

const (
	Local Kind = iota
	SSH
	HTTP
)

func (k Kind) String() string {
	switch k {
	case Local:
		return "local"
	case SSH:
		return "ssh"
	case HTTP:
		return "http"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Location is a parsed source or destination.
type Location struct {
	Kind Kind

	// Path is the directory for Local and SSH.
	Path string

	// User and Host are set for SSH.
	// User may be empty, meaning the local user name.
	User, Host string

	// URL is set for HTTP.
	URL *url.URL
}

// Remote tells whether l is reached over a network.
func (l Location) Remote() bool {
	return l.Kind != Local
}

// ReadOnly tells whether l can only be a source.
func (l Location) ReadOnly() bool {
	return l.Kind == HTTP
}

func (l Location) String() string {
	switch l.Kind {
	case SSH:
		if l.User != "" {
			return l.User + "@" + l.Host + ":" + l.Path
		}
		return l.Host + ":" + l.Path
	case HTTP:
		return l.URL.String()
	}
	return l.Path
}

// Parse parses a location string.
// A string with a scheme ("scheme://...") is HTTP if the scheme is http or https,
// and an error otherwise.
// A string of the form [user@]host:path is SSH.
// Anything else is a local path.
// Malformed strings produce errors wrapping rssync.ErrLocation.
func Parse(s string) (Location, error) {
	if s == "" {
		return Location{}, errors.Wrap(rssync.ErrLocation, "empty location")
	}

	if i := strings.Index(s, "://"); i > 0 {
		u, err := url.Parse(s)
		if err != nil {
			return Location{}, errors.Wrapf(rssync.ErrLocation, "parsing URL %s: %s", s, err)
		}
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
		default:
			return Location{}, errors.Wrapf(rssync.ErrLocation, "unknown scheme %q in %s", u.Scheme, s)
		}
		if u.Host == "" {
			return Location{}, errors.Wrapf(rssync.ErrLocation, "no host in %s", s)
		}
		return Location{Kind: HTTP, URL: u}, nil
	}

	// A colon before any slash means host:path.
	// This is how scp tells the two apart,
	// and it leaves "./a:b" and "/x:y" local.
	colon := strings.IndexByte(s, ':')
	slash := strings.IndexByte(s, '/')
	if colon < 0 || (slash >= 0 && slash < colon) {
		return Location{Kind: Local, Path: s}, nil
	}

	var (
		userhost = s[:colon]
		path     = s[colon+1:]
		user     string
		host     = userhost
	)
	if at := strings.LastIndexByte(userhost, '@'); at >= 0 {
		user, host = userhost[:at], userhost[at+1:]
		if user == "" {
			return Location{}, errors.Wrapf(rssync.ErrLocation, "empty user name in %s", s)
		}
	}
	if host == "" {
		return Location{}, errors.Wrapf(rssync.ErrLocation, "empty host in %s", s)
	}
	if path == "" {
		path = "."
	}
	return Location{Kind: SSH, User: user, Host: host, Path: path}, nil
}

// CheckPair rejects the source/destination pairings rssync does not support.
// The error wraps rssync.ErrUnsupported.
func CheckPair(src, dst Location) error {
	if dst.Kind == HTTP {
		return errors.Wrap(rssync.ErrUnsupported, "Cannot upload to HTTP")
	}
	if src.Kind == HTTP && dst.Kind != Local {
		return errors.Wrap(rssync.ErrUnsupported, "HTTP download is only supported to local files")
	}
	if src.Remote() && dst.Remote() {
		return errors.Wrap(rssync.ErrUnsupported, "Direct transfer between remote hosts is not supported")
	}
	return nil
}
