// Package http reads a tree served by "rssync serve-http".
// It is a source only.
package http

import (
	"bytes"
	"context"
	stderrs "errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/rssync"
	"github.com/bobg/rssync/location"
	"github.com/bobg/rssync/transport"
	"github.com/bobg/rssync/wire"
)

var (
	_ rssync.Source      = &Source{}
	_ rssync.MultiGetter = &Source{}
)

// Source is a tree served over HTTP.
type Source struct {
	base         *url.URL
	hc           *http.Client
	fetchTimeout time.Duration
}

// NewSource produces a Source for the tree served at base.
// Each block request is bounded by fetchTimeout, if it is positive.
func NewSource(base *url.URL, hc *http.Client, fetchTimeout time.Duration) *Source {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Source{base: base, hc: hc, fetchTimeout: fetchTimeout}
}

func (s *Source) endpoint(elems ...string) string {
	return s.base.JoinPath(append([]string{Prefix}, elems...)...).String()
}

// do performs a request and returns the body of a 200 response.
func (s *Source) do(ctx context.Context, method, u string, reqBody []byte) ([]byte, error) {
	var body io.Reader
	if reqBody != nil {
		body = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, errors.Wrapf(err, "building request for %s", u)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", ContentType)
	}

	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, classify(err, u)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(err, u)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return data, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.Wrapf(rssync.ErrNotFound, "%s", u)
	case resp.StatusCode == http.StatusGatewayTimeout:
		return nil, errors.Wrapf(rssync.ErrTimeout, "%s", u)
	}
	return nil, errors.Wrapf(rssync.ErrTransport, "%s: %s", u, resp.Status)
}

func classify(err error, u string) error {
	var nerr net.Error
	if stderrs.Is(err, context.DeadlineExceeded) || (stderrs.As(err, &nerr) && nerr.Timeout()) {
		return errors.Wrapf(rssync.ErrTimeout, "%s: %s", u, err)
	}
	if stderrs.Is(err, context.Canceled) {
		return err
	}
	return errors.Wrapf(rssync.ErrTransport, "%s: %s", u, err)
}

// Files implements rssync.Peer.
func (s *Source) Files(ctx context.Context) ([]rssync.FileEntry, error) {
	data, err := s.do(ctx, http.MethodGet, s.endpoint("files"), nil)
	if err != nil {
		return nil, err
	}
	var resp wire.FilesResponse
	if err = wire.Unmarshal(data, &resp); err != nil {
		return nil, errors.Wrap(err, "decoding file list")
	}
	return wire.Entries(resp.Files)
}

// Have implements rssync.Peer.
func (s *Source) Have(ctx context.Context, ds []rssync.Digest) (map[rssync.Digest]bool, error) {
	if len(ds) == 0 {
		return map[rssync.Digest]bool{}, nil
	}
	reqBody, err := wire.Marshal(wire.NewDigestsRequest(ds))
	if err != nil {
		return nil, err
	}
	data, err := s.do(ctx, http.MethodPost, s.endpoint("have"), reqBody)
	if err != nil {
		return nil, err
	}
	var resp wire.HaveResponse
	if err = wire.Unmarshal(data, &resp); err != nil {
		return nil, errors.Wrap(err, "decoding have response")
	}
	return wire.HaveMap(ds, &resp)
}

func (s *Source) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.fetchTimeout > 0 {
		return context.WithTimeout(ctx, s.fetchTimeout)
	}
	return context.WithCancel(ctx)
}

// Block implements rssync.Source.
func (s *Source) Block(ctx context.Context, d rssync.Digest) ([]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := s.do(ctx, http.MethodGet, s.endpoint("blocks", d.String()), nil)
	if err != nil {
		return nil, err
	}
	if rssync.DigestOf(data) != d {
		return nil, errors.Wrapf(rssync.ErrCorrupt, "block %s has the wrong content", d)
	}
	return data, nil
}

// Blocks implements rssync.MultiGetter.
func (s *Source) Blocks(ctx context.Context, ds []rssync.Digest) (map[rssync.Digest][]byte, error) {
	if len(ds) == 0 {
		return map[rssync.Digest][]byte{}, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	reqBody, err := wire.Marshal(wire.NewDigestsRequest(ds))
	if err != nil {
		return nil, err
	}
	data, err := s.do(ctx, http.MethodPost, s.endpoint("blocks"), reqBody)
	if err != nil {
		return nil, err
	}
	var resp wire.BlocksResponse
	if err = wire.Unmarshal(data, &resp); err != nil {
		return nil, errors.Wrap(err, "decoding blocks")
	}
	m, err := wire.ToBlocks(resp.Blocks)
	if err != nil {
		return nil, err
	}

	var errmap rssync.MultiErr
	for _, d := range ds {
		if _, ok := m[d]; !ok {
			if errmap == nil {
				errmap = make(rssync.MultiErr)
			}
			errmap[d] = errors.Wrapf(rssync.ErrNotFound, "block %s", d)
		}
	}
	if errmap != nil {
		return m, errmap
	}
	return m, nil
}

// Close implements rssync.Peer.
func (s *Source) Close() error {
	s.hc.CloseIdleConnections()
	return nil
}

func init() {
	transport.RegisterSource(location.HTTP, func(_ context.Context, loc location.Location, conf *transport.Config) (rssync.Source, error) {
		hc := &http.Client{Timeout: conf.HTTP.Timeout}
		return NewSource(loc.URL, hc, conf.FetchTimeout), nil
	})
}
