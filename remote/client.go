package remote

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"

	"github.com/bobg/rssync"
	"github.com/bobg/rssync/wire"
)

var (
	_ rssync.Source      = &Client{}
	_ rssync.MultiGetter = &Client{}
	_ rssync.Sink        = &Client{}
)

// maxPutBytes bounds the block data in one PutBlocks request.
const maxPutBytes = 8 << 20

// Client is a Source and a Sink served by a remote Server.
// Which operations succeed depends on what the server serves.
type Client struct {
	cc           grpc.ClientConnInterface
	fetchTimeout time.Duration
	onClose      func() error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// FetchTimeout bounds each block fetch.
// A fetch that exceeds it fails with rssync.ErrTimeout.
func FetchTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.fetchTimeout = d
	}
}

// OnClose sets a function for Close to call,
// e.g. to shut down the connection underlying cc.
func OnClose(f func() error) ClientOption {
	return func(c *Client) {
		c.onClose = f
	}
}

// NewClient produces a Client using cc,
// which should have been dialed with DialOptions.
func NewClient(cc grpc.ClientConnInterface, opts ...ClientOption) *Client {
	c := &Client{cc: cc}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	err := c.cc.Invoke(ctx, fullMethod(method), req, resp, grpc.CallContentSubtype(CodecName))
	return errors.Wrapf(fromStatus(err), "calling %s", method)
}

// Files implements rssync.Peer.
func (c *Client) Files(ctx context.Context) ([]rssync.FileEntry, error) {
	var resp wire.FilesResponse
	if err := c.invoke(ctx, "Files", &wire.Empty{}, &resp); err != nil {
		return nil, err
	}
	return wire.Entries(resp.Files)
}

// Have implements rssync.Peer.
func (c *Client) Have(ctx context.Context, ds []rssync.Digest) (map[rssync.Digest]bool, error) {
	if len(ds) == 0 {
		return map[rssync.Digest]bool{}, nil
	}
	var resp wire.HaveResponse
	if err := c.invoke(ctx, "Have", wire.NewDigestsRequest(ds), &resp); err != nil {
		return nil, err
	}
	return wire.HaveMap(ds, &resp)
}

// Block implements rssync.Source.
func (c *Client) Block(ctx context.Context, d rssync.Digest) ([]byte, error) {
	m, err := c.Blocks(ctx, []rssync.Digest{d})
	if err != nil {
		var merr rssync.MultiErr
		if errors.As(err, &merr) {
			return nil, merr[d]
		}
		return nil, err
	}
	return m[d], nil
}

// Blocks implements rssync.MultiGetter.
// Digests the server lacks are reported in an rssync.MultiErr.
func (c *Client) Blocks(ctx context.Context, ds []rssync.Digest) (map[rssync.Digest][]byte, error) {
	if len(ds) == 0 {
		return map[rssync.Digest][]byte{}, nil
	}
	if c.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.fetchTimeout)
		defer cancel()
	}

	var resp wire.BlocksResponse
	if err := c.invoke(ctx, "Blocks", wire.NewDigestsRequest(ds), &resp); err != nil {
		return nil, err
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

// WriteFile implements rssync.Sink.
// The blocks in fetched that e cites are staged at the server first,
// in requests of bounded size.
func (c *Client) WriteFile(ctx context.Context, e rssync.FileEntry, fetched map[rssync.Digest][]byte) error {
	var (
		batch []wire.Block
		size  int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := c.invoke(ctx, "PutBlocks", &wire.PutBlocksRequest{Blocks: batch}, &wire.Empty{})
		batch, size = nil, 0
		return err
	}
	for _, d := range e.Distinct() {
		data, ok := fetched[d]
		if !ok {
			continue
		}
		if size > 0 && size+len(data) > maxPutBytes {
			if err := flush(); err != nil {
				return err
			}
		}
		d := d
		batch = append(batch, wire.Block{Digest: d[:], Data: data})
		size += len(data)
	}
	if err := flush(); err != nil {
		return err
	}

	return c.invoke(ctx, "WriteFile", &wire.WriteFileRequest{File: wire.FromEntry(e)}, &wire.Empty{})
}

// Remove implements rssync.Sink.
func (c *Client) Remove(ctx context.Context, path string) error {
	return c.invoke(ctx, "Remove", &wire.RemoveRequest{Path: path}, &wire.Empty{})
}

// Commit implements rssync.Sink.
func (c *Client) Commit(ctx context.Context) error {
	return c.invoke(ctx, "Commit", &wire.Empty{}, &wire.Empty{})
}

// Close implements rssync.Peer.
func (c *Client) Close() error {
	if c.onClose != nil {
		return c.onClose()
	}
	return nil
}
