package remote

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/rssync"
	"github.com/bobg/rssync/wire"
)

var _ peerServer = &Server{}

// Server exposes a local peer over gRPC.
type Server struct {
	ctx  context.Context
	open func(context.Context) (rssync.Peer, error)

	once    sync.Once
	openErr error
	peer    rssync.Peer
	src     rssync.Source // nil unless serving a source
	sink    rssync.Sink   // nil unless serving a sink

	// Blocks sent by PutBlocks and not yet used by WriteFile.
	mu     sync.Mutex
	staged map[rssync.Digest][]byte
}

// NewSourceServer serves src.
func NewSourceServer(src rssync.Source) *Server {
	return LazySourceServer(context.Background(), func(context.Context) (rssync.Source, error) {
		return src, nil
	})
}

// NewSinkServer serves sink.
func NewSinkServer(sink rssync.Sink) *Server {
	return LazySinkServer(context.Background(), func(context.Context) (rssync.Sink, error) {
		return sink, nil
	})
}

// LazySourceServer serves the source produced by open,
// which is called with ctx when the first request arrives.
// Indexing a large tree can take a while,
// and this lets the connection come up first.
func LazySourceServer(ctx context.Context, open func(context.Context) (rssync.Source, error)) *Server {
	s := &Server{ctx: ctx}
	s.open = func(ctx context.Context) (rssync.Peer, error) {
		src, err := open(ctx)
		if err != nil {
			return nil, err
		}
		s.src = src
		return src, nil
	}
	return s
}

// LazySinkServer is like LazySourceServer for a sink.
func LazySinkServer(ctx context.Context, open func(context.Context) (rssync.Sink, error)) *Server {
	s := &Server{
		ctx:    ctx,
		staged: make(map[rssync.Digest][]byte),
	}
	s.open = func(ctx context.Context) (rssync.Peer, error) {
		sink, err := open(ctx)
		if err != nil {
			return nil, err
		}
		s.sink = sink
		return sink, nil
	}
	return s
}

// get opens the peer if it is not open yet.
func (s *Server) get() error {
	s.once.Do(func() {
		s.peer, s.openErr = s.open(s.ctx)
		if s.openErr != nil {
			logrus.WithError(s.openErr).Error("opening peer")
		}
	})
	return toStatus(s.openErr)
}

// Close closes the peer, if it was opened.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		s.openErr = errors.New("server closed")
	})
	if s.peer != nil {
		err = s.peer.Close()
	}
	return err
}

func (s *Server) Files(ctx context.Context, _ *wire.Empty) (*wire.FilesResponse, error) {
	if err := s.get(); err != nil {
		return nil, err
	}
	files, err := s.peer.Files(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &wire.FilesResponse{Files: wire.FromEntries(files)}, nil
}

func (s *Server) Have(ctx context.Context, req *wire.DigestsRequest) (*wire.HaveResponse, error) {
	if err := s.get(); err != nil {
		return nil, err
	}
	ds, err := rssync.DecodeDigests(req.Digests)
	if err != nil {
		return nil, toStatus(err)
	}
	m, err := s.peer.Have(ctx, ds)
	if err != nil {
		return nil, toStatus(err)
	}
	return wire.HaveList(ds, m), nil
}

// Blocks returns the requested blocks the source holds.
// Missing ones are left out of the response
// unless the failure is something other than ErrNotFound.
func (s *Server) Blocks(ctx context.Context, req *wire.DigestsRequest) (*wire.BlocksResponse, error) {
	if err := s.get(); err != nil {
		return nil, err
	}
	if s.src == nil {
		return nil, toStatus(errors.Wrap(rssync.ErrUnsupported, "not a source"))
	}
	ds, err := rssync.DecodeDigests(req.Digests)
	if err != nil {
		return nil, toStatus(err)
	}
	m, err := rssync.GetBlocks(ctx, s.src, ds)
	if err != nil {
		var merr rssync.MultiErr
		if !errors.As(err, &merr) {
			return nil, toStatus(err)
		}
		for _, e := range merr {
			if !errors.Is(e, rssync.ErrNotFound) {
				return nil, toStatus(e)
			}
		}
	}
	return &wire.BlocksResponse{Blocks: wire.FromBlocks(ds, m)}, nil
}

func (s *Server) PutBlocks(_ context.Context, req *wire.PutBlocksRequest) (*wire.Empty, error) {
	if err := s.get(); err != nil {
		return nil, err
	}
	if s.sink == nil {
		return nil, toStatus(errors.Wrap(rssync.ErrReadOnly, "not a sink"))
	}
	m, err := wire.ToBlocks(req.Blocks)
	if err != nil {
		return nil, toStatus(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for d, b := range m {
		s.staged[d] = b
	}
	return &wire.Empty{}, nil
}

// WriteFile writes a file from staged blocks and the sink's own.
// Staged blocks it used are dropped on success,
// since the sink then holds them itself.
func (s *Server) WriteFile(ctx context.Context, req *wire.WriteFileRequest) (*wire.Empty, error) {
	if err := s.get(); err != nil {
		return nil, err
	}
	if s.sink == nil {
		return nil, toStatus(errors.Wrap(rssync.ErrReadOnly, "not a sink"))
	}
	e, err := req.File.Entry()
	if err != nil {
		return nil, toStatus(err)
	}

	fetched := make(map[rssync.Digest][]byte)
	s.mu.Lock()
	for _, d := range e.Digests {
		if b, ok := s.staged[d]; ok {
			fetched[d] = b
		}
	}
	s.mu.Unlock()

	if err = s.sink.WriteFile(ctx, e, fetched); err != nil {
		return nil, toStatus(err)
	}

	s.mu.Lock()
	for d := range fetched {
		delete(s.staged, d)
	}
	s.mu.Unlock()

	return &wire.Empty{}, nil
}

func (s *Server) Remove(ctx context.Context, req *wire.RemoveRequest) (*wire.Empty, error) {
	if err := s.get(); err != nil {
		return nil, err
	}
	if s.sink == nil {
		return nil, toStatus(errors.Wrap(rssync.ErrReadOnly, "not a sink"))
	}
	return &wire.Empty{}, toStatus(s.sink.Remove(ctx, req.Path))
}

func (s *Server) Commit(ctx context.Context, _ *wire.Empty) (*wire.Empty, error) {
	if err := s.get(); err != nil {
		return nil, err
	}
	if s.sink == nil {
		return nil, toStatus(errors.Wrap(rssync.ErrReadOnly, "not a sink"))
	}
	s.mu.Lock()
	if n := len(s.staged); n > 0 {
		logrus.WithField("blocks", n).Debug("discarding unused staged blocks")
	}
	s.staged = make(map[rssync.Digest][]byte)
	s.mu.Unlock()

	return &wire.Empty{}, toStatus(s.sink.Commit(ctx))
}
