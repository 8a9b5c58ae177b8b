package remote

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// StreamConn joins a reader and a writer into a net.Conn,
// so gRPC can run over a pipe such as a process's stdio or an SSH session.
// Deadlines are not supported and are ignored.
type StreamConn struct {
	r io.Reader
	w io.Writer
	c []io.Closer

	once sync.Once
	done chan struct{}
}

var _ net.Conn = &StreamConn{}

// NewStreamConn produces a StreamConn.
// Closing it closes whichever of r and w are io.Closers.
func NewStreamConn(r io.Reader, w io.Writer) *StreamConn {
	s := &StreamConn{r: r, w: w, done: make(chan struct{})}
	if c, ok := w.(io.Closer); ok {
		s.c = append(s.c, c)
	}
	if c, ok := r.(io.Closer); ok {
		s.c = append(s.c, c)
	}
	return s
}

func (s *StreamConn) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *StreamConn) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *StreamConn) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		for _, c := range s.c {
			if err2 := c.Close(); err == nil {
				err = err2
			}
		}
	})
	return err
}

// Done is closed when s is.
func (s *StreamConn) Done() <-chan struct{} {
	return s.done
}

func (s *StreamConn) LocalAddr() net.Addr              { return streamAddr{} }
func (s *StreamConn) RemoteAddr() net.Addr             { return streamAddr{} }
func (s *StreamConn) SetDeadline(time.Time) error      { return nil }
func (s *StreamConn) SetReadDeadline(time.Time) error  { return nil }
func (s *StreamConn) SetWriteDeadline(time.Time) error { return nil }

type streamAddr struct{}

func (streamAddr) Network() string { return "stream" }
func (streamAddr) String() string  { return "stream" }

// oneConnListener yields a single connection,
// then reports itself closed once that connection is.
type oneConnListener struct {
	conn *StreamConn
	once sync.Once
	used chan struct{}
}

func (l *oneConnListener) Accept() (net.Conn, error) {
	select {
	case <-l.used:
		<-l.conn.Done()
		return nil, net.ErrClosed
	default:
	}
	var conn net.Conn
	l.once.Do(func() {
		close(l.used)
		conn = l.conn
	})
	if conn == nil {
		<-l.conn.Done()
		return nil, net.ErrClosed
	}
	return conn, nil
}

func (l *oneConnListener) Close() error   { return nil }
func (l *oneConnListener) Addr() net.Addr { return streamAddr{} }

// ServeConn serves srv on conn until the connection ends or ctx is canceled.
func ServeConn(ctx context.Context, srv *Server, conn *StreamConn) error {
	s := grpc.NewServer(ServerOptions()...)
	Register(s, srv)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-conn.Done():
		}
	}()

	err := s.Serve(&oneConnListener{conn: conn, used: make(chan struct{})})
	if errors.Is(err, net.ErrClosed) || errors.Is(err, grpc.ErrServerStopped) {
		return ctx.Err()
	}
	return err
}

// DialConn makes a client connection that runs over conn.
func DialConn(conn net.Conn, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	var once sync.Once
	dialer := func(context.Context, string) (net.Conn, error) {
		var c net.Conn
		once.Do(func() { c = conn })
		if c == nil {
			return nil, errors.New("stream connection already used")
		}
		return c, nil
	}
	opts = append(DialOptions(), opts...)
	opts = append(opts, grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	cc, err := grpc.NewClient("passthrough:///rssync", opts...)
	return cc, errors.Wrap(err, "creating gRPC client")
}
