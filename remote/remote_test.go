package remote

import (
	"context"
	stderrs "errors"
	"io"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/bobg/rssync"
	"github.com/bobg/rssync/dsync"
	"github.com/bobg/rssync/mem"
	"github.com/bobg/rssync/testutil"
)

func withClient(ctx context.Context, t *testing.T, srv *Server, fn func(*Client), opts ...ClientOption) {
	t.Helper()

	grpcSrv := grpc.NewServer(ServerOptions()...)
	Register(grpcSrv, srv)
	defer grpcSrv.Stop()

	l := bufconn.Listen(1 << 20)
	go grpcSrv.Serve(l)

	dialOpts := append(DialOptions(),
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			return l.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	cc, err := grpc.NewClient("passthrough:///bufnet", dialOpts...)
	if err != nil {
		t.Fatal(err)
	}
	defer cc.Close()

	fn(NewClient(cc, opts...))
}

func TestSource(t *testing.T) {
	var (
		ctx  = context.Background()
		tree = mem.New()
		e    = tree.AddFile("a/b", []byte("hello, world"))
	)
	tree.AddFile("c", nil)

	withClient(ctx, t, NewSourceServer(tree), func(c *Client) {
		files, err := c.Files(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(files) != 2 || files[0].Path != "a/b" || !files[0].SameContent(e) {
			t.Errorf("got %v", files)
		}

		absent := rssync.DigestOf([]byte("absent"))
		have, err := c.Have(ctx, []rssync.Digest{e.Digests[0], absent})
		if err != nil {
			t.Fatal(err)
		}
		if !have[e.Digests[0]] || have[absent] {
			t.Errorf("got %v", have)
		}

		b, err := c.Block(ctx, e.Digests[0])
		if err != nil {
			t.Fatal(err)
		}
		if string(b) != "hello, world" {
			t.Errorf("got %q", b)
		}

		_, err = c.Block(ctx, absent)
		if !stderrs.Is(err, rssync.ErrNotFound) {
			t.Errorf("got %v, want ErrNotFound", err)
		}

		// A source refuses writes.
		err = c.Remove(ctx, "a/b")
		if !stderrs.Is(err, rssync.ErrReadOnly) {
			t.Errorf("got %v, want ErrReadOnly", err)
		}
	})
}

func TestFetchTimeout(t *testing.T) {
	var (
		ctx  = context.Background()
		tree = mem.New()
		e    = tree.AddFile("f", []byte("slow"))
	)
	tree.FailBlock = func(rssync.Digest) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}

	withClient(ctx, t, NewSourceServer(tree), func(c *Client) {
		_, err := c.Block(ctx, e.Digests[0])
		if !stderrs.Is(err, rssync.ErrTimeout) {
			t.Errorf("got %v, want ErrTimeout", err)
		}
		if !rssync.Retryable(err) {
			t.Error("timeout is not retryable")
		}
	}, FetchTimeout(10*time.Millisecond))
}

func TestSink(t *testing.T) {
	var (
		ctx = context.Background()
		src = mem.New()
		dst = mem.New()
	)
	for i := 0; i < 20; i++ {
		src.AddFile(string(rune('a'+i)), make([]byte, 70000+i))
	}
	dst.AddFile("stale", []byte("stale"))

	withClient(ctx, t, NewSinkServer(dst), func(c *Client) {
		stats, err := dsync.Run(ctx, src, c)
		if err != nil {
			t.Fatal(err)
		}
		if stats.Written != 20 || stats.Removed != 1 {
			t.Errorf("got %s", stats)
		}

		stats, err = dsync.Run(ctx, src, c)
		if err != nil {
			t.Fatal(err)
		}
		if stats.Written != 0 || stats.BlocksFetched != 0 {
			t.Errorf("second sync: %s", stats)
		}

		// A sink is not a block source.
		_, err = c.Block(ctx, rssync.DigestOf(nil))
		if !stderrs.Is(err, rssync.ErrUnsupported) {
			t.Errorf("got %v, want ErrUnsupported", err)
		}
	})

	for i := 0; i < 20; i++ {
		name := string(rune('a' + i))
		want, _ := src.Contents(name)
		got, ok := dst.Contents(name)
		if !ok || string(got) != string(want) {
			t.Errorf("%s differs", name)
		}
	}
	if _, ok := dst.Contents("stale"); ok {
		t.Error("stale not removed")
	}
	if dst.Commits() != 2 {
		t.Errorf("got %d commits, want 2", dst.Commits())
	}
}

func TestServeConn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		tree   = mem.New()
		r1, w1 = io.Pipe()
		r2, w2 = io.Pipe()
		server = NewStreamConn(r1, w2)
		client = NewStreamConn(r2, w1)
	)
	tree.AddFile("x", []byte("over a pipe"))

	served := make(chan error, 1)
	go func() {
		served <- ServeConn(ctx, NewSourceServer(tree), server)
	}()

	cc, err := DialConn(client)
	if err != nil {
		t.Fatal(err)
	}
	c := NewClient(cc, OnClose(cc.Close))

	files, err := c.Files(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Path != "x" {
		t.Errorf("got %v", files)
	}
	if err = c.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-served:
		if err != nil {
			t.Errorf("got %v from ServeConn", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("ServeConn did not return after the client closed")
	}
}

func TestConformance(t *testing.T) {
	ctx := context.Background()

	t.Run("source", func(t *testing.T) {
		var (
			tree = mem.New()
			want = map[string][]byte{"x": []byte("x"), "y/z": make([]byte, 90000)}
		)
		for p, data := range want {
			tree.AddFile(p, data)
		}
		withClient(ctx, t, NewSourceServer(tree), func(c *Client) {
			testutil.Source(ctx, t, c, want)
		})
	})

	t.Run("sink", func(t *testing.T) {
		tree := mem.New()
		withClient(ctx, t, NewSinkServer(tree), func(c *Client) {
			testutil.Sink(ctx, t, c)
		})
		if tree.Commits() != 1 {
			t.Errorf("got %d commits, want 1", tree.Commits())
		}
	})
}
