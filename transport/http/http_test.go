package http

import (
	"context"
	stderrs "errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/bobg/rssync"
	"github.com/bobg/rssync/dsync"
	"github.com/bobg/rssync/mem"
	"github.com/bobg/rssync/testutil"
)

func withServer(t *testing.T, h http.Handler, base string, fn func(*Source)) {
	t.Helper()

	mux := http.NewServeMux()
	mux.Handle(base+"/", http.StripPrefix(base, h))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	u, err := url.Parse(srv.URL + base)
	if err != nil {
		t.Fatal(err)
	}
	s := NewSource(u, srv.Client(), time.Second)
	defer s.Close()
	fn(s)
}

func TestSource(t *testing.T) {
	var (
		ctx  = context.Background()
		tree = mem.New()
		e    = tree.AddFile("dir/f", []byte("served over http"))
	)

	for _, base := range []string{"", "/some/tree"} {
		t.Run("base="+base, func(t *testing.T) {
			withServer(t, NewHandler(tree), base, func(s *Source) {
				files, err := s.Files(ctx)
				if err != nil {
					t.Fatal(err)
				}
				if len(files) != 1 || !files[0].SameContent(e) {
					t.Errorf("got %v", files)
				}

				absent := rssync.DigestOf([]byte("absent"))
				have, err := s.Have(ctx, []rssync.Digest{e.Digests[0], absent})
				if err != nil {
					t.Fatal(err)
				}
				if !have[e.Digests[0]] || have[absent] {
					t.Errorf("got %v", have)
				}

				b, err := s.Block(ctx, e.Digests[0])
				if err != nil {
					t.Fatal(err)
				}
				if string(b) != "served over http" {
					t.Errorf("got %q", b)
				}
				if _, err = s.Block(ctx, absent); !stderrs.Is(err, rssync.ErrNotFound) {
					t.Errorf("got %v, want ErrNotFound", err)
				}

				m, err := s.Blocks(ctx, []rssync.Digest{e.Digests[0], absent})
				var merr rssync.MultiErr
				if !stderrs.As(err, &merr) || len(merr) != 1 || merr[absent] == nil {
					t.Errorf("got %v, want a MultiErr for the absent block", err)
				}
				if string(m[e.Digests[0]]) != "served over http" {
					t.Errorf("got %q from Blocks", m[e.Digests[0]])
				}
			})
		})
	}
}

func TestSync(t *testing.T) {
	var (
		ctx = context.Background()
		src = mem.New()
		dst = mem.New()
	)
	for i := 0; i < 10; i++ {
		src.AddFile(string(rune('a'+i)), make([]byte, 50000*i))
	}

	withServer(t, NewHandler(src), "", func(s *Source) {
		stats, err := dsync.Run(ctx, s, dst)
		if err != nil {
			t.Fatal(err)
		}
		if stats.Written != 10 {
			t.Errorf("got %s", stats)
		}
	})
	for i := 0; i < 10; i++ {
		name := string(rune('a' + i))
		got, ok := dst.Contents(name)
		if !ok || len(got) != 50000*i {
			t.Errorf("%s: got %d bytes", name, len(got))
		}
	}
}

func TestTimeout(t *testing.T) {
	var (
		ctx  = context.Background()
		tree = mem.New()
		e    = tree.AddFile("f", []byte("slow"))
	)
	tree.FailBlock = func(rssync.Digest) error {
		time.Sleep(300 * time.Millisecond)
		return nil
	}

	srv := httptest.NewServer(NewHandler(tree))
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	s := NewSource(u, srv.Client(), 20*time.Millisecond)

	_, err = s.Block(ctx, e.Digests[0])
	if !stderrs.Is(err, rssync.ErrTimeout) {
		t.Errorf("got %v, want ErrTimeout", err)
	}
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	srv.Close()

	s := NewSource(u, nil, time.Second)
	_, err = s.Files(context.Background())
	if !stderrs.Is(err, rssync.ErrTransport) {
		t.Errorf("got %v, want ErrTransport", err)
	}
}

func TestConformance(t *testing.T) {
	var (
		ctx  = context.Background()
		tree = mem.New()
		want = map[string][]byte{"p": []byte("p"), "q/r": make([]byte, 80000)}
	)
	for p, data := range want {
		tree.AddFile(p, data)
	}
	withServer(t, NewHandler(tree), "/base", func(s *Source) {
		testutil.Source(ctx, t, s, want)
	})
}
