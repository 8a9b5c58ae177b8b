package lru

import (
	"context"
	stderrs "errors"
	"testing"

	"github.com/bobg/rssync"
	"github.com/bobg/rssync/mem"
	"github.com/bobg/rssync/testutil"
)

func TestCache(t *testing.T) {
	var (
		ctx  = context.Background()
		tree = mem.New()
		a    = tree.AddFile("a", []byte("aaa"))
		b    = tree.AddFile("b", []byte("bbb"))
		c    = tree.AddFile("c", []byte("ccc"))
	)

	s, err := New(tree, 2)
	if err != nil {
		t.Fatal(err)
	}

	da, db, dc := a.Digests[0], b.Digests[0], c.Digests[0]

	if _, err = s.Block(ctx, da); err != nil {
		t.Fatal(err)
	}
	if _, err = s.Block(ctx, da); err != nil {
		t.Fatal(err)
	}
	if n := tree.Fetches(); n != 1 {
		t.Errorf("got %d fetches, want 1", n)
	}

	m, err := s.Blocks(ctx, []rssync.Digest{da, db})
	if err != nil {
		t.Fatal(err)
	}
	if string(m[da]) != "aaa" || string(m[db]) != "bbb" {
		t.Errorf("got %q", m)
	}
	if n := tree.Fetches(); n != 2 {
		t.Errorf("got %d fetches, want 2", n)
	}

	// Evicts a.
	if _, err = s.Block(ctx, dc); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 2 {
		t.Errorf("cache holds %d, want 2", s.Len())
	}
	if _, err = s.Block(ctx, da); err != nil {
		t.Fatal(err)
	}
	if n := tree.Fetches(); n != 4 {
		t.Errorf("got %d fetches, want 4", n)
	}

	absent := rssync.DigestOf([]byte("absent"))
	_, err = s.Blocks(ctx, []rssync.Digest{db, absent})
	if !stderrs.Is(err, rssync.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestConformance(t *testing.T) {
	var (
		ctx  = context.Background()
		tree = mem.New()
		want = map[string][]byte{"one": []byte("1"), "two": make([]byte, 70000)}
	)
	for p, data := range want {
		tree.AddFile(p, data)
	}
	s, err := New(tree, 16)
	if err != nil {
		t.Fatal(err)
	}
	testutil.Source(ctx, t, s, want)
	testutil.Source(ctx, t, s, want)
}
