package testutil

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/bobg/rssync"
	"github.com/bobg/rssync/chunk"
)

// Entry chunks data into a file entry and its blocks.
func Entry(path string, data []byte, mtime time.Time) (rssync.FileEntry, map[rssync.Digest][]byte) {
	e := rssync.FileEntry{
		Path:     path,
		Size:     int64(len(data)),
		ModTime:  mtime,
		Checksum: rssync.ChecksumOf(data),
	}
	blocks := make(map[rssync.Digest][]byte)
	for _, c := range chunk.Split(data) {
		d := rssync.DigestOf(c)
		e.Digests = append(e.Digests, d)
		blocks[d] = c
	}
	return e, blocks
}

// Sink writes, rewrites, and removes files in sink, which must start out empty,
// checking what it reports along the way.
// It leaves sink holding a single file, "dir/copy",
// and returns that file's contents.
// The sink is committed.
func Sink(ctx context.Context, t *testing.T, sink rssync.Sink) []byte {
	t.Helper()

	var (
		r     = rand.New(rand.NewSource(1))
		data  = make([]byte, 300000)
		mtime = time.Unix(1700000000, 0)
	)
	r.Read(data)

	e, blocks := Entry("orig", data, mtime)
	if err := sink.WriteFile(ctx, e, blocks); err != nil {
		t.Fatal(err)
	}
	checkPaths(ctx, t, sink, "orig")

	have, err := sink.Have(ctx, e.Distinct())
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range e.Distinct() {
		if !have[d] {
			t.Fatalf("sink lacks block %s after writing it", d)
		}
	}

	// A second copy needs no blocks at all.
	e2 := e
	e2.Path = "dir/copy"
	if err = sink.WriteFile(ctx, e2, nil); err != nil {
		t.Fatal(err)
	}
	checkPaths(ctx, t, sink, "dir/copy", "orig")

	// Appending needs only the changed tail.
	appended := append(append([]byte(nil), data...), "appended"...)
	e3, blocks3 := Entry("orig", appended, mtime)
	fetched := make(map[rssync.Digest][]byte)
	for d, b := range blocks3 {
		if !have[d] {
			fetched[d] = b
		}
	}
	if err = sink.WriteFile(ctx, e3, fetched); err != nil {
		t.Fatal(err)
	}

	// A write missing a block fails and leaves the old entry.
	e4, _ := Entry("orig", []byte("unsent"), mtime)
	if err = sink.WriteFile(ctx, e4, nil); err == nil {
		t.Error("WriteFile succeeded without its block")
	}
	files, err := sink.Files(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		if f.Path == "orig" && !f.SameContent(e3) {
			t.Error("failed write replaced the old entry")
		}
	}

	if err = sink.Remove(ctx, "orig"); err != nil {
		t.Fatal(err)
	}
	checkPaths(ctx, t, sink, "dir/copy")

	if err = sink.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	return data
}

func checkPaths(ctx context.Context, t *testing.T, sink rssync.Sink, want ...string) {
	t.Helper()
	files, err := sink.Files(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != len(want) {
		t.Fatalf("sink has %d files, want %d", len(files), len(want))
	}
	for i, e := range files {
		if e.Path != want[i] {
			t.Errorf("file %d is %s, want %s", i, e.Path, want[i])
		}
	}
}
