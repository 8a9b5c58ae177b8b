// Package testutil checks that Source and Sink implementations behave alike.
package testutil

import (
	"bytes"
	"context"
	stderrs "errors"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/rssync"
)

// Source checks that src serves exactly the files in want,
// mapping paths to contents.
func Source(ctx context.Context, t *testing.T, src rssync.Source, want map[string][]byte) {
	t.Helper()

	files, err := src.Files(ctx)
	if err != nil {
		t.Fatal(err)
	}

	var wantPaths, gotPaths []string
	for p := range want {
		wantPaths = append(wantPaths, p)
	}
	sort.Strings(wantPaths)
	for _, e := range files {
		gotPaths = append(gotPaths, e.Path)
	}
	if diff := cmp.Diff(wantPaths, gotPaths); diff != "" {
		t.Fatalf("file list mismatch (-want +got):\n%s", diff)
	}

	for _, e := range files {
		data := want[e.Path]
		if e.Size != int64(len(data)) {
			t.Errorf("%s: size %d, want %d", e.Path, e.Size, len(data))
		}
		if e.Checksum != rssync.ChecksumOf(data) {
			t.Errorf("%s: wrong checksum", e.Path)
		}

		have, err := src.Have(ctx, e.Distinct())
		if err != nil {
			t.Fatal(err)
		}
		for _, d := range e.Distinct() {
			if !have[d] {
				t.Errorf("%s: source lacks its own block %s", e.Path, d)
			}
		}

		blocks, err := rssync.GetBlocks(ctx, src, e.Distinct())
		if err != nil {
			t.Fatal(err)
		}
		var buf bytes.Buffer
		for _, d := range e.Digests {
			buf.Write(blocks[d])
		}
		if !bytes.Equal(buf.Bytes(), data) {
			t.Errorf("%s: blocks do not reassemble the file", e.Path)
		}
	}

	absent := rssync.DigestOf([]byte("testutil: no such block"))
	have, err := src.Have(ctx, []rssync.Digest{absent})
	if err != nil {
		t.Fatal(err)
	}
	if have[absent] {
		t.Error("source claims to have an absent block")
	}
	if _, err = src.Block(ctx, absent); !stderrs.Is(err, rssync.ErrNotFound) {
		t.Errorf("got %v for an absent block, want ErrNotFound", err)
	}
}
