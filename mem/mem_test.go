package mem

import (
	"context"
	"testing"

	"github.com/bobg/rssync/testutil"
)

func TestSource(t *testing.T) {
	var (
		ctx  = context.Background()
		tree = New()
		want = map[string][]byte{
			"a":     []byte("alpha"),
			"b/c":   make([]byte, 100000),
			"empty": nil,
		}
	)
	for p, data := range want {
		tree.AddFile(p, data)
	}
	testutil.Source(ctx, t, tree, want)
}

func TestSink(t *testing.T) {
	var (
		ctx  = context.Background()
		tree = New()
	)
	data := testutil.Sink(ctx, t, tree)

	got, ok := tree.Contents("dir/copy")
	if !ok || string(got) != string(data) {
		t.Error("dir/copy has the wrong contents")
	}
	if tree.Commits() != 1 {
		t.Errorf("got %d commits, want 1", tree.Commits())
	}
}
