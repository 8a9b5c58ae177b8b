package rssync_test

import (
	"context"
	"errors"
	"testing"
	"testing/quick"

	. "github.com/bobg/rssync"
	"github.com/bobg/rssync/chunk"
	"github.com/bobg/rssync/mem"
)

// blockOnly hides a source's Blocks method,
// so GetBlocks falls back to individual Block calls.
type blockOnly struct {
	Source
}

func TestGetBlocks(t *testing.T) {
	ctx := context.Background()

	for _, multi := range []bool{false, true} {
		name := "single"
		if multi {
			name = "multi"
		}
		t.Run(name, func(t *testing.T) {
			err := quick.Check(func(yes, no []string) bool {
				var (
					tree          = mem.New()
					src    Source = tree
					want          = make(map[Digest][]byte)
					absent        = make(map[Digest]bool)
				)
				if !multi {
					src = blockOnly{Source: tree}
				}
				for i, s := range yes {
					e := tree.AddFile(string(rune('a'+i%26))+s, []byte(s))
					for j, b := range chunk.Split([]byte(s)) {
						want[e.Digests[j]] = b
					}
				}

				ds := make([]Digest, 0, len(want)+len(no))
				for d := range want {
					ds = append(ds, d)
				}
				got, err := GetBlocks(ctx, src, ds)
				if err != nil {
					t.Log(err)
					return false
				}
				if len(got) != len(want) {
					t.Logf("got %d blocks, want %d", len(got), len(want))
					return false
				}
				for d, b := range want {
					if string(got[d]) != string(b) {
						t.Logf("wrong data for %s", d)
						return false
					}
				}

				for _, s := range no {
					d := DigestOf([]byte("no:" + s))
					if _, ok := want[d]; ok {
						continue
					}
					absent[d] = true
					ds = append(ds, d)
				}
				if len(absent) == 0 {
					return true
				}

				got, err = GetBlocks(ctx, src, ds)
				var merr MultiErr
				if !errors.As(err, &merr) {
					t.Logf("got error %v, want MultiErr", err)
					return false
				}
				if len(merr) != len(absent) {
					t.Logf("got %d errors, want %d", len(merr), len(absent))
					return false
				}
				for d, e := range merr {
					if !absent[d] {
						t.Logf("unexpected error for %s", d)
						return false
					}
					if !errors.Is(e, ErrNotFound) {
						t.Logf("got %v for %s, want ErrNotFound", e, d)
						return false
					}
				}
				if !errors.Is(err, ErrNotFound) {
					t.Log("MultiErr does not unwrap to ErrNotFound")
					return false
				}
				return len(got) == len(want)
			}, nil)
			if err != nil {
				t.Error(err)
			}
		})
	}
}
