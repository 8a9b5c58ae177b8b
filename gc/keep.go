package gc

import (
	"context"

	"github.com/pkg/errors"

	"github.com/bobg/rssync"
)

// Keep is the set of digests to protect from garbage collection,
// each with the number of file entries citing it.
type Keep map[rssync.Digest]int64

// Add adds the distinct digests of a file entry to the Keep.
func (k Keep) Add(e rssync.FileEntry) {
	for _, d := range e.Distinct() {
		k[d]++
	}
}

// Contains tells whether a digest is in the Keep.
func (k Keep) Contains(d rssync.Digest) bool {
	return k[d] > 0
}

// Lister is anything that can enumerate file entries.
type Lister interface {
	Files(context.Context) ([]rssync.FileEntry, error)
}

// Protect builds a Keep from every file entry l lists.
func Protect(ctx context.Context, l Lister) (Keep, error) {
	files, err := l.Files(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing files")
	}
	k := make(Keep)
	for _, e := range files {
		k.Add(e)
	}
	return k, nil
}
