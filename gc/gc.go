// Package gc checks an index's block reference counts against its file entries
// and collects blocks that nothing references.
package gc

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/rssync"
)

// Store is what gc needs from an index transaction.
// It is satisfied by *index.Tx.
type Store interface {
	Lister
	ForBlocks(context.Context, func(rssync.Digest, int64) error) error
	DeleteBlock(context.Context, rssync.Digest) error
	SetRefcount(context.Context, rssync.Digest, int64) error
}

// Report describes the discrepancies found by Check.
type Report struct {
	Blocks int

	// Orphans are blocks no file entry cites.
	Orphans []rssync.Digest

	// Miscounted maps blocks to their correct reference counts,
	// where the stored count differs.
	Miscounted map[rssync.Digest]int64

	// Missing are digests cited by file entries but absent from the block store.
	Missing []rssync.Digest
}

// OK tells whether the report found nothing wrong.
func (r *Report) OK() bool {
	return len(r.Orphans) == 0 && len(r.Miscounted) == 0 && len(r.Missing) == 0
}

func (r *Report) String() string {
	return fmt.Sprintf("%d blocks, %d orphaned, %d miscounted, %d missing", r.Blocks, len(r.Orphans), len(r.Miscounted), len(r.Missing))
}

// Check compares s's stored reference counts with those implied by its file entries.
// If anything is wrong the error wraps rssync.ErrCorrupt.
func Check(ctx context.Context, s Store) (*Report, error) {
	k, err := Protect(ctx, s)
	if err != nil {
		return nil, err
	}

	r := &Report{Miscounted: make(map[rssync.Digest]int64)}
	seen := make(map[rssync.Digest]bool)

	err = s.ForBlocks(ctx, func(d rssync.Digest, refcount int64) error {
		r.Blocks++
		seen[d] = true
		want := k[d]
		if want == 0 {
			r.Orphans = append(r.Orphans, d)
		} else if want != refcount {
			r.Miscounted[d] = want
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing blocks")
	}

	for d := range k {
		if !seen[d] {
			r.Missing = append(r.Missing, d)
		}
	}
	sort.Slice(r.Missing, func(i, j int) bool { return r.Missing[i].Less(r.Missing[j]) })

	if !r.OK() {
		return r, errors.Wrap(rssync.ErrCorrupt, r.String())
	}
	return r, nil
}

// Run deletes orphaned blocks and corrects miscounted ones.
// Missing blocks cannot be repaired;
// if there are any, the error wraps rssync.ErrCorrupt.
func Run(ctx context.Context, s Store) (*Report, error) {
	r, err := Check(ctx, s)
	if err != nil && r == nil {
		return nil, err
	}

	for _, d := range r.Orphans {
		if err := s.DeleteBlock(ctx, d); err != nil {
			return r, err
		}
	}
	for d, n := range r.Miscounted {
		if err := s.SetRefcount(ctx, d, n); err != nil {
			return r, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"deleted":   len(r.Orphans),
		"recounted": len(r.Miscounted),
	}).Info("garbage collected")

	if len(r.Missing) > 0 {
		return r, errors.Wrapf(rssync.ErrCorrupt, "%d blocks missing", len(r.Missing))
	}
	return r, nil
}
