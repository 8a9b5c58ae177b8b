package dsync

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/rssync"
)

// retryDelay is the pause before the first retry.
// Each further retry doubles it.
var retryDelay = 100 * time.Millisecond

// fetch gets every digest in ds from src.
// Digests whose fetch timed out are requested again,
// up to retries more times.
// Every block is checked against its digest.
func fetch(ctx context.Context, src rssync.Source, ds []rssync.Digest, retries int) (map[rssync.Digest][]byte, error) {
	var (
		out     = make(map[rssync.Digest][]byte, len(ds))
		pending = ds
		delay   = retryDelay
	)
	for attempt := 0; ; attempt++ {
		got, err := rssync.GetBlocks(ctx, src, pending)
		for d, b := range got {
			if rssync.DigestOf(b) != d {
				return nil, errors.Wrapf(rssync.ErrCorrupt, "block %s from source has the wrong digest", d)
			}
			out[d] = b
		}

		var next []rssync.Digest
		for _, d := range pending {
			if _, ok := out[d]; !ok {
				next = append(next, d)
			}
		}
		if len(next) == 0 {
			return out, nil
		}
		if err == nil {
			return nil, errors.Wrapf(rssync.ErrNotFound, "source omitted %d block(s)", len(next))
		}
		if !rssync.Retryable(err) || attempt >= retries {
			return nil, errors.Wrap(err, "fetching blocks")
		}

		logrus.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"blocks":  len(next),
		}).Warn("retrying block fetch")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		pending = next
	}
}
