package rssync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// MaxConcurrentGets limits the goroutines GetBlocks starts
// when the source has no batch fetch of its own.
const MaxConcurrentGets = 16

// GetBlocks gets multiple blocks with a single call.
// By default this is implemented as a bunch of concurrent individual Block calls.
// However, if src implements MultiGetter, its Blocks method is used instead.
// The return value maps input digests to the blocks that were found in src.
// The returned error may be a MultiErr,
// mapping input digests to errors encountered retrieving those specific blocks.
// This function may return a successful partial result even in case of error.
func GetBlocks(ctx context.Context, src Source, digests []Digest) (map[Digest][]byte, error) {
	if len(digests) == 0 {
		return map[Digest][]byte{}, nil
	}
	if m, ok := src.(MultiGetter); ok {
		return m.Blocks(ctx, digests)
	}

	var (
		mu     sync.Mutex
		res    = make(map[Digest][]byte)
		errmap MultiErr
	)

	var eg errgroup.Group
	eg.SetLimit(MaxConcurrentGets)

	for _, d := range digests {
		d := d
		eg.Go(func() error {
			blob, err := src.Block(ctx, d)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				if errmap == nil {
					errmap = make(MultiErr)
				}
				errmap[d] = err
				return nil
			}
			res[d] = blob
			return nil
		})
	}
	_ = eg.Wait()

	if errmap != nil {
		return res, errmap
	}
	return res, nil
}

// MultiErr is a type of error returned by GetBlocks.
// It maps individual digests to errors encountered trying to get them.
type MultiErr map[Digest]error

// Error implements the error interface.
func (e MultiErr) Error() string {
	var strs []string
	for d, err := range e {
		strs = append(strs, fmt.Sprintf("%s: %s", d, err))
	}
	sort.Strings(strs)
	return "error(s): " + strings.Join(strs, "; ")
}

// Unwrap lets errors.Is and errors.As see the individual errors.
func (e MultiErr) Unwrap() []error {
	out := make([]error, 0, len(e))
	for _, err := range e {
		out = append(out, err)
	}
	return out
}
