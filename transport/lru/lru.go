// Package lru implements a Source that caches the blocks of a nested Source
// in memory, evicting the least recently used.
package lru

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/bobg/rssync"
)

var (
	_ rssync.Source      = &Source{}
	_ rssync.MultiGetter = &Source{}
)

// Source is a caching wrapper around another Source.
// Files and Have are not cached.
type Source struct {
	c *lru.Cache // Digest->[]byte
	s rssync.Source
}

// New produces a new Source backed by s and caching up to size blocks.
func New(s rssync.Source, size int) (*Source, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "creating cache")
	}
	return &Source{s: s, c: c}, nil
}

// Files implements rssync.Peer.
func (s *Source) Files(ctx context.Context) ([]rssync.FileEntry, error) {
	return s.s.Files(ctx)
}

// Have implements rssync.Peer.
func (s *Source) Have(ctx context.Context, ds []rssync.Digest) (map[rssync.Digest]bool, error) {
	return s.s.Have(ctx, ds)
}

// Block gets the block with digest d.
func (s *Source) Block(ctx context.Context, d rssync.Digest) ([]byte, error) {
	if got, ok := s.c.Get(d); ok {
		return got.([]byte), nil
	}
	b, err := s.s.Block(ctx, d)
	if err != nil {
		return nil, err
	}
	s.c.Add(d, b)
	return b, nil
}

// Blocks implements rssync.MultiGetter.
// Only the digests not in the cache are requested from the nested Source.
func (s *Source) Blocks(ctx context.Context, ds []rssync.Digest) (map[rssync.Digest][]byte, error) {
	var (
		res  = make(map[rssync.Digest][]byte, len(ds))
		miss []rssync.Digest
	)
	for _, d := range ds {
		if got, ok := s.c.Get(d); ok {
			res[d] = got.([]byte)
		} else {
			miss = append(miss, d)
		}
	}
	if len(miss) == 0 {
		return res, nil
	}

	got, err := rssync.GetBlocks(ctx, s.s, miss)
	for d, b := range got {
		s.c.Add(d, b)
		res[d] = b
	}
	return res, err
}

// Len is the number of blocks in the cache.
func (s *Source) Len() int {
	return s.c.Len()
}

// Close implements rssync.Peer.
func (s *Source) Close() error {
	s.c.Purge()
	return s.s.Close()
}
