package rssync

import "context"

// Peer is what a Source and a Sink have in common.
type Peer interface {
	// Files lists the indexed files, in path order.
	Files(context.Context) ([]FileEntry, error)

	// Have tells which of the given digests the peer's block store holds.
	// A digest counts no matter which file cites it.
	Have(context.Context, []Digest) (map[Digest]bool, error)

	Close() error
}

// Source is the read-only side of a sync.
type Source interface {
	Peer

	// Block gets the bytes for a digest.
	// It returns ErrNotFound if the source does not hold it.
	Block(context.Context, Digest) ([]byte, error)
}

// MultiGetter is a Source that can fetch many blocks in one round trip.
type MultiGetter interface {
	Blocks(context.Context, []Digest) (map[Digest][]byte, error)
}

// Sink is the writing side of a sync.
// Changes are not durable until Commit.
type Sink interface {
	Peer

	// WriteFile materializes a file from its digest sequence.
	// Each digest is resolved from fetched
	// or else from the sink's own block store.
	// Blocks are written strictly in order
	// and the result is truncated to e.Size.
	// On error the sink's previous entry for e.Path is left in place.
	WriteFile(ctx context.Context, e FileEntry, fetched map[Digest][]byte) error

	// Remove deletes a path and its index entry.
	Remove(ctx context.Context, path string) error

	// Commit makes all changes since the sink was opened durable.
	Commit(context.Context) error
}
