// Package rssync is a deduplicating file synchronizer.
//
// A file tree is indexed by splitting each file into variable-length,
// content-defined chunks
// (see the chunk subpackage)
// and storing each distinct chunk once,
// keyed by its SHA2-256 hash,
// or _digest_.
// A file is then just an ordered list of digests.
//
// Because chunk boundaries depend only on local content,
// an edit to a file changes only the chunks near the edit,
// and identical runs of bytes in different files
// (or different versions of the same file)
// produce identical chunks.
//
// Replication runs between a Source and a Sink.
// The sink reports which digests it already holds,
// and only the missing ones travel.
// Sources and sinks exist for local directories
// (transport/local),
// remote hosts reached over SSH
// (transport/ssh)
// and, read-only,
// HTTP servers
// (transport/http).
// The dsync subpackage holds the replication algorithm.
//
// The index subpackage is the persistent store behind all of these:
// a single-writer,
// transactional map from paths to file entries
// and from digests to reference-counted blocks.
package rssync
