package index

import (
	"context"
	"database/sql"
	stderrs "errors"
	"fmt"
	"time"

	"github.com/bobg/sqlutil"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/bobg/rssync"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use
// through EncodeAll and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("index: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("index: zstd decoder initialization failed: " + err.Error())
	}
}

// compress returns the stored form of a block
// and whether it is compressed.
// Incompressible blocks are stored as they are.
func compress(data []byte) ([]byte, bool) {
	c := zstdEncoder.EncodeAll(data, nil)
	if len(c) >= len(data) {
		return data, false
	}
	return c, true
}

func decompress(stored []byte, compressed bool, size int) ([]byte, error) {
	if !compressed {
		return stored, nil
	}
	out, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, size))
	if err != nil {
		return nil, errors.Wrap(rssync.ErrCorrupt, err.Error())
	}
	if len(out) != size {
		return nil, errors.Wrapf(rssync.ErrCorrupt, "block decompressed to %d bytes, want %d", len(out), size)
	}
	return out, nil
}

const fileCols = `id, path, size, mtime, checksum, digests`

func scanEntry(id int64, path string, size, mtime int64, checksum, digests []byte) (rssync.FileEntry, error) {
	ds, err := rssync.DecodeDigests(digests)
	if err != nil {
		return rssync.FileEntry{}, errors.Wrapf(err, "entry for %s", path)
	}
	return rssync.FileEntry{
		ID:       id,
		Path:     path,
		Size:     size,
		ModTime:  time.Unix(0, mtime),
		Checksum: rssync.ChecksumFromBytes(checksum),
		Digests:  ds,
	}, nil
}

func files(ctx context.Context, q querier) ([]rssync.FileEntry, error) {
	var out []rssync.FileEntry
	err := sqlutil.ForQueryRows(ctx, q, `SELECT `+fileCols+` FROM files ORDER BY path`, func(id int64, path string, size, mtime int64, checksum, digests []byte) error {
		e, err := scanEntry(id, path, size, mtime, checksum, digests)
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, errors.Wrap(classify(err), "listing files")
}

func lookupBy(ctx context.Context, q querier, col string, val interface{}) (rssync.FileEntry, bool, error) {
	var (
		id              int64
		path            string
		size, mtime     int64
		checksum, dlist []byte
	)
	query := fmt.Sprintf(`SELECT %s FROM files WHERE %s = $1`, fileCols, col)
	err := q.QueryRowContext(ctx, query, val).Scan(&id, &path, &size, &mtime, &checksum, &dlist)
	if stderrs.Is(err, sql.ErrNoRows) {
		return rssync.FileEntry{}, false, nil
	}
	if err != nil {
		return rssync.FileEntry{}, false, errors.Wrapf(classify(err), "looking up %s %v", col, val)
	}
	e, err := scanEntry(id, path, size, mtime, checksum, dlist)
	return e, err == nil, err
}

func lookup(ctx context.Context, q querier, path string) (rssync.FileEntry, bool, error) {
	return lookupBy(ctx, q, "path", path)
}

func block(ctx context.Context, q querier, d rssync.Digest) ([]byte, error) {
	const query = `SELECT size, compressed, data FROM blocks WHERE digest = $1`

	var (
		size       int
		compressed bool
		stored     []byte
	)
	err := q.QueryRowContext(ctx, query, d).Scan(&size, &compressed, &stored)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(rssync.ErrNotFound, "block %s", d)
	}
	if err != nil {
		return nil, errors.Wrapf(classify(err), "reading block %s", d)
	}
	data, err := decompress(stored, compressed, size)
	if err != nil {
		return nil, errors.Wrapf(err, "block %s", d)
	}
	if rssync.DigestOf(data) != d {
		return nil, errors.Wrapf(rssync.ErrCorrupt, "block %s has the wrong content", d)
	}
	return data, nil
}

func have(ctx context.Context, q querier, ds []rssync.Digest) (map[rssync.Digest]bool, error) {
	const query = `SELECT 1 FROM blocks WHERE digest = $1`

	out := make(map[rssync.Digest]bool, len(ds))
	for _, d := range ds {
		if _, ok := out[d]; ok {
			continue
		}
		var one int
		err := q.QueryRowContext(ctx, query, d).Scan(&one)
		if stderrs.Is(err, sql.ErrNoRows) {
			out[d] = false
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(classify(err), "checking block %s", d)
		}
		out[d] = true
	}
	return out, nil
}

func stats(ctx context.Context, q querier) (Stats, error) {
	var s Stats
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM files`).Scan(&s.Files)
	if err != nil {
		return s, errors.Wrap(classify(err), "counting files")
	}
	const bq = `SELECT COUNT(*), COALESCE(SUM(size), 0), COALESCE(SUM(LENGTH(data)), 0) FROM blocks`
	err = q.QueryRowContext(ctx, bq).Scan(&s.Blocks, &s.BlockBytes, &s.StoredBytes)
	return s, errors.Wrap(classify(err), "counting blocks")
}
