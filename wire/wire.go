// Package wire defines the messages exchanged between rssync peers
// and their CBOR encoding.
package wire

import (
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/bobg/rssync"
)

// encMode uses Core Deterministic Encoding:
// the same message always produces the same bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}

	// File lists in large trees exceed the default array limit.
	decMode, err = cbor.DecOptions{MaxArrayElements: 1 << 24}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// NewEncoder returns a CBOR encoder writing to w.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a CBOR decoder reading from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// File is the wire form of rssync.FileEntry.
// The entry's ID is local to each index and does not travel.
type File struct {
	Path     string `cbor:"path"`
	Size     int64  `cbor:"size"`
	MTime    int64  `cbor:"mtime"` // Unix nanoseconds
	Checksum []byte `cbor:"checksum"`
	Digests  []byte `cbor:"digests"` // concatenated
}

// FromEntry converts a file entry to its wire form.
func FromEntry(e rssync.FileEntry) File {
	return File{
		Path:     e.Path,
		Size:     e.Size,
		MTime:    e.ModTime.UnixNano(),
		Checksum: e.Checksum[:],
		Digests:  rssync.EncodeDigests(e.Digests),
	}
}

// Entry converts f back to a file entry.
func (f File) Entry() (rssync.FileEntry, error) {
	ds, err := rssync.DecodeDigests(f.Digests)
	if err != nil {
		return rssync.FileEntry{}, errors.Wrapf(err, "decoding digests of %s", f.Path)
	}
	return rssync.FileEntry{
		Path:     f.Path,
		Size:     f.Size,
		ModTime:  time.Unix(0, f.MTime),
		Checksum: rssync.ChecksumFromBytes(f.Checksum),
		Digests:  ds,
	}, nil
}

// FromEntries converts a list of file entries.
func FromEntries(es []rssync.FileEntry) []File {
	out := make([]File, 0, len(es))
	for _, e := range es {
		out = append(out, FromEntry(e))
	}
	return out
}

// Entries converts a list of wire files.
func Entries(fs []File) ([]rssync.FileEntry, error) {
	out := make([]rssync.FileEntry, 0, len(fs))
	for _, f := range fs {
		e, err := f.Entry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Block is a digest with its bytes.
type Block struct {
	Digest []byte `cbor:"digest"`
	Data   []byte `cbor:"data"`
}

// Empty is a message with no content.
type Empty struct{}

// FilesResponse lists a peer's files.
type FilesResponse struct {
	Files []File `cbor:"files"`
}

// DigestsRequest names a set of blocks.
// It is the request for both Have and Blocks.
type DigestsRequest struct {
	Digests []byte `cbor:"digests"` // concatenated
}

// HaveResponse answers a Have request.
// Have[i] corresponds to the i'th requested digest.
type HaveResponse struct {
	Have []bool `cbor:"have"`
}

// BlocksResponse carries the requested blocks the peer holds.
// Digests it lacks are simply absent.
type BlocksResponse struct {
	Blocks []Block `cbor:"blocks"`
}

// PutBlocksRequest stages blocks at a sink for later WriteFile requests.
type PutBlocksRequest struct {
	Blocks []Block `cbor:"blocks"`
}

// WriteFileRequest asks a sink to materialize a file.
type WriteFileRequest struct {
	File File `cbor:"file"`
}

// RemoveRequest asks a sink to delete a path.
type RemoveRequest struct {
	Path string `cbor:"path"`
}

// NewDigestsRequest builds a DigestsRequest.
func NewDigestsRequest(ds []rssync.Digest) *DigestsRequest {
	return &DigestsRequest{Digests: rssync.EncodeDigests(ds)}
}

// HaveMap pairs a HaveResponse with the digests that were asked about.
func HaveMap(ds []rssync.Digest, resp *HaveResponse) (map[rssync.Digest]bool, error) {
	if len(resp.Have) != len(ds) {
		return nil, errors.Errorf("got %d answers for %d digests", len(resp.Have), len(ds))
	}
	out := make(map[rssync.Digest]bool, len(ds))
	for i, d := range ds {
		out[d] = resp.Have[i]
	}
	return out, nil
}

// HaveList is the inverse of HaveMap.
func HaveList(ds []rssync.Digest, m map[rssync.Digest]bool) *HaveResponse {
	resp := &HaveResponse{Have: make([]bool, len(ds))}
	for i, d := range ds {
		resp.Have[i] = m[d]
	}
	return resp
}

// FromBlocks converts a block map to a list, in the order of ds.
func FromBlocks(ds []rssync.Digest, m map[rssync.Digest][]byte) []Block {
	out := make([]Block, 0, len(m))
	for _, d := range ds {
		if data, ok := m[d]; ok {
			d := d
			out = append(out, Block{Digest: d[:], Data: data})
		}
	}
	return out
}

// ToBlocks converts a block list to a map,
// verifying that each block's content matches its digest.
func ToBlocks(bs []Block) (map[rssync.Digest][]byte, error) {
	out := make(map[rssync.Digest][]byte, len(bs))
	for _, b := range bs {
		d := rssync.DigestFromBytes(b.Digest)
		if rssync.DigestOf(b.Data) != d {
			return nil, errors.Wrapf(rssync.ErrCorrupt, "block %s has the wrong content", d)
		}
		out[d] = b.Data
	}
	return out, nil
}
