package dsync

import (
	"bufio"
	"bytes"
	"context"
	stderrs "errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/bobg/rssync"
	"github.com/bobg/rssync/index"
	"github.com/bobg/rssync/mem"
	"github.com/bobg/rssync/transport"
	"github.com/bobg/rssync/transport/local"
)

func init() {
	retryDelay = 0
}

func randBytes(seed int64, n int) []byte {
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	r.Read(b)
	return b
}

func TestRepeatSync(t *testing.T) {
	var (
		ctx = context.Background()
		src = mem.New()
		dst = mem.New()
	)
	for i := 0; i < 100; i++ {
		src.AddFile(fmt.Sprintf("dir%d/file%d", i%7, i), randBytes(int64(i), 1000+i*517))
	}

	stats, err := Run(ctx, src, dst)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Written != 100 {
		t.Errorf("first sync wrote %d files, want 100", stats.Written)
	}
	if stats.BlocksFetched == 0 {
		t.Error("first sync fetched no blocks")
	}
	checkSame(ctx, t, src, dst)

	before := src.Fetches()
	stats, err = Run(ctx, src, dst)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Written != 0 || stats.Removed != 0 || stats.Unchanged != 100 {
		t.Errorf("second sync: %s", stats)
	}
	if stats.BlocksFetched != 0 || src.Fetches() != before {
		t.Errorf("second sync fetched %d blocks", src.Fetches()-before)
	}
	if dst.Commits() != 2 {
		t.Errorf("got %d commits, want 2", dst.Commits())
	}
}

func TestRemoveAndUpdate(t *testing.T) {
	var (
		ctx  = context.Background()
		src  = mem.New()
		dst  = mem.New()
		data = randBytes(1, 300000)
	)
	src.AddFile("same", data)
	src.AddFile("changed", append(append([]byte(nil), data...), "tail"...))
	dst.AddFile("same", data)
	dst.AddFile("changed", data)
	dst.AddFile("gone", []byte("bye"))

	stats, err := Run(ctx, src, dst)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Written != 1 || stats.Removed != 1 || stats.Unchanged != 1 {
		t.Errorf("got %s", stats)
	}
	if stats.BlocksReused == 0 {
		t.Error("appending reused no blocks")
	}
	if stats.BlocksFetched > 3 {
		t.Errorf("appending fetched %d blocks", stats.BlocksFetched)
	}
	checkSame(ctx, t, src, dst)
}

func TestFailureIsolation(t *testing.T) {
	var (
		ctx = context.Background()
		src = mem.New()
		dst = mem.New()
		bad = src.AddFile("bad", randBytes(2, 5000))
	)
	src.AddFile("good1", randBytes(3, 5000))
	src.AddFile("good2", randBytes(4, 5000))

	src.FailBlock = func(d rssync.Digest) error {
		if d == bad.Digests[0] {
			return errors.Wrap(rssync.ErrTransport, "connection reset")
		}
		return nil
	}

	_, err := Run(ctx, src, dst)
	var errs Errors
	if !stderrs.As(err, &errs) {
		t.Fatalf("got %v, want Errors", err)
	}
	if len(errs) != 1 || errs["bad"] == nil {
		t.Errorf("got %v, want one failure for bad", errs)
	}
	if !stderrs.Is(err, rssync.ErrTransport) {
		t.Errorf("got %v, want ErrTransport", err)
	}
	if got := dst.Committed(); !equalStrings(got, []string{"good1", "good2"}) {
		t.Errorf("committed %v, want good1 and good2", got)
	}
}

func TestWriteFailure(t *testing.T) {
	var (
		ctx = context.Background()
		src = mem.New()
		dst = mem.New()
	)
	src.AddFile("a", []byte("aaa"))
	src.AddFile("b", []byte("bbb"))
	dst.FailWrite = func(path string) error {
		if path == "a" {
			return errors.New("disk full")
		}
		return nil
	}

	stats, err := Run(ctx, src, dst)
	var errs Errors
	if !stderrs.As(err, &errs) || len(errs) != 1 || errs["a"] == nil {
		t.Fatalf("got %v, want one failure for a", err)
	}
	if stats.Written != 1 {
		t.Errorf("wrote %d files, want 1", stats.Written)
	}
	if got := dst.Committed(); !equalStrings(got, []string{"b"}) {
		t.Errorf("committed %v, want b", got)
	}
}

func TestRetry(t *testing.T) {
	var (
		ctx = context.Background()
		src = mem.New()
		dst = mem.New()
	)
	src.AddFile("f", randBytes(5, 100000))

	var (
		mu    sync.Mutex
		fails = 2
	)
	src.FailBlock = func(rssync.Digest) error {
		mu.Lock()
		defer mu.Unlock()
		if fails > 0 {
			fails--
			return errors.Wrap(rssync.ErrTimeout, "slow")
		}
		return nil
	}

	if _, err := Run(ctx, src, dst, Retries(3)); err != nil {
		t.Fatal(err)
	}
	checkSame(ctx, t, src, dst)

	// With no retries left the timeout is reported.
	fails = 1
	dst = mem.New()
	_, err := Run(ctx, src, dst, Retries(0))
	if !stderrs.Is(err, rssync.ErrTimeout) {
		t.Errorf("got %v, want ErrTimeout", err)
	}
}

// lyingSource serves the wrong bytes for every block.
type lyingSource struct {
	t *mem.Tree
}

func (s lyingSource) Files(ctx context.Context) ([]rssync.FileEntry, error) {
	return s.t.Files(ctx)
}

func (s lyingSource) Have(ctx context.Context, ds []rssync.Digest) (map[rssync.Digest]bool, error) {
	return s.t.Have(ctx, ds)
}

func (s lyingSource) Close() error { return nil }

func (s lyingSource) Block(ctx context.Context, d rssync.Digest) ([]byte, error) {
	b, err := s.t.Block(ctx, d)
	if err != nil {
		return nil, err
	}
	return append(b, 'x'), nil
}

func TestCorruptBlock(t *testing.T) {
	var (
		ctx = context.Background()
		src = mem.New()
		dst = mem.New()
	)
	src.AddFile("f", []byte("hello"))

	_, err := Run(ctx, lyingSource{t: src}, dst)
	if !stderrs.Is(err, rssync.ErrCorrupt) {
		t.Errorf("got %v, want ErrCorrupt", err)
	}
	if len(dst.Committed()) != 0 {
		t.Errorf("committed %v, want nothing", dst.Committed())
	}
}

func TestDryRun(t *testing.T) {
	var (
		ctx = context.Background()
		src = mem.New()
		dst = mem.New()
	)
	src.AddFile("new", []byte("new"))
	dst.AddFile("old", []byte("old"))

	stats, err := Run(ctx, src, dst, DryRun(true))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Written != 1 || stats.Removed != 1 || stats.BlocksFetched != 1 {
		t.Errorf("got %s", stats)
	}
	if _, ok := dst.Contents("old"); !ok {
		t.Error("dry run removed old")
	}
	if _, ok := dst.Contents("new"); ok {
		t.Error("dry run wrote new")
	}
	if dst.Commits() != 0 {
		t.Error("dry run committed")
	}
}

func TestLocal(t *testing.T) {
	var (
		ctx     = context.Background()
		srcRoot = t.TempDir()
		dstRoot = t.TempDir()
		conf    = transport.DefaultConfig()
		data    = randBytes(6, 400000)
	)
	writeFile(t, srcRoot, "a/b/c", data)
	writeFile(t, srcRoot, "a/d", data[:1000])
	writeFile(t, srcRoot, "e", nil)
	writeFile(t, dstRoot, "stale/x", []byte("stale"))
	writeFile(t, dstRoot, "e", []byte("not empty"))

	run := func() *Stats {
		src, err := local.NewSource(ctx, srcRoot, conf)
		if err != nil {
			t.Fatal(err)
		}
		defer src.Close()
		dst, err := local.NewSink(ctx, dstRoot, conf)
		if err != nil {
			t.Fatal(err)
		}
		defer dst.Close()

		stats, err := Run(ctx, src, dst)
		if err != nil {
			t.Fatal(err)
		}
		if err = dirsEqual(srcRoot, dstRoot); err != nil {
			t.Fatal(err)
		}
		return stats
	}

	stats := run()
	if stats.Written != 3 || stats.Removed != 1 {
		t.Errorf("first sync: %s", stats)
	}

	f, err := os.OpenFile(filepath.Join(srcRoot, "a", "d"), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = f.WriteString("foo"); err != nil {
		t.Fatal(err)
	}
	if err = f.Close(); err != nil {
		t.Fatal(err)
	}

	stats = run()
	if stats.Written != 1 || stats.Unchanged != 2 {
		t.Errorf("second sync: %s", stats)
	}

	stats = run()
	if stats.Written != 0 || stats.BlocksFetched != 0 {
		t.Errorf("third sync: %s", stats)
	}
}

func TestFailureKeepsOldEntry(t *testing.T) {
	var (
		ctx     = context.Background()
		dstRoot = t.TempDir()
		conf    = transport.DefaultConfig()
		src     = mem.New()
		oldData = randBytes(7, 50000)
	)
	writeFile(t, dstRoot, "bad", oldData)

	bad := src.AddFile("bad", randBytes(8, 50000))
	src.AddFile("good", randBytes(9, 20000))
	failing := make(map[rssync.Digest]bool)
	for _, d := range bad.Digests {
		failing[d] = true
	}
	src.FailBlock = func(d rssync.Digest) error {
		if failing[d] {
			return errors.Wrap(rssync.ErrTransport, "connection reset")
		}
		return nil
	}

	dst, err := local.NewSink(ctx, dstRoot, conf)
	if err != nil {
		t.Fatal(err)
	}
	var old rssync.FileEntry
	files, err := dst.Files(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range files {
		if e.Path == "bad" {
			old = e
		}
	}
	if old.Path == "" {
		t.Fatal("bad not indexed at the destination")
	}

	_, err = Run(ctx, src, dst)
	if cerr := dst.Close(); cerr != nil {
		t.Fatal(cerr)
	}
	var errs Errors
	if !stderrs.As(err, &errs) || len(errs) != 1 || errs["bad"] == nil {
		t.Fatalf("got %v, want one failure for bad", err)
	}

	x, err := index.Open(ctx, filepath.Join(dstRoot, conf.IndexName))
	if err != nil {
		t.Fatal(err)
	}
	defer x.Close()

	got, ok, err := x.Lookup(ctx, "bad")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("bad missing from the committed index")
	}
	if diff := cmp.Diff(old, got); diff != "" {
		t.Errorf("entry for bad changed (-old +new):\n%s", diff)
	}
	if _, ok, err = x.Lookup(ctx, "good"); err != nil || !ok {
		t.Errorf("good not committed (ok=%v, err=%v)", ok, err)
	}

	onDisk, err := os.ReadFile(filepath.Join(dstRoot, "bad"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(onDisk, oldData) {
		t.Error("bad was overwritten")
	}
}

func TestLocalMany(t *testing.T) {
	var (
		ctx     = context.Background()
		srcRoot = t.TempDir()
		dstRoot = filepath.Join(t.TempDir(), "dst")
		conf    = transport.DefaultConfig()
	)
	for i := 0; i < 100; i++ {
		writeFile(t, srcRoot, fmt.Sprintf("d%d/f%d", i%10, i), randBytes(int64(100+i), 100+i*997))
	}

	run := func() *Stats {
		src, err := local.NewSource(ctx, srcRoot, conf)
		if err != nil {
			t.Fatal(err)
		}
		defer src.Close()
		dst, err := local.NewSink(ctx, dstRoot, conf)
		if err != nil {
			t.Fatal(err)
		}
		defer dst.Close()

		stats, err := Run(ctx, src, dst)
		if err != nil {
			t.Fatal(err)
		}
		if err = dirsEqual(srcRoot, dstRoot); err != nil {
			t.Fatal(err)
		}
		return stats
	}

	stats := run()
	if stats.Written != 100 || stats.BlocksFetched == 0 {
		t.Errorf("first sync: %s", stats)
	}
	stats = run()
	if stats.Written != 0 || stats.Unchanged != 100 || stats.BlocksFetched != 0 {
		t.Errorf("second sync: %s", stats)
	}
}

func checkSame(ctx context.Context, t *testing.T, src, dst *mem.Tree) {
	t.Helper()
	files, err := src.Files(ctx)
	if err != nil {
		t.Fatal(err)
	}
	dfiles, err := dst.Files(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != len(dfiles) {
		t.Fatalf("source has %d files, destination %d", len(files), len(dfiles))
	}
	for _, e := range files {
		want, _ := src.Contents(e.Path)
		got, ok := dst.Contents(e.Path)
		if !ok {
			t.Errorf("%s missing", e.Path)
			continue
		}
		if string(got) != string(want) {
			t.Errorf("%s differs", e.Path)
		}
	}
}

func equalStrings(a, b []string) bool {
	sort.Strings(a)
	sort.Strings(b)
	return strings.Join(a, "\x00") == strings.Join(b, "\x00")
}

func writeFile(t *testing.T, root, rel string, data []byte) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		t.Fatal(err)
	}
}

// readDir lists a directory, sorted by name.
func readDir(dir string) ([]os.FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func dirsEqual(a, b string) error {
	aEntries, err := readDir(a)
	if err != nil {
		return errors.Wrapf(err, "reading dir %s", a)
	}
	bEntries, err := readDir(b)
	if err != nil {
		return errors.Wrapf(err, "reading dir %s", b)
	}

	i, j := 0, 0
	for i < len(aEntries) && j < len(bEntries) {
		aEntry := aEntries[i]
		if isIgnoreEntry(aEntry) {
			i++
			continue
		}

		bEntry := bEntries[j]
		if isIgnoreEntry(bEntry) {
			j++
			continue
		}

		if aEntry.Name() != bEntry.Name() {
			return fmt.Errorf("%s has %s where %s has %s", a, aEntry.Name(), b, bEntry.Name())
		}
		name := aEntry.Name()
		if aEntry.IsDir() {
			if bEntry.IsDir() {
				err := dirsEqual(filepath.Join(a, name), filepath.Join(b, name))
				if err != nil {
					return errors.Wrapf(err, "comparing dirs %s/%s and %s/%s", a, name, b, name)
				}
			} else {
				return fmt.Errorf("%s is a dir and %s is not", aEntry.Name(), bEntry.Name())
			}
		} else if bEntry.IsDir() {
			return fmt.Errorf("%s is not a dir and %s is", aEntry.Name(), bEntry.Name())
		} else {
			err := filesEqual(a, aEntry, b, bEntry)
			if err != nil {
				return errors.Wrapf(err, "comparing files %s/%s and %s/%s", a, name, b, name)
			}
		}

		i++
		j++
	}
	for i < len(aEntries) {
		if !isIgnoreEntry(aEntries[i]) {
			return fmt.Errorf("extra entry on left: %s", aEntries[i].Name())
		}
		i++
	}
	for j < len(bEntries) {
		if !isIgnoreEntry(bEntries[j]) {
			return fmt.Errorf("extra entry on right: %s", bEntries[j].Name())
		}
		j++
	}

	return nil
}

func filesEqual(dir1 string, entry1 os.FileInfo, dir2 string, entry2 os.FileInfo) error {
	if entry1.Size() != entry2.Size() {
		return fmt.Errorf("sizes %d and %d do not match", entry1.Size(), entry2.Size())
	}

	f1, err := os.Open(filepath.Join(dir1, entry1.Name()))
	if err != nil {
		return errors.Wrapf(err, "opening %s/%s for reading", dir1, entry1.Name())
	}
	defer f1.Close()

	f2, err := os.Open(filepath.Join(dir2, entry2.Name()))
	if err != nil {
		return errors.Wrapf(err, "opening %s/%s for reading", dir2, entry2.Name())
	}
	defer f2.Close()

	var (
		bf1 = bufio.NewReader(f1)
		bf2 = bufio.NewReader(f2)
		pos = 0
	)

	for {
		b1, err1 := bf1.ReadByte()
		b2, err2 := bf2.ReadByte()

		if err1 == io.EOF && err2 == io.EOF {
			return nil
		}
		if err1 != nil {
			return errors.Wrapf(err1, "reading from %s/%s", dir1, entry1.Name())
		}
		if err2 != nil {
			return errors.Wrapf(err2, "reading from %s/%s", dir2, entry2.Name())
		}
		if b1 != b2 {
			return fmt.Errorf("files %s/%s and %s/%s disagree at position %d", dir1, entry1.Name(), dir2, entry2.Name(), pos)
		}

		pos++
	}
}

func isIgnoreEntry(entry os.FileInfo) bool {
	if strings.HasPrefix(entry.Name(), ".rssync") {
		return true
	}
	if entry.IsDir() {
		return false
	}
	return !entry.Mode().IsRegular()
}
