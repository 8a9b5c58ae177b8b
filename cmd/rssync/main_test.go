package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

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

func TestSyncLocal(t *testing.T) {
	t.Setenv("RSSYNC_LOG", "error")

	var (
		src = t.TempDir()
		dst = filepath.Join(t.TempDir(), "dst")
	)
	writeFile(t, src, "a/b", bytes.Repeat([]byte("abcdefgh"), 20000))
	writeFile(t, src, "c", []byte("c"))

	if code := run([]string{"index", src}); code != 0 {
		t.Fatalf("index exited %d", code)
	}
	if _, err := os.Stat(filepath.Join(src, ".rssync.idx")); err != nil {
		t.Errorf("index file: %s", err)
	}

	if code := run([]string{"sync", src, dst}); code != 0 {
		t.Fatalf("sync exited %d", code)
	}
	for _, rel := range []string{"a/b", "c"} {
		want, err := os.ReadFile(filepath.Join(src, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatal(err)
		}
		got, err := os.ReadFile(filepath.Join(dst, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%s differs", rel)
		}
	}

	if code := run([]string{"check", dst}); code != 0 {
		t.Errorf("check exited %d", code)
	}
	if code := run([]string{"gc", dst}); code != 0 {
		t.Errorf("gc exited %d", code)
	}

	// A dry run changes nothing.
	if err := os.Remove(filepath.Join(src, "c")); err != nil {
		t.Fatal(err)
	}
	if code := run([]string{"sync", "-n", src, dst}); code != 0 {
		t.Fatalf("dry-run sync exited %d", code)
	}
	if _, err := os.Stat(filepath.Join(dst, "c")); err != nil {
		t.Errorf("dry run removed c: %s", err)
	}
}

func TestExitCodes(t *testing.T) {
	t.Setenv("RSSYNC_LOG", "panic")

	dir := t.TempDir()
	cases := []struct {
		name string
		args []string
		want int
	}{
		{"no subcommand", nil, 2},
		{"only flags", []string{"-v"}, 2},
		{"unknown subcommand", []string{"bogus"}, 2},
		{"no args to sync", []string{"sync"}, 2},
		{"bad index flag", []string{"index", "-nosuchflag", dir}, 2},
		{"bad location", []string{"sync", dir, "@host:/x"}, 2},
		{"upload to http", []string{"sync", dir, "http://example.com/x"}, 2},
		{"remote to remote", []string{"sync", "h1:/a", "h2:/b"}, 2},
		{"unknown flag", []string{"-nosuchflag"}, 2},
		{"missing source", []string{"sync", filepath.Join(dir, "nonexistent"), filepath.Join(dir, "out")}, 1},
		{"bad serve role", []string{"serve", "-role", "both", dir}, 2},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := run(c.args); got != c.want {
				t.Errorf("got exit code %d, want %d", got, c.want)
			}
		})
	}
}
