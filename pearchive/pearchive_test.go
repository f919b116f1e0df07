package pearchive

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// TestUnpackWorkedExample feeds the exact byte sequence spec.md §8 gives
// for packing {a.txt: "hello", sub/b.txt: "world"} and checks the
// unpacked tree matches.
func TestUnpackWorkedExample(t *testing.T) {
	data := []byte{
		TagFile, 'a', '.', 't', 'x', 't', 0, 5, 0, 0, 0, 'h', 'e', 'l', 'l', 'o',
		TagDir, 's', 'u', 'b', 0,
		TagFile, 'b', '.', 't', 'x', 't', 0, 5, 0, 0, 0, 'w', 'o', 'r', 'l', 'd',
		TagPop,
	}

	dir := t.TempDir()
	if err := Unpack(data, dir); err != nil {
		t.Fatalf("Unpack: %v", err)
	}

	a, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	if err != nil || string(a) != "hello" {
		t.Fatalf("a.txt = %q, %v", a, err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "sub", "b.txt"))
	if err != nil || string(b) != "world" {
		t.Fatalf("sub/b.txt = %q, %v", b, err)
	}
}

func TestUnpackEmptyDirFastPath(t *testing.T) {
	data := []byte{TagDir, 'e', 'm', 'p', 't', 'y', 0, TagPop}
	dir := t.TempDir()
	if err := Unpack(data, dir); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	fi, err := os.Stat(filepath.Join(dir, "empty"))
	if err != nil || !fi.IsDir() {
		t.Fatalf("empty dir missing or not a dir: %v", err)
	}
}

func TestUnpackEmptyStackUnderflow(t *testing.T) {
	dir := t.TempDir()
	if err := Unpack([]byte{TagPop}, dir); err != ErrEmptyStack {
		t.Fatalf("Unpack underflow = %v, want ErrEmptyStack", err)
	}
}

// TestPackUnpackRoundTrip builds a real directory tree, packs it, unpacks
// the result elsewhere, and checks the two trees agree on every file's
// relative path and content (not on dirent order, which is
// filesystem-dependent).
func TestPackUnpackRoundTrip(t *testing.T) {
	src := t.TempDir()
	files := map[string]string{
		"a.txt":         "hello",
		"sub/b.txt":     "world",
		"sub/deep/c.txt": "nested",
		"empty/.keep":   "",
	}
	for rel, content := range files {
		full := filepath.Join(src, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if err := Pack(&buf, src); err != nil {
		t.Fatalf("Pack: %v", err)
	}

	dst := t.TempDir()
	if err := Unpack(buf.Bytes(), dst); err != nil {
		t.Fatalf("Unpack: %v", err)
	}

	var got []string
	err := filepath.Walk(dst, func(p string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(dst, p)
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		want := files[filepath.ToSlash(rel)]
		if string(content) != want {
			t.Errorf("%s content = %q, want %q", rel, content, want)
		}
		got = append(got, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		t.Fatalf("walk dst: %v", err)
	}
	sort.Strings(got)

	var want []string
	for rel := range files {
		want = append(want, rel)
	}
	sort.Strings(want)

	if len(got) != len(want) {
		t.Fatalf("round trip file set = %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("round trip file set = %v, want %v", got, want)
		}
	}
}

func TestPackDirTooDeep(t *testing.T) {
	src := t.TempDir()
	p := src
	for i := 0; i < maxDirDepth+2; i++ {
		p = filepath.Join(p, "d")
		if err := os.Mkdir(p, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	var buf bytes.Buffer
	if err := Pack(&buf, src); err != ErrDirTooDeep {
		t.Fatalf("Pack over-deep tree = %v, want ErrDirTooDeep", err)
	}
}
