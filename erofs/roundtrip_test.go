package erofs

import (
	"bytes"
	"io"
	"testing"
)

// fakeWriteSeeker adapts a growable byte buffer to io.WriteSeeker for the
// builder, which seeks backward to block boundaries while streaming data.
type fakeWriteSeeker struct {
	buf []byte
	pos int64
}

func (f *fakeWriteSeeker) Write(p []byte) (int, error) {
	end := f.pos + int64(len(p))
	if end > int64(len(f.buf)) {
		grown := make([]byte, end)
		copy(grown, f.buf)
		f.buf = grown
	}
	copy(f.buf[f.pos:end], p)
	f.pos = end
	return len(p), nil
}

func (f *fakeWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.pos = offset
	case io.SeekCurrent:
		f.pos += offset
	case io.SeekEnd:
		f.pos = int64(len(f.buf)) + offset
	}
	return f.pos, nil
}

func buildSingleFileImage(t *testing.T, name string, content []byte) []byte {
	t.Helper()
	w := &fakeWriteSeeker{}
	b, err := NewBuilder(w)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if err := b.UpsertDir("/foo", Meta{Perm: 0755}); err != nil {
		t.Fatalf("UpsertDir: %v", err)
	}
	if err := b.AddFile("/foo/"+name, Meta{Perm: 0644}, int64(len(content)), bytes.NewReader(content)); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := b.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return w.buf
}

func TestBuildAndReadSingleFile(t *testing.T) {
	content := []byte("hello world")
	img := buildSingleFileImage(t, "bar", content)

	r, err := Open(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ok, err := r.VerifyChecksum()
	if err != nil {
		t.Fatalf("VerifyChecksum: %v", err)
	}
	if !ok {
		t.Fatal("checksum did not verify")
	}

	root, err := r.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	if !root.IsDir() {
		t.Fatal("root is not a directory")
	}

	names := map[string]DirentItem{}
	if err := root.Dirents(func(it DirentItem) error {
		names[it.Name] = it
		return nil
	}); err != nil {
		t.Fatalf("root.Dirents: %v", err)
	}
	for _, want := range []string{".", "..", "foo"} {
		if _, ok := names[want]; !ok {
			t.Fatalf("root missing dirent %q, got %v", want, names)
		}
	}

	fooItem := names["foo"]
	foo, err := r.Inode(fooItem.Nid)
	if err != nil {
		t.Fatalf("Inode(foo): %v", err)
	}
	if !foo.IsDir() {
		t.Fatal("foo is not a directory")
	}

	fooNames := map[string]DirentItem{}
	if err := foo.Dirents(func(it DirentItem) error {
		fooNames[it.Name] = it
		return nil
	}); err != nil {
		t.Fatalf("foo.Dirents: %v", err)
	}
	barItem, ok := fooNames["bar"]
	if !ok {
		t.Fatalf("foo missing dirent \"bar\", got %v", fooNames)
	}

	bar, err := r.Inode(barItem.Nid)
	if err != nil {
		t.Fatalf("Inode(bar): %v", err)
	}
	if !bar.IsRegular() {
		t.Fatal("bar is not a regular file")
	}
	head, tail, err := bar.Data()
	if err != nil {
		t.Fatalf("bar.Data: %v", err)
	}
	if got := string(head) + string(tail); got != string(content) {
		t.Fatalf("bar content = %q, want %q", got, content)
	}

	item, found, err := foo.Lookup("bar")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !found || item.Nid != barItem.Nid {
		t.Fatalf("Lookup(bar) = %+v, found=%v", item, found)
	}
}

func TestBuildExactBlockSizeFile(t *testing.T) {
	content := bytes.Repeat([]byte{'x'}, 4096)
	img := buildSingleFileImage(t, "exact", content)

	r, err := Open(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	root, _ := r.Root()
	var fooNid uint64
	_ = root.Dirents(func(it DirentItem) error {
		if it.Name == "foo" {
			fooNid = it.Nid
		}
		return nil
	})
	foo, err := r.Inode(fooNid)
	if err != nil {
		t.Fatalf("Inode(foo): %v", err)
	}
	var exactNid uint64
	_ = foo.Dirents(func(it DirentItem) error {
		if it.Name == "exact" {
			exactNid = it.Nid
		}
		return nil
	})
	exact, err := r.Inode(exactNid)
	if err != nil {
		t.Fatalf("Inode(exact): %v", err)
	}
	if exact.DataLayout() != LayoutFlatPlain {
		t.Fatalf("exact-block file layout = %d, want FlatPlain", exact.DataLayout())
	}
	head, tail, err := exact.Data()
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	if len(tail) != 0 {
		t.Fatalf("exact-block file has non-empty tail: %d bytes", len(tail))
	}
	if string(head) != string(content) {
		t.Fatal("exact-block file content mismatch")
	}
}

func TestXattrRoundTrip(t *testing.T) {
	w := &fakeWriteSeeker{}
	b, err := NewBuilder(w)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if err := b.UpsertDir("/foo", Meta{Perm: 0755}); err != nil {
		t.Fatalf("UpsertDir: %v", err)
	}
	mustAdd := func(name string) {
		if err := b.AddFile("/foo/"+name, Meta{Perm: 0644}, 0, bytes.NewReader(nil)); err != nil {
			t.Fatalf("AddFile(%s): %v", name, err)
		}
	}
	mustAdd("bar")
	mustAdd("baz")
	mustAdd("qux")

	// bar's attribute is unique; baz and qux share the same name/value
	// pair, forcing the builder to write it once into the image-wide
	// shared xattr block rather than inline on each inode.
	if err := b.SetXattrs("/foo/bar", []XattrItem{{Name: "user.attr", Value: []byte("unique")}}); err != nil {
		t.Fatalf("SetXattrs(bar): %v", err)
	}
	shared := []XattrItem{{Name: "user.shared", Value: []byte("common-value")}}
	if err := b.SetXattrs("/foo/baz", shared); err != nil {
		t.Fatalf("SetXattrs(baz): %v", err)
	}
	if err := b.SetXattrs("/foo/qux", shared); err != nil {
		t.Fatalf("SetXattrs(qux): %v", err)
	}
	if err := b.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	r, err := Open(bytes.NewReader(w.buf))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	root, _ := r.Root()
	var fooNid uint64
	_ = root.Dirents(func(it DirentItem) error {
		if it.Name == "foo" {
			fooNid = it.Nid
		}
		return nil
	})
	foo, err := r.Inode(fooNid)
	if err != nil {
		t.Fatalf("Inode(foo): %v", err)
	}
	nids := map[string]uint64{}
	_ = foo.Dirents(func(it DirentItem) error {
		nids[it.Name] = it.Nid
		return nil
	})

	xattrsOf := func(name string) map[string]string {
		ino, err := r.Inode(nids[name])
		if err != nil {
			t.Fatalf("Inode(%s): %v", name, err)
		}
		got := map[string]string{}
		if err := ino.Xattrs(func(it XattrItem) error {
			got[it.Name] = string(it.Value)
			return nil
		}); err != nil {
			t.Fatalf("%s.Xattrs: %v", name, err)
		}
		return got
	}

	if got := xattrsOf("bar"); got["user.attr"] != "unique" {
		t.Fatalf("bar.xattrs()[\"user.attr\"] = %q, want \"unique\"", got["user.attr"])
	}
	if got := xattrsOf("baz"); got["user.shared"] != "common-value" {
		t.Fatalf("baz.xattrs()[\"user.shared\"] = %q, want \"common-value\"", got["user.shared"])
	}
	if got := xattrsOf("qux"); got["user.shared"] != "common-value" {
		t.Fatalf("qux.xattrs()[\"user.shared\"] = %q, want \"common-value\"", got["user.shared"])
	}
}

func TestWhiteoutSquash(t *testing.T) {
	w := &fakeWriteSeeker{}
	b, err := NewBuilder(w)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	mk := func(data []byte) func() (io.ReadCloser, error) {
		return func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil }
	}
	layers := [][]LayerEntry{
		// topmost layer first
		{{Path: "/b", Size: 1, Open: mk([]byte("Z"))}},
		{{Path: "/.wh.a"}},
		{{Path: "/a", Size: 1, Open: mk([]byte("X"))}, {Path: "/b", Size: 1, Open: mk([]byte("Y"))}},
	}
	if err := b.SquashLayers(layers); err != nil {
		t.Fatalf("SquashLayers: %v", err)
	}
	if err := b.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	r, err := Open(bytes.NewReader(w.buf))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	root, _ := r.Root()
	seen := map[string]bool{}
	_ = root.Dirents(func(it DirentItem) error {
		seen[it.Name] = true
		return nil
	})
	if seen["a"] {
		t.Fatal("whited-out file \"a\" survived the squash")
	}
	if !seen["b"] {
		t.Fatal("file \"b\" missing after squash")
	}
}
