package erofs

import (
	"fmt"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// DumpTree writes a deterministic, comparable text rendering of every
// path in the image reachable from the root, one line per entry:
// `<mode> <size> <path>` for regular files and directories, `<mode> ->
// <target> <path>` for symlinks. Children are visited in the same
// alphabetical dirent order the on-disk format stores them in, so two
// builds of the same inputs produce byte-identical dumps — the
// property the upstream `dump.erofs` tool's `--path` listing has and
// this tool exists to preserve for image-build CI, per spec.md's open
// question about disk-id ordering.
func (r *Reader) DumpTree(w io.Writer) error {
	root, err := r.Root()
	if err != nil {
		return err
	}
	return dumpNode(w, root, "/")
}

func dumpNode(w io.Writer, ino Inode, path string) error {
	if err := writeDumpLine(w, ino, path); err != nil {
		return err
	}
	if !ino.IsDir() {
		return nil
	}

	var items []DirentItem
	if err := ino.Dirents(func(it DirentItem) error {
		if it.Name == "." || it.Name == ".." {
			return nil
		}
		items = append(items, it)
		return nil
	}); err != nil {
		return err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	for _, it := range items {
		childIno, err := rootReaderOf(ino).Inode(it.Nid)
		if err != nil {
			return errors.Wrapf(err, "nid %d (%s%s)", it.Nid, path, it.Name)
		}
		childPath := path + it.Name
		if childIno.IsDir() {
			childPath += "/"
		}
		if err := dumpNode(w, childIno, childPath); err != nil {
			return err
		}
	}
	return nil
}

// rootReaderOf recovers the *Reader an Inode was decoded from, so
// DumpTree's recursive walk can resolve child nids without needing its
// own copy of the reader threaded through every call.
func rootReaderOf(ino Inode) *Reader { return ino.reader }

func writeDumpLine(w io.Writer, ino Inode, path string) error {
	if ino.IsSymlink() {
		target, err := ino.Readlink()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s -> %s %s\n", ino.Mode(), target, path)
		return err
	}
	_, err := fmt.Fprintf(w, "%s %d %s\n", ino.Mode(), ino.Size(), path)
	return err
}
