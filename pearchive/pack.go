package pearchive

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Pack performs a depth-first walk of dir and writes it to w in the
// pe-archive v1 stream format. Every entry is opened relative to its
// parent directory's file descriptor (openat), never by a reconstructed
// path, so a concurrent rename racing the walk cannot escape dir. Regular
// files are transferred with sendfile when w is backed by an *os.File
// (the common case: an IoFile or a pipe to the guest); other writers fall
// back to a buffered copy.
func Pack(w io.Writer, dir string) error {
	dirFd, err := unix.Open(dir, unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return errors.Wrapf(err, "pearchive: open root %q", dir)
	}
	bw := bufio.NewWriter(w)
	if err := packDir(bw, w, dirFd, 0); err != nil {
		return err
	}
	return bw.Flush()
}

// packDir consumes dirFd (wraps and closes it) and recurses into child
// directories, each opened relative to dirFd.
func packDir(bw *bufio.Writer, raw io.Writer, dirFd int, depth int) error {
	if depth > maxDirDepth {
		unix.Close(dirFd)
		return ErrDirTooDeep
	}
	d := os.NewFile(uintptr(dirFd), "")
	defer d.Close()

	entries, err := d.ReadDir(-1)
	if err != nil {
		return errors.Wrap(err, "pearchive: readdir")
	}

	for _, ent := range entries {
		name := ent.Name()
		switch {
		case ent.Type().IsRegular():
			if err := packFile(bw, raw, dirFd, name); err != nil {
				return err
			}
		case ent.IsDir():
			childFd, err := unix.Openat(dirFd, name, unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
			if err != nil {
				return errors.Wrapf(err, "pearchive: openat %q", name)
			}
			if err := writeTaggedName(bw, TagDir, name); err != nil {
				unix.Close(childFd)
				return err
			}
			if err := packDir(bw, raw, childFd, depth+1); err != nil {
				return err
			}
			if err := bw.WriteByte(TagPop); err != nil {
				return errors.Wrap(err, "pearchive: write pop")
			}
		default:
			// symlinks, devices, sockets: not part of the pe-archive contract.
		}
	}
	return nil
}

func writeTaggedName(bw *bufio.Writer, tag byte, name string) error {
	if err := bw.WriteByte(tag); err != nil {
		return errors.Wrap(err, "pearchive: write tag")
	}
	if _, err := bw.WriteString(name); err != nil {
		return errors.Wrap(err, "pearchive: write name")
	}
	if err := bw.WriteByte(0); err != nil {
		return errors.Wrap(err, "pearchive: write name terminator")
	}
	return nil
}

// packFile opens name relative to dirFd, emits its File message, and
// transfers its contents.
func packFile(bw *bufio.Writer, raw io.Writer, dirFd int, name string) error {
	fd, err := unix.Openat(dirFd, name, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return errors.Wrapf(err, "pearchive: openat %q", name)
	}
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "pearchive: stat %q", name)
	}
	size := fi.Size()
	if size < 0 || size > int64(^uint32(0)) {
		return ErrBadSize
	}

	if err := writeTaggedName(bw, TagFile, name); err != nil {
		return err
	}
	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], uint32(size))
	if _, err := bw.Write(sizeBuf[:]); err != nil {
		return errors.Wrap(err, "pearchive: write size")
	}
	if err := bw.Flush(); err != nil {
		return errors.Wrap(err, "pearchive: flush before data copy")
	}

	if outFile, ok := raw.(*os.File); ok {
		return sendfileAll(outFile, f, size)
	}
	if _, err := io.CopyN(raw, f, size); err != nil {
		return errors.Wrapf(err, "pearchive: copy %q contents", name)
	}
	return nil
}

// sendfileAll transfers size bytes from in to out entirely within the
// kernel, retrying on short writes, matching the Rust packer's
// sendfile_all.
func sendfileAll(out, in *os.File, size int64) error {
	remaining := size
	for remaining > 0 {
		n, err := unix.Sendfile(int(out.Fd()), int(in.Fd()), nil, int(remaining))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.Wrap(err, "pearchive: sendfile")
		}
		if n <= 0 {
			return errors.New("pearchive: sendfile made no progress")
		}
		remaining -= int64(n)
	}
	return nil
}
