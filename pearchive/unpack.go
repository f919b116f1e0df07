package pearchive

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Unpack walks the pe-archive stream in data and recreates it under
// startDir, opening every entry relative to the current directory on a
// stack of descriptors (initial entry is startDir itself) rather than by
// reconstructed path. Unpack itself performs no path-traversal hardening
// beyond that; per spec.md §4.3 the caller is responsible for running
// under a chroot or an openat2 RESOLVE_BENEATH-equivalent sandbox before
// calling it with untrusted archives.
func Unpack(data []byte, startDir string) error {
	rootFd, err := unix.Open(startDir, unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return errors.Wrapf(err, "pearchive: open start dir %q", startDir)
	}

	stack := []int{rootFd}
	defer func() {
		for _, fd := range stack {
			unix.Close(fd)
		}
	}()

	cur := data
	for len(cur) > 0 {
		tag := cur[0]
		cur = cur[1:]

		switch tag {
		case TagFile:
			name, rest, err := readCString(cur)
			if err != nil {
				return err
			}
			cur = rest
			if len(cur) < 4 {
				return ErrBadSize
			}
			size := binary.LittleEndian.Uint32(cur)
			cur = cur[4:]
			if uint64(len(cur)) < uint64(size) {
				return ErrBadSize
			}
			if err := writeUnpackedFile(stack[len(stack)-1], name, cur[:size]); err != nil {
				return err
			}
			cur = cur[size:]

		case TagDir:
			name, rest, err := readCString(cur)
			if err != nil {
				return err
			}
			cur = rest
			parent := stack[len(stack)-1]
			if err := unix.Mkdirat(parent, name, dirMode); err != nil && err != unix.EEXIST {
				return errors.Wrapf(err, "pearchive: mkdirat %q", name)
			}
			if len(cur) > 0 && cur[0] == TagPop {
				// Empty directory: never opened or pushed, just consume
				// its immediate Pop.
				cur = cur[1:]
				continue
			}
			childFd, err := unix.Openat(parent, name, unix.O_DIRECTORY|unix.O_PATH|unix.O_CLOEXEC, 0)
			if err != nil {
				return errors.Wrapf(err, "pearchive: openat %q", name)
			}
			stack = append(stack, childFd)

		case TagPop:
			if len(stack) <= 1 {
				return ErrEmptyStack
			}
			last := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if err := unix.Close(last); err != nil {
				return errors.Wrap(err, "pearchive: close dir")
			}

		default:
			return errors.Wrapf(ErrBadTag, "tag %d", tag)
		}
	}
	if len(stack) != 1 {
		return errors.Wrap(ErrEmptyStack, "archive ended with directories still open")
	}
	return nil
}

func writeUnpackedFile(parentFd int, name string, contents []byte) error {
	fd, err := unix.Openat(parentFd, name, unix.O_CREAT|unix.O_WRONLY|unix.O_TRUNC|unix.O_CLOEXEC, fileMode)
	if err != nil {
		return errors.Wrapf(err, "pearchive: openat %q", name)
	}
	f := os.NewFile(uintptr(fd), name)
	if _, err := f.Write(contents); err != nil {
		f.Close()
		return errors.Wrapf(err, "pearchive: write %q", name)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "pearchive: close %q", name)
	}
	return nil
}

func readCString(b []byte) (string, []byte, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", nil, ErrBadName
	}
	return string(b[:i]), b[i+1:], nil
}
