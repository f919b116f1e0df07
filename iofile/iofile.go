// Package iofile implements the sealed, page-aligned bounce buffer used
// to carry a request into the guest and its response back out: an
// anonymous memfd, writable while under construction, then grown to the
// persistent-memory alignment and sealed against further resizing before
// its descriptor is handed to the hypervisor. See spec.md §3/§4.4.
package iofile

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PmemAlign is the persistent-memory device size granularity; the final
// file length is always a multiple of this.
const PmemAlign = 0x20_0000 // 2 MiB

// envelopeHeaderSize is sizeof(archive_size:u32le, config_size:u32le).
const envelopeHeaderSize = 8

var (
	ErrArchiveTooLarge = errors.New("iofile: archive exceeds 4 GiB")
	ErrConfigTooLarge  = errors.New("iofile: config exceeds 4 GiB")
	ErrTruncated       = errors.New("iofile: envelope shorter than its own header")
)

// Builder accumulates a host→guest IoFile: an anonymous, sealable memfd
// written with the envelope header, config, and archive, in that order,
// then rounded up and sealed by Finish. CLOEXEC is deliberately not set
// on the underlying fd — it must survive into the hypervisor child.
type Builder struct {
	file *os.File
}

// NewBuilder creates the backing memfd. MFD_ALLOW_SEALING makes Finish's
// seals possible; MFD_NOEXEC_SEAL keeps the segment from ever being
// mapped executable, matching the teacher's general stance of denying
// exec on data-only descriptors it hands to untrusted guests.
func NewBuilder() (*Builder, error) {
	fd, err := unix.MemfdCreate("peiofile", unix.MFD_ALLOW_SEALING|unix.MFD_NOEXEC_SEAL)
	if err != nil {
		return nil, errors.Wrap(err, "iofile: memfd_create")
	}
	return &Builder{file: os.NewFile(uintptr(fd), "peiofile")}, nil
}

// WriteEnvelope writes the host→guest framing: a placeholder archive_size
// (backfilled by Finish once the archive's length is known),
// the config's size, and the config bytes themselves.
func (b *Builder) WriteEnvelope(config []byte) error {
	if len(config) > int(^uint32(0)) {
		return ErrConfigTooLarge
	}
	var hdr [envelopeHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(config)))
	if _, err := b.file.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "iofile: write envelope header")
	}
	if _, err := b.file.Write(config); err != nil {
		return errors.Wrap(err, "iofile: write config")
	}
	return nil
}

// Archive returns a writer positioned to receive the pe-archive payload
// immediately following the config, suitable as the destination for
// pearchive.Pack (which sendfiles into it when it is an *os.File, as it
// is here).
func (b *Builder) Archive() io.Writer { return b.file }

// Finish backfills the archive_size field with the number of bytes
// written after WriteEnvelope's config, rounds the file up to PmemAlign,
// and applies the GROW/SHRINK/SEAL seals. The caller must not mutate the
// returned IoFile's length afterward; the kernel enforces that.
func (b *Builder) Finish() (*IoFile, error) {
	end, err := b.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, errors.Wrap(err, "iofile: tell")
	}

	var hdr [4]byte
	if _, err := b.file.ReadAt(hdr[:], 4); err != nil {
		return nil, errors.Wrap(err, "iofile: read config size")
	}
	configSize := int64(binary.LittleEndian.Uint32(hdr[:]))
	archiveSize := end - envelopeHeaderSize - configSize
	if archiveSize < 0 || archiveSize > int64(^uint32(0)) {
		return nil, ErrArchiveTooLarge
	}
	var archiveSizeBuf [4]byte
	binary.LittleEndian.PutUint32(archiveSizeBuf[:], uint32(archiveSize))
	if _, err := b.file.WriteAt(archiveSizeBuf[:], 0); err != nil {
		return nil, errors.Wrap(err, "iofile: backfill archive size")
	}

	if err := roundUpAndSeal(b.file); err != nil {
		return nil, err
	}
	return &IoFile{file: b.file}, nil
}

// IoFile is a sealed bounce buffer, ready to be handed to the hypervisor
// and later read back for the guest's response.
type IoFile struct {
	file *os.File
}

// File returns the underlying descriptor, e.g. to pass to the
// hypervisor's pmem attachment.
func (f *IoFile) File() *os.File { return f.file }

// Response is the host-visible view of a completed guest→host envelope:
// response_bytes, optionally followed by a pe-archive payload when the
// response is itself archive-bearing (the caller decides that from the
// response body's own framing, e.g. a JSON field).
type Response struct {
	Body    []byte
	Archive []byte
}

// ReadResponse seeks to 0 and parses the guest→host envelope:
// archive_end:u32le | response_size:u32le | response_bytes | archive_bytes,
// with archive_size derived as archive_end - response_size - 8. A
// response with no archive output simply has archive_end == response_size + 8.
func ReadResponse(f *IoFile) (Response, error) {
	if _, err := f.file.Seek(0, io.SeekStart); err != nil {
		return Response{}, errors.Wrap(err, "iofile: seek response")
	}
	var hdr [envelopeHeaderSize]byte
	if _, err := io.ReadFull(f.file, hdr[:]); err != nil {
		return Response{}, errors.Wrap(ErrTruncated, err.Error())
	}
	archiveEnd := binary.LittleEndian.Uint32(hdr[0:4])
	respSize := binary.LittleEndian.Uint32(hdr[4:8])

	body := make([]byte, respSize)
	if _, err := io.ReadFull(f.file, body); err != nil {
		return Response{}, errors.Wrap(err, "iofile: read response body")
	}

	archiveSize := int64(archiveEnd) - int64(respSize) - envelopeHeaderSize
	if archiveSize < 0 {
		return Response{}, errors.Wrap(ErrTruncated, "iofile: archive_end precedes response body")
	}
	if archiveSize == 0 {
		return Response{Body: body}, nil
	}
	archive := make([]byte, archiveSize)
	if _, err := io.ReadFull(f.file, archive); err != nil {
		return Response{}, errors.Wrap(err, "iofile: read archive")
	}
	return Response{Body: body, Archive: archive}, nil
}

func roundUp(x, align int64) int64 {
	if x == 0 {
		return align
	}
	return ((x + align - 1) / align) * align
}

func roundUpAndSeal(f *os.File) error {
	fi, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "iofile: stat")
	}
	newLen := roundUp(fi.Size(), PmemAlign)
	if newLen != fi.Size() {
		if err := f.Truncate(newLen); err != nil {
			return errors.Wrap(err, "iofile: truncate to pmem alignment")
		}
	}
	if _, err := unix.FcntlInt(f.Fd(), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW); err != nil {
		return errors.Wrap(err, "iofile: seal shrink/grow")
	}
	if _, err := unix.FcntlInt(f.Fd(), unix.F_ADD_SEALS, unix.F_SEAL_SEAL); err != nil {
		return errors.Wrap(err, "iofile: seal seal")
	}
	return nil
}
