package iofile

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestBuildEnvelopeAndFinish(t *testing.T) {
	b, err := NewBuilder()
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	config := []byte(`{"entrypoint":["/bin/sh"]}`)
	if err := b.WriteEnvelope(config); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}
	archive := bytes.Repeat([]byte{'x'}, 100)
	if _, err := b.Archive().Write(archive); err != nil {
		t.Fatalf("write archive: %v", err)
	}

	iof, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	f := iof.File()

	fi, err := f.Stat()
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if fi.Size()%PmemAlign != 0 {
		t.Fatalf("file size %d not pmem-aligned", fi.Size())
	}
	if fi.Size() != PmemAlign {
		t.Fatalf("file size = %d, want one alignment unit (%d)", fi.Size(), PmemAlign)
	}

	buf := make([]byte, envelopeHeaderSize+len(config))
	if _, err := f.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt header: %v", err)
	}
	gotArchiveSize := binary.LittleEndian.Uint32(buf[0:4])
	gotConfigSize := binary.LittleEndian.Uint32(buf[4:8])
	if gotArchiveSize != uint32(len(archive)) {
		t.Fatalf("archive_size = %d, want %d", gotArchiveSize, len(archive))
	}
	if gotConfigSize != uint32(len(config)) {
		t.Fatalf("config_size = %d, want %d", gotConfigSize, len(config))
	}
	if !bytes.Equal(buf[8:], config) {
		t.Fatalf("config bytes mismatch")
	}
}

func TestReadResponseWithoutArchive(t *testing.T) {
	b, err := NewBuilder()
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if err := b.WriteEnvelope(nil); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}
	iof, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	body := []byte(`{"exit_code":0}`)
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(body)+8))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(body)))
	if _, err := iof.File().WriteAt(append(hdr[:], body...), 0); err != nil {
		t.Fatalf("write response: %v", err)
	}

	resp, err := ReadResponse(iof)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if !bytes.Equal(resp.Body, body) {
		t.Fatalf("resp.Body = %q, want %q", resp.Body, body)
	}
	if len(resp.Archive) != 0 {
		t.Fatalf("resp.Archive = %v, want empty", resp.Archive)
	}
}

func TestReadResponseWithArchive(t *testing.T) {
	b, err := NewBuilder()
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if err := b.WriteEnvelope(nil); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}
	iof, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	body := []byte(`{"exit_code":0}`)
	archive := []byte("fake-pe-archive-bytes")

	var out bytes.Buffer
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(8+len(body)+len(archive)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(body)))
	out.Write(hdr[:])
	out.Write(body)
	out.Write(archive)

	if _, err := iof.File().WriteAt(out.Bytes(), 0); err != nil {
		t.Fatalf("write response: %v", err)
	}

	resp, err := ReadResponse(iof)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if !bytes.Equal(resp.Body, body) {
		t.Fatalf("resp.Body = %q, want %q", resp.Body, body)
	}
	if !bytes.Equal(resp.Archive, archive) {
		t.Fatalf("resp.Archive = %q, want %q", resp.Archive, archive)
	}
}
