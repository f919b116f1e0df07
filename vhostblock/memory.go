package vhostblock

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// memRegion is one guest memory region the front-end shares with this
// backend via SET_MEM_TABLE: a contiguous range of guest physical
// addresses backed by an mmap of an fd passed as ancillary data.
type memRegion struct {
	guestAddr uintptr
	size      uint64
	mmapOffset uint64
	mapped    []byte
}

// memoryMap is the set of regions negotiated for one vhost-user
// session, letting the backend translate a guest physical address
// from a descriptor chain into a host-addressable byte slice.
type memoryMap struct {
	regions []memRegion
}

// parseMemTable decodes a SET_MEM_TABLE payload (a uint32 region
// count followed by, per region, guest_phys_addr/memory_size/
// userspace_addr/mmap_offset, each uint64) and mmaps each region
// using the ancillary fd the front-end sent alongside it, one fd per
// region in order.
func parseMemTable(payload []byte, fds []int) (*memoryMap, error) {
	if len(payload) < 8 {
		return nil, errors.New("vhostblock: SET_MEM_TABLE payload too short")
	}
	count := binary.LittleEndian.Uint32(payload[0:4])
	if int(count) != len(fds) {
		return nil, errors.Errorf("vhostblock: SET_MEM_TABLE region count %d != fd count %d", count, len(fds))
	}

	mm := &memoryMap{}
	const regionSize = 32
	off := 8
	for i := 0; i < int(count); i++ {
		if off+regionSize > len(payload) {
			return nil, errors.New("vhostblock: SET_MEM_TABLE payload truncated")
		}
		r := payload[off : off+regionSize]
		guestAddr := binary.LittleEndian.Uint64(r[0:8])
		size := binary.LittleEndian.Uint64(r[8:16])
		mmapOffset := binary.LittleEndian.Uint64(r[24:32])
		off += regionSize

		fd := fds[i]
		mapped, err := unix.Mmap(fd, int64(mmapOffset), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		unix.Close(fd)
		if err != nil {
			mm.unmapAll()
			return nil, errors.Wrapf(err, "vhostblock: mmap region %d", i)
		}

		mm.regions = append(mm.regions, memRegion{
			guestAddr:  uintptr(guestAddr),
			size:       size,
			mmapOffset: mmapOffset,
			mapped:     mapped,
		})
	}
	return mm, nil
}

func (mm *memoryMap) unmapAll() {
	for _, r := range mm.regions {
		if r.mapped != nil {
			unix.Munmap(r.mapped)
		}
	}
	mm.regions = nil
}

// translate returns the host byte slice backing length bytes starting
// at guest physical address addr, or an error if the range is not
// fully covered by a single negotiated region (virtio descriptors are
// never expected to straddle a region boundary in this backend's
// single-memfd-region usage, but a malicious or buggy front-end could
// try).
func (mm *memoryMap) translate(addr uintptr, length uint32) ([]byte, error) {
	for _, r := range mm.regions {
		if addr < r.guestAddr || addr >= r.guestAddr+uintptr(r.size) {
			continue
		}
		start := addr - r.guestAddr
		end := start + uintptr(length)
		if end > uintptr(r.size) {
			return nil, errors.Errorf("vhostblock: descriptor range [%d,%d) crosses region boundary", addr, uint64(addr)+uint64(length))
		}
		return r.mapped[start:end], nil
	}
	return nil, errors.Errorf("vhostblock: guest address %#x not in any negotiated memory region", addr)
}
