package vhostblock

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	descFNext     = 1
	descFWrite    = 2
	descFIndirect = 4
)

const descSize = 16 // addr u64, len u32, flags u16, next u16

// virtio-blk request types this backend recognises; only
// VIRTIO_BLK_T_IN is served, everything else returns UNSUPP per
// spec.md §4.8.
const (
	blkTIn = 0
)

const (
	blkSOK     = 0
	blkSIOErr  = 1
	blkSUnsupp = 2
)

// vring is one negotiated virtqueue: its descriptor table, available
// ring, and used ring, each a view into a negotiated memory region,
// plus the host-side cursor into the avail ring.
type vring struct {
	size uint16

	descTable []byte
	availRing []byte
	usedRing  []byte

	lastAvailIdx uint16
	eventIdx     bool
}

func newVring(size uint16, desc, avail, used []byte, eventIdx bool) *vring {
	return &vring{size: size, descTable: desc, availRing: avail, usedRing: used, eventIdx: eventIdx}
}

func (v *vring) availIdx() uint16 {
	return binary.LittleEndian.Uint16(v.availRing[2:4])
}

func (v *vring) availRingEntry(i uint16) uint16 {
	off := 4 + int(i%v.size)*2
	return binary.LittleEndian.Uint16(v.availRing[off : off+2])
}

// descriptor is one entry from the descriptor table.
type descriptor struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

func (v *vring) descAt(i uint16) descriptor {
	off := int(i) * descSize
	d := v.descTable[off : off+descSize]
	return descriptor{
		addr:  binary.LittleEndian.Uint64(d[0:8]),
		len:   binary.LittleEndian.Uint32(d[8:12]),
		flags: binary.LittleEndian.Uint16(d[12:14]),
		next:  binary.LittleEndian.Uint16(d[14:16]),
	}
}

// descChain is one popped request: the head index (needed for
// AddUsed), the readable header descriptor, zero or more writable
// data descriptors, and the final writable status descriptor.
type descChain struct {
	headIndex uint16
	header    descriptor
	data      []descriptor
	status    descriptor
}

// hasNewRequests reports whether the guest has published any
// descriptor chains this backend hasn't popped yet.
func (v *vring) hasNewRequests() bool {
	return v.availIdx() != v.lastAvailIdx
}

// popDescriptorChain pops the next available descriptor chain,
// classifying its descriptors into header/data/status per spec.md
// §4.8's "Request handling" steps: first descriptor readable (the
// request header), middle descriptors writable (the read buffer, up
// to segMax of them), last descriptor writable with length >= 1 (the
// status byte destination).
func (v *vring) popDescriptorChain(segMax int) (descChain, bool, error) {
	if !v.hasNewRequests() {
		return descChain{}, false, nil
	}
	headIdx := v.availRingEntry(v.lastAvailIdx)
	v.lastAvailIdx++

	chain := descChain{headIndex: headIdx}
	idx := headIdx
	first := true
	for {
		d := v.descAt(idx)
		if d.flags&descFIndirect != 0 {
			return descChain{}, true, errors.New("vhostblock: indirect descriptors not supported")
		}
		switch {
		case first:
			chain.header = d
			first = false
		case d.flags&descFNext == 0 && d.flags&descFWrite != 0:
			// Last descriptor in the chain and writable: the status
			// byte. Writable descriptors with NEXT set go to the data
			// arm below.
			chain.status = d
		case d.flags&descFWrite != 0:
			if len(chain.data) >= segMax {
				return descChain{}, true, errors.New("vhostblock: descriptor chain exceeds seg_max")
			}
			chain.data = append(chain.data, d)
		default:
			return descChain{}, true, errors.New("vhostblock: unexpected readable descriptor mid-chain")
		}
		if d.flags&descFNext == 0 {
			break
		}
		idx = d.next
	}

	// Fallback: move the last data descriptor to status if status was
	// never set. The status arm above claims every writable final
	// descriptor and data only receives descriptors with NEXT set, so a
	// chain that reaches here without a status has no data either.
	if chain.status == (descriptor{}) && len(chain.data) > 0 {
		chain.status = chain.data[len(chain.data)-1]
		chain.data = chain.data[:len(chain.data)-1]
	}

	return chain, true, nil
}

// addUsed publishes headIndex as completed with totalLen bytes
// written, advancing the used ring's idx.
func (v *vring) addUsed(headIndex uint16, totalLen uint32) {
	usedIdx := binary.LittleEndian.Uint16(v.usedRing[2:4])
	entryOff := 4 + int(usedIdx%v.size)*8
	binary.LittleEndian.PutUint32(v.usedRing[entryOff:entryOff+4], uint32(headIndex))
	binary.LittleEndian.PutUint32(v.usedRing[entryOff+4:entryOff+8], totalLen)
	binary.LittleEndian.PutUint16(v.usedRing[2:4], usedIdx+1)
}

// needsNotification implements the EVENT_IDX suppression rule: the
// guest only needs signalling if its used_event cursor has been
// passed by what was just published.
func (v *vring) needsNotification() bool {
	if !v.eventIdx {
		return true
	}
	usedEventOff := 4 + int(v.size)*2
	usedEvent := binary.LittleEndian.Uint16(v.availRing[usedEventOff : usedEventOff+2])
	usedIdx := binary.LittleEndian.Uint16(v.usedRing[2:4])
	return usedIdx-usedEvent-1 < usedIdx
}
