package vhostblock

import (
	"encoding/binary"
	"math/bits"
)

// BlockConfig is the virtio-blk config block spec.md §4.8 requires
// this backend to report in response to GET_CONFIG: capacity in
// 512-byte sectors, the backing block size, and the queue/segment
// limits negotiated at construction time.
type BlockConfig struct {
	CapacitySectors uint64
	BlockSize       uint32
	SegMax          uint32
	NumQueues       uint16
}

// MarshalBinary encodes the subset of struct virtio_blk_config this
// backend populates, little-endian, matching the field layout the
// virtio specification defines (capacity first, everything else
// following in declared order; unused trailing fields are zero).
func (c BlockConfig) MarshalBinary() []byte {
	buf := make([]byte, 60)
	binary.LittleEndian.PutUint64(buf[0:8], c.CapacitySectors)
	// size_max
	binary.LittleEndian.PutUint32(buf[8:12], 1<<20)
	// seg_max
	binary.LittleEndian.PutUint32(buf[12:16], c.SegMax)
	// geometry (cylinders/heads/sectors) left zero: not meaningful for
	// this backend's flat block device.
	binary.LittleEndian.PutUint32(buf[20:24], c.BlockSize)
	// topology: physical_block_exp, alignment_offset, min_io_size,
	// opt_io_size
	buf[24] = uint8(bits.Len32(c.BlockSize) - 1) // physical_block_exp = log2(blk_size)
	binary.LittleEndian.PutUint16(buf[26:28], 1) // min_io_size
	binary.LittleEndian.PutUint32(buf[28:32], 1) // opt_io_size
	// writeback, unused, max_discard_sectors... left zero (not negotiated)
	binary.LittleEndian.PutUint16(buf[34:36], c.NumQueues)
	return buf
}
