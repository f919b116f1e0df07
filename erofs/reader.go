package erofs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"

	"github.com/pkg/errors"
)

// Sentinel errors named after the operations' contracts in spec.md §4.1.
var (
	ErrBadMagic           = errors.New("erofs: bad superblock magic")
	ErrBadSuperblock       = errors.New("erofs: bad superblock")
	ErrOob                 = errors.New("erofs: offset out of bounds")
	ErrBadConversion       = errors.New("erofs: inode conversion failed")
	ErrNotSymlink          = errors.New("erofs: not a symlink")
	ErrBlockLenShouldBeZero = errors.New("erofs: non-tail raw_blkaddr sentinel with nonzero block length")
	ErrInvalidXattrPrefix  = errors.New("erofs: invalid xattr prefix")
)

// LayoutNotHandled is returned when an inode's data layout isn't one this
// reader understands.
type LayoutNotHandled struct{ Layout uint16 }

func (e *LayoutNotHandled) Error() string {
	return fmt.Sprintf("erofs: layout %d not handled", e.Layout)
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Reader exposes a read-only view of an EROFS image read through an
// io.ReaderAt. Accessors read the bytes they return into newly allocated
// slices; they do not return views into the source, and Reader never
// writes to it.
type Reader struct {
	src io.ReaderAt
	sb  SuperBlock
}

// Open parses the superblock at SuperBlockOffset from src and returns a
// Reader. It does not verify the checksum; call VerifyChecksum explicitly.
func Open(src io.ReaderAt) (*Reader, error) {
	r := &Reader{src: src}
	if err := r.unmarshalFrom(SuperBlockOffset, &r.sb); err != nil {
		return nil, errors.Wrap(ErrOob, err.Error())
	}
	if r.sb.Magic != SuperBlockMagic {
		return nil, ErrBadMagic
	}
	if unsupported := r.sb.FeatureIncompat &^ uint32(FeatureIncompatSupported); unsupported != 0 {
		return nil, errors.Wrapf(ErrBadSuperblock, "unsupported incompatible features 0x%x", unsupported)
	}
	return r, nil
}

// SuperBlock returns a copy of the parsed superblock.
func (r *Reader) SuperBlock() SuperBlock { return r.sb }

// BlockSize returns the image's block size in bytes.
func (r *Reader) BlockSize() uint32 { return r.sb.BlockSize() }

// VerifyChecksum recomputes the CRC32-C over the first block with the
// checksum field zeroed and compares it to the stored value.
func (r *Reader) VerifyChecksum() (bool, error) {
	sb := r.sb
	sb.Checksum = 0

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, sb); err != nil {
		return false, err
	}

	checksum := crc32.Checksum(buf.Bytes(), crc32cTable)

	rest := int64(r.BlockSize()) - (SuperBlockOffset + SuperBlockSize)
	tail, err := r.bytesAt(SuperBlockOffset+SuperBlockSize, rest)
	if err != nil {
		return false, errors.Wrap(ErrOob, "image shorter than one block")
	}
	checksum = ^crc32.Update(checksum, crc32cTable, tail)

	return checksum == r.sb.Checksum, nil
}

// Root returns the root directory inode.
func (r *Reader) Root() (Inode, error) { return r.Inode(uint64(r.sb.RootNid)) }

// Inode looks up the inode identified by disk id (nid).
func (r *Reader) Inode(nid uint64) (Inode, error) {
	ino := Inode{reader: r, nid: nid}

	off := r.sb.NidToOffset(nid)
	format, err := r.inodeFormatAt(off)
	if err != nil {
		return Inode{}, err
	}
	ino.format = format

	var (
		rawBlockAddr uint32
		inodeSize    int64
	)

	switch ino.Layout() {
	case InodeLayoutCompact:
		var c InodeCompact
		if err := r.unmarshalFrom(off, &c); err != nil {
			return Inode{}, errors.Wrap(ErrOob, err.Error())
		}
		if c.XattrCount != 0 {
			ino.xattrOff = off + InodeCompactSize
		}
		rawBlockAddr = c.RawBlockAddr
		inodeSize = InodeCompactSize
		ino.size = uint64(c.Size)
		ino.nlink = uint32(c.Nlink)
		ino.mode = c.Mode
		ino.uid = uint32(c.UID)
		ino.gid = uint32(c.GID)
		ino.mtime = r.sb.BuildTime
		ino.mtimeNsec = r.sb.BuildTimeNsec
		ino.xattrCount = c.XattrCount

	case InodeLayoutExtended:
		var e InodeExtended
		if err := r.unmarshalFrom(off, &e); err != nil {
			return Inode{}, errors.Wrap(ErrOob, err.Error())
		}
		if e.XattrCount != 0 {
			ino.xattrOff = off + InodeExtendedSize
		}
		rawBlockAddr = e.RawBlockAddr
		inodeSize = InodeExtendedSize
		ino.size = e.Size
		ino.nlink = e.Nlink
		ino.mode = e.Mode
		ino.uid = e.UID
		ino.gid = e.GID
		ino.mtime = e.Mtime
		ino.mtimeNsec = e.MtimeNsec
		ino.xattrCount = e.XattrCount

	default:
		return Inode{}, errors.Wrapf(ErrBadConversion, "nid %d", nid)
	}

	xattrLen := int64(0)
	if ino.xattrCount != 0 {
		xattrLen = int64(ino.xattrCount-1)*4 + XattrHeaderSize
	}
	dataStart := off + inodeSize + xattrLen

	blockSize := int64(r.BlockSize())
	ino.blocks = (int64(ino.size) + blockSize - 1) / blockSize

	switch ino.DataLayout() {
	case LayoutFlatInline:
		tailSize := int64(ino.size) & (blockSize - 1)
		if (tailSize == 0 && ino.size != 0) || tailSize > blockSize-(dataStart-off) {
			return Inode{}, errors.Wrapf(ErrBadConversion, "inline data not found or crosses block boundary at nid %d", nid)
		}
		ino.idataOff = dataStart
		if rawBlockAddr != 0xFFFFFFFF {
			ino.dataOff = r.sb.BlockAddrToOffset(rawBlockAddr)
		}
	case LayoutFlatPlain:
		if rawBlockAddr == 0xFFFFFFFF {
			if ino.blocks != 0 {
				return Inode{}, ErrBlockLenShouldBeZero
			}
		} else {
			ino.dataOff = r.sb.BlockAddrToOffset(rawBlockAddr)
		}
	case LayoutCompressedFull, LayoutCompressedCompact:
		ino.mapHeaderOff = dataStart
	default:
		return Inode{}, &LayoutNotHandled{Layout: ino.DataLayout()}
	}

	return ino, nil
}

func (r *Reader) inodeFormatAt(off int64) (uint16, error) {
	buf, err := r.bytesAt(off, 2)
	if err != nil {
		return 0, errors.Wrap(ErrOob, err.Error())
	}
	return binary.LittleEndian.Uint16(buf), nil
}

func (r *Reader) direntAt(off int64) (Dirent, error) {
	var d Dirent
	if err := r.unmarshalFrom(off, &d); err != nil {
		return Dirent{}, errors.Wrap(ErrOob, err.Error())
	}
	return d, nil
}

func (r *Reader) bytesAt(off, n int64) ([]byte, error) {
	if n < 0 {
		return nil, ErrOob
	}
	buf := make([]byte, n)
	if _, err := r.src.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

func (r *Reader) unmarshalFrom(off int64, data any) error {
	return binary.Read(io.NewSectionReader(r.src, off, int64(binary.Size(data))), binary.LittleEndian, data)
}

// Inode is a decoded view over one on-disk inode plus enough bookkeeping
// to resolve its data and dirent blocks.
type Inode struct {
	reader *Reader
	nid    uint64

	format uint16

	dataOff      int64
	idataOff     int64
	xattrOff     int64
	mapHeaderOff int64
	blocks       int64

	mode       uint16
	size       uint64
	mtime      uint64
	mtimeNsec  uint32
	uid        uint32
	gid        uint32
	nlink      uint32
	xattrCount uint16
}

func bitRange(v, bit, bits uint16) uint16 { return (v >> bit) & ((1 << bits) - 1) }

// Layout returns whether this is a compact or extended inode.
func (ino *Inode) Layout() uint16 { return bitRange(ino.format, inodeLayoutBit, inodeLayoutBits) }

// DataLayout returns the file's data layout (FlatPlain, FlatInline, ...).
func (ino *Inode) DataLayout() uint16 {
	return bitRange(ino.format, inodeDataLayoutBit, inodeDataLayoutBits)
}

func (ino *Inode) Nid() uint64      { return ino.nid }
func (ino *Inode) Size() uint64     { return ino.size }
func (ino *Inode) Nlink() uint32    { return ino.nlink }
func (ino *Inode) UID() uint32      { return ino.uid }
func (ino *Inode) GID() uint32      { return ino.gid }
func (ino *Inode) Mtime() uint64    { return ino.mtime }
func (ino *Inode) MtimeNsec() uint32 { return ino.mtimeNsec }

func (ino *Inode) IsRegular() bool { return ino.mode&sIFMT == sIFREG }
func (ino *Inode) IsDir() bool     { return ino.mode&sIFMT == sIFDIR }
func (ino *Inode) IsSymlink() bool { return ino.mode&sIFMT == sIFLNK }

// Mode returns the fs.FileMode for this inode (type bits plus permission
// bits).
func (ino *Inode) Mode() fs.FileMode {
	mode := fs.FileMode(ino.mode) & fs.ModePerm
	switch {
	case ino.IsDir():
		mode |= fs.ModeDir
	case ino.IsSymlink():
		mode |= fs.ModeSymlink
	}
	return mode
}

// Data returns the (head-block, inline-tail) slices for this inode's
// content, per spec.md §4.1. For FlatPlain the tail is always empty; for
// FlatInline either half may be empty (e.g. a zero-length file).
func (ino *Inode) Data() (head []byte, tail []byte, err error) {
	switch ino.DataLayout() {
	case LayoutFlatPlain:
		if ino.dataOff == 0 && ino.size == 0 {
			return nil, nil, nil
		}
		head, err = ino.reader.bytesAt(ino.dataOff, int64(ino.size))
		return head, nil, err

	case LayoutFlatInline:
		blockSize := int64(ino.reader.BlockSize())
		idataSize := int64(ino.size) & (blockSize - 1)
		headSize := int64(ino.size) - idataSize
		if headSize > 0 {
			head, err = ino.reader.bytesAt(ino.dataOff, headSize)
			if err != nil {
				return nil, nil, err
			}
		}
		if idataSize > 0 {
			tail, err = ino.reader.bytesAt(ino.idataOff, idataSize)
			if err != nil {
				return nil, nil, err
			}
		}
		return head, tail, nil

	default:
		return nil, nil, &LayoutNotHandled{Layout: ino.DataLayout()}
	}
}

// Reader returns an io.Reader over this inode's data, head followed by
// tail.
func (ino *Inode) Reader() (io.Reader, error) {
	head, tail, err := ino.Data()
	if err != nil {
		return nil, err
	}
	return io.MultiReader(bytes.NewReader(head), bytes.NewReader(tail)), nil
}

// Readlink returns a symlink's target.
func (ino *Inode) Readlink() (string, error) {
	if !ino.IsSymlink() {
		return "", ErrNotSymlink
	}
	head, tail, err := ino.Data()
	if err != nil {
		return "", err
	}
	return string(head) + string(tail), nil
}

type blockData struct {
	base int64
	size uint32
}

func (ino *Inode) blockDataInfo(blockIdx int64) blockData {
	blockSize := ino.reader.BlockSize()
	lastBlock := blockIdx == ino.blocks-1
	base := ino.idataOff
	if !lastBlock || base == 0 {
		base = ino.dataOff + blockIdx*int64(blockSize)
	}
	size := blockSize
	if lastBlock {
		if tailSize := uint32(ino.size) & (blockSize - 1); tailSize != 0 {
			size = tailSize
		}
	}
	return blockData{base: base, size: size}
}

func (ino *Inode) dirent0(block blockData) (Dirent, error) {
	d0, err := ino.reader.direntAt(block.base)
	if err != nil {
		return Dirent{}, err
	}
	if d0.NameOff < DirentSize || uint32(d0.NameOff) >= block.size {
		return Dirent{}, errors.Wrapf(ErrBadConversion, "invalid nameoff0 %d at nid %d", d0.NameOff, ino.nid)
	}
	return d0, nil
}

func (ino *Inode) direntName(d Dirent, direntOff int64, block blockData, last bool) ([]byte, error) {
	var nameLen uint32
	if last {
		nameLen = block.size - uint32(d.NameOff)
	} else {
		next, err := ino.reader.direntAt(direntOff + DirentSize)
		if err != nil {
			return nil, err
		}
		nameLen = uint32(next.NameOff - d.NameOff)
	}
	if uint32(d.NameOff)+nameLen > block.size || nameLen > MaxNameLen || nameLen == 0 {
		return nil, errors.Wrap(ErrBadConversion, "corrupted dirent")
	}
	name, err := ino.reader.bytesAt(block.base+int64(d.NameOff), int64(nameLen))
	if err != nil {
		return nil, err
	}
	if last {
		if n := bytes.IndexByte(name, 0); n != -1 {
			name = name[:n]
		}
	}
	return name, nil
}

// DirentItem is one entry yielded while walking a directory.
type DirentItem struct {
	Name     string
	FileType uint8
	Nid      uint64
}

// Dirents invokes cb for every entry of the directory represented by ino,
// in on-disk (alphabetical) order. A directory block shorter than
// BlockSize terminates iteration at the slice end without error.
func (ino *Inode) Dirents(cb func(DirentItem) error) error {
	if !ino.IsDir() {
		return errors.Wrap(ErrBadConversion, "not a directory")
	}
	for blockIdx := int64(0); blockIdx < ino.blocks; blockIdx++ {
		block := ino.blockDataInfo(blockIdx)
		d, err := ino.dirent0(block)
		if err != nil {
			return err
		}
		numDirents := d.NameOff / DirentSize
		direntOff := block.base
		for {
			name, err := ino.direntName(d, direntOff, block, numDirents == 1)
			if err != nil {
				return err
			}
			if err := cb(DirentItem{Name: string(name), FileType: d.FileType, Nid: d.Nid}); err != nil {
				return err
			}
			numDirents--
			if numDirents == 0 {
				break
			}
			direntOff += DirentSize
			d, err = ino.reader.direntAt(direntOff)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// Lookup finds a single named child via binary search over the sorted
// dirent blocks, mirroring the kernel driver's fs/erofs/namei.c.
func (ino *Inode) Lookup(name string) (DirentItem, bool, error) {
	if !ino.IsDir() {
		return DirentItem{}, false, errors.Wrap(ErrBadConversion, "not a directory")
	}
	nameBytes := []byte(name)

	var targetBlock blockData
	var targetCount uint16
	found := false

	bLeft, bRight := int64(0), ino.blocks-1
	for bLeft <= bRight {
		mid := (bLeft + bRight) >> 1
		block := ino.blockDataInfo(mid)
		d0, err := ino.dirent0(block)
		if err != nil {
			return DirentItem{}, false, err
		}
		numDirents := d0.NameOff / DirentSize
		d0Name, err := ino.direntName(d0, block.base, block, numDirents == 1)
		if err != nil {
			return DirentItem{}, false, err
		}
		switch bytes.Compare(nameBytes, d0Name) {
		case 0:
			return DirentItem{Name: string(d0Name), FileType: d0.FileType, Nid: d0.Nid}, true, nil
		case 1:
			targetBlock, targetCount, found = block, numDirents, true
			bLeft = mid + 1
		case -1:
			bRight = mid - 1
		}
	}
	if !found {
		return DirentItem{}, false, nil
	}

	dLeft, dRight := uint16(1), targetCount-1
	for dLeft <= dRight {
		mid := (dLeft + dRight) >> 1
		direntOff := targetBlock.base + int64(mid)*DirentSize
		d, err := ino.reader.direntAt(direntOff)
		if err != nil {
			return DirentItem{}, false, err
		}
		dName, err := ino.direntName(d, direntOff, targetBlock, mid == targetCount-1)
		if err != nil {
			return DirentItem{}, false, err
		}
		switch bytes.Compare(nameBytes, dName) {
		case 0:
			return DirentItem{Name: string(dName), FileType: d.FileType, Nid: d.Nid}, true, nil
		case 1:
			dLeft = mid + 1
		case -1:
			dRight = mid - 1
		}
	}
	return DirentItem{}, false, nil
}

// XattrItem is one decoded extended attribute.
type XattrItem struct {
	Name  string
	Value []byte
}

func xattrPrefix(id uint8) string {
	switch id &^ 0x80 {
	case XattrPrefixUser:
		return "user."
	case XattrPrefixPosixACLAccess:
		return "system.posix_acl_access"
	case XattrPrefixPosixACLDefault:
		return "system.posix_acl_default"
	case XattrPrefixTrusted:
		return "trusted."
	case XattrPrefixSecurity:
		return "security."
	default:
		return ""
	}
}

// sharedXattrBase returns the byte offset of the image-wide shared
// xattr block named by the superblock's XattrBlockAddr, or ok=false if
// the image has none (no xattr is shared by two or more inodes).
func (r *Reader) sharedXattrBase() (int64, bool) {
	if r.sb.XattrBlockAddr == 0 {
		return 0, false
	}
	return r.sb.BlockAddrToOffset(r.sb.XattrBlockAddr), true
}

// decodeXattrEntryAt decodes one on-disk xattr entry (a 4-byte header
// followed by its name and value, padded to a 4-byte boundary) at off,
// the layout shared by both the inline region and the image-wide
// shared xattr block. It returns the decoded item and the byte offset
// to advance by to reach the next entry.
func (r *Reader) decodeXattrEntryAt(off int64) (XattrItem, int64, error) {
	var ent XattrEntry
	if err := r.unmarshalFrom(off, &ent); err != nil {
		return XattrItem{}, 0, errors.Wrap(ErrOob, err.Error())
	}
	const entHeaderSize = 4
	nameBuf, err := r.bytesAt(off+entHeaderSize, int64(ent.NameLen))
	if err != nil {
		return XattrItem{}, 0, err
	}
	valueBuf, err := r.bytesAt(off+entHeaderSize+int64(ent.NameLen), int64(ent.ValueSize))
	if err != nil {
		return XattrItem{}, 0, err
	}
	name := xattrPrefix(ent.PrefixIndex) + string(nameBuf)
	entLen := entHeaderSize + int64(ent.NameLen) + int64(ent.ValueSize)
	padded := (entLen + 3) &^ 3
	return XattrItem{Name: name, Value: valueBuf}, padded, nil
}

// resolveSharedXattrs looks up the xattr at each given 0-based position
// in the image-wide shared xattr block, walking from its start since
// entries are variable-length and positions are not byte offsets.
func (r *Reader) resolveSharedXattrs(indices []uint32) ([]XattrItem, error) {
	base, ok := r.sharedXattrBase()
	if !ok {
		return nil, errors.Wrap(ErrBadConversion, "inode references shared xattrs but image has no xattr block")
	}
	maxIdx := uint32(0)
	for _, idx := range indices {
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	byPos := make([]XattrItem, maxIdx+1)
	off := base
	for i := uint32(0); i <= maxIdx; i++ {
		item, padded, err := r.decodeXattrEntryAt(off)
		if err != nil {
			return nil, errors.Wrap(err, "shared xattr block")
		}
		byPos[i] = item
		off += padded
	}
	out := make([]XattrItem, len(indices))
	for i, idx := range indices {
		out[i] = byPos[idx]
	}
	return out, nil
}

// Xattrs invokes cb for every extended attribute of ino: shared entries
// (resolved by position out of the image-wide shared xattr block named
// by the superblock's XattrBlockAddr) first, then inline entries, each
// 4-byte aligned. A malformed inline entry yields ErrInvalidXattrPrefix
// for that entry and iteration stops there.
func (ino *Inode) Xattrs(cb func(XattrItem) error) error {
	if ino.xattrOff == 0 {
		return nil
	}
	var hdr XattrHeader
	if err := ino.reader.unmarshalFrom(ino.xattrOff, &hdr); err != nil {
		return errors.Wrap(ErrOob, err.Error())
	}

	sharedOff := ino.xattrOff + XattrHeaderSize
	inlineOff := sharedOff + int64(hdr.SharedCount)*4
	end := ino.xattrLenEnd()

	if hdr.SharedCount > 0 {
		idxBuf, err := ino.reader.bytesAt(sharedOff, int64(hdr.SharedCount)*4)
		if err != nil {
			return errors.Wrap(ErrOob, err.Error())
		}
		indices := make([]uint32, hdr.SharedCount)
		for i := range indices {
			indices[i] = binary.LittleEndian.Uint32(idxBuf[i*4 : i*4+4])
		}
		items, err := ino.reader.resolveSharedXattrs(indices)
		if err != nil {
			return err
		}
		for _, item := range items {
			if err := cb(item); err != nil {
				return err
			}
		}
	}

	for inlineOff < end {
		item, padded, err := ino.reader.decodeXattrEntryAt(inlineOff)
		if err != nil {
			return ErrInvalidXattrPrefix
		}
		if err := cb(item); err != nil {
			return err
		}
		inlineOff += padded
	}
	return nil
}

// xattrLenEnd returns the byte offset one past this inode's inline xattr
// region, derived from the length-encoded xattr-count field.
func (ino *Inode) xattrLenEnd() int64 {
	if ino.xattrCount == 0 {
		return ino.xattrOff
	}
	length := int64(ino.xattrCount-1)*4 + XattrHeaderSize
	return ino.xattrOff + length
}
