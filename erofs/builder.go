package erofs

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Builder errors, named after peerofs/src/build.rs's Error enum.
var (
	ErrFileExists      = errors.New("erofs: file exists")
	ErrBadFilename     = errors.New("erofs: bad filename")
	ErrEmptyPath       = errors.New("erofs: empty path")
	ErrEmptyFilename   = errors.New("erofs: empty filename")
	ErrNotADir         = errors.New("erofs: parent is not a directory")
	ErrMetaBlockTooBig = errors.New("erofs: metadata region exceeds 32-bit block address space")
	ErrNotFound        = errors.New("erofs: path not found")
)

// Meta holds the per-entry metadata the builder records; mtime is seconds
// since the epoch, matching the superblock's BuildTime field used for
// compact inodes.
type Meta struct {
	UID   uint32
	GID   uint32
	Mtime uint64
	Perm  uint16 // permission bits only, type bits are derived from the node kind
}

type nodeKind int

const (
	nodeFile nodeKind = iota
	nodeDir
	nodeSymlink
)

// node is one entry in the builder's in-memory tree. Directories own their
// children by value in a map; hard links are resolved at Finalize by
// pointing a second dirent at an existing file node's diskID, so the tree
// itself never has back-references or cycles (see the design note on
// tree cycles).
type node struct {
	kind nodeKind
	meta Meta
	name string

	// file
	startBlock uint64
	blockLen   uint64
	size       uint64
	tail       []byte

	// symlink
	target string

	// dir
	children     map[string]*node
	direntGroups [][]string // names per dirent block, fixed during the reservation pass
	parent       *node      // nil only for the root, which is its own ".."

	// resolved at Finalize
	diskID   uint32
	nlink    uint32
	xattrs   []XattrItem
	linkedTo *node // set when this entry is a hard link to another file node
}

func newDirNode(meta Meta) *node {
	return &node{kind: nodeDir, meta: meta, children: make(map[string]*node), nlink: 2}
}

// Builder streams OCI layer file data to its underlying writer immediately
// and buffers only the directory tree and file tails in memory, emitting
// inodes/dirents/xattrs at Finalize. See spec.md §4.2 for the full
// algorithm and rationale.
type Builder struct {
	w             io.WriteSeeker
	blockSizeBits uint
	curDataBlock  uint64
	root          *node

	deletedFiles map[string]bool
	opaqueDirs   map[string]bool
}

// NewBuilder creates a Builder writing to w. Block size is fixed at 4096
// bytes (blockSizeBits=12), matching peerofs's hard-coded default.
func NewBuilder(w io.WriteSeeker) (*Builder, error) {
	b := &Builder{
		w:             w,
		blockSizeBits: 12,
		curDataBlock:  1, // block 0 holds the superblock
		root:          newDirNode(Meta{}),
	}
	if err := b.seekBlock(b.curDataBlock); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Builder) blockSize() uint64 { return 1 << b.blockSizeBits }

func (b *Builder) seekBlock(block uint64) error {
	_, err := b.w.Seek(int64(block<<b.blockSizeBits), io.SeekStart)
	return err
}

func splitPath(p string) ([]string, string, error) {
	p = strings.Trim(p, "/")
	if p == "" || p == "." || p == ".." {
		return nil, "", ErrBadFilename
	}
	parts := strings.Split(p, "/")
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return nil, "", ErrBadFilename
		}
	}
	name := parts[len(parts)-1]
	if name == "" {
		return nil, "", ErrEmptyFilename
	}
	return parts[:len(parts)-1], name, nil
}

func (b *Builder) getOrCreateDir(parts []string) (*node, error) {
	cur := b.root
	for _, part := range parts {
		child, ok := cur.children[part]
		if !ok {
			child = newDirNode(Meta{Mtime: cur.meta.Mtime})
			child.name = part
			child.parent = cur
			cur.children[part] = child
		} else if child.kind != nodeDir {
			return nil, ErrNotADir
		}
		cur = child
	}
	return cur, nil
}

// UpsertDir creates any missing parent directories (and the directory
// itself if absent), updating meta if it already existed.
func (b *Builder) UpsertDir(p string, meta Meta) error {
	parts, name, err := splitPath(p)
	if err != nil {
		if errors.Is(err, ErrBadFilename) && (p == "" || p == "/") {
			b.root.meta = meta
			return nil
		}
		return err
	}
	parent, err := b.getOrCreateDir(parts)
	if err != nil {
		return err
	}
	existing, ok := parent.children[name]
	if ok {
		if existing.kind != nodeDir {
			return ErrNotADir
		}
		existing.meta = meta
		return nil
	}
	d := newDirNode(meta)
	d.name = name
	d.parent = parent
	parent.children[name] = d
	return nil
}

// AddFile reads len bytes from r, writing ⌊len/block_size⌋ blocks to the
// current data cursor and keeping the remainder as an in-memory tail
// unless the tail would waste more than half a block, in which case it is
// promoted to a final full block (SPEC_FULL.md §5 resolves the promotion
// threshold as tailLen > blockSize/2).
func (b *Builder) AddFile(p string, meta Meta, size int64, r io.Reader) error {
	parts, name, err := splitPath(p)
	if err != nil {
		return err
	}
	parent, err := b.getOrCreateDir(parts)
	if err != nil {
		return err
	}
	if _, ok := parent.children[name]; ok {
		return ErrFileExists
	}

	blockSize := int64(b.blockSize())
	nBlocks := size / blockSize
	tailLen := size % blockSize
	promote := tailLen*2 > blockSize

	startBlock := b.curDataBlock
	if err := b.seekBlock(b.curDataBlock); err != nil {
		return err
	}

	blockBytes := nBlocks * blockSize
	if promote {
		blockBytes += tailLen
	}
	if _, err := io.CopyN(b.w, r, blockBytes); err != nil {
		return errors.Wrap(err, "write file data blocks")
	}
	blocksWritten := uint64((blockBytes + blockSize - 1) / blockSize)
	b.curDataBlock += blocksWritten

	var tail []byte
	if !promote && tailLen > 0 {
		tail = make([]byte, tailLen)
		if _, err := io.ReadFull(r, tail); err != nil {
			return errors.Wrap(err, "read file tail")
		}
	}

	f := &node{
		kind:       nodeFile,
		meta:       meta,
		name:       name,
		startBlock: startBlock,
		blockLen:   blocksWritten,
		size:       uint64(size),
		tail:       tail,
		nlink:      1,
	}
	parent.children[name] = f
	return nil
}

// AddSymlink creates a symlink whose target is inlined in the tail.
func (b *Builder) AddSymlink(p, target string, meta Meta) error {
	parts, name, err := splitPath(p)
	if err != nil {
		return err
	}
	parent, err := b.getOrCreateDir(parts)
	if err != nil {
		return err
	}
	if _, ok := parent.children[name]; ok {
		return ErrFileExists
	}
	parent.children[name] = &node{
		kind:   nodeSymlink,
		meta:   meta,
		name:   name,
		target: target,
		size:   uint64(len(target)),
		nlink:  1,
	}
	return nil
}

// SetXattrs attaches extended attributes to the file, directory, or
// symlink already added at p, overwriting any previously set. Two or
// more nodes sharing the same name/value pair are written once into the
// image-wide shared xattr block at Finalize (collectSharedXattrs) and
// resolved back by position on read (Reader.sharedXattrBase).
func (b *Builder) SetXattrs(p string, xattrs []XattrItem) error {
	parts, name, err := splitPath(p)
	if err != nil {
		if errors.Is(err, ErrBadFilename) && (p == "" || p == "/") {
			b.root.xattrs = xattrs
			return nil
		}
		return err
	}
	parent, err := b.getOrCreateDir(parts)
	if err != nil {
		return err
	}
	n, ok := parent.children[name]
	if !ok {
		return ErrNotFound
	}
	n.xattrs = xattrs
	return nil
}

// AddLink records a hard-link intent from p to the existing file at
// target; resolution (diskID sharing, nlink accounting) happens at
// Finalize.
func (b *Builder) AddLink(p, target string) error {
	parts, name, err := splitPath(p)
	if err != nil {
		return err
	}
	tParts, tName, err := splitPath(target)
	if err != nil {
		return err
	}
	tParent, err := b.getOrCreateDir(tParts)
	if err != nil {
		return err
	}
	targetNode, ok := tParent.children[tName]
	if !ok || targetNode.kind != nodeFile {
		return errors.Wrap(ErrNotADir, "link target is not a regular file")
	}
	parent, err := b.getOrCreateDir(parts)
	if err != nil {
		return err
	}
	if _, ok := parent.children[name]; ok {
		return ErrFileExists
	}
	parent.children[name] = &node{kind: nodeFile, name: name, linkedTo: targetNode}
	targetNode.nlink++
	return nil
}

// resolvedTarget follows a hard-link indirection to the node actually
// holding file data.
func (n *node) resolvedTarget() *node {
	if n.linkedTo != nil {
		return n.linkedTo
	}
	return n
}

// sortedNames returns a dir's child names sorted ascending, matching the
// on-disk dirent ordering invariant.
func sortedNames(dir *node) []string {
	names := make([]string, 0, len(dir.children))
	for name := range dir.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Finalize runs the five-step algorithm from spec.md §4.2: reserve
// dirent blocks bottom-up, assign disk ids in post-order (children before
// parent, SPEC_FULL.md §5), emit the xattr shared table, write inodes and
// inline tails, then the superblock.
//
// A disk id is a 32-byte-slot index: inode_offset = meta_blkaddr*block_size
// + 32*disk_id. Inode records are NOT uniformly 32 bytes once inline
// xattrs or an inlined tail follow the fixed header, so ids cannot be a
// plain 0,1,2... counter; each node's id is derived from a running byte
// cursor advanced by that node's actual on-disk stride and rounded up to
// the next 32-byte boundary, in exactly the traversal order writeInodes
// later writes in, so the two passes agree on every offset.
func (b *Builder) Finalize() error {
	var errs *multierror.Error

	if err := b.reserveDirentBlocks(b.root); err != nil {
		return errors.Wrap(err, "reserve dirent blocks")
	}

	sharedXattrs := b.collectSharedXattrs(b.root)

	cursor := int64(0)
	var assignIDs func(n *node)
	assignIDs = func(n *node) {
		if n.kind == nodeDir {
			for _, name := range sortedNames(n) {
				child := n.children[name]
				if child.linkedTo == nil {
					assignIDs(child)
				}
			}
		}
		if n.linkedTo == nil {
			n.diskID = uint32(cursor / InodeSlotSize)
			cursor += inodeStride(n, sharedXattrs)
			if rem := cursor % InodeSlotSize; rem != 0 {
				cursor += InodeSlotSize - rem
			}
		}
	}
	assignIDs(b.root)

	if err := b.writeDirentBlocks(b.root); err != nil {
		return errors.Wrap(err, "write dirent blocks")
	}

	var xattrBlockAddr uint32
	if len(sharedXattrs) > 0 {
		if err := b.seekBlock(b.curDataBlock); err != nil {
			return err
		}
		xattrBlockAddr = uint32(b.curDataBlock)
		if err := b.writeSharedXattrBlock(sharedXattrs); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	metaBlockStart := b.curDataBlock
	if err := b.seekBlock(metaBlockStart); err != nil {
		return err
	}

	inodeCount := uint64(0)
	var writeInodes func(n *node) error
	writeInodes = func(n *node) error {
		if n.kind == nodeDir {
			for _, name := range sortedNames(n) {
				child := n.children[name]
				if child.linkedTo == nil {
					if err := writeInodes(child); err != nil {
						return err
					}
				}
			}
		}
		if n.linkedTo != nil {
			return nil
		}
		inodeCount++
		return b.writeInode(n, sharedXattrs)
	}
	if err := writeInodes(b.root); err != nil {
		errs = multierror.Append(errs, err)
	}

	metaBlocks := b.curDataBlock - metaBlockStart
	if metaBlockStart > 0xFFFFFFFF || metaBlocks > 0xFFFFFFFF {
		errs = multierror.Append(errs, ErrMetaBlockTooBig)
	}

	if err := errs.ErrorOrNil(); err != nil {
		return err
	}

	return b.writeSuperBlock(uint32(metaBlockStart), xattrBlockAddr, inodeCount)
}

// reserveDirentBlocks walks the tree bottom-up, grouping each directory's
// entries (including synthetic "." and "..") into fixed-size dirent
// blocks such that neither a dirent record nor a name crosses a block
// boundary, and reserving the data blocks for them. Disk ids are not yet
// known at this point (step 1 of the finalisation algorithm runs before
// step 2's id assignment), so only the grouping and block count are
// fixed here; the dirent bytes themselves are emitted by
// writeDirentBlocks once ids exist.
func (b *Builder) reserveDirentBlocks(dir *node) error {
	for _, name := range sortedNames(dir) {
		child := dir.children[name]
		if child.kind == nodeDir {
			if err := b.reserveDirentBlocks(child); err != nil {
				return err
			}
		}
	}

	blockSize := b.blockSize()
	names := append([]string{".", ".."}, sortedNames(dir)...)
	groups := groupDirentNames(names, blockSize)

	dir.direntGroups = groups
	dir.startBlock = b.curDataBlock
	dir.blockLen = uint64(len(groups))

	totalSize := uint64(0)
	for _, g := range groups {
		totalSize += direntGroupByteLen(g)
	}
	dir.size = totalSize
	b.curDataBlock += uint64(len(groups))
	return nil
}

// writeDirentBlocks emits the actual dirent bytes for dir and its
// subdirectories at the block positions reserveDirentBlocks chose,
// resolving each name to its now-assigned disk id and file type.
func (b *Builder) writeDirentBlocks(dir *node) error {
	if err := b.seekBlock(dir.startBlock); err != nil {
		return err
	}
	for i, group := range dir.direntGroups {
		blk, err := buildDirentBlock(group, dir, b.blockSize())
		if err != nil {
			return err
		}
		if err := b.seekBlock(dir.startBlock + uint64(i)); err != nil {
			return err
		}
		if _, err := b.w.Write(blk); err != nil {
			return err
		}
	}
	for _, name := range sortedNames(dir) {
		child := dir.children[name]
		if child.kind == nodeDir {
			if err := b.writeDirentBlocks(child); err != nil {
				return err
			}
		}
	}
	return nil
}

// groupDirentNames partitions names into per-block groups such that no
// dirent record or name straddles a block boundary.
func groupDirentNames(names []string, blockSize uint64) [][]string {
	var groups [][]string
	var cur []string
	curSize := uint64(0)

	flush := func() {
		if len(cur) == 0 {
			return
		}
		groups = append(groups, cur)
		cur = nil
		curSize = 0
	}

	for _, name := range names {
		entrySize := uint64(DirentSize) + uint64(len(name))
		if curSize+entrySize > blockSize && len(cur) > 0 {
			flush()
		}
		cur = append(cur, name)
		curSize += entrySize
	}
	flush()
	if len(groups) == 0 {
		groups = append(groups, nil)
	}
	return groups
}

func direntGroupByteLen(names []string) uint64 {
	total := uint64(len(names)) * DirentSize
	for _, n := range names {
		total += uint64(len(n))
	}
	return total
}

// direntDiskInfo resolves a child name to the (disk_id, file_type) pair a
// dirent record stores, including the synthetic "." and ".." entries.
func direntDiskInfo(dir *node, name string) (uint64, uint8, error) {
	switch name {
	case ".":
		return uint64(dir.diskID), FileTypeDirectory, nil
	case "..":
		parent := dir.parent
		if parent == nil {
			parent = dir // root's ".." points to itself
		}
		return uint64(parent.diskID), FileTypeDirectory, nil
	}
	child, ok := dir.children[name]
	if !ok {
		return 0, 0, errors.Errorf("erofs: dirent name %q not found while writing", name)
	}
	resolved := child.resolvedTarget()
	var ft uint8
	switch resolved.kind {
	case nodeDir:
		ft = FileTypeDirectory
	case nodeSymlink:
		ft = FileTypeSymlink
	default:
		ft = FileTypeRegular
	}
	return uint64(resolved.diskID), ft, nil
}

// buildDirentBlock serialises one block's worth of dirent records
// followed by their names, with each record's disk id and file type
// resolved from dir's now-finalised children.
func buildDirentBlock(names []string, dir *node, blockSize uint64) ([]byte, error) {
	buf := make([]byte, blockSize)
	nameOff := uint16(len(names)) * DirentSize
	for i, name := range names {
		id, ft, err := direntDiskInfo(dir, name)
		if err != nil {
			return nil, err
		}
		recOff := uint16(i) * DirentSize
		binary.LittleEndian.PutUint64(buf[recOff:recOff+8], id)
		binary.LittleEndian.PutUint16(buf[recOff+8:recOff+10], nameOff)
		buf[recOff+10] = ft
		copy(buf[nameOff:], name)
		nameOff += uint16(len(name))
	}
	return buf[:nameOff], nil
}

// collectSharedXattrs finds xattr entries referenced by two or more
// inodes, per step 3 of the finalisation algorithm. Identity is by
// (name, value) equality.
func (b *Builder) collectSharedXattrs(root *node) []XattrItem {
	counts := map[string]int{}
	key := func(it XattrItem) string { return it.Name + "\x00" + string(it.Value) }

	var walk func(n *node)
	walk = func(n *node) {
		if n.kind == nodeDir {
			for _, child := range n.children {
				walk(child)
			}
		}
		for _, x := range n.xattrs {
			counts[key(x)]++
		}
	}
	walk(root)

	var shared []XattrItem
	seen := map[string]bool{}
	var collect func(n *node)
	collect = func(n *node) {
		if n.kind == nodeDir {
			for _, child := range n.children {
				collect(child)
			}
		}
		for _, x := range n.xattrs {
			k := key(x)
			if counts[k] >= 2 && !seen[k] {
				seen[k] = true
				shared = append(shared, x)
			}
		}
	}
	collect(root)
	return shared
}

func (b *Builder) writeSharedXattrBlock(shared []XattrItem) error {
	buf := &bytes.Buffer{}
	for _, x := range shared {
		writeXattrEntry(buf, x)
	}
	pad := make([]byte, b.blockSize()-uint64(buf.Len())%b.blockSize())
	if uint64(buf.Len())%b.blockSize() == 0 {
		pad = nil
	}
	if _, err := b.w.Write(buf.Bytes()); err != nil {
		return err
	}
	if len(pad) > 0 {
		if _, err := b.w.Write(pad); err != nil {
			return err
		}
	}
	blocks := (uint64(buf.Len()) + b.blockSize() - 1) / b.blockSize()
	b.curDataBlock += blocks
	return nil
}

func writeXattrEntry(buf *bytes.Buffer, x XattrItem) {
	prefixIdx, name := splitXattrPrefix(x.Name)
	ent := XattrEntry{NameLen: uint8(len(name)), PrefixIndex: prefixIdx, ValueSize: uint16(len(x.Value))}
	binary.Write(buf, binary.LittleEndian, ent)
	buf.WriteString(name)
	buf.Write(x.Value)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
}

func splitXattrPrefix(name string) (uint8, string) {
	switch {
	case strings.HasPrefix(name, "user."):
		return XattrPrefixUser, strings.TrimPrefix(name, "user.")
	case strings.HasPrefix(name, "trusted."):
		return XattrPrefixTrusted, strings.TrimPrefix(name, "trusted.")
	case strings.HasPrefix(name, "security."):
		return XattrPrefixSecurity, strings.TrimPrefix(name, "security.")
	case name == "system.posix_acl_access":
		return XattrPrefixPosixACLAccess, ""
	case name == "system.posix_acl_default":
		return XattrPrefixPosixACLDefault, ""
	default:
		return 0, name
	}
}

// inodeLayout derives the mode, data layout and raw block address for n,
// following its hard-link alias (if any) to the node actually holding data.
func inodeLayout(n *node) (resolved *node, mode uint16, dataLayout uint16, rawBlockAddr uint32) {
	resolved = n.resolvedTarget()
	switch resolved.kind {
	case nodeDir:
		mode = sIFDIR | resolved.meta.Perm
		dataLayout = LayoutFlatPlain
		rawBlockAddr = uint32(resolved.startBlock)
	case nodeSymlink:
		mode = sIFLNK | resolved.meta.Perm
		dataLayout = LayoutFlatInline
		rawBlockAddr = 0xFFFFFFFF
	default: // nodeFile
		mode = sIFREG | resolved.meta.Perm
		if len(resolved.tail) > 0 {
			dataLayout = LayoutFlatInline
		} else {
			dataLayout = LayoutFlatPlain
		}
		if resolved.blockLen == 0 && len(resolved.tail) == 0 {
			rawBlockAddr = 0xFFFFFFFF
		} else {
			rawBlockAddr = uint32(resolved.startBlock)
		}
	}
	return
}

// inlineTailBytes returns the bytes an inode's FlatInline layout appends
// immediately after the (possibly xattr-bearing) inode record.
func inlineTailBytes(resolved *node, dataLayout uint16) []byte {
	if dataLayout != LayoutFlatInline {
		return nil
	}
	if resolved.kind == nodeSymlink {
		return []byte(resolved.target)
	}
	return resolved.tail
}

// buildXattrRegion serialises n's xattr header, shared-index list and
// inline entries into the exact bytes written after an inode record,
// padded to a 4-byte boundary, along with the XattrCount field value that
// encodes this region's length. Returns (0, nil) when n has no xattrs.
func buildXattrRegion(xattrs, shared []XattrItem) (uint16, []byte) {
	inline := nonSharedXattrs(xattrs, shared)
	sharedIdx := sharedIndices(xattrs, shared)
	if len(sharedIdx) == 0 && len(inline) == 0 {
		return 0, nil
	}
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, XattrHeader{SharedCount: uint8(len(sharedIdx))})
	for _, idx := range sharedIdx {
		binary.Write(buf, binary.LittleEndian, idx)
	}
	for _, x := range inline {
		writeXattrEntry(buf, x)
	}
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	count := uint16((buf.Len()-XattrHeaderSize)/4) + 1
	return count, buf.Bytes()
}

// inodeStride is the total number of bytes n's on-disk inode record
// occupies: the fixed 32-byte compact inode, its xattr region if any, and
// its inline tail if FlatInline. assignIDs uses this to derive each
// node's disk id from a running byte cursor; writeInode must emit exactly
// this many bytes (before 32-byte padding) for the two passes to agree.
func inodeStride(n *node, shared []XattrItem) int64 {
	resolved, _, dataLayout, _ := inodeLayout(n)
	_, region := buildXattrRegion(n.xattrs, shared)
	tail := inlineTailBytes(resolved, dataLayout)
	return int64(InodeCompactSize) + int64(len(region)) + int64(len(tail))
}

// writeInode emits one inode in compact (32-byte) form, required so that
// disk ids remain simple 32-byte-slot indices (see Finalize), plus its
// inline xattr region and, for FlatInline entries, the inline tail bytes,
// then pads to the next 32-byte boundary to match assignIDs's cursor math.
func (b *Builder) writeInode(n *node, shared []XattrItem) error {
	resolved, mode, dataLayout, rawBlockAddr := inodeLayout(n)
	format := uint16(InodeLayoutCompact) | (dataLayout << 1)
	xattrCount, region := buildXattrRegion(n.xattrs, shared)

	inode := InodeCompact{
		Format:       format,
		XattrCount:   xattrCount,
		Mode:         mode,
		Nlink:        uint16(nlinkOf(resolved)),
		Size:         uint32(symlinkOrFileSize(resolved)),
		RawBlockAddr: rawBlockAddr,
		Ino:          resolved.diskID + 1,
		UID:          uint16(n.meta.UID),
		GID:          uint16(n.meta.GID),
	}
	if err := binary.Write(b.w, binary.LittleEndian, inode); err != nil {
		return err
	}
	written := int64(InodeCompactSize)

	if len(region) > 0 {
		if _, err := b.w.Write(region); err != nil {
			return err
		}
		written += int64(len(region))
	}

	tail := inlineTailBytes(resolved, dataLayout)
	if len(tail) > 0 {
		if _, err := b.w.Write(tail); err != nil {
			return err
		}
		written += int64(len(tail))
	}

	if rem := written % InodeSlotSize; rem != 0 {
		if _, err := b.w.Write(make([]byte, InodeSlotSize-rem)); err != nil {
			return err
		}
	}
	return nil
}

func symlinkOrFileSize(n *node) uint64 { return n.size }

func nlinkOf(n *node) uint32 {
	if n.nlink == 0 {
		return 1
	}
	return n.nlink
}

func nonSharedXattrs(all, shared []XattrItem) []XattrItem {
	sharedSet := map[string]bool{}
	for _, s := range shared {
		sharedSet[s.Name+"\x00"+string(s.Value)] = true
	}
	var out []XattrItem
	for _, x := range all {
		if !sharedSet[x.Name+"\x00"+string(x.Value)] {
			out = append(out, x)
		}
	}
	return out
}

func sharedIndices(all, shared []XattrItem) []uint32 {
	idx := map[string]uint32{}
	for i, s := range shared {
		idx[s.Name+"\x00"+string(s.Value)] = uint32(i)
	}
	var out []uint32
	for _, x := range all {
		if i, ok := idx[x.Name+"\x00"+string(x.Value)]; ok {
			out = append(out, i)
		}
	}
	return out
}

func (b *Builder) writeSuperBlock(metaBlockAddr, xattrBlockAddr uint32, inodeCount uint64) error {
	sb := SuperBlock{
		Magic:          SuperBlockMagic,
		FeatureCompat:  FeatureCompatSuperBlockChecksum,
		BlockSizeBits:  uint8(b.blockSizeBits),
		RootNid:        uint16(b.root.diskID),
		Inodes:         inodeCount,
		BuildTime:      b.root.meta.Mtime,
		Blocks:         uint32(b.curDataBlock),
		MetaBlockAddr:  metaBlockAddr,
		XattrBlockAddr: xattrBlockAddr,
	}

	var marshalled bytes.Buffer
	if err := binary.Write(&marshalled, binary.LittleEndian, sb); err != nil {
		return err
	}
	checksum := crc32.Checksum(marshalled.Bytes(), crc32cTable)
	rest := int64(b.blockSize()) - (SuperBlockOffset + SuperBlockSize)
	pad := make([]byte, rest)
	checksum = ^crc32.Update(checksum, crc32cTable, pad)
	sb.Checksum = checksum

	if _, err := b.w.Seek(SuperBlockOffset, io.SeekStart); err != nil {
		return err
	}
	return binary.Write(b.w, binary.LittleEndian, sb)
}

// ---- OCI layer squashing ----

// LayerEntry is one file/dir/symlink/whiteout record read from an OCI
// layer tarball, in the order the builder needs to apply the
// whiteout-aware squash (topmost layer first).
type LayerEntry struct {
	Path     string
	IsDir    bool
	IsSymlink bool
	Target   string
	Size     int64
	Meta     Meta
	Open     func() (io.ReadCloser, error)
}

// SquashLayers applies the whiteout-aware squash from spec.md §4.2 over
// layers ordered topmost-first, then feeds the surviving entries into the
// builder via UpsertDir/AddFile/AddSymlink. An entry named ".wh..wh..opq"
// marks its parent opaque (all earlier-layer children dropped); an entry
// ".wh.NAME" marks sibling NAME deleted.
func (b *Builder) SquashLayers(layers [][]LayerEntry) error {
	order, kept, deletedFiles, opaqueDirs := resolveSquash(layers)

	for _, p := range order {
		e := kept[p]
		if deletedFiles[p] || ancestorOpaqueOrDeleted(p, opaqueDirs, deletedFiles) {
			continue
		}
		switch {
		case e.IsDir:
			if err := b.UpsertDir(p, e.Meta); err != nil {
				return errors.Wrapf(err, "upsert dir %q", p)
			}
		case e.IsSymlink:
			if err := b.AddSymlink(p, e.Target, e.Meta); err != nil {
				return errors.Wrapf(err, "add symlink %q", p)
			}
		default:
			rc, err := e.Open()
			if err != nil {
				return errors.Wrapf(err, "open %q", p)
			}
			err = b.AddFile(p, e.Meta, e.Size, rc)
			closeErr := rc.Close()
			if err != nil {
				return errors.Wrapf(err, "add file %q", p)
			}
			if closeErr != nil {
				return errors.Wrapf(closeErr, "close %q", p)
			}
		}
	}
	return nil
}

// resolveSquash applies the whiteout-aware squash rules over layers
// ordered topmost-first and returns the surviving paths in first-seen
// order alongside the bookkeeping maps needed to tell a kept path from
// one shadowed by a later opaque marker or deletion. Shared by
// SquashLayers and DiffSquash so the squash algorithm has one
// implementation.
func resolveSquash(layers [][]LayerEntry) (order []string, kept map[string]LayerEntry, deletedFiles, opaqueDirs map[string]bool) {
	deletedFiles = map[string]bool{}
	opaqueDirs = map[string]bool{}
	kept = map[string]LayerEntry{}

	for _, layer := range layers {
		for _, e := range layer {
			dir, base := path.Split(strings.TrimSuffix(e.Path, "/"))
			dir = path.Clean(dir)

			if base == ".wh..wh..opq" {
				opaqueDirs[dir] = true
				continue
			}
			if strings.HasPrefix(base, ".wh.") {
				deletedFiles[path.Join(dir, strings.TrimPrefix(base, ".wh."))] = true
				continue
			}
			if ancestorOpaqueOrDeleted(e.Path, opaqueDirs, deletedFiles) {
				continue
			}
			if deletedFiles[e.Path] {
				continue
			}
			if _, ok := kept[e.Path]; !ok {
				order = append(order, e.Path)
				kept[e.Path] = e
			}
		}
	}
	return order, kept, deletedFiles, opaqueDirs
}

func ancestorOpaqueOrDeleted(p string, opaqueDirs, deletedFiles map[string]bool) bool {
	dir := path.Dir(p)
	for dir != "." && dir != "/" && dir != "" {
		if opaqueDirs[dir] || deletedFiles[dir] {
			return true
		}
		dir = path.Dir(dir)
	}
	return false
}
