// Package pearchive implements the pe-archive v1 codec: a tag-stream
// format that serialises a directory tree into a flat byte stream a guest
// can unpack without reconstructing paths, and vice versa. See spec.md
// §3/§4.3.
//
// Stream grammar (one or more messages):
//
//	message = file | dir | pop
//	file    = 0x01 name '\0' size:u32le <size bytes>
//	dir     = 0x02 name '\0'
//	pop     = 0x03
//
// Directories nest via dir ... pop; an empty directory is still followed
// by its own pop, immediately after the dir message.
package pearchive

import "github.com/pkg/errors"

// Stream tag bytes, named after peerofs/pearchive's ArchiveFormat1Tag.
const (
	TagFile byte = 1
	TagDir  byte = 2
	TagPop  byte = 3
)

const (
	maxDirDepth = 32
	dirMode     = 0o744
	fileMode    = 0o644
)

var (
	ErrDirTooDeep = errors.New("pearchive: directory nesting exceeds max depth")
	ErrBadSize    = errors.New("pearchive: file size missing, truncated, or exceeds 4 GiB")
	ErrBadName    = errors.New("pearchive: dirent name missing NUL terminator")
	ErrBadTag     = errors.New("pearchive: unrecognised stream tag")
	ErrEmptyStack = errors.New("pearchive: pop with no open directory on the stack")
)
