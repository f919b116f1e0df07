// Package vhostblock serves guest block reads for a read-only disk
// over a vhost-user socket, so the hypervisor can use a
// `--disk vhost_user=on` path instead of attaching a persistent-memory
// device directly. See spec.md §4.8.
package vhostblock

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// No vhost-user client/server library exists anywhere in the example
// pack, so the wire protocol below (message header framing, the
// request opcodes this backend must answer, ancillary-fd passing) is
// built directly on golang.org/x/sys/unix, the same package
// ehrlich-b-go-ublk builds its own (also unlibraried, also
// protocol-specific) ublk ring handling on.

// request is a vhost-user protocol message opcode.
type request uint32

const (
	reqGetFeatures          request = 1
	reqSetFeatures          request = 2
	reqSetOwner             request = 3
	reqResetOwner           request = 4
	reqSetMemTable          request = 5
	reqSetVringNum          request = 8
	reqSetVringAddr         request = 9
	reqSetVringBase         request = 10
	reqGetVringBase         request = 11
	reqSetVringKick         request = 12
	reqSetVringCall         request = 13
	reqSetVringErr          request = 14
	reqGetProtocolFeatures  request = 15
	reqSetProtocolFeatures  request = 16
	reqGetQueueNum          request = 17
	reqSetVringEnable       request = 18
	reqGetConfig            request = 24
	reqSetConfig            request = 25
)

// protocolFeature bits this backend advertises in reqGetProtocolFeatures.
type protocolFeature uint64

// protocolFeatureConfig is the only vhost-user protocol feature this
// backend needs: it lets the front-end fetch the virtio-blk config
// block (capacity, block size, etc.) over the control socket instead
// of requiring it be baked into the front-end ahead of time.
const protocolFeatureConfig protocolFeature = 1 << 9

// virtio feature bits negotiated over reqGetFeatures/reqSetFeatures.
const (
	virtioBlkFSegMax    = 1 << 2  // VIRTIO_BLK_F_SEG_MAX
	virtioBlkFBlkSize   = 1 << 6  // VIRTIO_BLK_F_BLK_SIZE
	virtioBlkFTopology  = 1 << 10 // VIRTIO_BLK_F_TOPOLOGY
	virtioBlkFRO        = 1 << 5  // VIRTIO_BLK_F_RO
	virtioF_VERSION_1   = 1 << 32
	virtioRingFEventIdx = 1 << 29 // VIRTIO_RING_F_EVENT_IDX
	vhostUserFProtocolFeatures = 1 << 30
)

// advertisedFeatures is the full feature bitmask this backend offers;
// the front-end negotiates a subset back via reqSetFeatures.
const advertisedFeatures = virtioBlkFSegMax | virtioBlkFBlkSize |
	virtioBlkFTopology | virtioBlkFRO | virtioF_VERSION_1 |
	virtioRingFEventIdx | vhostUserFProtocolFeatures

// msgHeader is the fixed 12-byte vhost-user message header preceding
// every request/reply payload.
type msgHeader struct {
	Request uint32
	Flags   uint32
	Size    uint32
}

const (
	flagReply   = 1 << 2
	versionMask = 0x3
)

// readMessage reads one vhost-user message header plus its payload
// from conn. fds carries any ancillary file descriptors sent
// alongside the message (used by reqSetMemTable and the vring kick/
// call/err fds).
func readMessage(conn *net.UnixConn) (msgHeader, []byte, []int, error) {
	buf := make([]byte, 12)
	oob := make([]byte, unix.CmsgSpace(8*8)) // room for a handful of fds

	rawConn, err := conn.SyscallConn()
	if err != nil {
		return msgHeader{}, nil, nil, err
	}

	var n, oobn int
	var rerr error
	ctrlErr := rawConn.Read(func(fd uintptr) bool {
		n, oobn, _, _, rerr = unix.Recvmsg(int(fd), buf, oob, 0)
		return true
	})
	if ctrlErr != nil {
		return msgHeader{}, nil, nil, ctrlErr
	}
	if rerr != nil {
		return msgHeader{}, nil, nil, errors.Wrap(rerr, "vhostblock: recvmsg header")
	}
	if n != len(buf) {
		return msgHeader{}, nil, nil, errors.Errorf("vhostblock: short header read (%d bytes)", n)
	}

	hdr := msgHeader{
		Request: binary.LittleEndian.Uint32(buf[0:4]),
		Flags:   binary.LittleEndian.Uint32(buf[4:8]),
		Size:    binary.LittleEndian.Uint32(buf[8:12]),
	}

	var fds []int
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err == nil {
			for _, c := range cmsgs {
				parsed, err := unix.ParseUnixRights(&c)
				if err == nil {
					fds = append(fds, parsed...)
				}
			}
		}
	}

	if hdr.Size == 0 {
		return hdr, nil, fds, nil
	}
	payload := make([]byte, hdr.Size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return hdr, nil, fds, errors.Wrap(err, "vhostblock: read payload")
	}
	return hdr, payload, fds, nil
}

// writeReply writes a reply message carrying a little-endian uint64
// payload, the shape almost every vhost-user reply uses (feature
// bitmasks, vring state, the single "0 means ok" ack).
func writeReply(conn *net.UnixConn, req request, value uint64) error {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, value)
	return writeMessage(conn, req, payload)
}

func writeMessage(conn *net.UnixConn, req request, payload []byte) error {
	buf := make([]byte, 12+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(req))
	binary.LittleEndian.PutUint32(buf[4:8], flagReply|1) // version 1, reply flag
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(payload)))
	copy(buf[12:], payload)
	_, err := conn.Write(buf)
	if err != nil {
		return errors.Wrap(err, "vhostblock: write reply")
	}
	return nil
}

func (r request) String() string {
	switch r {
	case reqGetFeatures:
		return "GET_FEATURES"
	case reqSetFeatures:
		return "SET_FEATURES"
	case reqSetMemTable:
		return "SET_MEM_TABLE"
	case reqSetVringNum:
		return "SET_VRING_NUM"
	case reqSetVringAddr:
		return "SET_VRING_ADDR"
	case reqSetVringBase:
		return "SET_VRING_BASE"
	case reqGetVringBase:
		return "GET_VRING_BASE"
	case reqSetVringKick:
		return "SET_VRING_KICK"
	case reqSetVringCall:
		return "SET_VRING_CALL"
	case reqSetVringErr:
		return "SET_VRING_ERR"
	case reqGetProtocolFeatures:
		return "GET_PROTOCOL_FEATURES"
	case reqSetProtocolFeatures:
		return "SET_PROTOCOL_FEATURES"
	case reqGetQueueNum:
		return "GET_QUEUE_NUM"
	case reqSetVringEnable:
		return "SET_VRING_ENABLE"
	case reqGetConfig:
		return "GET_CONFIG"
	case reqSetConfig:
		return "SET_CONFIG"
	case reqSetOwner:
		return "SET_OWNER"
	case reqResetOwner:
		return "RESET_OWNER"
	default:
		return fmt.Sprintf("request(%d)", uint32(r))
	}
}
