// Package command implements the in-band command channel multiplexed onto
// the migration stream (spec §3, §4.3), including the PACKAGED sub-stream
// mechanism and the return-path acknowledgement protocol.
//
// The framing style (fixed-size header, sticky-error propagation,
// io.Pipe-friendly duplexing) is carried forward from the teacher's
// migration/transport.go Sender/Receiver pair; this package generalizes it
// from four gob-backed message types to the spec's 16-bit command space
// multiplexed with device-state sections.
package command

import (
	"encoding/binary"
	"fmt"

	"github.com/bobuhiro11/vmmigrate/migerr"
	"github.com/bobuhiro11/vmmigrate/wire"
)

// Command is the 16-bit command identifier (spec §3).
type Command uint16

const (
	CmdOpenRP   Command = 0x0001
	CmdReqAck   Command = 0x0002
	CmdPackaged Command = 0x0003

	CmdPostcopyAdvise  Command = 0x0010
	CmdPostcopyDiscard Command = 0x0011
	CmdPostcopyListen  Command = 0x0012
	CmdPostcopyRun     Command = 0x0013
	CmdPostcopyEnd     Command = 0x0014

	CmdColoCheckpointRequest Command = 0x0020
	CmdColoCheckpointReady   Command = 0x0021
	CmdColoVMStateSend       Command = 0x0022
	CmdColoVMStateSize       Command = 0x0023
	CmdColoVMStateReceived   Command = 0x0024
	CmdColoVMStateLoaded     Command = 0x0025
	CmdColoGuestShutdown     Command = 0x0026
)

func (c Command) String() string {
	switch c {
	case CmdOpenRP:
		return "OPENRP"
	case CmdReqAck:
		return "REQACK"
	case CmdPackaged:
		return "PACKAGED"
	case CmdPostcopyAdvise:
		return "POSTCOPY_ADVISE"
	case CmdPostcopyDiscard:
		return "POSTCOPY_DISCARD"
	case CmdPostcopyListen:
		return "POSTCOPY_LISTEN"
	case CmdPostcopyRun:
		return "POSTCOPY_RUN"
	case CmdPostcopyEnd:
		return "POSTCOPY_END"
	case CmdColoCheckpointRequest:
		return "CHECKPOINT_REQUEST"
	case CmdColoCheckpointReady:
		return "CHECKPOINT_READY"
	case CmdColoVMStateSend:
		return "VMSTATE_SEND"
	case CmdColoVMStateSize:
		return "VMSTATE_SIZE"
	case CmdColoVMStateReceived:
		return "VMSTATE_RECEIVED"
	case CmdColoVMStateLoaded:
		return "VMSTATE_LOADED"
	case CmdColoGuestShutdown:
		return "GUEST_SHUTDOWN"
	default:
		return fmt.Sprintf("Command(%#04x)", uint16(c))
	}
}

// Channel is one direction's command framing bound to a wire Writer/Reader
// pair (spec §4.3, §5: "single-reader, single-writer per direction").
type Channel struct {
	W *wire.Writer
	R *wire.Reader
}

// NewChannel binds a channel to an already-constructed wire reader/writer
// pair (which may be the main stream or a return-path stream).
func NewChannel(w *wire.Writer, r *wire.Reader) *Channel {
	return &Channel{W: w, R: r}
}

// Send writes a COMMAND section and flushes synchronously (spec §4.3,
// §5: "flushes are synchronous").
func (c *Channel) Send(cmd Command, payload []byte) error {
	c.W.PutU8(wire.SectionCommand)
	c.W.PutU16(uint16(cmd))
	c.W.PutU16(uint16(len(payload)))
	c.W.PutBytes(payload)

	return c.W.Flush()
}

// Recv reads one command frame. Callers in the loadvm main loop have
// already consumed the leading SectionCommand type byte before calling
// this.
func (c *Channel) Recv() (Command, []byte, error) {
	cmd := Command(c.R.GetU16())
	length := c.R.GetU16()
	payload := c.R.GetBytes(int(length))

	if err := c.R.Err(); err != nil {
		return 0, nil, err
	}

	return cmd, payload, nil
}

// SendPackaged writes a PACKAGED command whose 4-byte payload is buf's
// length, followed immediately by buf's raw bytes on the stream (spec
// §4.3) — not wrapped in another section, so the receiver must read it with
// RecvPackagedSubstream after Recv, not another Recv call.
func (c *Channel) SendPackaged(buf []byte) error {
	if err := c.Send(CmdPackaged, encodeU32(uint32(len(buf)))); err != nil {
		return err
	}

	c.W.PutBytes(buf)

	return c.W.Flush()
}

// RecvPackagedSubstream reads a PACKAGED command's embedded sub-stream bytes
// given the 4-byte length payload already returned by Recv.
func (c *Channel) RecvPackagedSubstream(payload []byte) ([]byte, error) {
	if len(payload) != 4 {
		return nil, fmt.Errorf("%w: PACKAGED payload must be 4 bytes, got %d", migerr.ErrProtocolViolation, len(payload))
	}

	n := binary.BigEndian.Uint32(payload)

	sub := c.R.GetBytes(int(n))
	if err := c.R.Err(); err != nil {
		return nil, err
	}

	return sub, nil
}

func encodeU32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)

	return b[:]
}

// EncodeU64 big-endian encodes v, for commands that carry a be64
// value-carrying follow-up (spec §6, used by colo for checkpoint sizes).
func EncodeU64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)

	return b[:]
}

// DecodeU64 is the dual of EncodeU64.
func DecodeU64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: want 8-byte be64 payload, got %d", migerr.ErrProtocolViolation, len(b))
	}

	return binary.BigEndian.Uint64(b), nil
}

// ReturnPath is the reverse channel opened by the destination upon
// receiving OPENRP (spec §4.3: "the destination opens a reverse channel
// over the same transport... and thereafter may send acknowledgement
// frames back"). It reuses Channel's framing but is bound to a distinct
// transport and is independently flushable/error-tracked.
type ReturnPath struct {
	*Channel

	// lastBlockName tracks the previous request-pages block name so the
	// sender can elide a repeated name (spec §6).
	lastBlockName string
}

// NewReturnPath wraps an already-opened reverse transport's reader/writer.
func NewReturnPath(w *wire.Writer, r *wire.Reader) *ReturnPath {
	return &ReturnPath{Channel: NewChannel(w, r)}
}

// SendReqAck writes a REQACK command carrying cookie (spec §3: "REQACK
// carries a 32-bit cookie that is echoed back on the return path").
func (rp *ReturnPath) SendReqAck(cookie uint32) error {
	return rp.Send(CmdReqAck, encodeU32(cookie))
}

// RecvReqAck reads a REQACK frame's cookie.
func (rp *ReturnPath) RecvReqAck(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("%w: REQACK payload must be 4 bytes, got %d", migerr.ErrProtocolViolation, len(payload))
	}

	return binary.BigEndian.Uint32(payload), nil
}

// SendRequestPages writes a request-pages message (spec §6): the block name
// is elided (a zero-length idstr) when it matches the previous request.
func (rp *ReturnPath) SendRequestPages(blockName string, offset uint64, length uint32) error {
	if blockName == rp.lastBlockName {
		rp.W.PutIDStr("")
	} else {
		rp.W.PutIDStr(blockName)
		rp.lastBlockName = blockName
	}

	rp.W.PutU64(offset)
	rp.W.PutU32(length)

	return rp.W.Flush()
}

// RecvRequestPages reads one request-pages message. prevName is the block
// name from the caller's previous call (or "" for the first); an elided
// name in the wire message resolves back to prevName.
func (rp *ReturnPath) RecvRequestPages(prevName string) (blockName string, offset uint64, length uint32, err error) {
	name := rp.R.GetIDStr()
	off := rp.R.GetU64()
	ln := rp.R.GetU32()

	if err := rp.R.Err(); err != nil {
		return "", 0, 0, err
	}

	if name == "" {
		name = prevName
	}

	return name, off, ln, nil
}

// SendShutdownAck writes the final shutdown acknowledgement carrying the
// latched error indicator (spec §6): a single byte, 0 for clean shutdown,
// non-zero otherwise.
func (rp *ReturnPath) SendShutdownAck(failed bool) error {
	var b uint8
	if failed {
		b = 1
	}

	rp.W.PutU8(b)

	return rp.W.Flush()
}

// RecvShutdownAck reads the shutdown acknowledgement byte.
func (rp *ReturnPath) RecvShutdownAck() (failed bool, err error) {
	b := rp.R.GetU8()
	if err := rp.R.Err(); err != nil {
		return false, err
	}

	return b != 0, nil
}
