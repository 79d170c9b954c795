// Package wire implements the migration stream's binary framing (spec §4.2,
// §6): big-endian primitives over a sticky-error reader/writer pair, the
// file header, and the section-type tags that savevm/loadvm/command drive.
//
// The sticky-error behaviour mirrors migration/transport.go's Sender/Receiver
// in the teacher repo, generalized from four fixed gob-backed message types
// to the spec's byte-exact section stream.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bobuhiro11/vmmigrate/migerr"
)

// Section type tags (spec §6, bit-exact).
const (
	SectionStart   byte = 0x01
	SectionPart    byte = 0x02
	SectionEnd     byte = 0x03
	SectionFull    byte = 0x04
	SectionCommand byte = 0x05
	SectionEOF     byte = 0x00
)

// Magic and version constants (spec §6). ObsoleteVersion identifies the
// retired "compat v2" wire format, recognised and rejected with a distinct
// error so operators can tell "wrong program" from "too old a program"
// apart.
const (
	Magic           uint32 = 0x51454d56 // "QEMV"
	CurrentVersion  uint32 = 3
	ObsoleteVersion uint32 = 2

	// maxIDStrLen is the 1-byte length prefix's natural ceiling (spec §3:
	// "identifier string (≤255 bytes...)").
	maxIDStrLen = 255
)

// Writer is a sticky-error big-endian binary writer. Once Err() is non-nil,
// every Put* call becomes a no-op and keeps returning the same error (spec
// §4.2, §7).
type Writer struct {
	w   *bufio.Writer
	err error
}

// NewWriter wraps w for framed writing.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Err returns the first latched error, or nil.
func (w *Writer) Err() error { return w.err }

func (w *Writer) fail(err error) {
	if w.err == nil {
		w.err = fmt.Errorf("%w: %w", migerr.ErrIO, err)
	}
}

// Fail lets a caller outside this package latch a non-I/O error — e.g. a
// savevm hook returning failure (spec §7: "per-entry hook failures latch
// the stream error"). Unlike the internal I/O path, err is stored verbatim
// so callers control which sentinel kind it reports as.
func (w *Writer) Fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *Writer) write(b []byte) {
	if w.err != nil {
		return
	}

	if _, err := w.w.Write(b); err != nil {
		w.fail(err)
	}
}

// PutU8 writes one byte.
func (w *Writer) PutU8(v uint8) { w.write([]byte{v}) }

// PutU16 writes v big-endian.
func (w *Writer) PutU16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.write(b[:])
}

// PutU32 writes v big-endian.
func (w *Writer) PutU32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.write(b[:])
}

// PutU64 writes v big-endian.
func (w *Writer) PutU64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.write(b[:])
}

// PutBytes writes b verbatim, with no length prefix.
func (w *Writer) PutBytes(b []byte) { w.write(b) }

// PutIDStr writes a 1-byte-length-prefixed identifier string (spec §6's
// idstr_len / idstr_len×u8 pair).
func (w *Writer) PutIDStr(s string) {
	if w.err != nil {
		return
	}

	if len(s) > maxIDStrLen {
		w.fail(fmt.Errorf("idstr %q exceeds %d bytes", s, maxIDStrLen))

		return
	}

	w.PutU8(uint8(len(s)))
	w.write([]byte(s))
}

// PutPackagedBytes writes a 4-byte length prefix followed by b — the
// length-prefix convention used for PACKAGED command payloads (spec §4.2).
func (w *Writer) PutPackagedBytes(b []byte) {
	w.PutU32(uint32(len(b)))
	w.write(b)
}

// Flush pushes buffered bytes to the underlying writer.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}

	if err := w.w.Flush(); err != nil {
		w.fail(err)
	}

	return w.err
}

// WriteHeader writes the file magic and current version (spec §4.2, §6).
func WriteHeader(w *Writer) error {
	w.PutU32(Magic)
	w.PutU32(CurrentVersion)

	return w.Err()
}

// Reader is a sticky-error big-endian binary reader, the dual of Writer.
type Reader struct {
	r   io.Reader
	err error
}

// NewReader wraps r for framed reading.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Err returns the first latched error, or nil.
func (r *Reader) Err() error { return r.err }

func (r *Reader) fail(err error) {
	if r.err == nil {
		if err == io.EOF {
			r.err = err
		} else {
			r.err = fmt.Errorf("%w: %w", migerr.ErrIO, err)
		}
	}
}

func (r *Reader) read(n int) []byte {
	if r.err != nil {
		return nil
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.fail(err)

		return nil
	}

	return b
}

// GetU8 reads one byte.
func (r *Reader) GetU8() uint8 {
	b := r.read(1)
	if b == nil {
		return 0
	}

	return b[0]
}

// GetU16 reads a big-endian uint16.
func (r *Reader) GetU16() uint16 {
	b := r.read(2)
	if b == nil {
		return 0
	}

	return binary.BigEndian.Uint16(b)
}

// GetU32 reads a big-endian uint32.
func (r *Reader) GetU32() uint32 {
	b := r.read(4)
	if b == nil {
		return 0
	}

	return binary.BigEndian.Uint32(b)
}

// GetU64 reads a big-endian uint64.
func (r *Reader) GetU64() uint64 {
	b := r.read(8)
	if b == nil {
		return 0
	}

	return binary.BigEndian.Uint64(b)
}

// GetBytes reads exactly n raw bytes.
func (r *Reader) GetBytes(n int) []byte {
	return r.read(n)
}

// GetIDStr reads a 1-byte-length-prefixed identifier string.
func (r *Reader) GetIDStr() string {
	n := r.GetU8()

	b := r.read(int(n))
	if b == nil {
		return ""
	}

	return string(b)
}

// GetPackagedLen reads a 4-byte length prefix (PACKAGED command payload).
func (r *Reader) GetPackagedLen() uint32 {
	return r.GetU32()
}

// ReadHeader validates the file magic and version (spec §4.2: FORMAT on bad
// magic, UNSUPPORTED_VERSION on unknown version, with the obsolete v2
// version distinguished).
func ReadHeader(r *Reader) error {
	magic := r.GetU32()
	version := r.GetU32()

	if err := r.Err(); err != nil {
		return err
	}

	if magic != Magic {
		return fmt.Errorf("%w: got %#08x", migerr.ErrFormat, magic)
	}

	if version == ObsoleteVersion {
		return fmt.Errorf("%w: %w", migerr.ErrUnsupportedVersion, migerr.ErrObsoleteVersion)
	}

	if version != CurrentVersion {
		return fmt.Errorf("%w: got %d, want %d", migerr.ErrUnsupportedVersion, version, CurrentVersion)
	}

	return nil
}
