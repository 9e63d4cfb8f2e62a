// Package tpkt implements the version-3 TPKT envelope ([MS-RDPBCGR]
// 2.2.3 over RFC 1006) and the first-byte dispatch between slow-path
// (X.224-framed) and fast-path traffic that the rest of the layer
// stack is built on.
package tpkt

import (
	"io"

	"github.com/kdsmith18542/rdpmitm/core"
	"github.com/lunixbochs/struc"
)

const Version = 3

// Header is the 4-byte TPKT header.
type Header struct {
	Version  uint8
	Reserved uint8
	Length   uint16 `struc:"big"`
}

func (h *Header) Read(r io.Reader) {
	core.ThrowError(struc.Unpack(r, h))
	core.ThrowIf(h.Version != Version, "invalid TPKT version")
}

func (h *Header) Write(w io.Writer) {
	core.ThrowError(struc.Pack(w, h))
}

// Kind classifies the first byte of an inbound frame.
type Kind int

const (
	KindSlowPath Kind = iota
	KindFastPath
	KindUnknown
)

// fastPathActionMask isolates the 2-bit action code carried in the low
// bits of a fast-path PDU's first byte; 0 (FASTPATH_ACTION_FASTPATH) is
// the only action this engine understands - CredSSP/RDSTLS fast-path
// variants are out of scope.
const fastPathActionMask = 0x03

// Classify inspects the first byte of a frame without consuming it.
// A value of exactly 0x03 (the TPKT version byte) means slow path; a
// recognized fast-path action code means fast path; anything else is
// unknown framing and is fatal per spec §4.1/§7 (UnsupportedFraming).
func Classify(firstByte byte) Kind {
	switch {
	case firstByte == Version:
		return KindSlowPath
	case firstByte&fastPathActionMask == 0:
		return KindFastPath
	default:
		return KindUnknown
	}
}

// Read reads one TPKT-framed slow-path packet and returns its payload
// (everything after the 4-byte header).
func Read(r io.Reader) []byte {
	h := &Header{}
	h.Read(r)
	core.ThrowIf(int(h.Length) < 4, "TPKT length too small")
	return core.ReadBytes(r, int(h.Length)-4)
}

// Write frames payload in a TPKT header and writes both to w.
func Write(w io.Writer, payload []byte) {
	h := &Header{Version: Version, Length: uint16(4 + len(payload))}
	h.Write(w)
	core.WriteFull(w, payload)
}
