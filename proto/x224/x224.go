// Package x224 implements ITU-T X.224 Class 0 connection-oriented
// transport framing over TPKT: Connection Request/Confirm, Disconnect
// Request, and Data TPDUs, plus the RDP Negotiation Request/Response/
// Failure extension ([MS-RDPBCGR] 2.2.1.1/2.2.1.2) used to agree on
// TLS vs Standard Security before MCS ever starts.
package x224

import (
	"bytes"
	"io"

	"github.com/kdsmith18542/rdpmitm/core"
	"github.com/kdsmith18542/rdpmitm/proto/tpkt"
	"github.com/lunixbochs/struc"
)

// TPDU types.
const (
	TPDU_CONNECTION_REQUEST  = 0xE0
	TPDU_CONNECTION_CONFIRM  = 0xD0
	TPDU_DISCONNECT_REQUEST  = 0x80
	TPDU_DATA                = 0xF0
)

// Header is the fixed part of a connection-class TPDU (Connection
// Request/Confirm, Disconnect Request): length indicator, code byte,
// destination and source references, and a trailing byte that is the
// class option on CR/CC and the disconnect reason on DR. Data TPDUs
// use the compact 3-byte form handled inline by readFrame/WriteData.
type Header struct {
	Length  uint8
	PduType uint8
	DstRef  uint16 `struc:"big"`
	SrcRef  uint16 `struc:"big"`
	Flags   uint8
}

func (h *Header) Read(r io.Reader) {
	core.ThrowError(struc.Unpack(r, h))
}

func (h *Header) Write(w io.Writer) {
	core.ThrowError(struc.Pack(w, h))
}

// readFrame reads one TPKT-framed X.224 packet and returns its TPDU
// code along with everything past the header, without assuming which
// TPDU kind it is; callers that expect a specific kind check pduType
// themselves. Data TPDUs carry a 3-byte header (LI, code, EOT);
// connection-class TPDUs carry the 7-byte Header above.
func readFrame(r io.Reader) (pduType uint8, payload []byte) {
	frame := tpkt.Read(r)
	core.ThrowIf(len(frame) < 3, "short X.224 frame")
	if frame[1]&0xF0 == TPDU_DATA {
		return frame[1] & 0xF0, frame[3:]
	}
	br := bytes.NewReader(frame)
	h := &Header{}
	h.Read(br)
	rest := make([]byte, br.Len())
	_, _ = br.Read(rest)
	return h.PduType, rest
}

// Read reads one TPKT-framed X.224 Data TPDU and returns everything
// past its 3-byte header: the MCS payload (matching
// mcs.ReadSendDataIndication, which calls x224.Read and treats the
// result directly as an MCS PDU).
func Read(r io.Reader) []byte {
	pduType, payload := readFrame(r)
	core.ThrowIf(pduType != TPDU_DATA, "expected X.224 data TPDU")
	return payload
}

// WriteData frames payload as an X.224 Data TPDU inside a TPKT packet:
// LI 2, code 0xF0, EOT set (RDP never fragments at this layer).
func WriteData(w io.Writer, payload []byte) {
	var buf bytes.Buffer
	core.WriteBE(&buf, [3]uint8{2, TPDU_DATA, 0x80})
	core.WriteFull(&buf, payload)
	tpkt.Write(w, buf.Bytes())
}

// Connect frames payload (a Connection Request or Confirm body,
// including any negotiation extension) as the named pduType inside a
// TPKT packet, mirroring the teacher's connPdu.ClientConnectionRequestPDU.Write.
func Connect(w io.Writer, pduType uint8, payload []byte) {
	h := &Header{Length: uint8(6 + len(payload)), PduType: pduType}
	var buf bytes.Buffer
	h.Write(&buf)
	core.WriteFull(&buf, payload)
	tpkt.Write(w, buf.Bytes())
}

// ReadDisconnectRequest reads a Disconnect Request TPDU, returning its
// reason byte, or throws if the frame is a different TPDU type.
func ReadDisconnectRequest(r io.Reader) uint8 {
	frame := tpkt.Read(r)
	br := bytes.NewReader(frame)
	h := &Header{}
	h.Read(br)
	core.ThrowIf(h.PduType&0xF0 != TPDU_DISCONNECT_REQUEST, "expected disconnect request TPDU")
	return h.Flags // reason occupies the class-option slot on a DR TPDU
}
