package x224

import (
	"bytes"
	"io"

	"github.com/kdsmith18542/rdpmitm/core"
	"github.com/kdsmith18542/rdpmitm/proto/tpkt"
)

// RDP Negotiation Request/Response/Failure types, [MS-RDPBCGR] 2.2.1.1.1/2.2.1.2.1.
const (
	TYPE_RDP_NEG_REQ     = 0x01
	TYPE_RDP_NEG_RSP     = 0x02
	TYPE_RDP_NEG_FAILURE = 0x03
)

// requestedProtocols / selectedProtocol bit flags.
const (
	PROTOCOL_RDP    = 0x00000000
	PROTOCOL_SSL    = 0x00000001
	PROTOCOL_HYBRID = 0x00000002
	PROTOCOL_RDSTLS = 0x00000004
	PROTOCOL_HYBRID_EX = 0x00000008
)

// RDP_NEG_RSP flags.
const (
	EXTENDED_CLIENT_DATA_SUPPORTED = 0x01
	DYNVC_GFX_PROTOCOL_SUPPORTED   = 0x02
)

// Negotiation is the optional extension that follows the cookie/routing
// token on a Connection Request, and stands alone as the entire payload
// of a Connection Confirm. The same struct doubles as request, response
// and failure depending on Type, mirroring how the wire format reuses a
// single {type, flags, length, result} shape for all three.
type Negotiation struct {
	Type   uint8
	Flags  uint8
	Length uint16 // struc-free: always 8, written by hand below
	Result uint32 // requestedProtocols, selectedProtocol, or failureCode
}

func (n *Negotiation) Write(w io.Writer) {
	core.WriteLE(w, n.Type)
	core.WriteLE(w, n.Flags)
	core.WriteLE(w, uint16(8))
	core.WriteLE(w, n.Result)
}

func (n *Negotiation) Read(r io.Reader) {
	core.ReadLE(r, &n.Type)
	core.ReadLE(r, &n.Flags)
	core.ReadLE(r, &n.Length)
	core.ReadLE(r, &n.Result)
}

// NegotiationRequest is a full Connection Request TPDU body: the
// routing-token/cookie line (kept verbatim, per spec §4.1's invariant
// that the MITM never regenerates the client's original cookie) plus
// an optional negotiation extension.
type NegotiationRequest struct {
	Cookie              string
	RequestedProtocols  uint32
	HasNegotiation      bool
}

// ParseNegotiationRequest parses a Connection Request TPDU's payload
// (everything after the 7-byte X.224 header). The cookie line is
// terminated by CRLF; the negotiation extension, if present, follows
// immediately and is always exactly 8 bytes.
func ParseNegotiationRequest(payload []byte) *NegotiationRequest {
	req := &NegotiationRequest{}
	idx := bytes.Index(payload, []byte("\r\n"))
	if idx < 0 {
		req.Cookie = string(payload)
		return req
	}
	req.Cookie = string(payload[:idx])
	rest := payload[idx+2:]
	if len(rest) >= 8 {
		n := &Negotiation{}
		n.Read(bytes.NewReader(rest))
		core.ThrowIf(n.Type != TYPE_RDP_NEG_REQ, "expected negotiation request")
		req.RequestedProtocols = n.Result
		req.HasNegotiation = true
	}
	return req
}

// Serialize re-encodes the request, letting the caller substitute
// RequestedProtocols (the MITM masks this to PROTOCOL_SSL only when
// dialing the real server, per spec §4.2) while keeping Cookie
// unchanged.
func (req *NegotiationRequest) Serialize() []byte {
	buf := new(bytes.Buffer)
	core.WriteFull(buf, []byte(req.Cookie+"\r\n"))
	if req.HasNegotiation {
		n := &Negotiation{Type: TYPE_RDP_NEG_REQ, Result: req.RequestedProtocols}
		n.Write(buf)
	}
	return buf.Bytes()
}

// WriteConnectionRequest frames req as a Connection Request TPDU.
func WriteConnectionRequest(w io.Writer, req *NegotiationRequest) {
	Connect(w, TPDU_CONNECTION_REQUEST, req.Serialize())
}

// ReadConnectionRequest reads and parses a Connection Request TPDU.
func ReadConnectionRequest(r io.Reader) *NegotiationRequest {
	pduType, payload := readFrame(r)
	core.ThrowIf(pduType != TPDU_CONNECTION_REQUEST, "expected X.224 connection request TPDU")
	return ParseNegotiationRequest(payload)
}

// ConfirmSource is the X.224 Connection Confirm source reference this
// engine always advertises (spec §4.1: "a configurable source (here:
// 0x1234)").
const ConfirmSource = 0x1234

// WriteConnectionConfirm frames a successful negotiation response as a
// Connection Confirm TPDU, selectedProtocol reflecting what the MITM
// actually negotiated on whichever half is writing it. The TPDU's
// source reference is always ConfirmSource.
func WriteConnectionConfirm(w io.Writer, selectedProtocol uint32) {
	n := &Negotiation{Type: TYPE_RDP_NEG_RSP, Flags: EXTENDED_CLIENT_DATA_SUPPORTED, Result: selectedProtocol}
	payload := new(bytes.Buffer)
	n.Write(payload)
	h := &Header{Length: uint8(6 + payload.Len()), PduType: TPDU_CONNECTION_CONFIRM, SrcRef: ConfirmSource}
	var buf bytes.Buffer
	h.Write(&buf)
	core.WriteFull(&buf, payload.Bytes())
	tpkt.Write(w, buf.Bytes())
}

// ReadConnectionConfirm reads a Connection Confirm TPDU and returns the
// negotiation extension, or nil if the peer didn't send one (legacy,
// pre-negotiation RDP - out of scope per spec Non-goals, but parsed
// rather than rejected so the MITM can fail the connection cleanly).
func ReadConnectionConfirm(r io.Reader) *Negotiation {
	pduType, payload := readFrame(r)
	core.ThrowIf(pduType != TPDU_CONNECTION_CONFIRM, "expected X.224 connection confirm TPDU")
	if len(payload) < 8 {
		return nil
	}
	n := &Negotiation{}
	n.Read(bytes.NewReader(payload))
	return n
}
