// Package licensing implements the minimal server side of [MS-RDPELE]
// that this engine needs: a single canned LICENSE_ERROR_MESSAGE telling
// the client no license exchange is required. Real license negotiation
// (new/upgrade license requests, platform challenges) is explicitly out
// of scope - every Windows client treats this canned response as
// "licensing already satisfied" and proceeds straight to Capability
// Exchange, which is all the MITM needs from either half.
package licensing

import (
	"bytes"
	"io"

	"github.com/kdsmith18542/rdpmitm/core"
	"github.com/kdsmith18542/rdpmitm/proto/mcs"
	"github.com/kdsmith18542/rdpmitm/proto/sec"
)

// Licensing PDU message types, [MS-RDPBCGR] 2.2.1.12.1.
const (
	LICENSE_ERROR_MESSAGE = 0xff
)

// Licensing error codes/state transitions for the canned response.
const (
	ERR_VALID_CLIENT     = 0x00000007
	ST_TOTAL_ABORT        = 0x00000001
)

// ErrorMessage is the LICENSE_ERROR_MESSAGE PDU body.
type ErrorMessage struct {
	BMsgType       uint8
	Flags          uint8
	WMsgSize       uint16
	DwErrorCode    uint32
	DwStateTransition uint32
	BbErrorInfoLen uint32
}

// NoLicenseRequired builds the canned PDU the MITM sends to the client
// right after the Client Info PDU has been forwarded, skipping license
// negotiation entirely (spec §4.1 LICENSED state).
func NoLicenseRequired() *ErrorMessage {
	return &ErrorMessage{
		BMsgType:          LICENSE_ERROR_MESSAGE,
		Flags:             0x03, // PREAMBLE_VERSION_3
		DwErrorCode:       ERR_VALID_CLIENT,
		DwStateTransition: ST_TOTAL_ABORT,
	}
}

func (m *ErrorMessage) write(w io.Writer) {
	core.WriteLE(w, m.BMsgType)
	core.WriteLE(w, m.Flags)
	var lenBuf bytes.Buffer
	core.WriteLE(&lenBuf, m.DwErrorCode)
	core.WriteLE(&lenBuf, m.DwStateTransition)
	core.WriteLE(&lenBuf, uint32(0)) // bbErrorInfo length, always empty here
	m.WMsgSize = uint16(4 + lenBuf.Len())
	core.WriteLE(w, m.WMsgSize)
	core.WriteFull(w, lenBuf.Bytes())
}

// WriteLicensingPDU frames a SEC_LICENSE_PKT-flagged Send-Data-Indication
// carrying m, addressed to userId over the global I/O channel, the way
// the real server addresses licensing traffic before any channel other
// than the I/O channel has been joined.
func WriteLicensingPDU(w io.Writer, userId uint16, m *ErrorMessage) {
	body := new(bytes.Buffer)
	h := sec.Header{Flags: sec.SEC_LICENSE_PKT}
	h.Write(body)
	m.write(body)
	mcs.WriteSendDataIndication(w, userId, mcs.MCS_CHANNEL_GLOBAL, body.Bytes())
}

// Decrypter decrypts a Standard-Security PDU body; the caller passes
// nil when the half is not RC4-protected.
type Decrypter interface {
	Decrypt(data []byte) []byte
}

// ReadLicensingPDU reads whatever licensing traffic the real server
// sends on the outbound half. The MITM does not attempt to interpret
// anything beyond the security header's SEC_LICENSE_PKT flag: exactly
// one licensing PDU is read and its content is returned uninspected, so
// a server that starts a full license exchange instead of sending the
// error message is not detected here. An encrypted PDU is still decrypted even though
// the content is discarded - skipping it would desynchronize the RC4
// stream for every PDU after it.
func ReadLicensingPDU(r io.Reader, dec Decrypter) []byte {
	_, data := mcs.ReadSendDataIndication(r)
	br := bytes.NewReader(data)
	h := &sec.Header{}
	h.Read(br)
	core.ThrowIf(h.Flags&sec.SEC_LICENSE_PKT == 0, "expected licensing PDU")
	rest := make([]byte, br.Len())
	_, _ = br.Read(rest)
	if h.Flags&sec.SEC_ENCRYPT != 0 && dec != nil {
		core.ThrowIf(len(rest) < 8, "short encrypted licensing PDU")
		rest = dec.Decrypt(rest[8:])
	}
	return rest
}
