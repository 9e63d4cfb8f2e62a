package t128

import (
	"io"

	"github.com/kdsmith18542/rdpmitm/core"
)

// PDUType identifies the payload carried by a TsShareControlHeader,
// [MS-RDPBCGR] 2.2.8.1.1.1. Only PDUTYPE_DATAPDU is ever inspected
// further (its body starts with a TsShareDataHeader); every other kind
// - capability negotiation's Demand/Confirm Active, Deactivate-All,
// Server Redirection - is forwarded as opaque bytes between the two
// halves (spec §4.4).
const (
	PDUTYPE_DEMANDACTIVEPDU  = 1
	PDUTYPE_CONFIRMACTIVEPDU = 3
	PDUTYPE_DEACTIVATEALLPDU = 6
	PDUTYPE_DATAPDU          = 7
	PDUTYPE_SERVER_REDIR_PKT = 10
)

// TsShareControlHeader is the fixed-size header in front of every
// slow-path PDU on the I/O channel, distinguishing Data PDUs (which
// carry a further TsShareDataHeader) from capability-exchange PDUs.
type TsShareControlHeader struct {
	TotalLength uint16
	PDUType     uint16 // low 4 bits: PDUTYPE_*; high 12 bits: protocol version
	PDUSource   uint16
}

// Type extracts the PDUTYPE_* discriminant.
func (h *TsShareControlHeader) Type() uint16 {
	return h.PDUType & 0x0f
}

func (h *TsShareControlHeader) Read(r io.Reader) {
	core.ReadLE(r, h)
}

func (h *TsShareControlHeader) Write(w io.Writer) {
	core.WriteLE(w, h)
}
