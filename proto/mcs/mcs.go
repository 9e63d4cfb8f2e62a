// Package mcs implements the subset of ITU-T T.125 Multipoint
// Communication Service domain PDUs RDP actually uses: Connect-Initial/
// Connect-Response (see connect.go), Erect Domain/Attach User/Channel
// Join (see domain.go) and Send Data Request/Indication (see
// senddata.go). PER framing is factored out into proto/mcs/per.
package mcs

import (
	"io"

	"github.com/kdsmith18542/rdpmitm/core"
)

// MCS domain PDU choice values, carried in the high 6 bits of the
// first header byte (the low 2 bits are an unused initiator/user flag
// in every PDU this engine handles).
const (
	MCS_PDUTYPE_ERECT_DOMAIN_REQUEST       = 1
	MCS_PDUTYPE_DISCONNECT_PROVIDER_ULTIMATUM = 8
	MCS_PDUTYPE_ATTACH_USER_REQUEST        = 10
	MCS_PDUTYPE_ATTACH_USER_CONFIRM        = 11
	MCS_PDUTYPE_CHANNEL_JOIN_REQUEST       = 14
	MCS_PDUTYPE_CHANNEL_JOIN_CONFIRM       = 15
	MCS_PDUTYPE_SEND_DATA_REQUEST          = 25
	MCS_PDUTYPE_SEND_DATA_INDICATION       = 26
)

// MCS_CHANNEL_USERID_BASE is added to/subtracted from user IDs carried
// on the wire, per T.125.
const MCS_CHANNEL_USERID_BASE = 1001

// MCS_CHANNEL_GLOBAL is the well-known I/O channel every MCS domain has.
const MCS_CHANNEL_GLOBAL = 1003

// WriteMcsPduHeader writes a single-byte MCS domain PDU header: pduType
// in the high 6 bits, the low 2 bits fixed at 0 (this engine never sets
// the upward/downward flag MS-RDPBCGR leaves reserved for these PDUs).
func WriteMcsPduHeader(w io.Writer, pduType uint8, options uint8) {
	core.WriteBE(w, pduType<<2|options)
}

// ReadMcsPduHeader reads the PDU choice out of the header byte.
func ReadMcsPduHeader(r io.Reader) uint8 {
	var b uint8
	core.ReadBE(r, &b)
	return b >> 2
}
