// Package t128 implements the slow-path Share Control/Share Data PDU
// layer ([MS-RDPBCGR] 2.2.8.1): the PDUTYPE2_* dispatch table and the
// fixed-size headers the MITM needs to classify a PDU without
// understanding its payload. Capability negotiation, bitmap updates,
// and every other payload body are forwarded as opaque bytes between
// the two halves (spec §4.4) - this package never decodes them.
package t128

import (
	"io"

	"github.com/kdsmith18542/rdpmitm/core"
	"github.com/kdsmith18542/rdpmitm/glog"
)

// PDUTYPE2_* identifies the payload carried by a TsShareDataHeader,
// [MS-RDPBCGR] 2.2.8.1.1.1.
const (
	PDUTYPE2_UPDATE                      = 0x02
	PDUTYPE2_CONTROL                     = 0x14
	PDUTYPE2_POINTER                     = 0x1B
	PDUTYPE2_INPUT                       = 0x1C
	PDUTYPE2_SYNCHRONIZE                 = 0x1F
	PDUTYPE2_REFRESH_RECT                = 0x21
	PDUTYPE2_PLAY_SOUND                  = 0x22
	PDUTYPE2_SUPPRESS_OUTPUT             = 0x23
	PDUTYPE2_SHUTDOWN_REQUEST            = 0x24
	PDUTYPE2_SHUTDOWN_DENIED             = 0x25
	PDUTYPE2_SAVE_SESSION_INFO           = 0x26
	PDUTYPE2_FONTLIST                    = 0x27
	PDUTYPE2_FONTMAP                     = 0x28
	PDUTYPE2_SET_KEYBOARD_INDICATORS     = 0x29
	PDUTYPE2_BITMAPCACHE_PERSISTENT_LIST = 0x2B
	PDUTYPE2_BITMAPCACHE_ERROR_PDU       = 0x2C
	PDUTYPE2_SET_KEYBOARD_IME_STATUS     = 0x2D
	PDUTYPE2_OFFSCRCACHE_ERROR_PDU       = 0x2E
	PDUTYPE2_SET_ERROR_INFO_PDU          = 0x2F
	PDUTYPE2_DRAWNINEGRID_ERROR_PDU      = 0x30
	PDUTYPE2_DRAWGDIPLUS_ERROR_PDU       = 0x31
	PDUTYPE2_ARC_STATUS_PDU              = 0x32
	PDUTYPE2_STATUS_INFO_PDU             = 0x36
	PDUTYPE2_MONITOR_LAYOUT_PDU          = 0x37
)

// StreamId, [MS-RDPBCGR] 2.2.8.1.1.1.1.
const (
	STREAM_UNDEFINED = 0x00
	STREAM_LOW       = 0x01
	STREAM_MED       = 0x02
	STREAM_HI        = 0x04
)

// Level-2 compression flags carried in CompressedType; the MITM never
// decompresses the payload, but logs whether a PDU claimed compression
// since that's occasionally diagnostic of a misbehaving real server.
const (
	PACKET_COMPRESSED = 0x20
	PACKET_AT_FRONT   = 0x40
	PACKET_FLUSHED    = 0x80
)

// TsShareDataHeader is the fixed-size header carried by every Share
// Data PDU. PDUType2 is the only field the session layer actually
// branches on (spec §4.4's "PDUTYPE2_INPUT handler observational-only"
// decision); everything else is forwarded verbatim.
type TsShareDataHeader struct {
	SharedId           uint32
	Padding1           uint8
	StreamId           uint8
	UncompressedLength uint16
	PDUType2           uint8
	CompressedType     uint8
	CompressedLength   uint16
}

func (h *TsShareDataHeader) Read(r io.Reader) {
	core.ReadLE(r, h)
	if h.CompressedType&PACKET_COMPRESSED != 0 {
		glog.Debugf("share data PDU type2=%#x claims compression (type %d); forwarding opaque", h.PDUType2, h.CompressedType&0x03)
	}
}

func (h *TsShareDataHeader) Write(w io.Writer) {
	core.WriteLE(w, h)
}
