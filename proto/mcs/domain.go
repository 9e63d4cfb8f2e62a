package mcs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/kdsmith18542/rdpmitm/core"
	"github.com/kdsmith18542/rdpmitm/glog"
	"github.com/kdsmith18542/rdpmitm/proto/mcs/per"
	"github.com/kdsmith18542/rdpmitm/proto/x224"
)

// ErectDomainRequest announces the sender's position in the MCS domain
// hierarchy; RDP uses a single-level domain, so both parameters are
// always zero. The outbound half writes one to the real server exactly
// as a direct client would, and the server-side FSM consumes the
// client's without acting on it.
type ErectDomainRequest struct {
	SubHeight   int
	SubInterval int
}

func (e *ErectDomainRequest) Read(r io.Reader) {
	core.ThrowIf(ReadMcsPduHeader(r) != MCS_PDUTYPE_ERECT_DOMAIN_REQUEST, "invalid pdu type")
	e.SubHeight = per.ReadInteger(r)
	e.SubInterval = per.ReadInteger(r)
}

func (e *ErectDomainRequest) Write(w io.Writer) {
	WriteMcsPduHeader(w, MCS_PDUTYPE_ERECT_DOMAIN_REQUEST, 0)
	per.WriteInteger(w, e.SubHeight)
	per.WriteInteger(w, e.SubInterval)
}

func (e *ErectDomainRequest) Serialize() []byte {
	buf := new(bytes.Buffer)
	e.Write(buf)
	return buf.Bytes()
}

// AttachUserRequest has no body; the MITM writes one to the real
// server's half exactly as a direct client would, and reads one from
// the client's half to learn it should forward it onward.
type AttachUserRequest struct{}

func (a *AttachUserRequest) Write(w io.Writer) {
	WriteMcsPduHeader(w, MCS_PDUTYPE_ATTACH_USER_REQUEST, 0)
}

func (a *AttachUserRequest) Serialize() []byte {
	buf := new(bytes.Buffer)
	a.Write(buf)
	return buf.Bytes()
}

// AttachUserConfirm carries the result code and, on success, the user
// id the domain assigned. The MITM reads this from the real server and
// rewrites UserId when relaying it to the client only if the two
// halves' user IDs ever diverge (they don't, in the single-session
// topology this engine implements, but the field is kept distinct from
// the request's base-adjusted id per spec §4.3's channel bookkeeping).
type AttachUserConfirm struct {
	Result uint8
	UserId uint16
}

func (c *AttachUserConfirm) Read(r io.Reader) {
	core.ThrowIf(ReadMcsPduHeader(r) != MCS_PDUTYPE_ATTACH_USER_CONFIRM, "invalid pdu type")
	core.ReadBE(r, &c.Result)
	c.UserId = per.ReadInteger16(r, MCS_CHANNEL_USERID_BASE)
	glog.Debugf("attach user confirm: result=%v userId=%v", c.Result, c.UserId)
}

func (c *AttachUserConfirm) Write(w io.Writer) {
	WriteMcsPduHeader(w, MCS_PDUTYPE_ATTACH_USER_CONFIRM, 0)
	core.WriteBE(w, c.Result)
	per.WriteInteger16(w, c.UserId, MCS_CHANNEL_USERID_BASE)
}

// ChannelJoinRequest asks the domain to join userId to channelId. The
// MITM uses this both to read the client's requests (deciding, per
// spec §4.3, whether to reject non-I/O non-user channels outright) and
// to write its own requests to the real server when forwarding an
// approved join.
type ChannelJoinRequest struct {
	UserId    uint16
	ChannelId uint16
}

func (c *ChannelJoinRequest) Read(r io.Reader) {
	core.ThrowIf(ReadMcsPduHeader(r) != MCS_PDUTYPE_CHANNEL_JOIN_REQUEST, "invalid pdu type")
	c.UserId = per.ReadInteger16(r, MCS_CHANNEL_USERID_BASE)
	c.ChannelId = per.ReadInteger16(r, 0)
}

func (c *ChannelJoinRequest) Write(w io.Writer) {
	WriteMcsPduHeader(w, MCS_PDUTYPE_CHANNEL_JOIN_REQUEST, 0)
	per.WriteInteger16(w, c.UserId, MCS_CHANNEL_USERID_BASE)
	per.WriteInteger16(w, c.ChannelId, 0)
}

// ChannelJoinConfirm is read from the real server for channels the
// MITM approved, and synthesized locally (Result = RT_USER_REJECTED)
// for channels it rejects without ever contacting the real server.
type ChannelJoinConfirm struct {
	Result    uint8
	UserId    uint16
	ChannelId uint16
}

// RT_USER_REJECTED is the T.125 result code this engine synthesizes
// for every channel beyond the primary I/O channel and the user's own
// channel, per spec §4.3.
const RT_USER_REJECTED = 14

func (c *ChannelJoinConfirm) Read(r io.Reader) {
	core.ThrowIf(ReadMcsPduHeader(r) != MCS_PDUTYPE_CHANNEL_JOIN_CONFIRM, "invalid pdu type")
	core.ReadBE(r, &c.Result)
	c.UserId = per.ReadInteger16(r, MCS_CHANNEL_USERID_BASE)
	c.ChannelId = per.ReadInteger16(r, 0)
	if c.Result == 0 {
		// requested channel echoed back when join succeeds
		_ = per.ReadInteger16(r, 0)
	}
}

func (c *ChannelJoinConfirm) Write(w io.Writer) {
	WriteMcsPduHeader(w, MCS_PDUTYPE_CHANNEL_JOIN_CONFIRM, 0)
	core.WriteBE(w, c.Result)
	per.WriteInteger16(w, c.UserId, MCS_CHANNEL_USERID_BASE)
	per.WriteInteger16(w, c.ChannelId, 0)
	if c.Result == 0 {
		per.WriteInteger16(w, c.ChannelId, 0)
	}
}

// DisconnectProviderUltimatum is the MCS-level teardown PDU; the MITM
// forwards it in either direction verbatim, carrying Reason through so
// the recorder can log why the session ended (spec §4.5/§7).
type DisconnectProviderUltimatum struct {
	Reason uint8
}

func (d *DisconnectProviderUltimatum) Read(r io.Reader) {
	core.ThrowIf(ReadMcsPduHeader(r) != MCS_PDUTYPE_DISCONNECT_PROVIDER_ULTIMATUM, "invalid pdu type")
	d.Reason = per.ReadEnumerated(r)
}

func (d *DisconnectProviderUltimatum) Write(w io.Writer) {
	WriteMcsPduHeader(w, MCS_PDUTYPE_DISCONNECT_PROVIDER_ULTIMATUM, 0)
	per.WriteEnumerated(w, d.Reason)
}

// ReadDomainPDU reads one X.224-framed MCS PDU and returns its choice
// alongside the whole frame, so callers (session.negotiation) can
// dispatch to the right Read type, mirroring how ReadSendDataIndication
// dispatches SEND_DATA_INDICATION.
func ReadDomainPDU(r io.Reader) (choice uint8, body []byte) {
	frame := x224.Read(r)
	core.ThrowIf(len(frame) == 0, fmt.Errorf("empty domain PDU"))
	return frame[0] >> 2, frame
}
