package mcs

import (
	"bytes"
	"io"

	"github.com/kdsmith18542/rdpmitm/core"
	"github.com/kdsmith18542/rdpmitm/glog"
	"github.com/kdsmith18542/rdpmitm/proto/mcs/per"
	"github.com/kdsmith18542/rdpmitm/proto/x224"
)

// SendDataRequest wraps domain data (security exchange, client info,
// slow-path share control PDUs) for
// the client-to-server direction. The server-to-client direction uses
// the equally-shaped Send-Data-Indication PDU, handled by
// ReadSendDataIndication on read and WriteSendDataIndication on write.
type SendDataRequest struct {
	UserId    uint16
	ChannelId uint16
	Data      []byte
}

func (s *SendDataRequest) Write(w io.Writer) {
	buf := new(bytes.Buffer)
	WriteMcsPduHeader(buf, MCS_PDUTYPE_SEND_DATA_REQUEST, 0)
	per.WriteInteger16(buf, s.UserId, MCS_CHANNEL_USERID_BASE)
	per.WriteInteger16(buf, s.ChannelId, 0)
	per.WriteEnumerated(buf, 0x70) // priority/segmentation flags, RDP always uses this value
	per.WriteOctetString(buf, s.Data, 0)
	x224.WriteData(w, buf.Bytes())
}

// WriteSendDataIndication frames payload as a Send-Data-Indication, the
// shape the MITM uses for its client-facing half (mirroring what
// ReadSendDataIndication parses when acting on the outbound half).
func WriteSendDataIndication(w io.Writer, userId, channelId uint16, data []byte) {
	buf := new(bytes.Buffer)
	WriteMcsPduHeader(buf, MCS_PDUTYPE_SEND_DATA_INDICATION, 0)
	per.WriteInteger16(buf, userId, MCS_CHANNEL_USERID_BASE)
	per.WriteInteger16(buf, channelId, 0)
	per.WriteEnumerated(buf, 0x70)
	per.WriteOctetString(buf, data, 0)
	x224.WriteData(w, buf.Bytes())
}

// ReadSendDataRequest reads a client-to-server Send-Data-Request, used
// on the client-facing half.
func ReadSendDataRequest(r io.Reader) (userId, channelId uint16, data []byte) {
	frame := x224.Read(r)
	br := bytes.NewReader(frame)
	core.ThrowIf(ReadMcsPduHeader(br) != MCS_PDUTYPE_SEND_DATA_REQUEST, "invalid pdu type")
	userId = per.ReadInteger16(br, MCS_CHANNEL_USERID_BASE)
	channelId = per.ReadInteger16(br, 0)
	per.ReadEnumerated(br)
	data = per.ReadOctetString(br, 0)
	return
}

// ReadSendDataIndication reads a server-to-client Send-Data-Indication,
// used on the outbound half to receive I/O-channel traffic from the
// real server.
func ReadSendDataIndication(r io.Reader) (channelId uint16, data []byte) {
	frame := x224.Read(r)
	br := bytes.NewReader(frame)
	core.ThrowIf(ReadMcsPduHeader(br) != MCS_PDUTYPE_SEND_DATA_INDICATION, "invalid pdu type")
	userId := per.ReadInteger16(br, MCS_CHANNEL_USERID_BASE)
	channelId = per.ReadInteger16(br, 0)
	per.ReadEnumerated(br)
	glog.Debugf("send data indication: userId=%v channelId=%v", userId, channelId)
	data = per.ReadOctetString(br, 0)
	return
}
