package mcs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMcsPduHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	WriteMcsPduHeader(&buf, MCS_PDUTYPE_CHANNEL_JOIN_REQUEST, 0)
	assert.Equal(t, uint8(MCS_PDUTYPE_CHANNEL_JOIN_REQUEST), ReadMcsPduHeader(&buf))
}

func TestAttachUserConfirmRoundTrip(t *testing.T) {
	c := &AttachUserConfirm{Result: 0, UserId: 1005}
	var buf bytes.Buffer
	c.Write(&buf)

	got := &AttachUserConfirm{}
	got.Read(&buf)
	assert.Equal(t, c, got)
}

func TestChannelJoinRequestRoundTrip(t *testing.T) {
	req := &ChannelJoinRequest{UserId: 1005, ChannelId: MCS_CHANNEL_GLOBAL}
	var buf bytes.Buffer
	req.Write(&buf)

	got := &ChannelJoinRequest{}
	got.Read(&buf)
	assert.Equal(t, req, got)
}

func TestChannelJoinConfirmRejected(t *testing.T) {
	conf := &ChannelJoinConfirm{Result: RT_USER_REJECTED, UserId: 1005, ChannelId: 1005 + 200}
	var buf bytes.Buffer
	conf.Write(&buf)

	got := &ChannelJoinConfirm{}
	got.Read(&buf)
	assert.Equal(t, conf, got)
}

func TestErectDomainRequestRoundTrip(t *testing.T) {
	e := &ErectDomainRequest{}
	var buf bytes.Buffer
	e.Write(&buf)

	got := &ErectDomainRequest{}
	got.Read(&buf)
	assert.Equal(t, e, got)
}

func TestSendDataIndicationRoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	var buf bytes.Buffer
	WriteSendDataIndication(&buf, 1005, MCS_CHANNEL_GLOBAL, payload)

	channelID, data := ReadSendDataIndication(&buf)
	assert.Equal(t, uint16(MCS_CHANNEL_GLOBAL), channelID)
	assert.Equal(t, payload, data)
}

func TestDomainParametersRoundTrip(t *testing.T) {
	d := DefaultTargetParameters()
	var buf bytes.Buffer
	d.write(&buf)

	got := DomainParameters{}
	got.read(&buf)
	assert.Equal(t, d, got)
}

func TestConnectInitialRoundTrip(t *testing.T) {
	ci := &ConnectInitial{
		CallingDomainSelector: []byte{0x01},
		CalledDomainSelector:  []byte{0x01},
		UpwardFlag:            true,
		TargetParameters:      DefaultTargetParameters(),
		MinParameters:         DefaultMinParameters(),
		MaxParameters:         DefaultMaxParameters(),
		UserData:              []byte{0xde, 0xad, 0xbe, 0xef},
	}
	var buf bytes.Buffer
	ci.Write(&buf)

	got := &ConnectInitial{}
	got.Read(&buf)
	assert.Equal(t, ci, got)
}

func TestConnectResponseRoundTrip(t *testing.T) {
	cr := &ConnectResponse{
		Result:           0,
		CalledConnectId:  0,
		DomainParameters: DefaultMaxParameters(),
		UserData:         []byte{0x01, 0x02, 0x03},
	}
	var buf bytes.Buffer
	cr.Write(&buf)

	got := &ConnectResponse{}
	got.Read(&buf)
	assert.Equal(t, cr, got)
}
