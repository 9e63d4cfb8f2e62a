package x224

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNegotiationRequestRoundTrip(t *testing.T) {
	req := &NegotiationRequest{
		Cookie:             "Cookie: mstshash=DESKTOP-0",
		RequestedProtocols: PROTOCOL_RDP | PROTOCOL_SSL | PROTOCOL_HYBRID,
		HasNegotiation:     true,
	}

	var buf bytes.Buffer
	WriteConnectionRequest(&buf, req)

	got := ReadConnectionRequest(&buf)
	assert.Equal(t, req.Cookie, got.Cookie)
	assert.Equal(t, req.RequestedProtocols, got.RequestedProtocols)
	assert.True(t, got.HasNegotiation)
}

func TestNegotiationRequestMaskedProtocols(t *testing.T) {
	req := &NegotiationRequest{
		Cookie:             "Cookie: mstshash=DESKTOP-0",
		RequestedProtocols: PROTOCOL_RDP | PROTOCOL_SSL | PROTOCOL_HYBRID,
		HasNegotiation:     true,
	}
	masked := &NegotiationRequest{Cookie: req.Cookie, RequestedProtocols: PROTOCOL_SSL, HasNegotiation: true}

	var buf bytes.Buffer
	WriteConnectionRequest(&buf, masked)

	got := ReadConnectionRequest(&buf)
	assert.Equal(t, uint32(PROTOCOL_SSL), got.RequestedProtocols)
}

func TestConnectionConfirmRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	WriteConnectionConfirm(&buf, PROTOCOL_SSL)

	n := ReadConnectionConfirm(&buf)
	assert.NotNil(t, n)
	assert.Equal(t, uint8(TYPE_RDP_NEG_RSP), n.Type)
	assert.Equal(t, uint32(PROTOCOL_SSL), n.Result)
}
