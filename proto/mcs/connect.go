package mcs

import (
	"bytes"
	"io"

	"github.com/kdsmith18542/rdpmitm/core"
)

// BER application tags for the two MCS PDUs that are BER-framed rather
// than PER-framed, per T.125 section 7.
const (
	berTagConnectInitial  = 0x65 // [APPLICATION 101]
	berTagConnectResponse = 0x66 // [APPLICATION 102]
	berTagSequence        = 0x30
	berTagOctetString     = 0x04
	berTagInteger         = 0x02
	berTagBoolean         = 0x01
)

// DomainParameters is the T.125 DomainParameters SEQUENCE; the MITM
// never needs to interpret these beyond forwarding them unchanged to
// whichever half did not originate them.
type DomainParameters struct {
	MaxChannelIds   int
	MaxUserIds      int
	MaxTokenIds     int
	NumPriorities   int
	MinThroughput   int
	MaxHeight       int
	MaxMCSPDUsize   int
	ProtocolVersion int
}

func readBERInteger(r io.Reader) int {
	tlv := &core.Asn1{}
	tlv.Read(r)
	core.ThrowIf(tlv.Tag != berTagInteger, "expected BER INTEGER")
	v := 0
	for _, b := range tlv.Value {
		v = v<<8 | int(b)
	}
	return v
}

func writeBERInteger(w io.Writer, v int) {
	var b []byte
	for n := v; n > 0; n >>= 8 {
		b = append([]byte{byte(n & 0xff)}, b...)
	}
	if len(b) == 0 || b[0]&0x80 != 0 {
		b = append([]byte{0}, b...)
	}
	writeBERTLV(w, berTagInteger, b)
}

func writeBERTLV(w io.Writer, tag uint8, value []byte) {
	core.WriteBE(w, tag)
	writeBERLength(w, len(value))
	core.WriteFull(w, value)
}

func writeBERLength(w io.Writer, n int) {
	if n < 0x80 {
		core.WriteBE(w, uint8(n))
		return
	}
	var b []byte
	for v := n; v > 0; v >>= 8 {
		b = append([]byte{byte(v & 0xff)}, b...)
	}
	core.WriteBE(w, uint8(0x80|len(b)))
	core.WriteFull(w, b)
}

func (d *DomainParameters) read(r io.Reader) {
	tlv := &core.Asn1{}
	tlv.Read(r)
	core.ThrowIf(tlv.Tag != berTagSequence, "expected DomainParameters SEQUENCE")
	br := bytes.NewReader(tlv.Value)
	d.MaxChannelIds = readBERInteger(br)
	d.MaxUserIds = readBERInteger(br)
	d.MaxTokenIds = readBERInteger(br)
	d.NumPriorities = readBERInteger(br)
	d.MinThroughput = readBERInteger(br)
	d.MaxHeight = readBERInteger(br)
	d.MaxMCSPDUsize = readBERInteger(br)
	d.ProtocolVersion = readBERInteger(br)
}

func (d *DomainParameters) write(w io.Writer) {
	buf := new(bytes.Buffer)
	writeBERInteger(buf, d.MaxChannelIds)
	writeBERInteger(buf, d.MaxUserIds)
	writeBERInteger(buf, d.MaxTokenIds)
	writeBERInteger(buf, d.NumPriorities)
	writeBERInteger(buf, d.MinThroughput)
	writeBERInteger(buf, d.MaxHeight)
	writeBERInteger(buf, d.MaxMCSPDUsize)
	writeBERInteger(buf, d.ProtocolVersion)
	writeBERTLV(w, berTagSequence, buf.Bytes())
}

// DefaultTargetParameters, DefaultMinParameters and DefaultMaxParameters
// mirror the fixed values every RDP client sends. The session does not
// use them: it forwards the client's own Connect-Initial, domain
// parameters included, and the tests build their PDUs from these.
func DefaultTargetParameters() DomainParameters {
	return DomainParameters{2, 2, 2, 0, 0, 1, 0xffff, 2}
}

func DefaultMinParameters() DomainParameters {
	return DomainParameters{1, 1, 1, 0, 0, 1, 0x420, 2}
}

func DefaultMaxParameters() DomainParameters {
	return DomainParameters{0xffff, 0xfc17, 0xffff, 1, 0, 1, 0xffff, 2}
}

// ConnectInitial is the client-to-server MCS Connect-Initial PDU. Its
// UserData carries the GCC Conference Create Request (see proto/gcc),
// which the MITM decodes, mutates, and re-encodes before this PDU is
// forwarded.
type ConnectInitial struct {
	CallingDomainSelector []byte
	CalledDomainSelector  []byte
	UpwardFlag            bool
	TargetParameters      DomainParameters
	MinParameters         DomainParameters
	MaxParameters         DomainParameters
	UserData              []byte
}

func (c *ConnectInitial) Read(r io.Reader) {
	outer := &core.Asn1{}
	outer.Read(r)
	core.ThrowIf(outer.Tag != berTagConnectInitial, "expected Connect-Initial")
	br := bytes.NewReader(outer.Value)

	calling := &core.Asn1{}
	calling.Read(br)
	c.CallingDomainSelector = calling.Value

	called := &core.Asn1{}
	called.Read(br)
	c.CalledDomainSelector = called.Value

	upward := &core.Asn1{}
	upward.Read(br)
	c.UpwardFlag = len(upward.Value) > 0 && upward.Value[0] != 0

	c.TargetParameters.read(br)
	c.MinParameters.read(br)
	c.MaxParameters.read(br)

	userData := &core.Asn1{}
	userData.Read(br)
	c.UserData = userData.Value
}

func (c *ConnectInitial) Write(w io.Writer) {
	buf := new(bytes.Buffer)
	writeBERTLV(buf, berTagOctetString, c.CallingDomainSelector)
	writeBERTLV(buf, berTagOctetString, c.CalledDomainSelector)
	if c.UpwardFlag {
		writeBERTLV(buf, berTagBoolean, []byte{0xff})
	} else {
		writeBERTLV(buf, berTagBoolean, []byte{0x00})
	}
	c.TargetParameters.write(buf)
	c.MinParameters.write(buf)
	c.MaxParameters.write(buf)
	writeBERTLV(buf, berTagOctetString, c.UserData)
	writeBERTLV(w, berTagConnectInitial, buf.Bytes())
}

// ConnectResponse is the server-to-client MCS Connect-Response PDU.
// Its UserData carries the GCC Conference Create Response, which the
// MITM rewrites (substitute certificate, restored requestedProtocols)
// before forwarding per spec §4.2's ServerData rewrite.
type ConnectResponse struct {
	Result           uint8
	CalledConnectId  int
	DomainParameters DomainParameters
	UserData         []byte
}

func (c *ConnectResponse) Read(r io.Reader) {
	outer := &core.Asn1{}
	outer.Read(r)
	core.ThrowIf(outer.Tag != berTagConnectResponse, "expected Connect-Response")
	br := bytes.NewReader(outer.Value)

	result := &core.Asn1{}
	result.Read(br)
	if len(result.Value) > 0 {
		c.Result = result.Value[len(result.Value)-1]
	}

	c.CalledConnectId = readBERInteger(br)
	c.DomainParameters.read(br)

	userData := &core.Asn1{}
	userData.Read(br)
	c.UserData = userData.Value
}

func (c *ConnectResponse) Write(w io.Writer) {
	buf := new(bytes.Buffer)
	writeBERTLV(buf, 0x0a, []byte{c.Result}) // Result is an ENUMERATED, tag 0x0a
	writeBERInteger(buf, c.CalledConnectId)
	c.DomainParameters.write(buf)
	writeBERTLV(buf, berTagOctetString, c.UserData)
	writeBERTLV(w, berTagConnectResponse, buf.Bytes())
}
