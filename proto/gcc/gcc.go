// Package gcc implements the T.124 Generic Conference Control user
// data blocks RDP carries inside MCS Connect-Initial/Connect-Response
// (proto/mcs.ConnectInitial/ConnectResponse's UserData): ClientCoreData/
// ServerCoreData, ClientSecurityData/ServerSecurityData and
// ClientNetworkData/ServerNetworkData. This is the layer the MITM
// mutates most: substitute RSA key, stripped FIPS encryption method,
// masked/restored requestedProtocols, and collapsed channel list (spec
// §4.2/§4.3).
package gcc

import (
	"bytes"
	"io"

	"github.com/kdsmith18542/rdpmitm/core"
	"github.com/kdsmith18542/rdpmitm/proto/mcs"
	"github.com/kdsmith18542/rdpmitm/proto/mcs/per"
)

// t124Identifier is the PER-encoded T.124 object identifier
// {0 0 20 124 0 1} opening every Conference Create PDU.
var t124Identifier = []byte{0x00, 0x14, 0x7c, 0x00, 0x01}

// H.221 keys marking where the RDP user data begins inside the T.124
// wrapper: "Duca" client-to-server, "McDn" server-to-client.
const (
	h221ClientKey = "Duca"
	h221ServerKey = "McDn"
)

// GCC user data block header types, [MS-RDPBCGR] 2.2.1.3.
const (
	CS_CORE     = 0xC001
	CS_SECURITY = 0xC002
	CS_NET      = 0xC003
	SC_CORE     = 0x0C01
	SC_SECURITY = 0x0C02
	SC_NET      = 0x0C03
)

// blockHeader is the common 4-byte {type, length} prefix on every GCC
// user data block.
type blockHeader struct {
	Type   uint16
	Length uint16
}

func (h *blockHeader) read(r io.Reader) {
	core.ReadLE(r, &h.Type)
	core.ReadLE(r, &h.Length)
}

func (h *blockHeader) write(w io.Writer) {
	core.WriteLE(w, h.Type)
	core.WriteLE(w, h.Length)
}

// ClientCoreData is the subset of CS_CORE fields the MITM needs to
// read and forward; a handful of later-version fields the real
// protocol pads with zero on older clients are folded into Extra and
// passed through unexamined.
type ClientCoreData struct {
	Version               uint32
	DesktopWidth          uint16
	DesktopHeight         uint16
	ColorDepth            uint16
	SASSequence           uint16
	KeyboardLayout        uint32
	ClientBuild           uint32
	ClientName            [32]byte
	KeyboardType          uint32
	KeyboardSubType       uint32
	KeyboardFunctionKey   uint32
	ImeFileName           [64]byte
	// ServerSelectedProtocol and everything after it are optional in
	// earlier protocol versions; Extra holds them as raw bytes so they
	// round-trip unchanged regardless of which are present.
	Extra []byte
}

func (d *ClientCoreData) read(r io.Reader, length int) {
	core.ReadLE(r, &d.Version)
	core.ReadLE(r, &d.DesktopWidth)
	core.ReadLE(r, &d.DesktopHeight)
	core.ReadLE(r, &d.ColorDepth)
	core.ReadLE(r, &d.SASSequence)
	core.ReadLE(r, &d.KeyboardLayout)
	core.ReadLE(r, &d.ClientBuild)
	core.ReadLE(r, &d.ClientName)
	core.ReadLE(r, &d.KeyboardType)
	core.ReadLE(r, &d.KeyboardSubType)
	core.ReadLE(r, &d.KeyboardFunctionKey)
	core.ReadLE(r, &d.ImeFileName)
	consumed := 4 + 2 + 2 + 2 + 2 + 4 + 4 + 32 + 4 + 4 + 4 + 64
	if length-4 > consumed {
		d.Extra = core.ReadBytes(r, length-4-consumed)
	}
}

func (d *ClientCoreData) write(w io.Writer) {
	core.WriteLE(w, d.Version)
	core.WriteLE(w, d.DesktopWidth)
	core.WriteLE(w, d.DesktopHeight)
	core.WriteLE(w, d.ColorDepth)
	core.WriteLE(w, d.SASSequence)
	core.WriteLE(w, d.KeyboardLayout)
	core.WriteLE(w, d.ClientBuild)
	core.WriteLE(w, d.ClientName)
	core.WriteLE(w, d.KeyboardType)
	core.WriteLE(w, d.KeyboardSubType)
	core.WriteLE(w, d.KeyboardFunctionKey)
	core.WriteLE(w, d.ImeFileName)
	core.WriteFull(w, d.Extra)
}

// ServerCoreData is SC_CORE: the server's protocol version and the
// protocol it actually selected, echoed back from the client's
// requestedProtocols (spec §4.2 - the value the MITM writes here is
// the client's original, unmasked request, even though the outbound
// negotiation the MITM performed against the real server may have
// requested less).
type ServerCoreData struct {
	Version                 uint32
	ClientRequestedProtocols uint32
	EarlyCapabilityFlags    uint32
}

func (d *ServerCoreData) read(r io.Reader, length int) {
	core.ReadLE(r, &d.Version)
	if length-4 >= 4 {
		core.ReadLE(r, &d.ClientRequestedProtocols)
	}
	if length-4 >= 8 {
		core.ReadLE(r, &d.EarlyCapabilityFlags)
	}
}

func (d *ServerCoreData) write(w io.Writer) {
	core.WriteLE(w, d.Version)
	core.WriteLE(w, d.ClientRequestedProtocols)
	core.WriteLE(w, d.EarlyCapabilityFlags)
}

// Client/server security flags, [MS-RDPBCGR] 2.2.1.4.3.
const (
	ENCRYPTION_FLAG_40BIT  = 0x00000001
	ENCRYPTION_FLAG_128BIT = 0x00000002
	ENCRYPTION_FLAG_56BIT  = 0x00000008
	FIPS_ENCRYPTION_FLAG   = 0x00000010
)

// ServerSecurityData.EncryptionLevel values, [MS-RDPBCGR] 2.2.1.4.3.
const (
	ENCRYPTION_LEVEL_NONE             = 0
	ENCRYPTION_LEVEL_LOW              = 1
	ENCRYPTION_LEVEL_CLIENT_COMPATIBLE = 2
	ENCRYPTION_LEVEL_HIGH             = 3
	ENCRYPTION_LEVEL_FIPS             = 4
)

// ClientSecurityData is CS_SECURITY: the client's supported and
// preferred encryption methods, before the MITM strips FIPS per
// spec §4.2's ServerData-mutation rule.
type ClientSecurityData struct {
	EncryptionMethods   uint32
	ExtEncryptionMethods uint32
}

func (d *ClientSecurityData) read(r io.Reader) {
	core.ReadLE(r, &d.EncryptionMethods)
	core.ReadLE(r, &d.ExtEncryptionMethods)
}

func (d *ClientSecurityData) write(w io.Writer) {
	core.WriteLE(w, d.EncryptionMethods)
	core.WriteLE(w, d.ExtEncryptionMethods)
}

// StripFIPS clears the FIPS encryption method bit, per spec §4.2: the
// MITM's substitute RSA keypair and RC4 crypter cannot satisfy a FIPS
// mode exchange, so it is never offered to the real server.
func (d *ClientSecurityData) StripFIPS() {
	d.EncryptionMethods &^= FIPS_ENCRYPTION_FLAG
	d.ExtEncryptionMethods &^= FIPS_ENCRYPTION_FLAG
}

// Server certificate chain versions, low 31 bits of dwVersion
// ([MS-RDPBCGR] 2.2.1.4.3.1).
const (
	CERT_CHAIN_VERSION_1 = 1 // proprietary
	CERT_CHAIN_VERSION_2 = 2 // X.509 chain, see certchain.go
)

// CertChainVersion extracts the chain version from a raw serverCertificate
// blob without consuming it (the t flag in the top bit is masked off).
func CertChainVersion(raw []byte) uint32 {
	core.ThrowIf(len(raw) < 4, "short server certificate")
	v := uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16 | uint32(raw[3])<<24
	return v & 0x7fffffff
}

// rsaMagic is the "RSA1" marker opening an RSA_PUBLIC_KEY blob.
const rsaMagic = 0x31415352

// ProprietaryCertificate is the self-signed RSA certificate form RDP
// calls CERT_CHAIN_VERSION_1 ([MS-RDPBCGR] 2.2.1.4.3.1.1). The MITM
// substitutes the RSA_PUBLIC_KEY inside it while preserving every other
// field verbatim - signature algorithm IDs, blob types, the signature
// itself (spec §4.3). Modulus holds the key blob's modulus bytes exactly
// as transmitted: little-endian, followed by 8 bytes of zero padding.
type ProprietaryCertificate struct {
	DwVersion         uint32
	DwSigAlgID        uint32
	DwKeyAlgID        uint32
	PublicKeyBlobType uint16
	Magic             uint32
	KeyLen            uint32 // modulus + padding byte count
	BitLen            uint32
	DataLen           uint32
	PublicExponent    uint32
	Modulus           []byte // KeyLen bytes: little-endian modulus, then 8 zero bytes
	SignatureBlobType uint16
	Signature         []byte
}

func (c *ProprietaryCertificate) Write(w io.Writer) {
	core.WriteLE(w, c.DwVersion)
	core.WriteLE(w, c.DwSigAlgID)
	core.WriteLE(w, c.DwKeyAlgID)
	core.WriteLE(w, c.PublicKeyBlobType)
	core.WriteLE(w, uint16(20+len(c.Modulus))) // RSA_PUBLIC_KEY header + modulus
	core.WriteLE(w, c.Magic)
	core.WriteLE(w, c.KeyLen)
	core.WriteLE(w, c.BitLen)
	core.WriteLE(w, c.DataLen)
	core.WriteLE(w, c.PublicExponent)
	core.WriteFull(w, c.Modulus)
	core.WriteLE(w, c.SignatureBlobType)
	core.WriteLE(w, uint16(len(c.Signature)))
	core.WriteFull(w, c.Signature)
}

func (c *ProprietaryCertificate) Read(r io.Reader) {
	core.ReadLE(r, &c.DwVersion)
	core.ReadLE(r, &c.DwSigAlgID)
	core.ReadLE(r, &c.DwKeyAlgID)
	core.ReadLE(r, &c.PublicKeyBlobType)
	var blobLen uint16
	core.ReadLE(r, &blobLen)
	core.ReadLE(r, &c.Magic)
	core.ThrowIf(c.Magic != rsaMagic, "bad RSA_PUBLIC_KEY magic")
	core.ReadLE(r, &c.KeyLen)
	core.ReadLE(r, &c.BitLen)
	core.ReadLE(r, &c.DataLen)
	core.ReadLE(r, &c.PublicExponent)
	c.Modulus = core.ReadBytes(r, int(c.KeyLen))
	core.ReadLE(r, &c.SignatureBlobType)
	var sigLen uint16
	core.ReadLE(r, &sigLen)
	c.Signature = core.ReadBytes(r, int(sigLen))
}

// ServerSecurityData is SC_SECURITY: the chosen encryption method/level
// and, when encryption is negotiated, the server random and substitute
// certificate the MITM generated in place of the real server's.
type ServerSecurityData struct {
	EncryptionMethod uint32
	EncryptionLevel  uint32
	ServerRandom     []byte
	ServerCertRaw    []byte // pre-encoded proprietary certificate, see cryptosec
}

func (d *ServerSecurityData) read(r io.Reader, length int) {
	core.ReadLE(r, &d.EncryptionMethod)
	core.ReadLE(r, &d.EncryptionLevel)
	if d.EncryptionMethod == 0 && d.EncryptionLevel == 0 {
		return
	}
	var randomLen, certLen uint32
	core.ReadLE(r, &randomLen)
	core.ReadLE(r, &certLen)
	d.ServerRandom = core.ReadBytes(r, int(randomLen))
	d.ServerCertRaw = core.ReadBytes(r, int(certLen))
}

func (d *ServerSecurityData) write(w io.Writer) {
	core.WriteLE(w, d.EncryptionMethod)
	core.WriteLE(w, d.EncryptionLevel)
	if d.EncryptionMethod == 0 && d.EncryptionLevel == 0 {
		return
	}
	core.WriteLE(w, uint32(len(d.ServerRandom)))
	core.WriteLE(w, uint32(len(d.ServerCertRaw)))
	core.WriteFull(w, d.ServerRandom)
	core.WriteFull(w, d.ServerCertRaw)
}

// ClientNetworkData is CS_NET: the list of static virtual channels the
// client asked for. The MITM reads it to learn what the client wants,
// but per spec §4.3 every channel beyond the primary I/O channel is
// rejected locally - ClientNetworkData is only ever forwarded to the
// real server so the two halves' MCS channel numbering stays aligned.
type ClientNetworkData struct {
	ChannelCount uint32
	ChannelDefs  []ChannelDef
}

// ChannelDef is one CHANNEL_DEF entry: an 8-byte name and options flags.
type ChannelDef struct {
	Name    [8]byte
	Options uint32
}

func (d *ClientNetworkData) read(r io.Reader) {
	core.ReadLE(r, &d.ChannelCount)
	d.ChannelDefs = make([]ChannelDef, d.ChannelCount)
	for i := range d.ChannelDefs {
		core.ReadLE(r, &d.ChannelDefs[i].Name)
		core.ReadLE(r, &d.ChannelDefs[i].Options)
	}
}

func (d *ClientNetworkData) write(w io.Writer) {
	core.WriteLE(w, d.ChannelCount)
	for _, c := range d.ChannelDefs {
		core.WriteLE(w, c.Name)
		core.WriteLE(w, c.Options)
	}
}

// ServerNetworkData is SC_NET, re-exported from proto/mcs since both
// the connect-response parser and the channel-join arbiter need it and
// its wire shape was already defined there.
type ServerNetworkData = mcs.ServerNetworkData

// readWrapperHeader consumes the PER choice and T.124 object
// identifier opening both Conference Create directions.
func readWrapperHeader(r io.Reader) {
	per.ReadChoice(r)
	oid := per.ReadOctetString(r, 0)
	core.ThrowIf(!bytes.Equal(oid, t124Identifier), "not a T.124 conference PDU")
	per.ReadLength(r)
	per.ReadChoice(r)
}

// readH221UserData consumes the SET OF UserData preamble, checks the
// H.221 key, and returns the enclosed RDP block stream.
func readH221UserData(r io.Reader, key string) []byte {
	core.ThrowIf(per.ReadNumberOfSet(r) != 1, "expected a single user data set")
	core.ThrowIf(per.ReadChoice(r) != 0xc0, "expected h221NonStandard user data")
	got := per.ReadOctetString(r, 4)
	core.ThrowIf(string(got) != key, "wrong H.221 key")
	return per.ReadOctetString(r, 0)
}

func writeH221UserData(w io.Writer, key string, inner []byte) {
	per.WriteNumberOfSet(w, 1)
	per.WriteChoice(w, 0xc0)
	per.WriteOctetString(w, []byte(key), 4)
	per.WriteOctetString(w, inner, 0)
}

// ConferenceCreateRequest is the T.124 wrapper the client's MCS
// Connect-Initial UserData carries: a fixed conference-name preamble
// around the concatenated CS_CORE/CS_SECURITY/CS_NET blocks keyed by
// "Duca".
type ConferenceCreateRequest struct {
	Core     ClientCoreData
	Security ClientSecurityData
	Network  ClientNetworkData
}

// Parse unwraps the T.124 preamble and reads CS_CORE/CS_SECURITY/
// CS_NET blocks in whatever order they appear (RDP always sends CORE,
// SECURITY, NET in that order, but the parser does not assume it).
func (c *ConferenceCreateRequest) Parse(data []byte) {
	r := bytes.NewReader(data)
	readWrapperHeader(r)
	per.ReadSelection(r)
	per.ReadNumericString(r, 1) // conference name, always "1"
	per.ReadPadding(r, 1)
	blocks := bytes.NewReader(readH221UserData(r, h221ClientKey))

	for blocks.Len() > 0 {
		var h blockHeader
		h.read(blocks)
		body := core.ReadBytes(blocks, int(h.Length)-4)
		br := bytes.NewReader(body)
		switch h.Type {
		case CS_CORE:
			c.Core.read(br, int(h.Length))
		case CS_SECURITY:
			c.Security.read(br)
		case CS_NET:
			c.Network.read(br)
		}
	}
}

// Build re-serializes the wrapper and blocks, called after the MITM
// has stripped FIPS from Security (the only client-side mutation spec
// §4.2 requires).
func (c *ConferenceCreateRequest) Build() []byte {
	inner := new(bytes.Buffer)

	coreBuf := new(bytes.Buffer)
	c.Core.write(coreBuf)
	h := blockHeader{Type: CS_CORE, Length: uint16(4 + coreBuf.Len())}
	h.write(inner)
	inner.Write(coreBuf.Bytes())

	secBuf := new(bytes.Buffer)
	c.Security.write(secBuf)
	h = blockHeader{Type: CS_SECURITY, Length: uint16(4 + secBuf.Len())}
	h.write(inner)
	inner.Write(secBuf.Bytes())

	netBuf := new(bytes.Buffer)
	c.Network.write(netBuf)
	h = blockHeader{Type: CS_NET, Length: uint16(4 + netBuf.Len())}
	h.write(inner)
	inner.Write(netBuf.Bytes())

	buf := new(bytes.Buffer)
	per.WriteChoice(buf, 0)
	per.WriteOctetString(buf, t124Identifier, 0)
	per.WriteLength(buf, inner.Len()+14)
	per.WriteChoice(buf, 0)
	per.WriteSelection(buf, 0x08)
	per.WriteNumericString(buf, "1", 1)
	per.WritePadding(buf, 1)
	writeH221UserData(buf, h221ClientKey, inner.Bytes())
	return buf.Bytes()
}

// ConferenceCreateResponse is the T.124 wrapper the server's MCS
// Connect-Response UserData carries: SC_CORE, SC_SECURITY and SC_NET
// keyed by "McDn", preceded by the conference node id, tag and result,
// all three of which the MITM preserves verbatim when rewriting the
// blocks (spec §4.2 step 4).
type ConferenceCreateResponse struct {
	NodeID uint16
	Tag    int
	Result uint8

	Core     ServerCoreData
	Security ServerSecurityData
	Network  ServerNetworkData
}

func (c *ConferenceCreateResponse) Parse(data []byte) {
	r := bytes.NewReader(data)
	readWrapperHeader(r)
	c.NodeID = per.ReadInteger16(r, 1001)
	c.Tag = per.ReadInteger(r)
	c.Result = per.ReadEnumerated(r)
	blocks := bytes.NewReader(readH221UserData(r, h221ServerKey))

	for blocks.Len() > 0 {
		var h blockHeader
		h.read(blocks)
		body := core.ReadBytes(blocks, int(h.Length)-4)
		br := bytes.NewReader(body)
		switch h.Type {
		case SC_CORE:
			c.Core.read(br, int(h.Length))
		case SC_SECURITY:
			c.Security.read(br, int(h.Length))
		case SC_NET:
			c.Network.Read(br)
		}
	}
}

// Build re-serializes the wrapper and blocks, called after the MITM
// has substituted the RSA public key inside Security.ServerCertRaw and
// collapsed Network's channel list (spec §4.3).
func (c *ConferenceCreateResponse) Build() []byte {
	inner := new(bytes.Buffer)

	coreBuf := new(bytes.Buffer)
	c.Core.write(coreBuf)
	h := blockHeader{Type: SC_CORE, Length: uint16(4 + coreBuf.Len())}
	h.write(inner)
	inner.Write(coreBuf.Bytes())

	secBuf := new(bytes.Buffer)
	c.Security.write(secBuf)
	h = blockHeader{Type: SC_SECURITY, Length: uint16(4 + secBuf.Len())}
	h.write(inner)
	inner.Write(secBuf.Bytes())

	netBuf := new(bytes.Buffer)
	c.Network.Write(netBuf)
	h = blockHeader{Type: SC_NET, Length: uint16(4 + netBuf.Len())}
	h.write(inner)
	inner.Write(netBuf.Bytes())

	buf := new(bytes.Buffer)
	per.WriteChoice(buf, 0x14)
	per.WriteOctetString(buf, t124Identifier, 0)
	per.WriteLength(buf, inner.Len()+14)
	per.WriteChoice(buf, 0)
	per.WriteInteger16(buf, c.NodeID, 1001)
	per.WriteInteger(buf, c.Tag)
	per.WriteEnumerated(buf, c.Result)
	writeH221UserData(buf, h221ServerKey, inner.Bytes())
	return buf.Bytes()
}
