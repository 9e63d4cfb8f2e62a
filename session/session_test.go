package session

import (
	"bytes"
	"crypto/rc4"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kdsmith18542/rdpmitm/config"
	"github.com/kdsmith18542/rdpmitm/core"
	"github.com/kdsmith18542/rdpmitm/cryptosec"
	"github.com/kdsmith18542/rdpmitm/proto/gcc"
	"github.com/kdsmith18542/rdpmitm/proto/mcs"
	"github.com/kdsmith18542/rdpmitm/proto/sec"
	"github.com/kdsmith18542/rdpmitm/proto/x224"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHalf scripts the outbound collaborator: it answers negotiation
// steps from canned data and records everything the session hands it.
type fakeHalf struct {
	resp *mcs.ConnectResponse

	connected  bool
	negotiated *x224.NegotiationRequest
	ci         *mcs.ConnectInitial
	joined     []uint16
	info       *sec.ClientInfoPDU

	settings    *cryptosec.SecuritySettings
	disconnects int
}

func newFakeHalf(resp *mcs.ConnectResponse) *fakeHalf {
	return &fakeHalf{resp: resp, settings: cryptosec.NewSecuritySettings(false)}
}

func (f *fakeHalf) Connect(host string, port int, timeout time.Duration) error {
	f.connected = true
	return nil
}

func (f *fakeHalf) NegotiateProtocol(req *x224.NegotiationRequest) (*x224.Negotiation, error) {
	f.negotiated = req
	return &x224.Negotiation{Type: x224.TYPE_RDP_NEG_RSP, Result: x224.PROTOCOL_RDP}, nil
}

func (f *fakeHalf) SendConnectInitial(ci *mcs.ConnectInitial) (*mcs.ConnectResponse, error) {
	f.ci = ci
	return f.resp, nil
}

func (f *fakeHalf) AttachUser() (uint16, error) { return 1002, nil }

func (f *fakeHalf) JoinChannel(userID, channelID uint16) error {
	f.joined = append(f.joined, channelID)
	return nil
}

func (f *fakeHalf) SendClientInfo(info *sec.ClientInfoPDU) error {
	f.info = info
	return nil
}

func (f *fakeHalf) SendData(data []byte) error                     { return nil }
func (f *fakeHalf) ReceiveData() ([]byte, error)                   { return nil, io.EOF }
func (f *fakeHalf) SecuritySettings() *cryptosec.SecuritySettings  { return f.settings }
func (f *fakeHalf) Disconnect()                                    { f.disconnects++ }

// memRecorder captures entries for assertions.
type memRecorder struct {
	mu      sync.Mutex
	entries []RecordEntry
	closes  int
}

func (m *memRecorder) Record(dir Direction, tag Tag, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, RecordEntry{Direction: dir, Tag: tag, Payload: payload})
}

func (m *memRecorder) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

func (m *memRecorder) byTag(tag Tag) []RecordEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RecordEntry
	for _, e := range m.entries {
		if e.Tag == tag {
			out = append(out, e)
		}
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Target.Host = "192.0.2.1"
	cfg.Target.Port = 3389
	return cfg
}

// serverConnectResponse builds the Connect-Response a real server
// would produce, with serverKey standing in for the real server's
// certificate key.
func serverConnectResponse(serverKey *cryptosec.SubstituteKey, method, level uint32, ioChannel uint16, serverRandom []byte) *mcs.ConnectResponse {
	var certBuf bytes.Buffer
	serverKey.ProprietaryCert().Write(&certBuf)

	cc := &gcc.ConferenceCreateResponse{
		NodeID: 0x79f3,
		Tag:    1,
		Core:   gcc.ServerCoreData{Version: 0x00080004},
		Security: gcc.ServerSecurityData{
			EncryptionMethod: method,
			EncryptionLevel:  level,
			ServerRandom:     serverRandom,
			ServerCertRaw:    certBuf.Bytes(),
		},
		Network: gcc.ServerNetworkData{
			McsChannelId:   ioChannel,
			ChannelCount:   2,
			ChannelIdArray: []uint16{1005, 1006},
		},
	}
	return &mcs.ConnectResponse{
		Result:           0,
		CalledConnectId:  0,
		DomainParameters: mcs.DefaultTargetParameters(),
		UserData:         cc.Build(),
	}
}

func clientConnectInitial(methods uint32) *mcs.ConnectInitial {
	ccr := &gcc.ConferenceCreateRequest{
		Core: gcc.ClientCoreData{
			Version:      0x00080004,
			DesktopWidth: 1024, DesktopHeight: 768,
		},
		Security: gcc.ClientSecurityData{EncryptionMethods: methods},
		Network: gcc.ClientNetworkData{
			ChannelCount: 1,
			ChannelDefs:  []gcc.ChannelDef{{Name: [8]byte{'c', 'l', 'i', 'p', 'r', 'd', 'r', 0}, Options: 0}},
		},
	}
	return &mcs.ConnectInitial{
		TargetParameters: mcs.DefaultTargetParameters(),
		MinParameters:    mcs.DefaultMinParameters(),
		MaxParameters:    mcs.DefaultMaxParameters(),
		UserData:         ccr.Build(),
	}
}

func writeDomainPDU(t *testing.T, w io.Writer, serialize func(buf *bytes.Buffer)) {
	t.Helper()
	var buf bytes.Buffer
	serialize(&buf)
	x224.WriteData(w, buf.Bytes())
}

// TestStandardSecurityNegotiation drives a full legacy (non-TLS)
// handshake through licensing: FIPS stripping, ServerData rewrite,
// channel probing, RC4 key interception and client info capture all in
// one pass, the way a real session exercises them.
func TestStandardSecurityNegotiation(t *testing.T) {
	serverKey := cryptosec.GenerateSubstituteKey()
	serverRandom := bytes.Repeat([]byte{0x5c}, 32)
	const ioChannel = uint16(1005)

	// a FIPS-preferring real server; the MITM must clamp both fields
	half := newFakeHalf(serverConnectResponse(serverKey,
		gcc.FIPS_ENCRYPTION_FLAG, gcc.ENCRYPTION_LEVEL_FIPS, ioChannel, serverRandom))
	rec := &memRecorder{}

	clientEnd, serverEnd := net.Pipe()
	defer clientEnd.Close()
	s := New(testConfig(), serverEnd, half, rec)

	done := make(chan error, 1)
	go func() { done <- core.Try(func() { s.negotiate() }) }()

	// 1. legacy connection request, no negotiation extension
	x224.WriteConnectionRequest(clientEnd, &x224.NegotiationRequest{Cookie: "Cookie: mstshash=eve"})
	confirm := x224.ReadConnectionConfirm(clientEnd)
	require.NotNil(t, confirm)
	assert.Equal(t, uint32(x224.PROTOCOL_RDP), confirm.Result)

	// 2. Connect-Initial advertising FIPS; expect the rewritten response
	ci := clientConnectInitial(gcc.ENCRYPTION_FLAG_128BIT | gcc.FIPS_ENCRYPTION_FLAG)
	writeDomainPDU(t, clientEnd, func(buf *bytes.Buffer) { ci.Write(buf) })

	gotResp := &mcs.ConnectResponse{}
	gotResp.Read(bytes.NewReader(x224.Read(clientEnd)))
	require.Equal(t, uint8(0), gotResp.Result)

	gotCC := &gcc.ConferenceCreateResponse{}
	gotCC.Parse(gotResp.UserData)
	assert.Equal(t, uint16(0x79f3), gotCC.NodeID) // preserved from the real server's response
	assert.Equal(t, uint32(gcc.ENCRYPTION_FLAG_128BIT), gotCC.Security.EncryptionMethod)
	assert.Equal(t, uint32(gcc.ENCRYPTION_LEVEL_HIGH), gotCC.Security.EncryptionLevel)
	assert.Equal(t, uint32(x224.PROTOCOL_RDP), gotCC.Core.ClientRequestedProtocols)
	assert.Equal(t, uint16(0), gotCC.Network.ChannelCount)
	assert.Empty(t, gotCC.Network.ChannelIdArray)

	// the certificate now carries the MITM's key, not the server's
	mitmPub := gcc.ParseServerPublicKey(gotCC.Security.ServerCertRaw)
	assert.NotEqual(t, serverKey.Public().N, mitmPub.N)

	// 3. erect domain + attach user
	writeDomainPDU(t, clientEnd, func(buf *bytes.Buffer) { (&mcs.ErectDomainRequest{}).Write(buf) })
	writeDomainPDU(t, clientEnd, func(buf *bytes.Buffer) { (&mcs.AttachUserRequest{}).Write(buf) })
	attach := &mcs.AttachUserConfirm{}
	attach.Read(bytes.NewReader(x224.Read(clientEnd)))
	require.Equal(t, uint8(0), attach.Result)
	userID := attach.UserId
	assert.Equal(t, uint16(1002), userID)

	// 4. channel probing: only 1004 and the I/O channel may succeed
	join := func(id uint16) uint8 {
		writeDomainPDU(t, clientEnd, func(buf *bytes.Buffer) {
			(&mcs.ChannelJoinRequest{UserId: userID, ChannelId: id}).Write(buf)
		})
		cf := &mcs.ChannelJoinConfirm{}
		cf.Read(bytes.NewReader(x224.Read(clientEnd)))
		return cf.Result
	}
	assert.Equal(t, uint8(mcs.RT_USER_REJECTED), join(1003))
	assert.Equal(t, uint8(mcs.RT_USER_REJECTED), join(1007))
	assert.Equal(t, uint8(0), join(1004))
	assert.Equal(t, uint8(0), join(ioChannel))

	// 5. security exchange against the substituted certificate
	clientRandom := bytes.Repeat([]byte{0x77}, 32)
	exchange := &sec.SecurityExchangePDU{
		EncryptedClientRandom: cryptosec.EncryptClientRandom(mitmPub, clientRandom),
	}
	var xb bytes.Buffer
	exchange.Write(&xb)
	(&mcs.SendDataRequest{UserId: userID, ChannelId: mcs.MCS_CHANNEL_GLOBAL, Data: xb.Bytes()}).Write(clientEnd)

	// 6. RC4-encrypted client info under the derived session keys
	keys := cryptosec.DeriveSessionKeys(clientRandom, serverRandom, false)
	cipher, err := rc4.NewCipher(keys.ClientToServer)
	require.NoError(t, err)

	info := &sec.ClientInfoPDU{Domain: "CORP", UserName: "alice", Password: "hunter2"}
	var plain bytes.Buffer
	info.WriteBody(&plain)
	enc := make([]byte, plain.Len())
	cipher.XORKeyStream(enc, plain.Bytes())

	var ib bytes.Buffer
	(&sec.Header{Flags: sec.SEC_INFO_PKT | sec.SEC_ENCRYPT}).Write(&ib)
	ib.Write(make([]byte, 8)) // MAC, never verified by the MITM
	ib.Write(enc)
	(&mcs.SendDataRequest{UserId: userID, ChannelId: mcs.MCS_CHANNEL_GLOBAL, Data: ib.Bytes()}).Write(clientEnd)

	// 7. the canned licensing PDU comes back
	_, licData := mcs.ReadSendDataIndication(clientEnd)
	var licHdr sec.Header
	licHdr.Read(bytes.NewReader(licData))
	assert.NotZero(t, licHdr.Flags&sec.SEC_LICENSE_PKT)

	require.NoError(t, <-done)
	assert.Equal(t, StateLicensed, s.State())

	// the outbound half saw the masked request and the stripped FIPS bit
	assert.True(t, half.connected)
	require.NotNil(t, half.negotiated)
	assert.Equal(t, uint32(x224.PROTOCOL_RDP), half.negotiated.RequestedProtocols)
	assert.Equal(t, "Cookie: mstshash=eve", half.negotiated.Cookie)

	require.NotNil(t, half.ci)
	forwarded := &gcc.ConferenceCreateRequest{}
	forwarded.Parse(half.ci.UserData)
	assert.Zero(t, forwarded.Security.EncryptionMethods&gcc.FIPS_ENCRYPTION_FLAG)

	// only the I/O channel was delegated outbound
	assert.Equal(t, []uint16{ioChannel}, half.joined)

	// credentials captured and forwarded
	require.NotNil(t, half.info)
	assert.Equal(t, "alice", half.info.UserName)
	infoRecords := rec.byTag(TagClientInfo)
	require.Len(t, infoRecords, 1)
	assert.Contains(t, string(infoRecords[0].Payload), "alice")
	assert.Contains(t, string(infoRecords[0].Payload), "hunter2")
}

// TestServerRejectsConnectInitial covers the NegotiationFailure path:
// the failure response reaches the client verbatim and the session
// aborts without mutating ServerData.
func TestServerRejectsConnectInitial(t *testing.T) {
	reject := &mcs.ConnectResponse{
		Result:           1,
		DomainParameters: mcs.DefaultTargetParameters(),
		UserData:         []byte{0xde, 0xad},
	}
	half := newFakeHalf(reject)
	rec := &memRecorder{}

	clientEnd, serverEnd := net.Pipe()
	defer clientEnd.Close()
	s := New(testConfig(), serverEnd, half, rec)

	done := make(chan error, 1)
	go func() { done <- core.Try(func() { s.negotiate() }) }()

	x224.WriteConnectionRequest(clientEnd, &x224.NegotiationRequest{Cookie: "Cookie: mstshash=eve"})
	x224.ReadConnectionConfirm(clientEnd)

	ci := clientConnectInitial(gcc.ENCRYPTION_FLAG_128BIT)
	writeDomainPDU(t, clientEnd, func(buf *bytes.Buffer) { ci.Write(buf) })

	forwarded := &mcs.ConnectResponse{}
	forwarded.Read(bytes.NewReader(x224.Read(clientEnd)))
	assert.Equal(t, uint8(1), forwarded.Result)
	assert.Equal(t, reject.UserData, forwarded.UserData)

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NegotiationFailure")
}

func TestMaskToSSLOnly(t *testing.T) {
	assert.Equal(t, uint32(x224.PROTOCOL_RDP), maskToSSLOnly(x224.PROTOCOL_RDP))
	assert.Equal(t, uint32(x224.PROTOCOL_SSL), maskToSSLOnly(x224.PROTOCOL_SSL|x224.PROTOCOL_HYBRID))
	assert.Equal(t, uint32(x224.PROTOCOL_SSL), maskToSSLOnly(x224.PROTOCOL_SSL))
	// a client asking only for CredSSP is downgraded to Standard Security
	assert.Equal(t, uint32(x224.PROTOCOL_RDP), maskToSSLOnly(x224.PROTOCOL_HYBRID))
}

func TestTransitionRejectsReentry(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	defer clientEnd.Close()
	s := New(testConfig(), serverEnd, newFakeHalf(nil), &memRecorder{})

	s.transition(StateX224RequestReceived)
	assert.Panics(t, func() { s.transition(StateX224RequestReceived) })
	assert.Panics(t, func() { s.transition(StateIdle) })
}

// TestDisconnectIdempotent checks spec §8's teardown property: a second
// disconnect emits no extra recorder markers and touches no more
// sockets.
func TestDisconnectIdempotent(t *testing.T) {
	half := newFakeHalf(nil)
	rec := &memRecorder{}
	clientEnd, serverEnd := net.Pipe()
	defer clientEnd.Close()
	s := New(testConfig(), serverEnd, half, rec)

	s.Disconnect("client")
	s.Disconnect("client")

	assert.Len(t, rec.byTag(TagConnectionClose), 1)
	assert.Equal(t, 1, rec.closes)
	assert.Equal(t, 1, half.disconnects)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	body := []byte{0x01, 0x02}
	kind, data := SplitEnvelope(Envelope(PDUKindFastPath, body))
	assert.Equal(t, PDUKindFastPath, kind)
	assert.Equal(t, body, data)

	assert.Panics(t, func() { SplitEnvelope(nil) })
}

func TestMultiRecorderFansOut(t *testing.T) {
	a, b := &memRecorder{}, &memRecorder{}
	m := NewMultiRecorder(a, b)
	m.Record(DirectionClientToServer, TagInput, []byte{0x01})
	require.NoError(t, m.Close())

	assert.Len(t, a.entries, 1)
	assert.Len(t, b.entries, 1)
	assert.Equal(t, 1, a.closes)
	assert.Equal(t, 1, b.closes)
}
