// Package session implements the MITM's server-side protocol state
// machine: the negotiation FSM that drives X.224/MCS setup with the
// client, the channel relay that pairs the client-facing half with the
// outbound collaborator, and the teardown cascade, grounded directly on
// rdpy/mitm/server.py's MITMServer.
package session

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kdsmith18542/rdpmitm/config"
	"github.com/kdsmith18542/rdpmitm/core"
	"github.com/kdsmith18542/rdpmitm/cryptosec"
	"github.com/kdsmith18542/rdpmitm/glog"
	"github.com/kdsmith18542/rdpmitm/proto/gcc"
	"github.com/kdsmith18542/rdpmitm/proto/mcs"
	"github.com/kdsmith18542/rdpmitm/proto/sec"
	"github.com/kdsmith18542/rdpmitm/proto/x224"
	"github.com/icodeface/tls"
)

// State is a step in the server-side negotiation FSM, spec §4.2.
// Transitions are one-shot; Session.transition rejects re-entry.
type State int

const (
	StateIdle State = iota
	StateX224RequestReceived
	StateOutboundConnecting
	StateX224Confirmed
	StateX224ConfirmedTLS
	StateMCSConnectInitialForwarded
	StateAwaitingServerData
	StateServerDataRewritten
	StateUserAttached
	StateChannelsJoined
	StateSecurityExchanged
	StateClientInfo
	StateLicensed
	StateSteady
)

func (s State) String() string {
	names := [...]string{
		"IDLE", "X224_REQUEST_RECEIVED", "OUTBOUND_CONNECTING",
		"X224_CONFIRMED", "X224_CONFIRMED_TLS", "MCS_CONNECT_INITIAL_FORWARDED",
		"AWAITING_SERVER_DATA", "SERVER_DATA_REWRITTEN", "USER_ATTACHED",
		"CHANNELS_JOINED", "SECURITY_EXCHANGED", "CLIENT_INFO", "LICENSED", "STEADY",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "UNKNOWN"
}

// ClientHalf is the contract the out-of-scope collaborator fulfills:
// the symmetric outbound stack that negotiates with the real RDP
// server in lockstep with this session's client-facing FSM (spec §1,
// "the symmetric client-side stack... referenced only through their
// interfaces"). clienthalf.Half is the concrete implementation.
type ClientHalf interface {
	// Connect dials the real server. Must be called before any other method.
	Connect(host string, port int, timeout time.Duration) error

	// NegotiateProtocol sends req (already masked to SSL-only per spec
	// §4.2 step 1) and returns the real server's negotiation response.
	NegotiateProtocol(req *x224.NegotiationRequest) (*x224.Negotiation, error)

	// SendConnectInitial forwards the (FIPS-stripped) Connect-Initial
	// PDU and returns the real server's Connect-Response.
	SendConnectInitial(ci *mcs.ConnectInitial) (*mcs.ConnectResponse, error)

	// AttachUser performs Attach-User-Request/Confirm and returns the
	// assigned user id.
	AttachUser() (userID uint16, err error)

	// JoinChannel joins userID to channelID on the real server.
	JoinChannel(userID, channelID uint16) error

	// SendClientInfo forwards the client's info PDU (credentials,
	// launched shell) to the real server, encrypted under whatever
	// security this half negotiated with it.
	SendClientInfo(info *sec.ClientInfoPDU) error

	// SendData relays one I/O-channel PDU body to the real server.
	SendData(data []byte) error

	// ReceiveData blocks for the next I/O-channel PDU body from the
	// real server.
	ReceiveData() ([]byte, error)

	// SecuritySettings returns this half's crypto-settings FSM (client
	// role), so the session can observe when its own keys derive.
	SecuritySettings() *cryptosec.SecuritySettings

	// Disconnect tears down the outbound connection. Idempotent.
	Disconnect()
}

// Session is the top-level entity spec §3 describes: both halves'
// stacks, the substitute RSA key, the captured negotiation request,
// the derived ServerData, TLS state, and the recorder.
type Session struct {
	ID uuid.UUID

	cfg *config.Config

	clientConn *core.Stream
	serverHalf ClientHalf

	substituteKey *cryptosec.SubstituteKey
	clientSettings *cryptosec.SecuritySettings // server-role: derives keys for the client-facing half
	crypter        *cryptosec.RC4CrypterProxy

	originalRequest  *x224.NegotiationRequest
	useTLS           bool
	encryptionMethod uint32 // post-clamp method advertised to the client

	userID      uint16
	ioChannelID uint16
	io          *ioChannel

	recorder Recorder

	mu    sync.Mutex
	state State

	disconnectOnce sync.Once
}

// New constructs a Session for one accepted client connection. The
// substitute RSA key is generated fresh here, per spec §4.3 ("on
// session construction generate a fresh 2048-bit RSA key").
func New(cfg *config.Config, conn net.Conn, serverHalf ClientHalf, recorder Recorder) *Session {
	s := &Session{
		ID:             uuid.New(),
		cfg:            cfg,
		clientConn:     core.NewStream(conn),
		serverHalf:     serverHalf,
		substituteKey:  cryptosec.GenerateSubstituteKey(),
		clientSettings: cryptosec.NewSecuritySettings(true),
		crypter:        &cryptosec.RC4CrypterProxy{},
		recorder:       recorder,
		state:          StateIdle,
	}
	s.clientSettings.SetObserver(s.crypter)
	return s
}

// transition enforces spec §4.2's one-shot state machine: moving to a
// state out of order is a protocol error, not a silent no-op.
func (s *Session) transition(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	core.ThrowIf(next <= s.state, fmt.Sprintf("FSM transition %s -> %s is out of order", s.state, next))
	glog.Debugf("session %s: %s -> %s", s.ID, s.state, next)
	s.state = next
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// slog returns the structured logger pre-tagged with this session's id.
func (s *Session) slog() *glog.StructuredLogger {
	return glog.GetStructuredLogger().WithFields(map[string]interface{}{"session": s.ID.String()})
}

// Run drives the session end to end: negotiation, channel relay setup,
// steady-state forwarding, and teardown. It returns once the session
// has fully disconnected.
func (s *Session) Run() {
	defer s.Disconnect("client")

	err := core.Try(func() {
		s.negotiate()
		s.steadyState()
	})
	if err != nil {
		glog.Errorf("session %s: %v", s.ID, err)
	}
}

// substituteServerCertificate replaces the public key inside the real
// server's certificate with the MITM's substitute key. A proprietary
// certificate is rewritten field-preserving (spec §4.3); an X.509
// chain cannot carry a swapped key per-field, so it is replaced whole
// with a proprietary certificate built around the substitute key.
func (s *Session) substituteServerCertificate(certRaw []byte) []byte {
	var buf bytes.Buffer
	if gcc.CertChainVersion(certRaw) == gcc.CERT_CHAIN_VERSION_1 {
		cert := &gcc.ProprietaryCertificate{}
		cert.Read(bytes.NewReader(certRaw))
		s.substituteKey.Substitute(cert)
		cert.Write(&buf)
	} else {
		s.substituteKey.ProprietaryCert().Write(&buf)
	}
	return buf.Bytes()
}

// clientTLSCertificate loads the MITM's TLS-role certificate and
// key (spec §6 certificateFileName/privateKeyFileName), used for
// StartTLSServer on the client-facing half.
func (s *Session) clientTLSCertificate() tls.Certificate {
	cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertificateFileName, s.cfg.TLS.PrivateKeyFileName)
	core.ThrowError(err)
	return cert
}

// Disconnect tears down the session: idempotent, and cascades in the
// deterministic order spec §4.5 requires (recorder marker, then
// client-side, then server-side).
func (s *Session) Disconnect(reason string) {
	s.disconnectOnce.Do(func() {
		glog.Infof("session %s: disconnecting (%s)", s.ID, reason)
		if s.recorder != nil {
			s.recorder.Record(DirectionNone, TagConnectionClose, []byte(reason))
			s.recorder.Close()
		}
		s.clientConn.Close()
		if s.serverHalf != nil {
			s.serverHalf.Disconnect()
		}
	})
}
