package cryptosec

import (
	"github.com/kdsmith18542/rdpmitm/glog"
	"github.com/kdsmith18542/rdpmitm/proto/gcc"
)

// KeysObserver is notified once SecuritySettings has derived session
// keys; RC4CrypterProxy is the only implementation, but the interface
// keeps SecuritySettings ignorant of the crypter's wiring, matching
// the teacher's observer-registration idiom (core.Stream's role
// agnosticism, proto/mcs's createObserver callbacks).
type KeysObserver interface {
	OnKeysDerived(keys *SessionKeys, serverRole bool)
}

// SecuritySettings is the crypto-settings FSM spec §4.2 describes: it
// accumulates serverRandom (from ServerSecurityData) and clientRandom
// (decrypted out of a Security Exchange PDU) and, once both are
// present, derives session keys and fans them out to every registered
// observer. ServerRole distinguishes which side of the handshake this
// instance belongs to: the MITM runs one server-role instance for its
// client-facing half, and the clienthalf collaborator runs a second,
// client-role instance dialing the real server - the same FSM shape,
// mirrored, exactly as the original implementation's single
// SecuritySettings class parameterized by Mode.
type SecuritySettings struct {
	serverRole bool
	is40Bit    bool

	serverRandom []byte
	clientRandom []byte

	observers []KeysObserver
}

// NewSecuritySettings creates a settings FSM for the given role.
func NewSecuritySettings(serverRole bool) *SecuritySettings {
	return &SecuritySettings{serverRole: serverRole}
}

// SetObserver registers o to receive derived keys; mirrors the
// teacher's single-observer registration pattern but allows more than
// one. The session and the outbound half each register a single
// crypter proxy, which serves both slow-path and fast-path traffic.
func (s *SecuritySettings) SetObserver(o KeysObserver) {
	s.observers = append(s.observers, o)
}

// ServerSecurityReceived records the server random and encryption
// method from ServerSecurityData (spec §4.2); method determines
// whether the derived keys get clamped to 40-bit entropy.
func (s *SecuritySettings) ServerSecurityReceived(security *gcc.ServerSecurityData) {
	s.serverRandom = security.ServerRandom
	s.is40Bit = security.EncryptionMethod == gcc.ENCRYPTION_FLAG_40BIT
	s.tryDeriveKeys()
}

// SetClientRandom records the plaintext client random recovered from a
// Security Exchange PDU (spec §4.2's reverse/RSA-decrypt/reverse
// sequence happens in the certificate package before this is called).
func (s *SecuritySettings) SetClientRandom(clientRandom []byte) {
	s.clientRandom = clientRandom
	s.tryDeriveKeys()
}

// tryDeriveKeys derives and publishes session keys once both randoms
// are present; until then, any attempt by a crypter proxy to
// encrypt/decrypt correctly fails (proxy's encrypt/decrypt ciphers are
// nil until OnKeysDerived runs), matching spec §4.2's invariant.
func (s *SecuritySettings) tryDeriveKeys() {
	if s.serverRandom == nil || s.clientRandom == nil {
		return
	}
	keys := DeriveSessionKeys(s.clientRandom, s.serverRandom, s.is40Bit)
	glog.Debug("RC4 session keys derived")
	for _, o := range s.observers {
		o.OnKeysDerived(keys, s.serverRole)
	}
}

// KeysDerived reports whether both randoms have been supplied.
func (s *SecuritySettings) KeysDerived() bool {
	return s.serverRandom != nil && s.clientRandom != nil
}
