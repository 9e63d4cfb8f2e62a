// Package clienthalf implements the session.ClientHalf contract: the
// outbound stack that speaks to the real RDP server in lockstep with
// the server-side FSM driving the real client. It is the mirror image
// of the session package's client-facing half - same layer stack, same
// PDU types, opposite role - and carries its own client-role crypto
// settings FSM, since the two halves negotiate independent RC4
// sessions (the MITM decrypts on one and re-encrypts on the other).
package clienthalf

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"github.com/kdsmith18542/rdpmitm/core"
	"github.com/kdsmith18542/rdpmitm/cryptosec"
	"github.com/kdsmith18542/rdpmitm/glog"
	"github.com/kdsmith18542/rdpmitm/proto/gcc"
	"github.com/kdsmith18542/rdpmitm/proto/licensing"
	"github.com/kdsmith18542/rdpmitm/proto/mcs"
	"github.com/kdsmith18542/rdpmitm/proto/sec"
	"github.com/kdsmith18542/rdpmitm/proto/fastpath"
	"github.com/kdsmith18542/rdpmitm/proto/tpkt"
	"github.com/kdsmith18542/rdpmitm/proto/x224"
	"github.com/kdsmith18542/rdpmitm/session"
)

// Half is the concrete outbound half of a MITM session.
type Half struct {
	conn *core.Stream

	settings *cryptosec.SecuritySettings // client role
	crypter  *cryptosec.RC4CrypterProxy

	useTLS           bool
	encryptionMethod uint32
	serverPub        *rsa.PublicKey

	userID      uint16
	ioChannelID uint16

	closeOnce sync.Once
}

// New creates an unconnected Half. The client-role settings FSM and
// crypter proxy are wired immediately so keys derive the moment both
// randoms are in, exactly as on the server side.
func New() *Half {
	h := &Half{
		settings: cryptosec.NewSecuritySettings(false),
		crypter:  &cryptosec.RC4CrypterProxy{},
	}
	h.settings.SetObserver(h.crypter)
	return h
}

// rc4Active reports whether PDUs on this half carry Standard-Security
// headers with RC4-encrypted bodies.
func (h *Half) rc4Active() bool {
	return !h.useTLS && h.encryptionMethod != 0
}

// Connect dials the real server.
func (h *Half) Connect(host string, port int, timeout time.Duration) error {
	return core.Try(func() {
		h.conn = core.DialStream(fmt.Sprintf("%s:%d", host, port), timeout)
		glog.Debugf("outbound half connected to %s:%d", host, port)
	})
}

// NegotiateProtocol sends the (already SSL-masked) request and returns
// the real server's response. A TLS selection upgrades the connection
// in place before any further byte is read, per spec §4.1's startTLS
// contract.
func (h *Half) NegotiateProtocol(req *x224.NegotiationRequest) (*x224.Negotiation, error) {
	var neg *x224.Negotiation
	err := core.Try(func() {
		x224.WriteConnectionRequest(h.conn, req)
		neg = x224.ReadConnectionConfirm(h.conn)
		if neg == nil {
			// pre-negotiation server: Standard Security, nothing to upgrade
			return
		}
		core.ThrowIf(neg.Type == x224.TYPE_RDP_NEG_FAILURE,
			fmt.Sprintf("real server refused negotiation: failure code %d", neg.Result))
		if neg.Result&x224.PROTOCOL_SSL != 0 {
			h.conn.StartTLSClient()
			h.useTLS = true
			glog.Debugf("real server TLS certificate sha256=%x, public key %d BER bytes",
				h.conn.FingerprintSHA256(), len(h.conn.PubKey()))
		}
	})
	return neg, err
}

// SendConnectInitial forwards the (FIPS-stripped) Connect-Initial and
// returns the real server's Connect-Response. On success the enclosed
// ServerData is parsed here too - before the session mutates its own
// copy - to seed this half's crypto settings with the real server
// random and to capture the real server's public key for the outbound
// Security Exchange.
func (h *Half) SendConnectInitial(ci *mcs.ConnectInitial) (*mcs.ConnectResponse, error) {
	var resp *mcs.ConnectResponse
	err := core.Try(func() {
		var buf bytes.Buffer
		ci.Write(&buf)
		x224.WriteData(h.conn, buf.Bytes())

		resp = &mcs.ConnectResponse{}
		resp.Read(bytes.NewReader(x224.Read(h.conn)))
		if resp.Result != 0 {
			return
		}

		cc := &gcc.ConferenceCreateResponse{}
		cc.Parse(resp.UserData)
		h.settings.ServerSecurityReceived(&cc.Security)
		h.encryptionMethod = cc.Security.EncryptionMethod
		h.ioChannelID = cc.Network.McsChannelId
		if h.rc4Active() {
			h.serverPub = gcc.ParseServerPublicKey(cc.Security.ServerCertRaw)
		}
	})
	return resp, err
}

// AttachUser sends the Erect Domain and Attach-User Requests and
// returns the user id the real server assigned. The user's own channel
// is joined here as well: the real server requires it before any data
// flows, and the session never delegates it (the client-facing half
// confirms the fixed user channel 1004 locally instead).
func (h *Half) AttachUser() (uint16, error) {
	err := core.Try(func() {
		x224.WriteData(h.conn, (&mcs.ErectDomainRequest{}).Serialize())
		x224.WriteData(h.conn, (&mcs.AttachUserRequest{}).Serialize())

		confirm := &mcs.AttachUserConfirm{}
		confirm.Read(bytes.NewReader(x224.Read(h.conn)))
		core.ThrowIf(confirm.Result != 0, "real server refused Attach-User")
		h.userID = confirm.UserId

		h.joinChannel(h.userID)
	})
	return h.userID, err
}

// JoinChannel joins userID to channelID on the real server. Joining
// the primary I/O channel additionally triggers this half's Security
// Exchange: the real server expects it as the first I/O-channel
// traffic, and by then the server random and certificate are in hand.
func (h *Half) JoinChannel(userID, channelID uint16) error {
	return core.Try(func() {
		h.joinChannel(channelID)
		if channelID == h.ioChannelID && h.rc4Active() {
			h.exchangeSecurity()
		}
	})
}

func (h *Half) joinChannel(channelID uint16) {
	req := &mcs.ChannelJoinRequest{UserId: h.userID, ChannelId: channelID}
	var buf bytes.Buffer
	req.Write(&buf)
	x224.WriteData(h.conn, buf.Bytes())

	confirm := &mcs.ChannelJoinConfirm{}
	confirm.Read(bytes.NewReader(x224.Read(h.conn)))
	core.ThrowIf(confirm.Result != 0,
		fmt.Sprintf("real server refused join of channel %d: result %d", channelID, confirm.Result))
}

// exchangeSecurity generates a fresh client random for this half,
// encrypts it under the real server's public key, and sends the
// Security Exchange PDU. The random is independent of the one the real
// client sent: each half runs its own RC4 session, and only the
// server-side half's keys depend on the intercepted client random.
func (h *Half) exchangeSecurity() {
	clientRandom := make([]byte, 32)
	_, err := rand.Read(clientRandom)
	core.ThrowError(err)

	pdu := &sec.SecurityExchangePDU{
		EncryptedClientRandom: cryptosec.EncryptClientRandom(h.serverPub, clientRandom),
	}
	var body bytes.Buffer
	pdu.Write(&body)
	h.sendOnChannel(mcs.MCS_CHANNEL_GLOBAL, body.Bytes())

	h.settings.SetClientRandom(clientRandom)
}

// SendClientInfo forwards the intercepted Client Info PDU, re-encrypted
// under this half's RC4 session when Standard Security is in force,
// then consumes the licensing response the real server answers with
// (the client already got the canned no-license PDU and must never see
// the real one).
func (h *Half) SendClientInfo(info *sec.ClientInfoPDU) error {
	return core.Try(func() {
		var body bytes.Buffer
		if h.rc4Active() {
			var plain bytes.Buffer
			info.WriteBody(&plain)
			mac, cipher := h.crypter.EncryptAndSign(plain.Bytes())
			(&sec.Header{Flags: sec.SEC_INFO_PKT | sec.SEC_ENCRYPT}).Write(&body)
			core.WriteFull(&body, mac)
			core.WriteFull(&body, cipher)
		} else {
			info.Write(&body)
		}
		h.sendOnChannel(mcs.MCS_CHANNEL_GLOBAL, body.Bytes())

		licensing.ReadLicensingPDU(h.conn, h.licenseDecrypter())
	})
}

// licenseDecrypter hands the licensing reader a decrypter only when the
// RC4 stream is live; skipping decryption of an encrypted PDU would
// desynchronize the cipher stream for everything after it.
func (h *Half) licenseDecrypter() licensing.Decrypter {
	if h.rc4Active() {
		return h.crypter
	}
	return nil
}

// SendData relays one enveloped I/O-channel PDU body to the real server.
func (h *Half) SendData(data []byte) error {
	return core.Try(func() {
		kind, body := session.SplitEnvelope(data)
		switch kind {
		case session.PDUKindSlowPath:
			out := body
			if h.rc4Active() {
				var buf bytes.Buffer
				mac, cipher := h.crypter.EncryptAndSign(body)
				(&sec.Header{Flags: sec.SEC_ENCRYPT}).Write(&buf)
				core.WriteFull(&buf, mac)
				core.WriteFull(&buf, cipher)
				out = buf.Bytes()
			}
			h.sendOnChannel(h.ioChannelID, out)
		case session.PDUKindFastPath:
			if h.rc4Active() {
				fastpath.WriteEncrypted(h.conn, body, h.crypter)
			} else {
				fastpath.Write(h.conn, body)
			}
		default:
			core.ThrowTyped(core.ErrUnsupportedFraming, "unrecognized envelope kind", nil)
		}
	})
}

// ReceiveData blocks for the next I/O-channel PDU from the real server
// and returns it enveloped and decrypted.
func (h *Half) ReceiveData() ([]byte, error) {
	var out []byte
	err := core.Try(func() {
		first := h.conn.Peek(1)

		switch tpkt.Classify(first[0]) {
		case tpkt.KindSlowPath:
			_, data := mcs.ReadSendDataIndication(h.conn)
			if h.rc4Active() {
				data = h.stripSecurityHeader(data)
			}
			out = session.Envelope(session.PDUKindSlowPath, data)
		case tpkt.KindFastPath:
			fp := fastpath.Read(h.conn)
			out = session.Envelope(session.PDUKindFastPath, fp.Plaintext(h.crypter))
		default:
			core.ThrowTyped(core.ErrUnsupportedFraming, "unrecognized real-server frame", nil)
		}
	})
	return out, err
}

func (h *Half) stripSecurityHeader(data []byte) []byte {
	br := bytes.NewReader(data)
	var hdr sec.Header
	hdr.Read(br)
	body := make([]byte, br.Len())
	_, _ = br.Read(body)
	if hdr.Flags&sec.SEC_ENCRYPT != 0 {
		core.ThrowIf(len(body) < 8, "short encrypted PDU")
		body = h.crypter.Decrypt(body[8:])
	}
	return body
}

func (h *Half) sendOnChannel(channelID uint16, data []byte) {
	req := &mcs.SendDataRequest{UserId: h.userID, ChannelId: channelID, Data: data}
	req.Write(h.conn)
}

// SecuritySettings exposes this half's client-role crypto settings FSM.
func (h *Half) SecuritySettings() *cryptosec.SecuritySettings {
	return h.settings
}

// Disconnect tears down the outbound connection. Idempotent.
func (h *Half) Disconnect() {
	h.closeOnce.Do(func() {
		if h.conn != nil {
			h.conn.Close()
		}
	})
}
