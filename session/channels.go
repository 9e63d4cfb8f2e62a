package session

import (
	"bytes"
	"io"

	"github.com/kdsmith18542/rdpmitm/core"
	"github.com/kdsmith18542/rdpmitm/glog"
	"github.com/kdsmith18542/rdpmitm/proto/fastpath"
	"github.com/kdsmith18542/rdpmitm/proto/mcs"
	"github.com/kdsmith18542/rdpmitm/proto/sec"
	"github.com/kdsmith18542/rdpmitm/proto/t128"
	"github.com/kdsmith18542/rdpmitm/proto/tpkt"
)

// PDUKind tags an I/O-channel PDU body crossing the ClientHalf
// boundary so the real-server-facing half knows whether to re-wrap it
// in slow-path (MCS Send-Data) or fast-path framing, without the
// ClientHalf interface itself needing to know about either.
type PDUKind byte

const (
	PDUKindSlowPath PDUKind = 0
	PDUKindFastPath PDUKind = 1
)

// Envelope prefixes a plaintext PDU body with its framing kind for
// transport across the ClientHalf boundary.
func Envelope(kind PDUKind, data []byte) []byte {
	body := make([]byte, 1+len(data))
	body[0] = byte(kind)
	copy(body[1:], data)
	return body
}

// SplitEnvelope undoes Envelope.
func SplitEnvelope(body []byte) (PDUKind, []byte) {
	core.ThrowIf(len(body) == 0, "empty I/O channel envelope")
	return PDUKind(body[0]), body[1:]
}

// ioChannel is the full-duplex relay spec §4.4 describes: once both
// halves have joined the primary I/O channel, every PDU it carries is
// a candidate for relaying rather than interpreting, with the sole
// exception of PDUTYPE2_INPUT, tapped for recording only (§4.4's Open
// Question 2, decided: never suppress forwarding).
type ioChannel struct {
	sess *Session
	errc chan error
}

// buildIOChannel wires the relay once the client has joined the
// primary I/O channel on both halves; it does not start pumping until
// steadyState does, since capability negotiation (still slow-path, but
// forwarded rather than interpreted here) has to run first.
func (s *Session) buildIOChannel() {
	s.io = &ioChannel{sess: s, errc: make(chan error, 2)}
}

// steadyState implements spec §5's concurrency split: negotiation ran
// on one goroutine in lockstep with the real server; the relay needs
// two, one blocked reading each half, since nothing short of a reactor
// lets a single goroutine block-read two sockets at once.
func (s *Session) steadyState() {
	s.transition(StateSteady)
	go s.io.pumpClientToServer()
	go s.io.pumpServerToClient()
	if err := <-s.io.errc; err != nil && err != io.EOF {
		glog.Errorf("session %s: relay stopped: %v", s.ID, err)
	}
}

// rc4Active reports whether slow-path PDUs on the client-facing half
// carry a Standard-Security header with RC4-encrypted bodies.
func (s *Session) rc4Active() bool {
	return !s.useTLS && s.encryptionMethod != 0
}

func (c *ioChannel) pumpClientToServer() {
	c.errc <- core.Try(func() {
		for {
			first := c.sess.clientConn.Peek(1)

			switch tpkt.Classify(first[0]) {
			case tpkt.KindSlowPath:
				_, _, data := mcs.ReadSendDataRequest(c.sess.clientConn)
				if c.sess.rc4Active() {
					data = c.stripSecurityHeader(data)
				}
				c.tapInput(data, DirectionClientToServer)
				core.ThrowError(c.sess.serverHalf.SendData(Envelope(PDUKindSlowPath, data)))
			case tpkt.KindFastPath:
				fp := fastpath.Read(c.sess.clientConn)
				data := fp.Plaintext(c.sess.crypter)
				core.ThrowError(c.sess.serverHalf.SendData(Envelope(PDUKindFastPath, data)))
			default:
				core.ThrowTyped(core.ErrUnsupportedFraming, "unrecognized client I/O channel frame", nil)
			}
		}
	})
}

func (c *ioChannel) pumpServerToClient() {
	c.errc <- core.Try(func() {
		for {
			body, err := c.sess.serverHalf.ReceiveData()
			core.ThrowError(err)
			kind, data := SplitEnvelope(body)

			c.tapInput(data, DirectionServerToClient)

			switch kind {
			case PDUKindSlowPath:
				out := data
				if c.sess.rc4Active() {
					out = c.addSecurityHeader(data)
				}
				mcs.WriteSendDataIndication(c.sess.clientConn, c.sess.userID, c.sess.ioChannelID, out)
			case PDUKindFastPath:
				if c.sess.rc4Active() {
					fastpath.WriteEncrypted(c.sess.clientConn, data, c.sess.crypter)
				} else {
					fastpath.Write(c.sess.clientConn, data)
				}
			default:
				core.ThrowTyped(core.ErrUnsupportedFraming, "unrecognized real-server I/O channel frame", nil)
			}
		}
	})
}

// stripSecurityHeader removes the cleartext TS_SECURITY_HEADER and, when
// SEC_ENCRYPT is set, the 8-byte MAC, decrypting the remainder. PDUs
// the client sent unencrypted (permitted below ENCRYPTION_LEVEL_HIGH)
// pass through with only the header removed.
func (c *ioChannel) stripSecurityHeader(data []byte) []byte {
	br := bytes.NewReader(data)
	var hdr sec.Header
	hdr.Read(br)
	body := make([]byte, br.Len())
	_, _ = br.Read(body)
	if hdr.Flags&sec.SEC_ENCRYPT != 0 {
		core.ThrowIf(len(body) < 8, "short encrypted PDU")
		body = c.sess.crypter.Decrypt(body[8:])
	}
	return body
}

// addSecurityHeader is the outbound mirror: SEC_ENCRYPT header, MAC over
// the plaintext, RC4 ciphertext.
func (c *ioChannel) addSecurityHeader(data []byte) []byte {
	mac, cipher := c.sess.crypter.EncryptAndSign(data)
	buf := new(bytes.Buffer)
	(&sec.Header{Flags: sec.SEC_ENCRYPT}).Write(buf)
	core.WriteFull(buf, mac)
	core.WriteFull(buf, cipher)
	return buf.Bytes()
}

// tapInput inspects a slow-path Share Data PDU for PDUTYPE2_INPUT,
// logs the decoded keyboard/mouse events, and records the PDU when
// found; any parse failure (fast-path input events use a different
// shape entirely, and are not tapped) is swallowed, since this is a
// diagnostic observation, never a gate on forwarding.
func (c *ioChannel) tapInput(data []byte, dir Direction) {
	_ = core.Try(func() {
		br := bytes.NewReader(data)
		ctrl := &t128.TsShareControlHeader{}
		ctrl.Read(br)
		if ctrl.Type() != t128.PDUTYPE_DATAPDU {
			return
		}
		sdh := &t128.TsShareDataHeader{}
		sdh.Read(br)
		if sdh.PDUType2 != t128.PDUTYPE2_INPUT {
			return
		}
		events := t128.ReadInputEvents(br)
		slog := c.sess.slog()
		for _, ev := range events {
			slog.LogInput("slow-path", ev.Describe(), nil)
		}
		if c.sess.recorder != nil {
			c.sess.recorder.Record(dir, TagInput, data)
		}
	})
}
