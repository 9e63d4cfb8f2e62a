package core

import (
	"bufio"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"net"
	"time"

	"github.com/huin/asn1ber"
	"github.com/icodeface/tls"
	"github.com/kdsmith18542/rdpmitm/glog"
)

// Stream wraps a net.Conn with buffered I/O and an in-place TLS
// upgrade, exactly the shape the layer stack needs: plain bytes flow
// until startTLS is called, after which Read/Write transparently
// operate on the TLS record layer. Both session halves use this type,
// each with its own instance - the client-facing accepted connection and
// the outbound connection to the real server - so negotiation code is
// agnostic to which role it is running in.
type Stream struct {
	c net.Conn
	b *bufio.ReadWriter

	r func([]byte) (int, error)
	w func([]byte) (int, error)

	closed bool
}

func (s *Stream) Read(b []byte) (n int, err error) {
	if s.closed {
		return 0, net.ErrClosed
	}
	return s.r(b)
}

func (s *Stream) Write(b []byte) (n int, err error) {
	if s.closed {
		return 0, net.ErrClosed
	}
	return s.w(b)
}

// Peek returns the next n bytes without consuming them, used by TPKT
// to classify the first byte as slow-path (0x03) or fast-path before
// committing to a read.
func (s *Stream) Peek(n int) []byte {
	s.ensureBuffered()
	d, err := s.b.Peek(n)
	ThrowError(err)
	return d
}

func (s *Stream) ensureBuffered() {
	if s.b == nil {
		s.b = bufio.NewReadWriter(bufio.NewReader(s.c), bufio.NewWriter(s.c))
		s.r = func(b []byte) (int, error) { return s.b.Read(b) }
		s.w = func(b []byte) (int, error) { n, err := s.b.Write(b); s.b.Flush(); return n, err }
	}
}

// StartTLSClient upgrades the outbound (client-role) half of the
// connection to TLS once the real server has confirmed SSL. Legal
// only before the next inbound byte is consumed, per spec §4.1: any
// byte sitting in a read buffer here would bypass the record layer.
func (s *Stream) StartTLSClient() {
	ThrowIf(s.b != nil && s.b.Reader.Buffered() > 0, "buffered plaintext at TLS upgrade")
	cfg := &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS10,
		MaxVersion:         tls.VersionTLS12,
	}
	conn := tls.Client(s.c, cfg)
	ThrowError(conn.Handshake())
	s.switchConn(conn)
	glog.Debug("outbound half switched to TLS")
}

// StartTLSServer upgrades the client-facing half of the connection to
// TLS using the MITM's substitute certificate, once an X.224 Confirm
// advertising SSL has been written. Legal only before the next inbound
// byte is consumed, per spec §4.1.
func (s *Stream) StartTLSServer(cert tls.Certificate) {
	ThrowIf(s.b != nil && s.b.Reader.Buffered() > 0, "buffered plaintext at TLS upgrade")
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS10,
		MaxVersion:   tls.VersionTLS12,
	}
	conn := tls.Server(s.c, cfg)
	ThrowError(conn.Handshake())
	s.switchConn(conn)
	glog.Debug("client half switched to TLS")
}

// switchConn replaces the transport under the stream and resets the
// read/write paths to it; a later Peek re-buffers on top of the new
// transport.
func (s *Stream) switchConn(c net.Conn) {
	s.c = c
	s.b = nil
	s.r = func(b []byte) (int, error) { return s.c.Read(b) }
	s.w = func(b []byte) (int, error) { return s.c.Write(b) }
}

// PubKey returns the BER encoding of the peer's RSA public key, used
// when the MITM needs to record what certificate the real server
// actually presented on the outbound half.
func (s *Stream) PubKey() []byte {
	if c, ok := s.c.(*tls.Conn); ok {
		pub := c.ConnectionState().PeerCertificates[0].PublicKey.(*rsa.PublicKey)
		data, err := asn1ber.Marshal(*pub)
		ThrowError(err)
		return data
	}
	Throw(fmt.Errorf("not a tls connection"))
	return nil
}

// FingerprintSHA256 hashes the peer certificate, letting the outbound
// half log which certificate the real server presented without storing it whole.
func (s *Stream) FingerprintSHA256() []byte {
	if c, ok := s.c.(*tls.Conn); ok {
		cert := c.ConnectionState().PeerCertificates[0]
		hash := sha256.Sum256(cert.Raw)
		return hash[:]
	}
	Throw(fmt.Errorf("not a tls connection"))
	return nil
}

func (s *Stream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	_ = s.c.Close()
}

// RemoteAddr exposes the underlying connection's peer address for logging.
func (s *Stream) RemoteAddr() net.Addr {
	return s.c.RemoteAddr()
}

// NewStream wraps an already-accepted or already-dialed net.Conn.
func NewStream(c net.Conn) *Stream {
	s := &Stream{c: c}
	s.r = func(b []byte) (int, error) { return s.c.Read(b) }
	s.w = func(b []byte) (int, error) { return s.c.Write(b) }
	return s
}

// DialStream opens the outbound half of a session.
func DialStream(addr string, timeout time.Duration) *Stream {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	ThrowError(err)
	return NewStream(conn)
}

// GetCurrentTimestamp returns the current timestamp in milliseconds since epoch.
func GetCurrentTimestamp() int64 {
	return time.Now().UnixMilli()
}
