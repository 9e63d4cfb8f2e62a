// Package fastpath implements the RDP fast-path framing used for
// input and output PDUs once the session reaches steady state: a
// compact {encryptionFlags, numberEvents, length} header that takes the
// place of the TPKT header (no TPKT/X.224/MCS wrapper), told apart from
// slow-path traffic by proto/tpkt.Classify.
package fastpath

import (
	"io"

	"github.com/kdsmith18542/rdpmitm/core"
	"github.com/kdsmith18542/rdpmitm/proto/mcs/per"
)

// Fast-path encryption flags, [MS-RDPBCGR] 2.2.9.1.2.1.
const (
	FASTPATH_ENCRYPTION_FLAG = 0x02
	FASTPATH_SECURE_CHECKSUM = 0x01
)

// Header is the first byte plus the PER-encoded length that prefixes
// every fast-path PDU.
type Header struct {
	EncryptionFlags uint8
	NumberEvents    uint8
	Length          int
}

func (h *Header) Read(r io.Reader) {
	var b uint8
	core.ReadLE(r, &b)
	h.EncryptionFlags = (b & 0xc0) >> 6
	h.NumberEvents = (b & 0x3c) >> 2
	h.Length = per.ReadLength(r)
	h.Length = core.If(h.Length < 0x80, h.Length-2, h.Length-3)
}

func (h *Header) Write(w io.Writer) {
	b := uint8(h.EncryptionFlags<<6 | h.NumberEvents<<2)
	core.WriteLE(w, b)
	h.Length = core.If(h.Length < 0x80, h.Length+2, h.Length+3)
	per.WriteLength(w, h.Length)
}

// FastPathData is one fast-path PDU: its header plus, when
// EncryptionFlags carries FASTPATH_ENCRYPTION_FLAG, an 8-byte MAC
// followed by the RC4-encrypted event/update stream.
type FastPathData struct {
	Header Header
	Mac    []byte
	Data   []byte
}

// Crypter decrypts/encrypts and signs fast-path payloads; cryptosec's
// RC4 crypter implements it. The MITM's two halves run independent RC4
// sessions, so every encrypted fast-path PDU is decrypted on the half
// it arrives on and re-encrypted under the other half's keys.
type Crypter interface {
	Decrypt(data []byte) []byte
	EncryptAndSign(data []byte) (mac, cipher []byte)
}

// Read reads one fast-path PDU. If encrypted, the 8-byte MAC is read
// but not yet verified here; the caller decides whether verification
// matters for its role (the MITM never verifies it; it re-encrypts the
// payload and computes a fresh MAC for the other half).
func Read(r io.Reader) *FastPathData {
	fp := &FastPathData{}
	fp.Header.Read(r)
	if fp.Header.EncryptionFlags&FASTPATH_ENCRYPTION_FLAG != 0 {
		fp.Mac = core.ReadBytes(r, 8)
		fp.Data = core.ReadBytes(r, fp.Header.Length-8)
	} else {
		fp.Data = core.ReadBytes(r, fp.Header.Length)
	}
	return fp
}

// Write frames data as an unencrypted fast-path PDU, used on whichever
// half is not RC4-protected (e.g. once either side is already running
// over the icodeface/tls-wrapped connection, RDP Standard Security
// fast-path encryption is never layered on top).
func Write(w io.Writer, data []byte) {
	(&Header{Length: len(data)}).Write(w)
	core.WriteFull(w, data)
}

// WriteEncrypted frames data as an RC4-encrypted, MAC-signed fast-path
// PDU using crypter, the shape the MITM emits on a Standard-Security
// half in steady state.
func WriteEncrypted(w io.Writer, data []byte, crypter Crypter) {
	mac, cipher := crypter.EncryptAndSign(data)
	h := &Header{EncryptionFlags: FASTPATH_ENCRYPTION_FLAG, Length: len(cipher) + 8}
	h.Write(w)
	core.WriteFull(w, mac)
	core.WriteFull(w, cipher)
}

// Plaintext returns fp's decrypted payload, decrypting with crypter
// only if the PDU was encrypted.
func (fp *FastPathData) Plaintext(crypter Crypter) []byte {
	if fp.Header.EncryptionFlags&FASTPATH_ENCRYPTION_FLAG == 0 {
		return fp.Data
	}
	return crypter.Decrypt(fp.Data)
}
