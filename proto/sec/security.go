// Package sec implements the RDP Standard Security layer carried
// inside MCS Send-Data-Request/Indication: the Security Exchange PDU
// (client random, RSA-encrypted under the server's substitute public
// key), the Client Info PDU (credentials and client settings), and the
// TS_SECURITY_HEADER flags every subsequent encrypted PDU carries.
package sec

import (
	"io"
	"unicode/utf16"

	"github.com/kdsmith18542/rdpmitm/core"
)

// TS_SECURITY_HEADER flags, [MS-RDPBCGR] 2.2.8.1.1.2.1.
const (
	SEC_EXCHANGE_PKT   = 0x0001
	SEC_ENCRYPT        = 0x0008
	SEC_LOGON_INFO     = 0x0040
	SEC_LICENSE_PKT    = 0x0080
	SEC_INFO_PKT       = 0x0040
)

// Header is the TS_SECURITY_HEADER prefix on client-info, license and
// the first encrypted data PDUs.
type Header struct {
	Flags      uint16
	FlagsHi    uint16
}

func (h *Header) Read(r io.Reader) {
	core.ReadLE(r, &h.Flags)
	core.ReadLE(r, &h.FlagsHi)
}

func (h *Header) Write(w io.Writer) {
	core.WriteLE(w, h.Flags)
	core.WriteLE(w, h.FlagsHi)
}

// SecurityExchangePDU carries the client's RC4 session seed
// (clientRandom), RSA-encrypted under the substitute public key the
// MITM put in ServerCertificate. The MITM is the only party that can
// decrypt this (it holds the matching substitute private key), which
// is exactly the interception point spec §4.2/§5 describes.
type SecurityExchangePDU struct {
	Header            Header
	EncryptedClientRandomLen uint32
	EncryptedClientRandom    []byte
}

func (p *SecurityExchangePDU) Read(r io.Reader) {
	p.Header.Read(r)
	core.ThrowIf(p.Header.Flags&SEC_EXCHANGE_PKT == 0, "expected security exchange PDU")
	core.ReadLE(r, &p.EncryptedClientRandomLen)
	p.EncryptedClientRandom = core.ReadBytes(r, int(p.EncryptedClientRandomLen)-8)
	_ = core.ReadBytes(r, 8) // trailing zero padding per spec
}

func (p *SecurityExchangePDU) Write(w io.Writer) {
	p.Header.Flags |= SEC_EXCHANGE_PKT
	p.Header.Write(w)
	core.WriteLE(w, uint32(len(p.EncryptedClientRandom)+8))
	core.WriteFull(w, p.EncryptedClientRandom)
	core.WriteFull(w, make([]byte, 8))
}

// InfoFlags, [MS-RDPBCGR] 2.2.1.11.1.1.
const (
	INFO_MOUSE          = 0x00000001
	INFO_DISABLECTRLALTDEL = 0x00000002
	INFO_UNICODE        = 0x00000010
	INFO_MAXIMIZESHELL  = 0x00000020
	INFO_LOGONNOTIFY    = 0x00000040
	INFO_ENABLEWINDOWSKEY = 0x00000100
	INFO_LOGONERRORS    = 0x00000400
)

// ClientInfoPDU carries the client's logon credentials in cleartext
// (protected only by the RC4 session key the MITM just derived from
// the Security Exchange), plus the working directory and launched
// shell. The MITM's recorder persists these fields per spec §6.
type ClientInfoPDU struct {
	Header       Header
	CodePage     uint32
	Flags        uint32
	Domain       string
	UserName     string
	Password     string
	AlternateShell string
	WorkingDir   string
}

func readUnicodeField(r io.Reader, byteLen int) string {
	if byteLen == 0 {
		return ""
	}
	raw := core.ReadBytes(r, byteLen)
	return utf16LEToString(raw)
}

func writeUnicodeField(w io.Writer, s string) int {
	raw := stringToUTF16LE(s)
	core.WriteFull(w, raw)
	core.WriteFull(w, []byte{0, 0}) // null terminator
	return len(raw)
}

func utf16LEToString(b []byte) string {
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		v := uint16(b[i]) | uint16(b[i+1])<<8
		if v == 0 {
			break
		}
		units = append(units, v)
	}
	return string(utf16.Decode(units))
}

func stringToUTF16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 0, len(units)*2)
	for _, u := range units {
		out = append(out, byte(u&0xff), byte(u>>8))
	}
	return out
}

func (p *ClientInfoPDU) Read(r io.Reader) {
	p.Header.Read(r)
	core.ThrowIf(p.Header.Flags&SEC_INFO_PKT == 0, "expected client info PDU")
	p.ReadBody(r)
}

// ReadBody parses everything after the security header; under Standard
// Security the header travels in cleartext while the body is RC4
// encrypted, so the session decrypts between the two (spec §4.1's
// NonTLSSecurityLayer split).
func (p *ClientInfoPDU) ReadBody(r io.Reader) {
	core.ReadLE(r, &p.CodePage)
	core.ReadLE(r, &p.Flags)
	var domainLen, userLen, passLen, shellLen, dirLen uint16
	core.ReadLE(r, &domainLen)
	core.ReadLE(r, &userLen)
	core.ReadLE(r, &passLen)
	core.ReadLE(r, &shellLen)
	core.ReadLE(r, &dirLen)
	p.Domain = readUnicodeField(r, int(domainLen))
	core.ReadBytes(r, 2)
	p.UserName = readUnicodeField(r, int(userLen))
	core.ReadBytes(r, 2)
	p.Password = readUnicodeField(r, int(passLen))
	core.ReadBytes(r, 2)
	p.AlternateShell = readUnicodeField(r, int(shellLen))
	core.ReadBytes(r, 2)
	p.WorkingDir = readUnicodeField(r, int(dirLen))
	core.ReadBytes(r, 2)
}

func (p *ClientInfoPDU) Write(w io.Writer) {
	p.Header.Flags |= SEC_INFO_PKT
	p.Header.Write(w)
	p.WriteBody(w)
}

// WriteBody serializes everything after the security header, the part
// the outbound half encrypts when relaying over Standard Security.
func (p *ClientInfoPDU) WriteBody(w io.Writer) {
	core.WriteLE(w, p.CodePage)
	core.WriteLE(w, p.Flags)
	core.WriteLE(w, uint16(len(stringToUTF16LE(p.Domain))))
	core.WriteLE(w, uint16(len(stringToUTF16LE(p.UserName))))
	core.WriteLE(w, uint16(len(stringToUTF16LE(p.Password))))
	core.WriteLE(w, uint16(len(stringToUTF16LE(p.AlternateShell))))
	core.WriteLE(w, uint16(len(stringToUTF16LE(p.WorkingDir))))
	writeUnicodeField(w, p.Domain)
	writeUnicodeField(w, p.UserName)
	writeUnicodeField(w, p.Password)
	writeUnicodeField(w, p.AlternateShell)
	writeUnicodeField(w, p.WorkingDir)
}
