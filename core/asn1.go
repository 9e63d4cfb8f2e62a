// Package core provides the plumbing the protocol stack is built on:
// the buffered Stream wrapping both halves' connections (with in-place
// TLS upgrade), little/big-endian binary helpers, the panic-based
// exception idiom that unwinds parse errors to session teardown, and
// the BER TLV reader below used by MCS Connect-Initial/Connect-Response.
package core

import (
	"io"
)

// Asn1 is one BER tag-length-value element. MCS Connect-Initial and
// Connect-Response are the only BER-framed PDUs in the stack (every
// other MCS PDU is PER, see proto/mcs/per); both halves of the MITM
// read them through this type.
type Asn1 struct {
	Tag    uint8
	Length int
	Value  []byte
	orig   []byte
}

// Serialize returns the element exactly as read off the wire, header
// bytes included, so an unrecognized element can be forwarded verbatim.
func (s *Asn1) Serialize() []byte {
	return append(s.orig, s.Value...)
}

func (s *Asn1) Read(r io.Reader) []byte {
	var b byte
	ReadBE(r, &s.Tag) // read tag
	ReadBE(r, &b)     // read length

	s.orig = append(s.orig, s.Tag, b) // store
	if b&0x80 != 0 {                  // long length mode
		for left := b & 0x7f; left > 0; left-- {
			ReadBE(r, &b)
			s.orig = append(s.orig, b) // store
			s.Length = s.Length<<8 + int(b)
		}
	} else { // short length mode
		s.Length = int(b)
	}
	s.Value = make([]byte, s.Length)
	_, err := io.ReadFull(r, s.Value)
	ThrowError(err)
	return s.Serialize()
}
