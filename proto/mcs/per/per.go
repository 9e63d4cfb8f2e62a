// Package per implements the subset of T.125 Annex B PER (packed
// encoding rules) used by MCS domain PDUs - length, choice, integer,
// enumerated and octet-string encodings - and by the GCC Conference
// Create Request/Response framing in proto/gcc. The MCS
// Connect-Initial/Connect-Response envelope around that GCC payload
// uses BER instead (see proto/mcs).
package per

import (
	"io"

	"github.com/kdsmith18542/rdpmitm/core"
)

// ReadLength reads a PER length determinant: a single byte if < 0x80,
// else the low 7 bits of the first byte are the high bits of a 15-bit
// length split across two bytes.
func ReadLength(r io.Reader) int {
	var b uint8
	core.ReadBE(r, &b)
	if b&0x80 != 0 {
		var b2 uint8
		core.ReadBE(r, &b2)
		return int(b&0x7f)<<8 | int(b2)
	}
	return int(b)
}

// WriteLength writes n as a PER length determinant.
func WriteLength(w io.Writer, n int) {
	if n > 0x7f {
		core.WriteBE(w, uint8(0x80|(n>>8)))
		core.WriteBE(w, uint8(n&0xff))
		return
	}
	core.WriteBE(w, uint8(n))
}

// ReadChoice reads a PER CHOICE index (a single byte).
func ReadChoice(r io.Reader) uint8 {
	var b uint8
	core.ReadBE(r, &b)
	return b
}

// WriteChoice writes a PER CHOICE index.
func WriteChoice(w io.Writer, choice uint8) {
	core.WriteBE(w, choice)
}

// ReadSelection reads the optional-field selection bitmask byte used
// ahead of several MCS domain parameter sets.
func ReadSelection(r io.Reader) uint8 {
	var b uint8
	core.ReadBE(r, &b)
	return b
}

// WriteSelection writes an optional-field selection bitmask.
func WriteSelection(w io.Writer, v uint8) {
	core.WriteBE(w, v)
}

// ReadNumberOfSet reads a SET OF cardinality byte.
func ReadNumberOfSet(r io.Reader) uint8 {
	var b uint8
	core.ReadBE(r, &b)
	return b
}

// WriteNumberOfSet writes a SET OF cardinality byte.
func WriteNumberOfSet(w io.Writer, n uint8) {
	core.WriteBE(w, n)
}

// ReadNumericString reads a PER NumericString with implied minimum
// length min: digits are packed two per byte, high nibble first.
func ReadNumericString(r io.Reader, min int) string {
	n := ReadLength(r) + min
	raw := core.ReadBytes(r, (n+1)/2)
	out := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		nibble := raw[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		out = append(out, '0'+(nibble&0x0f))
	}
	return string(out)
}

// WriteNumericString writes a PER NumericString, subtracting min from
// the encoded length.
func WriteNumericString(w io.Writer, s string, min int) {
	WriteLength(w, len(s)-min)
	for i := 0; i < len(s); i += 2 {
		b := (s[i] - '0') << 4
		if i+1 < len(s) {
			b |= s[i+1] - '0'
		}
		core.WriteBE(w, b)
	}
}

// ReadPadding consumes n alignment bytes.
func ReadPadding(r io.Reader, n int) {
	core.ReadBytes(r, n)
}

// WritePadding writes n zero alignment bytes.
func WritePadding(w io.Writer, n int) {
	core.WriteFull(w, make([]byte, n))
}

// ReadEnumerated reads a PER ENUMERATED value (a single byte).
func ReadEnumerated(r io.Reader) uint8 {
	var b uint8
	core.ReadBE(r, &b)
	return b
}

// WriteEnumerated writes a PER ENUMERATED value.
func WriteEnumerated(w io.Writer, v uint8) {
	core.WriteBE(w, v)
}

// ReadInteger16 reads a constrained 16-bit INTEGER and adds back the
// lower bound that PER strips, mirroring the teacher's per.ReadInteger16(r, min).
func ReadInteger16(r io.Reader, min uint16) uint16 {
	var v uint16
	core.ReadBE(r, &v)
	return v + min
}

// WriteInteger16 writes a constrained 16-bit INTEGER, subtracting min.
func WriteInteger16(w io.Writer, v uint16, min uint16) {
	core.WriteBE(w, v-min)
}

// ReadInteger reads an unconstrained PER INTEGER: a length determinant
// followed by that many big-endian bytes.
func ReadInteger(r io.Reader) int {
	n := ReadLength(r)
	v := 0
	for i := 0; i < n; i++ {
		var b uint8
		core.ReadBE(r, &b)
		v = v<<8 | int(b)
	}
	return v
}

// WriteInteger writes an unconstrained PER INTEGER using the smallest
// number of bytes that fit v (at least 1), as mcs.ErectDomainRequest
// needs for its 0-valued sub-height/sub-interval fields.
func WriteInteger(w io.Writer, v int) {
	if v == 0 {
		WriteLength(w, 1)
		core.WriteBE(w, uint8(0))
		return
	}
	var b []byte
	for n := v; n > 0; n >>= 8 {
		b = append([]byte{byte(n & 0xff)}, b...)
	}
	WriteLength(w, len(b))
	core.WriteFull(w, b)
}

// ReadOctetString reads a PER OCTET STRING with an implied minimum
// length min added back by the caller's schema.
func ReadOctetString(r io.Reader, min int) []byte {
	n := ReadLength(r) + min
	return core.ReadBytes(r, n)
}

// WriteOctetString writes a PER OCTET STRING, subtracting min from the
// encoded length the way the reader expects to add it back.
func WriteOctetString(w io.Writer, b []byte, min int) {
	WriteLength(w, len(b)-min)
	core.WriteFull(w, b)
}
