package cryptosec

import (
	"bytes"
	"crypto/rc4"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testRandoms() (client, server []byte) {
	return bytes.Repeat([]byte{0x11}, 32), bytes.Repeat([]byte{0x22}, 32)
}

func TestDeriveSessionKeysDeterministic(t *testing.T) {
	client, server := testRandoms()
	a := DeriveSessionKeys(client, server, false)
	b := DeriveSessionKeys(client, server, false)

	assert.Equal(t, a, b)
	assert.Len(t, a.MacKey, 16)
	assert.Len(t, a.ClientToServer, 16)
	assert.Len(t, a.ServerToClient, 16)
	assert.NotEqual(t, a.ClientToServer, a.ServerToClient)
}

func TestDeriveSessionKeysRandomSensitivity(t *testing.T) {
	client, server := testRandoms()
	a := DeriveSessionKeys(client, server, false)

	client[0] ^= 0xff
	b := DeriveSessionKeys(client, server, false)
	assert.NotEqual(t, a.ClientToServer, b.ClientToServer)
}

func TestDeriveSessionKeys40BitClamp(t *testing.T) {
	client, server := testRandoms()
	keys := DeriveSessionKeys(client, server, true)

	// the exportable form replaces the first three key bytes with a fixed pad
	assert.Equal(t, []byte{0xd1, 0x26, 0x9e}, keys.ClientToServer[:3])
	assert.Equal(t, []byte{0xd1, 0x26, 0x9e}, keys.ServerToClient[:3])
	assert.Equal(t, []byte{0xd1, 0x26, 0x9e}, keys.MacKey[:3])
}

func TestCrypterRolesMirror(t *testing.T) {
	client, server := testRandoms()
	keys := DeriveSessionKeys(client, server, false)

	serverSide := &RC4CrypterProxy{}
	serverSide.OnKeysDerived(keys, true)
	clientSide := &RC4CrypterProxy{}
	clientSide.OnKeysDerived(keys, false)

	// client-role encrypt must be decryptable by server-role decrypt
	plaintext := []byte("four score and seven PDUs ago")
	_, cipher := clientSide.EncryptAndSign(plaintext)
	assert.Equal(t, plaintext, serverSide.Decrypt(cipher))
}

func TestCrypterBeforeKeysPanics(t *testing.T) {
	p := &RC4CrypterProxy{}
	assert.Panics(t, func() { p.Decrypt([]byte{1, 2, 3}) })
	assert.Panics(t, func() { p.EncryptAndSign([]byte{1, 2, 3}) })
}

func TestEncryptAndSignMatchesManualRC4Stream(t *testing.T) {
	client, server := testRandoms()
	keys := DeriveSessionKeys(client, server, false)

	proxy := &RC4CrypterProxy{}
	proxy.OnKeysDerived(keys, true)

	plaintext := []byte("keystrokes")
	mac, cipher := proxy.EncryptAndSign(plaintext)
	assert.Len(t, mac, 8)

	// the proxy's encrypt stream is plain RC4 under ServerToClient
	ref, err := rc4.NewCipher(keys.ServerToClient)
	assert.NoError(t, err)
	expected := make([]byte, len(plaintext))
	ref.XORKeyStream(expected, plaintext)
	assert.Equal(t, expected, cipher)
}
