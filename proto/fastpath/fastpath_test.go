package fastpath

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadWriteRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 200)
	var buf bytes.Buffer
	Write(&buf, payload)

	fp := Read(&buf)
	assert.Equal(t, payload, fp.Data)
	assert.Equal(t, uint8(0), fp.Header.EncryptionFlags)
}

type fakeCrypter struct{}

func (fakeCrypter) Decrypt(data []byte) []byte { return data }
func (fakeCrypter) EncryptAndSign(data []byte) (mac, cipher []byte) {
	return bytes.Repeat([]byte{0}, 8), data
}

func TestWriteEncryptedRoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	var buf bytes.Buffer
	WriteEncrypted(&buf, payload, fakeCrypter{})

	fp := Read(&buf)
	assert.Equal(t, uint8(FASTPATH_ENCRYPTION_FLAG), fp.Header.EncryptionFlags)
	assert.Equal(t, payload, fp.Plaintext(fakeCrypter{}))
}
