package licensing

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoLicenseRequiredEncodesErrorCode(t *testing.T) {
	m := NoLicenseRequired()
	var buf bytes.Buffer
	m.write(&buf)

	assert.Equal(t, uint8(LICENSE_ERROR_MESSAGE), buf.Bytes()[0])
	assert.True(t, buf.Len() > 4)
	// dwErrorCode follows bMsgType, flags and wMsgSize, little-endian
	assert.Equal(t, []byte{0x07, 0x00, 0x00, 0x00}, buf.Bytes()[4:8])
}
