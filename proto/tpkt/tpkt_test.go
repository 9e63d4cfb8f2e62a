package tpkt

import (
	"bytes"
	"testing"

	"github.com/kdsmith18542/rdpmitm/core"
	"github.com/stretchr/testify/assert"
)

func TestReadTPKTHeader(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected *Header
		wantErr  bool
	}{
		{
			name: "valid header",
			data: []byte{0x03, 0x00, 0x00, 0x08},
			expected: &Header{
				Version:  3,
				Reserved: 0,
				Length:   8,
			},
			wantErr: false,
		},
		{
			name:    "invalid version",
			data:    []byte{0x02, 0x00, 0x00, 0x08},
			wantErr: true,
		},
		{
			name:    "incomplete header",
			data:    []byte{0x03, 0x00, 0x00},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := bytes.NewReader(tt.data)
			header := &Header{}

			var err error
			core.TryCatch(func() {
				header.Read(reader)
			}, func(e any) {
				err = e.(error)
			})

			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.expected.Version, header.Version)
				assert.Equal(t, tt.expected.Length, header.Length)
			}
		})
	}
}

func TestWriteTPKTHeader(t *testing.T) {
	header := &Header{Version: 3, Reserved: 0, Length: 8}

	var buf bytes.Buffer
	header.Write(&buf)

	assert.Equal(t, []byte{0x03, 0x00, 0x00, 0x08}, buf.Bytes())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindSlowPath, Classify(0x03))
	assert.Equal(t, KindFastPath, Classify(0x00))
	assert.Equal(t, KindFastPath, Classify(0x44)) // encryption flags set, action still 0
	assert.Equal(t, KindUnknown, Classify(0x01))
	assert.Equal(t, KindUnknown, Classify(0xff))
}

func TestReadWriteRoundTrip(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	var buf bytes.Buffer
	Write(&buf, payload)

	got := Read(&buf)
	assert.Equal(t, payload, got)
}
