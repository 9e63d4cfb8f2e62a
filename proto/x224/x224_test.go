package x224

import (
	"bytes"
	"testing"

	"github.com/kdsmith18542/rdpmitm/core"
	"github.com/stretchr/testify/assert"
)

func TestReadX224Header(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected *Header
		wantErr  bool
	}{
		{
			name: "valid header",
			data: []byte{0x02, 0xf0, 0x80, 0x7f, 0x65, 0x82, 0x01, 0x94},
			expected: &Header{
				Length:  0x02,
				PduType: 0xf0,
				DstRef:  0x807f,
				SrcRef:  0x6582,
				Flags:   0x01,
			},
			wantErr: false,
		},
		{
			name:    "incomplete header",
			data:    []byte{0x02, 0xf0, 0x80},
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
				assert.Equal(t, tt.expected, header)
			}
		})
	}
}

func TestWriteX224Header(t *testing.T) {
	header := &Header{Length: 0x02, PduType: 0xf0, DstRef: 0x807f, SrcRef: 0x6582, Flags: 0x01}

	var buf bytes.Buffer
	header.Write(&buf)

	assert.Equal(t, []byte{0x02, 0xf0, 0x80, 0x7f, 0x65, 0x82, 0x01}, buf.Bytes())
}

func TestReadWriteDataRoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	var buf bytes.Buffer
	WriteData(&buf, payload)

	got := Read(&buf)
	assert.Equal(t, payload, got)
}

func TestReadDisconnectRequest(t *testing.T) {
	var buf bytes.Buffer
	h := &Header{Length: 0x06, PduType: TPDU_DISCONNECT_REQUEST, Flags: 0x05} // reason in the trailing slot
	var hbuf bytes.Buffer
	h.Write(&hbuf)

	// frame with tpkt header
	frame := hbuf.Bytes()
	buf.WriteByte(0x03)
	buf.WriteByte(0x00)
	buf.WriteByte(0x00)
	buf.WriteByte(byte(4 + len(frame)))
	buf.Write(frame)

	reason := ReadDisconnectRequest(&buf)
	assert.Equal(t, uint8(0x05), reason)
}
