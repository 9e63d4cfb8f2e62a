package t128

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInputEventsRoundTrip(t *testing.T) {
	events := []TsInputEvent{
		{EventTime: 100, MessageType: INPUT_EVENT_SCANCODE, Flags: KBDFLAGS_DOWN, Param1: 0x1e},
		{EventTime: 101, MessageType: INPUT_EVENT_SCANCODE, Flags: KBDFLAGS_RELEASE, Param1: 0x1e},
		{EventTime: 102, MessageType: INPUT_EVENT_MOUSE, Flags: PTRFLAGS_MOVE, Param1: 640, Param2: 480},
	}

	var buf bytes.Buffer
	WriteInputEvents(&buf, events)

	got := ReadInputEvents(&buf)
	assert.Equal(t, events, got)
}

func TestDescribe(t *testing.T) {
	down := &TsInputEvent{MessageType: INPUT_EVENT_SCANCODE, Flags: KBDFLAGS_DOWN, Param1: 0x1e}
	assert.Contains(t, down.Describe(), "down")

	up := &TsInputEvent{MessageType: INPUT_EVENT_SCANCODE, Flags: KBDFLAGS_RELEASE, Param1: 0x1e}
	assert.Contains(t, up.Describe(), "up")

	mouse := &TsInputEvent{MessageType: INPUT_EVENT_MOUSE, Flags: PTRFLAGS_MOVE, Param1: 10, Param2: 20}
	assert.Contains(t, mouse.Describe(), "x=10")
}

func TestShareControlHeaderType(t *testing.T) {
	h := &TsShareControlHeader{PDUType: 0x0017} // version 1 in the high bits, DATAPDU in the low
	assert.Equal(t, uint16(PDUTYPE_DATAPDU), h.Type())
}
