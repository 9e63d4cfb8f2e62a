package t128

import (
	"fmt"
	"io"

	"github.com/kdsmith18542/rdpmitm/core"
)

// Slow-path input event types, [MS-RDPBCGR] 2.2.8.1.1.3.1.1.
const (
	INPUT_EVENT_SYNC     = 0x0000
	INPUT_EVENT_UNUSED   = 0x0002
	INPUT_EVENT_SCANCODE = 0x0004
	INPUT_EVENT_UNICODE  = 0x0005
	INPUT_EVENT_MOUSE    = 0x8001
	INPUT_EVENT_MOUSEX   = 0x8002
)

// Keyboard event flags, [MS-RDPBCGR] 2.2.8.1.1.3.1.1.1.
const (
	KBDFLAGS_EXTENDED = 0x0100
	KBDFLAGS_DOWN     = 0x4000
	KBDFLAGS_RELEASE  = 0x8000
)

// Mouse event flags, [MS-RDPBCGR] 2.2.8.1.1.3.1.1.3.
const (
	PTRFLAGS_MOVE    = 0x0800
	PTRFLAGS_DOWN    = 0x8000
	PTRFLAGS_BUTTON1 = 0x1000
	PTRFLAGS_BUTTON2 = 0x2000
	PTRFLAGS_BUTTON3 = 0x4000
)

// TsInputEvent is one TS_INPUT_EVENT inside a slow-path Input PDU. The
// three trailing uint16s mean different things per MessageType
// (keyboardFlags/keyCode/pad for scancodes, pointerFlags/x/y for mouse)
// but share one wire shape, so one struct covers all event kinds.
type TsInputEvent struct {
	EventTime   uint32
	MessageType uint16
	Flags       uint16
	Param1      uint16
	Param2      uint16
}

// Describe renders the event for the operator log: scancodes with
// their press/release edge, mouse events with coordinates.
func (e *TsInputEvent) Describe() string {
	switch e.MessageType {
	case INPUT_EVENT_SCANCODE:
		edge := "down"
		if e.Flags&KBDFLAGS_RELEASE != 0 {
			edge = "up"
		}
		return fmt.Sprintf("key scancode=%#x %s", e.Param1, edge)
	case INPUT_EVENT_UNICODE:
		return fmt.Sprintf("key unicode=%#x", e.Param1)
	case INPUT_EVENT_MOUSE, INPUT_EVENT_MOUSEX:
		return fmt.Sprintf("mouse flags=%#x x=%d y=%d", e.Flags, e.Param1, e.Param2)
	case INPUT_EVENT_SYNC:
		return fmt.Sprintf("sync toggleFlags=%#x", e.Param1)
	default:
		return fmt.Sprintf("input type=%#x", e.MessageType)
	}
}

// ReadInputEvents parses the TS_INPUT_PDU_DATA body that follows a
// TsShareDataHeader with PDUType2 == PDUTYPE2_INPUT: an event count,
// two bytes of padding, then fixed 12-byte events.
func ReadInputEvents(r io.Reader) []TsInputEvent {
	var numEvents, pad uint16
	core.ReadLE(r, &numEvents)
	core.ReadLE(r, &pad)
	events := make([]TsInputEvent, numEvents)
	for i := range events {
		core.ReadLE(r, &events[i])
	}
	return events
}

// WriteInputEvents is the serialization mirror, used by tests and by
// anything replaying a recorded input stream.
func WriteInputEvents(w io.Writer, events []TsInputEvent) {
	core.WriteLE(w, uint16(len(events)))
	core.WriteLE(w, uint16(0))
	for i := range events {
		core.WriteLE(w, &events[i])
	}
}
