package main

import (
	"bytes"
	"encoding/binary"

	"keybrainz/taphold"
)

// inputEvent represents a Linux input event structure
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

var inputEventSize = binary.Size(inputEvent{})

// deviceEvent is an input event tagged with the device it was read from.
type deviceEvent struct {
	Device string
	inputEvent
}

// decodeInputEvents decodes every whole event in buf. A trailing partial
// event is ignored.
func decodeInputEvents(buf []byte) []inputEvent {
	n := len(buf) / inputEventSize
	if n == 0 {
		return nil
	}
	out := make([]inputEvent, 0, n)
	reader := bytes.NewReader(buf[:n*inputEventSize])
	for range n {
		var ev inputEvent
		if err := binary.Read(reader, binary.LittleEndian, &ev); err != nil {
			break
		}
		out = append(out, ev)
	}
	return out
}

// keyEvent converts an EV_KEY input event for the engine. Values other than
// release, press and repeat are rejected.
func (ev inputEvent) keyEvent() (taphold.Event, bool) {
	if ev.Type != EV_KEY {
		return taphold.Event{}, false
	}
	v, ok := taphold.ParseKeyValue(ev.Value)
	if !ok {
		return taphold.Event{}, false
	}
	return taphold.Event{
		Code:  taphold.KeyCode(ev.Code),
		Value: v,
		Time:  taphold.Timestamp{Sec: ev.Sec, Usec: ev.Usec},
	}, true
}
