package main

import (
	"fmt"

	"keybrainz/taphold"
)

// Command represents an external side effect to be executed by the daemon loop.
// In this codebase, those are writes to the virtual output keyboard.
type Command interface {
	commandMarker()
	String() string
}

// CmdEmitKey writes one key event (plus SYN_REPORT) to the output device.
type CmdEmitKey struct {
	Code  taphold.KeyCode
	Value taphold.KeyValue
}

func (CmdEmitKey) commandMarker() {}
func (c CmdEmitKey) String() string {
	return fmt.Sprintf("CmdEmitKey(key=%s, value=%s)", keyName(c.Code), c.Value)
}
