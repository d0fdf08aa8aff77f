package taphold

import (
	"errors"
	"fmt"
)

var (
	// ErrUnmappedKey is returned when the keymap has no entry for a key code.
	ErrUnmappedKey = errors.New("key code not in keymap")

	// ErrUnsupportedAction is returned for an Action variant the engine does not know.
	ErrUnsupportedAction = errors.New("unsupported action")
)

// ContractViolationError reports an event that is impossible for the key's
// current phase, e.g. a second Press while Waiting. The caller's event stream
// is broken and continuing would corrupt later decisions.
type ContractViolationError struct {
	Code  KeyCode
	Phase Phase
	Value KeyValue
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("tap-hold contract violation: key %d got %s while %s", e.Code, e.Value, e.Phase)
}
