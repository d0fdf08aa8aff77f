package taphold

import (
	"fmt"
	"time"
)

// KeyCode identifies a physical key (Linux EV_KEY code space).
type KeyCode uint16

// KeyValue is the value field of a key event.
type KeyValue int32

const (
	Release KeyValue = 0
	Press   KeyValue = 1
	Repeat  KeyValue = 2
)

// ParseKeyValue converts a raw input event value into a KeyValue.
// Values other than 0, 1 and 2 are rejected.
func ParseKeyValue(v int32) (KeyValue, bool) {
	switch KeyValue(v) {
	case Release, Press, Repeat:
		return KeyValue(v), true
	default:
		return 0, false
	}
}

func (v KeyValue) String() string {
	switch v {
	case Release:
		return "release"
	case Press:
		return "press"
	case Repeat:
		return "repeat"
	default:
		return fmt.Sprintf("value(%d)", int32(v))
	}
}

// Timestamp is an event-source clock sample (struct timeval).
type Timestamp struct {
	Sec  int64
	Usec int64
}

// TimestampFromTime converts a wall-clock time into the input event clock.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp{Sec: t.Unix(), Usec: int64(t.Nanosecond() / 1000)}
}

// Sub returns the field-wise difference t - start. No borrow or carry is
// performed between seconds and microseconds.
func (t Timestamp) Sub(start Timestamp) (secs, usecs int64) {
	return t.Sec - start.Sec, t.Usec - start.Usec
}

// Event is one key event as seen by the engine.
type Event struct {
	Code  KeyCode
	Value KeyValue
	Time  Timestamp
}

// EffectKind discriminates Effect values.
type EffectKind uint8

const (
	EffectKey EffectKind = iota
	EffectToggleLayer
	EffectMomentaryLayer
)

// Effect is the logical output of an action. The engine never looks inside it.
type Effect struct {
	Kind  EffectKind
	Key   KeyCode
	Layer int
}

func KeyEffect(code KeyCode) Effect { return Effect{Kind: EffectKey, Key: code} }

func ToggleLayerEffect(layer int) Effect { return Effect{Kind: EffectToggleLayer, Layer: layer} }

func MomentaryLayerEffect(layer int) Effect {
	return Effect{Kind: EffectMomentaryLayer, Layer: layer}
}

func (e Effect) String() string {
	switch e.Kind {
	case EffectKey:
		return fmt.Sprintf("key(%d)", e.Key)
	case EffectToggleLayer:
		return fmt.Sprintf("toggle_layer(%d)", e.Layer)
	case EffectMomentaryLayer:
		return fmt.Sprintf("momentary_layer(%d)", e.Layer)
	default:
		return fmt.Sprintf("effect(kind=%d)", e.Kind)
	}
}

// EffectValue is one synthetic output event. Sequences of EffectValue must be
// injected in the order they are produced.
type EffectValue struct {
	Effect Effect
	Value  KeyValue
}

// Action is what a key is configured to do on the active layers.
// The set of variants is closed: Simple and TapHold.
type Action interface {
	actionMarker()
}

// Simple emits its effect with the same value as the physical key.
type Simple struct {
	Effect Effect
}

func (Simple) actionMarker() {}

// TapHold emits Tap for a quick press-release and Hold for a sustained press.
type TapHold struct {
	Tap  Effect
	Hold Effect
}

func (TapHold) actionMarker() {}

// Phase is the tap-hold automaton state of one key.
type Phase uint8

const (
	Idle Phase = iota
	Waiting
	Holding
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Holding:
		return "holding"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// TapHoldState is the per-key automaton value. Since is only meaningful
// while Phase is Waiting.
type TapHoldState struct {
	Phase Phase
	Since Timestamp
}

// KeyState is the mutable per-key state owned by the keymap.
type KeyState struct {
	TapHold TapHoldState
}

// MergedKey is the keymap's record for one key code: the action resolved
// from the active layers plus the key's mutable state.
type MergedKey struct {
	Code   KeyCode
	Action Action
	State  KeyState
}

// Keymap is the lookup handle into keymap storage. The returned pointer is
// only used for the duration of one engine call.
type Keymap interface {
	Lookup(code KeyCode) (*MergedKey, bool)
}

// Transition records one phase change made by the engine.
type Transition struct {
	Code KeyCode
	From Phase
	To   Phase
}

// Outcome is the result of one engine call. Stop reports whether the
// triggering event was fully absorbed; when false the caller must still run
// the event through its default handling.
type Outcome struct {
	Stop        bool
	Effects     []EffectValue
	Transitions []Transition
}

func (o *Outcome) emit(fx Effect, v KeyValue) {
	o.Effects = append(o.Effects, EffectValue{Effect: fx, Value: v})
}

func (o *Outcome) transition(code KeyCode, from, to Phase) {
	o.Transitions = append(o.Transitions, Transition{Code: code, From: from, To: to})
}
