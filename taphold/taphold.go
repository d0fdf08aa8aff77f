// Package taphold decides, for keys configured as tap-or-hold, whether a
// press-release sequence is a tap or a hold.
//
// There is no timer. A key that is pressed enters the waiting set, and its
// fate is decided by whichever event arrives next:
//
//   - its own release resolves it as a tap;
//   - an event of any other non tap-hold key resolves it as a hold if the wait
//     period has elapsed (by the arriving event's own timestamp), otherwise as
//     a tap.
//
// The Manager is not safe for concurrent use. One goroutine must own the
// Manager and the Keymap it is called with.
package taphold

import (
	"fmt"
	"slices"
	"time"
)

// DefaultWaitPeriod is the tap-hold wait period.
const DefaultWaitPeriod = 200 * time.Millisecond

// Manager holds the waiting set and resolves tap-hold keys.
type Manager struct {
	waitUsec int64

	// waiting is in press order, which is also the order keys are resolved in.
	waiting []KeyCode
	holding []KeyCode
}

// Option configures a Manager.
type Option func(*Manager)

// WithWaitPeriod overrides DefaultWaitPeriod. The decision rule only compares
// microseconds within the same second, so the period must be positive and
// shorter than a second. Values outside that range are ignored.
func WithWaitPeriod(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 && d < time.Second {
			m.waitUsec = d.Microseconds()
		}
	}
}

// NewManager returns a Manager with an empty waiting set.
func NewManager(opts ...Option) *Manager {
	m := &Manager{waitUsec: DefaultWaitPeriod.Microseconds()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WaitPeriod returns the configured wait period.
func (m *Manager) WaitPeriod() time.Duration {
	return time.Duration(m.waitUsec) * time.Microsecond
}

// Waiting returns the key codes currently waiting for a decision, in press order.
func (m *Manager) Waiting() []KeyCode { return slices.Clone(m.waiting) }

// Holding returns the key codes currently promoted to hold.
func (m *Manager) Holding() []KeyCode { return slices.Clone(m.holding) }

// Resolve is the single entry point for a key event.
//
// If the event's key is a tap-hold key its own state machine is advanced and
// the outcome always has Stop set. Otherwise the waiting set is resolved
// against the event and Stop is false: the event itself still needs default
// handling by the caller.
//
// On error no state has been changed.
func (m *Manager) Resolve(km Keymap, ev Event) (Outcome, error) {
	key, ok := km.Lookup(ev.Code)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %d", ErrUnmappedKey, ev.Code)
	}

	switch a := key.Action.(type) {
	case TapHold:
		return m.processTapHoldKey(key, a, ev)
	case Simple:
		return m.ResolveWaiting(km, ev)
	default:
		return Outcome{}, fmt.Errorf("%w: %T on key %d", ErrUnsupportedAction, key.Action, ev.Code)
	}
}

func (m *Manager) processTapHoldKey(key *MergedKey, a TapHold, ev Event) (Outcome, error) {
	out := Outcome{Stop: true}

	// Repeats are never forwarded for tap-hold keys.
	if ev.Value == Repeat {
		return out, nil
	}

	st := &key.State.TapHold
	switch st.Phase {
	case Idle:
		if ev.Value != Press {
			return Outcome{}, &ContractViolationError{Code: ev.Code, Phase: st.Phase, Value: ev.Value}
		}
		// Wait for either an interruption or the end of the wait period.
		*st = TapHoldState{Phase: Waiting, Since: ev.Time}
		m.waiting = append(m.waiting, ev.Code)
		out.transition(ev.Code, Idle, Waiting)

	case Waiting:
		if ev.Value != Release {
			return Outcome{}, &ContractViolationError{Code: ev.Code, Phase: st.Phase, Value: ev.Value}
		}
		// Not promoted yet, so this is a tap however long it was held.
		*st = TapHoldState{}
		m.waiting = removeCode(m.waiting, ev.Code)
		out.emit(a.Tap, Press)
		out.emit(a.Tap, Release)
		out.transition(ev.Code, Waiting, Idle)

	case Holding:
		if ev.Value != Release {
			return Outcome{}, &ContractViolationError{Code: ev.Code, Phase: st.Phase, Value: ev.Value}
		}
		*st = TapHoldState{}
		m.holding = removeCode(m.holding, ev.Code)
		out.emit(a.Hold, Release)
		out.transition(ev.Code, Holding, Idle)

	default:
		return Outcome{}, &ContractViolationError{Code: ev.Code, Phase: st.Phase, Value: ev.Value}
	}

	return out, nil
}

// ResolveWaiting decides every waiting key against ev, the event of some
// other key. Keys whose wait is over are promoted to hold; the rest are
// flushed as taps. The waiting set is empty afterwards.
//
// The outcome never has Stop set: ev itself is not consumed.
func (m *Manager) ResolveWaiting(km Keymap, ev Event) (Outcome, error) {
	out := Outcome{Stop: false}
	if len(m.waiting) == 0 {
		return out, nil
	}

	keys, err := m.waitingKeys(km)
	if err != nil {
		return Outcome{}, err
	}

	for _, wk := range keys {
		st := &wk.key.State.TapHold
		if m.isWaitingOver(st.Since, ev.Time) {
			out.emit(wk.action.Hold, Press)
			*st = TapHoldState{Phase: Holding}
			m.holding = append(m.holding, wk.code)
			out.transition(wk.code, Waiting, Holding)
		} else {
			out.emit(wk.action.Tap, Press)
			out.emit(wk.action.Tap, Release)
			*st = TapHoldState{}
			out.transition(wk.code, Waiting, Idle)
		}
	}
	m.waiting = m.waiting[:0]

	return out, nil
}

// Tick promotes waiting keys whose wait period is over at now. Unlike
// ResolveWaiting it never flushes a tap: keys still inside their wait period
// stay waiting. Elapsed time is measured across second boundaries, so a
// tick shortly after a wrap does not promote a fresh press. It lets a caller with a clock resolve holds without waiting
// for another key event.
func (m *Manager) Tick(km Keymap, now Timestamp) (Outcome, error) {
	out := Outcome{Stop: false}
	if len(m.waiting) == 0 {
		return out, nil
	}

	keys, err := m.waitingKeys(km)
	if err != nil {
		return Outcome{}, err
	}

	remaining := make([]KeyCode, 0, len(keys))
	for _, wk := range keys {
		st := &wk.key.State.TapHold
		if !m.elapsedOver(st.Since, now) {
			remaining = append(remaining, wk.code)
			continue
		}
		out.emit(wk.action.Hold, Press)
		*st = TapHoldState{Phase: Holding}
		m.holding = append(m.holding, wk.code)
		out.transition(wk.code, Waiting, Holding)
	}
	m.waiting = remaining

	return out, nil
}

// Reset returns every tracked key to Idle and empties the waiting set.
// Waiting keys are dropped without output; holding keys get their hold
// effect released. Keys the keymap no longer knows are skipped.
func (m *Manager) Reset(km Keymap) Outcome {
	out := Outcome{Stop: false}

	for _, code := range m.waiting {
		key, ok := km.Lookup(code)
		if !ok {
			continue
		}
		key.State.TapHold = TapHoldState{}
		out.transition(code, Waiting, Idle)
	}

	for _, code := range m.holding {
		key, ok := km.Lookup(code)
		if !ok {
			continue
		}
		if a, ok := key.Action.(TapHold); ok {
			out.emit(a.Hold, Release)
		}
		key.State.TapHold = TapHoldState{}
		out.transition(code, Holding, Idle)
	}

	m.waiting = nil
	m.holding = nil
	return out
}

type waitingKey struct {
	code   KeyCode
	key    *MergedKey
	action TapHold
}

// waitingKeys looks up every waiting key and checks the waiting-set
// invariant before anything is mutated.
func (m *Manager) waitingKeys(km Keymap) ([]waitingKey, error) {
	keys := make([]waitingKey, 0, len(m.waiting))
	for _, code := range m.waiting {
		key, ok := km.Lookup(code)
		if !ok {
			return nil, fmt.Errorf("%w: waiting key %d", ErrUnmappedKey, code)
		}
		a, ok := key.Action.(TapHold)
		if !ok {
			return nil, fmt.Errorf("%w: waiting key %d has %T", ErrUnsupportedAction, code, key.Action)
		}
		if key.State.TapHold.Phase != Waiting {
			return nil, fmt.Errorf("waiting set out of sync: key %d is %s", code, key.State.TapHold.Phase)
		}
		keys = append(keys, waitingKey{code: code, key: key, action: a})
	}
	return keys, nil
}

// isWaitingOver reports whether the wait started at since is over at now.
// Any positive second difference counts as over; microseconds are only
// compared when both samples fall in the same second.
func (m *Manager) isWaitingOver(since, now Timestamp) bool {
	secs, usecs := now.Sub(since)
	if secs > 0 {
		return true
	}
	return secs == 0 && usecs > m.waitUsec
}

// elapsedOver reports whether more than the wait period has passed between
// since and now, normalising seconds into microseconds.
func (m *Manager) elapsedOver(since, now Timestamp) bool {
	secs, usecs := now.Sub(since)
	return secs*1_000_000+usecs > m.waitUsec
}

func removeCode(codes []KeyCode, code KeyCode) []KeyCode {
	if i := slices.Index(codes, code); i >= 0 {
		return slices.Delete(codes, i, i+1)
	}
	return codes
}
