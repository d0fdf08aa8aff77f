// Package layers stores the keymap: a stack of layers mapping key codes to
// actions, and one taphold.MergedKey per key code seen so far.
package layers

import (
	"errors"
	"fmt"

	"keybrainz/taphold"
)

var (
	ErrNoSuchLayer = errors.New("no such layer")
	ErrBaseLayer   = errors.New("base layer is always active")
)

// Layer is one named set of key bindings.
type Layer struct {
	Name string
	Keys map[taphold.KeyCode]taphold.Action
}

type entry struct {
	key taphold.MergedKey

	// stale is set when the active layers changed while the key was
	// mid-gesture. The key keeps its old action until it is Idle again.
	stale bool
}

// Manager is the keymap store. It is not safe for concurrent use.
type Manager struct {
	layers []Layer
	active []bool
	index  map[string]int
	keys   map[taphold.KeyCode]*entry
}

// New builds a Manager. Layer 0 is the base layer and is always active.
// With no layers at all every key maps to itself.
func New(ls []Layer) (*Manager, error) {
	if len(ls) == 0 {
		ls = []Layer{{Name: "base"}}
	}

	m := &Manager{
		layers: make([]Layer, len(ls)),
		active: make([]bool, len(ls)),
		index:  make(map[string]int, len(ls)),
		keys:   make(map[taphold.KeyCode]*entry),
	}
	for i, l := range ls {
		if l.Name == "" {
			return nil, fmt.Errorf("layer %d has no name", i)
		}
		if prev, dup := m.index[l.Name]; dup {
			return nil, fmt.Errorf("layer %q defined twice (%d and %d)", l.Name, prev, i)
		}
		for code, a := range l.Keys {
			switch a.(type) {
			case taphold.Simple, taphold.TapHold:
			default:
				return nil, fmt.Errorf("layer %q key %d: unsupported action %T", l.Name, code, a)
			}
		}
		m.index[l.Name] = i
		m.layers[i] = l
	}
	m.active[0] = true

	return m, nil
}

// Lookup returns the merged key for code. Every code resolves: keys not bound
// on any active layer map to themselves.
func (m *Manager) Lookup(code taphold.KeyCode) (*taphold.MergedKey, bool) {
	e, ok := m.keys[code]
	if !ok {
		e = &entry{key: taphold.MergedKey{Code: code, Action: m.merge(code)}}
		m.keys[code] = e
		return &e.key, true
	}
	if e.stale && e.key.State.TapHold.Phase == taphold.Idle {
		e.key.Action = m.merge(code)
		e.stale = false
	}
	return &e.key, true
}

// merge resolves the action for code from the highest active layer that binds it.
func (m *Manager) merge(code taphold.KeyCode) taphold.Action {
	for i := len(m.layers) - 1; i >= 0; i-- {
		if !m.active[i] {
			continue
		}
		if a, ok := m.layers[i].Keys[code]; ok {
			return a
		}
	}
	return taphold.Simple{Effect: taphold.KeyEffect(code)}
}

func (m *Manager) remerge() {
	for code, e := range m.keys {
		if e.key.State.TapHold.Phase != taphold.Idle {
			e.stale = true
			continue
		}
		e.key.Action = m.merge(code)
		e.stale = false
	}
}

// SetActive turns layer i on or off. It reports whether anything changed.
func (m *Manager) SetActive(i int, on bool) (bool, error) {
	if i < 0 || i >= len(m.layers) {
		return false, fmt.Errorf("%w: %d", ErrNoSuchLayer, i)
	}
	if i == 0 {
		if !on {
			return false, ErrBaseLayer
		}
		return false, nil
	}
	if m.active[i] == on {
		return false, nil
	}
	m.active[i] = on
	m.remerge()
	return true, nil
}

// Toggle flips layer i and returns its new state.
func (m *Manager) Toggle(i int) (bool, error) {
	if i < 0 || i >= len(m.layers) {
		return false, fmt.Errorf("%w: %d", ErrNoSuchLayer, i)
	}
	on := !m.active[i]
	if _, err := m.SetActive(i, on); err != nil {
		return m.active[i], err
	}
	return on, nil
}

func (m *Manager) Index(name string) (int, bool) {
	i, ok := m.index[name]
	return i, ok
}

func (m *Manager) Name(i int) string {
	if i < 0 || i >= len(m.layers) {
		return ""
	}
	return m.layers[i].Name
}

func (m *Manager) Len() int { return len(m.layers) }

func (m *Manager) IsActive(i int) bool {
	return i >= 0 && i < len(m.active) && m.active[i]
}

// Active returns the names of the active layers, base first.
func (m *Manager) Active() []string {
	var names []string
	for i, on := range m.active {
		if on {
			names = append(names, m.layers[i].Name)
		}
	}
	return names
}
