package main

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"keybrainz/layers"
	"keybrainz/taphold"
)

// Keymap is the layered keymap the pipeline drives. layers.Manager is the
// implementation.
type Keymap interface {
	taphold.Keymap
	SetActive(i int, on bool) (bool, error)
	Toggle(i int) (bool, error)
	Index(name string) (int, bool)
	Name(i int) string
	Len() int
	IsActive(i int) bool
	Active() []string
}

// Pipeline is the calling layer around the tap-hold engine. It owns the
// keymap and the engine and turns sanitized key events into output commands.
//
// Like the rest of the daemon state it is owned by the daemon goroutine and
// must not be shared.
type Pipeline struct {
	keymap Keymap
	engine *taphold.Manager
	logger *slog.Logger

	// down tracks physically pressed keys in press order.
	down     map[taphold.KeyCode]downKey
	downList []taphold.KeyCode
}

type downKey struct {
	tapHold bool

	// settled is set when another key's event already resolved this tap-hold
	// key as a tap. The engine considers it Idle, so its remaining repeat and
	// release must not reach it.
	settled bool

	// effect is the Simple effect chosen at press time. The matching repeat
	// and release reuse it even if the layers changed in between.
	effect taphold.Effect
}

// StepResult is what one pipeline call asks the daemon to do.
type StepResult struct {
	Commands   []Command
	Broadcasts []StateBroadcast
}

func NewPipeline(keymap Keymap, engine *taphold.Manager, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		keymap: keymap,
		engine: engine,
		logger: logger,
		down:   make(map[taphold.KeyCode]downKey),
	}
}

// HandleKey runs one key event through the engine and the default path.
// Engine errors (contract violations, keymap inconsistencies) are returned
// unchanged; the caller treats them as fatal.
func (p *Pipeline) HandleKey(ev taphold.Event, at time.Time) (StepResult, error) {
	var res StepResult

	d, isDown := p.down[ev.Code]
	switch ev.Value {
	case taphold.Press:
		if isDown {
			p.logger.Debug("dropping duplicate press", "key", keyName(ev.Code))
			return res, nil
		}
		return res, p.handlePress(&res, ev, at)

	default:
		if !isDown {
			p.logger.Debug("dropping event for key not seen pressed", "key", keyName(ev.Code), "value", ev.Value.String())
			return res, nil
		}
	}

	switch {
	case d.tapHold && d.settled:
		p.logger.Debug("dropping event for key already resolved as tap", "key", keyName(ev.Code), "value", ev.Value.String())

	case d.tapHold:
		out, err := p.engine.Resolve(p.keymap, ev)
		if err != nil {
			return StepResult{}, err
		}
		p.apply(&res, out, at)

	default:
		out, err := p.engine.ResolveWaiting(p.keymap, ev)
		if err != nil {
			return StepResult{}, err
		}
		p.apply(&res, out, at)
		p.applyEffect(&res, d.effect, ev.Value, at)
	}

	if ev.Value == taphold.Release {
		p.release(ev.Code)
	}
	return res, nil
}

func (p *Pipeline) handlePress(res *StepResult, ev taphold.Event, at time.Time) error {
	k, ok := p.keymap.Lookup(ev.Code)
	if !ok {
		return fmt.Errorf("%w: %d", taphold.ErrUnmappedKey, ev.Code)
	}
	if _, ok := k.Action.(taphold.TapHold); !ok {
		// Resolve the waiting set first: a hold decided here may switch layers
		// and change what this key is bound to.
		out, err := p.engine.ResolveWaiting(p.keymap, ev)
		if err != nil {
			return err
		}
		p.apply(res, out, at)
		if k, ok = p.keymap.Lookup(ev.Code); !ok {
			return fmt.Errorf("%w: %d", taphold.ErrUnmappedKey, ev.Code)
		}
	}

	switch a := k.Action.(type) {
	case taphold.TapHold:
		out, err := p.engine.Resolve(p.keymap, ev)
		if err != nil {
			return err
		}
		p.apply(res, out, at)
		p.press(ev.Code, downKey{tapHold: true})

	case taphold.Simple:
		p.press(ev.Code, downKey{effect: a.Effect})
		p.applyEffect(res, a.Effect, taphold.Press, at)

	default:
		return fmt.Errorf("%w: %T on key %d", taphold.ErrUnsupportedAction, k.Action, ev.Code)
	}
	return nil
}

// Tick promotes waiting keys whose wait is over at now.
func (p *Pipeline) Tick(now taphold.Timestamp, at time.Time) (StepResult, error) {
	var res StepResult
	out, err := p.engine.Tick(p.keymap, now)
	if err != nil {
		return StepResult{}, err
	}
	p.apply(&res, out, at)
	return res, nil
}

// Reset returns everything to the startup state: every key Idle, nothing
// held on the output and only the base layer active. Physically pressed keys
// are forgotten, so their eventual release is dropped.
func (p *Pipeline) Reset(at time.Time) StepResult {
	var res StepResult
	p.apply(&res, p.engine.Reset(p.keymap), at)
	for i, b := range res.Broadcasts {
		if t, ok := b.(BroadcastKeyTransition); ok {
			t.Reset = true
			res.Broadcasts[i] = t
		}
	}

	for _, code := range slices.Backward(p.downList) {
		d := p.down[code]
		if !d.tapHold {
			p.applyEffect(&res, d.effect, taphold.Release, at)
		}
	}
	clear(p.down)
	p.downList = p.downList[:0]

	changed := false
	for i := 1; i < p.keymap.Len(); i++ {
		c, err := p.keymap.SetActive(i, false)
		if err != nil {
			p.logger.Warn("reset layer failed", "layer", p.keymap.Name(i), "error", err)
			continue
		}
		changed = changed || c
	}
	if changed {
		p.layerChanged(&res, at)
	}
	return res
}

// LayerMode selects how SetLayer changes a layer.
type LayerMode string

const (
	LayerOn     LayerMode = "on"
	LayerOff    LayerMode = "off"
	LayerToggle LayerMode = "toggle"
)

// SetLayer changes a layer by name on behalf of an external request.
func (p *Pipeline) SetLayer(name string, mode LayerMode, at time.Time) (StepResult, error) {
	var res StepResult

	i, ok := p.keymap.Index(name)
	if !ok {
		return res, fmt.Errorf("%w: %q", layers.ErrNoSuchLayer, name)
	}

	var (
		changed bool
		err     error
	)
	switch mode {
	case LayerOn:
		changed, err = p.keymap.SetActive(i, true)
	case LayerOff:
		changed, err = p.keymap.SetActive(i, false)
	case LayerToggle:
		_, err = p.keymap.Toggle(i)
		changed = err == nil
	default:
		return res, fmt.Errorf("unknown layer mode %q (want on, off or toggle)", mode)
	}
	if err != nil {
		return res, err
	}
	if changed {
		p.layerChanged(&res, at)
	}
	return res, nil
}

// Snapshot returns the current state for status requests.
func (p *Pipeline) Snapshot(at time.Time) StateSnapshot {
	s := StateSnapshot{
		Layers:  make([]LayerStatus, 0, p.keymap.Len()),
		Waiting: keyNames(p.engine.Waiting()),
		Holding: keyNames(p.engine.Holding()),
		Down:    keyNames(p.downList),
		WaitMS:  p.engine.WaitPeriod().Milliseconds(),
		At:      at,
	}
	for i := range p.keymap.Len() {
		s.Layers = append(s.Layers, LayerStatus{Name: p.keymap.Name(i), Active: p.keymap.IsActive(i)})
	}
	return s
}

func (p *Pipeline) press(code taphold.KeyCode, d downKey) {
	p.down[code] = d
	p.downList = append(p.downList, code)
}

func (p *Pipeline) release(code taphold.KeyCode) {
	delete(p.down, code)
	if i := slices.Index(p.downList, code); i >= 0 {
		p.downList = slices.Delete(p.downList, i, i+1)
	}
}

// apply turns an engine outcome into commands, layer changes and broadcasts,
// preserving effect order.
func (p *Pipeline) apply(res *StepResult, out taphold.Outcome, at time.Time) {
	for _, t := range out.Transitions {
		p.logger.Debug("tap-hold transition", "key", keyName(t.Code), "from", t.From.String(), "to", t.To.String())
		res.Broadcasts = append(res.Broadcasts, BroadcastKeyTransition{
			Key:  keyName(t.Code),
			Code: uint16(t.Code),
			From: t.From.String(),
			To:   t.To.String(),
			At:   at,
		})
		if t.From == taphold.Waiting && t.To == taphold.Idle {
			if d, ok := p.down[t.Code]; ok && d.tapHold {
				d.settled = true
				p.down[t.Code] = d
			}
		}
	}
	for _, fv := range out.Effects {
		p.applyEffect(res, fv.Effect, fv.Value, at)
	}
}

func (p *Pipeline) applyEffect(res *StepResult, fx taphold.Effect, v taphold.KeyValue, at time.Time) {
	switch fx.Kind {
	case taphold.EffectKey:
		res.Commands = append(res.Commands, CmdEmitKey{Code: fx.Key, Value: v})

	case taphold.EffectToggleLayer:
		if v != taphold.Press {
			return
		}
		if _, err := p.keymap.Toggle(fx.Layer); err != nil {
			p.logger.Warn("toggle layer failed", "layer", fx.Layer, "error", err)
			return
		}
		p.layerChanged(res, at)

	case taphold.EffectMomentaryLayer:
		if v == taphold.Repeat {
			return
		}
		changed, err := p.keymap.SetActive(fx.Layer, v == taphold.Press)
		if err != nil {
			if !errors.Is(err, layers.ErrBaseLayer) {
				p.logger.Warn("momentary layer failed", "layer", fx.Layer, "error", err)
			}
			return
		}
		if changed {
			p.layerChanged(res, at)
		}

	default:
		p.logger.Warn("unknown effect", "effect", fx.String())
	}
}

func (p *Pipeline) layerChanged(res *StepResult, at time.Time) {
	active := p.keymap.Active()
	p.logger.Info("layers changed", "active", active)
	res.Broadcasts = append(res.Broadcasts, BroadcastLayerChanged{Active: active, At: at})
}

func keyNames(codes []taphold.KeyCode) []string {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		out = append(out, keyName(c))
	}
	return out
}
