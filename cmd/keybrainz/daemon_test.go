package main

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"keybrainz/layers"
	"keybrainz/taphold"
)

// recordingInjector is a test double for Injector.
type recordingInjector struct {
	mu      sync.Mutex
	emitted []CmdEmitKey
	failOn  taphold.KeyCode
}

func (r *recordingInjector) EmitKey(code taphold.KeyCode, value taphold.KeyValue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn != 0 && code == r.failOn {
		return errors.New("device gone")
	}
	r.emitted = append(r.emitted, CmdEmitKey{Code: code, Value: value})
	return nil
}

func (r *recordingInjector) Close() error { return nil }

func (r *recordingInjector) snapshot() []CmdEmitKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CmdEmitKey(nil), r.emitted...)
}

type daemonHarness struct {
	events     chan Event
	broadcasts chan StateBroadcast
	inj        *recordingInjector
	cancel     context.CancelFunc
	done       chan error
}

func startDaemon(t *testing.T, tick time.Duration) *daemonHarness {
	t.Helper()

	h := &daemonHarness{
		events:     make(chan Event, 16),
		broadcasts: make(chan StateBroadcast, 64),
		inj:        &recordingInjector{},
		done:       make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	p := newTestPipeline(t)
	go func() {
		h.done <- runDaemon(ctx, h.events, p, h.inj, h.broadcasts, tick, discardLogger())
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(time.Second):
		}
	})
	return h
}

func (h *daemonHarness) key(code taphold.KeyCode, v taphold.KeyValue, ts taphold.Timestamp) {
	h.events <- KeyInput{Device: "test", Event: taphold.Event{Code: code, Value: v, Time: ts}}
}

// status doubles as a barrier: once it returns every earlier event has been
// handled by the daemon loop.
func (h *daemonHarness) status(t *testing.T) StateSnapshot {
	t.Helper()
	ch := make(chan StateSnapshot, 1)
	h.events <- RequestStatus{Reply: ch}
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatalf("status reply timed out")
		return StateSnapshot{}
	}
}

func (h *daemonHarness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		return err
	case <-time.After(time.Second):
		t.Fatalf("daemon did not stop")
		return nil
	}
}

func TestDaemon_TapReachesOutput(t *testing.T) {
	h := startDaemon(t, 0)

	h.key(kA, taphold.Press, at(1, 0))
	if s := h.status(t); !reflect.DeepEqual(s.Waiting, []string{"KEY_A"}) {
		t.Fatalf("expected A waiting, got %+v", s)
	}
	h.key(kA, taphold.Release, at(1, 80000))
	s := h.status(t)

	if got, want := h.inj.snapshot(), []CmdEmitKey{press(kA), release(kA)}; !reflect.DeepEqual(got, want) {
		t.Fatalf("emitted %v, want %v", got, want)
	}
	if len(s.Waiting) != 0 || len(s.Holding) != 0 || len(s.Down) != 0 {
		t.Fatalf("expected idle state, got %+v", s)
	}
	if s.WaitMS != 200 {
		t.Fatalf("WaitMS=%d, want 200", s.WaitMS)
	}
}

func TestDaemon_ShutdownReleasesHeldKeys(t *testing.T) {
	h := startDaemon(t, 0)

	h.key(kA, taphold.Press, at(1, 0))
	h.key(kS, taphold.Press, at(1, 500000))
	if s := h.status(t); !reflect.DeepEqual(s.Holding, []string{"KEY_A"}) {
		t.Fatalf("expected A holding, got %+v", s)
	}

	if err := h.stop(t); err != nil {
		t.Fatalf("runDaemon returned %v on cancel", err)
	}

	want := []CmdEmitKey{press(kLeftCtrl), press(kS), release(kLeftCtrl), release(kS)}
	if got := h.inj.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("emitted %v, want %v", got, want)
	}
}

func TestDaemon_ClosedEventsStops(t *testing.T) {
	events := make(chan Event)
	close(events)

	inj := &recordingInjector{}
	err := runDaemon(context.Background(), events, newTestPipeline(t), inj, nil, 0, discardLogger())
	if err != nil {
		t.Fatalf("runDaemon returned %v", err)
	}
}

func TestDaemon_TickPromotesHold(t *testing.T) {
	h := startDaemon(t, 5*time.Millisecond)

	// Stamp the press in the past so the first tick finds the wait over.
	h.key(kA, taphold.Press, taphold.TimestampFromTime(time.Now().Add(-time.Second)))

	deadline := time.Now().Add(time.Second)
	for {
		if s := h.status(t); len(s.Holding) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tick never promoted the hold")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got, want := h.inj.snapshot(), []CmdEmitKey{press(kLeftCtrl)}; !reflect.DeepEqual(got, want) {
		t.Fatalf("emitted %v, want %v", got, want)
	}
}

func TestDaemon_LayerAndResetRequests(t *testing.T) {
	h := startDaemon(t, 0)

	lr := make(chan LayerReply, 1)
	h.events <- RequestLayer{Name: "nav", Mode: LayerOn, Reply: lr}
	r := <-lr
	if r.Err != nil {
		t.Fatalf("layer request failed: %v", r.Err)
	}
	if !r.Snapshot.Layers[1].Active {
		t.Fatalf("nav not active in reply: %+v", r.Snapshot.Layers)
	}

	h.events <- RequestLayer{Name: "base", Mode: LayerOff, Reply: lr}
	if r = <-lr; !errors.Is(r.Err, layers.ErrBaseLayer) {
		t.Fatalf("expected ErrBaseLayer, got %v", r.Err)
	}
	h.events <- RequestLayer{Name: "missing", Mode: LayerOn, Reply: lr}
	if r = <-lr; !errors.Is(r.Err, layers.ErrNoSuchLayer) {
		t.Fatalf("expected ErrNoSuchLayer, got %v", r.Err)
	}

	h.key(kH, taphold.Press, at(1, 0))

	rr := make(chan StateSnapshot, 1)
	h.events <- RequestReset{Reply: rr}
	s := <-rr
	if s.Layers[1].Active || len(s.Down) != 0 {
		t.Fatalf("reset left state behind: %+v", s)
	}
	if got, want := h.inj.snapshot(), []CmdEmitKey{press(kLeft), release(kLeft)}; !reflect.DeepEqual(got, want) {
		t.Fatalf("emitted %v, want %v", got, want)
	}

	// The physical release after a reset is dropped.
	h.key(kH, taphold.Release, at(1, 100000))
	h.status(t)
	if got := h.inj.snapshot(); len(got) != 2 {
		t.Fatalf("release after reset reached the output: %v", got)
	}

	var sawLayer bool
	for len(h.broadcasts) > 0 {
		if _, ok := (<-h.broadcasts).(BroadcastLayerChanged); ok {
			sawLayer = true
		}
	}
	if !sawLayer {
		t.Fatalf("expected layer broadcasts")
	}
}

func TestDaemon_OutputErrorDoesNotStop(t *testing.T) {
	h := startDaemon(t, 0)
	h.inj.failOn = kS

	h.key(kS, taphold.Press, at(1, 0))
	h.key(kH, taphold.Press, at(1, 10))
	h.status(t)

	if got, want := h.inj.snapshot(), []CmdEmitKey{press(kH)}; !reflect.DeepEqual(got, want) {
		t.Fatalf("emitted %v, want %v", got, want)
	}
}

func TestReply_NeverBlocks(t *testing.T) {
	full := make(chan StateSnapshot, 1)
	full <- StateSnapshot{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		reply(full, StateSnapshot{}, discardLogger())
		reply[StateSnapshot](nil, StateSnapshot{}, discardLogger())
		publish(nil, BroadcastLayerChanged{}, discardLogger())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("reply blocked")
	}
}
