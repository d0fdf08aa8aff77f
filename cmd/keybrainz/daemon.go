package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"keybrainz/taphold"
)

// runDaemon is the only goroutine that touches the pipeline, and with it the
// keymap and the tap-hold engine. It:
//   - receives Events from input, IPC and the HTTP server
//   - optionally ticks so holds can be promoted without waiting for input
//   - executes the resulting commands in order before taking the next event
//   - forwards state broadcasts to the WebSocket feed without blocking
//
// On shutdown, and before returning an engine error, everything held on the
// output is released. Engine errors are fatal and returned to the caller.
func runDaemon(
	ctx context.Context,
	events <-chan Event,
	p *Pipeline,
	inj Injector,
	broadcasts chan<- StateBroadcast,
	tickInterval time.Duration,
	logger *slog.Logger,
) error {
	var tickC <-chan time.Time
	if tickInterval > 0 {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		tickC = ticker.C
	}

	execute := func(res StepResult) {
		for _, cmd := range res.Commands {
			runEffect(inj, cmd, logger)
		}
		for _, b := range res.Broadcasts {
			publish(broadcasts, b, logger)
		}
	}

	shutdown := func() {
		execute(p.Reset(time.Now()))
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon stopping (context canceled)")
			shutdown()
			return nil

		case now := <-tickC:
			res, err := p.Tick(taphold.TimestampFromTime(now), now)
			if err != nil {
				logger.Error("tap-hold engine failed on tick", "error", err)
				shutdown()
				return fmt.Errorf("tick: %w", err)
			}
			execute(res)

		case ev, ok := <-events:
			if !ok {
				logger.Info("daemon stopping (events channel closed)")
				shutdown()
				return nil
			}

			now := time.Now()
			switch e := ev.(type) {
			case KeyInput:
				res, err := p.HandleKey(e.Event, now)
				if err != nil {
					logger.Error("tap-hold engine failed", "error", err,
						"device", e.Device, "key", keyName(e.Event.Code), "value", e.Event.Value.String())
					shutdown()
					return fmt.Errorf("key %s from %s: %w", keyName(e.Event.Code), e.Device, err)
				}
				execute(res)

			case RequestStatus:
				reply(e.Reply, p.Snapshot(now), logger)

			case RequestReset:
				logger.Info("reset requested")
				execute(p.Reset(now))
				reply(e.Reply, p.Snapshot(now), logger)

			case RequestLayer:
				res, err := p.SetLayer(e.Name, e.Mode, now)
				if err != nil {
					logger.Warn("layer request failed", "layer", e.Name, "mode", e.Mode, "error", err)
				}
				execute(res)
				reply(e.Reply, LayerReply{Snapshot: p.Snapshot(now), Err: err}, logger)

			default:
				logger.Warn("unknown event type", "type", fmt.Sprintf("%T", ev))
			}
		}
	}
}

// reply delivers a response without ever blocking the daemon loop.
// Requesters must use a buffered channel.
func reply[T any](ch chan<- T, v T, logger *slog.Logger) {
	if ch == nil {
		logger.Warn("request without reply channel")
		return
	}
	select {
	case ch <- v:
	default:
		logger.Warn("reply channel not ready; dropping reply")
	}
}

func publish(ch chan<- StateBroadcast, b StateBroadcast, logger *slog.Logger) {
	if ch == nil {
		return
	}
	select {
	case ch <- b:
	default:
		logger.Debug("broadcast queue full, dropping", "type", fmt.Sprintf("%T", b))
	}
}
