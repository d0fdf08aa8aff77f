package main

import (
	"log/slog"
)

// runEffect executes a single pipeline-emitted Command against the output
// device. A failed write is logged and the daemon keeps going: later events
// still need to reach the output, and a reset releases anything left held.
func runEffect(inj Injector, cmd Command, logger *slog.Logger) {
	switch c := cmd.(type) {
	case CmdEmitKey:
		if err := inj.EmitKey(c.Code, c.Value); err != nil {
			logger.Error("output write failed", "error", err, "command", c.String())
		}

	default:
		logger.Warn("unknown command type", "command", cmd.String())
	}
}
