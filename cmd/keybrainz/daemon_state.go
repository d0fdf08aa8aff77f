package main

import "time"

// StateSnapshot is an immutable view of the daemon-owned engine state,
// built on the daemon goroutine and handed to IPC and WebSocket clients.
type StateSnapshot struct {
	Layers []LayerStatus `json:"layers"`

	// Key names, in the order the engine tracks them.
	Waiting []string `json:"waiting"`
	Holding []string `json:"holding"`
	Down    []string `json:"down"`

	WaitMS int64     `json:"wait_ms"`
	At     time.Time `json:"at"`
}

type LayerStatus struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// StateBroadcast is a marker interface for state changes published to
// WebSocket clients. The daemon loop forwards them without blocking.
type StateBroadcast interface {
	broadcastMarker()
}

// BroadcastKeyTransition reports one phase change of a tap-hold key.
type BroadcastKeyTransition struct {
	Key  string
	Code uint16
	From string
	To   string

	// Reset is set for transitions forced by a reset rather than decided
	// by input.
	Reset bool
	At    time.Time
}

func (BroadcastKeyTransition) broadcastMarker() {}

// BroadcastLayerChanged carries the full active layer list after a change.
type BroadcastLayerChanged struct {
	Active []string
	At     time.Time
}

func (BroadcastLayerChanged) broadcastMarker() {}
