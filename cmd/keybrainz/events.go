package main

import (
	"encoding/json"
	"fmt"

	"keybrainz/taphold"
)

// Event is a marker interface for everything the daemon loop consumes.
// Input, IPC and the HTTP server only ever talk to the engine through Events.
type Event interface {
	eventMarker()
}

// KeyInput is one EV_KEY event read from a physical keyboard.
type KeyInput struct {
	Device string
	Event  taphold.Event
}

func (KeyInput) eventMarker() {}

// RequestStatus asks the daemon for a snapshot of its state.
type RequestStatus struct {
	Reply chan<- StateSnapshot
}

func (RequestStatus) eventMarker() {}

// RequestReset asks the daemon to return every key to Idle and release
// everything it is holding on the output.
type RequestReset struct {
	Reply chan<- StateSnapshot
}

func (RequestReset) eventMarker() {}

// RequestLayer changes a layer by name.
type RequestLayer struct {
	Name  string
	Mode  LayerMode
	Reply chan<- LayerReply
}

func (RequestLayer) eventMarker() {}

type LayerReply struct {
	Snapshot StateSnapshot
	Err      error
}

// ============================================================================
// IPC wire format
// ============================================================================
//
// Requests are line-delimited JSON envelopes: {"type": "...", "data": {...}}.
// They are decoded into request values; the IPC server attaches the reply
// channels before handing them to the daemon loop.

// IPCRequest is the request envelope.
type IPCRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// LayerRequest is the data of a "layer" request.
type LayerRequest struct {
	Name string    `json:"name"`
	Mode LayerMode `json:"mode"`
}

// LogLevelRequest is the data of a "log_level" request.
type LogLevelRequest struct {
	Level string `json:"level"`
}

// IPCResponse is sent back for every request line.
type IPCResponse struct {
	Status string          `json:"status"`          // "ok" or "error"
	Error  string          `json:"error,omitempty"` // error message if status == "error"
	Data   json.RawMessage `json:"data,omitempty"`
}

const (
	ipcTypeStatus   = "status"
	ipcTypeReset    = "reset"
	ipcTypeLayer    = "layer"
	ipcTypeLogLevel = "log_level"
)

// UnmarshalIPCRequest decodes and validates one request line.
func UnmarshalIPCRequest(line []byte) (IPCRequest, error) {
	var req IPCRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return IPCRequest{}, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch req.Type {
	case ipcTypeStatus, ipcTypeReset:
		return req, nil

	case ipcTypeLayer:
		lr, err := req.Layer()
		if err != nil {
			return IPCRequest{}, err
		}
		if lr.Name == "" {
			return IPCRequest{}, fmt.Errorf("layer request: name is required")
		}
		switch lr.Mode {
		case LayerOn, LayerOff, LayerToggle:
		default:
			return IPCRequest{}, fmt.Errorf("layer request: mode must be on, off or toggle, got %q", lr.Mode)
		}
		return req, nil

	case ipcTypeLogLevel:
		var lv LogLevelRequest
		if err := json.Unmarshal(req.Data, &lv); err != nil {
			return IPCRequest{}, fmt.Errorf("unmarshal LogLevelRequest: %w", err)
		}
		if _, err := parseLogLevel(lv.Level); err != nil {
			return IPCRequest{}, err
		}
		return req, nil

	default:
		return IPCRequest{}, fmt.Errorf("unknown request type: %q", req.Type)
	}
}

// Layer decodes the data of a "layer" request. A missing mode means toggle.
func (r IPCRequest) Layer() (LayerRequest, error) {
	var lr LayerRequest
	if len(r.Data) == 0 {
		return lr, fmt.Errorf("layer request: missing data")
	}
	if err := json.Unmarshal(r.Data, &lr); err != nil {
		return lr, fmt.Errorf("unmarshal LayerRequest: %w", err)
	}
	if lr.Mode == "" {
		lr.Mode = LayerToggle
	}
	return lr, nil
}

// MarshalIPCRequest builds a request line (without the trailing newline).
func MarshalIPCRequest(typ string, data any) ([]byte, error) {
	req := IPCRequest{Type: typ}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s data: %w", typ, err)
		}
		req.Data = b
	}
	return json.Marshal(req)
}
