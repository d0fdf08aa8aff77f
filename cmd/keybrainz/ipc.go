package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// Protocol: Line-delimited JSON
//   - Client sends: {"type": "status|reset|layer|log_level", "data": {...}}
//   - Server responds: {"status": "ok", "data": {...}} or
//     {"status": "error", "error": "msg"}
//
// Requests that need engine state go through the daemon loop as Events with
// a reply channel; nothing here touches the pipeline directly.
// ============================================================================

// ipcServer holds what a connection handler needs.
type ipcServer struct {
	events       chan<- Event
	level        *slog.LevelVar
	replyTimeout time.Duration
	logger       *slog.Logger
}

// runIPCServer starts the Unix domain socket server. It runs until ctx is
// canceled, then closes the listener and removes the socket.
func runIPCServer(ctx context.Context, socketPath string, events chan<- Event, level *slog.LevelVar, logger *slog.Logger) error {
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	// Only the owner may remap or reset the keyboard.
	if err := os.Chmod(socketPath, 0600); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	srv := &ipcServer{
		events:       events,
		level:        level,
		replyTimeout: ipcReplyTimeoutMS * time.Millisecond,
		logger:       logger,
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}

		go srv.handleConnection(ctx, conn)
	}
}

// handleConnection serves request lines until the client hangs up.
func (s *ipcServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		s.logger.Debug("IPC received", "line", string(line))

		resp := s.handleRequest(ctx, line)
		if err := encoder.Encode(resp); err != nil {
			s.logger.Error("IPC failed to send response", "error", err)
			return
		}
	}

	s.logger.Debug("IPC connection closed")
}

func (s *ipcServer) handleRequest(ctx context.Context, line []byte) IPCResponse {
	req, err := UnmarshalIPCRequest(line)
	if err != nil {
		return errorResponse(fmt.Errorf("parse request: %w", err))
	}

	switch req.Type {
	case ipcTypeStatus:
		ch := make(chan StateSnapshot, 1)
		snap, err := roundTrip(ctx, s, RequestStatus{Reply: ch}, ch)
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(snap)

	case ipcTypeReset:
		ch := make(chan StateSnapshot, 1)
		snap, err := roundTrip(ctx, s, RequestReset{Reply: ch}, ch)
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(snap)

	case ipcTypeLayer:
		lr, _ := req.Layer()
		ch := make(chan LayerReply, 1)
		r, err := roundTrip(ctx, s, RequestLayer{Name: lr.Name, Mode: lr.Mode, Reply: ch}, ch)
		if err != nil {
			return errorResponse(err)
		}
		if r.Err != nil {
			return errorResponse(r.Err)
		}
		return okResponse(r.Snapshot)

	case ipcTypeLogLevel:
		var lv LogLevelRequest
		_ = json.Unmarshal(req.Data, &lv)
		level, _ := parseLogLevel(lv.Level)
		if s.level != nil {
			s.level.Set(level.slogLevel())
		}
		s.logger.Info("log level changed", "level", string(level))
		return okResponse(nil)

	default:
		return errorResponse(fmt.Errorf("unhandled request type %q", req.Type))
	}
}

// roundTrip hands ev to the daemon loop and waits for its reply.
func roundTrip[T any](ctx context.Context, s *ipcServer, ev Event, ch <-chan T) (T, error) {
	var zero T

	timer := time.NewTimer(s.replyTimeout)
	defer timer.Stop()

	select {
	case s.events <- ev:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-timer.C:
		return zero, errors.New("daemon busy: event queue full")
	}

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-timer.C:
		return zero, errors.New("daemon did not reply in time")
	}
}

func okResponse(data any) IPCResponse {
	resp := IPCResponse{Status: "ok"}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return errorResponse(fmt.Errorf("marshal response: %w", err))
		}
		resp.Data = b
	}
	return resp
}

func errorResponse(err error) IPCResponse {
	return IPCResponse{Status: "error", Error: err.Error()}
}

// ============================================================================
// IPC Client Utility
// ============================================================================

// SendIPCRequest sends one request and returns the response data.
func SendIPCRequest(socketPath, typ string, data any) (json.RawMessage, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	line, err := MarshalIPCRequest(typ, data)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("ipc error: %s", resp.Error)
	}
	return resp.Data, nil
}
