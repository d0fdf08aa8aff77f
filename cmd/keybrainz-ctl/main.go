package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// ============================================================================
// keybrainz-ctl - Command-line IPC Client
// ============================================================================
// Talks to a running keybrainz daemon over its Unix domain socket.
//
// Usage:
//   keybrainz-ctl status
//   keybrainz-ctl reset
//   keybrainz-ctl layer nav on
//   keybrainz-ctl log-level debug
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/keybrainz.sock)
// ============================================================================

// Wire types (duplicated from the daemon for a standalone binary)

type request struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type layerData struct {
	Name string `json:"name"`
	Mode string `json:"mode"`
}

type logLevelData struct {
	Level string `json:"level"`
}

type response struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type snapshot struct {
	Layers []struct {
		Name   string `json:"name"`
		Active bool   `json:"active"`
	} `json:"layers"`
	Waiting []string `json:"waiting"`
	Holding []string `json:"holding"`
	Down    []string `json:"down"`
	WaitMS  int64    `json:"wait_ms"`
}

func main() {
	socketPath := "/tmp/keybrainz.sock"
	asJSON := false

	args := os.Args[1:]
	for len(args) > 0 && strings.HasPrefix(args[0], "-") {
		switch args[0] {
		case "-socket", "--socket":
			if len(args) < 2 {
				fmt.Fprintf(os.Stderr, "error: -socket requires an argument\n")
				os.Exit(1)
			}
			socketPath = args[1]
			args = args[2:]
		case "-json", "--json":
			asJSON = true
			args = args[1:]
		case "-h", "--help":
			printUsage()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "error: unknown option: %s\n", args[0])
			printUsage()
			os.Exit(1)
		}
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	var req request

	switch args[0] {
	case "status":
		req.Type = "status"

	case "reset":
		req.Type = "reset"

	case "layer":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: layer requires a layer name\n")
			os.Exit(1)
		}
		mode := "toggle"
		if len(args) > 2 {
			mode = args[2]
		}
		switch mode {
		case "on", "off", "toggle":
		default:
			fmt.Fprintf(os.Stderr, "error: layer mode must be on, off or toggle\n")
			os.Exit(1)
		}
		req = request{Type: "layer", Data: layerData{Name: args[1], Mode: mode}}

	case "log-level":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: log-level requires a level\n")
			os.Exit(1)
		}
		req = request{Type: "log_level", Data: logLevelData{Level: args[1]}}

	case "help":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "error: unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}

	data, err := send(socketPath, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if len(data) == 0 {
		fmt.Println("ok")
		return
	}
	if asJSON {
		fmt.Println(string(data))
		return
	}
	printSnapshot(data)
}

func send(socketPath string, req request) (json.RawMessage, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status == "error" {
		return nil, fmt.Errorf("daemon error: %s", resp.Error)
	}
	return resp.Data, nil
}

func printSnapshot(data json.RawMessage) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		fmt.Println(string(data))
		return
	}

	var active []string
	for _, l := range s.Layers {
		if l.Active {
			active = append(active, l.Name)
		}
	}
	fmt.Printf("layers:  %s\n", strings.Join(active, ", "))
	fmt.Printf("wait:    %dms\n", s.WaitMS)
	fmt.Printf("waiting: %s\n", orNone(s.Waiting))
	fmt.Printf("holding: %s\n", orNone(s.Holding))
	fmt.Printf("down:    %s\n", orNone(s.Down))
}

func orNone(keys []string) string {
	if len(keys) == 0 {
		return "-"
	}
	return strings.Join(keys, " ")
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `keybrainz-ctl - Control the keybrainz daemon via IPC

Usage:
  keybrainz-ctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: /tmp/keybrainz.sock)
  -json           Print the raw JSON reply

Commands:
  status                        Show layers and tap-hold state
  reset                         Release everything and return to the base layer
  layer <name> [on|off|toggle]  Change a layer (default: toggle)
  log-level <level>             Set daemon log level (error, warn, info, debug)
  help, -h, --help              Show this help message

Examples:
  keybrainz-ctl status
  keybrainz-ctl layer nav on
  keybrainz-ctl -socket /run/keybrainz.sock reset
`)
}
