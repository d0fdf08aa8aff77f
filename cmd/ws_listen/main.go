package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// ws_listen prints the keybrainz state feed (/ws) in a readable form.

type envelope struct {
	Type string          `json:"type"`
	Ts   time.Time       `json:"ts"`
	Data json.RawMessage `json:"data"`
}

type stateInit struct {
	Layers []struct {
		Name   string `json:"name"`
		Active bool   `json:"active"`
	} `json:"layers"`
	Waiting []string `json:"waiting"`
	Holding []string `json:"holding"`
	WaitMS  int64    `json:"wait_ms"`
}

type tapHoldResolved struct {
	Key      string `json:"key"`
	Decision string `json:"decision"`
}

type keyStateChanged struct {
	Key  string `json:"key"`
	From string `json:"from"`
	To   string `json:"to"`
}

type layerChanged struct {
	Active []string `json:"active"`
}

func main() {
	var (
		wsURL = flag.String("ws", "ws://127.0.0.1:8088/ws", "keybrainz state feed URL")
		raw   = flag.Bool("raw", false, "Print frames as received")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected (press Ctrl+C to exit)")

	// The server pings every 20s. Each ping extends the read deadline.
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			if *raw {
				fmt.Println(string(message))
				continue
			}
			handleFrame(message)
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		err := conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

func handleFrame(message []byte) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		fmt.Printf("[TEXT] %s\n", string(message))
		return
	}
	ts := env.Ts.Local().Format("15:04:05.000")

	switch env.Type {
	case "state_init":
		var s stateInit
		if err := json.Unmarshal(env.Data, &s); err != nil {
			break
		}
		var active []string
		for _, l := range s.Layers {
			if l.Active {
				active = append(active, l.Name)
			}
		}
		fmt.Printf("%s [INIT] layers=%s wait=%dms waiting=%v holding=%v\n",
			ts, strings.Join(active, ","), s.WaitMS, s.Waiting, s.Holding)
		return

	case "tap_hold_resolved":
		var r tapHoldResolved
		if err := json.Unmarshal(env.Data, &r); err != nil {
			break
		}
		fmt.Printf("%s [%s] %s\n", ts, strings.ToUpper(r.Decision), r.Key)
		return

	case "key_state_changed":
		var k keyStateChanged
		if err := json.Unmarshal(env.Data, &k); err != nil {
			break
		}
		fmt.Printf("%s [KEY] %s %s -> %s\n", ts, k.Key, k.From, k.To)
		return

	case "layer_changed":
		var l layerChanged
		if err := json.Unmarshal(env.Data, &l); err != nil {
			break
		}
		fmt.Printf("%s [LAYER] %s\n", ts, strings.Join(l.Active, ","))
		return
	}

	fmt.Printf("%s [%s] %s\n", ts, env.Type, string(env.Data))
}
