package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"keybrainz/layers"
	"keybrainz/taphold"
)

// Config is the top-level YAML configuration for the keybrainz daemon.
//
// Defaults and validation live here so the rest of the code can assume a
// well-formed config. Flags only override individual values.
type Config struct {
	Input   InputConfig   `yaml:"input"`
	Output  OutputConfig  `yaml:"output"`
	TapHold TapHoldConfig `yaml:"taphold"`

	// Layers are listed bottom to top. The first one is the base layer.
	Layers []LayerConfig `yaml:"layers"`

	IPC     IPCConfig     `yaml:"ipc"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
}

type InputConfig struct {
	// Devices to read from. Empty means every keyboard found at startup.
	Devices []string `yaml:"devices,omitempty"`

	// Grab takes the devices exclusively (EVIOCGRAB) so only the remapped
	// output reaches the rest of the system.
	Grab bool `yaml:"grab"`
}

type OutputConfig struct {
	Name string `yaml:"name"`

	// DryRun logs the output instead of creating a uinput device.
	DryRun bool `yaml:"dry_run"`
}

type TapHoldConfig struct {
	WaitMS int `yaml:"wait_ms"`

	// TickMS enables periodic hold promotion. 0 keeps resolution purely
	// event-driven.
	TickMS int `yaml:"tick_ms"`
}

type LayerConfig struct {
	Name string                `yaml:"name"`
	Keys map[string]KeyBinding `yaml:"keys"`
}

// KeyBinding is either a single effect (`capslock: esc`) or a tap-hold pair
// (`a: {tap: a, hold: leftctrl}`).
type KeyBinding struct {
	Key  string `yaml:"key,omitempty"`
	Tap  string `yaml:"tap,omitempty"`
	Hold string `yaml:"hold,omitempty"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type HTTPConfig struct {
	// Listen is the address for /ws and /status. Empty disables the server.
	Listen string `yaml:"listen"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// UnmarshalYAML accepts the scalar shorthand as well as the mapping form.
// Unknown mapping keys are rejected like everywhere else in the file.
func (b *KeyBinding) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		*b = KeyBinding{Key: n.Value}
		return nil

	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			switch k := n.Content[i].Value; k {
			case "key", "tap", "hold":
			default:
				return fmt.Errorf("line %d: unknown binding field %q", n.Content[i].Line, k)
			}
		}
		type plain KeyBinding
		var p plain
		if err := n.Decode(&p); err != nil {
			return err
		}
		*b = KeyBinding(p)
		return nil

	default:
		return fmt.Errorf("line %d: key binding must be a key name or a mapping", n.Line)
	}
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		Input: InputConfig{
			Grab: true,
		},
		Output: OutputConfig{
			Name: defaultOutputName,
		},
		TapHold: TapHoldConfig{
			WaitMS: defaultWaitMS,
		},
		IPC: IPCConfig{
			SocketPath: defaultSocketPath,
		},
		HTTP: HTTPConfig{
			Listen: defaultHTTPAddr,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of the defaults.
// Unknown fields and trailing documents are rejected.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			// Empty file: defaults only.
			return cfg, nil
		}
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, errors.New("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides holds values set on the command line. A nil pointer means
// the flag was not given; a non-nil one is applied even if it is a zero value.
type FlagOverrides struct {
	Devices *[]string
	Grab    *bool

	OutputName *string
	DryRun     *bool

	WaitMS *int
	TickMS *int

	IPCSocketPath *string
	HTTPListen    *string

	LogLevel *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.Devices != nil {
		cfg.Input.Devices = append([]string(nil), (*o.Devices)...)
	}
	if o.Grab != nil {
		cfg.Input.Grab = *o.Grab
	}
	if o.OutputName != nil {
		cfg.Output.Name = *o.OutputName
	}
	if o.DryRun != nil {
		cfg.Output.DryRun = *o.DryRun
	}
	if o.WaitMS != nil {
		cfg.TapHold.WaitMS = *o.WaitMS
	}
	if o.TickMS != nil {
		cfg.TapHold.TickMS = *o.TickMS
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.HTTPListen != nil {
		cfg.HTTP.Listen = *o.HTTPListen
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Call it after defaults, file and overrides are applied.
func (c *Config) Validate() error {
	for i, dev := range c.Input.Devices {
		if dev == "" {
			return fmt.Errorf("input.devices[%d] is empty", i)
		}
	}

	if c.Output.Name == "" && !c.Output.DryRun {
		return errors.New("output.name must not be empty")
	}

	// Microseconds are only compared inside one second, so the wait must stay below it.
	if c.TapHold.WaitMS <= 0 || c.TapHold.WaitMS >= 1000 {
		return errors.New("taphold.wait_ms must be between 1 and 999")
	}
	if c.TapHold.TickMS < 0 {
		return errors.New("taphold.tick_ms must be >= 0")
	}

	if _, err := c.BuildLayers(); err != nil {
		return err
	}

	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	if c.Logging.Level == "" {
		return errors.New("logging.level must not be empty")
	}
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

func (c *Config) WaitPeriod() time.Duration {
	return time.Duration(c.TapHold.WaitMS) * time.Millisecond
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TapHold.TickMS) * time.Millisecond
}

// BuildLayers converts the layer section into the keymap's layer list.
// With no layers configured a lone empty base layer is returned.
func (c *Config) BuildLayers() ([]layers.Layer, error) {
	if len(c.Layers) == 0 {
		return []layers.Layer{{Name: "base"}}, nil
	}

	index := make(map[string]int, len(c.Layers))
	for i, lc := range c.Layers {
		if lc.Name == "" {
			return nil, fmt.Errorf("layers[%d].name must not be empty", i)
		}
		if _, dup := index[lc.Name]; dup {
			return nil, fmt.Errorf("layers[%d]: duplicate layer name %q", i, lc.Name)
		}
		index[lc.Name] = i
	}

	out := make([]layers.Layer, 0, len(c.Layers))
	for _, lc := range c.Layers {
		l := layers.Layer{Name: lc.Name, Keys: make(map[taphold.KeyCode]taphold.Action, len(lc.Keys))}
		for name, kb := range lc.Keys {
			code, err := parseKeyName(name)
			if err != nil {
				return nil, fmt.Errorf("layer %q: %w", lc.Name, err)
			}
			if _, dup := l.Keys[code]; dup {
				return nil, fmt.Errorf("layer %q: key %q bound twice", lc.Name, name)
			}
			a, err := kb.action(index)
			if err != nil {
				return nil, fmt.Errorf("layer %q key %q: %w", lc.Name, name, err)
			}
			l.Keys[code] = a
		}
		out = append(out, l)
	}
	return out, nil
}

func (b KeyBinding) action(layerIndex map[string]int) (taphold.Action, error) {
	switch {
	case b.Key != "" && (b.Tap != "" || b.Hold != ""):
		return nil, errors.New("use either key or tap+hold, not both")

	case b.Key != "":
		fx, err := parseEffect(b.Key, layerIndex)
		if err != nil {
			return nil, err
		}
		return taphold.Simple{Effect: fx}, nil

	case b.Tap != "" && b.Hold != "":
		tap, err := parseEffect(b.Tap, layerIndex)
		if err != nil {
			return nil, fmt.Errorf("tap: %w", err)
		}
		hold, err := parseEffect(b.Hold, layerIndex)
		if err != nil {
			return nil, fmt.Errorf("hold: %w", err)
		}
		return taphold.TapHold{Tap: tap, Hold: hold}, nil

	default:
		return nil, errors.New("tap and hold must both be set")
	}
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
