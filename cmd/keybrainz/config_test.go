package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"keybrainz/taphold"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keybrainz.yml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const homeRowConfig = `
taphold:
  wait_ms: 180
layers:
  - name: base
    keys:
      a: {tap: a, hold: leftctrl}
      space: {tap: space, hold: "layer:nav"}
      capslock: esc
      KEY_RIGHTALT: "toggle:nav"
  - name: nav
    keys:
      h: left
      l: {key: right}
`

func TestLoadConfigFile_BindingForms(t *testing.T) {
	cfg, err := LoadConfigFile(writeConfig(t, homeRowConfig))
	if err != nil {
		t.Fatalf("LoadConfigFile failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	// Defaults survive for sections the file does not mention.
	if !cfg.Input.Grab || cfg.IPC.SocketPath != defaultSocketPath || cfg.Output.Name != defaultOutputName {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if got := cfg.WaitPeriod(); got != 180*time.Millisecond {
		t.Fatalf("WaitPeriod=%v, want 180ms", got)
	}

	ls, err := cfg.BuildLayers()
	if err != nil {
		t.Fatalf("BuildLayers failed: %v", err)
	}
	if len(ls) != 2 || ls[0].Name != "base" || ls[1].Name != "nav" {
		t.Fatalf("unexpected layers: %+v", ls)
	}

	base := ls[0].Keys
	if got, want := base[kA], (taphold.TapHold{Tap: taphold.KeyEffect(kA), Hold: taphold.KeyEffect(kLeftCtrl)}); got != want {
		t.Fatalf("a binding=%v, want %v", got, want)
	}
	if got, want := base[kSpace], (taphold.TapHold{Tap: taphold.KeyEffect(kSpace), Hold: taphold.MomentaryLayerEffect(1)}); got != want {
		t.Fatalf("space binding=%v, want %v", got, want)
	}
	if got, want := base[kCapsLock], (taphold.Simple{Effect: taphold.KeyEffect(1)}); got != want {
		t.Fatalf("capslock binding=%v, want %v", got, want)
	}
	if got, want := base[100], (taphold.Simple{Effect: taphold.ToggleLayerEffect(1)}); got != want {
		t.Fatalf("rightalt binding=%v, want %v", got, want)
	}
	if got, want := ls[1].Keys[kH], (taphold.Simple{Effect: taphold.KeyEffect(kLeft)}); got != want {
		t.Fatalf("nav h binding=%v, want %v", got, want)
	}
	if got, want := ls[1].Keys[38], (taphold.Simple{Effect: taphold.KeyEffect(106)}); got != want {
		t.Fatalf("nav l binding=%v, want %v", got, want)
	}
}

func TestLoadConfigFile_Rejects(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "unknown top-level field",
			body: "tap_hold:\n  wait_ms: 100\n",
			want: "tap_hold",
		},
		{
			name: "unknown binding field",
			body: "layers:\n  - name: base\n    keys:\n      a: {tap: a, hodl: b}\n",
			want: "hodl",
		},
		{
			name: "trailing document",
			body: "taphold:\n  wait_ms: 100\n---\ntaphold:\n  wait_ms: 200\n",
			want: "trailing document",
		},
		{
			name: "sequence binding",
			body: "layers:\n  - name: base\n    keys:\n      a: [a, b]\n",
			want: "key binding",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfigFile(writeConfig(t, tc.body))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadConfigFile_Empty(t *testing.T) {
	cfg, err := LoadConfigFile(writeConfig(t, "# nothing here\n"))
	if err != nil {
		t.Fatalf("LoadConfigFile failed: %v", err)
	}
	if cfg.TapHold.WaitMS != defaultWaitMS || !cfg.Input.Grab {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadConfigFile_Missing(t *testing.T) {
	if _, err := LoadConfigFile(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"wait zero", func(c *Config) { c.TapHold.WaitMS = 0 }, "wait_ms"},
		{"wait one second", func(c *Config) { c.TapHold.WaitMS = 1000 }, "wait_ms"},
		{"negative tick", func(c *Config) { c.TapHold.TickMS = -1 }, "tick_ms"},
		{"empty device", func(c *Config) { c.Input.Devices = []string{""} }, "input.devices[0]"},
		{"empty output name", func(c *Config) { c.Output.Name = "" }, "output.name"},
		{"empty socket", func(c *Config) { c.IPC.SocketPath = "" }, "socket_path"},
		{"bad log level", func(c *Config) { c.Logging.Level = "chatty" }, "logging.level"},
		{"key and tap", func(c *Config) {
			c.Layers = []LayerConfig{{Name: "base", Keys: map[string]KeyBinding{"a": {Key: "b", Tap: "a"}}}}
		}, "not both"},
		{"tap without hold", func(c *Config) {
			c.Layers = []LayerConfig{{Name: "base", Keys: map[string]KeyBinding{"a": {Tap: "a"}}}}
		}, "both be set"},
		{"unknown key", func(c *Config) {
			c.Layers = []LayerConfig{{Name: "base", Keys: map[string]KeyBinding{"notakey": {Key: "a"}}}}
		}, "unknown key name"},
		{"unknown layer", func(c *Config) {
			c.Layers = []LayerConfig{{Name: "base", Keys: map[string]KeyBinding{"a": {Key: "layer:nav"}}}}
		}, "unknown layer"},
		{"base toggle", func(c *Config) {
			c.Layers = []LayerConfig{{Name: "base", Keys: map[string]KeyBinding{"a": {Key: "toggle:base"}}}}
		}, "base layer"},
		{"duplicate layer", func(c *Config) {
			c.Layers = []LayerConfig{{Name: "base"}, {Name: "base"}}
		}, "duplicate"},
		{"alias bound twice", func(c *Config) {
			c.Layers = []LayerConfig{{Name: "base", Keys: map[string]KeyBinding{"a": {Key: "b"}, "KEY_A": {Key: "c"}}}}
		}, "bound twice"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}

	cfg := DefaultConfig()
	cfg.Output.Name = ""
	cfg.Output.DryRun = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("dry run without output name must be valid: %v", err)
	}
}

func TestBuildLayers_Empty(t *testing.T) {
	cfg := DefaultConfig()
	ls, err := cfg.BuildLayers()
	if err != nil {
		t.Fatalf("BuildLayers failed: %v", err)
	}
	if len(ls) != 1 || ls[0].Name != "base" || len(ls[0].Keys) != 0 {
		t.Fatalf("expected a lone empty base layer, got %+v", ls)
	}
}

func TestFlagOverridesApply(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Input.Devices = []string{"/dev/input/event3"}

	devs := []string{}
	grab := false
	wait := 150
	tick := 0
	level := "debug"
	listen := ""
	FlagOverrides{
		Devices:    &devs,
		Grab:       &grab,
		WaitMS:     &wait,
		TickMS:     &tick,
		LogLevel:   &level,
		HTTPListen: &listen,
	}.Apply(&cfg)

	if len(cfg.Input.Devices) != 0 {
		t.Fatalf("devices override not applied: %v", cfg.Input.Devices)
	}
	if cfg.Input.Grab {
		t.Fatalf("grab=false override not applied")
	}
	if cfg.TapHold.WaitMS != 150 || cfg.Logging.Level != "debug" || cfg.HTTP.Listen != "" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	// Untouched values keep their defaults.
	if cfg.Output.Name != defaultOutputName || cfg.IPC.SocketPath != defaultSocketPath {
		t.Fatalf("unrelated fields changed: %+v", cfg)
	}

	FlagOverrides{}.Apply(nil)
}

func TestParseKeyName(t *testing.T) {
	for _, s := range []string{"KEY_A", "key_a", "a", " A "} {
		code, err := parseKeyName(s)
		if err != nil {
			t.Fatalf("parseKeyName(%q) failed: %v", s, err)
		}
		if code != kA {
			t.Fatalf("parseKeyName(%q)=%d, want %d", s, code, kA)
		}
	}
	for _, s := range []string{"", "KEY_", "nope"} {
		if _, err := parseKeyName(s); err == nil {
			t.Fatalf("parseKeyName(%q) expected error", s)
		}
	}

	if got := keyName(kLeftCtrl); got != "KEY_LEFTCTRL" {
		t.Fatalf("keyName(29)=%q", got)
	}
	if got := keyName(0x2fe); got != "KEY_766" {
		t.Fatalf("keyName(0x2fe)=%q", got)
	}
}

func TestParseEffect(t *testing.T) {
	idx := map[string]int{"base": 0, "nav": 1}

	cases := []struct {
		in   string
		want taphold.Effect
	}{
		{"esc", taphold.KeyEffect(1)},
		{"toggle:nav", taphold.ToggleLayerEffect(1)},
		{"layer:nav", taphold.MomentaryLayerEffect(1)},
		{"LAYER:nav", taphold.MomentaryLayerEffect(1)},
	}
	for _, tc := range cases {
		got, err := parseEffect(tc.in, idx)
		if err != nil {
			t.Fatalf("parseEffect(%q) failed: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parseEffect(%q)=%v, want %v", tc.in, got, tc.want)
		}
	}

	for _, s := range []string{"toggle:base", "layer:missing", "shift:nav", "nokey"} {
		if _, err := parseEffect(s, idx); err == nil {
			t.Fatalf("parseEffect(%q) expected error", s)
		}
	}
}
