package main

import (
	"fmt"
	"strings"

	evdev "github.com/holoplot/go-evdev"

	"keybrainz/taphold"
)

// canonicalKeyNames maps codes back to a canonical name. Where the kernel header
// defines aliases for one code, the shortest name wins (ties: alphabetical).
var canonicalKeyNames = func() map[taphold.KeyCode]string {
	names := make(map[taphold.KeyCode]string, len(evdev.KEYFromString))
	for name, code := range evdev.KEYFromString {
		c := taphold.KeyCode(code)
		prev, ok := names[c]
		if !ok || len(name) < len(prev) || (len(name) == len(prev) && name < prev) {
			names[c] = name
		}
	}
	return names
}()

// parseKeyName accepts "KEY_A", "key_a" or "a".
func parseKeyName(s string) (taphold.KeyCode, error) {
	n := strings.ToUpper(strings.TrimSpace(s))
	if n == "" {
		return 0, fmt.Errorf("empty key name")
	}
	if !strings.HasPrefix(n, "KEY_") {
		n = "KEY_" + n
	}
	code, ok := evdev.KEYFromString[n]
	if !ok {
		return 0, fmt.Errorf("unknown key name %q", s)
	}
	return taphold.KeyCode(code), nil
}

func keyName(code taphold.KeyCode) string {
	if n, ok := canonicalKeyNames[code]; ok {
		return n
	}
	return fmt.Sprintf("KEY_%d", code)
}

// parseEffect parses an effect string:
//
//	KEY_X          emit key X
//	toggle:<layer> toggle a layer on press
//	layer:<layer>  activate a layer while held
func parseEffect(s string, layerIndex map[string]int) (taphold.Effect, error) {
	kind, name, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found {
		code, err := parseKeyName(s)
		if err != nil {
			return taphold.Effect{}, err
		}
		return taphold.KeyEffect(code), nil
	}

	idx, ok := layerIndex[name]
	if !ok {
		return taphold.Effect{}, fmt.Errorf("effect %q: unknown layer %q", s, name)
	}
	if idx == 0 {
		return taphold.Effect{}, fmt.Errorf("effect %q: base layer cannot be switched", s)
	}

	switch strings.ToLower(kind) {
	case "toggle":
		return taphold.ToggleLayerEffect(idx), nil
	case "layer":
		return taphold.MomentaryLayerEffect(idx), nil
	default:
		return taphold.Effect{}, fmt.Errorf("effect %q: unknown kind %q (want toggle or layer)", s, kind)
	}
}
