package main

import (
	"fmt"
	"log/slog"
	"slices"

	evdev "github.com/holoplot/go-evdev"

	"keybrainz/taphold"
)

// Injector writes synthetic key events to the system.
type Injector interface {
	EmitKey(code taphold.KeyCode, value taphold.KeyValue) error
	Close() error
}

// uinputInjector owns a virtual keyboard created through /dev/uinput.
type uinputInjector struct {
	dev *evdev.InputDevice
}

func newUinputInjector(name string) (*uinputInjector, error) {
	var codes []evdev.EvCode
	for _, code := range evdev.KEYFromString {
		if code <= keyMax && !slices.Contains(codes, code) {
			codes = append(codes, code)
		}
	}
	slices.Sort(codes)

	dev, err := evdev.CreateDevice(name, evdev.InputID{
		BusType: busVirtual,
		Vendor:  outputVendorID,
		Product: outputProductID,
		Version: 1,
	}, map[evdev.EvType][]evdev.EvCode{
		evdev.EV_KEY: codes,
	})
	if err != nil {
		return nil, fmt.Errorf("create uinput device %q: %w (is the uinput module loaded?)", name, err)
	}
	return &uinputInjector{dev: dev}, nil
}

func (u *uinputInjector) EmitKey(code taphold.KeyCode, value taphold.KeyValue) error {
	if err := u.dev.WriteOne(&evdev.InputEvent{
		Type:  evdev.EV_KEY,
		Code:  evdev.EvCode(code),
		Value: int32(value),
	}); err != nil {
		return fmt.Errorf("write key %d: %w", code, err)
	}
	if err := u.dev.WriteOne(&evdev.InputEvent{
		Type: evdev.EV_SYN,
		Code: evdev.SYN_REPORT,
	}); err != nil {
		return fmt.Errorf("write syn: %w", err)
	}
	return nil
}

func (u *uinputInjector) Close() error { return u.dev.Close() }

// logInjector only logs. Used for -dry-run.
type logInjector struct {
	logger *slog.Logger
}

func (l logInjector) EmitKey(code taphold.KeyCode, value taphold.KeyValue) error {
	l.logger.Info("emit", "key", keyName(code), "code", code, "value", value.String())
	return nil
}

func (logInjector) Close() error { return nil }
