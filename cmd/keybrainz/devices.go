package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	evdev "github.com/holoplot/go-evdev"
	"golang.org/x/sys/unix"
)

// inputDeviceInfo describes one /dev/input/event* node.
type inputDeviceInfo struct {
	Path     string
	Name     string
	Keyboard bool
}

// scanInputDevices lists every input device and whether it looks like a
// keyboard (it can report both KEY_A and KEY_ENTER).
func scanInputDevices() ([]inputDeviceInfo, error) {
	paths, err := evdev.ListDevicePaths()
	if err != nil {
		return nil, fmt.Errorf("list input devices: %w", err)
	}

	var out []inputDeviceInfo
	for _, p := range paths {
		dev, err := evdev.Open(p.Path)
		if err != nil {
			continue
		}
		info := inputDeviceInfo{Path: p.Path, Name: p.Name}
		if name, err := dev.Name(); err == nil {
			info.Name = name
		}
		codes := dev.CapableEvents(evdev.EV_KEY)
		info.Keyboard = slices.Contains(codes, evdev.KEY_A) && slices.Contains(codes, evdev.KEY_ENTER)
		dev.Close()

		out = append(out, info)
	}
	return out, nil
}

// findKeyboards returns the paths of every keyboard except our own output
// device, which would otherwise feed its events back into the daemon.
func findKeyboards(outputName string) ([]string, error) {
	infos, err := scanInputDevices()
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, info := range infos {
		if !info.Keyboard || info.Name == outputName {
			continue
		}
		paths = append(paths, info.Path)
	}
	if len(paths) == 0 {
		return nil, errors.New("no keyboards found (run as root or add user to 'input' group)")
	}
	return paths, nil
}

func printInputDevices(w io.Writer) error {
	infos, err := scanInputDevices()
	if err != nil {
		return err
	}
	for _, info := range infos {
		kind := "other"
		if info.Keyboard {
			kind = "keyboard"
		}
		fmt.Fprintf(w, "%-22s %-9s %s\n", info.Path, kind, info.Name)
	}
	return nil
}

// openInputDevices opens the devices non-blocking for the epoll reader and,
// if grab is set, takes them exclusively. On error everything opened so far
// is closed again.
func openInputDevices(paths []string, grab bool, logger *slog.Logger) ([]*os.File, error) {
	files := make([]*os.File, 0, len(paths))
	for _, p := range paths {
		f, err := os.OpenFile(p, os.O_RDONLY|unix.O_NONBLOCK, 0)
		if err != nil {
			closeInputDevices(files, grab, logger)
			return nil, fmt.Errorf("open %s: %w", p, err)
		}
		if grab {
			if err := unix.IoctlSetInt(int(f.Fd()), eviocgrab, 1); err != nil {
				f.Close()
				closeInputDevices(files, grab, logger)
				return nil, fmt.Errorf("grab %s: %w", p, err)
			}
		}
		logger.Info("input device opened", "device", p, "grab", grab)
		files = append(files, f)
	}
	return files, nil
}

func closeInputDevices(files []*os.File, grabbed bool, logger *slog.Logger) {
	for _, f := range files {
		if grabbed {
			if err := unix.IoctlSetInt(int(f.Fd()), eviocgrab, 0); err != nil {
				logger.Debug("ungrab failed", "device", f.Name(), "error", err)
			}
		}
		_ = f.Close()
	}
}
