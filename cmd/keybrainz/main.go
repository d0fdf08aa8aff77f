package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"keybrainz/layers"
	"keybrainz/taphold"
)

const version = "0.3.0"

func printVersion() {
	fmt.Printf("keybrainz v%s\n", version)
	fmt.Println("Tap-hold keyboard remapping daemon")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  keybrainz [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Reads physical keyboards, decides for every tap-hold key whether it was")
	fmt.Println("  tapped or held, and writes the remapped stream to a virtual keyboard.")
	fmt.Println("  A tap-hold key becomes a hold when another key is pressed after the")
	fmt.Println("  wait period has elapsed; otherwise it is a tap.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        YAML config file (flags below override its values)")
	fmt.Println()
	fmt.Println("  -device string")
	fmt.Println("        Comma-separated input devices (default: every keyboard found)")
	fmt.Println()
	fmt.Println("  -grab")
	fmt.Println("        Grab input devices exclusively (default true)")
	fmt.Println()
	fmt.Println("  -output-name string")
	fmt.Printf("        Name of the virtual output keyboard (default %q)\n", defaultOutputName)
	fmt.Println()
	fmt.Println("  -dry-run")
	fmt.Println("        Log output events instead of creating a uinput device")
	fmt.Println()
	fmt.Println("  -wait-ms int")
	fmt.Printf("        Tap-hold wait period in ms, 1..999 (default %d)\n", defaultWaitMS)
	fmt.Println()
	fmt.Println("  -tick-ms int")
	fmt.Println("        Promote holds on a timer every N ms; 0 resolves on input only (default 0)")
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Printf("        Unix domain socket path for IPC (default %q)\n", defaultSocketPath)
	fmt.Println()
	fmt.Println("  -http-listen string")
	fmt.Printf("        Address for /ws and /status; empty disables (default %q)\n", defaultHTTPAddr)
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -list-devices")
	fmt.Println("        List input devices and exit")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Home-row control on A, dry run")
	fmt.Println("  keybrainz -config ~/.config/keybrainz.yml -dry-run -log-level debug")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Requires access to /dev/input/event* and /dev/uinput")
	fmt.Println("    (run as root or add the user to the 'input' group with a uinput rule)")
	fmt.Println()
}

func main() {
	var (
		configPath  = flag.String("config", "", "YAML config file")
		device      = flag.String("device", "", "Comma-separated input devices (default: autodetect keyboards)")
		grab        = flag.Bool("grab", true, "Grab input devices exclusively")
		outputName  = flag.String("output-name", defaultOutputName, "Name of the virtual output keyboard")
		dryRun      = flag.Bool("dry-run", false, "Log output events instead of creating a uinput device")
		waitMS      = flag.Int("wait-ms", defaultWaitMS, "Tap-hold wait period in milliseconds")
		tickMS      = flag.Int("tick-ms", 0, "Hold promotion tick in milliseconds (0 disables)")
		ipcSocket   = flag.String("ipc-socket", defaultSocketPath, "Unix domain socket path for IPC")
		httpListen  = flag.String("http-listen", defaultHTTPAddr, "HTTP listen address for /ws and /status (empty disables)")
		logLevelStr = flag.String("log-level", "info", "Log level: error, warn, info, debug")
		listDevices = flag.Bool("list-devices", false, "List input devices and exit")
		showVersion = flag.Bool("version", false, "Print version and exit")
		showHelp    = flag.Bool("help", false, "Print help message")
	)

	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		printVersion()
		return
	}
	if *listDevices {
		if err := printInputDevices(os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Only flags given on the command line override the file.
	var o FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "device":
			devs := splitList(*device)
			o.Devices = &devs
		case "grab":
			o.Grab = grab
		case "output-name":
			o.OutputName = outputName
		case "dry-run":
			o.DryRun = dryRun
		case "wait-ms":
			o.WaitMS = waitMS
		case "tick-ms":
			o.TickMS = tickMS
		case "ipc-socket":
			o.IPCSocketPath = ipcSocket
		case "http-listen":
			o.HTTPListen = httpListen
		case "log-level":
			o.LogLevel = logLevelStr
		}
	})
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error: invalid config:", err)
		os.Exit(1)
	}

	logLevel, _ := parseLogLevel(cfg.Logging.Level)
	logger, levelVar := setupLogger(os.Stderr, logLevel)

	if err := run(cfg, levelVar, logger); err != nil {
		var cv *taphold.ContractViolationError
		if errors.As(err, &cv) {
			logger.Error("input stream broke the tap-hold contract", "key", keyName(cv.Code), "phase", cv.Phase.String(), "value", cv.Value.String())
		}
		logger.Error("keybrainz stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, levelVar *slog.LevelVar, logger *slog.Logger) error {
	layerList, err := cfg.BuildLayers()
	if err != nil {
		return err
	}
	keymap, err := layers.New(layerList)
	if err != nil {
		return fmt.Errorf("build keymap: %w", err)
	}
	engine := taphold.NewManager(taphold.WithWaitPeriod(cfg.WaitPeriod()))
	pipeline := NewPipeline(keymap, engine, logger)

	var inj Injector
	if cfg.Output.DryRun {
		inj = logInjector{logger: logger}
	} else {
		u, err := newUinputInjector(cfg.Output.Name)
		if err != nil {
			return err
		}
		inj = u
	}
	defer inj.Close()

	paths := cfg.Input.Devices
	if len(paths) == 0 {
		paths, err = findKeyboards(cfg.Output.Name)
		if err != nil {
			return err
		}
	}
	files, err := openInputDevices(paths, cfg.Input.Grab, logger)
	if err != nil {
		return err
	}
	defer closeInputDevices(files, cfg.Input.Grab, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	events := make(chan Event, defaultEventBuffer)
	raw := make(chan deviceEvent, defaultEventBuffer)

	var broadcasts chan StateBroadcast
	if cfg.HTTP.Listen != "" {
		broadcasts = make(chan StateBroadcast, 128)

		srv := NewServer(logger, events, ServerConfig{})
		mux := http.NewServeMux()
		srv.Register(mux)

		g.Go(func() error {
			srv.Hub().Run(gctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(gctx, srv.Hub(), broadcasts, logger)
			return nil
		})
		g.Go(func() error {
			return runHTTPServer(gctx, cfg.HTTP.Listen, mux, logger)
		})
	}

	g.Go(func() error {
		return readInputEventsEpoll(gctx, files, raw, logger)
	})
	g.Go(func() error {
		forwardKeyEvents(gctx, raw, events, logger)
		return nil
	})
	g.Go(func() error {
		return runIPCServer(gctx, cfg.IPC.SocketPath, events, levelVar, logger)
	})
	g.Go(func() error {
		return runDaemon(gctx, events, pipeline, inj, broadcasts, cfg.TickInterval(), logger)
	})

	logger.Info("keybrainz running",
		"version", version,
		"devices", paths,
		"grab", cfg.Input.Grab,
		"layers", keymap.Len(),
		"wait", engine.WaitPeriod().String(),
		"tick", cfg.TickInterval().String(),
		"dry_run", cfg.Output.DryRun,
		"ipc", cfg.IPC.SocketPath,
		"http", cfg.HTTP.Listen)

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("shutting down")
	}
	return err
}

// forwardKeyEvents turns raw device events into daemon KeyInput events.
// Everything but EV_KEY with value 0, 1 or 2 is dropped here.
func forwardKeyEvents(ctx context.Context, raw <-chan deviceEvent, events chan<- Event, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-raw:
			kev, ok := ev.keyEvent()
			if !ok {
				if ev.Type == EV_KEY {
					logger.Debug("dropping key event with unknown value", "code", ev.Code, "value", ev.Value)
				}
				continue
			}
			select {
			case events <- KeyInput{Device: ev.Device, Event: kev}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
