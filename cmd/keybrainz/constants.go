package main

// Linux input event types and codes (from <linux/input.h>)
const (
	EV_SYN = 0x00
	EV_KEY = 0x01

	SYN_REPORT = 0

	keyMax = 0x2ff

	// EVIOCGRAB = _IOW('E', 0x90, int)
	eviocgrab = 0x40044590
)

// Identity of the virtual output keyboard.
const (
	busVirtual      = 0x06
	outputVendorID  = 0x4b42 // "KB"
	outputProductID = 0x0001
)

const (
	defaultOutputName  = "keybrainz virtual keyboard"
	defaultWaitMS      = 200
	defaultSocketPath  = "/tmp/keybrainz.sock"
	defaultHTTPAddr    = "127.0.0.1:8088"
	defaultEventBuffer = 64

	// epollTimeoutMS bounds how long the reader blocks before rechecking for shutdown.
	epollTimeoutMS = 250

	// ipcReplyTimeout bounds how long an IPC client waits for the daemon loop.
	ipcReplyTimeoutMS = 1000
)
