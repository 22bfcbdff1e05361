package client

// EventKind discriminates the Event sum type surfaced to callers.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventError
	EventTextMessage
	EventWarning
)

// Event is the engine's observable event stream (spec §4.1 public contract).
// Only the fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	// EventConnected
	VirtualServerName string

	// EventDisconnected
	Reason string

	// EventError
	ErrorKind ErrorKind
	Detail    string

	// EventTextMessage
	Mode        int
	Text        string
	InvokerName string
	InvokerID   uint16

	// EventWarning
	Warning string
}
