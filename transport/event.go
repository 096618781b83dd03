package transport

// EventType identifies what happened on a connection or substream.
type EventType uint8

const (
	// EventOpened: a single-stream connection is established.
	EventOpened EventType = iota + 1
	// EventHandshake: a multi-stream connection produced its handshake
	// metadata and is now open.
	EventHandshake
	// EventReset: the connection failed or was closed by the remote.
	EventReset
	// EventMessage: data arrived on the connection or a substream.
	EventMessage
	// EventWritable: send capacity may have been freed.
	EventWritable
	// EventSubstreamArrived: the remote opened a substream. Always posted
	// before any other event that references the substream.
	EventSubstreamArrived
	// EventSubstreamOpened: a substream became usable.
	EventSubstreamOpened
	// EventSubstreamReset: a substream closed.
	EventSubstreamReset
)

func (t EventType) String() string {
	switch t {
	case EventOpened:
		return "opened"
	case EventHandshake:
		return "handshake"
	case EventReset:
		return "reset"
	case EventMessage:
		return "message"
	case EventWritable:
		return "writable"
	case EventSubstreamArrived:
		return "substream-arrived"
	case EventSubstreamOpened:
		return "substream-opened"
	case EventSubstreamReset:
		return "substream-reset"
	default:
		return "unknown"
	}
}

// Event is one transport occurrence.
type Event struct {
	Type EventType
	Conn uint32
	// Stream is the substream id for multi-stream connections.
	Stream uint32
	// Outbound is set on substream events for locally opened substreams.
	Outbound bool
	// Data holds received bytes for EventMessage and the handshake
	// metadata for EventHandshake. Owned by the receiver.
	Data   []byte
	Reason string
}

// Sink receives events from adapters. Post may be called from any goroutine
// and must not block for long.
type Sink interface {
	Post(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Post calls f(ev).
func (f SinkFunc) Post(ev Event) { f(ev) }

// SingleStream is a connection with exactly one implicit bidirectional stream.
type SingleStream interface {
	// Send queues data. The adapter copies it.
	Send(data []byte)
	// CloseSend half-closes the write side once queued data is flushed.
	CloseSend() error
	// Buffered returns the number of bytes queued but not yet accepted by
	// the underlying socket.
	Buffered() int
	// WriteClosable reports whether CloseSend is supported.
	WriteClosable() bool
	// Close tears the connection down without posting further events.
	Close()
}

// MultiStream is a connection whose data flows over substreams.
type MultiStream interface {
	// OpenSubstream starts opening a local substream and returns its id.
	// EventSubstreamOpened follows once it is usable.
	OpenSubstream() (uint32, error)
	Send(stream uint32, data []byte) error
	Buffered(stream uint32) int
	// ResetSubstream closes a substream without posting further events for it.
	ResetSubstream(stream uint32)
	// Close tears down every substream and the connection without posting
	// further events.
	Close()
}
