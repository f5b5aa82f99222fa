package player

// EventKind is a user-interface event relevant to playback.
type EventKind int

// Event kinds.
const (
	EventClose EventKind = iota
	EventQuit
	EventSeekForward
	EventSeekBackward
)

func (k EventKind) String() string {
	switch k {
	case EventClose:
		return "close"
	case EventQuit:
		return "quit"
	case EventSeekForward:
		return "seek-forward"
	case EventSeekBackward:
		return "seek-backward"
	default:
		return "unknown"
	}
}

// Event is one user-interface event.
type Event struct {
	Kind EventKind
}

// EventSource yields the events that arrived since the last poll. It must
// not block.
type EventSource interface {
	PollEvents() []Event
}

type noEvents struct{}

func (noEvents) PollEvents() []Event { return nil }
