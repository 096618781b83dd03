package bridge

// Event is delivered to Config.OnEvent.
type Event interface {
	event()
}

// EventCrashed is raised once when the guest dies.
type EventCrashed struct {
	Message string
	// Task is the guest task that was executing, if it announced one.
	Task string
}

// EventExecutorShutdown is raised after a clean stop of the loop.
type EventExecutorShutdown struct{}

// EventJSONRPCResponses is raised when a chain's response queue becomes non-empty.
type EventJSONRPCResponses struct {
	ChainID uint32
}

func (EventCrashed) event()          {}
func (EventExecutorShutdown) event() {}
func (EventJSONRPCResponses) event() {}
