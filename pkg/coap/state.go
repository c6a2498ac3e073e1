package coap

// ContextState represents the lifecycle state of a Context.
type ContextState int

const (
	// ContextStateInitialized means the context is created but not open.
	ContextStateInitialized ContextState = iota

	// ContextStateOpen means the context runs its loop and accepts
	// messages and requests.
	ContextStateOpen

	// ContextStateShuttingDown means Shutdown() has been called.
	ContextStateShuttingDown

	// ContextStateClosed means the context has been shut down.
	ContextStateClosed
)

// String returns a human-readable name for the state.
func (s ContextState) String() string {
	switch s {
	case ContextStateInitialized:
		return "Initialized"
	case ContextStateOpen:
		return "Open"
	case ContextStateShuttingDown:
		return "ShuttingDown"
	case ContextStateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// IsRunning returns true if the context processes messages.
func (s ContextState) IsRunning() bool {
	return s == ContextStateOpen
}

// CanOpen returns true if Open() can be called in this state.
func (s ContextState) CanOpen() bool {
	return s == ContextStateInitialized
}

// CanShutdown returns true if Shutdown() has work to do in this state.
func (s ContextState) CanShutdown() bool {
	return s == ContextStateInitialized || s == ContextStateOpen
}
