package neuro

import "sync/atomic"

// ConnectionStatus is the user-visible connection status emitted on the
// event bus and returned by Connection.Open.
type ConnectionStatus uint32

const (
	// Unopened indicates Open has not completed, or was called out of order.
	Unopened ConnectionStatus = iota
	// Connected indicates the handshake succeeded and the session is live.
	Connected
	// AlreadyConnected indicates Open was called on a session that is already open.
	AlreadyConnected
	// NoDevice indicates the serial port could not be opened.
	NoDevice
	// Disconnected indicates the watchdog detected a loss and recovery is underway.
	Disconnected
	// Closed indicates the session was shut down.
	Closed
	// Failed indicates the session could not be established: the handshake
	// was rejected or ran out of attempts, or the connection workers failed
	// to start.
	Failed
)

func (s ConnectionStatus) String() string {
	switch s {
	case Unopened:
		return "unopened"
	case Connected:
		return "connected"
	case AlreadyConnected:
		return "already-connected"
	case NoDevice:
		return "no-device"
	case Disconnected:
		return "disconnected"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// StreamingStatus is the result of Connection.StartStreaming.
type StreamingStatus uint32

const (
	// NotStreaming indicates no streaming session is active.
	NotStreaming StreamingStatus = iota
	// Streaming indicates the streaming session started.
	Streaming
	// AlreadyStreaming indicates a streaming session was already active.
	AlreadyStreaming
	// ConnectionNotOpen indicates streaming was requested without a connected session.
	ConnectionNotOpen
)

func (s StreamingStatus) String() string {
	switch s {
	case NotStreaming:
		return "not-streaming"
	case Streaming:
		return "streaming"
	case AlreadyStreaming:
		return "already-streaming"
	case ConnectionNotOpen:
		return "connection-not-open"
	default:
		return "unknown"
	}
}

// SessionState is the internal session lifecycle state:
// Closed -> Opening -> Connected <-> Disconnected -> Closed.
type SessionState uint32

const (
	SessionClosed SessionState = iota
	SessionOpening
	SessionConnected
	SessionDisconnected
)

func (s SessionState) String() string {
	switch s {
	case SessionClosed:
		return "closed"
	case SessionOpening:
		return "opening"
	case SessionConnected:
		return "connected"
	case SessionDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// AtomicSessionState holds a SessionState with atomic transitions.
type AtomicSessionState struct {
	state atomic.Uint32
}

// Get returns the current state.
func (st *AtomicSessionState) Get() SessionState {
	return SessionState(st.state.Load())
}

// Set unconditionally sets the state.
func (st *AtomicSessionState) Set(s SessionState) {
	st.state.Store(uint32(s))
}

func (st *AtomicSessionState) IsClosed() bool       { return st.Get() == SessionClosed }
func (st *AtomicSessionState) IsOpening() bool      { return st.Get() == SessionOpening }
func (st *AtomicSessionState) IsConnected() bool    { return st.Get() == SessionConnected }
func (st *AtomicSessionState) IsDisconnected() bool { return st.Get() == SessionDisconnected }

// ToOpening transitions Closed -> Opening. Returns false if the session is
// not closed.
func (st *AtomicSessionState) ToOpening() bool {
	return st.state.CompareAndSwap(uint32(SessionClosed), uint32(SessionOpening))
}

// ToConnected transitions Opening or Disconnected -> Connected.
func (st *AtomicSessionState) ToConnected() bool {
	if st.state.CompareAndSwap(uint32(SessionOpening), uint32(SessionConnected)) {
		return true
	}

	return st.state.CompareAndSwap(uint32(SessionDisconnected), uint32(SessionConnected))
}

// ToDisconnected transitions Connected -> Disconnected.
func (st *AtomicSessionState) ToDisconnected() bool {
	return st.state.CompareAndSwap(uint32(SessionConnected), uint32(SessionDisconnected))
}

// ToClosed unconditionally transitions to Closed.
func (st *AtomicSessionState) ToClosed() {
	st.state.Store(uint32(SessionClosed))
}
