// Package state implements the Bolt server-state manager: a tiny
// machine keyed by (current state, request name, SUCCESS metadata)
// that tracks the abstract server state for one connection (spec
// §3, §4.4).
package state

import "log/slog"

// State is one of the server states a connection can observe.
type State int

const (
	// Connected is the initial state, before HELLO succeeds.
	Connected State = iota
	Ready
	Streaming
	TxReady
	TxStreaming
	Failed
	Defunct
)

func (s State) String() string {
	switch s {
	case Connected:
		return "CONNECTED"
	case Ready:
		return "READY"
	case Streaming:
		return "STREAMING"
	case TxReady:
		return "TX_READY"
	case TxStreaming:
		return "TX_STREAMING"
	case Failed:
		return "FAILED"
	case Defunct:
		return "DEFUNCT"
	default:
		return "UNKNOWN"
	}
}

// Manager tracks the current State and fires OnChange only when a
// transition actually changes it (spec §4.4).
type Manager struct {
	state    State
	logger   *slog.Logger
	OnChange func(old, new State)
}

// NewManager returns a Manager starting in Connected.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{state: Connected, logger: logger}
}

// State returns the current state.
func (m *Manager) State() State {
	return m.state
}

// set transitions to next, firing OnChange iff it differs from the
// current state.
func (m *Manager) set(next State) {
	if next == m.state {
		return
	}
	old := m.state
	m.state = next
	if m.logger != nil {
		m.logger.Debug("bolt: server state transition", "from", old.String(), "to", next.String())
	}
	if m.OnChange != nil {
		m.OnChange(old, next)
	}
}

// Transition applies the state table from spec §4.4 for one summary
// reply: request is the lower-cased request name ("hello", "run",
// "begin", "pull", "discard", "commit", "rollback", "reset", ...);
// hasMore is the `has_more` field from a SUCCESS reply's metadata
// (irrelevant for other requests).
func (m *Manager) Transition(request string, hasMore bool) {
	switch m.state {
	case Connected:
		if request == "hello" {
			m.set(Ready)
		}
	case Ready:
		switch request {
		case "run":
			m.set(Streaming)
		case "begin":
			m.set(TxReady)
		case "reset":
			m.set(Ready)
		}
	case Streaming:
		switch request {
		case "pull", "discard":
			if hasMore {
				m.set(Streaming)
			} else {
				m.set(Ready)
			}
		case "reset":
			m.set(Ready)
		}
	case TxReady:
		switch request {
		case "run":
			m.set(TxStreaming)
		case "commit", "rollback":
			m.set(Ready)
		case "reset":
			m.set(Ready)
		}
	case TxStreaming:
		switch request {
		case "pull", "discard":
			if hasMore {
				m.set(TxStreaming)
			} else {
				m.set(TxReady)
			}
		case "commit", "rollback":
			m.set(Ready)
		case "reset":
			m.set(Ready)
		}
	case Failed:
		if request == "reset" {
			m.set(Ready)
		} else if m.logger != nil {
			m.logger.Debug("bolt: ignoring request while FAILED", "request", request)
		}
		// Unexpected transitions while FAILED are logged but not fatal
		// (spec §4.4): anything other than RESET is simply ignored here.
	}
}

// Fail forces the FAILED state on receipt of a FAILURE summary (spec
// §4.4: "any: (FAILURE received) -> FAILED"). FAILED is only ever
// cleared by a subsequent RESET (handled by Transition).
func (m *Manager) Fail() {
	m.set(Failed)
}

// Defunct forces the terminal DEFUNCT state; no further transitions
// are meaningful once set.
func (m *Manager) Defunct() {
	m.set(Defunct)
}
