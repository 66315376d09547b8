package boltcode

import "fmt"

// The types below are never hydrated from a FAILURE message — they
// are raised by the driver itself (spec §7: "Protocol errors",
// "Connection errors", "Configuration errors", "Input validation
// errors"), mirroring original_source/neo4j/exceptions.py's separate
// DriverError tree.

// ProtocolError indicates a malformed frame, an unknown summary tag,
// or a failed RESET — the connection becomes defunct (spec §7).
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "bolt protocol error: " + e.Msg }

// NewProtocolError builds a ProtocolError with a formatted message.
func NewProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// ServiceUnavailable indicates a socket-level failure (OS error,
// timeout, unexpected EOF); the pool should deactivate the address
// (spec §7).
type ServiceUnavailable struct {
	Msg string
	Err error
}

func (e *ServiceUnavailable) Error() string {
	if e.Err != nil {
		return "service unavailable: " + e.Msg + ": " + e.Err.Error()
	}
	return "service unavailable: " + e.Msg
}

func (e *ServiceUnavailable) Unwrap() error { return e.Err }

// RoutingServiceUnavailable indicates no routing service could be
// reached (spec §11: original_source/neo4j/exceptions.py:354-357).
type RoutingServiceUnavailable struct{ *ServiceUnavailable }

// WriteServiceUnavailable indicates no writer could be reached (spec
// §11: original_source/neo4j/exceptions.py:359-362).
type WriteServiceUnavailable struct{ *ServiceUnavailable }

// ReadServiceUnavailable indicates no reader could be reached (spec
// §11: original_source/neo4j/exceptions.py:364-367).
type ReadServiceUnavailable struct{ *ServiceUnavailable }

// IncompleteCommit indicates the socket was lost while a COMMIT
// response was still outstanding, leaving the transaction's outcome
// unknown (spec §11: original_source/neo4j/exceptions.py:369-379).
// Unlike ServiceUnavailable this is never retriable: replaying an
// unresolved commit risks applying it twice.
type IncompleteCommit struct{ *ServiceUnavailable }

func (e *IncompleteCommit) IsRetriable() bool { return false }

// SessionExpired indicates the connection this session was bound to
// can no longer service it (e.g. it dropped from the routing table).
type SessionExpired struct {
	Msg string
}

func (e *SessionExpired) Error() string { return "session expired: " + e.Msg }

// ConfigurationError is raised synchronously, before any bytes are
// sent, for requests the negotiated protocol version cannot express
// (spec §7: e.g. impersonation requested on a version that lacks it).
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return "configuration error: " + e.Msg }

// AuthConfigurationError indicates a malformed auth token supplied to
// the driver itself, not a server-rejected one (spec §11:
// original_source/neo4j/exceptions.py:387-389).
type AuthConfigurationError struct{ *ConfigurationError }

// NewImpersonationUnsupportedError matches the original's exact
// phrasing for requesting imp_user on a protocol version below 4.4.
func NewImpersonationUnsupportedError(version string, impUser string) *ConfigurationError {
	return &ConfigurationError{
		Msg: fmt.Sprintf("Impersonation is not supported in Bolt Protocol %s. Trying to impersonate %q.", version, impUser),
	}
}

// InputValidationError is raised synchronously for malformed request
// arguments (spec §7: bookmarks not iterable, metadata not coercible,
// timeout not a number, timeout negative).
type InputValidationError struct {
	Msg string
}

func (e *InputValidationError) Error() string { return "input validation error: " + e.Msg }

// TransactionError is the base of transaction-lifecycle driver errors.
type TransactionError struct {
	Msg string
}

func (e *TransactionError) Error() string { return "transaction error: " + e.Msg }

// TransactionNestingError indicates an attempt to begin a transaction
// while one is already open on the same session.
//
// The original Python driver's TransactionNestingError.__init__ calls
// super(TransactionError, self).__init__(...) — a reference to
// TransactionError rather than TransactionNestingError, which skips
// TransactionNestingError's own place in the MRO and is almost
// certainly a latent bug (spec §9 Open Question). There is no
// equivalent mistake to make in Go's composition model, but
// NewTransactionNestingError is kept as an explicit constructor
// (rather than a bare struct literal) to document the fix: it always
// initializes TransactionNestingError itself, never bypasses it.
type TransactionNestingError struct {
	*TransactionError
}

// NewTransactionNestingError builds a TransactionNestingError whose
// message is set directly on the returned value, not on some other
// type further up the embedding chain.
func NewTransactionNestingError(msg string) *TransactionNestingError {
	return &TransactionNestingError{TransactionError: &TransactionError{Msg: msg}}
}
