package boltcode

// The concrete types below mirror spec §7's named subclasses. Each
// embeds *Neo4jError for Code/Message/Category/Title access (TokenExpired
// through its embedded *AuthError, whose IsRetriable it inherits) and
// defines its own IsRetriable, because a handful of codes carry a
// classification in their wire text ("Neo.ClientError.Cluster.
// NotALeader") that does not match the family the error actually
// behaves as (TransientError, and therefore retriable) — the same
// quirk the original driver encodes by looking a ClientError-coded
// string up in a table that returns a TransientError subclass.

// ClientError is the base "not retriable" family (spec §7).
type ClientError struct{ *Neo4jError }

func (e *ClientError) IsRetriable() bool { return false }

// DatabaseError is always not retriable (spec §7).
type DatabaseError struct{ *Neo4jError }

func (e *DatabaseError) IsRetriable() bool { return false }

// TransientError is the generic retriable family, used when a code's
// classification is TransientError but it has no named subclass.
type TransientError struct{ *Neo4jError }

func (e *TransientError) IsRetriable() bool {
	switch e.Code {
	case "Neo.TransientError.Transaction.Terminated",
		"Neo.TransientError.Transaction.LockClientStopped":
		return false
	default:
		return true
	}
}

// ConstraintError: a Cypher constraint was violated. Not retriable.
type ConstraintError struct{ *Neo4jError }

func (e *ConstraintError) IsRetriable() bool { return false }

// CypherSyntaxError: the query failed to parse. Not retriable.
type CypherSyntaxError struct{ *Neo4jError }

func (e *CypherSyntaxError) IsRetriable() bool { return false }

// CypherTypeError: a Cypher type mismatch. Not retriable.
type CypherTypeError struct{ *Neo4jError }

func (e *CypherTypeError) IsRetriable() bool { return false }

// Forbidden: the operation is forbidden for this principal. Not retriable.
type Forbidden struct{ *Neo4jError }

func (e *Forbidden) IsRetriable() bool { return false }

// AuthError: authentication failed. Not retriable.
type AuthError struct{ *Neo4jError }

func (e *AuthError) IsRetriable() bool { return false }

// TokenExpired: the auth token has expired. Not retriable (distinct
// from AuthorizationExpired, which is reclassified transient).
type TokenExpired struct{ *AuthError }

// DatabaseUnavailable: TransientError family, retriable.
type DatabaseUnavailable struct{ *Neo4jError }

func (e *DatabaseUnavailable) IsRetriable() bool { return true }

// NotALeader: TransientError family despite a ClientError-coded
// status string; retriable (spec §7, scenario S4).
type NotALeader struct{ *Neo4jError }

func (e *NotALeader) IsRetriable() bool { return true }

// ForbiddenOnReadOnlyDatabase: TransientError family despite a
// ClientError-coded status string; retriable.
type ForbiddenOnReadOnlyDatabase struct{ *Neo4jError }

func (e *ForbiddenOnReadOnlyDatabase) IsRetriable() bool { return true }
