// Package boltcode implements the Bolt server-error taxonomy: parsing
// a FAILURE's `code`/`message`, classifying it into the
// ClientError/TransientError/DatabaseError tree, and the handful of
// driver-level errors that are never server-side (spec §7).
package boltcode

import (
	"fmt"
	"strings"
)

// Classification is the top-level category parsed from a Neo.* code.
type Classification string

const (
	ClassificationClient    Classification = "ClientError"
	ClassificationTransient Classification = "TransientError"
	ClassificationDatabase  Classification = "DatabaseError"
)

// Neo4jError is a server-raised error hydrated from a FAILURE
// message's metadata (spec §4.6, §7).
type Neo4jError struct {
	Code           string
	Message        string
	Classification Classification
	Category       string
	Title          string
}

func (e *Neo4jError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// InvalidatesAllConnections reports whether this error means every
// pooled connection's auth should be considered stale (spec §4.6 step
// 5, §7: AuthorizationExpired "sets a flag invalidates_all_connections").
func (e *Neo4jError) InvalidatesAllConnections() bool {
	return e.Code == "Neo.ClientError.Security.AuthorizationExpired"
}

// Retriable is implemented by every error Hydrate returns.
type Retriable interface {
	error
	IsRetriable() bool
}

// IsFatalDuringDiscovery reports whether code must not be retried
// during routing-table bootstrap (spec §7 "Fatal-during-discovery").
func IsFatalDuringDiscovery(code string) bool {
	switch code {
	case "Neo.ClientError.Database.DatabaseNotFound",
		"Neo.ClientError.Transaction.InvalidBookmark",
		"Neo.ClientError.Transaction.InvalidBookmarkMixture":
		return true
	}
	return strings.HasPrefix(code, "Neo.ClientError.Security.") &&
		code != "Neo.ClientError.Security.AuthorizationExpired"
}

// Hydrate parses a FAILURE's code/message into a typed error,
// applying the reclassification rule and subclass lookup from spec
// §4.6 steps 2-4.
func Hydrate(code, message string) error {
	classification, category, title := parseCode(code)

	// Reclassification rule (spec §4.6 step 3): AuthorizationExpired
	// invalidates auth rather than indicating client fault.
	if code == "Neo.ClientError.Security.AuthorizationExpired" {
		classification = ClassificationTransient
	}

	base := &Neo4jError{
		Code:           code,
		Message:        message,
		Classification: classification,
		Category:       category,
		Title:          title,
	}

	if sub := lookupSubclass(code, base); sub != nil {
		return sub
	}

	switch classification {
	case ClassificationClient:
		return &ClientError{Neo4jError: base}
	case ClassificationTransient:
		return &TransientError{Neo4jError: base}
	default:
		return &DatabaseError{Neo4jError: base}
	}
}

// parseCode splits a code of the form Neo.<classification>.<category>.<title>.
// Malformed codes default to DatabaseError/General/UnknownError (spec §4.6
// step 2).
func parseCode(code string) (Classification, string, string) {
	parts := strings.Split(code, ".")
	if len(parts) != 4 || parts[0] != "Neo" {
		return ClassificationDatabase, "General", "UnknownError"
	}
	classification := Classification(parts[1])
	switch classification {
	case ClassificationClient, ClassificationTransient, ClassificationDatabase:
	default:
		return ClassificationDatabase, "General", "UnknownError"
	}
	return classification, parts[2], parts[3]
}

// lookupSubclass returns a named subclass instance for codes spec §7
// lists by name, wrapping base, or nil if code has no named subclass
// (the caller then uses the classification's base class).
func lookupSubclass(code string, base *Neo4jError) error {
	switch code {
	case "Neo.ClientError.Schema.ConstraintValidationFailed",
		"Neo.ClientError.Schema.ConstraintViolation":
		return &ConstraintError{Neo4jError: base}
	case "Neo.ClientError.Statement.SyntaxError",
		"Neo.ClientError.Statement.InvalidSyntax":
		return &CypherSyntaxError{Neo4jError: base}
	case "Neo.ClientError.Statement.TypeError",
		"Neo.ClientError.Statement.InvalidType":
		return &CypherTypeError{Neo4jError: base}
	case "Neo.ClientError.Security.Forbidden":
		return &Forbidden{Neo4jError: base}
	case "Neo.ClientError.Security.Unauthorized",
		"Neo.ClientError.Security.CredentialsExpired":
		return &AuthError{Neo4jError: base}
	case "Neo.ClientError.Security.TokenExpired":
		return &TokenExpired{AuthError: &AuthError{Neo4jError: base}}
	case "Neo.TransientError.General.DatabaseUnavailable":
		return &DatabaseUnavailable{Neo4jError: base}
	case "Neo.ClientError.Cluster.NotALeader",
		"Neo.ClientError.Cluster.NoLeader":
		return &NotALeader{Neo4jError: base}
	case "Neo.ClientError.General.ForbiddenOnReadOnlyDatabase":
		return &ForbiddenOnReadOnlyDatabase{Neo4jError: base}
	default:
		return nil
	}
}
