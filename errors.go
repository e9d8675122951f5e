package pgasync

import (
	"fmt"
)

// ServerError represents an error reported by the PostgreSQL backend through
// an ErrorResponse message. SQL carries the originating statement text when
// known, so callers can diagnose failures without protocol knowledge.
// See https://www.postgresql.org/docs/current/protocol-error-fields.html for
// detailed field description.
type ServerError struct {
	Severity string
	Code     string
	Message  string
	Detail   string
	Hint     string
	Position int32
	SQL      string
}

func (e *ServerError) Error() string {
	s := fmt.Sprintf("%s: %s (SQLSTATE %s)", e.Severity, e.Message, e.Code)
	if e.SQL != "" {
		s += fmt.Sprintf(" in %q", e.SQL)
	}
	return s
}

// Fatal reports whether the error poisons the whole connection rather than
// just the current command.
func (e *ServerError) Fatal() bool {
	return e.Severity == "FATAL" || e.Severity == "PANIC"
}

// WithSQL attaches the originating statement text to the error.
func (e *ServerError) WithSQL(sql string) *ServerError {
	e.SQL = sql
	return e
}

// ConnError represents a connection-scoped failure: transport errors,
// authentication failures and protocol desyncs. Every command pending on the
// connection at the time of failure is rejected with the same ConnError.
type ConnError struct {
	Reason string
	Cause  error
}

func (e *ConnError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection %s: %s", e.Reason, e.Cause)
	}
	return "connection " + e.Reason
}

func (e *ConnError) Unwrap() error { return e.Cause }

// connFailed wraps a cause into a ConnError with a short reason phrase.
func connFailed(reason string, cause error) *ConnError {
	return &ConnError{Reason: reason, Cause: cause}
}
