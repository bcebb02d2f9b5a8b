package adapter

import (
	"errors"
	"fmt"
)

// ErrorKind classifies adapter failures so callers can branch without string
// matching.
type ErrorKind string

const (
	// KindConfig means the adapter cannot run at all: missing binary, missing
	// API key, bad endpoint.
	KindConfig ErrorKind = "config"
	// KindTransport means the agent process or connection failed mid-flight.
	KindTransport ErrorKind = "transport"
	// KindSchema means the agent produced output that violates the requested
	// output schema.
	KindSchema ErrorKind = "schema"
	// KindCancelled means the send was aborted by its context.
	KindCancelled ErrorKind = "cancelled"
)

// Error is the failure type returned by Adapter.Send.
type Error struct {
	Kind    ErrorKind
	AgentID string
	Err     error
}

func (e *Error) Error() string {
	if e.AgentID != "" {
		return fmt.Sprintf("agent %s: %s: %v", e.AgentID, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two adapter errors by kind, so errors.Is(err, &Error{Kind: k})
// works as a kind test.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == "" || other.Kind == e.Kind
}

func newError(kind ErrorKind, agentID string, err error) *Error {
	return &Error{Kind: kind, AgentID: agentID, Err: err}
}

func configError(agentID, format string, args ...any) *Error {
	return newError(KindConfig, agentID, fmt.Errorf(format, args...))
}

func transportError(agentID string, err error) *Error {
	return newError(KindTransport, agentID, err)
}

func cancelledError(agentID string) *Error {
	return newError(KindCancelled, agentID, errors.New("send aborted"))
}

// KindOf returns the kind of an adapter error, or "" for other errors.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// IsCancelled reports whether the error is a cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}
