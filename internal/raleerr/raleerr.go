// Package raleerr defines the error taxonomy shared by every rale
// subsystem. Components return sentinel *Error values so callers can
// branch with errors.Is instead of string matching.
package raleerr

import "fmt"

// Kind classifies an Error without pinning it to a particular message.
type Kind string

const (
	ConfigInvalid       Kind = "ConfigInvalid"
	NotInitialized      Kind = "NotInitialized"
	AlreadyInitialized  Kind = "AlreadyInitialized"
	NetworkInit         Kind = "NetworkInit"
	SocketOp            Kind = "SocketOp"
	MessageTooLarge     Kind = "MessageTooLarge"
	InvalidNodeID       Kind = "InvalidNodeId"
	CapacityExceeded    Kind = "CapacityExceeded"
	AlreadyExists       Kind = "AlreadyExists"
	NotFound            Kind = "NotFound"
	NoLeader            Kind = "NoLeader"
	PersistError        Kind = "PersistError"
	Corrupt             Kind = "Corrupt"
	Oversize            Kind = "Oversize"
	InvalidParam        Kind = "InvalidParam"
	ShuttingDown        Kind = "ShuttingDown"
)

// Error is the concrete error type every package in this module returns.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, raleerr.NoLeader) work by comparing sentinel
// instances created with New(kind, "") as well as full errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an Error of the given kind with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an Error of the given kind around an underlying cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Sentinel values for errors.Is comparisons where no extra message is
// needed, e.g. errors.Is(err, raleerr.ErrNoLeader).
var (
	ErrNoLeader           = New(NoLeader, "no known leader")
	ErrNotFound           = New(NotFound, "key not found")
	ErrOversize           = New(Oversize, "key or value exceeds size limit")
	ErrShuttingDown       = New(ShuttingDown, "engine is shutting down")
	ErrNotInitialized     = New(NotInitialized, "engine not initialized")
	ErrAlreadyInitialized = New(AlreadyInitialized, "engine already initialized")
	ErrCapacityExceeded   = New(CapacityExceeded, "membership table at capacity")
	ErrAlreadyExists      = New(AlreadyExists, "peer already exists")
	ErrInvalidNodeID      = New(InvalidNodeID, "node id out of range")
)
