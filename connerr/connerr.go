// Package connerr defines the error taxonomy shared by the serial, multiplexer
// and network layers.
//
// Every failure is tagged with a Kind drawn from a fixed enumeration. A Kind is
// itself an error, so callers can test for a category with errors.Is:
//
//	if errors.Is(err, connerr.NotConnected) { ... }
package connerr

import (
	"errors"
	"fmt"
)

// Kind is the category of a connection failure.
type Kind int

const (
	Unknown Kind = iota
	NotConnected
	AlreadyConnected
	Busy
	PortBusy
	PortNotFound
	HostNotFound
	Io
	Input
	Output
	Connection
	Timeout
	UnableToDisconnect
	Protocol
	NetworkError
	CancelledByUser
	RemoteFileNotFound
)

var kindNames = [...]string{
	Unknown:            "unknown",
	NotConnected:       "not connected",
	AlreadyConnected:   "already connected",
	Busy:               "busy",
	PortBusy:           "port busy",
	PortNotFound:       "port not found",
	HostNotFound:       "host not found",
	Io:                 "i/o error",
	Input:              "input error",
	Output:             "output error",
	Connection:         "connection error",
	Timeout:            "timeout",
	UnableToDisconnect: "unable to disconnect",
	Protocol:           "protocol error",
	NetworkError:       "network error",
	CancelledByUser:    "cancelled by user",
	RemoteFileNotFound: "remote file not found",
}

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Error makes a bare Kind usable as an errors.Is target.
func (k Kind) Error() string { return k.String() }

// Error is a tagged connection failure.
type Error struct {
	Kind Kind
	Msg  string // optional
	Err  error  // optional cause
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Msg != "" {
		s = e.Msg + " (" + s + ")"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the Kind of e, or an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind && (t.Msg == "" || t.Msg == e.Msg)
	}
	return false
}

// New returns an error of the given kind with a message and no cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap returns an error of the given kind carrying cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf returns the Kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Unknown
}
