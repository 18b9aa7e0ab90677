// Package netport exposes a newline-delimited text protocol over TCP.
//
// Client and Server share a three-state lifecycle (Disconnected, Connecting,
// Connected). Connect and Close only check preconditions synchronously; the
// socket work happens on background goroutines and failures are reported to
// the handler's OnError. Every connection has exactly one writer goroutine fed
// by a bounded queue, so Print calls never block and are written in the order
// they were issued.
package netport

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ThunderFocus/serial/connerr"
	"go.uber.org/atomic"
)

// State is the lifecycle state of a Client or Server.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

const (
	DefaultQueueSize    = 256
	DefaultDialTimeout  = 5 * time.Second
	DefaultFlushTimeout = time.Second
)

// ErrNilHandler is returned by Connect when no handler was supplied.
var ErrNilHandler = errors.New("netport: nil handler")

// stateMachine holds a State with atomic transitions.
type stateMachine struct {
	v atomic.Int32
}

func (m *stateMachine) load() State { return State(m.v.Load()) }

func (m *stateMachine) store(s State) { m.v.Store(int32(s)) }

func (m *stateMachine) transition(from, to State) bool {
	return m.v.CompareAndSwap(int32(from), int32(to))
}

// beginConnect moves Disconnected to Connecting, or fails with
// AlreadyConnected when a connection exists or is being established.
func (m *stateMachine) beginConnect(what string) error {
	if !m.transition(Disconnected, Connecting) {
		return connerr.New(connerr.AlreadyConnected, what+" already connected")
	}
	return nil
}

func (m *stateMachine) requireConnected(what string) error {
	if m.load() != Connected {
		return connerr.New(connerr.NotConnected, what+" not connected")
	}
	return nil
}

// formatPayload renders the values accepted by Print.
func formatPayload(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int8:
		return strconv.FormatInt(int64(x), 10), nil
	case int16:
		return strconv.FormatInt(int64(x), 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	return "", connerr.New(connerr.Protocol, fmt.Sprintf("unsupported payload type %T", v))
}
