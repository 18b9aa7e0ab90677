package mux

import (
	"github.com/ThunderFocus/serial"
	"github.com/rs/zerolog"
)

// Forwarder is a serial.Listener that writes every line it receives to
// another connection.
type Forwarder struct {
	name   string
	target *serial.Connection
	log    zerolog.Logger
}

// NewForwarder returns a Forwarder writing to target. name identifies the
// direction in log output.
func NewForwarder(name string, target *serial.Connection, log zerolog.Logger) *Forwarder {
	return &Forwarder{name: name, target: target, log: log}
}

// Name returns the direction label.
func (f *Forwarder) Name() string { return f.name }

// OnMessage writes line to the target. Write failures are logged and the line
// is dropped.
func (f *Forwarder) OnMessage(line string) {
	if err := f.target.Println(line); err != nil {
		f.log.Warn().Err(err).Str("direction", f.name).Str("line", line).Msg("forward failed")
	}
}

// OnError logs errors reported by the source connection.
func (f *Forwarder) OnError(err error) {
	f.log.Error().Err(err).Str("direction", f.name).Msg("source connection error")
}
