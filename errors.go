package serial

import (
	"errors"

	"github.com/ThunderFocus/serial/connerr"
	gobug "go.bug.st/serial"
)

var (
	ErrListenerExists = errors.New("serial: listener already registered")
	ErrNilListener    = errors.New("serial: nil listener")
)

var (
	ErrMsgNotConnected     = "serial port not connected"
	ErrMsgAlreadyConnected = "serial port already connected"
)

// classifyOpenError maps a driver error returned while opening a port onto the
// connection error taxonomy.
func classifyOpenError(port string, err error) error {
	var pe *gobug.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case gobug.PortBusy:
			return connerr.Wrap(connerr.PortBusy, "cannot open "+port, err)
		case gobug.PortNotFound, gobug.InvalidSerialPort:
			return connerr.Wrap(connerr.PortNotFound, "cannot open "+port, err)
		}
	}
	return connerr.Wrap(connerr.Unknown, "cannot open "+port, err)
}

// classifyWriteError maps a driver write failure onto the taxonomy.
func classifyWriteError(err error) error {
	var pe *gobug.PortError
	if errors.As(err, &pe) && pe.Code() == gobug.PortBusy {
		return connerr.Wrap(connerr.Busy, "serial write", err)
	}
	return connerr.Wrap(connerr.Output, "serial write", err)
}
