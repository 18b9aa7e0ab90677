package serial

import (
	"time"

	gobug "go.bug.st/serial"
)

// SerialPort abstracts the subset of go.bug.st/serial.Port used by this package.
type SerialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadTimeout(d time.Duration) error
}

// Opener opens the OS serial handle for a port name.
type Opener func(name string, mode *gobug.Mode) (SerialPort, error)

// bugstPort wraps the concrete serial.Port to satisfy SerialPort.
type bugstPort struct {
	gobug.Port
}

// openBugst is the default Opener backed by go.bug.st/serial.
func openBugst(name string, mode *gobug.Mode) (SerialPort, error) {
	p, err := gobug.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return &bugstPort{Port: p}, nil
}

// mode8N1 returns the line settings used for every connection:
// 8 data bits, no parity, 1 stop bit.
func mode8N1(baudRate int) *gobug.Mode {
	return &gobug.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   gobug.NoParity,
		StopBits: gobug.OneStopBit,
	}
}
