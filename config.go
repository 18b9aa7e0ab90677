package serial

import "time"

// Config holds configuration for opening a serial port.
type Config struct {
	// PortName is the path to the serial device, e.g. /dev/ttyUSB0 or COM3.
	PortName string `json:"port" validate:"required,serialport"`

	BaudRate int `json:"baud_rate" validate:"baudrate"`

	// ReadTimeout is the underlying port read timeout. Zero blocks until data
	// arrives.
	ReadTimeout time.Duration `json:"read_timeout" validate:"gte=0"`
}
