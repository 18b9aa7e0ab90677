package mux

import (
	"errors"
	"runtime"

	"github.com/rs/zerolog"
)

var (
	// ErrUnsupportedPlatform is returned when no port pair provider exists
	// for the host operating system.
	ErrUnsupportedPlatform = errors.New("mux: virtual port pairs are not supported on this platform")

	// ErrIllegalPortCount is returned when the native driver creates a number
	// of virtual ports other than two.
	ErrIllegalPortCount = errors.New("mux: native driver must create exactly two virtual ports")
)

// PortPair is the two ends of a virtual null-modem link.
type PortPair struct {
	Port1 string
	Port2 string
}

// PortPairProvider creates a linked pair of virtual serial ports.
//
// Start runs on its own goroutine and blocks for the lifetime of the pair; it
// returns early with an error when the pair cannot be created. Ports reports
// the pair once both names are known. Close tears the pair down and makes a
// running Start return.
type PortPairProvider interface {
	Start() error
	Ports() (PortPair, bool)
	Close() error
}

// hostOS is replaced by tests.
var hostOS = runtime.GOOS

// DefaultProvider returns the provider for the host operating system.
func DefaultProvider(log zerolog.Logger) (PortPairProvider, error) {
	switch hostOS {
	case "linux":
		return NewSocatProvider(WithSocatLogger(log)), nil
	case "windows":
		return NewNativeProvider(defaultNativeDriver()), nil
	default:
		return nil, ErrUnsupportedPlatform
	}
}
