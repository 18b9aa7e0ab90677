package config

import (
	"time"

	"github.com/ThunderFocus/serial"
	"github.com/ThunderFocus/serial/logging"
	"github.com/ThunderFocus/serial/mux"
)

const (
	// DefaultBridgePort is the TCP port of the command bridge.
	DefaultBridgePort = 5001

	DefaultLogLevel        = "info"
	DefaultLogMaxSizeMB    = 10
	DefaultLogMaxBackups   = 3
	DefaultMetricsInterval = time.Minute
)

// Default returns the built-in configuration. The serial port has no default.
func Default() Config {
	return Config{
		Serial: SerialConfig{
			BaudRate: serial.DefaultBaudRate.Int(),
		},
		Mux: MuxConfig{
			Timeout:   Duration(mux.DefaultTimeout),
			SocatPath: mux.DefaultSocatPath,
		},
		Bridge: BridgeConfig{
			Enabled: true,
			Port:    DefaultBridgePort,
			Admit:   AdmitLoopback,
		},
		Log: logging.Config{
			Level:      DefaultLogLevel,
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
		},
		MetricsInterval: Duration(DefaultMetricsInterval),
	}
}
