package bridge

import (
	"errors"
	"strings"

	"github.com/ThunderFocus/serial"
	json "github.com/goccy/go-json"
)

// Commands registered by RegisterSerial.
const (
	CmdRaw         = "Raw"
	CmdPort        = "Port"
	CmdMetrics     = "Metrics"
	CmdVirtualPort = "VirtualPort"
)

var errMissingParams = errors.New("missing parameters")

// RegisterSerial adds commands that expose conn directly:
//
//	Raw=<line>    writes the line to the device
//	Port          name of the serial port
//	Metrics       connection statistics as JSON
//	VirtualPort   exposed multiplexer port, when virtualPort is not nil
func RegisterSerial(b *Bridge, conn *serial.Connection, virtualPort func() string) {
	b.Handle(CmdRaw, func(cmd Command) (string, error) {
		if len(cmd.Params) == 0 {
			return "", errMissingParams
		}
		return "", conn.Println(strings.Join(cmd.Params, ","))
	})
	b.Handle(CmdPort, func(Command) (string, error) {
		return conn.PortName(), nil
	})
	b.Handle(CmdMetrics, func(Command) (string, error) {
		data, err := json.Marshal(conn.Metrics())
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
	if virtualPort != nil {
		b.Handle(CmdVirtualPort, func(Command) (string, error) {
			return virtualPort(), nil
		})
	}
}
