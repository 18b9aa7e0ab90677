// Package config loads the daemon configuration.
//
// Precedence order (highest wins):
//  1. CLI flags (cmd/thunderfocusd)
//  2. THUNDERFOCUS_* environment variables (LoadFromEnv)
//  3. JSON config file (LoadFile)
//  4. Defaults (Default)
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ThunderFocus/serial"
	"github.com/ThunderFocus/serial/logging"
	"github.com/ThunderFocus/serial/netport"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
)

// Config is the complete daemon configuration.
type Config struct {
	Serial SerialConfig   `json:"serial"`
	Mux    MuxConfig      `json:"mux"`
	Bridge BridgeConfig   `json:"bridge"`
	Log    logging.Config `json:"log"`

	// MetricsInterval is how often connection statistics are logged. Zero
	// disables the report.
	MetricsInterval Duration `json:"metrics_interval" validate:"gte=0"`
}

// SerialConfig selects the physical device.
type SerialConfig struct {
	Port        string   `json:"port" validate:"required,serialport"`
	BaudRate    int      `json:"baud_rate" validate:"baudrate"`
	ReadTimeout Duration `json:"read_timeout" validate:"gte=0"`
}

// MuxConfig controls the virtual port multiplexer.
type MuxConfig struct {
	Enabled   bool     `json:"enabled"`
	Timeout   Duration `json:"timeout" validate:"gte=0"`
	SocatPath string   `json:"socat_path"`
}

// Admission policies for bridge clients.
const (
	AdmitAll       = "all"
	AdmitLoopback  = "loopback"
	AdmitLinkLocal = "linklocal"
	AdmitNetworks  = "networks"
)

// BridgeConfig controls the TCP command bridge.
type BridgeConfig struct {
	Enabled  bool     `json:"enabled"`
	Host     string   `json:"host" validate:"omitempty,ip|hostname"`
	Port     int      `json:"port" validate:"gte=0,lte=65535"`
	Admit    string   `json:"admit" validate:"oneof=all loopback linklocal networks"`
	Networks []string `json:"networks" validate:"required_if=Admit networks,dive,cidr"`
}

// Serial returns the connection settings for the serial package.
func (c SerialConfig) Serial() serial.Config {
	return serial.Config{
		PortName:    c.Port,
		BaudRate:    c.BaudRate,
		ReadTimeout: c.ReadTimeout.Std(),
	}
}

// AdmitFunc returns the predicate for the configured admission policy.
func (c BridgeConfig) AdmitFunc() (netport.AdmitFunc, error) {
	switch c.Admit {
	case AdmitAll:
		return netport.AllowAll, nil
	case AdmitLoopback, "":
		return netport.AllowLoopback, nil
	case AdmitLinkLocal:
		return netport.AnyOf(netport.AllowLoopback, netport.AllowLinkLocal), nil
	case AdmitNetworks:
		return netport.AllowNetworks(c.Networks...)
	}
	return nil, fmt.Errorf("config: unknown admission policy %q", c.Admit)
}

// LoadFile overlays the JSON file at path onto cfg. Fields missing from the
// file keep their current value.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Load builds a Config from defaults, the optional file and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadFile(&cfg, path); err != nil {
			return cfg, err
		}
	}
	if err := LoadFromEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cfg and reports the first invalid field.
func (c *Config) Validate() error {
	err := serial.Validator().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fe := verrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("config: %s is required", field)
	case "required_if":
		return fmt.Errorf("config: %s is required when admit is %q", field, AdmitNetworks)
	case "serialport":
		return fmt.Errorf("config: %s %q is not a serial device (hint: /dev/ttyUSB0, /dev/ttyACM0, COM3)", field, fe.Value())
	case "baudrate":
		return fmt.Errorf("config: %s %v is not a standard baud rate (hint: one of %v)", field, fe.Value(), serial.StandardBaudRates)
	case "oneof":
		return fmt.Errorf("config: %s %q must be one of: %s", field, fe.Value(), fe.Param())
	}
	return fmt.Errorf("config: invalid %s %v (%s)", field, fe.Value(), fe.Tag())
}

// Duration is a time.Duration written as a string such as "1s" in JSON.
// Plain numbers are read as nanoseconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(x))
	default:
		return fmt.Errorf("invalid duration %s", b)
	}
	return nil
}
