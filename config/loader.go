package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Every supported variable uses the THUNDERFOCUS_ prefix. Booleans accept
// "1", "true", "yes" and "0", "false", "no" (case-insensitive).
const envPrefix = "THUNDERFOCUS_"

// LoadFromEnv overlays environment variables onto cfg. Only set variables
// override the existing value.
func LoadFromEnv(cfg *Config) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if v, ok := lookup("PORT"); ok {
		cfg.Serial.Port = v
	}
	if v, ok := lookup("BAUD"); ok {
		keep(setInt(&cfg.Serial.BaudRate, "BAUD", v))
	}
	if v, ok := lookup("READ_TIMEOUT"); ok {
		keep(setDuration(&cfg.Serial.ReadTimeout, "READ_TIMEOUT", v))
	}

	if v, ok := lookup("MUX"); ok {
		keep(setBool(&cfg.Mux.Enabled, "MUX", v))
	}
	if v, ok := lookup("MUX_TIMEOUT"); ok {
		keep(setDuration(&cfg.Mux.Timeout, "MUX_TIMEOUT", v))
	}
	if v, ok := lookup("SOCAT"); ok {
		cfg.Mux.SocatPath = v
	}

	if v, ok := lookup("BRIDGE"); ok {
		keep(setBool(&cfg.Bridge.Enabled, "BRIDGE", v))
	}
	if v, ok := lookup("BRIDGE_HOST"); ok {
		cfg.Bridge.Host = v
	}
	if v, ok := lookup("BRIDGE_PORT"); ok {
		keep(setInt(&cfg.Bridge.Port, "BRIDGE_PORT", v))
	}
	if v, ok := lookup("BRIDGE_ADMIT"); ok {
		cfg.Bridge.Admit = strings.ToLower(v)
	}
	if v, ok := lookup("BRIDGE_NETWORKS"); ok {
		cfg.Bridge.Networks = splitList(v)
	}

	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	if v, ok := lookup("LOG_FILE"); ok {
		cfg.Log.File = v
	}
	if v, ok := lookup("METRICS_INTERVAL"); ok {
		keep(setDuration(&cfg.MetricsInterval, "METRICS_INTERVAL", v))
	}
	return firstErr
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func setInt(dst *int, name, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s%s: %w", envPrefix, name, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, name, v string) error {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		return fmt.Errorf("config: %s%s: invalid boolean %q", envPrefix, name, v)
	}
	return nil
}

func setDuration(dst *Duration, name, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s%s: %w", envPrefix, name, err)
	}
	*dst = Duration(d)
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
