package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/ThunderFocus/serial"
	"github.com/ThunderFocus/serial/bridge"
	"github.com/ThunderFocus/serial/config"
	"github.com/ThunderFocus/serial/connerr"
	"github.com/ThunderFocus/serial/logging"
	"github.com/ThunderFocus/serial/mux"
	"github.com/ThunderFocus/serial/netport"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
)

// version is overridable at link time:
//
//	go build -ldflags "-X main.version=1.2.0"
var version = "0.1.0"

// opener is replaced by tests.
var opener serial.Opener

// Execute parses args, starts every enabled component and blocks until ctx
// is cancelled.
func Execute(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("thunderfocusd", flag.ContinueOnError)

	var (
		configPath  string
		showVersion bool
		showHelp    bool
		dryRun      bool
		printConfig bool
	)
	fs.StringVarP(&configPath, "config", "c", "", "JSON configuration file")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")
	fs.BoolVar(&dryRun, "dry-run", false, "Validate the configuration and exit")
	fs.BoolVar(&printConfig, "print-config", false, "Print the effective configuration as JSON and exit")

	// Flag values are applied over the loaded configuration only when set.
	var fl config.Config
	fs.StringVarP(&fl.Serial.Port, "port", "p", "", "Serial device, e.g. /dev/ttyACM0 or COM3")
	fs.IntVarP(&fl.Serial.BaudRate, "baud", "b", 0, "Baud rate")
	fs.BoolVarP(&fl.Mux.Enabled, "mux", "m", false, "Expose the device on a virtual serial port")
	fs.DurationVar((*time.Duration)(&fl.Mux.Timeout), "mux-timeout", 0, "How long to wait for the virtual port pair")
	fs.StringVar(&fl.Mux.SocatPath, "socat", "", "socat executable")
	fs.BoolVar(&fl.Bridge.Enabled, "bridge", false, "Serve the TCP command bridge")
	fs.StringVar(&fl.Bridge.Host, "bridge-host", "", "Bridge listen address (all interfaces when empty)")
	fs.IntVar(&fl.Bridge.Port, "bridge-port", 0, "Bridge TCP port")
	fs.StringVar(&fl.Bridge.Admit, "admit", "", "Bridge admission policy: all, loopback, linklocal, networks")
	fs.StringSliceVar(&fl.Bridge.Networks, "allow", nil, "CIDR blocks admitted with --admit=networks")
	fs.StringVarP(&fl.Log.Level, "log-level", "l", "", "Log level")
	fs.StringVar(&fl.Log.File, "log-file", "", "Also write JSON logs to this rotating file")
	fs.DurationVar((*time.Duration)(&fl.MetricsInterval), "metrics-interval", 0, "Connection statistics report interval (0 disables)")

	fs.SetOutput(stdout)
	fs.Usage = func() { printUsage(stdout, fs) }

	if err := fs.Parse(args); err != nil {
		return err
	}
	if showHelp {
		printUsage(stdout, fs)
		return nil
	}
	if showVersion {
		fmt.Fprintf(stdout, "thunderfocusd %s\n", version)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyFlags(fs, &cfg, &fl)
	if err := cfg.Validate(); err != nil {
		return err
	}

	if printConfig {
		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, string(out))
		return nil
	}
	if dryRun {
		fmt.Fprintln(stdout, "configuration OK")
		return nil
	}

	log, closer, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	d := &daemon{cfg: cfg, log: log}
	if err := d.start(); err != nil {
		d.stop()
		return err
	}
	log.Info().Str("version", version).Msg("thunderfocusd running")

	d.wait(ctx)
	d.stop()
	return nil
}

// applyFlags copies every flag the user set from fl into cfg.
func applyFlags(fs *flag.FlagSet, cfg, fl *config.Config) {
	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("port", func() { cfg.Serial.Port = fl.Serial.Port })
	set("baud", func() { cfg.Serial.BaudRate = fl.Serial.BaudRate })
	set("mux", func() { cfg.Mux.Enabled = fl.Mux.Enabled })
	set("mux-timeout", func() { cfg.Mux.Timeout = fl.Mux.Timeout })
	set("socat", func() { cfg.Mux.SocatPath = fl.Mux.SocatPath })
	set("bridge", func() { cfg.Bridge.Enabled = fl.Bridge.Enabled })
	set("bridge-host", func() { cfg.Bridge.Host = fl.Bridge.Host })
	set("bridge-port", func() { cfg.Bridge.Port = fl.Bridge.Port })
	set("admit", func() { cfg.Bridge.Admit = fl.Bridge.Admit })
	set("allow", func() { cfg.Bridge.Networks = fl.Bridge.Networks })
	set("log-level", func() { cfg.Log.Level = fl.Log.Level })
	set("log-file", func() { cfg.Log.File = fl.Log.File })
	set("metrics-interval", func() { cfg.MetricsInterval = fl.MetricsInterval })
}

// daemon holds the running components.
type daemon struct {
	cfg config.Config
	log zerolog.Logger

	conn   *serial.Connection
	mux    *mux.Multiplexer
	bridge *bridge.Bridge
}

func (d *daemon) start() error {
	connOpts := []serial.Option{serial.WithLogger(logging.Component(d.log, "serial"))}
	if opener != nil {
		connOpts = append(connOpts, serial.WithOpener(opener))
	}

	conn, err := serial.Open(d.cfg.Serial.Serial(), connOpts...)
	if err != nil {
		return fmt.Errorf("open %s: %w", d.cfg.Serial.Port, err)
	}
	d.conn = conn
	if err := conn.AddListener(newDeviceLog(logging.Component(d.log, "device"))); err != nil {
		return err
	}

	if d.cfg.Mux.Enabled {
		muxLog := logging.Component(d.log, "mux")
		opts := []mux.Option{
			mux.WithTimeout(d.cfg.Mux.Timeout.Std()),
			mux.WithLogger(muxLog),
			mux.WithConnectionOptions(connOpts...),
		}
		if runtime.GOOS == "linux" {
			opts = append(opts, mux.WithProvider(mux.NewSocatProvider(
				mux.WithSocatPath(d.cfg.Mux.SocatPath),
				mux.WithSocatLogger(muxLog),
			)))
		}
		m, err := mux.New(conn, opts...)
		if err != nil {
			return fmt.Errorf("multiplexer: %w", err)
		}
		d.mux = m
		d.log.Info().Str("virtual_port", m.MockedPort()).Msg("device exposed on virtual port")
	}

	if d.cfg.Bridge.Enabled {
		admit, err := d.cfg.Bridge.AdmitFunc()
		if err != nil {
			return err
		}
		bridgeLog := logging.Component(d.log, "bridge")
		b := bridge.New(d.cfg.Bridge.Port, conn,
			bridge.WithLogger(bridgeLog),
			bridge.WithServerOptions(netport.WithHost(d.cfg.Bridge.Host), netport.WithAdmit(admit)),
			bridge.WithOnClientListChange(func(n int) {
				bridgeLog.Info().Int("clients", n).Msg("bridge clients changed")
			}),
		)
		var virtualPort func() string
		if d.mux != nil {
			virtualPort = d.mux.MockedPort
		}
		bridge.RegisterSerial(b, conn, virtualPort)
		if err := b.Start(); err != nil {
			return fmt.Errorf("bridge: %w", err)
		}
		d.bridge = b
	}
	return nil
}

// wait blocks until ctx is done, logging statistics on the configured interval.
func (d *daemon) wait(ctx context.Context) {
	interval := d.cfg.MetricsInterval.Std()
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logMetrics(d.log, d.conn.Metrics())
		}
	}
}

func (d *daemon) stop() {
	if d.bridge != nil {
		if err := d.bridge.Stop(); err != nil && !errors.Is(err, connerr.NotConnected) {
			d.log.Warn().Err(err).Msg("bridge stop")
		}
	}
	if d.mux != nil {
		if err := d.mux.Stop(); err != nil {
			d.log.Warn().Err(err).Msg("multiplexer stop")
		}
	} else if d.conn != nil && d.conn.IsConnected() {
		if err := d.conn.Disconnect(); err != nil {
			d.log.Warn().Err(err).Msg("serial disconnect")
		}
	}
	d.log.Info().Msg("thunderfocusd stopped")
}

func logMetrics(log zerolog.Logger, m serial.MetricsSnapshot) {
	log.Info().
		Str("port", m.Port).
		Str("health", string(m.HealthStatus)).
		Float64("uptime_s", m.UptimeSeconds).
		Int64("bytes_read", m.BytesRead).
		Int64("bytes_written", m.BytesWritten).
		Int64("lines", m.LinesDispatched).
		Float64("error_rate", m.ErrorRate).
		Msg("serial statistics")
}

// deviceLog logs traffic from the device.
type deviceLog struct {
	log zerolog.Logger
}

func newDeviceLog(log zerolog.Logger) *deviceLog { return &deviceLog{log: log} }

func (l *deviceLog) OnMessage(line string) { l.log.Debug().Str("line", line).Msg("device") }

func (l *deviceLog) OnError(err error) { l.log.Error().Err(err).Msg("device error") }

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `thunderfocusd %s

Shares one serial focuser or power box between a virtual serial port and a
TCP command bridge.

Usage:
  thunderfocusd -p <device> [options]

Options:
`, version)
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Environment:
  THUNDERFOCUS_PORT, THUNDERFOCUS_BAUD, THUNDERFOCUS_MUX, THUNDERFOCUS_BRIDGE_PORT,
  THUNDERFOCUS_BRIDGE_ADMIT, THUNDERFOCUS_LOG_LEVEL, ... override the config file.

Examples:
  thunderfocusd -p /dev/ttyACM0 --mux          Expose the device on a PTY
  thunderfocusd -p COM3 --bridge-port 5001      Serve the command bridge
  thunderfocusd -c /etc/thunderfocus.json --print-config
`)
}
