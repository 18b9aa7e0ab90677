// Package mux duplicates one serial connection into a pair of virtual ports.
//
// A Multiplexer opens one end of a virtual port pair and forwards every line
// between it and the real connection. Another program can then open the other
// end, returned by MockedPort, as if it were the device itself.
package mux

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThunderFocus/serial"
	"github.com/ThunderFocus/serial/connerr"
	"github.com/rs/zerolog"
)

const (
	DefaultTimeout      = time.Second
	DefaultPollInterval = 50 * time.Millisecond
)

// Multiplexer forwards traffic between a real serial connection and one end
// of a virtual port pair.
type Multiplexer struct {
	real     *serial.Connection
	mocked   *serial.Connection
	provider PortPairProvider
	pair     PortPair
	log      zerolog.Logger

	toMocked *Forwarder
	toReal   *Forwarder

	stopOnce sync.Once
	stopErr  error
}

type options struct {
	provider     PortPairProvider
	timeout      time.Duration
	pollInterval time.Duration
	connOpts     []serial.Option
	log          zerolog.Logger
}

// Option configures New.
type Option func(*options)

// WithProvider replaces the platform default provider.
func WithProvider(p PortPairProvider) Option {
	return func(o *options) { o.provider = p }
}

// WithTimeout bounds how long New waits for the port pair.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithPollInterval sets how often New checks provider readiness.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithConnectionOptions passes options to the connection opened on the
// virtual port.
func WithConnectionOptions(opts ...serial.Option) Option {
	return func(o *options) { o.connOpts = append(o.connOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// New creates a virtual port pair, opens its first end and starts forwarding
// between it and real, which must already be connected.
func New(real *serial.Connection, opts ...Option) (*Multiplexer, error) {
	o := options{
		timeout:      DefaultTimeout,
		pollInterval: DefaultPollInterval,
		log:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if real == nil || !real.IsConnected() {
		return nil, connerr.New(connerr.NotConnected, "mux: real serial port not connected")
	}

	provider := o.provider
	if provider == nil {
		var err error
		if provider, err = DefaultProvider(o.log); err != nil {
			return nil, err
		}
	}

	pair, err := awaitPair(provider, o.timeout, o.pollInterval)
	if err != nil {
		return nil, err
	}
	o.log.Debug().Str("port1", pair.Port1).Str("port2", pair.Port2).Msg("virtual port pair ready")

	mocked := serial.NewConnection(append([]serial.Option{serial.WithLogger(o.log)}, o.connOpts...)...)
	if err = mocked.Connect(pair.Port1, real.BaudRate()); err != nil {
		return nil, errors.Join(err, provider.Close())
	}

	m := &Multiplexer{
		real:     real,
		mocked:   mocked,
		provider: provider,
		pair:     pair,
		log:      o.log,
	}
	m.toMocked = NewForwarder("real->mocked", mocked, o.log)
	m.toReal = NewForwarder("mocked->real", real, o.log)
	if err = real.AddListener(m.toMocked); err != nil {
		return nil, errors.Join(err, mocked.Disconnect(), provider.Close())
	}
	if err = mocked.AddListener(m.toReal); err != nil {
		real.RemoveListener(m.toMocked)
		return nil, errors.Join(err, mocked.Disconnect(), provider.Close())
	}

	o.log.Info().Str("real", real.PortName()).Str("exposed", pair.Port2).Msg("multiplexer started")
	return m, nil
}

// awaitPair starts provider and polls it until the pair is known. On any
// failure the provider is closed before returning.
func awaitPair(provider PortPairProvider, timeout, poll time.Duration) (PortPair, error) {
	exited := make(chan error, 1)
	go func() { exited <- provider.Start() }()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if pair, ok := provider.Ports(); ok {
			return pair, nil
		}
		select {
		case err := <-exited:
			if err == nil {
				err = errors.New("mux: port pair provider exited early")
			}
			return PortPair{}, errors.Join(err, provider.Close())
		case <-deadline.C:
			closeErr := provider.Close()
			return PortPair{}, errors.Join(
				connerr.New(connerr.Timeout, fmt.Sprintf("mux: no virtual port pair after %v", timeout)),
				closeErr,
			)
		case <-ticker.C:
		}
	}
}

// MockedPort returns the name of the exposed end of the pair.
func (m *Multiplexer) MockedPort() string { return m.pair.Port2 }

// Pair returns both virtual port names.
func (m *Multiplexer) Pair() PortPair { return m.pair }

// Stop unregisters the forwarders, disconnects both connections and tears
// the virtual pair down. Subsequent calls return the first result.
func (m *Multiplexer) Stop() error {
	m.stopOnce.Do(func() {
		m.real.RemoveListener(m.toMocked)
		m.mocked.RemoveListener(m.toReal)

		var errs []error
		if m.mocked.IsConnected() {
			errs = append(errs, m.mocked.Disconnect())
		}
		if m.real.IsConnected() {
			errs = append(errs, m.real.Disconnect())
		}
		errs = append(errs, m.provider.Close())
		m.stopErr = errors.Join(errs...)
		m.log.Info().Str("exposed", m.pair.Port2).Err(m.stopErr).Msg("multiplexer stopped")
	})
	return m.stopErr
}
