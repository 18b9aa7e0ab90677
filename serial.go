package serial

import (
	"errors"
	"sync"
	"time"

	"github.com/ThunderFocus/serial/connerr"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

const (
	// DefaultBaudRate is used by ConnectDefault.
	DefaultBaudRate = Baud115200

	// readerExitWait bounds how long Disconnect waits for the reader goroutine.
	readerExitWait = 100 * time.Millisecond
)

// Connection is a line-framed serial connection with a listener registry.
//
// A Connection starts unconnected. Connect attaches the OS handle and starts a
// reader goroutine that frames incoming bytes into lines and hands each line to
// every registered Listener, in arrival order. Disconnect detaches the handle;
// the Connection can then be connected again.
type Connection struct {
	opener  Opener
	log     zerolog.Logger
	metrics *Metrics

	mu       sync.Mutex
	sess     *session
	name     string
	baudRate int

	writeMu sync.Mutex

	listeners registry
}

// session is the state of one Connect/Disconnect cycle. Its framer is touched
// only by the session's reader goroutine.
type session struct {
	port    SerialPort
	framer  LineFramer
	closing atomic.Bool
	done    chan struct{}
}

// Option configures a Connection.
type Option func(*Connection)

// WithOpener replaces the driver used to open ports.
func WithOpener(o Opener) Option {
	return func(c *Connection) {
		if o != nil {
			c.opener = o
		}
	}
}

// WithLogger sets the logger used for connection diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Connection) { c.log = l }
}

// NewConnection returns an unconnected Connection.
func NewConnection(opts ...Option) *Connection {
	c := &Connection{
		opener:  openBugst,
		log:     zerolog.Nop(),
		metrics: &Metrics{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open validates cfg and returns a Connection connected to cfg.PortName.
func Open(cfg Config, opts ...Option) (*Connection, error) {
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	c := NewConnection(opts...)
	if err := c.connect(cfg.PortName, cfg.BaudRate, cfg.ReadTimeout); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect opens portName at baudRate, 8 data bits, no parity, 1 stop bit.
func (c *Connection) Connect(portName string, baudRate int) error {
	return c.connect(portName, baudRate, 0)
}

// ConnectDefault opens portName at DefaultBaudRate.
func (c *Connection) ConnectDefault(portName string) error {
	return c.Connect(portName, DefaultBaudRate.Int())
}

func (c *Connection) connect(portName string, baudRate int, readTimeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != nil {
		return connerr.New(connerr.AlreadyConnected, ErrMsgAlreadyConnected)
	}

	p, err := c.opener(portName, mode8N1(baudRate))
	if err != nil {
		c.metrics.recordConnect(err)
		c.log.Debug().Err(err).Str("port", portName).Msg("serial open failed")
		return classifyOpenError(portName, err)
	}
	if readTimeout > 0 {
		if err = p.SetReadTimeout(readTimeout); err != nil {
			closeErr := p.Close()
			c.metrics.recordConnect(err)
			return connerr.Wrap(connerr.Io, "cannot set read timeout on "+portName, errors.Join(err, closeErr))
		}
	}
	c.metrics.recordConnect(nil)

	s := &session{port: p, done: make(chan struct{})}
	c.sess = s
	c.name = portName
	c.baudRate = baudRate
	go c.readerLoop(s)

	c.log.Info().Str("port", portName).Int("baud", baudRate).Msg("serial port connected")
	return nil
}

// IsConnected reports whether an OS handle is attached.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// PortName returns the name of the port last connected.
func (c *Connection) PortName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// BaudRate returns the baud rate of the port last connected.
func (c *Connection) BaudRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baudRate
}

// Disconnect releases the OS handle. It fails with NotConnected when no handle
// is attached; callers check IsConnected first.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	s := c.sess
	if s == nil {
		c.mu.Unlock()
		return connerr.New(connerr.NotConnected, ErrMsgNotConnected)
	}
	c.sess = nil
	s.closing.Store(true)
	name := c.name
	c.mu.Unlock()

	c.metrics.Disconnections.Inc()

	// Close the port first to unblock the in-flight Read.
	err := s.port.Close()

	select {
	case <-s.done:
	case <-time.After(readerExitWait):
		// Disconnect was likely called from a listener on the reader goroutine.
	}

	if err != nil {
		return connerr.Wrap(connerr.UnableToDisconnect, "cannot close "+name, err)
	}
	c.log.Info().Str("port", name).Msg("serial port disconnected")
	return nil
}

// Send writes message to the port as raw bytes.
func (c *Connection) Send(message string) error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return connerr.New(connerr.NotConnected, ErrMsgNotConnected)
	}
	if len(message) == 0 {
		return nil
	}

	data := []byte(message)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for written < len(data) {
		n, err := s.port.Write(data[written:])
		if err != nil {
			c.metrics.recordWrite(written, err)
			return classifyWriteError(err)
		}
		if n == 0 {
			err = errors.New("partial write: not all bytes written")
			c.metrics.recordWrite(written, err)
			return connerr.Wrap(connerr.Output, "serial write", err)
		}
		written += n
	}
	c.metrics.recordWrite(written, nil)
	return nil
}

// Println writes message followed by a newline.
func (c *Connection) Println(message string) error {
	return c.Send(message + "\n")
}

// AddListener registers l. A listener already present is rejected with
// ErrListenerExists.
func (c *Connection) AddListener(l Listener) error {
	return c.listeners.add(l)
}

// RemoveListener unregisters l and reports whether it was registered.
func (c *Connection) RemoveListener(l Listener) bool {
	return c.listeners.remove(l)
}

// ListenerCount returns the number of registered listeners.
func (c *Connection) ListenerCount() int {
	return c.listeners.len()
}

// Metrics returns a snapshot of the connection statistics.
func (c *Connection) Metrics() MetricsSnapshot {
	c.mu.Lock()
	name, connected := c.name, c.sess != nil
	c.mu.Unlock()
	return c.metrics.snapshot(name, connected)
}

// readerLoop continuously reads from the serial port and dispatches complete
// lines. Read failures are delivered to listeners, never returned.
func (c *Connection) readerLoop(s *session) {
	defer close(s.done)

	buf := getReadBuf()
	defer putReadBuf(buf)

	for {
		n, err := s.port.Read(buf)
		if err != nil {
			if s.closing.Load() {
				return
			}
			c.metrics.recordRead(0, 0, err)
			c.log.Warn().Err(err).Msg("serial read failed")
			c.listeners.dispatchError(connerr.Wrap(connerr.Input, "serial read", err))
			return
		}
		if n == 0 {
			// read timeout
			continue
		}

		lines := s.framer.Feed(buf[:n])
		c.metrics.recordRead(n, len(lines), nil)
		for _, line := range lines {
			c.listeners.dispatchMessage(line)
		}
	}
}
