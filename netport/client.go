package netport

import (
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ThunderFocus/serial/connerr"
	"github.com/rs/zerolog"
)

// dialTCP is replaced by tests.
var dialTCP = net.DialTimeout

// ClientHandler receives the lines sent by the server and background errors.
// A lost connection is reported once: as Output when a write failed first,
// as Input otherwise.
type ClientHandler interface {
	OnMessage(msg string)
	OnError(err error)
}

// Client is a single outbound line-oriented TCP connection.
type Client struct {
	host    string
	port    int
	handler ClientHandler
	cfg     connConfig

	state stateMachine

	mu sync.Mutex
	lc *lineConn
}

type connConfig struct {
	log          zerolog.Logger
	queueSize    int
	dialTimeout  time.Duration
	flushTimeout time.Duration
}

func defaultConnConfig() connConfig {
	return connConfig{
		log:          zerolog.Nop(),
		queueSize:    DefaultQueueSize,
		dialTimeout:  DefaultDialTimeout,
		flushTimeout: DefaultFlushTimeout,
	}
}

// Option configures a Client or Server.
type Option func(*connConfig)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *connConfig) { c.log = l }
}

// WithQueueSize bounds the number of pending writes per connection.
func WithQueueSize(n int) Option {
	return func(c *connConfig) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithDialTimeout bounds the client's connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(c *connConfig) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithFlushTimeout bounds how long Close waits for queued writes.
func WithFlushTimeout(d time.Duration) Option {
	return func(c *connConfig) {
		if d > 0 {
			c.flushTimeout = d
		}
	}
}

// NewClient returns a disconnected client for host:port.
func NewClient(host string, port int, handler ClientHandler, opts ...Option) *Client {
	cfg := defaultConnConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Client{host: host, port: port, handler: handler, cfg: cfg}
}

// Address returns host:port.
func (c *Client) Address() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// State returns the lifecycle state.
func (c *Client) State() State { return c.state.load() }

// Connect starts connecting in the background. Dial failures are reported to
// OnError and leave the client Disconnected.
func (c *Client) Connect() error {
	if c.handler == nil {
		return ErrNilHandler
	}
	if err := c.state.beginConnect("client"); err != nil {
		return err
	}
	go c.dial()
	return nil
}

func (c *Client) dial() {
	addr := c.Address()
	conn, err := dialTCP("tcp", addr, c.cfg.dialTimeout)
	if err != nil {
		c.state.store(Disconnected)
		c.cfg.log.Debug().Err(err).Str("addr", addr).Msg("dial failed")
		c.handler.OnError(classifyDialError(addr, err))
		return
	}

	lc := newLineConn(conn, c.cfg.queueSize, c.cfg.flushTimeout, c.handler.OnError)
	c.mu.Lock()
	c.lc = lc
	c.mu.Unlock()
	c.state.store(Connected)
	c.cfg.log.Info().Str("addr", addr).Msg("connected")

	go c.readLoop(lc)
}

func (c *Client) readLoop(lc *lineConn) {
	err := readLines(lc.conn, c.handler.OnMessage)
	if lc.closing.Load() {
		return
	}

	if !lc.failed.Load() {
		if err == nil {
			err = io.EOF
		}
		c.handler.OnError(connerr.Wrap(connerr.Input, "connection to "+c.Address()+" lost", err))
	}
	_ = lc.shutdown()
	c.detach(lc)
	c.cfg.log.Info().Str("addr", c.Address()).Msg("connection lost")
}

// detach clears lc if it is still the current connection.
func (c *Client) detach(lc *lineConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lc == lc {
		c.lc = nil
		c.state.store(Disconnected)
	}
}

func (c *Client) current() (*lineConn, error) {
	if err := c.state.requireConnected("client"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lc == nil {
		return nil, connerr.New(connerr.NotConnected, "client not connected")
	}
	return c.lc, nil
}

// Print queues v for sending. v is a string, bool or integer.
func (c *Client) Print(v any) error {
	lc, err := c.current()
	if err != nil {
		return err
	}
	s, err := formatPayload(v)
	if err != nil {
		return err
	}
	return lc.enqueue(s)
}

// Println queues v followed by a newline.
func (c *Client) Println(v any) error {
	lc, err := c.current()
	if err != nil {
		return err
	}
	s, err := formatPayload(v)
	if err != nil {
		return err
	}
	return lc.enqueue(s + "\n")
}

// Close flushes pending writes and closes the socket in the background.
// Failures are reported to OnError as UnableToDisconnect.
func (c *Client) Close() error {
	lc, err := c.current()
	if err != nil {
		return err
	}
	lc.closing.Store(true)
	go func() {
		if err := lc.shutdown(); err != nil {
			c.handler.OnError(connerr.Wrap(connerr.UnableToDisconnect, "close "+c.Address(), err))
			return
		}
		c.detach(lc)
		c.cfg.log.Info().Str("addr", c.Address()).Msg("disconnected")
	}()
	return nil
}
