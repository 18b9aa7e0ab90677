package netport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ThunderFocus/serial/connerr"
	"go.uber.org/atomic"
)

// lineConn owns one TCP socket and its writer goroutine.
type lineConn struct {
	conn         net.Conn
	queue        chan string
	stop         chan struct{}
	writerDone   chan struct{}
	flushTimeout time.Duration
	onWriteErr   func(error)

	// closing is set before an intentional shutdown so the read loop can
	// tell it apart from a lost connection.
	closing atomic.Bool
	// failed is set when the writer gave up after reporting an Output error;
	// the read loop then tears down without reporting the loss again.
	failed atomic.Bool

	once     sync.Once
	closeErr error
}

func newLineConn(conn net.Conn, queueSize int, flushTimeout time.Duration, onWriteErr func(error)) *lineConn {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	lc := &lineConn{
		conn:         conn,
		queue:        make(chan string, queueSize),
		stop:         make(chan struct{}),
		writerDone:   make(chan struct{}),
		flushTimeout: flushTimeout,
		onWriteErr:   onWriteErr,
	}
	go lc.writer()
	return lc
}

// enqueue hands s to the writer goroutine without blocking.
func (lc *lineConn) enqueue(s string) error {
	select {
	case <-lc.writerDone:
		return connerr.New(connerr.NotConnected, "connection closed")
	case <-lc.stop:
		return connerr.New(connerr.NotConnected, "connection closing")
	default:
	}
	select {
	case lc.queue <- s:
		return nil
	default:
		return connerr.New(connerr.Busy, "write queue full")
	}
}

func (lc *lineConn) writer() {
	defer close(lc.writerDone)
	for {
		select {
		case s := <-lc.queue:
			if !lc.write(s) {
				return
			}
		case <-lc.stop:
			// flush what was queued before the shutdown
			_ = lc.conn.SetWriteDeadline(time.Now().Add(lc.flushTimeout))
			for {
				select {
				case s := <-lc.queue:
					if !lc.write(s) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (lc *lineConn) write(s string) bool {
	if _, err := io.WriteString(lc.conn, s); err != nil {
		lc.failed.Store(true)
		if !lc.closing.Load() && lc.onWriteErr != nil {
			lc.onWriteErr(connerr.Wrap(connerr.Output, "write to "+lc.conn.RemoteAddr().String(), err))
		}
		// Unblocks the read loop, which performs the teardown.
		_ = lc.conn.Close()
		return false
	}
	return true
}

// shutdown flushes the queue, closes the socket and returns the close error.
// Later calls return the first result.
func (lc *lineConn) shutdown() error {
	lc.once.Do(func() {
		lc.closing.Store(true)
		close(lc.stop)
		select {
		case <-lc.writerDone:
		case <-time.After(lc.flushTimeout):
		}
		if err := lc.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			lc.closeErr = err
		}
	})
	return lc.closeErr
}

// abort drops the connection without reporting the resulting read error.
func (lc *lineConn) abort() {
	lc.closing.Store(true)
	_ = lc.conn.Close()
}

// readLines calls fn for every line read from r, with the trailing "\n" or
// "\r\n" removed. A final line without terminator is delivered too. It returns
// the error that ended the stream, io.EOF included.
func readLines(r io.Reader, fn func(string)) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimSuffix(line, "\n")
			line = strings.TrimSuffix(line, "\r")
			fn(line)
		}
		if err != nil {
			return err
		}
	}
}

// classifyDialError maps a dial failure onto the connection error taxonomy.
func classifyDialError(addr string, err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return connerr.Wrap(connerr.HostNotFound, "cannot resolve "+addr, err)
	}
	return connerr.Wrap(connerr.Connection, "cannot connect to "+addr, err)
}
