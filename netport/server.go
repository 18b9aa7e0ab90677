package netport

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/ThunderFocus/serial/connerr"
	"go.uber.org/atomic"
)

// ServerHandler receives server events. OnNewClient is called before the
// first OnMessage from that peer; OnClientRemoved after its last.
type ServerHandler interface {
	OnMessage(from *Peer, msg string)
	OnError(err error)
	OnNewClient(p *Peer)
	OnClientRemoved(p *Peer)
}

// Peer is a client connected to a Server.
type Peer struct {
	addr net.Addr
	ip   net.IP
	lc   *lineConn
}

// Addr returns the peer's remote address.
func (p *Peer) Addr() net.Addr { return p.addr }

// IP returns the peer's IP address.
func (p *Peer) IP() net.IP { return p.ip }

func (p *Peer) String() string { return p.addr.String() }

// Server accepts line-oriented TCP clients on one port.
type Server struct {
	host    string
	port    int
	handler ServerHandler
	admit   AdmitFunc
	cfg     connConfig

	state stateMachine

	mu      sync.Mutex
	ln      *listener
	clients map[*Peer]struct{}
}

type listener struct {
	net.Listener
	closing atomic.Bool
	peers   sync.WaitGroup
	done    chan struct{}
}

// ServerOption configures a Server beyond the shared Options.
type ServerOption func(*Server)

// WithAdmit sets the admission predicate. The default admits every peer.
func WithAdmit(fn AdmitFunc) ServerOption {
	return func(s *Server) {
		if fn != nil {
			s.admit = fn
		}
	}
}

// WithHost binds the server to a single local address instead of all of them.
func WithHost(host string) ServerOption {
	return func(s *Server) { s.host = host }
}

// WithServerOptions applies shared connection options.
func WithServerOptions(opts ...Option) ServerOption {
	return func(s *Server) {
		for _, opt := range opts {
			opt(&s.cfg)
		}
	}
}

// NewServer returns a stopped server for port. Port 0 picks a free port once
// the server is connected; see Addr.
func NewServer(port int, handler ServerHandler, opts ...ServerOption) *Server {
	s := &Server{
		port:    port,
		handler: handler,
		admit:   AllowAll,
		cfg:     defaultConnConfig(),
		clients: make(map[*Peer]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the lifecycle state.
func (s *Server) State() State { return s.state.load() }

// Addr returns the bound address, or nil when not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Connect starts listening in the background. Bind failures are reported to
// OnError and leave the server Disconnected.
func (s *Server) Connect() error {
	if s.handler == nil {
		return ErrNilHandler
	}
	if err := s.state.beginConnect("server"); err != nil {
		return err
	}
	go s.listen()
	return nil
}

func (s *Server) listen() {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	nl, err := net.Listen("tcp", addr)
	if err != nil {
		s.state.store(Disconnected)
		s.handler.OnError(connerr.Wrap(connerr.Connection, "cannot listen on "+addr, err))
		return
	}
	ln := &listener{Listener: nl, done: make(chan struct{})}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.state.store(Connected)
	s.cfg.log.Info().Str("addr", nl.Addr().String()).Msg("server listening")

	go s.acceptLoop(ln)
}

func (s *Server) acceptLoop(ln *listener) {
	defer close(ln.done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !ln.closing.Load() {
				s.handler.OnError(connerr.Wrap(connerr.Connection, "accept", err))
				go s.teardown(ln)
			}
			return
		}
		if ln.closing.Load() {
			_ = conn.Close()
			continue
		}

		ip := peerIP(conn.RemoteAddr())
		if ip == nil || !s.admit(ip) {
			s.cfg.log.Warn().Str("peer", conn.RemoteAddr().String()).Msg("client rejected")
			_ = conn.Close()
			continue
		}

		p := &Peer{addr: conn.RemoteAddr(), ip: ip}
		p.lc = newLineConn(conn, s.cfg.queueSize, s.cfg.flushTimeout, s.handler.OnError)

		s.mu.Lock()
		s.clients[p] = struct{}{}
		s.mu.Unlock()
		ln.peers.Add(1)

		s.cfg.log.Info().Str("peer", p.String()).Msg("client connected")
		s.handler.OnNewClient(p)
		go s.serve(ln, p)
	}
}

func (s *Server) serve(ln *listener, p *Peer) {
	defer ln.peers.Done()
	err := readLines(p.lc.conn, func(line string) { s.handler.OnMessage(p, line) })
	if err != nil && !errors.Is(err, io.EOF) && !p.lc.closing.Load() && !p.lc.failed.Load() {
		s.handler.OnError(connerr.Wrap(connerr.Input, "read from "+p.String(), err))
	}
	s.remove(p)
}

// remove closes p and drops it from the client table.
func (s *Server) remove(p *Peer) {
	closeErr := p.lc.shutdown()

	s.mu.Lock()
	_, ok := s.clients[p]
	delete(s.clients, p)
	s.mu.Unlock()
	if !ok {
		return
	}
	if closeErr != nil {
		s.cfg.log.Debug().Err(closeErr).Str("peer", p.String()).Msg("client close failed")
	}
	s.cfg.log.Info().Str("peer", p.String()).Msg("client removed")
	s.handler.OnClientRemoved(p)
}

// ClientsCount returns the number of connected clients.
func (s *Server) ClientsCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Clients returns the connected peers.
func (s *Server) Clients() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]*Peer, 0, len(s.clients))
	for p := range s.clients {
		peers = append(peers, p)
	}
	return peers
}

// Print queues v for every client. A client whose queue rejects the message
// is dropped; the others still receive it.
func (s *Server) Print(v any) error {
	if err := s.state.requireConnected("server"); err != nil {
		return err
	}
	msg, err := formatPayload(v)
	if err != nil {
		return err
	}
	s.broadcast(msg)
	return nil
}

// Println queues v followed by a newline for every client.
func (s *Server) Println(v any) error {
	if err := s.state.requireConnected("server"); err != nil {
		return err
	}
	msg, err := formatPayload(v)
	if err != nil {
		return err
	}
	s.broadcast(msg + "\n")
	return nil
}

func (s *Server) broadcast(msg string) {
	for _, p := range s.Clients() {
		if err := p.lc.enqueue(msg); err != nil {
			s.cfg.log.Warn().Err(err).Str("peer", p.String()).Msg("dropping client")
			s.handler.OnError(connerr.Wrap(connerr.KindOf(err), "send to "+p.String(), err))
			// The read loop notices the closed socket and removes the peer.
			p.lc.abort()
		}
	}
}

// PrintTo queues v for one client.
func (s *Server) PrintTo(p *Peer, v any) error {
	if err := s.checkPeer(p); err != nil {
		return err
	}
	msg, err := formatPayload(v)
	if err != nil {
		return err
	}
	return p.lc.enqueue(msg)
}

// PrintlnTo queues v followed by a newline for one client.
func (s *Server) PrintlnTo(p *Peer, v any) error {
	if err := s.checkPeer(p); err != nil {
		return err
	}
	msg, err := formatPayload(v)
	if err != nil {
		return err
	}
	return p.lc.enqueue(msg + "\n")
}

func (s *Server) checkPeer(p *Peer) error {
	if err := s.state.requireConnected("server"); err != nil {
		return err
	}
	s.mu.Lock()
	_, ok := s.clients[p]
	s.mu.Unlock()
	if !ok {
		return connerr.New(connerr.NotConnected, "client not connected")
	}
	return nil
}

// Close stops accepting, disconnects every client and releases the port in
// the background. Failures are reported to OnError as UnableToDisconnect.
func (s *Server) Close() error {
	if err := s.state.requireConnected("server"); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return connerr.New(connerr.NotConnected, "server not connected")
	}
	ln.closing.Store(true)
	go s.teardown(ln)
	return nil
}

// teardown closes ln and every client, then marks the server Disconnected.
func (s *Server) teardown(ln *listener) {
	ln.closing.Store(true)
	err := ln.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	<-ln.done
	for _, p := range s.Clients() {
		p.lc.closing.Store(true)
		_ = p.lc.shutdown()
	}
	ln.peers.Wait()

	if err != nil {
		s.handler.OnError(connerr.Wrap(connerr.UnableToDisconnect, "close server", err))
		return
	}
	s.mu.Lock()
	if s.ln == ln {
		s.ln = nil
		s.state.store(Disconnected)
	}
	s.mu.Unlock()
	s.cfg.log.Info().Msg("server stopped")
}
