// Package bridge serves the device over a line-oriented TCP command protocol.
//
// Each request is one line, NAME or NAME=v1,v2,... and gets exactly one reply
// line sent back to the requesting client.
package bridge

import (
	"strconv"
	"strings"
	"sync"

	"github.com/ThunderFocus/serial/netport"
	"github.com/rs/zerolog"
)

// Fixed replies.
const (
	ReplyOK           = "OK"
	ReplyUnknown      = "Unknown"
	ReplyDisconnected = "Disconnected"
	ReplyErrorPrefix  = "Error="

	// CmdConnected is answered even when the device is disconnected.
	CmdConnected = "Connected"
)

// Command is a parsed request line.
type Command struct {
	Name   string
	Params []string
}

// ParseCommand splits "NAME=v1,v2" into its name and parameters. A line
// without '=' is a command with no parameters.
func ParseCommand(line string) Command {
	name, params, ok := strings.Cut(line, "=")
	cmd := Command{Name: strings.TrimSpace(name)}
	if ok {
		cmd.Params = strings.Split(params, ",")
	}
	return cmd
}

// Param returns the i-th parameter, or "" when absent.
func (c Command) Param(i int) string {
	if i < 0 || i >= len(c.Params) {
		return ""
	}
	return c.Params[i]
}

// IntParam parses the i-th parameter as an integer.
func (c Command) IntParam(i int) (int, error) {
	return strconv.Atoi(strings.TrimSpace(c.Param(i)))
}

// HandlerFunc answers one command. An empty reply is sent as OK.
type HandlerFunc func(cmd Command) (string, error)

// Device reports whether the hardware behind the bridge is reachable.
type Device interface {
	IsConnected() bool
}

// Bridge dispatches commands received by a netport.Server.
type Bridge struct {
	server   *netport.Server
	device   Device
	log      zerolog.Logger
	onChange func(clients int)

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

type config struct {
	log        zerolog.Logger
	onChange   func(int)
	serverOpts []netport.ServerOption
}

// Option configures a Bridge.
type Option func(*config)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithOnClientListChange registers fn, called with the client count whenever
// a client connects or leaves.
func WithOnClientListChange(fn func(clients int)) Option {
	return func(c *config) { c.onChange = fn }
}

// WithServerOptions configures the underlying server.
func WithServerOptions(opts ...netport.ServerOption) Option {
	return func(c *config) { c.serverOpts = append(c.serverOpts, opts...) }
}

// New returns a stopped bridge listening on port once started. A nil device
// is treated as always connected.
func New(port int, device Device, opts ...Option) *Bridge {
	cfg := config{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	b := &Bridge{
		device:   device,
		log:      cfg.log,
		onChange: cfg.onChange,
		handlers: make(map[string]HandlerFunc),
	}
	serverOpts := append([]netport.ServerOption{
		netport.WithServerOptions(netport.WithLogger(cfg.log)),
	}, cfg.serverOpts...)
	b.server = netport.NewServer(port, serverHandler{b}, serverOpts...)
	return b
}

// Handle registers fn for the command name, replacing any previous handler.
func (b *Bridge) Handle(name string, fn HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if fn == nil {
		delete(b.handlers, name)
		return
	}
	b.handlers[name] = fn
}

func (b *Bridge) handler(name string) (HandlerFunc, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn, ok := b.handlers[name]
	return fn, ok
}

// Start begins listening in the background.
func (b *Bridge) Start() error { return b.server.Connect() }

// Stop disconnects every client and stops listening.
func (b *Bridge) Stop() error { return b.server.Close() }

// Server returns the underlying server.
func (b *Bridge) Server() *netport.Server { return b.server }

// Broadcast sends a line to every client.
func (b *Bridge) Broadcast(v any) error { return b.server.Println(v) }

func (b *Bridge) deviceConnected() bool {
	return b.device == nil || b.device.IsConnected()
}

// answer computes the reply line for one request.
func (b *Bridge) answer(cmd Command) string {
	if cmd.Name == CmdConnected {
		return strconv.FormatBool(b.deviceConnected())
	}
	if !b.deviceConnected() {
		return ReplyDisconnected
	}
	fn, ok := b.handler(cmd.Name)
	if !ok {
		return ReplyUnknown
	}
	reply, err := fn(cmd)
	if err != nil {
		b.log.Warn().Err(err).Str("command", cmd.Name).Msg("command failed")
		return ReplyErrorPrefix + err.Error()
	}
	if reply == "" {
		return ReplyOK
	}
	return reply
}

// serverHandler keeps the netport callbacks off the Bridge's exported API.
type serverHandler struct{ b *Bridge }

func (h serverHandler) OnMessage(from *netport.Peer, msg string) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	cmd := ParseCommand(msg)
	reply := h.b.answer(cmd)
	h.b.log.Debug().Str("peer", from.String()).Str("command", cmd.Name).Str("reply", reply).Msg("bridge request")
	if err := h.b.server.PrintlnTo(from, reply); err != nil {
		h.b.log.Warn().Err(err).Str("peer", from.String()).Msg("reply failed")
	}
}

func (h serverHandler) OnError(err error) {
	h.b.log.Error().Err(err).Msg("bridge server error")
}

func (h serverHandler) OnNewClient(*netport.Peer) { h.changed() }

func (h serverHandler) OnClientRemoved(*netport.Peer) { h.changed() }

func (h serverHandler) changed() {
	if h.b.onChange != nil {
		h.b.onChange(h.b.server.ClientsCount())
	}
}
