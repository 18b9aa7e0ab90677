package mux

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const (
	DefaultSocatPath = "socat"

	ptyPrefix = "N PTY is "
)

// DefaultSocatArgs creates two raw, non-echoing pseudo terminals and reports
// their names on stderr.
var DefaultSocatArgs = []string{"-d", "-d", "pty,raw,echo=0", "pty,raw,echo=0"}

// scanState tracks how many PTY names the scanner has seen.
type scanState int

const (
	awaitingPort1 scanState = iota
	awaitingPort2
	ready
)

func (s scanState) String() string {
	switch s {
	case awaitingPort1:
		return "awaiting-port1"
	case awaitingPort2:
		return "awaiting-port2"
	case ready:
		return "ready"
	}
	return fmt.Sprintf("scanState(%d)", int(s))
}

// ptyScanner extracts the PTY names from socat's diagnostic output. Lines
// look like "2024/05/01 21:00:00 socat[4242] N PTY is /dev/pts/3".
type ptyScanner struct {
	state scanState
	pair  PortPair
}

// feed consumes one output line and reports whether the scanner is ready.
func (s *ptyScanner) feed(line string) bool {
	if s.state == ready {
		return true
	}
	i := strings.Index(line, "] ")
	if i < 0 {
		return false
	}
	text := line[i+2:]
	if !strings.HasPrefix(text, ptyPrefix) {
		return false
	}
	name := strings.TrimSpace(text[len(ptyPrefix):])
	if name == "" {
		return false
	}

	switch s.state {
	case awaitingPort1:
		s.pair.Port1 = name
		s.state = awaitingPort2
	case awaitingPort2:
		s.pair.Port2 = name
		s.state = ready
	}
	return s.state == ready
}

// SocatProvider creates a PTY pair by running socat.
type SocatProvider struct {
	path string
	args []string
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	scanner ptyScanner
	started bool
	done    chan struct{}
}

// SocatOption configures a SocatProvider.
type SocatOption func(*SocatProvider)

// WithSocatPath sets the executable to run.
func WithSocatPath(path string) SocatOption {
	return func(p *SocatProvider) {
		if path != "" {
			p.path = path
		}
	}
}

// WithSocatArgs replaces the socat arguments.
func WithSocatArgs(args ...string) SocatOption {
	return func(p *SocatProvider) { p.args = args }
}

// WithSocatLogger sets the logger for socat diagnostics.
func WithSocatLogger(l zerolog.Logger) SocatOption {
	return func(p *SocatProvider) { p.log = l }
}

// NewSocatProvider returns a provider that has not been started.
func NewSocatProvider(opts ...SocatOption) *SocatProvider {
	ctx, cancel := context.WithCancel(context.Background())
	p := &SocatProvider{
		path:   DefaultSocatPath,
		args:   DefaultSocatArgs,
		log:    zerolog.Nop(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start runs socat and scans its output until the process exits.
func (p *SocatProvider) Start() error {
	if hostOS != "linux" {
		return ErrUnsupportedPlatform
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("mux: socat provider already started")
	}
	p.started = true
	p.mu.Unlock()
	defer close(p.done)

	if err := p.ctx.Err(); err != nil {
		return nil
	}

	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("mux: socat output pipe: %w", err)
	}
	defer r.Close()

	cmd := exec.CommandContext(p.ctx, p.path, p.args...)
	cmd.Stdout = w
	cmd.Stderr = w
	setProcessGroup(cmd)
	if err = cmd.Start(); err != nil {
		_ = w.Close()
		return fmt.Errorf("mux: start %s: %w", p.path, err)
	}
	// The child holds its own copy of the write end.
	_ = w.Close()
	p.log.Debug().Str("path", p.path).Int("pid", cmd.Process.Pid).Msg("socat started")

	// A descendant outside the process group may keep the write end open;
	// closing the read end on cancellation still ends the scan.
	scanDone := make(chan struct{})
	defer close(scanDone)
	go func() {
		select {
		case <-p.ctx.Done():
			_ = r.Close()
		case <-scanDone:
		}
	}()

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		p.log.Trace().Str("line", line).Msg("socat")
		p.mu.Lock()
		became := p.scanner.state != ready && p.scanner.feed(line)
		pair := p.scanner.pair
		p.mu.Unlock()
		if became {
			p.log.Info().Str("port1", pair.Port1).Str("port2", pair.Port2).Msg("socat pty pair ready")
		}
	}

	err = cmd.Wait()
	if p.ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mux: socat exited: %w", err)
	}
	return fmt.Errorf("mux: socat exited")
}

// Ports returns the PTY pair once socat has reported both names.
func (p *SocatProvider) Ports() (PortPair, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scanner.pair, p.scanner.state == ready
}

// Close kills socat and waits for Start to return.
func (p *SocatProvider) Close() error {
	p.cancel()
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if started {
		<-p.done
	}
	return nil
}
