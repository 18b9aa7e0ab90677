package mux

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThunderFocus/serial"
	"github.com/ThunderFocus/serial/connerr"
	"github.com/rs/zerolog"
	gobug "go.bug.st/serial"
)

// fakePort is an in-memory serial port. Bytes passed to feed come out of
// Read; bytes written are recorded.
type fakePort struct {
	readCh chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	output strings.Builder
}

func newFakePort() *fakePort {
	return &fakePort{readCh: make(chan []byte), closed: make(chan struct{})}
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case chunk := <-p.readCh:
		return copy(b, chunk), nil
	case <-p.closed:
		return 0, errors.New("fake: closed")
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, errors.New("fake: closed")
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output.Write(b)
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (p *fakePort) feed(b []byte) {
	select {
	case p.readCh <- b:
	case <-p.closed:
	}
}

func (p *fakePort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *fakePort) lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := strings.TrimSuffix(p.output.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// fakeBus hands out fakePorts by name.
type fakeBus struct {
	mu    sync.Mutex
	ports map[string]*fakePort
}

func newFakeBus() *fakeBus { return &fakeBus{ports: map[string]*fakePort{}} }

func (b *fakeBus) open(name string, _ *gobug.Mode) (serial.SerialPort, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := newFakePort()
	b.ports[name] = p
	return p, nil
}

func (b *fakeBus) port(name string) *fakePort {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ports[name]
}

// fakeProvider publishes pair after readyAfter, or never when readyAfter < 0.
type fakeProvider struct {
	pair       PortPair
	readyAfter time.Duration
	startErr   error

	mu      sync.Mutex
	ready   bool
	closes  int
	stop    chan struct{}
	once    sync.Once
	started chan struct{}
	exited  chan struct{}
}

func newFakeProvider(readyAfter time.Duration) *fakeProvider {
	return &fakeProvider{
		pair:       PortPair{Port1: "/dev/pts/71", Port2: "/dev/pts/72"},
		readyAfter: readyAfter,
		stop:       make(chan struct{}),
		started:    make(chan struct{}),
		exited:     make(chan struct{}),
	}
}

func (f *fakeProvider) Start() error {
	close(f.started)
	defer close(f.exited)
	if f.startErr != nil {
		return f.startErr
	}
	if f.readyAfter >= 0 {
		select {
		case <-time.After(f.readyAfter):
			f.mu.Lock()
			f.ready = true
			f.mu.Unlock()
		case <-f.stop:
			return nil
		}
	}
	<-f.stop
	return nil
}

func (f *fakeProvider) Ports() (PortPair, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pair, f.ready
}

func (f *fakeProvider) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	f.once.Do(func() { close(f.stop) })
	return nil
}

func (f *fakeProvider) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func connectReal(t *testing.T, bus *fakeBus) *serial.Connection {
	t.Helper()
	real := serial.NewConnection(serial.WithOpener(bus.open))
	if err := real.Connect("/dev/ttyACM0", 115200); err != nil {
		t.Fatalf("connect real: %v", err)
	}
	return real
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewRequiresConnectedReal(t *testing.T) {
	_, err := New(serial.NewConnection(), WithProvider(newFakeProvider(0)))
	if !errors.Is(err, connerr.NotConnected) {
		t.Fatalf("expected NotConnected, got %v", err)
	}
}

func TestNewTimeoutClosesProvider(t *testing.T) {
	bus := newFakeBus()
	real := connectReal(t, bus)
	defer real.Disconnect()

	prov := newFakeProvider(-1)
	start := time.Now()
	_, err := New(real, WithProvider(prov), WithTimeout(100*time.Millisecond), WithPollInterval(10*time.Millisecond))
	if !errors.Is(err, connerr.Timeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("returned after %v, before the timeout", elapsed)
	}
	if prov.closeCount() == 0 {
		t.Fatalf("provider not closed after timeout")
	}
	select {
	case <-prov.exited:
	case <-time.After(time.Second):
		t.Fatalf("provider Start still running after timeout")
	}
	if bus.port("/dev/pts/71") != nil {
		t.Fatalf("virtual port opened despite timeout")
	}
}

func TestNewProviderFailure(t *testing.T) {
	bus := newFakeBus()
	real := connectReal(t, bus)
	defer real.Disconnect()

	prov := newFakeProvider(0)
	prov.startErr = errors.New("socat: not found")
	_, err := New(real, WithProvider(prov))
	if err == nil || !strings.Contains(err.Error(), "socat: not found") {
		t.Fatalf("expected provider error, got %v", err)
	}
	if prov.closeCount() == 0 {
		t.Fatalf("provider not closed after failure")
	}
}

type fakeDriver struct {
	ports    []string
	err      error
	released int
}

func (d *fakeDriver) CreateVirtualPorts() ([]string, error) { return d.ports, d.err }
func (d *fakeDriver) ReleaseVirtualPorts() error           { d.released++; return nil }

func TestNativeProviderWrongPortCount(t *testing.T) {
	for _, ports := range [][]string{{"COM10"}, {"COM10", "COM11", "COM12"}} {
		t.Run(fmt.Sprintf("%d ports", len(ports)), func(t *testing.T) {
			bus := newFakeBus()
			real := connectReal(t, bus)
			defer real.Disconnect()

			drv := &fakeDriver{ports: ports}
			_, err := New(real, WithProvider(NewNativeProvider(drv)))
			if !errors.Is(err, ErrIllegalPortCount) {
				t.Fatalf("expected ErrIllegalPortCount, got %v", err)
			}
			if drv.released != 1 {
				t.Fatalf("expected ports released once, got %d", drv.released)
			}
		})
	}
}

func TestNativeProviderPair(t *testing.T) {
	drv := &fakeDriver{ports: []string{"COM10", "COM11"}}
	p := NewNativeProvider(drv)
	done := make(chan error, 1)
	go func() { done <- p.Start() }()

	waitFor(t, time.Second, func() bool { _, ok := p.Ports(); return ok }, "native pair")
	pair, _ := p.Ports()
	if pair.Port1 != "COM10" || pair.Port2 != "COM11" {
		t.Fatalf("pair = %+v", pair)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}
	if drv.released != 1 {
		t.Fatalf("released = %d", drv.released)
	}
	if _, ok := p.Ports(); ok {
		t.Fatalf("pair still reported after Close")
	}
}

func TestMultiplexerForwardsExactlyOnce(t *testing.T) {
	bus := newFakeBus()
	real := connectReal(t, bus)

	m, err := New(real,
		WithProvider(newFakeProvider(20*time.Millisecond)),
		WithPollInterval(5*time.Millisecond),
		WithConnectionOptions(serial.WithOpener(bus.open)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Stop()

	if m.MockedPort() != "/dev/pts/72" {
		t.Fatalf("MockedPort = %q", m.MockedPort())
	}

	device := bus.port("/dev/ttyACM0")
	virtual := bus.port("/dev/pts/71")
	if virtual == nil {
		t.Fatalf("virtual port was not opened")
	}

	const n = 1000
	feed := func(p *fakePort, prefix string, seed int64) {
		var sb strings.Builder
		for i := 0; i < n; i++ {
			fmt.Fprintf(&sb, "%s%d\r\n", prefix, i)
		}
		data := []byte(sb.String())
		rng := rand.New(rand.NewSource(seed))
		for len(data) > 0 {
			k := 1 + rng.Intn(40)
			if k > len(data) {
				k = len(data)
			}
			p.feed(data[:k])
			data = data[k:]
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); feed(device, "R", 1) }()
	go func() { defer wg.Done(); feed(virtual, "M", 2) }()
	wg.Wait()

	waitFor(t, 5*time.Second, func() bool { return len(virtual.lines()) >= n && len(device.lines()) >= n }, "forwarded lines")
	time.Sleep(20 * time.Millisecond)

	check := func(got []string, prefix string) {
		if len(got) != n {
			t.Fatalf("%s: got %d lines, want %d", prefix, len(got), n)
		}
		for i, line := range got {
			if want := fmt.Sprintf("%s%d", prefix, i); line != want {
				t.Fatalf("%s: line %d = %q, want %q", prefix, i, line, want)
			}
		}
	}
	check(virtual.lines(), "R")
	check(device.lines(), "M")
}

func TestMultiplexerStop(t *testing.T) {
	bus := newFakeBus()
	real := connectReal(t, bus)
	prov := newFakeProvider(0)

	m, err := New(real, WithProvider(prov), WithConnectionOptions(serial.WithOpener(bus.open)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if real.ListenerCount() != 1 {
		t.Fatalf("real listeners = %d", real.ListenerCount())
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if real.IsConnected() || real.ListenerCount() != 0 {
		t.Fatalf("real still connected or listening")
	}
	if !bus.port("/dev/pts/71").isClosed() || !bus.port("/dev/ttyACM0").isClosed() {
		t.Fatalf("ports not closed")
	}
	select {
	case <-prov.exited:
	case <-time.After(time.Second):
		t.Fatalf("provider still running after Stop")
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if prov.closeCount() != 1 {
		t.Fatalf("provider closed %d times", prov.closeCount())
	}
}

func TestPtyScanner(t *testing.T) {
	var s ptyScanner
	lines := []string{
		"2024/05/01 21:00:00 socat[4242] N opening character device",
		"garbage without marker",
		"2024/05/01 21:00:00 socat[4242] N PTY is /dev/pts/3",
		"2024/05/01 21:00:00 socat[4242] N PTY is   ",
	}
	for _, l := range lines {
		if s.feed(l) {
			t.Fatalf("ready too early at %q", l)
		}
	}
	if s.state != awaitingPort2 {
		t.Fatalf("state = %v", s.state)
	}
	if !s.feed("2024/05/01 21:00:00 socat[4242] N PTY is /dev/pts/4") {
		t.Fatalf("expected ready")
	}
	if s.pair != (PortPair{Port1: "/dev/pts/3", Port2: "/dev/pts/4"}) {
		t.Fatalf("pair = %+v", s.pair)
	}
	s.feed("2024/05/01 21:00:00 socat[4242] N PTY is /dev/pts/9")
	if s.pair.Port2 != "/dev/pts/4" {
		t.Fatalf("pair changed after ready: %+v", s.pair)
	}
}

func TestSocatProviderScript(t *testing.T) {
	if hostOS != "linux" {
		t.Skip("socat provider runs on linux only")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	script := `echo "2024/05/01 21:00:00 socat[1] N PTY is /dev/pts/91" >&2
echo "2024/05/01 21:00:00 socat[1] N starting data transfer loop"
echo "2024/05/01 21:00:00 socat[1] N PTY is /dev/pts/92" >&2
exec sleep 30`
	p := NewSocatProvider(WithSocatPath("/bin/sh"), WithSocatArgs("-c", script))
	done := make(chan error, 1)
	go func() { done <- p.Start() }()

	waitFor(t, 5*time.Second, func() bool { _, ok := p.Ports(); return ok }, "socat pair")
	pair, _ := p.Ports()
	if pair != (PortPair{Port1: "/dev/pts/91", Port2: "/dev/pts/92"}) {
		t.Fatalf("pair = %+v", pair)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start after Close: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Start did not return after Close")
	}
}

func TestSocatProviderEarlyExit(t *testing.T) {
	if hostOS != "linux" {
		t.Skip("socat provider runs on linux only")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	p := NewSocatProvider(WithSocatPath("/bin/sh"), WithSocatArgs("-c", "exit 3"))
	if err := p.Start(); err == nil {
		t.Fatalf("expected error for early exit")
	}
	_ = p.Close()
}

func TestUnsupportedPlatform(t *testing.T) {
	orig := hostOS
	hostOS = "plan9"
	defer func() { hostOS = orig }()

	if _, err := DefaultProvider(zerolog.Nop()); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("DefaultProvider: %v", err)
	}
	if err := NewSocatProvider().Start(); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("socat Start: %v", err)
	}

	bus := newFakeBus()
	real := connectReal(t, bus)
	defer real.Disconnect()
	if _, err := New(real); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("New: %v", err)
	}
}

func TestDefaultProviderByPlatform(t *testing.T) {
	orig := hostOS
	defer func() { hostOS = orig }()

	hostOS = "linux"
	if p, err := DefaultProvider(zerolog.Nop()); err != nil {
		t.Fatalf("linux: %v", err)
	} else if _, ok := p.(*SocatProvider); !ok {
		t.Fatalf("linux provider %T", p)
	}

	hostOS = "windows"
	if p, err := DefaultProvider(zerolog.Nop()); err != nil {
		t.Fatalf("windows: %v", err)
	} else if _, ok := p.(*NativeProvider); !ok {
		t.Fatalf("windows provider %T", p)
	}
}

// hangDriver blocks in CreateVirtualPorts until release is closed.
type hangDriver struct {
	release chan struct{}

	mu       sync.Mutex
	released int
}

func (d *hangDriver) CreateVirtualPorts() ([]string, error) {
	<-d.release
	return []string{"/dev/pts/81", "/dev/pts/82"}, nil
}

func (d *hangDriver) ReleaseVirtualPorts() error {
	d.mu.Lock()
	d.released++
	d.mu.Unlock()
	return nil
}

func (d *hangDriver) releaseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

func TestNewNativeDriverHangTimesOut(t *testing.T) {
	bus := newFakeBus()
	real := connectReal(t, bus)
	defer real.Disconnect()

	drv := &hangDriver{release: make(chan struct{})}
	prov := NewNativeProvider(drv)
	done := make(chan error, 1)
	go func() {
		_, err := New(real, WithProvider(prov), WithTimeout(100*time.Millisecond), WithPollInterval(10*time.Millisecond))
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, connerr.Timeout) {
			t.Fatalf("expected Timeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		close(drv.release)
		t.Fatalf("New blocked on a hanging driver")
	}

	// The ports created after Close are released by Start itself.
	close(drv.release)
	waitFor(t, 2*time.Second, func() bool { return drv.releaseCount() == 1 }, "late release")
	if _, ok := prov.Ports(); ok {
		t.Fatalf("closed provider reports a pair")
	}
	if bus.port("/dev/pts/81") != nil {
		t.Fatalf("virtual port opened despite timeout")
	}
}

func TestNewSocatSilentTimesOut(t *testing.T) {
	if hostOS != "linux" {
		t.Skip("socat provider runs on linux only")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	bus := newFakeBus()
	real := connectReal(t, bus)
	defer real.Disconnect()

	prov := NewSocatProvider(WithSocatPath("/bin/sh"), WithSocatArgs("-c", "exec sleep 30"))
	start := time.Now()
	_, err := New(real, WithProvider(prov), WithTimeout(200*time.Millisecond), WithPollInterval(10*time.Millisecond))
	if !errors.Is(err, connerr.Timeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("New returned after %v", elapsed)
	}
	select {
	case <-prov.done:
	case <-time.After(time.Second):
		t.Fatalf("socat Start still running after timeout")
	}
}

func TestSocatProviderWrapperChildKilled(t *testing.T) {
	if hostOS != "linux" {
		t.Skip("socat provider runs on linux only")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	// The backgrounded child inherits the output pipe.
	script := `sleep 30 &
echo "2024/05/01 21:00:00 socat[1] N PTY is /dev/pts/93" >&2
echo "2024/05/01 21:00:00 socat[1] N PTY is /dev/pts/94" >&2
wait`
	p := NewSocatProvider(WithSocatPath("/bin/sh"), WithSocatArgs("-c", script))
	done := make(chan error, 1)
	go func() { done <- p.Start() }()

	waitFor(t, 5*time.Second, func() bool { _, ok := p.Ports(); return ok }, "socat pair")
	closed := make(chan error, 1)
	go func() { closed <- p.Close() }()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Close blocked on the wrapper's child")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start after Close: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Start did not return after Close")
	}
}
