package mux

import (
	"errors"
	"fmt"
	"sync"
)

// NativeDriver creates and releases virtual serial ports through an OS
// specific driver.
type NativeDriver interface {
	CreateVirtualPorts() ([]string, error)
	ReleaseVirtualPorts() error
}

// NativeProvider obtains a port pair from a NativeDriver.
type NativeProvider struct {
	driver NativeDriver

	mu      sync.Mutex
	pair    PortPair
	ok      bool
	created bool
	closed  bool

	stop      chan struct{}
	closeOnce sync.Once
}

// NewNativeProvider returns a provider backed by driver.
func NewNativeProvider(driver NativeDriver) *NativeProvider {
	return &NativeProvider{driver: driver, stop: make(chan struct{})}
}

// Start creates the ports and blocks until Close is called.
func (p *NativeProvider) Start() error {
	if p.driver == nil {
		return ErrUnsupportedPlatform
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil
	}

	// The driver may block; Ports and Close must stay usable meanwhile.
	ports, err := p.driver.CreateVirtualPorts()
	if err != nil {
		return fmt.Errorf("mux: create virtual ports: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		// Close ran while the driver was creating the ports.
		relErr := p.driver.ReleaseVirtualPorts()
		p.mu.Unlock()
		return relErr
	}
	if len(ports) != 2 {
		relErr := p.driver.ReleaseVirtualPorts()
		p.mu.Unlock()
		return errors.Join(fmt.Errorf("%w: got %d", ErrIllegalPortCount, len(ports)), relErr)
	}
	p.pair = PortPair{Port1: ports[0], Port2: ports[1]}
	p.ok = true
	p.created = true
	p.mu.Unlock()

	<-p.stop
	return nil
}

// Ports returns the pair created by the driver.
func (p *NativeProvider) Ports() (PortPair, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pair, p.ok
}

// Close releases the virtual ports.
func (p *NativeProvider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		if p.created {
			p.created = false
			p.ok = false
			err = p.driver.ReleaseVirtualPorts()
		}
		p.mu.Unlock()
		close(p.stop)
	})
	return err
}
