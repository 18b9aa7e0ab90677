package serial

import "sync"

// Listener receives the lines and errors observed on a Connection.
//
// Listeners are compared by identity when added or removed, so
// implementations must be comparable; pointer types are the norm.
type Listener interface {
	OnMessage(line string)
	OnError(err error)
}

// FuncListener adapts a pair of functions to the Listener interface.
// Either function may be nil.
type FuncListener struct {
	onMessage func(string)
	onError   func(error)
}

// NewListener returns a Listener backed by onMessage and onError.
func NewListener(onMessage func(string), onError func(error)) *FuncListener {
	return &FuncListener{onMessage: onMessage, onError: onError}
}

func (l *FuncListener) OnMessage(line string) {
	if l.onMessage != nil {
		l.onMessage(line)
	}
}

func (l *FuncListener) OnError(err error) {
	if l.onError != nil {
		l.onError(err)
	}
}

// registry is an ordered listener set. Mutations replace the backing slice so
// a snapshot handed to a dispatcher is never modified underneath it.
type registry struct {
	mu        sync.Mutex
	listeners []Listener
}

func (r *registry) add(l Listener) error {
	if l == nil {
		return ErrNilListener
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.listeners {
		if existing == l {
			return ErrListenerExists
		}
	}
	next := make([]Listener, len(r.listeners), len(r.listeners)+1)
	copy(next, r.listeners)
	r.listeners = append(next, l)
	return nil
}

// remove reports whether l was registered.
func (r *registry) remove(l Listener) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.listeners {
		if existing == l {
			next := make([]Listener, 0, len(r.listeners)-1)
			next = append(next, r.listeners[:i]...)
			r.listeners = append(next, r.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (r *registry) snapshot() []Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listeners
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

func (r *registry) dispatchMessage(line string) {
	for _, l := range r.snapshot() {
		l.OnMessage(line)
	}
}

func (r *registry) dispatchError(err error) {
	for _, l := range r.snapshot() {
		l.OnError(err)
	}
}
