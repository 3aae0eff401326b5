// Package events delivers login and logout transitions to registered
// listeners.
package events

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// LoginAware is the capability set a listener implements to receive session
// transitions. The type system enforces it at registration, so a listener
// missing a handler is rejected at compile time rather than at dispatch.
type LoginAware interface {
	HandleLogin()
	HandleLogout()
}

// Dispatcher fans login and logout transitions out to listeners in
// registration order. Dispatch is synchronous and runs on the goroutine
// that triggered the transition; a panicking listener is logged and
// delivery continues with the next one.
type Dispatcher struct {
	logger *slog.Logger

	mu        sync.Mutex
	listeners []LoginAware
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{logger: logger}
}

// AddListener registers l. Nil and already-registered listeners are
// rejected immediately so wiring mistakes surface at startup, not at the
// first login.
func (d *Dispatcher) AddListener(l LoginAware) error {
	if l == nil {
		return fmt.Errorf("nil listener")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if slices.Contains(d.listeners, l) {
		return fmt.Errorf("listener already registered")
	}
	d.listeners = append(d.listeners, l)
	return nil
}

// AddListeners registers each listener in order, stopping at the first
// rejection.
func (d *Dispatcher) AddListeners(ls []LoginAware) error {
	for _, l := range ls {
		if err := d.AddListener(l); err != nil {
			return err
		}
	}
	return nil
}

// RemoveListener unregisters l. Removing an unknown listener is a no-op.
func (d *Dispatcher) RemoveListener(l LoginAware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = slices.DeleteFunc(d.listeners, func(x LoginAware) bool {
		return x == l
	})
}

// DispatchLogin notifies all listeners of a login transition.
func (d *Dispatcher) DispatchLogin() {
	d.dispatch("login")
}

// DispatchLogout notifies all listeners of a logout transition.
func (d *Dispatcher) DispatchLogout() {
	d.dispatch("logout")
}

func (d *Dispatcher) dispatch(event string) {
	d.mu.Lock()
	ls := slices.Clone(d.listeners)
	d.mu.Unlock()

	for _, l := range ls {
		d.deliver(event, l)
	}
}

func (d *Dispatcher) deliver(event string, l LoginAware) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event listener panicked",
				slog.String("event", event),
				slog.Any("panic", r))
		}
	}()
	switch event {
	case "login":
		l.HandleLogin()
	case "logout":
		l.HandleLogout()
	}
}
