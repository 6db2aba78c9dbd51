package events

import (
	"context"
	"sync"

	"contentline/internal/domain"
)

// Signal names fired by the content graph.
const (
	BeforeAdd   = "beforeAdd"
	Create      = "create"
	Duplicate   = "duplicate"
	AfterAdd    = "afterAdd"
	Update      = "update"
	Delete      = "delete"
	AfterDelete = "afterDelete"
	Action      = "action"
)

// Signal is the structured payload handed to listeners. Target is the object
// the signal is fired on; Parent is set for container signals.
type Signal struct {
	Name   string
	Target any
	Parent any
	User   domain.User
	TypeID string
	ID     int64
	Data   domain.Values
}

// Listener handles a signal. A returned error aborts the operation that
// fired it.
type Listener func(ctx context.Context, s Signal) error

// Dispatcher delivers signals to listeners in registration order.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{listeners: map[string][]Listener{}}
}

// On registers fn for name.
func (d *Dispatcher) On(name string, fn Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listeners == nil {
		d.listeners = map[string][]Listener{}
	}
	d.listeners[name] = append(d.listeners[name], fn)
}

// Has reports whether any listener is registered for name.
func (d *Dispatcher) Has(name string) bool {
	if d == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners[name]) > 0
}

// Signal calls every listener of name. The first error stops delivery and is
// returned unchanged.
func (d *Dispatcher) Signal(ctx context.Context, name string, s Signal) error {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	ls := append([]Listener(nil), d.listeners[name]...)
	d.mu.RUnlock()
	s.Name = name
	for _, fn := range ls {
		if err := fn(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
