package engine

import (
	"context"
	"fmt"
	"strconv"

	"contentline/internal/config"
	"contentline/internal/domain"
	"contentline/internal/events"
)

// Behavior is a base context or an extension named by a type descriptor.
// The factory composes extensions in declared order with the base last; the
// optional interfaces below are looked up along that chain.
type Behavior any

// Initializer runs when a node is constructed.
type Initializer interface {
	Init(ctx context.Context, n Node) error
}

// SelfCreator fills a freshly allocated object. The first one in the chain
// wins.
type SelfCreator interface {
	CreateSelf(ctx context.Context, o *Object, values domain.Values, u domain.User) error
}

// TitleProvider names an object for humans. The first one in the chain wins.
type TitleProvider interface {
	Title(o *Object) string
}

// SignalHandler receives every signal fired on a node, before the
// application listeners. All handlers in the chain are called.
type SignalHandler interface {
	HandleSignal(ctx context.Context, n Node, s events.Signal) error
}

type defaultBehavior struct{}

func (defaultBehavior) CreateSelf(ctx context.Context, o *Object, values domain.Values, u domain.User) error {
	if _, err := o.apply(ctx, values, true); err != nil {
		return err
	}
	if o.entry.Meta().String(domain.MetaFilename) != "" {
		return nil
	}
	return o.assignFilename(ctx, o.filenameSource(values))
}

func (defaultBehavior) Title(o *Object) string {
	if s, ok := o.GetFld("title").(string); ok && s != "" {
		return s
	}
	if fn := o.Filename(); fn != "" {
		return fn
	}
	return strconv.FormatInt(o.ID(), 10)
}

func isBehavior(v any) bool {
	switch v.(type) {
	case Initializer, SelfCreator, TitleProvider, SignalHandler, defaultBehavior:
		return true
	}
	return false
}

func (a *Application) behavior(name string) (Behavior, error) {
	if b, ok := a.Contexts[name]; ok {
		return b, nil
	}
	if v, ok := a.Symbols.Lookup(name); ok && isBehavior(v) {
		return v, nil
	}
	return nil, fmt.Errorf("unknown context %q", name)
}

// chain returns extensions then base.
func (a *Application) chain(base string, extensions config.Names, fallback string) ([]Behavior, error) {
	if base == "" {
		base = fallback
	}
	out := make([]Behavior, 0, len(extensions)+1)
	for _, ext := range extensions {
		b, err := a.behavior(ext)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	b, err := a.behavior(base)
	if err != nil {
		return nil, err
	}
	return append(out, b), nil
}

func first[T any](chain []Behavior) (T, bool) {
	for _, b := range chain {
		if v, ok := b.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func initialize(ctx context.Context, n Node, chain []Behavior) error {
	for _, b := range chain {
		if in, ok := b.(Initializer); ok {
			if err := in.Init(ctx, n); err != nil {
				return err
			}
		}
	}
	return nil
}

// signal delivers s to the handlers of n, then to the application listeners.
func (a *Application) signal(ctx context.Context, n Node, name string, s events.Signal) error {
	s.Name = name
	if s.Target == nil {
		s.Target = n
	}
	for _, b := range n.behaviors() {
		if h, ok := b.(SignalHandler); ok {
			if err := h.HandleSignal(ctx, n, s); err != nil {
				return fmt.Errorf("signal %s: %w", name, err)
			}
		}
	}
	if err := a.Signals.Signal(ctx, name, s); err != nil {
		return fmt.Errorf("signal %s: %w", name, err)
	}
	return nil
}
