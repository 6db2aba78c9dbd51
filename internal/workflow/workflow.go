package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"contentline/internal/config"
	"contentline/internal/domain"
	"contentline/internal/registry"
)

// Subject is an object a workflow process acts upon.
type Subject interface {
	registry.Context
	ProcessID() string
	StateID() string
	// SetWorkflow stores the process and state pointers. Persisting them
	// is up to the subject.
	SetWorkflow(process, state string)
	// Groups returns every group u holds on the subject.
	Groups(u domain.User) []string
}

// ConditionFunc guards a transition. Returning false makes the transition
// ineligible and is not an error.
type ConditionFunc func(ctx context.Context, t *config.TransitionConf, subj Subject, u domain.User, values domain.Values) bool

// ExecuteFunc runs when a transition fires. An error aborts the transition.
type ExecuteFunc func(ctx context.Context, t *config.TransitionConf, subj Subject, u domain.User, values domain.Values) error

// Callback is bound by name from a transition's conditions or execute list.
// An Interactive callback needs Fields supplied as values by the caller.
type Callback struct {
	Condition   ConditionFunc
	Execute     ExecuteFunc
	Interactive bool
	Fields      []*config.FieldConf
}

var ErrValuesRequired = errors.New("values required")

// ValuesRequiredError is returned when an interactive callback runs without
// values. Fields lists what the caller has to supply on retry.
type ValuesRequiredError struct {
	Transition string
	Callback   string
	Fields     []*config.FieldConf
}

func (e ValuesRequiredError) Error() string {
	return fmt.Sprintf("transition %s: %s needs values", e.Transition, e.Callback)
}

func (e ValuesRequiredError) Is(target error) bool { return target == ErrValuesRequired }

// Engine evaluates workflow processes found in the registry.
type Engine struct {
	Registry  *registry.Registry
	Callbacks map[string]Callback
	Symbols   config.Symbols
	Log       zerolog.Logger
}

func New(reg *registry.Registry, syms config.Symbols) *Engine {
	return &Engine{Registry: reg, Callbacks: map[string]Callback{}, Symbols: syms, Log: zerolog.Nop()}
}

// Register binds a callback name.
func (e *Engine) Register(name string, cb Callback) {
	if e.Callbacks == nil {
		e.Callbacks = map[string]Callback{}
	}
	e.Callbacks[name] = cb
}

func (e *Engine) callback(name string) (Callback, error) {
	if cb, ok := e.Callbacks[name]; ok {
		return cb, nil
	}
	if v, ok := e.Symbols.Lookup(name); ok {
		switch fn := v.(type) {
		case Callback:
			return fn, nil
		case *Callback:
			return *fn, nil
		case ConditionFunc:
			return Callback{Condition: fn}, nil
		case ExecuteFunc:
			return Callback{Execute: fn}, nil
		case func(context.Context, *config.TransitionConf, Subject, domain.User, domain.Values) bool:
			return Callback{Condition: fn}, nil
		case func(context.Context, *config.TransitionConf, Subject, domain.User, domain.Values) error:
			return Callback{Execute: fn}, nil
		}
	}
	return Callback{}, domain.ConfigurationError{UID: "callback." + name, Reason: "unknown workflow callback"}
}

// Process returns the descriptor of id applying to subj, preferring the
// most specific registration.
func (e *Engine) Process(subj Subject, id string) (*config.WorkflowConf, error) {
	if id == "" {
		return nil, nil
	}
	d := e.Registry.QueryAdapter(subj, registry.CapWorkflow, id)
	proc, ok := d.(*config.WorkflowConf)
	if !ok || proc == nil {
		return nil, domain.ConfigurationError{UID: "workflow." + id, Reason: "process is not registered for this object"}
	}
	return proc, nil
}

// Options refine Action and Allow.
type Options struct {
	// Transition selects a transition by id instead of the first eligible.
	Transition string
	Values     domain.Values
}

func matches(names config.Names, v string) bool {
	return v == config.Wildcard || names.Wildcard() || names.Has(v)
}

func (e *Engine) startState(proc *config.WorkflowConf, subj Subject, action string) string {
	if proc.EntryActionSet().Has(action) {
		return proc.EntryState()
	}
	if s := subj.StateID(); s != "" {
		return s
	}
	return proc.EntryState()
}

func (e *Engine) roleAllowed(proc *config.WorkflowConf, t *config.TransitionConf, groups []string) bool {
	if t.Roles.Wildcard() {
		return true
	}
	for _, g := range groups {
		if t.Roles.Has(g) || proc.Admins.Has(g) {
			return true
		}
	}
	return false
}

func mergeValues(t *config.TransitionConf, values domain.Values) domain.Values {
	if len(t.Values) == 0 {
		return values
	}
	out := domain.Values(t.Values).Clone()
	for k, v := range values {
		out[k] = v
	}
	return out
}

// eligible lists the transitions that may fire from state for action in
// declared order, transitions from the wildcard state last.
func (e *Engine) eligible(ctx context.Context, proc *config.WorkflowConf, state, action string, subj Subject, u domain.User, opts Options) ([]*config.TransitionConf, error) {
	groups := subj.Groups(u)
	var exact, wild []*config.TransitionConf
	for _, t := range proc.Transitions {
		if opts.Transition != "" && t.ID != opts.Transition {
			continue
		}
		fromWild := t.From == config.Wildcard
		if !fromWild && t.From != state {
			continue
		}
		if action != config.Wildcard && !matches(t.Actions, action) {
			continue
		}
		ok, err := e.conditions(ctx, t, subj, u, mergeValues(t, opts.Values))
		if err != nil {
			return nil, err
		}
		if !ok || !e.roleAllowed(proc, t, groups) {
			continue
		}
		if fromWild {
			wild = append(wild, t)
		} else {
			exact = append(exact, t)
		}
	}
	return append(exact, wild...), nil
}

func (e *Engine) conditions(ctx context.Context, t *config.TransitionConf, subj Subject, u domain.User, values domain.Values) (bool, error) {
	for _, name := range t.Conditions {
		cb, err := e.callback(name)
		if err != nil {
			return false, err
		}
		if cb.Condition == nil {
			return false, domain.ConfigurationError{UID: "callback." + name, Reason: "not a condition"}
		}
		if !cb.Condition(ctx, t, subj, u, values) {
			return false, nil
		}
	}
	return true, nil
}

// Action performs action on subj. It fires the chosen transition and
// returns it, or returns nil when the current state permits action by
// itself. An object without process accepts every action.
func (e *Engine) Action(ctx context.Context, action string, subj Subject, u domain.User, opts Options) (*config.TransitionConf, error) {
	proc, err := e.Process(subj, subj.ProcessID())
	if err != nil || proc == nil {
		return nil, err
	}
	state := e.startState(proc, subj, action)
	if state != subj.StateID() {
		subj.SetWorkflow(proc.ID, state)
	}
	candidates, err := e.eligible(ctx, proc, state, action, subj, u, opts)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		if st := proc.State(state); st != nil && matches(st.Actions, action) && opts.Transition == "" {
			return nil, nil
		}
		e.Log.Debug().Str("process", proc.ID).Str("state", state).Str("action", action).Str("user", u.ID).Msg("workflow denied")
		return nil, domain.WorkflowDeniedError{Process: proc.ID, State: state, Action: action}
	}
	t := candidates[0]
	values := mergeValues(t, opts.Values)
	for _, name := range t.Execute {
		cb, err := e.callback(name)
		if err != nil {
			return nil, err
		}
		if cb.Execute == nil {
			return nil, domain.ConfigurationError{UID: "callback." + name, Reason: "not an execute callback"}
		}
		if cb.Interactive && opts.Values == nil {
			return nil, ValuesRequiredError{Transition: t.ID, Callback: name, Fields: cb.Fields}
		}
		if err := cb.Execute(ctx, t, subj, u, values); err != nil {
			return nil, fmt.Errorf("transition %s: %s: %w", t.ID, name, err)
		}
	}
	subj.SetWorkflow(proc.ID, t.To)
	e.Log.Debug().Str("process", proc.ID).Str("transition", t.ID).Str("from", state).Str("to", t.To).Str("action", action).Str("user", u.ID).Msg("transition fired")
	return t, nil
}

// Allow reports whether Action would succeed without firing anything.
func (e *Engine) Allow(ctx context.Context, action string, subj Subject, u domain.User, transition string) bool {
	proc, err := e.Process(subj, subj.ProcessID())
	if err != nil {
		return false
	}
	if proc == nil {
		return true
	}
	state := e.startState(proc, subj, action)
	candidates, err := e.eligible(ctx, proc, state, action, subj, u, Options{Transition: transition})
	if err != nil {
		return false
	}
	if len(candidates) > 0 {
		return true
	}
	st := proc.State(state)
	return transition == "" && st != nil && matches(st.Actions, action)
}

// TransitionInfo describes one eligible transition.
type TransitionInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	From        string   `json:"from"`
	To          string   `json:"to"`
	Actions     []string `json:"actions"`
	Message     string   `json:"message,omitempty"`
	Interactive bool     `json:"interactive,omitempty"`
}

// Info summarizes the workflow of a subject for one user.
type Info struct {
	Process      string           `json:"process"`
	State        string           `json:"state"`
	Transitions  []TransitionInfo `json:"transitions"`
	Actions      []string         `json:"actions"`
	StateActions []string         `json:"state_actions"`
}

// Info lists the transitions u may fire from the current state.
func (e *Engine) Info(ctx context.Context, subj Subject, u domain.User) (*Info, error) {
	proc, err := e.Process(subj, subj.ProcessID())
	if err != nil || proc == nil {
		return nil, err
	}
	state := subj.StateID()
	if state == "" {
		state = proc.EntryState()
	}
	ts, err := e.eligible(ctx, proc, state, config.Wildcard, subj, u, Options{})
	if err != nil {
		return nil, err
	}
	info := &Info{Process: proc.ID, State: state, Transitions: []TransitionInfo{}, Actions: []string{}, StateActions: []string{}}
	if st := proc.State(state); st != nil {
		info.StateActions = append(info.StateActions, st.Actions...)
	}
	for _, t := range ts {
		ti := TransitionInfo{ID: t.ID, Name: t.Name, From: t.From, To: t.To, Actions: append([]string{}, t.Actions...), Message: t.Message}
		for _, name := range t.Execute {
			if cb, err := e.callback(name); err == nil && cb.Interactive {
				ti.Interactive = true
			}
		}
		info.Transitions = append(info.Transitions, ti)
		for _, a := range t.Actions {
			if !slices.Contains(info.Actions, a) {
				info.Actions = append(info.Actions, a)
			}
		}
	}
	return info, nil
}
