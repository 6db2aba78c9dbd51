package config

// WorkflowConf describes a workflow process.
type WorkflowConf struct {
	Base         `yaml:",inline"`
	Apply        Names             `yaml:"apply,omitempty"`
	Entry        string            `yaml:"entry,omitempty"`
	Admins       Names             `yaml:"admins,omitempty"`
	EntryActions Names             `yaml:"entryActions,omitempty"`
	States       []*StateConf      `yaml:"states,omitempty"`
	Transitions  []*TransitionConf `yaml:"transitions,omitempty"`
}

func (*WorkflowConf) Kind() Kind { return KindWorkflow }

func (w *WorkflowConf) nested() []Descriptor {
	out := make([]Descriptor, 0, len(w.States)+len(w.Transitions))
	for _, s := range w.States {
		out = append(out, s)
	}
	for _, t := range w.Transitions {
		out = append(out, t)
	}
	return out
}

// DefaultEntryActions force the entry state before eligibility is computed.
var DefaultEntryActions = Names{"create", "duplicate"}

// EntryActionSet returns the configured entry actions or the defaults.
func (w *WorkflowConf) EntryActionSet() Names {
	if len(w.EntryActions) > 0 {
		return w.EntryActions
	}
	return DefaultEntryActions
}

// EntryState returns Entry, or the first declared state.
func (w *WorkflowConf) EntryState() string {
	if w.Entry != "" {
		return w.Entry
	}
	if len(w.States) > 0 {
		return w.States[0].ID
	}
	return ""
}

func (w *WorkflowConf) State(id string) *StateConf {
	for _, s := range w.States {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (w *WorkflowConf) Transition(id string) *TransitionConf {
	for _, t := range w.Transitions {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (w *WorkflowConf) Test() []Problem {
	probs := testBase(w)
	if len(w.States) == 0 {
		probs = append(probs, problem(w, SeverityError, "process declares no states"))
		return probs
	}
	seen := map[string]bool{}
	for _, s := range w.States {
		if seen[s.ID] {
			probs = append(probs, problem(w, SeverityError, "state %s declared twice", s.ID))
		}
		seen[s.ID] = true
	}
	if w.State(w.EntryState()) == nil {
		probs = append(probs, problem(w, SeverityError, "entry state %s is not declared", w.EntryState()))
	}
	tseen := map[string]bool{}
	for _, t := range w.Transitions {
		if tseen[t.ID] {
			probs = append(probs, problem(w, SeverityError, "transition %s declared twice", t.ID))
		}
		tseen[t.ID] = true
		if t.From != Wildcard && w.State(t.From) == nil {
			probs = append(probs, problem(w, SeverityError, "transition %s: unknown from state %s", t.ID, t.From))
		}
		if w.State(t.To) == nil {
			probs = append(probs, problem(w, SeverityError, "transition %s: unknown to state %s", t.ID, t.To))
		}
	}
	return probs
}

// StateConf is one workflow state. Actions are permitted without a
// transition.
type StateConf struct {
	Base    `yaml:",inline"`
	Actions Names `yaml:"actions,omitempty"`
}

func (*StateConf) Kind() Kind { return KindState }

func (s *StateConf) Test() []Problem { return testBase(s) }

// TransitionConf connects two states under action, role and condition guards.
type TransitionConf struct {
	Base       `yaml:",inline"`
	From       string         `yaml:"from"`
	To         string         `yaml:"to"`
	Actions    Names          `yaml:"actions,omitempty"`
	Roles      Names          `yaml:"roles,omitempty"`
	Conditions Names          `yaml:"conditions,omitempty"`
	Execute    Names          `yaml:"execute,omitempty"`
	Values     map[string]any `yaml:"values,omitempty"`
	Message    string         `yaml:"message,omitempty"`
}

func (*TransitionConf) Kind() Kind { return KindTransition }

func (t *TransitionConf) Test() []Problem {
	probs := testBase(t)
	if t.From == "" || t.To == "" {
		probs = append(probs, problem(t, SeverityError, "from and to are required"))
	}
	if len(t.Actions) == 0 {
		probs = append(probs, problem(t, SeverityWarning, "transition accepts no action"))
	}
	if len(t.Roles) == 0 {
		probs = append(probs, problem(t, SeverityWarning, "transition has no roles; only admins can fire it"))
	}
	return probs
}
