package config

import (
	"fmt"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"

	"contentline/internal/domain"
)

// Kind names a descriptor kind. The set is closed.
type Kind string

const (
	KindApp        Kind = "application"
	KindDatabase   Kind = "database"
	KindField      Kind = "field"
	KindObject     Kind = "object"
	KindRoot       Kind = "root"
	KindViewModule Kind = "viewmodule"
	KindView       Kind = "view"
	KindTool       Kind = "tool"
	KindGroup      Kind = "group"
	KindModule     Kind = "module"
	KindWidget     Kind = "widget"
	KindWorkflow   Kind = "workflow"
	KindState      Kind = "state"
	KindTransition Kind = "transition"
	KindPortal     Kind = "portal"
)

// Kinds lists every descriptor kind.
var Kinds = []Kind{
	KindApp, KindDatabase, KindField, KindObject, KindRoot, KindViewModule, KindView,
	KindTool, KindGroup, KindModule, KindWidget, KindWorkflow, KindState, KindTransition, KindPortal,
}

// Descriptor is a typed, lockable attribute record.
type Descriptor interface {
	Kind() Kind
	Desc() *Base
	Test() []Problem
}

// Base carries the attributes shared by every descriptor kind. Keys without a
// typed field land in Extra.
type Base struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name,omitempty"`
	Description string         `yaml:"description,omitempty"`
	Extra       map[string]any `yaml:",inline"`

	parent Descriptor
	locked bool
}

func (b *Base) Desc() *Base { return b }

// Parent is the descriptor this one was copied from.
func (b *Base) Parent() Descriptor { return b.parent }

func (b *Base) Locked() bool { return b.locked }

// Severity of a Problem.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Problem is one finding of Test. Problems are collected, never raised.
type Problem struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	UID      string   `json:"uid"`
}

func (p Problem) String() string {
	return fmt.Sprintf("%s %s: %s", p.Severity, p.UID, p.Message)
}

func problem(d Descriptor, sev Severity, format string, args ...any) Problem {
	return Problem{Severity: sev, Message: fmt.Sprintf(format, args...), UID: UID(d)}
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]*$`)

func testBase(d Descriptor) []Problem {
	b := d.Desc()
	if b.ID == "" {
		return []Problem{problem(d, SeverityError, "id is required")}
	}
	if !identRe.MatchString(b.ID) {
		return []Problem{problem(d, SeverityError, "id %q is not a valid identifier", b.ID)}
	}
	return nil
}

// UID is the stable persistence identifier "<kind>.<id>".
func UID(d Descriptor) string {
	return string(d.Kind()) + "." + d.Desc().ID
}

// New returns an empty descriptor of kind with kind defaults applied.
func New(kind Kind) (Descriptor, error) {
	switch kind {
	case KindApp:
		return NewApp(""), nil
	case KindDatabase:
		return &DatabaseConf{}, nil
	case KindField:
		return &FieldConf{Datatype: String}, nil
	case KindObject:
		return &ObjectConf{Context: "object"}, nil
	case KindRoot:
		return &RootConf{Context: "root"}, nil
	case KindViewModule:
		return &ViewModuleConf{}, nil
	case KindView:
		return &ViewConf{}, nil
	case KindTool:
		return &ToolConf{}, nil
	case KindGroup:
		return &GroupConf{}, nil
	case KindModule:
		return &ModuleConf{}, nil
	case KindWidget:
		return &WidgetConf{}, nil
	case KindWorkflow:
		return &WorkflowConf{}, nil
	case KindState:
		return &StateConf{}, nil
	case KindTransition:
		return &TransitionConf{}, nil
	case KindPortal:
		return &PortalConf{}, nil
	}
	return nil, domain.ConfigurationError{Reason: fmt.Sprintf("unknown descriptor kind %q", kind)}
}

// nester is implemented by descriptors owning sub-descriptors.
type nester interface {
	nested() []Descriptor
}

// Lock makes d and every nested descriptor immutable.
func Lock(d Descriptor) {
	d.Desc().locked = true
	if n, ok := d.(nester); ok {
		for _, c := range n.nested() {
			Lock(c)
		}
	}
}

// TestAll runs Test on d and every nested descriptor.
func TestAll(d Descriptor) []Problem {
	probs := d.Test()
	if n, ok := d.(nester); ok {
		for _, c := range n.nested() {
			probs = append(probs, TestAll(c)...)
		}
	}
	return probs
}

// Values renders d as a plain map, keyed like its YAML form.
func Values(d Descriptor) (map[string]any, error) {
	raw, err := yaml.Marshal(d)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns d's own value for key. Missing or empty values fall back to
// the parent descriptor, then to def.
func Get(d Descriptor, key string, def any) any {
	for cur := d; cur != nil; cur = cur.Desc().parent {
		vals, err := Values(cur)
		if err != nil {
			break
		}
		if v, ok := vals[key]; ok && v != nil {
			return v
		}
	}
	return def
}

// Update merges values into d. Locked descriptors refuse.
func Update(d Descriptor, values map[string]any) error {
	if d.Desc().locked {
		return domain.ConfigurationError{UID: UID(d), Reason: "descriptor is locked"}
	}
	if len(values) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(values)
	if err != nil {
		return domain.ConfigurationError{UID: UID(d), Reason: err.Error()}
	}
	if err := yaml.Unmarshal(raw, d); err != nil {
		return domain.ConfigurationError{UID: UID(d), Reason: err.Error()}
	}
	return nil
}

// Copy returns an unlocked deep copy of d with overrides applied. The copy
// keeps d as parent for Get fallbacks.
func Copy(d Descriptor, overrides map[string]any) (Descriptor, error) {
	out, err := New(d.Kind())
	if err != nil {
		return nil, err
	}
	raw, err := yaml.Marshal(d)
	if err != nil {
		return nil, domain.ConfigurationError{UID: UID(d), Reason: err.Error()}
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return nil, domain.ConfigurationError{UID: UID(d), Reason: err.Error()}
	}
	out.Desc().parent = d
	if err := Update(out, overrides); err != nil {
		return nil, err
	}
	return out, nil
}

// Names is a list of names that may be written as a single YAML scalar.
type Names []string

func (n *Names) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" || node.Value == "" {
			*n = nil
			return nil
		}
		*n = Names{node.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*n = items
		return nil
	}
	return fmt.Errorf("line %d: expected name or list of names", node.Line)
}

// Has reports whether name is listed.
func (n Names) Has(name string) bool { return slices.Contains(n, name) }

// Wildcard reports whether the list is the wildcard "*".
func (n Names) Wildcard() bool { return slices.Contains(n, Wildcard) }

// Wildcard matches any state, action or role.
const Wildcard = "*"
