package config

import (
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// SubtypeMode selects how a container restricts its children.
type SubtypeMode int

const (
	// SubtypesNone marks a leaf: no children at all.
	SubtypesNone SubtypeMode = iota
	// SubtypesAny accepts every type.
	SubtypesAny
	// SubtypesSpecific accepts the listed type ids or capabilities.
	SubtypesSpecific
)

// SubtypePolicy is written in YAML as "*" (any), "none" or a list of type
// ids and capabilities.
type SubtypePolicy struct {
	Mode    SubtypeMode
	Allowed []string
}

func AnySubtypes() SubtypePolicy { return SubtypePolicy{Mode: SubtypesAny} }

func NoSubtypes() SubtypePolicy { return SubtypePolicy{Mode: SubtypesNone} }

func Subtypes(allowed ...string) SubtypePolicy {
	return SubtypePolicy{Mode: SubtypesSpecific, Allowed: allowed}
}

// Accepts reports whether a child of typeID providing caps may be added.
func (p SubtypePolicy) Accepts(typeID string, caps []string) bool {
	switch p.Mode {
	case SubtypesAny:
		return true
	case SubtypesSpecific:
		for _, a := range p.Allowed {
			if a == typeID || slices.Contains(caps, a) {
				return true
			}
		}
	}
	return false
}

func (p SubtypePolicy) IsZero() bool { return p.Mode == SubtypesNone && len(p.Allowed) == 0 }

func (p SubtypePolicy) MarshalYAML() (any, error) {
	switch p.Mode {
	case SubtypesAny:
		return Wildcard, nil
	case SubtypesSpecific:
		return p.Allowed, nil
	}
	return "none", nil
}

func (p *SubtypePolicy) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		switch strings.ToLower(node.Value) {
		case Wildcard, "any":
			*p = AnySubtypes()
		case "", "none", "~", "null":
			*p = NoSubtypes()
		default:
			*p = Subtypes(node.Value)
		}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		if len(items) == 0 {
			*p = NoSubtypes()
			return nil
		}
		if slices.Contains(items, Wildcard) {
			*p = AnySubtypes()
			return nil
		}
		*p = Subtypes(items...)
		return nil
	}
	return fmt.Errorf("line %d: subtypes must be \"*\", \"none\" or a list", node.Line)
}

// Access of an ACL entry.
type Access string

const (
	Allow Access = "Allow"
	Deny  Access = "Deny"
)

// ACE is one ACL entry, written in YAML as [Allow, group, [perm, ...]].
type ACE struct {
	Access      Access
	Group       string
	Permissions Names
}

// Matches reports whether the entry names permission.
func (e ACE) Matches(permission string) bool {
	return e.Permissions.Has(permission) || e.Permissions.Wildcard() || e.Permissions.Has("all")
}

func (e ACE) MarshalYAML() (any, error) {
	perms := any([]string(e.Permissions))
	if len(e.Permissions) == 1 {
		perms = e.Permissions[0]
	}
	return []any{string(e.Access), e.Group, perms}, nil
}

func (e *ACE) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode || len(node.Content) != 3 {
		return fmt.Errorf("line %d: acl entry must be [Allow|Deny, group, permissions]", node.Line)
	}
	switch strings.ToLower(node.Content[0].Value) {
	case "allow":
		e.Access = Allow
	case "deny":
		e.Access = Deny
	default:
		return fmt.Errorf("line %d: acl access must be Allow or Deny", node.Line)
	}
	e.Group = node.Content[1].Value
	return node.Content[2].Decode(&e.Permissions)
}

// ACL is an ordered list of entries; the first match wins.
type ACL []ACE

// ObjectConf describes an object type.
type ObjectConf struct {
	Base         `yaml:",inline"`
	Context      string        `yaml:"context,omitempty"`
	Extensions   Names         `yaml:"extensions,omitempty"`
	DBParam      string        `yaml:"dbparam,omitempty"`
	Data         []*FieldConf  `yaml:"data,omitempty"`
	Subtypes     SubtypePolicy `yaml:"subtypes,omitempty"`
	Provides     Names         `yaml:"provides,omitempty"`
	ACL          ACL           `yaml:"acl,omitempty"`
	Workflow     string        `yaml:"workflow,omitempty"`
	SelectTag    int           `yaml:"selectTag,omitempty"`
	DefaultSort  string        `yaml:"defaultSort,omitempty"`
	Cache        bool          `yaml:"cache,omitempty"`
	FilenameFrom string        `yaml:"filenameFrom,omitempty"`
	Extension    string        `yaml:"extension,omitempty"`
}

func (*ObjectConf) Kind() Kind { return KindObject }

func (o *ObjectConf) nested() []Descriptor {
	out := make([]Descriptor, 0, len(o.Data))
	for _, f := range o.Data {
		out = append(out, f)
	}
	return out
}

// Table is the data table, defaulting to the type id.
func (o *ObjectConf) Table() string {
	if o.DBParam != "" {
		return o.DBParam
	}
	return o.ID
}

// Field returns the declared data field id or nil.
func (o *ObjectConf) Field(id string) *FieldConf {
	return findField(o.Data, id)
}

// IsContainer reports whether the type accepts children.
func (o *ObjectConf) IsContainer() bool { return o.Subtypes.Mode != SubtypesNone }

func (o *ObjectConf) Test() []Problem {
	probs := testBase(o)
	if !identRe.MatchString(o.Table()) || strings.ContainsAny(o.Table(), ".-") {
		probs = append(probs, problem(o, SeverityError, "dbparam %q is not a valid table name", o.Table()))
	}
	if o.Table() == "meta" || o.Table() == "files" || o.Table() == "sys" {
		probs = append(probs, problem(o, SeverityError, "dbparam %q is reserved", o.Table()))
	}
	probs = append(probs, testFieldIDs(o, o.Data)...)
	if o.Subtypes.Mode == SubtypesSpecific && len(o.Subtypes.Allowed) == 0 {
		probs = append(probs, problem(o, SeverityWarning, "subtype list is empty"))
	}
	return probs
}

// RootConf describes a root type.
type RootConf struct {
	Base        `yaml:",inline"`
	Context     string            `yaml:"context,omitempty"`
	Extensions  Names             `yaml:"extensions,omitempty"`
	Default     bool              `yaml:"default,omitempty"`
	Subtypes    *SubtypePolicy    `yaml:"subtypes,omitempty"`
	ACL         ACL               `yaml:"acl,omitempty"`
	Workflow    string            `yaml:"workflow,omitempty"`
	Data        []*FieldConf      `yaml:"data,omitempty"`
	DefaultSort string            `yaml:"defaultSort,omitempty"`
	Cache       bool              `yaml:"cache,omitempty"`
	Restraints  map[string]any    `yaml:"restraints,omitempty"`
	Operators   map[string]string `yaml:"operators,omitempty"`
	Extension   string            `yaml:"extension,omitempty"`
}

func (*RootConf) Kind() Kind { return KindRoot }

func (r *RootConf) nested() []Descriptor {
	out := make([]Descriptor, 0, len(r.Data))
	for _, f := range r.Data {
		out = append(out, f)
	}
	return out
}

// Policy is the subtype policy; roots accept any type unless restricted.
func (r *RootConf) Policy() SubtypePolicy {
	if r.Subtypes == nil {
		return AnySubtypes()
	}
	return *r.Subtypes
}

func (r *RootConf) Field(id string) *FieldConf {
	return findField(r.Data, id)
}

func (r *RootConf) Test() []Problem {
	probs := testBase(r)
	probs = append(probs, testFieldIDs(r, r.Data)...)
	for key, op := range r.Operators {
		if _, ok := r.Restraints[key]; !ok {
			probs = append(probs, problem(r, SeverityWarning, "operator for %s without restraint", key))
		}
		if !validOperator(op) {
			probs = append(probs, problem(r, SeverityError, "invalid operator %q for %s", op, key))
		}
	}
	return probs
}

func findField(fields []*FieldConf, id string) *FieldConf {
	for _, f := range fields {
		if f.ID == id {
			return f
		}
	}
	return nil
}

func testFieldIDs(owner Descriptor, fields []*FieldConf) []Problem {
	var probs []Problem
	seen := map[string]bool{}
	for _, f := range fields {
		if f == nil {
			probs = append(probs, problem(owner, SeverityError, "empty field entry"))
			continue
		}
		if seen[f.ID] {
			probs = append(probs, problem(owner, SeverityError, "field %s declared twice", f.ID))
		}
		seen[f.ID] = true
		if f.ID == "id" {
			probs = append(probs, problem(owner, SeverityError, "field id %q is reserved", f.ID))
		}
	}
	return probs
}
