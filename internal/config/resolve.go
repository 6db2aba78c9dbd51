package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"contentline/internal/domain"
)

// Configurable is a value exposing a descriptor, e.g. a module variable
// registered in a symbol table.
type Configurable interface {
	Configuration() Descriptor
}

// Symbols resolves dotted names ("std.note") to descriptors, configurables,
// behaviours, tool functions and workflow callbacks.
type Symbols map[string]any

func (s Symbols) Lookup(name string) (any, bool) {
	v, ok := s[name]
	return v, ok
}

// Resolve turns v into a descriptor. v may be a Descriptor, a Configurable, a
// dotted symbol, a record literal (map or YAML node with a "type" field and
// optional "copyFrom"), or an Include.
func (s Symbols) Resolve(v any) (Descriptor, error) {
	switch t := v.(type) {
	case nil:
		return nil, domain.ConfigurationError{Reason: "nothing to resolve"}
	case Descriptor:
		return t, nil
	case Configurable:
		d := t.Configuration()
		if d == nil {
			return nil, domain.ConfigurationError{Reason: fmt.Sprintf("%T exposes no configuration", t)}
		}
		return d, nil
	case Include:
		return s.resolveInclude(t)
	case *Include:
		return s.resolveInclude(*t)
	case string:
		val, ok := s[t]
		if !ok {
			return nil, domain.ConfigurationError{Reason: fmt.Sprintf("unresolved symbol %q", t)}
		}
		if _, isName := val.(string); isName {
			return nil, domain.ConfigurationError{Reason: fmt.Sprintf("symbol %q is not a descriptor", t)}
		}
		return s.Resolve(val)
	case map[string]any:
		var node yaml.Node
		if err := node.Encode(t); err != nil {
			return nil, domain.ConfigurationError{Reason: err.Error()}
		}
		return s.DecodeRecord(&node, "")
	case domain.Values:
		return s.Resolve(map[string]any(t))
	case *yaml.Node:
		return s.DecodeRecord(t, "")
	}
	return nil, domain.ConfigurationError{Reason: fmt.Sprintf("cannot resolve %T to a descriptor", v)}
}

func (s Symbols) resolveInclude(inc Include) (Descriptor, error) {
	switch {
	case inc.Desc != nil:
		return inc.Desc, nil
	case inc.node != nil:
		return s.DecodeRecord(inc.node, "")
	case inc.Ref != "":
		return s.Resolve(inc.Ref)
	}
	return nil, domain.ConfigurationError{Reason: "empty include"}
}

// DecodeRecord builds a descriptor from a YAML mapping. The "type" key names
// the kind (defaultKind when absent); "copyFrom" names a symbol that is
// cloned before the remaining keys are applied.
func (s Symbols) DecodeRecord(node *yaml.Node, defaultKind Kind) (Descriptor, error) {
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return nil, domain.ConfigurationError{Reason: fmt.Sprintf("line %d: record literal must be a mapping", node.Line)}
	}
	kind := string(defaultKind)
	var copyFrom string
	rest := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "type":
			kind = val.Value
		case "copyFrom":
			copyFrom = val.Value
		default:
			rest.Content = append(rest.Content, key, val)
		}
	}
	var (
		d   Descriptor
		err error
	)
	if copyFrom != "" {
		src, err := s.Resolve(copyFrom)
		if err != nil {
			return nil, err
		}
		if kind != "" && Kind(kind) != src.Kind() {
			return nil, domain.ConfigurationError{UID: UID(src), Reason: fmt.Sprintf("copyFrom kind %s does not match type %s", src.Kind(), kind)}
		}
		if d, err = Copy(src, nil); err != nil {
			return nil, err
		}
	} else {
		if kind == "" {
			return nil, domain.ConfigurationError{Reason: fmt.Sprintf("line %d: record literal without type", node.Line)}
		}
		if d, err = New(Kind(kind)); err != nil {
			return nil, err
		}
	}
	if err := rest.Decode(d); err != nil {
		return nil, domain.ConfigurationError{UID: UID(d), Reason: err.Error()}
	}
	return d, nil
}

// Include references a descriptor from a module list: a resolved instance,
// a symbol name, or a record literal decoded on resolution.
type Include struct {
	Ref  string
	Desc Descriptor
	node *yaml.Node
}

// Inc wraps a descriptor instance.
func Inc(d Descriptor) Include { return Include{Desc: d} }

// Ref references a symbol.
func Ref(name string) Include { return Include{Ref: name} }

func (i *Include) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		i.Ref = node.Value
		return nil
	case yaml.MappingNode:
		i.node = node
		return nil
	}
	return fmt.Errorf("line %d: module entry must be a symbol or a record", node.Line)
}

func (i Include) MarshalYAML() (any, error) {
	switch {
	case i.Desc != nil:
		return recordNode(i.Desc)
	case i.node != nil:
		return i.node, nil
	}
	return i.Ref, nil
}

func recordNode(d Descriptor) (*yaml.Node, error) {
	var node yaml.Node
	if err := node.Encode(d); err != nil {
		return nil, err
	}
	typeKey := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "type"}
	typeVal := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: string(d.Kind())}
	node.Content = append([]*yaml.Node{typeKey, typeVal}, node.Content...)
	return &node, nil
}
