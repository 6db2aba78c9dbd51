package registry

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"contentline/internal/config"
	"contentline/internal/domain"
)

// Capability is a named trait of a runtime object or a descriptor role.
type Capability string

const (
	// CapGlobal is exposed by every context, including none.
	CapGlobal     Capability = "global"
	CapApp        Capability = "app"
	CapDatabase   Capability = "database"
	CapPortal     Capability = "portal"
	CapObjectType Capability = "objecttype"
	CapRootType   Capability = "roottype"
	CapView       Capability = "view"
	CapViewModule Capability = "viewmodule"
	CapGroup      Capability = "group"
	CapField      Capability = "field"
	CapModule     Capability = "module"
	CapTool       Capability = "tool"
	CapWorkflow   Capability = "workflow"
)

// Context is a runtime object taking part in adapter lookup.
type Context interface {
	Capabilities() []Capability
}

// Caps converts names to capabilities.
func Caps(names ...string) []Capability {
	out := make([]Capability, 0, len(names))
	for _, n := range names {
		out = append(out, Capability(n))
	}
	return out
}

type utilityKey struct {
	cap  Capability
	name string
}

type adapter struct {
	required []Capability
	provided Capability
	name     string
	desc     config.Descriptor
}

func (a adapter) key() string {
	req := make([]string, len(a.required))
	for i, c := range a.required {
		req[i] = string(c)
	}
	slices.Sort(req)
	return strings.Join(req, ",") + "|" + string(a.provided) + "|" + a.name
}

// Registry stores descriptors as utilities keyed by (capability, name) and
// as adapters keyed by (required capabilities, provided capability, name).
// It is written during registration only; after Lock it is read-only.
type Registry struct {
	// Strict turns error problems reported by Test into registration
	// failures.
	Strict bool

	mu        sync.RWMutex
	utilities map[utilityKey]config.Descriptor
	utilOrder []utilityKey
	adapters  []adapter
	order     []config.Descriptor
	locked    bool
}

func New(strict bool) *Registry {
	return &Registry{Strict: strict, utilities: map[utilityKey]config.Descriptor{}}
}

type plan struct {
	utilities []struct {
		key  utilityKey
		desc config.Descriptor
	}
	adapters []adapter
}

// Register resolves d's includes through syms and records every descriptor
// according to its kind. On failure nothing is recorded.
func (r *Registry) Register(d config.Descriptor, syms config.Symbols) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locked {
		return domain.ConfigurationError{UID: config.UID(d), Reason: "registry is locked"}
	}
	var p plan
	if err := r.plan(d, syms, &p, nil); err != nil {
		return err
	}
	staged := map[utilityKey]config.Descriptor{}
	for _, u := range p.utilities {
		existing, ok := r.utilities[u.key]
		if !ok {
			existing, ok = staged[u.key]
		}
		if ok {
			if !same(existing, u.desc) {
				return domain.ConfigurationError{UID: config.UID(u.desc), Reason: fmt.Sprintf("%s %q already registered", u.key.cap, u.key.name)}
			}
			continue
		}
		staged[u.key] = u.desc
	}
	stagedAdapters := map[string]adapter{}
	for _, a := range r.adapters {
		stagedAdapters[a.key()] = a
	}
	var newAdapters []adapter
	for _, a := range p.adapters {
		if existing, ok := stagedAdapters[a.key()]; ok {
			if !same(existing.desc, a.desc) {
				return domain.ConfigurationError{UID: config.UID(a.desc), Reason: fmt.Sprintf("%s %q already registered", a.provided, a.name)}
			}
			continue
		}
		stagedAdapters[a.key()] = a
		newAdapters = append(newAdapters, a)
	}

	for _, u := range p.utilities {
		if d, ok := staged[u.key]; ok && d == u.desc {
			if _, exists := r.utilities[u.key]; !exists {
				r.utilities[u.key] = u.desc
				r.utilOrder = append(r.utilOrder, u.key)
				r.remember(u.desc)
			}
		}
	}
	for _, a := range newAdapters {
		r.adapters = append(r.adapters, a)
		r.remember(a.desc)
	}
	return nil
}

func (r *Registry) remember(d config.Descriptor) {
	if !slices.Contains(r.order, d) {
		r.order = append(r.order, d)
	}
}

func (r *Registry) plan(d config.Descriptor, syms config.Symbols, p *plan, stack []string) error {
	uid := config.UID(d)
	if slices.Contains(stack, uid) {
		return domain.ConfigurationError{UID: uid, Reason: "cyclic include: " + strings.Join(append(stack, uid), " -> ")}
	}
	if r.Strict {
		var errs []string
		for _, prob := range config.TestAll(d) {
			if prob.Severity == config.SeverityError {
				errs = append(errs, prob.String())
			}
		}
		if len(errs) > 0 {
			return domain.ConfigurationError{UID: uid, Reason: strings.Join(errs, "; ")}
		}
	}
	util := func(c Capability, name string) {
		p.utilities = append(p.utilities, struct {
			key  utilityKey
			desc config.Descriptor
		}{utilityKey{c, name}, d})
	}
	adapt := func(apply config.Names, provided Capability) {
		required := Caps(apply...)
		if len(required) == 0 {
			required = []Capability{CapGlobal}
		}
		p.adapters = append(p.adapters, adapter{required: required, provided: provided, name: d.Desc().ID, desc: d})
	}
	includes := func(items []config.Include) error {
		for _, inc := range items {
			child, err := syms.Resolve(inc)
			if err != nil {
				return err
			}
			if err := r.plan(child, syms, p, append(stack, uid)); err != nil {
				return err
			}
		}
		return nil
	}

	switch c := d.(type) {
	case *config.AppConf:
		util(CapApp, "")
		if c.Database != nil {
			if err := r.plan(c.Database, syms, p, append(stack, uid)); err != nil {
				return err
			}
		}
		return includes(c.Modules)
	case *config.ModuleConf:
		util(CapModule, c.ID)
		return includes(c.Modules)
	case *config.DatabaseConf:
		util(CapDatabase, "")
	case *config.PortalConf:
		util(CapPortal, "")
	case *config.ObjectConf:
		util(CapObjectType, c.ID)
	case *config.RootConf:
		util(CapRootType, c.ID)
	case *config.ViewConf:
		util(CapView, c.ID)
	case *config.ViewModuleConf:
		util(CapViewModule, c.ID)
		for _, v := range c.Views {
			if err := r.plan(v, syms, p, append(stack, uid)); err != nil {
				return err
			}
		}
	case *config.GroupConf:
		util(CapGroup, c.ID)
	case *config.FieldConf:
		util(CapField, c.ID)
	case *config.ToolConf:
		adapt(c.Apply, CapTool)
	case *config.WorkflowConf:
		adapt(c.Apply, CapWorkflow)
	case *config.WidgetConf:
		adapt(c.Apply, Capability(c.WidgetType))
	default:
		return domain.ConfigurationError{UID: uid, Reason: fmt.Sprintf("descriptor kind %s cannot be registered", d.Kind())}
	}
	return nil
}

func same(a, b config.Descriptor) bool {
	if a == b {
		return true
	}
	if a.Kind() != b.Kind() || a.Desc().ID != b.Desc().ID {
		return false
	}
	ra, errA := yaml.Marshal(a)
	rb, errB := yaml.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ra, rb)
}

// Query returns the utility registered under (c, name) or nil.
func (r *Registry) Query(c Capability, name string) config.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.utilities[utilityKey{c, name}]
}

// All returns every utility registered under c in registration order.
func (r *Registry) All(c Capability) []config.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []config.Descriptor
	for _, k := range r.utilOrder {
		if k.cap == c {
			out = append(out, r.utilities[k])
		}
	}
	return out
}

func exposes(ctx Context, caps []Capability) bool {
	var have []Capability
	if ctx != nil {
		have = ctx.Capabilities()
	}
	for _, c := range caps {
		if c == CapGlobal {
			continue
		}
		if !slices.Contains(have, c) {
			return false
		}
	}
	return true
}

func specificity(a adapter) int {
	n := 0
	for _, c := range a.required {
		if c != CapGlobal {
			n++
		}
	}
	return n
}

// QueryAdapter returns the adapter providing c under name whose required
// capabilities ctx exposes. The most specific match wins; ties go to the
// earliest registration.
func (r *Registry) QueryAdapter(ctx Context, c Capability, name string) config.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *adapter
	for i := range r.adapters {
		a := &r.adapters[i]
		if a.provided != c || a.name != name || !exposes(ctx, a.required) {
			continue
		}
		if best == nil || specificity(*a) > specificity(*best) {
			best = a
		}
	}
	if best == nil {
		return nil
	}
	return best.desc
}

// Matching returns every adapter providing c that applies to ctx, one per
// name, most specific first.
func (r *Registry) Matching(ctx Context, c Capability) []config.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byName := map[string]adapter{}
	var names []string
	for _, a := range r.adapters {
		if a.provided != c || !exposes(ctx, a.required) {
			continue
		}
		prev, ok := byName[a.name]
		if !ok {
			names = append(names, a.name)
		}
		if !ok || specificity(a) > specificity(prev) {
			byName[a.name] = a
		}
	}
	out := make([]config.Descriptor, 0, len(names))
	for _, n := range names {
		out = append(out, byName[n].desc)
	}
	return out
}

// Descriptors returns every registered descriptor in registration order.
func (r *Registry) Descriptors() []config.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Lock closes the registration phase and locks every descriptor.
func (r *Registry) Lock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locked = true
	for _, d := range r.order {
		config.Lock(d)
	}
}

func (r *Registry) Locked() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locked
}
