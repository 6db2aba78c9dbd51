package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"contentline/internal/config"
	"contentline/internal/domain"
	"contentline/internal/events"
	"contentline/internal/registry"
	"contentline/internal/workflow"
)

type phase int

const (
	phaseNew phase = iota
	phaseRegistering
	phaseReady
	phaseRunning
	phaseClosed
	phaseShutdown
)

// Application owns the registry, the pool and the roots of one site.
type Application struct {
	Conf     *config.AppConf
	Registry *registry.Registry
	Pool     domain.Pool
	Workflow *workflow.Engine
	Signals  *events.Dispatcher
	Symbols  config.Symbols
	Log      zerolog.Logger
	Now      func() time.Time

	// Contexts maps a descriptor context name to its base behavior.
	Contexts map[string]Behavior
	// Tools binds tool descriptor funcs by name, before Symbols.
	Tools map[string]ToolFunc

	mu        sync.RWMutex
	phase     phase
	roots     map[string]*Root
	rootOrder []string
	structure domain.Structure
	stale     bool
	loc       *time.Location
}

// New returns an application for conf backed by pool. Strict registration
// follows conf.Debug.
func New(conf *config.AppConf, pool domain.Pool, syms config.Symbols) *Application {
	if syms == nil {
		syms = config.Symbols{}
	}
	reg := registry.New(conf != nil && conf.Debug)
	app := &Application{
		Conf:     conf,
		Registry: reg,
		Pool:     pool,
		Workflow: workflow.New(reg, syms),
		Signals:  events.NewDispatcher(),
		Symbols:  syms,
		Log:      zerolog.Nop(),
		Contexts: map[string]Behavior{},
		Tools:    map[string]ToolFunc{},
		roots:    map[string]*Root{},
		loc:      time.UTC,
	}
	app.Contexts["object"] = defaultBehavior{}
	app.Contexts["root"] = defaultBehavior{}
	return app
}

func (a *Application) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Location is the configured timezone.
func (a *Application) Location() *time.Location {
	return a.loc
}

// Startup registers the application descriptor with its modules.
func (a *Application) Startup(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != phaseNew {
		return fmt.Errorf("application already started")
	}
	if a.Conf == nil {
		return domain.ConfigurationError{Reason: "no application descriptor"}
	}
	if a.Conf.Timezone != "" {
		loc, err := time.LoadLocation(a.Conf.Timezone)
		if err != nil {
			return domain.ConfigurationError{UID: config.UID(a.Conf), Reason: fmt.Sprintf("timezone: %v", err)}
		}
		a.loc = loc
	}
	a.Workflow.Log = a.Log
	if err := a.Registry.Register(a.Conf, a.Symbols); err != nil {
		return err
	}
	a.phase = phaseRegistering
	a.Log.Info().Str("app", a.Conf.ID).Msg("application started")
	return nil
}

// RegisterModule resolves mod (descriptor, symbol, record literal or
// configurable) and registers it.
func (a *Application) RegisterModule(mod any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != phaseRegistering {
		return domain.ConfigurationError{Reason: "modules can only be registered between startup and finish registration"}
	}
	d, err := a.Symbols.Resolve(mod)
	if err != nil {
		return err
	}
	if err := a.Registry.Register(d, a.Symbols); err != nil {
		return err
	}
	a.Log.Debug().Str("uid", config.UID(d)).Msg("module registered")
	return nil
}

// FinishRegistration locks the registry, builds the roots and publishes the
// structure to the pool.
func (a *Application) FinishRegistration(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != phaseRegistering {
		return fmt.Errorf("finish registration called out of order")
	}
	a.Registry.Lock()
	var problems []string
	for _, d := range a.Registry.Descriptors() {
		for _, p := range config.TestAll(d) {
			if p.Severity == config.SeverityError {
				problems = append(problems, p.String())
			} else {
				a.Log.Warn().Str("uid", p.UID).Msg(p.Message)
			}
		}
	}
	if len(problems) > 0 {
		return domain.ConfigurationError{UID: config.UID(a.Conf), Reason: strings.Join(problems, "; ")}
	}
	for _, d := range a.Registry.All(registry.CapObjectType) {
		obj := d.(*config.ObjectConf)
		if err := a.checkTypeWorkflow(obj.Workflow, config.UID(obj)); err != nil {
			return err
		}
		if err := a.checkContexts(obj.Context, obj.Extensions, config.UID(obj)); err != nil {
			return err
		}
	}
	roots := a.Registry.All(registry.CapRootType)
	if len(roots) == 0 {
		return domain.ConfigurationError{UID: config.UID(a.Conf), Reason: "no root type registered"}
	}
	for _, d := range roots {
		rc := d.(*config.RootConf)
		if err := a.checkContexts(rc.Context, rc.Extensions, config.UID(rc)); err != nil {
			return err
		}
		root, err := a.newRoot(ctx, rc)
		if err != nil {
			return err
		}
		a.roots[rc.ID] = root
		a.rootOrder = append(a.rootOrder, rc.ID)
	}
	if a.Conf.DefaultRoot != "" {
		if _, ok := a.roots[a.Conf.DefaultRoot]; !ok {
			return domain.ConfigurationError{UID: config.UID(a.Conf), Reason: fmt.Sprintf("default root %s is not registered", a.Conf.DefaultRoot)}
		}
	}
	if err := a.publishStructure(ctx); err != nil {
		return err
	}
	a.phase = phaseReady
	a.Log.Info().Int("roots", len(a.roots)).Int("descriptors", len(a.Registry.Descriptors())).Msg("registration finished")
	return nil
}

func (a *Application) checkTypeWorkflow(id, uid string) error {
	if id == "" {
		return nil
	}
	for _, d := range a.Registry.Matching(nil, registry.CapWorkflow) {
		if d.Desc().ID == id {
			return nil
		}
	}
	// scoped processes are found per object; only reject names nobody
	// registered under any capability
	for _, d := range a.Registry.Descriptors() {
		if d.Kind() == config.KindWorkflow && d.Desc().ID == id {
			return nil
		}
	}
	return domain.ConfigurationError{UID: uid, Reason: fmt.Sprintf("workflow %s is not registered", id)}
}

func (a *Application) checkContexts(base string, extensions config.Names, uid string) error {
	if _, err := a.behavior(base); err != nil {
		return domain.ConfigurationError{UID: uid, Reason: err.Error()}
	}
	for _, ext := range extensions {
		if _, err := a.behavior(ext); err != nil {
			return domain.ConfigurationError{UID: uid, Reason: err.Error()}
		}
	}
	return nil
}

// BuildStructure collects the data layout from the application meta fields
// and every object type. File fields have no column.
func (a *Application) BuildStructure() (domain.Structure, error) {
	s := domain.Structure{Tables: map[string][]domain.Column{}}
	for _, f := range a.Conf.Meta {
		if f.Datatype.SQLType() == "" {
			continue
		}
		s.Meta = append(s.Meta, domain.Column{Name: f.ID, SQLType: f.Datatype.SQLType()})
	}
	types := a.Registry.All(registry.CapObjectType)
	sort.SliceStable(types, func(i, j int) bool { return types[i].Desc().ID < types[j].Desc().ID })
	for _, d := range types {
		obj := d.(*config.ObjectConf)
		table := obj.Table()
		cols, seen := s.Tables[table]
		if !seen {
			cols = []domain.Column{}
		}
		for _, f := range obj.Data {
			typ := f.Datatype.SQLType()
			if typ == "" {
				continue
			}
			idx := slices.IndexFunc(cols, func(c domain.Column) bool { return c.Name == f.ID })
			if idx >= 0 {
				if cols[idx].SQLType != typ {
					return s, domain.ConfigurationError{UID: config.UID(obj), Reason: fmt.Sprintf("column %s.%s declared as %s and %s", table, f.ID, cols[idx].SQLType, typ)}
				}
				continue
			}
			cols = append(cols, domain.Column{Name: f.ID, SQLType: typ})
		}
		s.Tables[table] = cols
	}
	return s, nil
}

func (a *Application) publishStructure(ctx context.Context) error {
	s, err := a.BuildStructure()
	if err != nil {
		return err
	}
	if err := a.Pool.SetStructure(ctx, s); err != nil {
		return err
	}
	a.structure = s
	a.stale = false
	a.Log.Debug().Int("tables", len(s.Tables)).Msg("structure cache rebuilt")
	return nil
}

// Run makes the application serve requests. After Close it reconnects the
// pool and rebuilds the structure once.
func (a *Application) Run(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.phase {
	case phaseReady, phaseRunning:
	case phaseClosed:
		if err := a.Pool.Reconnect(ctx); err != nil {
			return err
		}
	default:
		return fmt.Errorf("application cannot run before registration is finished")
	}
	if a.stale {
		if err := a.publishStructure(ctx); err != nil {
			return err
		}
	}
	for _, r := range a.roots {
		if err := r.reload(ctx); err != nil {
			return err
		}
	}
	a.phase = phaseRunning
	return nil
}

// Close releases the pool connection. Run reopens it.
func (a *Application) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != phaseRunning && a.phase != phaseReady {
		return nil
	}
	a.phase = phaseClosed
	a.stale = true
	for _, r := range a.roots {
		r.flush()
	}
	a.Log.Debug().Msg("application closed")
	return a.Pool.Close()
}

// Shutdown closes the application for good.
func (a *Application) Shutdown() error {
	err := a.Close()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.phase = phaseShutdown
	a.roots = map[string]*Root{}
	a.rootOrder = nil
	return err
}

// Structure returns the published data layout.
func (a *Application) Structure() domain.Structure {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.structure
}

var ErrNotRunning = errors.New("application is not running")

func (a *Application) running() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.phase != phaseRunning {
		return ErrNotRunning
	}
	return nil
}

// Root returns the root named name, or the default root for "".
func (a *Application) Root(name string) (*Root, error) {
	if err := a.running(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if name == "" {
		name = a.Conf.DefaultRoot
		if name == "" && len(a.rootOrder) > 0 {
			name = a.rootOrder[0]
		}
	}
	r, ok := a.roots[name]
	if !ok {
		return nil, fmt.Errorf("root %s: %w", name, domain.ErrNotFound)
	}
	return r, nil
}

// Roots returns every root in registration order.
func (a *Application) Roots() []*Root {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*Root, 0, len(a.rootOrder))
	for _, n := range a.rootOrder {
		out = append(out, a.roots[n])
	}
	return out
}

// ObjectType returns the registered object type id or nil.
func (a *Application) ObjectType(id string) *config.ObjectConf {
	d, _ := a.Registry.Query(registry.CapObjectType, id).(*config.ObjectConf)
	return d
}

// ObjectTypes lists the registered object types.
func (a *Application) ObjectTypes() []*config.ObjectConf {
	var out []*config.ObjectConf
	for _, d := range a.Registry.All(registry.CapObjectType) {
		out = append(out, d.(*config.ObjectConf))
	}
	return out
}

// MetaField returns the application meta field id or nil.
func (a *Application) MetaField(id string) *config.FieldConf {
	for _, f := range a.Conf.Meta {
		if f.ID == id {
			return f
		}
	}
	return nil
}

// ACL is the application ACL: view-module entries, then the application's.
func (a *Application) ACL() config.ACL {
	var acl config.ACL
	for _, d := range a.Registry.All(registry.CapViewModule) {
		acl = append(acl, d.(*config.ViewModuleConf).ACL...)
	}
	return append(acl, a.Conf.ACL...)
}

// Begin opens or joins a transaction for a sequence of nocommit operations.
func (a *Application) Begin(ctx context.Context) (context.Context, error) {
	return a.Pool.Begin(ctx)
}

func (a *Application) Commit(ctx context.Context) error { return a.Pool.Commit(ctx) }

func (a *Application) Undo(ctx context.Context) error { return a.Pool.Undo(ctx) }

func (a *Application) audit(ctx context.Context, evtType, root string, id int64, u domain.User, payload map[string]any) error {
	kind, entityID := "root", ""
	if id > 0 {
		kind, entityID = "object", fmt.Sprint(id)
	}
	return a.Pool.AppendEvent(ctx, evtType, root, kind, entityID, u.ID, payload)
}
