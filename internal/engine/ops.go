package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"contentline/internal/config"
	"contentline/internal/domain"
	"contentline/internal/events"
	"contentline/internal/workflow"
)

// ErrNoTransaction is returned by a nocommit operation, or by any operation
// with autocommit off, when the caller did not open a transaction.
var ErrNoTransaction = errors.New("operation requires an open transaction")

// Options refine the content operations.
type Options struct {
	// NoCommit leaves the commit to the caller's transaction.
	NoCommit bool
}

func (a *Application) begin(ctx context.Context, noCommit bool) (context.Context, error) {
	if err := a.running(); err != nil {
		return ctx, err
	}
	if (noCommit || !a.Conf.Autocommit) && !a.Pool.InTransaction(ctx) {
		return ctx, ErrNoTransaction
	}
	return a.Pool.Begin(ctx)
}

// rollback undoes the transaction and drops in-memory state of the nodes
// touched by the failed operation.
func (a *Application) rollback(ctx context.Context, nodes ...Node) {
	if err := a.Pool.Undo(ctx); err != nil {
		a.Log.Error().Err(err).Msg("undo failed")
	}
	for _, n := range nodes {
		switch v := n.(type) {
		case *Object:
			if v == nil {
				continue
			}
			v.entry.Undo()
			if p := v.parent; p != nil {
				p.Contents().evict(v.ID())
			}
		case *Root:
			if v == nil {
				continue
			}
			if err := v.reload(ctx); err != nil {
				a.Log.Error().Err(err).Str("root", v.Name()).Msg("root reload failed")
			}
		}
	}
}

func (a *Application) transitioned(ctx context.Context, n Node, t *config.TransitionConf, action string, u domain.User) error {
	a.Log.Info().Str("type", n.TypeID()).Int64("id", n.ID()).Str("user", u.ID).Str("action", action).Str("transition", t.ID).Msg("workflow transition")
	return a.audit(ctx, "workflow.transition", n.Root().Name(), n.ID(), u, map[string]any{
		"process":    n.ProcessID(),
		"transition": t.ID,
		"to":         t.To,
		"action":     action,
	})
}

// fire runs a workflow action inside an open transaction without persisting.
func (a *Application) fire(ctx context.Context, n Node, action string, u domain.User) (*config.TransitionConf, error) {
	t, err := a.Workflow.Action(ctx, action, n, u, workflow.Options{})
	if err != nil || t == nil {
		return t, err
	}
	return t, a.transitioned(ctx, n, t, action, u)
}

func (a *Application) resolveType(typ any) (*config.ObjectConf, error) {
	switch t := typ.(type) {
	case *config.ObjectConf:
		if t == nil {
			break
		}
		if reg := a.ObjectType(t.ID); reg != nil {
			return reg, nil
		}
		return nil, domain.ConfigurationError{UID: config.UID(t), Reason: "object type is not registered"}
	case string:
		if conf := a.ObjectType(t); conf != nil {
			return conf, nil
		}
		return nil, domain.ConfigurationError{UID: "object." + t, Reason: "object type is not registered"}
	}
	return nil, domain.ConfigurationError{Reason: fmt.Sprintf("cannot resolve %T to an object type", typ)}
}

func (c *Container) checkAdd(ctx context.Context, conf *config.ObjectConf, u domain.User) error {
	if !c.Accepts(conf) {
		return domain.ContainmentError{Parent: c.self.ID(), Type: conf.ID, Reason: "rejected by subtype policy"}
	}
	if err := c.enforce("add", u); err != nil {
		return err
	}
	return c.permit(ctx, "add", u)
}

// Create adds a new child of typ, a type id or descriptor, filled from
// values.
func (c *Container) Create(ctx context.Context, typ any, values domain.Values, u domain.User, opts Options) (*Object, error) {
	conf, err := c.app.resolveType(typ)
	if err != nil {
		return nil, err
	}
	if err := c.checkAdd(ctx, conf, u); err != nil {
		return nil, err
	}
	ctx, err = c.app.begin(ctx, opts.NoCommit)
	if err != nil {
		return nil, err
	}
	o, err := c.create(ctx, conf, values, u)
	if err == nil {
		err = c.app.Pool.Commit(ctx)
	}
	if err != nil {
		c.app.rollback(ctx, o)
		return nil, err
	}
	c.app.Log.Info().Str("type", conf.ID).Int64("id", o.ID()).Int64("parent", c.self.ID()).Str("user", u.ID).Msg("object created")
	return o, c.app.signal(ctx, c.self, events.AfterAdd, events.Signal{Target: c.self, Parent: c.self, User: u, TypeID: conf.ID, ID: o.ID()})
}

func (c *Container) allocate(ctx context.Context, conf *config.ObjectConf, values domain.Values, u domain.User) (*Object, error) {
	if err := c.app.signal(ctx, c.self, events.BeforeAdd, events.Signal{Target: c.self, Parent: c.self, User: u, TypeID: conf.ID, Data: values}); err != nil {
		return nil, err
	}
	e, err := c.app.Pool.CreateEntry(ctx, conf.Table())
	if err != nil {
		return nil, err
	}
	e.SetMeta(domain.MetaType, conf.ID)
	e.SetMeta(domain.MetaRoot, c.root.Name())
	e.SetMeta(domain.MetaParent, c.self.ID())
	e.SetMeta(domain.MetaSelectionTag, int64(conf.SelectTag))
	e.SetMeta(domain.MetaProcess, conf.Workflow)
	e.SetMeta(domain.MetaState, "")
	return c.build(ctx, e, nil, nil)
}

func (c *Container) create(ctx context.Context, conf *config.ObjectConf, values domain.Values, u domain.User) (*Object, error) {
	o, err := c.allocate(ctx, conf, values, u)
	if err != nil {
		return nil, err
	}
	creator, ok := first[SelfCreator](o.chain)
	if !ok {
		creator = defaultBehavior{}
	}
	if err := creator.CreateSelf(ctx, o, values, u); err != nil {
		return o, err
	}
	if _, err := c.app.fire(ctx, o, "create", u); err != nil {
		return o, err
	}
	if err := c.app.signal(ctx, o, events.Create, events.Signal{Parent: c.self, User: u, TypeID: conf.ID, ID: o.ID(), Data: values}); err != nil {
		return o, err
	}
	if err := o.persist(ctx, u); err != nil {
		return o, err
	}
	return o, c.app.audit(ctx, "object.create", c.root.Name(), o.ID(), u, map[string]any{
		"type":     conf.ID,
		"parent":   c.self.ID(),
		"filename": o.Filename(),
	})
}

// Duplicate copies src with its files and descendants into the container.
func (c *Container) Duplicate(ctx context.Context, src *Object, u domain.User, opts Options) (*Object, error) {
	for n := c.self; n != nil; n = n.Parent() {
		if o, ok := n.(*Object); ok && o.ID() == src.ID() {
			return nil, domain.ContainmentError{Parent: c.self.ID(), Child: src.ID(), Reason: "cannot duplicate into itself"}
		}
	}
	ctx, err := c.app.begin(ctx, opts.NoCommit)
	if err != nil {
		return nil, err
	}
	o, err := c.duplicate(ctx, src, u)
	if err == nil {
		err = c.app.Pool.Commit(ctx)
	}
	if err != nil {
		c.app.rollback(ctx, o)
		return nil, err
	}
	c.app.Log.Info().Str("type", src.TypeID()).Int64("id", o.ID()).Int64("source", src.ID()).Str("user", u.ID).Msg("object duplicated")
	return o, c.app.signal(ctx, c.self, events.AfterAdd, events.Signal{Target: c.self, Parent: c.self, User: u, TypeID: src.TypeID(), ID: o.ID()})
}

func (c *Container) duplicate(ctx context.Context, src *Object, u domain.User) (*Object, error) {
	conf := src.conf
	if err := c.checkAdd(ctx, conf, u); err != nil {
		return nil, err
	}
	kids, err := src.GetObjs(ctx, ObjQuery{Batch: true})
	if err != nil {
		return nil, err
	}
	o, err := c.allocate(ctx, conf, src.Values(), u)
	if err != nil {
		return nil, err
	}
	srcMeta := src.entry.Meta()
	o.entry.SetMeta(domain.MetaSelectionTag, srcMeta.Int(domain.MetaSelectionTag))
	for _, f := range c.app.Conf.Meta {
		o.entry.SetMeta(f.ID, srcMeta[f.ID])
	}
	for _, f := range conf.Data {
		if f.Datatype.SQLType() != "" {
			o.entry.SetData(f.ID, src.entry.Data()[f.ID])
		}
	}
	if fn := src.Filename(); fn != "" {
		if err := o.assignFilename(ctx, fn); err != nil {
			return o, err
		}
	}
	if _, err := c.app.fire(ctx, o, "duplicate", u); err != nil {
		return o, err
	}
	if err := c.app.signal(ctx, o, events.Duplicate, events.Signal{Parent: c.self, User: u, TypeID: conf.ID, ID: o.ID(), Data: domain.Values{"source": src.ID()}}); err != nil {
		return o, err
	}
	files, err := src.Files(ctx)
	if err != nil {
		return o, err
	}
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := o.copyFile(ctx, k, files[k]); err != nil {
			return o, err
		}
	}
	if err := o.persist(ctx, u); err != nil {
		return o, err
	}
	if err := c.app.audit(ctx, "object.duplicate", c.root.Name(), o.ID(), u, map[string]any{
		"type":   conf.ID,
		"parent": c.self.ID(),
		"source": src.ID(),
	}); err != nil {
		return o, err
	}
	for _, kid := range kids {
		if _, err := o.Container.duplicate(ctx, kid, u); err != nil {
			return o, err
		}
	}
	return o, nil
}

// Delete removes the direct child id and everything below it.
func (c *Container) Delete(ctx context.Context, id int64, u domain.User, opts Options) error {
	o, err := c.Obj(ctx, id)
	if err != nil {
		return err
	}
	if o == nil {
		return fmt.Errorf("object %d: %w", id, domain.ErrNotFound)
	}
	ctx, err = c.app.begin(ctx, opts.NoCommit)
	if err != nil {
		return err
	}
	err = c.delete(ctx, o, u)
	if err == nil {
		err = c.app.Pool.Commit(ctx)
	}
	if err != nil {
		c.app.rollback(ctx, c.self)
		return err
	}
	c.app.Log.Info().Str("type", o.TypeID()).Int64("id", id).Str("user", u.ID).Msg("object deleted")
	return c.app.signal(ctx, c.self, events.AfterDelete, events.Signal{Target: c.self, Parent: c.self, User: u, TypeID: o.TypeID(), ID: id})
}

func (c *Container) delete(ctx context.Context, o *Object, u domain.User) error {
	if err := o.enforce("delete", u); err != nil {
		return err
	}
	if err := c.permit(ctx, "remove", u); err != nil {
		return err
	}
	if err := o.permit(ctx, "delete", u); err != nil {
		return err
	}
	if err := c.app.signal(ctx, o, events.Delete, events.Signal{Parent: c.self, User: u, TypeID: o.TypeID(), ID: o.ID()}); err != nil {
		return err
	}
	kids, err := o.GetObjs(ctx, ObjQuery{Batch: true})
	if err != nil {
		return err
	}
	for _, kid := range kids {
		if err := o.Container.delete(ctx, kid, u); err != nil {
			return err
		}
	}
	if err := c.app.Pool.DeleteEntry(ctx, o.ID()); err != nil {
		return err
	}
	c.evict(o.ID())
	o.Contents().flush()
	t, err := c.app.fire(ctx, c.self, "remove", u)
	if err != nil {
		return err
	}
	if t != nil {
		if err := c.self.persist(ctx, u); err != nil {
			return err
		}
	}
	return c.app.audit(ctx, "object.delete", c.root.Name(), o.ID(), u, map[string]any{
		"type":     o.TypeID(),
		"parent":   c.self.ID(),
		"filename": o.Filename(),
	})
}

// Update writes values to the object. Undeclared and read-only fields are
// discarded.
func (o *Object) Update(ctx context.Context, values domain.Values, u domain.User, opts Options) error {
	if err := o.enforce("edit", u); err != nil {
		return err
	}
	if err := o.permit(ctx, "edit", u); err != nil {
		return err
	}
	ctx, err := o.app.begin(ctx, opts.NoCommit)
	if err != nil {
		return err
	}
	err = o.update(ctx, values, u)
	if err == nil {
		err = o.app.Pool.Commit(ctx)
	}
	if err != nil {
		o.app.rollback(ctx, o)
		return err
	}
	forget(o)
	o.app.Log.Debug().Str("type", o.TypeID()).Int64("id", o.ID()).Str("user", u.ID).Msg("object updated")
	return nil
}

func (o *Object) update(ctx context.Context, values domain.Values, u domain.User) error {
	if err := o.app.signal(ctx, o, events.Update, events.Signal{Parent: o.parent, User: u, TypeID: o.TypeID(), ID: o.ID(), Data: values}); err != nil {
		return err
	}
	written, err := o.apply(ctx, values, false)
	if err != nil {
		return err
	}
	if _, err := o.app.fire(ctx, o, "edit", u); err != nil {
		return err
	}
	if err := o.persist(ctx, u); err != nil {
		return err
	}
	return o.app.audit(ctx, "object.update", o.root.Name(), o.ID(), u, map[string]any{"fields": written})
}
