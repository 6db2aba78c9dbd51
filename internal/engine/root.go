package engine

import (
	"context"
	"sync"

	"contentline/internal/config"
	"contentline/internal/domain"
	"contentline/internal/registry"
	"contentline/internal/security"
)

// Root is the top-level container of a tree. Its id is 0; objects refer to
// it by name through meta.root_id.
type Root struct {
	Container
	conf  *config.RootConf
	chain []Behavior

	mu      sync.RWMutex
	local   []domain.LocalGroup
	doc     map[string]any
	process string
	state   string
}

var _ Node = (*Root)(nil)

func (a *Application) newRoot(ctx context.Context, conf *config.RootConf) (*Root, error) {
	chain, err := a.chain(conf.Context, conf.Extensions, "root")
	if err != nil {
		return nil, domain.ConfigurationError{UID: config.UID(conf), Reason: err.Error()}
	}
	r := &Root{conf: conf, chain: chain, process: conf.Workflow}
	r.Container = newContainer(a, r, r, newCache(conf.Cache))
	if err := initialize(ctx, r, chain); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Root) Name() string                 { return r.conf.ID }
func (r *Root) ID() int64                    { return 0 }
func (r *Root) TypeID() string               { return r.conf.ID }
func (r *Root) Conf() *config.RootConf       { return r.conf }
func (r *Root) Root() *Root                  { return r }
func (r *Root) Parent() Node                 { return nil }
func (r *Root) SecurityID() string           { return security.RootSecurityID(r.conf.ID) }
func (r *Root) Contents() *Container         { return &r.Container }
func (r *Root) Title() string                { return firstNonEmpty(r.conf.Name, r.conf.ID) }
func (r *Root) policy() config.SubtypePolicy { return r.conf.Policy() }
func (r *Root) defaultSort() string          { return r.conf.DefaultSort }
func (r *Root) behaviors() []Behavior        { return r.chain }
func (r *Root) createdBy() string            { return "" }

func (r *Root) Capabilities() []registry.Capability {
	return registry.Caps("root", "container", "type:"+r.conf.ID)
}

func (r *Root) ProcessID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.process
}

func (r *Root) StateID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Root) SetWorkflow(process, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.process, r.state = process, state
}

func (r *Root) localGroups() []domain.LocalGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.local
}

func (r *Root) setLocalGroups(l []domain.LocalGroup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local = l
}

// ACL is the resolved root ACL followed by the application ACL.
func (r *Root) ACL() config.ACL {
	acl := security.Resolve(r.conf.ACL, r.localGroups())
	return append(acl, r.app.ACL()...)
}

// reload refreshes the local grants and the stored workflow pointers.
func (r *Root) reload(ctx context.Context) error {
	r.invalidate()
	local, err := r.app.Pool.LocalGroups(ctx, r.SecurityID())
	if err != nil {
		return err
	}
	r.setLocalGroups(local)
	_, err = r.storage(ctx)
	return err
}

// invalidate drops the cached storage document, workflow pointers and
// children.
func (r *Root) invalidate() {
	r.mu.Lock()
	r.doc = nil
	r.process, r.state = r.conf.Workflow, ""
	r.mu.Unlock()
	r.flush()
}

// Resolve loads id through its ancestors, checking containment at each
// step. It returns nil when id does not exist.
func (r *Root) Resolve(ctx context.Context, id int64) (*Object, error) {
	if id <= 0 {
		return nil, nil
	}
	path, err := r.app.Pool.GetParentPath(ctx, id)
	if err != nil {
		return nil, err
	}
	cur := &r.Container
	for _, pid := range path {
		o, err := cur.Obj(ctx, pid)
		if err != nil || o == nil {
			return nil, err
		}
		cur = &o.Container
	}
	return cur.Obj(ctx, id)
}

// ResolvePath walks URL segments from the root.
func (r *Root) ResolvePath(ctx context.Context, segments ...string) (*Object, error) {
	cur := &r.Container
	var o *Object
	for _, seg := range segments {
		next, err := cur.ObjByName(ctx, seg)
		if err != nil || next == nil {
			return nil, err
		}
		o, cur = next, &next.Container
	}
	return o, nil
}

// SearchFulltext returns the objects of the root whose indexed fields
// contain every word of phrase.
func (r *Root) SearchFulltext(ctx context.Context, phrase string, max int) ([]*Object, error) {
	ids, err := r.app.Pool.SearchFulltext(ctx, r.Name(), phrase, max)
	if err != nil {
		return nil, err
	}
	out := make([]*Object, 0, len(ids))
	for _, id := range ids {
		o, err := r.Resolve(ctx, id)
		if err != nil {
			return nil, err
		}
		if o != nil {
			out = append(out, o)
		}
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
