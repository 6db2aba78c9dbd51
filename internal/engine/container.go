package engine

import (
	"context"
	"fmt"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"contentline/internal/config"
	"contentline/internal/domain"
	"contentline/internal/events"
	"contentline/internal/security"
	"contentline/internal/workflow"
)

// Node is a root or an object.
type Node interface {
	workflow.Subject
	ID() int64
	TypeID() string
	Root() *Root
	// Parent is nil for roots.
	Parent() Node
	SecurityID() string
	// ACL is the resolved ACL of the node followed by its ancestors'.
	ACL() config.ACL
	Title() string
	Contents() *Container

	policy() config.SubtypePolicy
	defaultSort() string
	behaviors() []Behavior
	localGroups() []domain.LocalGroup
	setLocalGroups([]domain.LocalGroup)
	createdBy() string
	persist(ctx context.Context, u domain.User) error
}

// Container holds the child operations shared by roots and objects. Leaf
// objects carry one too; their subtype policy rejects every child.
type Container struct {
	app   *Application
	root  *Root
	self  Node
	cache *cache.Cache
}

func newContainer(app *Application, root *Root, self Node, kids *cache.Cache) Container {
	return Container{app: app, root: root, self: self, cache: kids}
}

func newCache(enabled bool) *cache.Cache {
	if !enabled {
		return nil
	}
	return cache.New(10*time.Minute, 20*time.Minute)
}

func (c *Container) App() *Application { return c.app }

func cacheKey(id int64) string { return strconv.FormatInt(id, 10) }

// snapshot is the cached state of a loaded child. It is never mutated;
// every hit builds a new Object from a copy of the entry, so concurrent
// callers never share a row handle. kids is the child cache of the object
// and is shared by all its instances.
type snapshot struct {
	entry domain.Entry
	local []domain.LocalGroup
	kids  *cache.Cache
}

func (c *Container) cached(ctx context.Context, id int64) (*Object, error) {
	if c.cache == nil {
		return nil, nil
	}
	v, ok := c.cache.Get(cacheKey(id))
	if !ok {
		return nil, nil
	}
	snap := v.(snapshot)
	return c.build(ctx, snap.entry.Clone(), slices.Clone(snap.local), snap.kids)
}

func (c *Container) intern(o *Object) {
	if c.cache != nil {
		c.cache.SetDefault(cacheKey(o.ID()), snapshot{entry: o.entry.Clone(), local: slices.Clone(o.local), kids: o.Container.cache})
	}
}

func (c *Container) evict(id int64) {
	if c.cache != nil {
		c.cache.Delete(cacheKey(id))
	}
}

func (c *Container) flush() {
	if c.cache != nil {
		c.cache.Flush()
	}
}

// forget drops n from the cache of its parent.
func forget(n Node) {
	if o, ok := n.(*Object); ok && o.parent != nil {
		o.parent.Contents().evict(o.ID())
	}
}

// Groups returns every group u holds on the node, local grants of the node
// and its ancestors included.
func (c *Container) Groups(u domain.User) []string {
	var local []domain.LocalGroup
	for n := c.self; n != nil; n = n.Parent() {
		local = append(local, n.localGroups()...)
	}
	return security.EffectiveGroups(u, local, c.self.createdBy())
}

// Allowed checks permission against the node ACL.
func (c *Container) Allowed(permission string, u domain.User) bool {
	return security.Allowed(c.self.ACL(), c.Groups(u), permission)
}

func (c *Container) enforce(permission string, u domain.User) error {
	if !c.app.Conf.EnforceACL {
		return nil
	}
	return security.Check(c.self.ACL(), c.Groups(u), permission, c.self.ID(), u.ID)
}

func (c *Container) permit(ctx context.Context, action string, u domain.User) error {
	if c.app.Workflow.Allow(ctx, action, c.self, u, "") {
		return nil
	}
	return domain.WorkflowDeniedError{Process: c.self.ProcessID(), State: c.self.StateID(), Action: action}
}

func objectCaps(conf *config.ObjectConf) []string {
	caps := []string{"object", "type:" + conf.ID}
	if conf.IsContainer() {
		caps = append(caps, "container")
	}
	return append(caps, conf.Provides...)
}

// Accepts reports whether the subtype policy of the node allows conf.
func (c *Container) Accepts(conf *config.ObjectConf) bool {
	return c.self.policy().Accepts(conf.ID, objectCaps(conf))
}

// AllowedTypes lists the object types that may be created here.
func (c *Container) AllowedTypes() []*config.ObjectConf {
	var out []*config.ObjectConf
	for _, t := range c.app.ObjectTypes() {
		if c.Accepts(t) {
			out = append(out, t)
		}
	}
	return out
}

// Obj returns the direct child id. It returns nil when id does not exist
// and ContainmentError when id lives elsewhere.
func (c *Container) Obj(ctx context.Context, id int64) (*Object, error) {
	if o, err := c.cached(ctx, id); o != nil || err != nil {
		return o, err
	}
	e, err := c.app.Pool.GetEntry(ctx, id)
	if err != nil || e == nil {
		return nil, err
	}
	meta := e.Meta()
	if meta.String(domain.MetaRoot) != c.root.Name() || meta.Int(domain.MetaParent) != c.self.ID() {
		return nil, domain.ContainmentError{Parent: c.self.ID(), Child: id, Reason: "not a direct child"}
	}
	local, err := c.app.Pool.LocalGroups(ctx, cacheKey(id))
	if err != nil {
		return nil, err
	}
	o, err := c.build(ctx, e, local, nil)
	if err != nil {
		return nil, err
	}
	c.intern(o)
	return o, nil
}

// ObjByName maps a URL segment to a child: a filename, optionally with an
// extension, or a numeric id.
func (c *Container) ObjByName(ctx context.Context, name string) (*Object, error) {
	base := strings.TrimSuffix(name, path.Ext(name))
	if base == "" || base == reservedFilename {
		return nil, nil
	}
	id, err := c.app.Pool.IDForFilename(ctx, c.root.Name(), c.self.ID(), base)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		n, ok := idSegment(base)
		if !ok {
			return nil, nil
		}
		id = n
	}
	return c.Obj(ctx, id)
}

// ObjQuery selects children.
type ObjQuery struct {
	// Type restricts to one object type and allows its data fields as
	// parameters.
	Type       string
	Parameter  domain.Values
	Operators  map[string]domain.Operator
	Sort       string
	Descending bool
	Start      int
	Max        int
	// Batch loads all rows in one round trip instead of one lookup per id.
	Batch bool
}

// Filter adds the filters in items to q. An item is field=value or
// field:OPERATOR=value; IN, NOT IN and BETWEEN take comma separated values.
// Symbolic operators ending in = need no second separator, so
// priority:>=5 reads as priority >= 5.
func (q *ObjQuery) Filter(items ...string) error {
	if q.Parameter == nil {
		q.Parameter = domain.Values{}
	}
	if q.Operators == nil {
		q.Operators = map[string]domain.Operator{}
	}
	for _, item := range items {
		field, opText, value, err := splitFilter(item)
		if err != nil {
			return err
		}
		op, err := domain.ParseOperator(opText)
		if err != nil {
			return err
		}
		q.Operators[field] = op
		switch op {
		case domain.OpIn, domain.OpNotIn, domain.OpBetween:
			q.Parameter[field] = strings.Split(value, ",")
		default:
			q.Parameter[field] = value
		}
	}
	return nil
}

func splitFilter(item string) (field, op, value string, err error) {
	colon := strings.Index(item, ":")
	eq := strings.Index(item, "=")
	if eq <= 0 {
		return "", "", "", fmt.Errorf("invalid filter %q", item)
	}
	if colon <= 0 || colon > eq {
		return item[:eq], "", item[eq+1:], nil
	}
	field, rest := item[:colon], item[colon+1:]
	for _, sym := range []string{">=", "<=", "!=", "<>"} {
		if strings.HasPrefix(rest, sym) {
			return field, sym, strings.TrimPrefix(rest[len(sym):], "="), nil
		}
	}
	op, value, _ = strings.Cut(rest, "=")
	return field, op, value, nil
}

func (c *Container) query(q ObjQuery) (domain.Query, error) {
	params := domain.Values{}
	ops := map[string]domain.Operator{}
	for k, v := range c.root.conf.Restraints {
		params[k] = v
	}
	for k, op := range c.root.conf.Operators {
		parsed, err := domain.ParseOperator(op)
		if err != nil {
			return domain.Query{}, domain.ConfigurationError{UID: config.UID(c.root.conf), Reason: err.Error()}
		}
		ops[k] = parsed
	}
	for k, v := range q.Parameter {
		params[k] = v
	}
	for k, op := range q.Operators {
		ops[k] = op
	}
	params[domain.MetaParent] = c.self.ID()
	params[domain.MetaRoot] = c.root.Name()
	delete(ops, domain.MetaParent)
	delete(ops, domain.MetaRoot)
	out := domain.Query{Parameter: params, Operators: ops, Sort: q.Sort, Descending: q.Descending, Start: q.Start, Max: q.Max}
	if out.Sort == "" {
		out.Sort = c.self.defaultSort()
	}
	if q.Type != "" {
		t := c.app.ObjectType(q.Type)
		if t == nil {
			return domain.Query{}, domain.ConfigurationError{UID: "object." + q.Type, Reason: "unknown object type"}
		}
		out.Type = t.ID
		out.Table = t.Table()
	}
	return out, nil
}

// GetObjs returns the children matching q, restricted by the root restraints.
func (c *Container) GetObjs(ctx context.Context, q ObjQuery) ([]*Object, error) {
	pq, err := c.query(q)
	if err != nil {
		return nil, err
	}
	ids, err := c.app.Pool.SelectIDs(ctx, pq)
	if err != nil {
		return nil, err
	}
	return c.load(ctx, ids, q.Batch)
}

// Select returns raw rows of the children matching q.
func (c *Container) Select(ctx context.Context, q ObjQuery, fields ...string) ([]domain.Values, error) {
	pq, err := c.query(q)
	if err != nil {
		return nil, err
	}
	pq.Fields = fields
	return c.app.Pool.Select(ctx, pq)
}

func (c *Container) load(ctx context.Context, ids []int64, batch bool) ([]*Object, error) {
	out := make([]*Object, 0, len(ids))
	if !batch {
		for _, id := range ids {
			o, err := c.Obj(ctx, id)
			if err != nil {
				return nil, err
			}
			if o != nil {
				out = append(out, o)
			}
		}
		return out, nil
	}
	var missing []int64
	found := map[int64]*Object{}
	for _, id := range ids {
		o, err := c.cached(ctx, id)
		if err != nil {
			return nil, err
		}
		if o != nil {
			found[id] = o
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		entries, err := c.app.Pool.GetBatch(ctx, missing)
		if err != nil {
			return nil, err
		}
		sids := make([]string, len(missing))
		for i, id := range missing {
			sids[i] = cacheKey(id)
		}
		grants, err := c.app.Pool.LocalGroups(ctx, sids...)
		if err != nil {
			return nil, err
		}
		bySID := map[string][]domain.LocalGroup{}
		for _, g := range grants {
			bySID[g.SecurityID] = append(bySID[g.SecurityID], g)
		}
		for _, e := range entries {
			o, err := c.build(ctx, e, bySID[cacheKey(e.ID())], nil)
			if err != nil {
				return nil, err
			}
			c.intern(o)
			found[o.ID()] = o
		}
	}
	for _, id := range ids {
		if o, ok := found[id]; ok {
			out = append(out, o)
		}
	}
	return out, nil
}

// ChildIDs lists every descendant id in pre-order.
func (c *Container) ChildIDs(ctx context.Context) ([]int64, error) {
	return c.app.Pool.GetContainedIDs(ctx, c.root.Name(), c.self.ID(), "")
}

// build is the object factory: the type stored in meta selects the
// descriptor, its context and extensions the behavior chain. A nil kids
// gives the object a fresh child cache when its type asks for one.
func (c *Container) build(ctx context.Context, e domain.Entry, local []domain.LocalGroup, kids *cache.Cache) (*Object, error) {
	typeID := e.Meta().String(domain.MetaType)
	conf := c.app.ObjectType(typeID)
	if conf == nil {
		return nil, domain.ConfigurationError{UID: "object." + typeID, Reason: fmt.Sprintf("object %d has an unregistered type", e.ID())}
	}
	chain, err := c.app.chain(conf.Context, conf.Extensions, "object")
	if err != nil {
		return nil, domain.ConfigurationError{UID: config.UID(conf), Reason: err.Error()}
	}
	if kids == nil {
		kids = newCache(conf.Cache)
	}
	o := &Object{conf: conf, entry: e, parent: c.self, chain: chain, local: local}
	o.Container = newContainer(c.app, c.root, o, kids)
	if err := initialize(ctx, o, chain); err != nil {
		return nil, err
	}
	return o, nil
}

// Action performs a workflow action on the node and persists the state
// change. It returns the fired transition, or nil when the state permits the
// action by itself.
func (c *Container) Action(ctx context.Context, action string, u domain.User, opts workflow.Options) (t *config.TransitionConf, err error) {
	n := c.self
	ctx, err = c.app.begin(ctx, false)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			c.app.rollback(ctx, n)
		}
	}()
	if t, err = c.app.Workflow.Action(ctx, action, n, u, opts); err != nil {
		return nil, err
	}
	if t != nil {
		if err = n.persist(ctx, u); err != nil {
			return nil, err
		}
		if err = c.app.transitioned(ctx, n, t, action, u); err != nil {
			return nil, err
		}
	}
	if err = c.app.signal(ctx, n, events.Action, events.Signal{User: u, TypeID: n.TypeID(), ID: n.ID(), Data: domain.Values{"action": action}}); err != nil {
		return nil, err
	}
	if err = c.app.Pool.Commit(ctx); err != nil {
		return nil, err
	}
	forget(n)
	return t, nil
}

// Allow reports whether u may perform action on the node.
func (c *Container) Allow(ctx context.Context, action string, u domain.User) bool {
	return c.app.Workflow.Allow(ctx, action, c.self, u, "")
}

// WorkflowInfo lists the transitions u may fire on the node.
func (c *Container) WorkflowInfo(ctx context.Context, u domain.User) (*workflow.Info, error) {
	return c.app.Workflow.Info(ctx, c.self, u)
}

// LocalGroups returns the grants stored on the node itself.
func (c *Container) LocalGroups(ctx context.Context) ([]domain.LocalGroup, error) {
	return c.app.Pool.LocalGroups(ctx, c.self.SecurityID())
}

// AddLocalGroup grants group to principal on the node.
func (c *Container) AddLocalGroup(ctx context.Context, principal, group string, u domain.User) error {
	return c.changeLocal(ctx, "localgroup.add", principal, group, u, c.app.Pool.AddLocalGroup)
}

// RemoveLocalGroup withdraws a grant from the node.
func (c *Container) RemoveLocalGroup(ctx context.Context, principal, group string, u domain.User) error {
	return c.changeLocal(ctx, "localgroup.remove", principal, group, u, c.app.Pool.RemoveLocalGroup)
}

func (c *Container) changeLocal(ctx context.Context, evt, principal, group string, u domain.User, fn func(context.Context, domain.LocalGroup) error) (err error) {
	if err = c.enforce("edit", u); err != nil {
		return err
	}
	g := domain.LocalGroup{SecurityID: c.self.SecurityID(), PrincipalID: principal, Group: group}
	ctx, err = c.app.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			c.app.Pool.Undo(ctx)
		}
	}()
	if err = fn(ctx, g); err != nil {
		return err
	}
	if err = c.app.audit(ctx, evt, c.root.Name(), c.self.ID(), u, map[string]any{"principal": principal, "group": group}); err != nil {
		return err
	}
	local, err := c.LocalGroups(ctx)
	if err != nil {
		return err
	}
	if err = c.app.Pool.Commit(ctx); err != nil {
		return err
	}
	c.self.setLocalGroups(local)
	forget(c.self)
	return nil
}
