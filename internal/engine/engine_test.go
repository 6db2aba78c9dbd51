package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"contentline/internal/config"
	"contentline/internal/db"
	"contentline/internal/domain"
	"contentline/internal/engine"
	"contentline/internal/events"
	"contentline/internal/migrate"
	"contentline/internal/repo"
	"contentline/internal/workflow"
)

const testSite = `type: application
id: test
defaultRoot: content
autocommit: true
acl:
  - [Allow, editors, [view, add, edit, delete]]
  - [Allow, Everyone, view]
meta:
  - id: keywords
    datatype: string
modules:
  - type: root
    id: content
    data:
      - title:string
      - id: count
        datatype: number
        default: 3
      - published:date
      - logo:file
  - type: root
    id: archive
    restraints:
      selection_tag: 1

  - type: object
    id: note
    dbparam: notes
    extension: html
    acl:
      - [Allow, "local:reviewer", edit]
    data:
      - id: title
        datatype: string
        fulltext: true
      - id: body
        datatype: text
        fulltext: true
      - id: priority
        datatype: number
        default: 5
      - attachment:file
  - type: object
    id: folder
    dbparam: folders
    subtypes: "*"
    cache: true
    data: [title:string]
  - type: object
    id: page
    dbparam: pages
    subtypes: [text]
    data: [title:string]
  - type: object
    id: text
    dbparam: texts
    data: [title:string]
  - type: object
    id: image
    dbparam: images
    data: [title:string]
  - type: object
    id: memo
    dbparam: memos
    extensions: [ext.titled]
    data: [title:string]
  - type: object
    id: article
    dbparam: articles
    workflow: p
    data: [title:string]

  - type: workflow
    id: p
    entry: start
    states:
      - id: start
        actions: [view, edit]
      - id: edit
        actions: [view, edit]
      - id: end
        actions: [view]
    transitions:
      - id: create
        from: start
        to: edit
        actions: create
        roles: "*"
      - id: publish
        from: edit
        to: end
        actions: publish
        roles: [editor]

  - type: tool
    id: export
    func: tools.export
    data:
      - id: format
        datatype: string
        required: true
      - id: limit
        datatype: number
        default: 10
`

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type titled struct{ seen *[]string }

func (titled) Title(o *engine.Object) string {
	s, _ := o.GetFld("title").(string)
	return "Memo: " + s
}

func (b titled) HandleSignal(ctx context.Context, n engine.Node, s events.Signal) error {
	*b.seen = append(*b.seen, s.Name)
	return nil
}

type testEnv struct {
	App  *engine.Application
	Pool *repo.Pool
	Root *engine.Root
	Ctx  context.Context
	Seen *[]string
}

func openPool(t *testing.T) *repo.Pool {
	t.Helper()
	dir := t.TempDir()
	open := func() (*sql.DB, error) { return db.Open(db.Config{Workspace: dir}) }
	conn, err := open()
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	pool := repo.New(conn, db.FileRoot(dir), open)
	pool.Now = func() time.Time { return testNow }
	return pool
}

func start(ctx context.Context, pool *repo.Pool, site string, syms config.Symbols) (*engine.Application, error) {
	conf, err := config.FromYAML([]byte(site), syms)
	if err != nil {
		return nil, err
	}
	app := engine.New(conf, pool, syms)
	app.Now = func() time.Time { return testNow }
	if err := app.Startup(ctx); err != nil {
		return nil, err
	}
	if err := app.FinishRegistration(ctx); err != nil {
		return nil, err
	}
	return app, app.Run(ctx)
}

func newTestEnv(t *testing.T, site string) testEnv {
	t.Helper()
	ctx := context.Background()
	pool := openPool(t)
	seen := []string{}
	app, err := start(ctx, pool, site, config.Symbols{"ext.titled": titled{seen: &seen}})
	require.NoError(t, err)
	t.Cleanup(func() { app.Shutdown() })
	root, err := app.Root("")
	require.NoError(t, err)
	return testEnv{App: app, Pool: pool, Root: root, Ctx: ctx, Seen: &seen}
}

func (env testEnv) create(t *testing.T, in interface {
	Create(context.Context, any, domain.Values, domain.User, engine.Options) (*engine.Object, error)
}, typ string, values domain.Values) *engine.Object {
	t.Helper()
	o, err := in.Create(env.Ctx, typ, values, domain.User{ID: "u1"}, engine.Options{})
	require.NoError(t, err)
	require.NotNil(t, o)
	return o
}

func readFile(t *testing.T, f *domain.File) string {
	t.Helper()
	rc, err := f.Open()
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestCreateUpdateDeleteLeaf(t *testing.T) {
	env := newTestEnv(t, testSite)
	u1 := domain.User{ID: "u1"}

	n, err := env.Root.Create(env.Ctx, "note", domain.Values{"title": "A", "body": "x"}, u1, engine.Options{})
	require.NoError(t, err)
	require.Positive(t, n.ID())
	require.Equal(t, "u1", n.Meta().String(domain.MetaCreatedBy))
	require.Equal(t, "note", n.Meta().String(domain.MetaType))
	require.Equal(t, "content", n.Meta().String(domain.MetaRoot))
	require.True(t, n.Created().Equal(testNow))
	require.Equal(t, "A", n.Title())

	require.NoError(t, n.Update(env.Ctx, domain.Values{"title": "B", "created_by": "intruder", "bogus": 1}, u1, engine.Options{}))
	require.Equal(t, "B", n.GetFld("title"))

	again, err := env.Root.Obj(env.Ctx, n.ID())
	require.NoError(t, err)
	require.Equal(t, "B", again.GetFld("title"))
	require.Equal(t, "x", again.GetFld("body"))
	require.Equal(t, "u1", again.Meta().String(domain.MetaCreatedBy))

	require.NoError(t, env.Root.Delete(env.Ctx, n.ID(), u1, engine.Options{}))
	e, err := env.Pool.GetEntry(env.Ctx, n.ID())
	require.NoError(t, err)
	require.Nil(t, e)

	err = env.Root.Delete(env.Ctx, n.ID(), u1, engine.Options{})
	require.ErrorIs(t, err, domain.ErrNotFound)
	missing, err := env.Root.Obj(env.Ctx, n.ID())
	require.NoError(t, err)
	require.Nil(t, missing)

	evts, err := env.Pool.LatestEvents(env.Ctx, domain.EventFilter{RootID: "content"})
	require.NoError(t, err)
	var types []string
	for _, ev := range evts {
		types = append(types, ev.Type)
	}
	require.Equal(t, []string{"object.delete", "object.update", "object.create"}, types)
}

func TestCreateRoundTripsDefaults(t *testing.T) {
	env := newTestEnv(t, testSite)
	n := env.create(t, env.Root, "note", domain.Values{"title": "T", "keywords": "k1"})
	require.Equal(t, int64(5), n.GetFld("priority"))
	require.Nil(t, n.GetFld("body"))
	require.Equal(t, "k1", n.GetFld("keywords"))

	_, err := env.Root.Create(env.Ctx, "note", domain.Values{"priority": "high"}, domain.User{ID: "u1"}, engine.Options{})
	require.ErrorIs(t, err, domain.ErrInvalidValue)
	objs, err := env.Root.GetObjs(env.Ctx, engine.ObjQuery{})
	require.NoError(t, err)
	require.Len(t, objs, 1)
}

func TestWorkflowDrive(t *testing.T) {
	env := newTestEnv(t, testSite)
	u1 := domain.User{ID: "u1"}
	editor := domain.User{ID: "u2", Groups: []string{"editor"}}

	a := env.create(t, env.Root, "article", domain.Values{"title": "T"})
	require.Equal(t, "p", a.ProcessID())
	require.Equal(t, "edit", a.StateID())

	_, err := a.Action(env.Ctx, "publish", u1, workflow.Options{})
	require.ErrorIs(t, err, domain.ErrWorkflowDenied)
	var denied domain.WorkflowDeniedError
	require.ErrorAs(t, err, &denied)
	require.Equal(t, "edit", denied.State)
	require.False(t, a.Allow(env.Ctx, "publish", u1))
	require.True(t, a.Allow(env.Ctx, "publish", editor))

	tr, err := a.Action(env.Ctx, "publish", editor, workflow.Options{})
	require.NoError(t, err)
	require.Equal(t, "publish", tr.ID)
	require.Equal(t, "end", a.StateID())

	stored, err := env.Root.Obj(env.Ctx, a.ID())
	require.NoError(t, err)
	require.Equal(t, "end", stored.StateID())

	err = stored.Update(env.Ctx, domain.Values{"title": "late"}, editor, engine.Options{})
	require.ErrorIs(t, err, domain.ErrWorkflowDenied)

	info, err := stored.WorkflowInfo(env.Ctx, editor)
	require.NoError(t, err)
	require.Equal(t, "end", info.State)
	require.Equal(t, []string{"view"}, info.StateActions)

	evts, err := env.Pool.LatestEvents(env.Ctx, domain.EventFilter{Type: "workflow.transition"})
	require.NoError(t, err)
	require.Len(t, evts, 2)
}

func TestContainmentRestriction(t *testing.T) {
	env := newTestEnv(t, testSite)
	u1 := domain.User{ID: "u1"}
	page := env.create(t, env.Root, "page", domain.Values{"title": "P"})

	_, err := page.Create(env.Ctx, "image", domain.Values{"title": "I"}, u1, engine.Options{})
	require.ErrorIs(t, err, domain.ErrContainment)
	txt := env.create(t, page, "text", domain.Values{"title": "t"})
	require.Equal(t, page.ID(), txt.Parent().ID())

	leaf := env.create(t, env.Root, "note", domain.Values{"title": "n"})
	_, err = leaf.Create(env.Ctx, "note", nil, u1, engine.Options{})
	require.ErrorIs(t, err, domain.ErrContainment)

	_, err = env.Root.Obj(env.Ctx, txt.ID())
	require.ErrorIs(t, err, domain.ErrContainment)
	resolved, err := env.Root.Resolve(env.Ctx, txt.ID())
	require.NoError(t, err)
	require.Equal(t, txt.ID(), resolved.ID())
	require.Len(t, resolved.Path(), 1)

	_, err = env.Root.Create(env.Ctx, "nope", nil, u1, engine.Options{})
	require.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestFilenameCollision(t *testing.T) {
	env := newTestEnv(t, testSite)
	a := env.create(t, env.Root, "note", domain.Values{"title": "Hello World"})
	b := env.create(t, env.Root, "note", domain.Values{"title": "Hello World"})
	require.Equal(t, "hello_world", a.Filename())
	require.Equal(t, "hello_world1", b.Filename())
	require.Equal(t, "hello_world1.html", b.URLSegment())

	got, err := env.Root.ObjByName(env.Ctx, "hello_world1.html")
	require.NoError(t, err)
	require.Equal(t, b.ID(), got.ID())

	byID, err := env.Root.ObjByName(env.Ctx, "1")
	require.NoError(t, err)
	require.Equal(t, a.ID(), byID.ID())

	f := env.create(t, env.Root, "note", domain.Values{"title": "File"})
	require.Equal(t, "file1", f.Filename())
	none, err := env.Root.ObjByName(env.Ctx, "file")
	require.NoError(t, err)
	require.Nil(t, none)

	require.NoError(t, a.Update(env.Ctx, domain.Values{"filename": "Hello World"}, domain.User{ID: "u1"}, engine.Options{}))
	require.Equal(t, "hello_world", a.Filename())
}

func TestNumericTitlesDoNotShadowIDs(t *testing.T) {
	env := newTestEnv(t, testSite)
	a := env.create(t, env.Root, "folder", domain.Values{"title": "日本"})
	require.Empty(t, a.Filename())
	require.Equal(t, strconv.FormatInt(a.ID(), 10), a.URLSegment())

	b := env.create(t, env.Root, "folder", domain.Values{"title": a.URLSegment()})
	require.Equal(t, "n"+a.URLSegment(), b.Filename())
	require.NotEqual(t, a.URLSegment(), b.URLSegment())

	got, err := env.Root.ObjByName(env.Ctx, a.URLSegment())
	require.NoError(t, err)
	require.Equal(t, a.ID(), got.ID())
	got, err = env.Root.ObjByName(env.Ctx, b.URLSegment())
	require.NoError(t, err)
	require.Equal(t, b.ID(), got.ID())

	require.NoError(t, b.Update(env.Ctx, domain.Values{"filename": "42"}, domain.User{ID: "u1"}, engine.Options{}))
	require.Equal(t, "n42", b.Filename())
}

func TestDuplicateWithChildren(t *testing.T) {
	env := newTestEnv(t, testSite)
	u1 := domain.User{ID: "u1"}
	c := env.create(t, env.Root, "folder", domain.Values{"title": "C"})
	one := env.create(t, c, "note", domain.Values{
		"title":      "one",
		"attachment": domain.Upload{Filename: "a.txt", Reader: strings.NewReader("hello")},
	})
	env.create(t, c, "note", domain.Values{"title": "two"})
	orig, err := one.File(env.Ctx, "attachment")
	require.NoError(t, err)
	require.NotNil(t, orig)

	dup, err := env.Root.Duplicate(env.Ctx, c, u1, engine.Options{})
	require.NoError(t, err)
	require.NotEqual(t, c.ID(), dup.ID())
	require.Equal(t, "c", c.Filename())
	require.Equal(t, "c1", dup.Filename())
	require.Equal(t, "C", dup.GetFld("title"))

	kids, err := dup.GetObjs(env.Ctx, engine.ObjQuery{})
	require.NoError(t, err)
	require.Len(t, kids, 2)
	require.Equal(t, "one", kids[0].GetFld("title"))
	require.Equal(t, "two", kids[1].GetFld("title"))
	require.NotEqual(t, one.ID(), kids[0].ID())

	copied, err := kids[0].File(env.Ctx, "attachment")
	require.NoError(t, err)
	require.NotNil(t, copied)
	require.NotEqual(t, orig.FileID, copied.FileID)
	require.Equal(t, "a.txt", copied.Filename)
	require.Equal(t, "hello", readFile(t, copied))

	origKids, err := c.GetObjs(env.Ctx, engine.ObjQuery{Batch: true})
	require.NoError(t, err)
	require.Len(t, origKids, 2)
	require.Equal(t, "hello", readFile(t, orig))

	_, err = c.Duplicate(env.Ctx, c, u1, engine.Options{})
	require.ErrorIs(t, err, domain.ErrContainment)
}

func TestRegistrationConflict(t *testing.T) {
	ctx := context.Background()
	app := engine.New(config.NewApp("s6"), openPool(t), nil)
	require.NoError(t, app.Startup(ctx))
	note := &config.ObjectConf{Base: config.Base{ID: "note"}, DBParam: "notes"}
	require.NoError(t, app.RegisterModule(note))
	require.NoError(t, app.RegisterModule(note))

	err := app.RegisterModule(&config.ModuleConf{
		Base: config.Base{ID: "extra"},
		Modules: []config.Include{
			config.Inc(&config.ObjectConf{Base: config.Base{ID: "memo"}}),
			config.Inc(&config.ObjectConf{Base: config.Base{ID: "note"}, DBParam: "other"}),
		},
	})
	require.ErrorIs(t, err, domain.ErrConfiguration)
	require.Nil(t, app.ObjectType("memo"))
	require.Equal(t, "notes", app.ObjectType("note").Table())
}

func TestFinishRegistrationRejectsConflictingColumns(t *testing.T) {
	site := `type: application
id: bad
modules:
  - type: root
    id: content
  - type: object
    id: a
    dbparam: shared
    data: [x:string]
  - type: object
    id: b
    dbparam: shared
    data: [x:number]
`
	_, err := start(context.Background(), openPool(t), site, nil)
	require.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestFinishRegistrationLocksDescriptors(t *testing.T) {
	env := newTestEnv(t, testSite)
	note := env.App.ObjectType("note")
	require.True(t, note.Locked())
	require.ErrorIs(t, config.Update(note, map[string]any{"dbparam": "x"}), domain.ErrConfiguration)
	require.ErrorIs(t, env.App.RegisterModule(&config.GroupConf{Base: config.Base{ID: "late"}}), domain.ErrConfiguration)

	s := env.App.Structure()
	require.True(t, s.HasColumn("notes", "priority"))
	require.False(t, s.HasColumn("notes", "attachment"))
	require.True(t, s.HasColumn("", "keywords"))
}

func TestNoCommitNeedsTransaction(t *testing.T) {
	env := newTestEnv(t, testSite)
	u1 := domain.User{ID: "u1"}
	_, err := env.Root.Create(env.Ctx, "note", domain.Values{"title": "x"}, u1, engine.Options{NoCommit: true})
	require.ErrorIs(t, err, engine.ErrNoTransaction)

	tx, err := env.App.Begin(env.Ctx)
	require.NoError(t, err)
	a, err := env.Root.Create(tx, "note", domain.Values{"title": "one"}, u1, engine.Options{NoCommit: true})
	require.NoError(t, err)
	b, err := env.Root.Create(tx, "note", domain.Values{"title": "two"}, u1, engine.Options{NoCommit: true})
	require.NoError(t, err)
	require.NoError(t, env.App.Undo(tx))
	for _, id := range []int64{a.ID(), b.ID()} {
		e, err := env.Pool.GetEntry(env.Ctx, id)
		require.NoError(t, err)
		require.Nil(t, e)
	}

	tx, err = env.App.Begin(env.Ctx)
	require.NoError(t, err)
	c, err := env.Root.Create(tx, "note", domain.Values{"title": "three"}, u1, engine.Options{NoCommit: true})
	require.NoError(t, err)
	require.NoError(t, env.App.Commit(tx))
	e, err := env.Pool.GetEntry(env.Ctx, c.ID())
	require.NoError(t, err)
	require.NotNil(t, e)
}

func TestFailedCreateRollsBack(t *testing.T) {
	env := newTestEnv(t, testSite)
	boom := errors.New("boom")
	env.App.Signals.On(events.Create, func(ctx context.Context, s events.Signal) error {
		if s.TypeID == "note" {
			return boom
		}
		return nil
	})
	_, err := env.Root.Create(env.Ctx, "note", domain.Values{"title": "x"}, domain.User{ID: "u1"}, engine.Options{})
	require.ErrorIs(t, err, boom)

	objs, err := env.Root.GetObjs(env.Ctx, engine.ObjQuery{})
	require.NoError(t, err)
	require.Empty(t, objs)
	evts, err := env.Pool.LatestEvents(env.Ctx, domain.EventFilter{Type: "object.create"})
	require.NoError(t, err)
	require.Empty(t, evts)
}

func TestSignalOrder(t *testing.T) {
	env := newTestEnv(t, testSite)
	var order []string
	for _, name := range []string{events.BeforeAdd, events.Create, events.AfterAdd, events.Update, events.Delete, events.AfterDelete} {
		name := name
		env.App.Signals.On(name, func(ctx context.Context, s events.Signal) error {
			order = append(order, name)
			return nil
		})
	}
	n := env.create(t, env.Root, "note", domain.Values{"title": "x"})
	require.NoError(t, n.Update(env.Ctx, domain.Values{"title": "y"}, domain.User{ID: "u1"}, engine.Options{}))
	require.NoError(t, env.Root.Delete(env.Ctx, n.ID(), domain.User{ID: "u1"}, engine.Options{}))
	require.Equal(t, []string{"beforeAdd", "create", "afterAdd", "update", "delete", "afterDelete"}, order)
}

func TestExtensionsComposeBehavior(t *testing.T) {
	env := newTestEnv(t, testSite)
	m := env.create(t, env.Root, "memo", domain.Values{"title": "x"})
	require.Equal(t, "Memo: x", m.Title())
	require.NoError(t, m.Update(env.Ctx, domain.Values{"title": "y"}, domain.User{ID: "u1"}, engine.Options{}))
	require.Equal(t, []string{"create", "update"}, *env.Seen)
}

func TestDeleteRemovesDescendants(t *testing.T) {
	env := newTestEnv(t, testSite)
	u1 := domain.User{ID: "u1"}
	c := env.create(t, env.Root, "folder", domain.Values{"title": "C"})
	sub := env.create(t, c, "folder", domain.Values{"title": "sub"})
	leaf := env.create(t, sub, "note", domain.Values{
		"title":      "leaf",
		"attachment": domain.Upload{Filename: "b.bin", Reader: strings.NewReader("data")},
	})
	require.NoError(t, leaf.AddLocalGroup(env.Ctx, "u9", "reviewer", u1))

	ids, err := c.ChildIDs(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{sub.ID(), leaf.ID()}, ids)

	require.NoError(t, env.Root.Delete(env.Ctx, c.ID(), u1, engine.Options{}))
	for _, id := range []int64{c.ID(), sub.ID(), leaf.ID()} {
		e, err := env.Pool.GetEntry(env.Ctx, id)
		require.NoError(t, err)
		require.Nil(t, e)
		files, err := env.Pool.OwnerFiles(env.Ctx, id, "")
		require.NoError(t, err)
		require.Empty(t, files)
	}
	grants, err := env.Pool.LocalGroups(env.Ctx, leaf.SecurityID())
	require.NoError(t, err)
	require.Empty(t, grants)
	hits, err := env.Root.SearchFulltext(env.Ctx, "leaf", 10)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestObjectCache(t *testing.T) {
	env := newTestEnv(t, testSite)
	u1 := domain.User{ID: "u1"}
	c := env.create(t, env.Root, "folder", domain.Values{"title": "C"})
	n := env.create(t, c, "note", domain.Values{"title": "x"})

	first, err := c.Obj(env.Ctx, n.ID())
	require.NoError(t, err)
	second, err := c.Obj(env.Ctx, n.ID())
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Equal(t, first.ID(), second.ID())

	// a write behind the engine's back is not seen while the entry is cached
	e, err := env.Pool.GetEntry(env.Ctx, n.ID())
	require.NoError(t, err)
	e.SetData("title", "raw")
	require.NoError(t, e.Commit(env.Ctx, "u1"))
	hit, err := c.Obj(env.Ctx, n.ID())
	require.NoError(t, err)
	require.Equal(t, "x", hit.GetFld("title"))

	require.NoError(t, first.Update(env.Ctx, domain.Values{"title": "y"}, u1, engine.Options{}))
	require.Equal(t, "x", second.GetFld("title"))
	fresh, err := c.Obj(env.Ctx, n.ID())
	require.NoError(t, err)
	require.Equal(t, "y", fresh.GetFld("title"))

	require.NoError(t, c.Delete(env.Ctx, n.ID(), u1, engine.Options{}))
	gone, err := c.Obj(env.Ctx, n.ID())
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestObjectCacheConcurrentUpdates(t *testing.T) {
	env := newTestEnv(t, testSite)
	u1 := domain.User{ID: "u1"}
	c := env.create(t, env.Root, "folder", domain.Values{"title": "C"})
	n := env.create(t, c, "article", domain.Values{"title": "a0"})

	// writes are serialized so SQLite never reports busy; reads are not
	var writes sync.Mutex
	errs := make(chan error, 4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				o, err := c.Obj(env.Ctx, n.ID())
				if err != nil {
					errs <- err
					return
				}
				_ = o.Values()
				_ = o.Allow(env.Ctx, "edit", u1)
				writes.Lock()
				err = o.Update(env.Ctx, domain.Values{"title": fmt.Sprintf("a%d-%d", i, j)}, u1, engine.Options{})
				writes.Unlock()
				if err != nil {
					errs <- err
					return
				}
				_ = o.Title()
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	o, err := c.Obj(env.Ctx, n.ID())
	require.NoError(t, err)
	require.Equal(t, "edit", o.StateID())
	require.Regexp(t, `^a\d-\d$`, o.GetFld("title"))
}

func TestQueriesAndRestraints(t *testing.T) {
	env := newTestEnv(t, testSite)
	u1 := domain.User{ID: "u1"}
	for i, title := range []string{"c", "a", "b"} {
		env.create(t, env.Root, "note", domain.Values{"title": title, "priority": i + 1})
	}
	env.create(t, env.Root, "folder", domain.Values{"title": "f"})

	rows, err := env.Root.Select(env.Ctx, engine.ObjQuery{
		Type:      "note",
		Parameter: domain.Values{"priority": []int64{2, 3}},
		Operators: map[string]domain.Operator{"priority": domain.OpIn},
		Sort:      "title",
	}, "id", "title")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "a", rows[0]["title"])
	require.Equal(t, "b", rows[1]["title"])

	objs, err := env.Root.GetObjs(env.Ctx, engine.ObjQuery{Type: "note", Sort: "priority", Descending: true, Max: 2, Batch: true})
	require.NoError(t, err)
	require.Len(t, objs, 2)
	require.Equal(t, "b", objs[0].GetFld("title"))

	archive, err := env.App.Root("archive")
	require.NoError(t, err)
	tagged := env.create(t, archive, "note", domain.Values{"title": "kept"})
	env.create(t, archive, "note", domain.Values{"title": "hidden"})
	require.NoError(t, tagged.Update(env.Ctx, domain.Values{"selection_tag": "1"}, u1, engine.Options{}))

	visible, err := archive.GetObjs(env.Ctx, engine.ObjQuery{})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	require.Equal(t, tagged.ID(), visible[0].ID())

	hits, err := env.Root.SearchFulltext(env.Ctx, "B", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestLocalGroupsAndACL(t *testing.T) {
	site := strings.Replace(testSite, "autocommit: true", "autocommit: true\nenforceACL: true", 1)
	env := newTestEnv(t, site)
	editor := domain.User{ID: "ed", Groups: []string{"editors"}}
	guest := domain.User{ID: "u3"}

	_, err := env.Root.Create(env.Ctx, "note", domain.Values{"title": "x"}, guest, engine.Options{})
	require.ErrorIs(t, err, domain.ErrPermissionDenied)

	n, err := env.Root.Create(env.Ctx, "note", domain.Values{"title": "x"}, editor, engine.Options{})
	require.NoError(t, err)
	require.True(t, n.Allowed("view", guest))
	require.False(t, n.Allowed("edit", guest))
	require.ErrorIs(t, n.Update(env.Ctx, domain.Values{"title": "y"}, guest, engine.Options{}), domain.ErrPermissionDenied)

	require.ErrorIs(t, n.AddLocalGroup(env.Ctx, "u3", "reviewer", guest), domain.ErrPermissionDenied)
	require.NoError(t, n.AddLocalGroup(env.Ctx, "u3", "reviewer", editor))
	require.Contains(t, n.Groups(guest), "reviewer")
	require.NoError(t, n.Update(env.Ctx, domain.Values{"title": "y"}, guest, engine.Options{}))

	grants, err := n.LocalGroups(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, []domain.LocalGroup{{SecurityID: n.SecurityID(), PrincipalID: "u3", Group: "reviewer"}}, grants)

	reloaded, err := env.Root.Obj(env.Ctx, n.ID())
	require.NoError(t, err)
	require.True(t, reloaded.Allowed("edit", guest))

	require.NoError(t, n.RemoveLocalGroup(env.Ctx, "u3", "reviewer", editor))
	require.False(t, n.Allowed("edit", guest))
	require.ErrorIs(t, env.Root.Delete(env.Ctx, n.ID(), guest, engine.Options{}), domain.ErrPermissionDenied)
}

func TestCloseAndRun(t *testing.T) {
	env := newTestEnv(t, testSite)
	n := env.create(t, env.Root, "note", domain.Values{"title": "before"})

	require.NoError(t, env.App.Close())
	_, err := env.Root.Create(env.Ctx, "note", domain.Values{"title": "x"}, domain.User{ID: "u1"}, engine.Options{})
	require.ErrorIs(t, err, engine.ErrNotRunning)
	_, err = env.App.Root("")
	require.ErrorIs(t, err, engine.ErrNotRunning)

	require.NoError(t, env.App.Run(env.Ctx))
	again, err := env.Root.Obj(env.Ctx, n.ID())
	require.NoError(t, err)
	require.Equal(t, "before", again.GetFld("title"))
	env.create(t, env.Root, "note", domain.Values{"title": "after"})
}

func TestTools(t *testing.T) {
	env := newTestEnv(t, testSite)
	env.App.Tools["tools.export"] = func(ctx context.Context, tool *engine.Tool, values domain.Values, w io.Writer) (bool, error) {
		_, err := io.WriteString(w, values["format"].(string)+" "+strings.Repeat("x", int(values["limit"].(int64))))
		return err == nil, err
	}

	tool, err := env.App.Tool(env.Root, "export")
	require.NoError(t, err)
	require.NotNil(t, tool)
	var out strings.Builder
	ok, err := tool.Execute(env.Ctx, domain.Values{"format": "csv", "limit": "2"}, &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "csv xx", out.String())

	_, err = tool.Execute(env.Ctx, domain.Values{}, &out)
	require.ErrorIs(t, err, domain.ErrInvalidValue)
	var formErr engine.FormErrors
	require.ErrorAs(t, err, &formErr)
	require.Equal(t, "required", formErr["format"])

	missing, err := env.App.Tool(nil, "missing")
	require.NoError(t, err)
	require.Nil(t, missing)
	require.Len(t, env.App.ToolsFor(env.Root), 1)
}

func TestObjQueryFilter(t *testing.T) {
	var q engine.ObjQuery
	require.NoError(t, q.Filter("title=a:b", "priority:>=5", "state:in=draft,public", "n:between=1,3", "name:like=a%"))
	require.Equal(t, "a:b", q.Parameter["title"])
	require.Equal(t, domain.OpEq, q.Operators["title"])
	require.Equal(t, "5", q.Parameter["priority"])
	require.Equal(t, domain.OpGe, q.Operators["priority"])
	require.Equal(t, []string{"draft", "public"}, q.Parameter["state"])
	require.Equal(t, domain.OpIn, q.Operators["state"])
	require.Equal(t, domain.OpBetween, q.Operators["n"])
	require.Equal(t, domain.OpLike, q.Operators["name"])

	require.Error(t, q.Filter("priority:~=1"))
	require.Error(t, q.Filter("novalue"))
	require.Error(t, q.Filter("=x"))
}
