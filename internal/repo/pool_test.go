package repo_test

import (
	"context"
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"contentline/internal/db"
	"contentline/internal/domain"
	"contentline/internal/migrate"
	"contentline/internal/repo"
)

type testEnv struct {
	Pool *repo.Pool
	Ctx  context.Context
	Dir  string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	open := func() (*sql.DB, error) { return db.Open(db.Config{Workspace: dir}) }
	conn, err := open()
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	pool := repo.New(conn, db.FileRoot(dir), open)
	pool.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { pool.Close() })
	ctx := context.Background()
	require.NoError(t, pool.SetStructure(ctx, domain.Structure{
		Meta: []domain.Column{{Name: "keywords", SQLType: "TEXT"}},
		Tables: map[string][]domain.Column{
			"notes": {{Name: "title", SQLType: "TEXT"}, {Name: "priority", SQLType: "INTEGER"}},
		},
	}))
	return testEnv{Pool: pool, Ctx: ctx, Dir: dir}
}

func (env testEnv) create(t *testing.T, parent int64, title string, priority int64) int64 {
	t.Helper()
	ctx, err := env.Pool.Begin(env.Ctx)
	require.NoError(t, err)
	e, err := env.Pool.CreateEntry(ctx, "notes")
	require.NoError(t, err)
	e.SetMeta(domain.MetaType, "note")
	e.SetMeta(domain.MetaRoot, "content")
	e.SetMeta(domain.MetaParent, parent)
	e.SetData("title", title)
	e.SetData("priority", priority)
	e.SetFulltext(title)
	require.NoError(t, e.Commit(ctx, "u1"))
	require.NoError(t, env.Pool.Commit(ctx))
	return e.ID()
}

func TestEntryLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, 0, "Hello", 1)

	e, err := env.Pool.GetEntry(env.Ctx, id)
	require.NoError(t, err)
	require.NotNil(t, e)
	require.Equal(t, "note", e.Meta().String(domain.MetaType))
	require.Equal(t, "u1", e.Meta().String(domain.MetaCreatedBy))
	require.Equal(t, "Hello", e.Data().String("title"))
	require.Equal(t, int64(1), e.Data().Int("priority"))
	created, ok := e.Meta()[domain.MetaCreated].(time.Time)
	require.True(t, ok)
	require.True(t, created.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	e.SetData("title", "Changed")
	e.Undo()
	require.Equal(t, "Hello", e.Data().String("title"))

	cp := e.Clone()
	cp.SetData("title", "Copy")
	cp.SetMeta("keywords", "copy")
	require.Equal(t, "Hello", e.Data().String("title"))
	require.Empty(t, e.Meta().String("keywords"))
	cp.Undo()
	require.Equal(t, "Hello", cp.Data().String("title"))

	e.SetData("title", "Bye")
	e.SetMeta("keywords", "greeting")
	require.NoError(t, e.Commit(env.Ctx, "u2"))
	e, err = env.Pool.GetEntry(env.Ctx, id)
	require.NoError(t, err)
	require.Equal(t, "Bye", e.Data().String("title"))
	require.Equal(t, "greeting", e.Meta().String("keywords"))
	require.Equal(t, "u1", e.Meta().String(domain.MetaCreatedBy))
	require.Equal(t, "u2", e.Meta().String(domain.MetaChangedBy))

	e.SetData("colour", "red")
	require.ErrorIs(t, e.Commit(env.Ctx, "u2"), domain.ErrPersistence)

	require.NoError(t, env.Pool.DeleteEntry(env.Ctx, id))
	e, err = env.Pool.GetEntry(env.Ctx, id)
	require.NoError(t, err)
	require.Nil(t, e)
	require.ErrorIs(t, env.Pool.DeleteEntry(env.Ctx, id), domain.ErrNotFound)
}

func TestNestedTransactionsAndUndo(t *testing.T) {
	env := newTestEnv(t)
	ctx, err := env.Pool.Begin(env.Ctx)
	require.NoError(t, err)
	inner, err := env.Pool.Begin(ctx)
	require.NoError(t, err)
	e, err := env.Pool.CreateEntry(inner, "notes")
	require.NoError(t, err)
	e.SetMeta(domain.MetaType, "note")
	require.NoError(t, e.Commit(inner, "u1"))
	require.NoError(t, env.Pool.Commit(inner))

	f, err := e.CommitFile(ctx, "attachment", domain.Upload{Filename: "a.txt", Reader: strings.NewReader("data")})
	require.NoError(t, err)
	_, err = os.Stat(f.Path)
	require.NoError(t, err)

	require.NoError(t, env.Pool.Undo(ctx))
	require.Error(t, env.Pool.Commit(ctx))

	got, err := env.Pool.GetEntry(env.Ctx, e.ID())
	require.NoError(t, err)
	require.Nil(t, got)
	_, err = os.Stat(f.Path)
	require.True(t, os.IsNotExist(err))
}

func TestFiles(t *testing.T) {
	env := newTestEnv(t)
	id := env.create(t, 0, "with file", 0)
	e, err := env.Pool.GetEntry(env.Ctx, id)
	require.NoError(t, err)

	f, err := e.CommitFile(env.Ctx, "attachment", domain.Upload{Filename: "Report.PDF", Reader: strings.NewReader("first")})
	require.NoError(t, err)
	require.Equal(t, int64(5), f.Size)
	require.Equal(t, "pdf", f.Extension)
	require.True(t, strings.HasPrefix(f.Path, filepath.Join(env.Dir, ".contentline", "files")))

	replaced, err := e.CommitFile(env.Ctx, "attachment", domain.Upload{Filename: "b.txt", Reader: strings.NewReader("second")})
	require.NoError(t, err)
	_, err = os.Stat(f.Path)
	require.True(t, os.IsNotExist(err))

	require.NoError(t, e.RenameFile(env.Ctx, "attachment", "final.md"))
	got, err := e.GetFile(env.Ctx, "attachment")
	require.NoError(t, err)
	require.Equal(t, "final.md", got.Filename)
	require.Equal(t, "md", got.Extension)
	rc, err := got.Open()
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	rc.Close()
	require.Equal(t, "second", string(body))

	require.ErrorIs(t, e.RenameFile(env.Ctx, "missing", "x"), domain.ErrNotFound)
	missing, err := e.GetFile(env.Ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, missing)

	require.NoError(t, env.Pool.DeleteEntry(env.Ctx, id))
	_, err = os.Stat(replaced.Path)
	require.True(t, os.IsNotExist(err))
	files, err := env.Pool.OwnerFiles(env.Ctx, id, "")
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestSelectOperators(t *testing.T) {
	env := newTestEnv(t)
	for i := int64(1); i <= 5; i++ {
		env.create(t, 0, "note "+strconv.FormatInt(i, 10), i)
	}
	q := domain.Query{Type: "note", Table: "notes", Fields: []string{"id", "title", "priority"}, Sort: "priority", Descending: true}
	rows, err := env.Pool.Select(env.Ctx, q)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	require.Equal(t, "note 5", rows[0].String("title"))

	cases := []struct {
		op   domain.Operator
		val  any
		want int
	}{
		{domain.OpEq, int64(2), 1},
		{domain.OpNe, int64(2), 4},
		{domain.OpGt, int64(3), 2},
		{domain.OpLe, int64(3), 3},
		{domain.OpIn, []int64{1, 4}, 2},
		{domain.OpNotIn, []int64{1, 4}, 3},
		{domain.OpIn, []int64{}, 0},
		{domain.OpBetween, []int64{2, 4}, 3},
	}
	for _, c := range cases {
		ids, err := env.Pool.SelectIDs(env.Ctx, domain.Query{
			Table:     "notes",
			Parameter: domain.Values{"priority": c.val},
			Operators: map[string]domain.Operator{"priority": c.op},
		})
		require.NoError(t, err, c.op)
		require.Len(t, ids, c.want, c.op)
	}

	ids, err := env.Pool.SelectIDs(env.Ctx, domain.Query{Table: "notes", Parameter: domain.Values{"title": "note%"}, Operators: map[string]domain.Operator{"title": domain.OpLike}, Start: 1, Max: 2})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	_, err = env.Pool.Select(env.Ctx, domain.Query{Table: "notes", Parameter: domain.Values{"priority": int64(1)}, Operators: map[string]domain.Operator{"priority": domain.OpIn}})
	require.Error(t, err)
	_, err = env.Pool.Select(env.Ctx, domain.Query{Fields: []string{"nope"}})
	require.Error(t, err)
}

func TestTraversal(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, 0, "a", 0)
	b := env.create(t, a, "b", 0)
	c := env.create(t, b, "c", 0)
	d := env.create(t, a, "d", 0)

	ids, err := env.Pool.GetContainedIDs(env.Ctx, "content", 0, "")
	require.NoError(t, err)
	require.Equal(t, []int64{a, b, c, d}, ids)

	path, err := env.Pool.GetParentPath(env.Ctx, c)
	require.NoError(t, err)
	require.Equal(t, []int64{a, b}, path)

	path, err = env.Pool.GetParentPath(env.Ctx, a)
	require.NoError(t, err)
	require.Empty(t, path)

	e, err := env.Pool.GetEntry(env.Ctx, d)
	require.NoError(t, err)
	e.SetMeta(domain.MetaFilename, "hello_world")
	require.NoError(t, e.Commit(env.Ctx, "u1"))

	id, err := env.Pool.IDForFilename(env.Ctx, "content", a, "hello_world")
	require.NoError(t, err)
	require.Equal(t, d, id)
	taken, err := env.Pool.FilenameTaken(env.Ctx, "content", &a, "hello_world", d)
	require.NoError(t, err)
	require.False(t, taken)
	taken, err = env.Pool.FilenameTaken(env.Ctx, "content", nil, "hello_world", 0)
	require.NoError(t, err)
	require.True(t, taken)

	batch, err := env.Pool.GetBatch(env.Ctx, []int64{d, 9999, a})
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.Equal(t, d, batch[0].ID())
	require.Equal(t, a, batch[1].ID())

	found, err := env.Pool.SearchFulltext(env.Ctx, "content", "B", 10)
	require.NoError(t, err)
	require.Equal(t, []int64{b}, found)
}

func TestSysAndLocalGroups(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.Pool.StoreSys(env.Ctx, "content.root.storage", `{"title":"x"}`))
	v, err := env.Pool.LoadSys(env.Ctx, "content.root.storage")
	require.NoError(t, err)
	require.Equal(t, `{"title":"x"}`, v.Value)
	require.NoError(t, env.Pool.DeleteSys(env.Ctx, "content.root.storage"))
	v, err = env.Pool.LoadSys(env.Ctx, "content.root.storage")
	require.NoError(t, err)
	require.Nil(t, v)

	id := env.create(t, 0, "grants", 0)
	sec := strconv.FormatInt(id, 10)
	g := domain.LocalGroup{SecurityID: sec, PrincipalID: "u2", Group: "editors"}
	require.NoError(t, env.Pool.AddLocalGroup(env.Ctx, g))
	require.NoError(t, env.Pool.AddLocalGroup(env.Ctx, g))
	groups, err := env.Pool.LocalGroups(env.Ctx, sec)
	require.NoError(t, err)
	require.Equal(t, []domain.LocalGroup{g}, groups)
	require.Error(t, env.Pool.AddLocalGroup(env.Ctx, domain.LocalGroup{SecurityID: sec}))

	require.NoError(t, env.Pool.DeleteEntry(env.Ctx, id))
	groups, err = env.Pool.LocalGroups(env.Ctx, sec)
	require.NoError(t, err)
	require.Empty(t, groups)
}

func TestEventsAndReconnect(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.Pool.AppendEvent(env.Ctx, "object.create", "content", "object", "1", "u1", map[string]any{"type": "note"}))
	require.NoError(t, env.Pool.AppendEvent(env.Ctx, "object.delete", "content", "object", "1", "u1", nil))
	evts, err := env.Pool.LatestEvents(env.Ctx, domain.EventFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, evts, 2)
	require.Equal(t, "object.delete", evts[0].Type)
	require.Equal(t, "2024-01-01T00:00:00Z", evts[1].TS)

	evts, err = env.Pool.LatestEvents(env.Ctx, domain.EventFilter{Type: "object.create"})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	require.JSONEq(t, `{"type":"note"}`, evts[0].Payload)

	require.NoError(t, env.Pool.Close())
	_, err = env.Pool.GetEntry(env.Ctx, 1)
	require.Error(t, err)
	require.NoError(t, env.Pool.Reconnect(env.Ctx))
	evts, err = env.Pool.LatestEvents(env.Ctx, domain.EventFilter{})
	require.NoError(t, err)
	require.Len(t, evts, 2)
}

func TestSetStructureRejectsReservedTables(t *testing.T) {
	env := newTestEnv(t)
	err := env.Pool.SetStructure(env.Ctx, domain.Structure{Tables: map[string][]domain.Column{"meta": nil}})
	require.ErrorIs(t, err, domain.ErrConfiguration)
	err = env.Pool.SetStructure(env.Ctx, domain.Structure{Tables: map[string][]domain.Column{"notes; drop": nil}})
	require.ErrorIs(t, err, domain.ErrConfiguration)
}
