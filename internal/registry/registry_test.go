package registry_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"contentline/internal/config"
	"contentline/internal/domain"
	"contentline/internal/registry"
)

type caps []registry.Capability

func (c caps) Capabilities() []registry.Capability { return c }

func note(table string) *config.ObjectConf {
	return &config.ObjectConf{Base: config.Base{ID: "note"}, DBParam: table}
}

func TestRegisterIdempotent(t *testing.T) {
	r := registry.New(false)
	n := note("notes")
	require.NoError(t, r.Register(n, nil))
	require.NoError(t, r.Register(n, nil))
	require.Same(t, n, r.Query(registry.CapObjectType, "note"))
	// an equal copy counts as the same descriptor
	require.NoError(t, r.Register(note("notes"), nil))
	require.Same(t, n, r.Query(registry.CapObjectType, "note"))
	require.Len(t, r.All(registry.CapObjectType), 1)
}

func TestRegisterConflictLeavesNoPartialState(t *testing.T) {
	r := registry.New(false)
	require.NoError(t, r.Register(note("notes"), nil))

	mod := &config.ModuleConf{
		Base: config.Base{ID: "extra"},
		Modules: []config.Include{
			config.Inc(&config.GroupConf{Base: config.Base{ID: "editors"}}),
			config.Inc(note("memos")),
		},
	}
	err := r.Register(mod, nil)
	require.ErrorIs(t, err, domain.ErrConfiguration)
	require.Nil(t, r.Query(registry.CapGroup, "editors"))
	require.Nil(t, r.Query(registry.CapModule, "extra"))
	require.Equal(t, "notes", r.Query(registry.CapObjectType, "note").(*config.ObjectConf).DBParam)
}

func TestCyclicInclude(t *testing.T) {
	a := &config.ModuleConf{Base: config.Base{ID: "a"}}
	b := &config.ModuleConf{Base: config.Base{ID: "b"}, Modules: []config.Include{config.Ref("mod.a")}}
	a.Modules = []config.Include{config.Ref("mod.b")}
	syms := config.Symbols{"mod.a": a, "mod.b": b}
	err := registry.New(false).Register(a, syms)
	require.ErrorIs(t, err, domain.ErrConfiguration)
	require.Contains(t, err.Error(), "cyclic include")
}

func TestUnknownKind(t *testing.T) {
	err := registry.New(false).Register(&config.StateConf{Base: config.Base{ID: "s"}}, nil)
	require.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestStrictModeFailsOnProblems(t *testing.T) {
	bad := &config.ObjectConf{Base: config.Base{ID: "bad"}, Data: []*config.FieldConf{{Base: config.Base{ID: "x"}, Datatype: "colour"}}}
	require.NoError(t, registry.New(false).Register(bad, nil))
	err := registry.New(true).Register(bad, nil)
	require.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestAdapters(t *testing.T) {
	r := registry.New(false)
	global := &config.WorkflowConf{Base: config.Base{ID: "publishing", Name: "global"}}
	forNotes := &config.WorkflowConf{Base: config.Base{ID: "publishing", Name: "notes"}, Apply: config.Names{"type:note"}}
	tool := &config.ToolConf{Base: config.Base{ID: "export"}, Func: "export", Apply: config.Names{"container"}}
	require.NoError(t, r.Register(global, nil))
	require.NoError(t, r.Register(forNotes, nil))
	require.NoError(t, r.Register(tool, nil))

	require.Same(t, forNotes, r.QueryAdapter(caps{"object", "type:note"}, registry.CapWorkflow, "publishing"))
	require.Same(t, global, r.QueryAdapter(caps{"object", "type:page"}, registry.CapWorkflow, "publishing"))
	require.Same(t, global, r.QueryAdapter(nil, registry.CapWorkflow, "publishing"))
	require.Nil(t, r.QueryAdapter(caps{"object"}, registry.CapTool, "export"))
	require.Same(t, tool, r.QueryAdapter(caps{"container"}, registry.CapTool, "export"))

	matching := r.Matching(caps{"type:note"}, registry.CapWorkflow)
	require.Len(t, matching, 1)
	require.Same(t, forNotes, matching[0])
}

func TestLock(t *testing.T) {
	r := registry.New(false)
	app := config.NewApp("site")
	app.Modules = []config.Include{config.Inc(note("notes"))}
	require.NoError(t, r.Register(app, nil))
	r.Lock()
	require.True(t, r.Locked())
	require.True(t, r.Query(registry.CapObjectType, "note").Desc().Locked())
	require.True(t, r.Query(registry.CapApp, "").Desc().Locked())
	err := r.Register(&config.GroupConf{Base: config.Base{ID: "late"}}, nil)
	require.ErrorIs(t, err, domain.ErrConfiguration)
}
