package workflow_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"contentline/internal/config"
	"contentline/internal/domain"
	"contentline/internal/registry"
	"contentline/internal/workflow"
)

type subject struct {
	process, state string
	caps           []registry.Capability
}

func (s *subject) Capabilities() []registry.Capability { return s.caps }
func (s *subject) ProcessID() string                   { return s.process }
func (s *subject) StateID() string                     { return s.state }
func (s *subject) SetWorkflow(process, state string)   { s.process, s.state = process, state }
func (s *subject) Groups(u domain.User) []string       { return append([]string{"Everyone"}, u.Groups...) }

func process() *config.WorkflowConf {
	return &config.WorkflowConf{
		Base:  config.Base{ID: "p"},
		Entry: "start",
		States: []*config.StateConf{
			{Base: config.Base{ID: "start"}},
			{Base: config.Base{ID: "edit"}, Actions: config.Names{"view", "edit"}},
			{Base: config.Base{ID: "end"}, Actions: config.Names{"view"}},
		},
		Transitions: []*config.TransitionConf{
			{Base: config.Base{ID: "create"}, From: "start", To: "edit", Actions: config.Names{"create"}, Roles: config.Names{"*"}},
			{Base: config.Base{ID: "publish"}, From: "edit", To: "end", Actions: config.Names{"publish"}, Roles: config.Names{"editor"}},
		},
	}
}

func newEngine(t *testing.T, procs ...*config.WorkflowConf) *workflow.Engine {
	t.Helper()
	reg := registry.New(true)
	for _, p := range procs {
		require.NoError(t, reg.Register(p, nil))
	}
	reg.Lock()
	return workflow.New(reg, nil)
}

func TestWorkflowDrive(t *testing.T) {
	eng := newEngine(t, process())
	ctx := context.Background()
	obj := &subject{process: "p"}
	author := domain.User{ID: "u1"}
	editor := domain.User{ID: "u2", Groups: []string{"editor"}}

	tr, err := eng.Action(ctx, "create", obj, author, workflow.Options{})
	require.NoError(t, err)
	require.Equal(t, "create", tr.ID)
	require.Equal(t, "edit", obj.state)

	require.False(t, eng.Allow(ctx, "publish", obj, author, ""))
	_, err = eng.Action(ctx, "publish", obj, author, workflow.Options{})
	require.ErrorIs(t, err, domain.ErrWorkflowDenied)
	require.Equal(t, "edit", obj.state)

	// state actions pass without a transition
	tr, err = eng.Action(ctx, "edit", obj, author, workflow.Options{})
	require.NoError(t, err)
	require.Nil(t, tr)

	require.True(t, eng.Allow(ctx, "publish", obj, editor, ""))
	tr, err = eng.Action(ctx, "publish", obj, editor, workflow.Options{})
	require.NoError(t, err)
	require.Equal(t, "publish", tr.ID)
	require.Equal(t, "end", obj.state)

	_, err = eng.Action(ctx, "edit", obj, editor, workflow.Options{})
	require.ErrorIs(t, err, domain.ErrWorkflowDenied)
}

func TestEntryActionResetsState(t *testing.T) {
	eng := newEngine(t, process())
	obj := &subject{process: "p", state: "end"}
	_, err := eng.Action(context.Background(), "create", obj, domain.User{ID: "u1"}, workflow.Options{})
	require.NoError(t, err)
	require.Equal(t, "edit", obj.state)
}

func TestAdminsAndWildcards(t *testing.T) {
	p := process()
	p.Admins = config.Names{"admins"}
	p.Transitions = append(p.Transitions,
		&config.TransitionConf{Base: config.Base{ID: "reset"}, From: "*", To: "start", Actions: config.Names{"reset"}, Roles: config.Names{"nobody"}},
		&config.TransitionConf{Base: config.Base{ID: "anything"}, From: "end", To: "edit", Actions: config.Names{"*"}, Roles: config.Names{"*"}},
	)
	eng := newEngine(t, p)
	ctx := context.Background()
	admin := domain.User{ID: "root", Groups: []string{"admins"}}

	obj := &subject{process: "p", state: "edit"}
	tr, err := eng.Action(ctx, "publish", obj, admin, workflow.Options{})
	require.NoError(t, err)
	require.Equal(t, "publish", tr.ID)

	// non-wildcard transitions are preferred over from "*"
	tr, err = eng.Action(ctx, "reset", obj, admin, workflow.Options{})
	require.NoError(t, err)
	require.Equal(t, "anything", tr.ID)

	obj.state = "end"
	tr, err = eng.Action(ctx, "reset", obj, admin, workflow.Options{Transition: "reset"})
	require.NoError(t, err)
	require.Equal(t, "start", obj.state)
	require.Equal(t, "reset", tr.ID)

	_, err = eng.Action(ctx, "reset", &subject{process: "p", state: "edit"}, domain.User{ID: "u1"}, workflow.Options{})
	require.ErrorIs(t, err, domain.ErrWorkflowDenied)
}

func TestConditionsAndExecutes(t *testing.T) {
	p := process()
	p.Transitions[1].Roles = config.Names{"*"}
	p.Transitions[1].Conditions = config.Names{"has_title"}
	p.Transitions[1].Execute = config.Names{"stamp", "confirm"}
	eng := newEngine(t, p)
	ctx := context.Background()

	ready := false
	var stamped []string
	eng.Register("has_title", workflow.Callback{Condition: func(context.Context, *config.TransitionConf, workflow.Subject, domain.User, domain.Values) bool {
		return ready
	}})
	eng.Register("stamp", workflow.Callback{Execute: func(_ context.Context, tr *config.TransitionConf, _ workflow.Subject, u domain.User, _ domain.Values) error {
		stamped = append(stamped, tr.ID+":"+u.ID)
		return nil
	}})
	eng.Register("confirm", workflow.Callback{
		Interactive: true,
		Fields:      []*config.FieldConf{{Base: config.Base{ID: "comment"}, Datatype: config.Text}},
		Execute: func(_ context.Context, _ *config.TransitionConf, _ workflow.Subject, _ domain.User, v domain.Values) error {
			if v.String("comment") == "" {
				return errors.New("comment required")
			}
			return nil
		},
	})

	obj := &subject{process: "p", state: "edit"}
	u := domain.User{ID: "u1"}
	_, err := eng.Action(ctx, "publish", obj, u, workflow.Options{})
	require.ErrorIs(t, err, domain.ErrWorkflowDenied)

	ready = true
	_, err = eng.Action(ctx, "publish", obj, u, workflow.Options{})
	var need workflow.ValuesRequiredError
	require.ErrorAs(t, err, &need)
	require.Equal(t, "comment", need.Fields[0].ID)
	require.Equal(t, "edit", obj.state)

	_, err = eng.Action(ctx, "publish", obj, u, workflow.Options{Values: domain.Values{}})
	require.ErrorContains(t, err, "comment required")
	require.Equal(t, "edit", obj.state)

	_, err = eng.Action(ctx, "publish", obj, u, workflow.Options{Values: domain.Values{"comment": "ok"}})
	require.NoError(t, err)
	require.Equal(t, "end", obj.state)
	require.Equal(t, []string{"publish:u1", "publish:u1", "publish:u1"}, stamped)

	info, err := eng.Info(ctx, &subject{process: "p", state: "edit"}, u)
	require.NoError(t, err)
	require.Equal(t, "edit", info.State)
	require.Len(t, info.Transitions, 1)
	require.True(t, info.Transitions[0].Interactive)
	require.Equal(t, []string{"publish"}, info.Actions)
	require.Equal(t, []string{"view", "edit"}, info.StateActions)
}

func TestProcessLookup(t *testing.T) {
	global := process()
	scoped := process()
	scoped.Transitions = scoped.Transitions[:1]
	scoped.Apply = config.Names{"type:page"}
	eng := newEngine(t, global, scoped)

	page := &subject{process: "p", caps: []registry.Capability{"type:page"}}
	proc, err := eng.Process(page, "p")
	require.NoError(t, err)
	require.Same(t, scoped, proc)

	proc, err = eng.Process(&subject{}, "p")
	require.NoError(t, err)
	require.Same(t, global, proc)

	_, err = eng.Process(&subject{}, "unknown")
	require.ErrorIs(t, err, domain.ErrConfiguration)

	// no process: every action passes
	tr, err := eng.Action(context.Background(), "anything", &subject{}, domain.User{}, workflow.Options{})
	require.NoError(t, err)
	require.Nil(t, tr)
	require.True(t, eng.Allow(context.Background(), "anything", &subject{}, domain.User{}, ""))
}
