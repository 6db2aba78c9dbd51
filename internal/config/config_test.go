package config_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"contentline/internal/config"
	"contentline/internal/domain"
)

func noteConf() *config.ObjectConf {
	return &config.ObjectConf{
		Base:    config.Base{ID: "note", Name: "Note"},
		DBParam: "notes",
		Data: []*config.FieldConf{
			{Base: config.Base{ID: "title"}, Datatype: config.String},
			{Base: config.Base{ID: "body"}, Datatype: config.Text},
		},
	}
}

func TestUIDAndGet(t *testing.T) {
	note := noteConf()
	require.Equal(t, "object.note", config.UID(note))
	require.Equal(t, "notes", config.Get(note, "dbparam", ""))
	require.Equal(t, "fallback", config.Get(note, "missing", "fallback"))

	cp, err := config.Copy(note, map[string]any{"id": "memo", "name": ""})
	require.NoError(t, err)
	require.Equal(t, "memo", cp.Desc().ID)
	require.Same(t, note, cp.Desc().Parent())
	// empty own value falls back to the parent
	require.Equal(t, "Note", config.Get(cp, "name", ""))
}

func TestCopyIsDeep(t *testing.T) {
	note := noteConf()
	cp, err := config.Copy(note, nil)
	require.NoError(t, err)
	cp.(*config.ObjectConf).Data[0].ID = "headline"
	require.Equal(t, "title", note.Data[0].ID)
}

func TestUpdateLocked(t *testing.T) {
	note := noteConf()
	require.NoError(t, config.Update(note, map[string]any{"dbparam": "memos"}))
	require.Equal(t, "memos", note.DBParam)
	require.Len(t, note.Data, 2)

	config.Lock(note)
	require.True(t, note.Data[0].Locked())
	err := config.Update(note, map[string]any{"dbparam": "other"})
	require.ErrorIs(t, err, domain.ErrConfiguration)
	require.Equal(t, "memos", note.DBParam)
}

func TestRecordLiteralWithCopyFrom(t *testing.T) {
	syms := config.Symbols{"std.note": noteConf()}
	d, err := syms.Resolve(map[string]any{
		"type":     "object",
		"copyFrom": "std.note",
		"id":       "memo",
		"dbparam":  "memos",
	})
	require.NoError(t, err)
	memo := d.(*config.ObjectConf)
	require.Equal(t, "memo", memo.ID)
	require.Equal(t, "memos", memo.DBParam)
	require.Len(t, memo.Data, 2)
	require.Equal(t, "notes", syms["std.note"].(*config.ObjectConf).DBParam)

	_, err = syms.Resolve(map[string]any{"type": "root", "copyFrom": "std.note"})
	require.ErrorIs(t, err, domain.ErrConfiguration)
	_, err = syms.Resolve(map[string]any{"id": "x"})
	require.ErrorIs(t, err, domain.ErrConfiguration)
	_, err = syms.Resolve("std.missing")
	require.ErrorIs(t, err, domain.ErrConfiguration)
	_, err = syms.Resolve(map[string]any{"type": "gadget", "id": "x"})
	require.ErrorIs(t, err, domain.ErrConfiguration)
}

type pluginModule struct{}

func (pluginModule) Configuration() config.Descriptor {
	return &config.ModuleConf{Base: config.Base{ID: "plugin"}}
}

func TestResolveConfigurable(t *testing.T) {
	syms := config.Symbols{"ext.plugin": pluginModule{}}
	d, err := syms.Resolve("ext.plugin")
	require.NoError(t, err)
	require.Equal(t, "module.plugin", config.UID(d))
}

func TestSubtypePolicyYAML(t *testing.T) {
	cases := []struct {
		in   string
		mode config.SubtypeMode
	}{
		{`subtypes: "*"`, config.SubtypesAny},
		{`subtypes: none`, config.SubtypesNone},
		{`subtypes: []`, config.SubtypesNone},
		{`subtypes: [text, image]`, config.SubtypesSpecific},
		{`id: x`, config.SubtypesNone},
	}
	for _, c := range cases {
		var o config.ObjectConf
		require.NoError(t, yaml.Unmarshal([]byte(c.in), &o), c.in)
		require.Equal(t, c.mode, o.Subtypes.Mode, c.in)
	}
	p := config.Subtypes("text", "media")
	require.True(t, p.Accepts("text", nil))
	require.True(t, p.Accepts("image", []string{"media"}))
	require.False(t, p.Accepts("image", nil))
	require.False(t, config.NoSubtypes().Accepts("text", nil))
	require.True(t, config.AnySubtypes().Accepts("anything", nil))
}

func TestACLYAML(t *testing.T) {
	var acl config.ACL
	require.NoError(t, yaml.Unmarshal([]byte(`
- [Allow, editors, [view, edit]]
- [deny, Everyone, "*"]
`), &acl))
	require.Len(t, acl, 2)
	require.Equal(t, config.Allow, acl[0].Access)
	require.True(t, acl[0].Matches("edit"))
	require.False(t, acl[0].Matches("delete"))
	require.Equal(t, config.Deny, acl[1].Access)
	require.True(t, acl[1].Matches("delete"))

	out, err := yaml.Marshal(acl)
	require.NoError(t, err)
	var back config.ACL
	require.NoError(t, yaml.Unmarshal(out, &back))
	require.Equal(t, acl, back)

	require.Error(t, yaml.Unmarshal([]byte(`- [Maybe, x, y]`), &acl))
}

func TestFieldShortForm(t *testing.T) {
	var o config.ObjectConf
	require.NoError(t, yaml.Unmarshal([]byte("id: note\ndata: [\"title:string\", \"body:text\", \"tags\"]"), &o))
	require.Equal(t, config.Text, o.Field("body").Datatype)
	require.Equal(t, config.String, o.Field("tags").Datatype)
}

func TestFieldCoercion(t *testing.T) {
	num := &config.FieldConf{Base: config.Base{ID: "n"}, Datatype: config.Number}
	v, err := num.Coerce("42")
	require.NoError(t, err)
	require.Equal(t, int64(42), v)
	_, err = num.Coerce("forty")
	require.Error(t, err)

	flag := &config.FieldConf{Base: config.Base{ID: "b"}, Datatype: config.Bool}
	enc, err := flag.Encode("on")
	require.NoError(t, err)
	require.Equal(t, int64(1), enc)
	require.Equal(t, true, flag.Decode(int64(1)))

	day := &config.FieldConf{Base: config.Base{ID: "d"}, Datatype: config.Date}
	enc, err = day.Encode("2024-03-01")
	require.NoError(t, err)
	require.Equal(t, "2024-03-01", enc)
	require.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), day.Decode(enc))

	tags := &config.FieldConf{Base: config.Base{ID: "t"}, Datatype: config.Multilist}
	enc, err = tags.Encode("a, b")
	require.NoError(t, err)
	require.Equal(t, `["a","b"]`, enc)
	require.Equal(t, []string{"a", "b"}, tags.Decode(enc))

	ids := &config.FieldConf{Base: config.Base{ID: "u"}, Datatype: config.UnitList}
	enc, err = ids.Encode([]any{1.0, "2"})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, ids.Decode(enc))

	mail := &config.FieldConf{Base: config.Base{ID: "m"}, Datatype: config.Email}
	_, err = mail.Coerce("not-an-address")
	require.Error(t, err)

	require.Equal(t, "", config.File.SQLType())
	require.Equal(t, "INTEGER", config.Number.SQLType())
	require.Len(t, config.Datatypes, 26)
}

func TestTestReportsProblems(t *testing.T) {
	bad := &config.ObjectConf{
		Base:    config.Base{ID: "bad"},
		DBParam: "meta",
		Data: []*config.FieldConf{
			{Base: config.Base{ID: "x"}, Datatype: "colour"},
			{Base: config.Base{ID: "x"}, Datatype: config.String},
		},
	}
	probs := config.TestAll(bad)
	require.GreaterOrEqual(t, len(probs), 3)

	wf := &config.WorkflowConf{
		Base:   config.Base{ID: "p"},
		Entry:  "start",
		States: []*config.StateConf{{Base: config.Base{ID: "start"}}},
		Transitions: []*config.TransitionConf{
			{Base: config.Base{ID: "go"}, From: "start", To: "nowhere", Actions: config.Names{"go"}, Roles: config.Names{"*"}},
		},
	}
	probs = wf.Test()
	require.Len(t, probs, 1)
	require.Equal(t, config.SeverityError, probs[0].Severity)
}

func TestDefaultSite(t *testing.T) {
	app := config.Default("site")
	require.Equal(t, "site", app.ID)
	require.True(t, app.Autocommit)
	require.Equal(t, "content", app.DefaultRoot)
	require.Len(t, app.ACL, 3)
	for _, p := range config.TestAll(app) {
		require.NotEqual(t, config.SeverityError, p.Severity, p.String())
	}
	syms := config.Symbols{}
	var kinds []config.Kind
	for _, inc := range app.Modules {
		d, err := syms.Resolve(inc)
		require.NoError(t, err)
		for _, p := range config.TestAll(d) {
			require.NotEqual(t, config.SeverityError, p.Severity, p.String())
		}
		kinds = append(kinds, d.Kind())
	}
	require.Contains(t, kinds, config.KindWorkflow)
	require.Contains(t, kinds, config.KindRoot)
	require.Contains(t, kinds, config.KindTool)
}

func TestFromYAMLRejectsOtherKinds(t *testing.T) {
	_, err := config.FromYAML([]byte("type: object\nid: note\n"), nil)
	require.Error(t, err)
	_, err = config.FromYAML([]byte(":::"), nil)
	require.Error(t, err)
	require.False(t, errors.Is(err, domain.ErrNotFound))
}
