package engine

import (
	"context"
	"fmt"
	"io"

	"contentline/internal/config"
	"contentline/internal/domain"
	"contentline/internal/registry"
)

// ToolFunc is the body of a tool. It writes its output to w and reports
// success.
type ToolFunc func(ctx context.Context, t *Tool, values domain.Values, w io.Writer) (bool, error)

// Tool is a tool descriptor bound to its body and the context it runs on.
type Tool struct {
	Conf    *config.ToolConf
	App     *Application
	Context registry.Context
	fn      ToolFunc
}

func (a *Application) toolFunc(name string) (ToolFunc, bool) {
	if fn, ok := a.Tools[name]; ok {
		return fn, true
	}
	v, ok := a.Symbols.Lookup(name)
	if !ok {
		return nil, false
	}
	switch fn := v.(type) {
	case ToolFunc:
		return fn, true
	case func(context.Context, *Tool, domain.Values, io.Writer) (bool, error):
		return fn, true
	}
	return nil, false
}

// Tool looks up tool id for on, which may be nil for global tools. It
// returns nil when no tool applies.
func (a *Application) Tool(on registry.Context, id string) (*Tool, error) {
	d := a.Registry.QueryAdapter(on, registry.CapTool, id)
	if d == nil && on != nil {
		d = a.Registry.QueryAdapter(nil, registry.CapTool, id)
	}
	conf, ok := d.(*config.ToolConf)
	if !ok {
		return nil, nil
	}
	fn, ok := a.toolFunc(conf.Func)
	if !ok {
		return nil, domain.ConfigurationError{UID: config.UID(conf), Reason: fmt.Sprintf("tool func %s is not bound", conf.Func)}
	}
	return &Tool{Conf: conf, App: a, Context: on, fn: fn}, nil
}

// ToolsFor lists the tools applying to on.
func (a *Application) ToolsFor(on registry.Context) []*config.ToolConf {
	var out []*config.ToolConf
	for _, d := range a.Registry.Matching(on, registry.CapTool) {
		out = append(out, d.(*config.ToolConf))
	}
	return out
}

// Execute validates values against the tool fields and runs the body.
func (t *Tool) Execute(ctx context.Context, values domain.Values, w io.Writer) (bool, error) {
	form := FieldForm{Fields: t.Conf.Data}
	ok, cleaned, errs := form.Validate(values)
	if !ok {
		return false, errs
	}
	t.App.Log.Debug().Str("tool", t.Conf.ID).Msg("tool executed")
	return t.fn(ctx, t, cleaned, w)
}
