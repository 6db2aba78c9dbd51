package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"contentline/internal/config"
	"contentline/internal/domain"
	"contentline/internal/engine"
)

// Builtins binds the tool funcs referenced by the default site.
func Builtins() config.Symbols {
	return config.Symbols{
		"cl.export": engine.ToolFunc(ExportChildren),
	}
}

type exportLine struct {
	ID       int64         `json:"id"`
	Type     string        `json:"type"`
	Filename string        `json:"filename"`
	Title    string        `json:"title"`
	State    string        `json:"state,omitempty"`
	Values   domain.Values `json:"values"`
}

// ExportChildren writes the children of the tool context as JSON lines.
// It accepts an optional type filter and a limit.
func ExportChildren(ctx context.Context, t *engine.Tool, values domain.Values, w io.Writer) (bool, error) {
	n, ok := t.Context.(engine.Node)
	if !ok {
		return false, fmt.Errorf("export needs a root or an object")
	}
	q := engine.ObjQuery{Type: values.String("type"), Max: int(values.Int("limit")), Batch: true}
	objs, err := n.Contents().GetObjs(ctx, q)
	if err != nil {
		return false, err
	}
	enc := json.NewEncoder(w)
	for _, o := range objs {
		line := exportLine{
			ID:       o.ID(),
			Type:     o.TypeID(),
			Filename: o.Filename(),
			Title:    o.Title(),
			State:    o.StateID(),
			Values:   o.Values(),
		}
		if err := enc.Encode(line); err != nil {
			return false, err
		}
	}
	return true, nil
}
