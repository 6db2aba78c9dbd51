package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"contentline/internal/domain"
	"contentline/internal/engine"
	"contentline/internal/workflow"
)

type objectView struct {
	ID       int64         `json:"id"`
	Type     string        `json:"type"`
	Parent   int64         `json:"parent"`
	Filename string        `json:"filename"`
	Title    string        `json:"title"`
	URL      string        `json:"url"`
	Process  string        `json:"process_id,omitempty"`
	State    string        `json:"state_id,omitempty"`
	Values   domain.Values `json:"values"`
}

func viewOf(o *engine.Object) objectView {
	segs := []string{o.Root().Name()}
	for _, p := range o.Path() {
		segs = append(segs, p.URLSegment())
	}
	segs = append(segs, o.URLSegment())
	v := objectView{
		ID:       o.ID(),
		Type:     o.TypeID(),
		Filename: o.Filename(),
		Title:    o.Title(),
		URL:      strings.Join(segs, "/"),
		Process:  o.ProcessID(),
		State:    o.StateID(),
		Values:   o.Values(),
	}
	if p := o.Parent(); p != nil {
		v.Parent = p.ID()
	}
	return v
}

func printObjects(objs []*engine.Object) error {
	views := make([]objectView, 0, len(objs))
	for _, o := range objs {
		views = append(views, viewOf(o))
	}
	if viper.GetBool("json") {
		return printJSON(views)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Type", "Filename", "Title", "State"})
	for _, v := range views {
		tw.AppendRow(table.Row{v.ID, v.Type, v.Filename, v.Title, v.State})
	}
	tw.Render()
	return nil
}

func printObject(ctx context.Context, o *engine.Object) error {
	v := viewOf(o)
	files, err := o.Files(ctx)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(map[string]any{"object": v, "files": files})
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRow(table.Row{"id", v.ID})
	tw.AppendRow(table.Row{"type", v.Type})
	tw.AppendRow(table.Row{"parent", v.Parent})
	tw.AppendRow(table.Row{"filename", v.Filename})
	tw.AppendRow(table.Row{"url", v.URL})
	if v.Process != "" {
		tw.AppendRow(table.Row{"workflow", v.Process + "/" + v.State})
	}
	keys := make([]string, 0, len(v.Values))
	for k := range v.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw.AppendSeparator()
	for _, k := range keys {
		tw.AppendRow(table.Row{k, v.Values[k]})
	}
	if len(files) > 0 {
		tw.AppendSeparator()
		for k, f := range files {
			tw.AppendRow(table.Row{k, fmt.Sprintf("%s (%d bytes)", f.Filename, f.Size)})
		}
	}
	tw.Render()
	return nil
}

func root(a *engine.Application) (*engine.Root, error) {
	return a.Root(viper.GetString("root"))
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid object id %q", s)
	}
	return id, nil
}

// node resolves a command line id; 0 is the root.
func node(ctx context.Context, a *engine.Application, arg string) (engine.Node, error) {
	r, err := root(a)
	if err != nil {
		return nil, err
	}
	id, err := parseID(arg)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return r, nil
	}
	return object(ctx, r, id)
}

func object(ctx context.Context, r *engine.Root, id int64) (*engine.Object, error) {
	o, err := r.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("object %d: %w", id, domain.ErrNotFound)
	}
	return o, nil
}

// valueFlags collects --set key=value and --file key=path pairs.
type valueFlags struct {
	set   []string
	files []string
}

func (f *valueFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&f.set, "set", nil, "field value as key=value (repeatable)")
	cmd.Flags().StringArrayVar(&f.files, "file", nil, "file field as key=path (repeatable)")
}

// values returns the collected values and closes the opened files when
// done is called.
func (f *valueFlags) values() (domain.Values, func(), error) {
	out := domain.Values{}
	var opened []*os.File
	done := func() {
		for _, fh := range opened {
			fh.Close()
		}
	}
	for _, kv := range f.set {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, done, fmt.Errorf("invalid --set %q, want key=value", kv)
		}
		out[k] = v
	}
	for _, kv := range f.files {
		k, path, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, done, fmt.Errorf("invalid --file %q, want key=path", kv)
		}
		fh, err := os.Open(path)
		if err != nil {
			return nil, done, err
		}
		opened = append(opened, fh)
		out[k] = domain.Upload{Filename: filepath.Base(path), Reader: fh}
	}
	return out, done, nil
}

func objCmd() *cobra.Command {
	obj := &cobra.Command{Use: "obj", Short: "Manage content objects"}
	obj.AddCommand(objGetCmd())
	obj.AddCommand(objListCmd())
	obj.AddCommand(objFindCmd())
	obj.AddCommand(objCreateCmd())
	obj.AddCommand(objUpdateCmd())
	obj.AddCommand(objDeleteCmd())
	obj.AddCommand(objDupCmd())
	obj.AddCommand(objFileCmd())
	return obj
}

func objGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *engine.Application) error {
				r, err := root(a)
				if err != nil {
					return err
				}
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				o, err := object(ctx, r, id)
				if err != nil {
					return err
				}
				return printObject(ctx, o)
			})
		},
	}
}

func objListCmd() *cobra.Command {
	var q engine.ObjQuery
	var where []string
	cmd := &cobra.Command{
		Use:   "list [parent-id]",
		Short: "List the children of an object or of the root",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := "0"
			if len(args) == 1 {
				parent = args[0]
			}
			if err := q.Filter(where...); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *engine.Application) error {
				n, err := node(ctx, a, parent)
				if err != nil {
					return err
				}
				q.Batch = true
				objs, err := n.Contents().GetObjs(ctx, q)
				if err != nil {
					return err
				}
				return printObjects(objs)
			})
		},
	}
	cmd.Flags().StringVar(&q.Type, "type", "", "object type")
	cmd.Flags().StringArrayVar(&where, "where", nil, "filter field=value or field:OPERATOR=value (repeatable)")
	cmd.Flags().StringVar(&q.Sort, "sort", "", "sort field")
	cmd.Flags().BoolVar(&q.Descending, "desc", false, "sort descending")
	cmd.Flags().IntVar(&q.Start, "start", 0, "offset")
	cmd.Flags().IntVar(&q.Max, "max", 0, "maximum rows")
	return cmd
}

func objFindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "find <path>",
		Short: "Resolve a filename path below the root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *engine.Application) error {
				r, err := root(a)
				if err != nil {
					return err
				}
				var segs []string
				for _, s := range strings.Split(args[0], "/") {
					if s != "" {
						segs = append(segs, s)
					}
				}
				o, err := r.ResolvePath(ctx, segs...)
				if err != nil {
					return err
				}
				if o == nil {
					return fmt.Errorf("path %s: %w", args[0], domain.ErrNotFound)
				}
				return printObject(ctx, o)
			})
		},
	}
}

func objCreateCmd() *cobra.Command {
	var vf valueFlags
	cmd := &cobra.Command{
		Use:   "create <parent-id> <type>",
		Short: "Create an object below a parent (0 for the root)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, done, err := vf.values()
			defer done()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *engine.Application) error {
				n, err := node(ctx, a, args[0])
				if err != nil {
					return err
				}
				o, err := n.Contents().Create(ctx, args[1], values, currentUser(), engine.Options{})
				if o == nil && err != nil {
					return err
				}
				if err != nil {
					fmt.Fprintln(os.Stderr, "warning:", err)
				}
				return printObject(ctx, o)
			})
		},
	}
	vf.bind(cmd)
	return cmd
}

func objUpdateCmd() *cobra.Command {
	var vf valueFlags
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update object fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, done, err := vf.values()
			defer done()
			if err != nil {
				return err
			}
			if len(values) == 0 {
				return fmt.Errorf("nothing to update, use --set or --file")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *engine.Application) error {
				r, err := root(a)
				if err != nil {
					return err
				}
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				o, err := object(ctx, r, id)
				if err != nil {
					return err
				}
				if err := o.Update(ctx, values, currentUser(), engine.Options{}); err != nil {
					return err
				}
				return printObject(ctx, o)
			})
		},
	}
	vf.bind(cmd)
	return cmd
}

func objDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an object and its descendants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *engine.Application) error {
				r, err := root(a)
				if err != nil {
					return err
				}
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				o, err := object(ctx, r, id)
				if err != nil {
					return err
				}
				if err := o.Parent().Contents().Delete(ctx, id, currentUser(), engine.Options{}); err != nil {
					return err
				}
				fmt.Printf("deleted %d\n", id)
				return nil
			})
		},
	}
}

func objDupCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "dup <id>",
		Short: "Duplicate an object with its descendants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *engine.Application) error {
				r, err := root(a)
				if err != nil {
					return err
				}
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				src, err := object(ctx, r, id)
				if err != nil {
					return err
				}
				dest := src.Parent()
				if target != "" {
					if dest, err = node(ctx, a, target); err != nil {
						return err
					}
				}
				o, err := dest.Contents().Duplicate(ctx, src, currentUser(), engine.Options{})
				if o == nil && err != nil {
					return err
				}
				if err != nil {
					fmt.Fprintln(os.Stderr, "warning:", err)
				}
				return printObject(ctx, o)
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target container id (default the source's parent)")
	return cmd
}

func objFileCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "file <id> <key>",
		Short: "Write a stored file to stdout or --out",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *engine.Application) error {
				r, err := root(a)
				if err != nil {
					return err
				}
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				o, err := object(ctx, r, id)
				if err != nil {
					return err
				}
				f, err := o.File(ctx, args[1])
				if err != nil {
					return err
				}
				if f == nil {
					return fmt.Errorf("file %s on %d: %w", args[1], id, domain.ErrNotFound)
				}
				src, err := os.Open(f.Path)
				if err != nil {
					return err
				}
				defer src.Close()
				var w io.Writer = os.Stdout
				if out != "" {
					dst, err := os.Create(out)
					if err != nil {
						return err
					}
					defer dst.Close()
					w = dst
				}
				_, err = io.Copy(w, src)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output path")
	return cmd
}

func wfCmd() *cobra.Command {
	wf := &cobra.Command{Use: "wf", Short: "Workflow state and actions"}
	wf.AddCommand(wfInfoCmd())
	wf.AddCommand(wfActionCmd())
	return wf
}

func wfInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <id>",
		Short: "Show the workflow state and the permitted transitions (0 for the root)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *engine.Application) error {
				n, err := node(ctx, a, args[0])
				if err != nil {
					return err
				}
				info, err := n.Contents().WorkflowInfo(ctx, currentUser())
				if err != nil {
					return err
				}
				if info == nil {
					info = &workflow.Info{}
				}
				if viper.GetBool("json") {
					return printJSON(info)
				}
				if info.Process == "" {
					fmt.Println("no workflow")
					return nil
				}
				fmt.Printf("process %s, state %s\n", info.Process, info.State)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Transition", "Actions", "From", "To"})
				for _, t := range info.Transitions {
					tw.AppendRow(table.Row{t.ID, strings.Join(t.Actions, ","), t.From, t.To})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func wfActionCmd() *cobra.Command {
	var transition string
	var vf valueFlags
	cmd := &cobra.Command{
		Use:   "action <id> <action>",
		Short: "Fire a workflow action (0 for the root)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, done, err := vf.values()
			defer done()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *engine.Application) error {
				n, err := node(ctx, a, args[0])
				if err != nil {
					return err
				}
				t, err := n.Contents().Action(ctx, args[1], currentUser(), workflow.Options{Transition: transition, Values: values})
				if err != nil {
					return err
				}
				out := map[string]any{"state": n.StateID()}
				if t != nil {
					out["transition"] = t.ID
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&transition, "transition", "", "transition id when several match")
	vf.bind(cmd)
	return cmd
}

func groupCmd() *cobra.Command {
	grp := &cobra.Command{Use: "group", Short: "Local group grants on objects and roots"}
	grp.AddCommand(groupListCmd())
	grp.AddCommand(groupAddCmd())
	grp.AddCommand(groupRemoveCmd())
	return grp
}

func groupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <id>",
		Short: "List local groups of a node (0 for the root)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *engine.Application) error {
				n, err := node(ctx, a, args[0])
				if err != nil {
					return err
				}
				groups, err := n.Contents().LocalGroups(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(groups)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Principal", "Group", "Security ID"})
				for _, g := range groups {
					tw.AppendRow(table.Row{g.PrincipalID, g.Group, g.SecurityID})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func groupAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <id> <principal> <group>",
		Short: "Grant a local group",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *engine.Application) error {
				n, err := node(ctx, a, args[0])
				if err != nil {
					return err
				}
				if err := n.Contents().AddLocalGroup(ctx, args[1], args[2], currentUser()); err != nil {
					return err
				}
				fmt.Printf("granted %s to %s on %s\n", args[2], args[1], args[0])
				return nil
			})
		},
	}
}

func groupRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id> <principal> <group>",
		Short: "Revoke a local group",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *engine.Application) error {
				n, err := node(ctx, a, args[0])
				if err != nil {
					return err
				}
				if err := n.Contents().RemoveLocalGroup(ctx, args[1], args[2], currentUser()); err != nil {
					return err
				}
				fmt.Printf("revoked %s from %s on %s\n", args[2], args[1], args[0])
				return nil
			})
		},
	}
}

func searchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <phrase>",
		Short: "Fulltext search below the root",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *engine.Application) error {
				r, err := root(a)
				if err != nil {
					return err
				}
				objs, err := r.SearchFulltext(ctx, strings.Join(args, " "), limit)
				if err != nil {
					return err
				}
				return printObjects(objs)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "max", 50, "maximum hits")
	return cmd
}

func toolCmd() *cobra.Command {
	tl := &cobra.Command{Use: "tool", Short: "Run tools"}
	tl.AddCommand(toolListCmd())
	tl.AddCommand(toolRunCmd())
	return tl
}

func toolListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <id>",
		Short: "List the tools applying to a node (0 for the root)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *engine.Application) error {
				n, err := node(ctx, a, args[0])
				if err != nil {
					return err
				}
				tools := a.ToolsFor(n)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Func"})
				for _, t := range tools {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Func})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func toolRunCmd() *cobra.Command {
	var vf valueFlags
	cmd := &cobra.Command{
		Use:   "run <id> <tool>",
		Short: "Run a tool on a node (0 for the root)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, done, err := vf.values()
			defer done()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *engine.Application) error {
				n, err := node(ctx, a, args[0])
				if err != nil {
					return err
				}
				tool, err := a.Tool(n, args[1])
				if err != nil {
					return err
				}
				if tool == nil {
					return fmt.Errorf("tool %s: %w", args[1], domain.ErrNotFound)
				}
				ok, err := tool.Execute(ctx, values, os.Stdout)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("tool %s reported failure", args[1])
				}
				return nil
			})
		},
	}
	vf.bind(cmd)
	return cmd
}

func rootValuesCmd() *cobra.Command {
	rc := &cobra.Command{Use: "root", Short: "Persistent root values"}
	rc.AddCommand(rootGetCmd())
	rc.AddCommand(rootSetCmd())
	rc.AddCommand(rootDumpCmd())
	return rc
}

func rootGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Show the root values",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *engine.Application) error {
				r, err := root(a)
				if err != nil {
					return err
				}
				values, err := r.Values(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(values)
			})
		},
	}
}

func rootSetCmd() *cobra.Command {
	var vf valueFlags
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update root values",
		RunE: func(cmd *cobra.Command, args []string) error {
			values, done, err := vf.values()
			defer done()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *engine.Application) error {
				r, err := root(a)
				if err != nil {
					return err
				}
				if err := r.Update(ctx, values, currentUser(), engine.Options{}); err != nil {
					return err
				}
				updated, err := r.Values(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	vf.bind(cmd)
	return cmd
}

func rootDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the raw stored root document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *engine.Application) error {
				r, err := root(a)
				if err != nil {
					return err
				}
				sv, err := a.Pool.LoadSys(ctx, engine.StorageKey(r.Name()))
				if err != nil {
					return err
				}
				if sv == nil {
					fmt.Println("{}")
					return nil
				}
				fmt.Println(sv.Value)
				return nil
			})
		},
	}
}
