package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"contentline/internal/app"
	"contentline/internal/config"
	"contentline/internal/domain"
	"contentline/internal/engine"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect the site descriptors",
		Long:  "The site file declares the application: groups, roots, object types, workflows and tools. Descriptors are locked once the application runs.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configCheckCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the loaded site as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := app.LoadSite(appOptions())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				values, err := config.Values(conf)
				if err != nil {
					return err
				}
				return printJSON(values)
			}
			out, err := yaml.Marshal(conf)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run the descriptor checks and list problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := appOptions()
			conf, err := app.LoadSite(opts)
			if err != nil {
				return err
			}
			a := engine.New(conf, nil, opts.Symbols)
			a.Log = opts.Log
			if err := a.Startup(cmd.Context()); err != nil {
				return err
			}
			probs := checkDescriptors(conf, a.Registry.Descriptors())
			failed := false
			for _, p := range probs {
				if p.Severity == config.SeverityError {
					failed = true
				}
			}
			if viper.GetBool("json") {
				if err := printJSON(map[string]any{"ok": !failed, "problems": probs}); err != nil {
					return err
				}
			} else if len(probs) == 0 {
				fmt.Println("site OK")
			} else {
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Severity", "Descriptor", "Problem"})
				for _, p := range probs {
					tw.AppendRow(table.Row{p.Severity, p.UID, p.Message})
				}
				tw.Render()
			}
			if failed {
				return fmt.Errorf("site has errors")
			}
			return nil
		},
	}
}

// checkDescriptors tests the application and every registered descriptor,
// reporting each problem once.
func checkDescriptors(conf *config.AppConf, registered []config.Descriptor) []config.Problem {
	seen := map[string]bool{}
	var out []config.Problem
	add := func(probs []config.Problem) {
		for _, p := range probs {
			if key := p.String(); !seen[key] {
				seen[key] = true
				out = append(out, p)
			}
		}
	}
	add(config.TestAll(conf))
	for _, d := range registered {
		add(config.TestAll(d))
	}
	return out
}

func typesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List object types",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *engine.Application) error {
				types := a.ObjectTypes()
				sort.Slice(types, func(i, j int) bool { return types[i].ID < types[j].ID })
				if viper.GetBool("json") {
					out := make([]map[string]any, 0, len(types))
					for _, t := range types {
						values, err := config.Values(t)
						if err != nil {
							return err
						}
						out = append(out, values)
					}
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Table", "Workflow", "Fields", "Container"})
				for _, t := range types {
					fields := make([]string, 0, len(t.Data))
					for _, f := range t.Data {
						fields = append(fields, f.ID+":"+string(f.Datatype))
					}
					tw.AppendRow(table.Row{t.ID, t.Name, t.Table(), t.Workflow, fmt.Sprint(fields), t.IsContainer()})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func rootsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roots",
		Short: "List roots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *engine.Application) error {
				roots := a.Roots()
				if viper.GetBool("json") {
					out := make([]map[string]any, 0, len(roots))
					for _, r := range roots {
						out = append(out, map[string]any{
							"name":    r.Name(),
							"title":   r.Title(),
							"default": r.Conf().Default,
							"state":   r.StateID(),
						})
					}
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Title", "Default", "State"})
				for _, r := range roots {
					tw.AppendRow(table.Row{r.Name(), r.Title(), r.Conf().Default, r.StateID()})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var f domain.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *engine.Application) error {
				evts, err := a.Pool.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Root", "Entity", "Actor"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.RootID, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.RootID, "root-id", "", "root filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind (root or object)")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().Int64Var(&f.Before, "before", 0, "only events with a smaller id")
	return cmd
}
