package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"contentline/internal/app"
	"contentline/internal/config"
	"contentline/internal/db"
	"contentline/internal/domain"
	"contentline/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Contentline CLI",
	Long: `Contentline stores content objects in a tree of roots and containers, typed
by descriptors loaded from a site file.
Core concepts:
- Workspace: a directory holding site.yml and the .contentline database.
- Site: the application descriptor with its object types, roots, workflows,
  groups and tools.
- Root: a top-level container; objects nest below it when their type allows.
- Objects: typed records with data fields, files, a unique filename per
  container and an optional workflow state.
- Workflows: states and transitions fired by actions, guarded by roles.
- Local groups: group grants on one object, inherited by its descendants.
- Event log: every change is recorded, view it with 'cl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CONTENTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("site", "", "site file (default <workspace>/site.yml)")
	rootCmd.PersistentFlags().String("user", "local-user", "acting user id")
	rootCmd.PersistentFlags().String("groups", "admins", "comma separated groups of the acting user")
	rootCmd.PersistentFlags().String("root", "", "root name (default root when empty)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("debug", false, "log to stderr at debug level")
	for _, name := range []string{"workspace", "site", "user", "groups", "root", "json", "debug"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(typesCmd())
	rootCmd.AddCommand(rootsCmd())
	rootCmd.AddCommand(objCmd())
	rootCmd.AddCommand(wfCmd())
	rootCmd.AddCommand(groupCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(toolCmd())
	rootCmd.AddCommand(rootValuesCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if viper.GetBool("debug") {
		level = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func appOptions() app.Options {
	return app.Options{
		Workspace: viper.GetString("workspace"),
		Site:      viper.GetString("site"),
		Symbols:   app.Builtins(),
		Log:       newLogger(),
	}
}

func currentUser() domain.User {
	u := domain.User{ID: viper.GetString("user")}
	for _, g := range strings.Split(viper.GetString("groups"), ",") {
		if g = strings.TrimSpace(g); g != "" {
			u.Groups = append(u.Groups, g)
		}
	}
	return u
}

// withApp opens the workspace application for the duration of fn.
func withApp(ctx context.Context, fn func(context.Context, *engine.Application) error) error {
	a, err := app.Open(ctx, appOptions())
	if err != nil {
		return err
	}
	defer a.Shutdown()
	return fn(ctx, a)
}

func initCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create site.yml and the database in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := viper.GetString("site")
			if path == "" {
				path = config.Path(workspace)
			}
			if _, err := os.Stat(path); os.IsNotExist(err) {
				if id == "" {
					abs, _ := filepath.Abs(workspace)
					id = filepath.Base(abs)
				}
				if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", path)
			} else if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *engine.Application) error {
				if viper.GetBool("json") {
					return printJSON(map[string]any{"app": a.Conf.ID, "site": path, "roots": len(a.Roots())})
				}
				fmt.Printf("workspace ready: %s (%d roots)\n", a.Conf.ID, len(a.Roots()))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "application id (default workspace directory name)")
	return cmd
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
