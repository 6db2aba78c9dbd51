package app

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"contentline/internal/config"
	"contentline/internal/db"
	"contentline/internal/engine"
	"contentline/internal/migrate"
	"contentline/internal/repo"
)

// Options locate a workspace and its site file.
type Options struct {
	Workspace string
	// Site defaults to site.yml in the workspace.
	Site    string
	Symbols config.Symbols
	Log     zerolog.Logger
	// Prepare runs between New and Startup to bind behaviors, tools and
	// workflow callbacks.
	Prepare func(a *engine.Application) error
}

// LoadSite reads the site file, falling back to the default site when the
// workspace has none.
func LoadSite(opts Options) (*config.AppConf, error) {
	path := opts.Site
	if path == "" {
		path = config.Path(opts.Workspace)
	}
	conf, err := config.LoadOptional(path, opts.Symbols)
	if err != nil {
		return nil, err
	}
	if conf == nil {
		if opts.Site != "" {
			return nil, fmt.Errorf("site %s not found", opts.Site)
		}
		id := filepath.Base(absOrSelf(opts.Workspace))
		opts.Log.Debug().Str("site", path).Msg("no site file, using default site")
		conf = config.Default(id)
	}
	return conf, nil
}

func absOrSelf(p string) string {
	if p == "" {
		p = "."
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// OpenPool opens the workspace database, migrates it and wraps it in a
// pool. dbConf may override the file locations.
func OpenPool(workspace string, dbConf *config.DatabaseConf, log zerolog.Logger) (*repo.Pool, error) {
	cfg := db.Config{Workspace: workspace}
	fileRoot := db.FileRoot(workspace)
	if dbConf != nil {
		cfg.Path = dbConf.Path
		cfg.BusyTimeout = dbConf.Timeout
		if dbConf.FileRoot != "" {
			fileRoot = dbConf.FileRoot
		}
	}
	open := func() (*sql.DB, error) { return db.Open(cfg) }
	conn, err := open()
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	pool := repo.New(conn, fileRoot, open)
	pool.Log = log
	return pool, nil
}

// Open loads the site, opens the pool and returns a running application.
func Open(ctx context.Context, opts Options) (*engine.Application, error) {
	conf, err := LoadSite(opts)
	if err != nil {
		return nil, err
	}
	pool, err := OpenPool(opts.Workspace, conf.Database, opts.Log)
	if err != nil {
		return nil, err
	}
	a := engine.New(conf, pool, opts.Symbols)
	a.Log = opts.Log
	fail := func(err error) (*engine.Application, error) {
		pool.Close()
		return nil, err
	}
	if opts.Prepare != nil {
		if err := opts.Prepare(a); err != nil {
			return fail(err)
		}
	}
	if err := a.Startup(ctx); err != nil {
		return fail(err)
	}
	if err := a.FinishRegistration(ctx); err != nil {
		return fail(err)
	}
	if err := a.Run(ctx); err != nil {
		return fail(err)
	}
	return a, nil
}
