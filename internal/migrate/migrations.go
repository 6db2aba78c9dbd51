package migrate

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed sql/*.sql
var embedded embed.FS

// Step is one embedded schema file, named <version>_<name>.sql.
type Step struct {
	Version int
	Name    string
	SQL     string
}

// Record is a step applied to a database.
type Record struct {
	Version int
	Name    string
	Applied time.Time
}

// Steps lists the embedded steps in version order.
func Steps() ([]Step, error) {
	return readSteps(embedded, "sql")
}

func readSteps(fsys fs.FS, dir string) ([]Step, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	var steps []Step
	seen := map[int]string{}
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		v, err := strconv.Atoi(prefix)
		if !ok || err != nil || v <= 0 {
			return nil, fmt.Errorf("schema file %s: want <version>_<name>.sql", e.Name())
		}
		if other, dup := seen[v]; dup {
			return nil, fmt.Errorf("schema files %s and %s share version %d", other, e.Name(), v)
		}
		seen[v] = e.Name()
		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		steps = append(steps, Step{Version: v, Name: e.Name(), SQL: string(data)})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Version < steps[j].Version })
	return steps, nil
}

const ledger = `CREATE TABLE IF NOT EXISTS schema_migrations(
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    applied TEXT NOT NULL
)`

// Migrate applies the embedded steps that db has not seen, all in one
// transaction.
func Migrate(db *sql.DB) error {
	steps, err := Steps()
	if err != nil {
		return err
	}
	return apply(db, steps)
}

func apply(db *sql.DB, steps []Step) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(ledger); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	var current int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(version),0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for _, s := range steps {
		if s.Version <= current {
			continue
		}
		if _, err := tx.Exec(s.SQL); err != nil {
			return fmt.Errorf("schema %s: %w", s.Name, err)
		}
		ts := time.Now().UTC().Format(time.RFC3339Nano)
		if _, err := tx.Exec(`INSERT INTO schema_migrations(version,name,applied) VALUES (?,?,?)`, s.Version, s.Name, ts); err != nil {
			return fmt.Errorf("record schema %s: %w", s.Name, err)
		}
	}
	return tx.Commit()
}

// Applied lists the steps recorded in db, oldest first. A database that
// was never migrated has none.
func Applied(db *sql.DB) ([]Record, error) {
	rows, err := db.Query(`SELECT version,name,applied FROM schema_migrations ORDER BY version`)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		var ts string
		if err := rows.Scan(&r.Version, &r.Name, &ts); err != nil {
			return nil, err
		}
		if r.Applied, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, errors.Join(fmt.Errorf("schema %s: bad timestamp", r.Name), err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
