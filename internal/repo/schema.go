package repo

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"contentline/internal/domain"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reservedTables are owned by the migrations and cannot hold type data.
var reservedTables = []string{"meta", "files", "fulltext", "local_groups", "sys", "events", "schema_version"}

func validIdent(name string) bool {
	return identRe.MatchString(name)
}

// SetStructure publishes the data layout and creates missing tables and
// columns. Columns are only ever added.
func (p *Pool) SetStructure(ctx context.Context, s domain.Structure) error {
	for _, c := range s.Meta {
		if !validIdent(c.Name) || slices.Contains(domain.MetaColumns, c.Name) {
			return domain.ConfigurationError{UID: "meta." + c.Name, Reason: "invalid meta column"}
		}
	}
	for table, cols := range s.Tables {
		if !validIdent(table) || slices.Contains(reservedTables, table) {
			return domain.ConfigurationError{UID: table, Reason: "invalid data table name"}
		}
		for _, c := range cols {
			if !validIdent(c.Name) || c.Name == "id" {
				return domain.ConfigurationError{UID: table + "." + c.Name, Reason: "invalid column name"}
			}
		}
	}
	err := p.within(ctx, func(ctx context.Context) error {
		if err := p.addColumns(ctx, "meta", s.Meta); err != nil {
			return err
		}
		for table, cols := range s.Tables {
			if _, err := p.q(ctx).ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id INTEGER PRIMARY KEY AUTOINCREMENT)`, table)); err != nil {
				return fmt.Errorf("create table %s: %w", table, err)
			}
			if err := p.addColumns(ctx, table, cols); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Persistence("set structure", err)
	}
	cp := domain.Structure{Meta: slices.Clone(s.Meta), Tables: make(map[string][]domain.Column, len(s.Tables))}
	for t, cols := range s.Tables {
		cp.Tables[t] = slices.Clone(cols)
	}
	p.mu.Lock()
	p.structure = cp
	p.mu.Unlock()
	p.Log.Debug().Int("tables", len(cp.Tables)).Int("meta", len(cp.Meta)).Msg("structure published")
	return nil
}

// Structure returns the published layout.
func (p *Pool) Structure() domain.Structure {
	return p.getStructure()
}

func (p *Pool) tableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := p.q(ctx).QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

func (p *Pool) addColumns(ctx context.Context, table string, cols []domain.Column) error {
	if len(cols) == 0 {
		return nil
	}
	existing, err := p.tableColumns(ctx, table)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	for _, c := range cols {
		if slices.ContainsFunc(existing, func(e string) bool { return strings.EqualFold(e, c.Name) }) {
			continue
		}
		typ := c.SQLType
		if typ == "" {
			typ = "TEXT"
		}
		if _, err := p.q(ctx).ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, c.Name, typ)); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, c.Name, err)
		}
		existing = append(existing, c.Name)
	}
	return nil
}
