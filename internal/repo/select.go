package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"contentline/internal/domain"
)

type selectBuilder struct {
	st    domain.Structure
	table string
}

// column qualifies a field name with the meta or the data table alias.
func (b selectBuilder) column(name string) (string, error) {
	if b.st.HasColumn("", name) {
		return "m." + name, nil
	}
	if b.table != "" && b.st.HasColumn(b.table, name) {
		return "d." + name, nil
	}
	return "", fmt.Errorf("unknown field %q", name)
}

func sequence(v any) ([]any, bool) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	if _, isBytes := v.([]byte); isBytes {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = encodeArg(rv.Index(i).Interface())
	}
	return out, true
}

func (b selectBuilder) where(params domain.Values, ops map[string]domain.Operator) ([]string, []any, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var (
		clauses []string
		args    []any
	)
	for _, k := range keys {
		col, err := b.column(k)
		if err != nil {
			return nil, nil, err
		}
		op := ops[k]
		if op == "" {
			op = domain.OpEq
		}
		if _, err := domain.ParseOperator(string(op)); err != nil {
			return nil, nil, err
		}
		v := params[k]
		switch op {
		case domain.OpIn, domain.OpNotIn:
			seq, ok := sequence(v)
			if !ok {
				return nil, nil, fmt.Errorf("operator %s on %s requires a sequence", op, k)
			}
			if len(seq) == 0 {
				if op == domain.OpIn {
					clauses = append(clauses, "0")
				}
				continue
			}
			clauses = append(clauses, fmt.Sprintf("%s %s (%s)", col, op, placeholders(len(seq))))
			args = append(args, seq...)
		case domain.OpBetween:
			seq, ok := sequence(v)
			if !ok || len(seq) != 2 {
				return nil, nil, fmt.Errorf("operator BETWEEN on %s requires two values", k)
			}
			clauses = append(clauses, col+" BETWEEN ? AND ?")
			args = append(args, seq...)
		default:
			if v == nil {
				switch op {
				case domain.OpEq:
					clauses = append(clauses, col+" IS NULL")
					continue
				case domain.OpNe:
					clauses = append(clauses, col+" IS NOT NULL")
					continue
				}
			}
			clauses = append(clauses, fmt.Sprintf("%s %s ?", col, op))
			args = append(args, encodeArg(v))
		}
	}
	return clauses, args, nil
}

func (p *Pool) buildSelect(q domain.Query) (string, []any, []string, error) {
	b := selectBuilder{st: p.getStructure(), table: q.Table}
	if q.Table != "" {
		if _, ok := b.st.Tables[q.Table]; !ok {
			return "", nil, nil, fmt.Errorf("unknown data table %q", q.Table)
		}
	}
	fields := q.Fields
	if len(fields) == 0 {
		fields = []string{domain.MetaID}
	}
	cols := make([]string, len(fields))
	for i, f := range fields {
		col, err := b.column(f)
		if err != nil {
			return "", nil, nil, err
		}
		cols[i] = col + " AS " + f
	}
	clauses, args, err := b.where(q.Parameter, q.Operators)
	if err != nil {
		return "", nil, nil, err
	}
	from := "meta m"
	if q.Table != "" {
		from += fmt.Sprintf(" JOIN %s d ON d.id=m.data_ref AND m.data_table='%s'", q.Table, q.Table)
	}
	if q.Type != "" {
		clauses = append(clauses, "m.type=?")
		args = append(args, q.Type)
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ","), from)
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	order := "m.id"
	if q.Sort != "" {
		if order, err = b.column(q.Sort); err != nil {
			return "", nil, nil, err
		}
	}
	query += " ORDER BY " + order
	if q.Descending {
		query += " DESC"
	}
	if order != "m.id" {
		query += ", m.id"
	}
	if q.Max > 0 || q.Start > 0 {
		limit := q.Max
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, q.Start)
	}
	return query, args, fields, nil
}

// Select returns one Values per row keyed by the requested fields.
func (p *Pool) Select(ctx context.Context, q domain.Query) ([]domain.Values, error) {
	query, args, _, err := p.buildSelect(q)
	if err != nil {
		return nil, domain.ConfigurationError{UID: "query", Reason: err.Error()}
	}
	rows, err := p.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.Persistence("select", err)
	}
	vals, err := scanValues(rows)
	if err != nil {
		return nil, domain.Persistence("select", err)
	}
	for _, v := range vals {
		for _, k := range []string{domain.MetaCreated, domain.MetaChanged} {
			if raw, ok := v[k]; ok {
				v[k] = parseTS(raw)
			}
		}
	}
	return vals, nil
}

func (p *Pool) SelectIDs(ctx context.Context, q domain.Query) ([]int64, error) {
	q.Fields = []string{domain.MetaID}
	query, args, _, err := p.buildSelect(q)
	if err != nil {
		return nil, domain.ConfigurationError{UID: "query", Reason: err.Error()}
	}
	rows, err := p.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.Persistence("select ids", err)
	}
	ids, err := scanIDs(rows)
	return ids, domain.Persistence("select ids", err)
}

// GetContainedIDs returns every descendant of base in pre-order.
func (p *Pool) GetContainedIDs(ctx context.Context, root string, base int64, sortBy string) ([]int64, error) {
	if sortBy == "" {
		sortBy = domain.MetaID
	}
	if !p.getStructure().HasColumn("", sortBy) {
		return nil, domain.ConfigurationError{UID: "query", Reason: fmt.Sprintf("unknown sort field %q", sortBy)}
	}
	var (
		out  []int64
		walk func(parent int64) error
	)
	seen := map[int64]bool{base: true}
	walk = func(parent int64) error {
		rows, err := p.q(ctx).QueryContext(ctx, fmt.Sprintf(`SELECT id FROM meta WHERE root_id=? AND parent_ref=? ORDER BY %s, id`, sortBy), root, parent)
		if err != nil {
			return err
		}
		ids, err := scanIDs(rows)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
			if err := walk(id); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(base); err != nil {
		return nil, domain.Persistence("contained ids", err)
	}
	return out, nil
}

// GetParentPath returns the ancestors of id from the top down, excluding
// the root and id itself. It returns nil for a missing id.
func (p *Pool) GetParentPath(ctx context.Context, id int64) ([]int64, error) {
	var path []int64
	seen := map[int64]bool{id: true}
	cur := id
	for {
		row, err := queryRow(ctx, p.q(ctx), `SELECT parent_ref FROM meta WHERE id=?`, cur)
		if err != nil {
			return nil, domain.Persistence("parent path", err)
		}
		var parent int64
		if err := row.Scan(&parent); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				if cur == id {
					return nil, nil
				}
				return nil, domain.Persistence("parent path", fmt.Errorf("dangling parent %d", cur))
			}
			return nil, domain.Persistence("parent path", err)
		}
		if parent == 0 {
			break
		}
		if seen[parent] {
			return nil, domain.Persistence("parent path", fmt.Errorf("cycle at %d", parent))
		}
		seen[parent] = true
		path = append(path, parent)
		cur = parent
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// IDForFilename returns 0 when no child of parent carries filename.
func (p *Pool) IDForFilename(ctx context.Context, root string, parent int64, filename string) (int64, error) {
	row, err := queryRow(ctx, p.q(ctx), `SELECT id FROM meta WHERE root_id=? AND parent_ref=? AND filename=? ORDER BY id LIMIT 1`, root, parent, filename)
	if err != nil {
		return 0, domain.Persistence("id for filename", err)
	}
	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, domain.Persistence("id for filename", err)
	}
	return id, nil
}

// FilenameTaken checks filename among the children of parent, or in the
// whole root when parent is nil. exclude is ignored as a match.
func (p *Pool) FilenameTaken(ctx context.Context, root string, parent *int64, filename string, exclude int64) (bool, error) {
	query := `SELECT COUNT(1) FROM meta WHERE root_id=? AND filename=? AND id<>?`
	args := []any{root, filename, exclude}
	if parent != nil {
		query += ` AND parent_ref=?`
		args = append(args, *parent)
	}
	row, err := queryRow(ctx, p.q(ctx), query, args...)
	if err != nil {
		return false, domain.Persistence("filename taken", err)
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return false, domain.Persistence("filename taken", err)
	}
	return n > 0, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchFulltext returns ids under root whose fulltext contains every word
// of phrase.
func (p *Pool) SearchFulltext(ctx context.Context, root, phrase string, max int) ([]int64, error) {
	words := strings.Fields(strings.ToLower(phrase))
	if len(words) == 0 {
		return nil, nil
	}
	clauses := []string{"m.root_id=?"}
	args := []any{root}
	for _, w := range words {
		clauses = append(clauses, `f.text LIKE ? ESCAPE '\'`)
		args = append(args, "%"+likeEscaper.Replace(w)+"%")
	}
	if max <= 0 {
		max = 100
	}
	args = append(args, max)
	rows, err := p.q(ctx).QueryContext(ctx, `SELECT f.id FROM fulltext f JOIN meta m ON m.id=f.id WHERE `+strings.Join(clauses, " AND ")+` ORDER BY f.id LIMIT ?`, args...)
	if err != nil {
		return nil, domain.Persistence("search", err)
	}
	ids, err := scanIDs(rows)
	return ids, domain.Persistence("search", err)
}
